// Package history keeps the rolling record of submitted queries and their
// outcomes, persisted on every write.
package history

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	// maxRecords caps the history; the oldest records fall off.
	maxRecords = 50
	storageKey = "query_history"
)

// KV is the subset of the storage layer the history persists through.
// *storage.Store satisfies it.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// Record is one submitted query and everything the backend returned for it.
// Structured fields ride through unmodified; only Response is cleaned.
type Record struct {
	ID          string          `json:"id"`
	Query       string          `json:"query"`
	Response    string          `json:"response"`
	Success     bool            `json:"success"`
	RunStatus   string          `json:"runStatus,omitempty"`
	StepsCount  int             `json:"stepsCount,omitempty"`
	SQLQuery    string          `json:"sqlQuery,omitempty"`
	DataPreview json.RawMessage `json:"dataPreview,omitempty"`
	Error       string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Store holds records newest first.
type Store struct {
	mu      sync.Mutex
	kv      KV
	records []Record
}

// NewStore creates an empty store persisting through kv.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

// Load replaces the in-memory records with the persisted snapshot. Missing
// or corrupt persisted data yields an empty history, never an error.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.kv.Get(storageKey)
	if err != nil {
		s.records = nil
		return nil
	}
	var records []Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		s.records = nil
		return nil
	}
	if len(records) > maxRecords {
		records = records[:maxRecords]
	}
	s.records = records
	return nil
}

// Append inserts the record at the front, evicts past the cap, and
// persists the new snapshot.
func (s *Store) Append(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append([]Record{r}, s.records...)
	if len(s.records) > maxRecords {
		s.records = s.records[:maxRecords]
	}
	return s.persistLocked()
}

// List returns the records newest first.
func (s *Store) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// Get returns the record with the given ID.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// Clear drops every record, in memory and persisted.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	return s.kv.Delete(storageKey)
}

// Len reports the number of records held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) persistLocked() error {
	raw, err := json.Marshal(s.records)
	if err != nil {
		return err
	}
	return s.kv.Set(storageKey, string(raw))
}
