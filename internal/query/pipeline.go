// Package query submits user questions to the agent backend, windows the
// conversation history that rides along, and cleans the echoed context out
// of responses.
package query

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"agentiq/internal/history"
)

// Greeting is the canonical welcome turn shown before any query.
const Greeting = "Hello! I'm your Ingage AI agent. I'm here to help answer your questions and provide assistance. What can I help you with today?"

// connectivityMessage stands in for the answer when the backend is
// unreachable or failing.
const connectivityMessage = "I'm sorry, I'm having trouble connecting to the server right now. Please try again later."

// reauthMessage stands in for the answer when the session expired mid-query.
const reauthMessage = "Your session has expired. Please sign in again to continue."

// historyWindow is the maximum number of prior turns sent with a query.
const historyWindow = 10

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "assistant"
)

// Turn is one entry of the visible conversation.
type Turn struct {
	Role    Role
	Content string
	// Typing marks an ephemeral typing indicator, never sent upstream.
	Typing bool
	// Greeting marks the canonical welcome turn.
	Greeting bool
	// HasResult marks a turn carrying a structured backend result.
	HasResult bool
}

// Authorizer downgrades the session when the backend returns 401.
// *session.Bridge satisfies it.
type Authorizer interface {
	HandleUnauthorized()
}

// Pipeline submits queries. At most one submission should be in flight per
// caller; the pipeline does not enqueue.
type Pipeline struct {
	baseURL string
	client  *http.Client
	auth    Authorizer
	store   *history.Store

	now   func() time.Time
	newID func() string
}

// NewPipeline creates a Pipeline. client must carry the session cookie
// channel. store may be nil to skip history recording.
func NewPipeline(baseURL string, client *http.Client, auth Authorizer, store *history.Store) *Pipeline {
	return &Pipeline{
		baseURL: baseURL,
		client:  client,
		auth:    auth,
		store:   store,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

type wireTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type queryRequest struct {
	Query               string     `json:"query"`
	ConversationHistory []wireTurn `json:"conversation_history"`
}

type queryResponse struct {
	Success     bool            `json:"success"`
	Response    string          `json:"response"`
	Query       string          `json:"query"`
	RunStatus   string          `json:"runStatus"`
	StepsCount  int             `json:"stepsCount"`
	SQLQuery    string          `json:"sqlQuery"`
	DataPreview json.RawMessage `json:"dataPreview"`
	Error       string          `json:"error"`
	Timestamp   string          `json:"timestamp"`
}

// Submit sends the query with a windowed conversation history and returns
// the resulting record. It never returns an error; failures become records
// with Success=false and a human-readable message. turns are the candidate
// conversation turns, oldest first, possibly including the just-submitted
// turn itself.
func (p *Pipeline) Submit(ctx context.Context, q string, turns []Turn) history.Record {
	window := buildWindow(q, turns)

	payload := queryRequest{Query: q, ConversationHistory: window}
	body, err := json.Marshal(payload)
	if err != nil {
		return p.record(q, p.failure(connectivityMessage, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/query/detailed", bytes.NewReader(body))
	if err != nil {
		return p.record(q, p.failure(connectivityMessage, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		slog.Warn("query transport failure", "error", err)
		return p.record(q, p.failure(connectivityMessage, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		slog.Info("query rejected with 401, downgrading session")
		if p.auth != nil {
			p.auth.HandleUnauthorized()
		}
		return p.record(q, p.failure(reauthMessage, nil))
	}

	var qr queryResponse
	if resp.StatusCode != http.StatusOK {
		slog.Warn("query failed", "status", resp.StatusCode)
		return p.record(q, p.failure(connectivityMessage, nil))
	}
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return p.record(q, p.failure(connectivityMessage, err))
	}

	return p.record(q, history.Record{
		Response:    Clean(qr.Response),
		Success:     qr.Success,
		RunStatus:   qr.RunStatus,
		StepsCount:  qr.StepsCount,
		SQLQuery:    qr.SQLQuery,
		DataPreview: qr.DataPreview,
		Error:       qr.Error,
	})
}

// buildWindow builds the conversation history sent with query q: typing
// indicators, the greeting turn without a result, and the just-submitted
// turn are excluded; at most the last historyWindow remaining turns ride
// along, oldest first.
func buildWindow(q string, turns []Turn) []wireTurn {
	kept := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.Typing {
			continue
		}
		if t.Greeting && !t.HasResult {
			continue
		}
		kept = append(kept, t)
	}

	// The just-submitted turn may already sit at the tail.
	if n := len(kept); n > 0 && kept[n-1].Role == RoleUser && kept[n-1].Content == q {
		kept = kept[:n-1]
	}

	if len(kept) > historyWindow {
		kept = kept[len(kept)-historyWindow:]
	}

	window := make([]wireTurn, len(kept))
	for i, t := range kept {
		window[i] = wireTurn{Role: string(t.Role), Content: t.Content}
	}
	return window
}

func (p *Pipeline) failure(message string, cause error) history.Record {
	r := history.Record{Success: false, Response: message}
	if cause != nil {
		r.Error = cause.Error()
	}
	return r
}

// record stamps identity and time onto r and appends it to the history.
func (p *Pipeline) record(q string, r history.Record) history.Record {
	r.ID = p.newID()
	r.Query = q
	r.Timestamp = p.now()

	if p.store != nil {
		if err := p.store.Append(r); err != nil {
			slog.Warn("persisting query history failed", "error", err)
		}
	}
	return r
}
