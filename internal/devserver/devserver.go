// Package devserver is a local stand-in for the agent backend. It speaks
// the same auth and query contract so the client can be exercised end to
// end without real infrastructure.
package devserver

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"agentiq/internal/session"
)

const sessionCookie = "iq_session"

// sessionTTL bounds how long a dev session stays valid.
const sessionTTL = 8 * time.Hour

// Server holds the in-memory session table.
type Server struct {
	user session.Identity

	mu       sync.Mutex
	sessions map[string]time.Time
}

// New creates a dev backend that signs everyone in as user.
func New(user session.Identity) *Server {
	return &Server{
		user:     user,
		sessions: map[string]time.Time{},
	}
}

// Handler returns the backend's HTTP surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/auth/client-login", s.handleClientLogin)
	r.Get("/auth/status", s.handleStatus)
	r.Get("/auth/user", s.handleUser)
	r.Post("/auth/logout", s.handleLogout)
	r.Post("/query/detailed", s.handleQuery)

	return r
}

type clientLoginRequest struct {
	AccessToken string `json:"access_token"`
}

func (s *Server) handleClientLogin(w http.ResponseWriter, r *http.Request) {
	var req clientLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccessToken == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success": false,
			"message": "access_token is required",
		})
		return
	}

	id, err := newSessionID()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": "could not create session",
		})
		return
	}

	expires := time.Now().Add(sessionTTL)
	s.mu.Lock()
	s.sessions[id] = expires
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
	})

	slog.Debug("dev session created", "user", s.user.Email)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"message":            "Login successful",
		"user":               s.user,
		"session_expires_at": expires.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": false,
			"message":       "Not authenticated",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user":          s.user,
	})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Not authenticated"})
		return
	}
	writeJSON(w, http.StatusOK, s.user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		s.mu.Lock()
		delete(s.sessions, c.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type queryRequest struct {
	Query               string `json:"query"`
	ConversationHistory []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"conversation_history"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Not authenticated"})
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "query is required"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"response":    cannedAnswer(req.Query),
		"query":       req.Query,
		"runStatus":   "completed",
		"stepsCount":  3,
		"sqlQuery":    "SELECT member_name, total_sales FROM members ORDER BY total_sales DESC LIMIT 5",
		"dataPreview": cannedPreview(),
		"error":       "",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// authorized checks the session cookie against the table, dropping expired
// entries as a side effect.
func (s *Server) authorized(r *http.Request) bool {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.sessions[c.Value]
	if !ok {
		return false
	}
	if time.Now().After(expires) {
		delete(s.sessions, c.Value)
		return false
	}
	return true
}

func cannedAnswer(q string) string {
	return fmt.Sprintf(
		"Here are the top 5 members by total sales volume:\n1. Alpha Corp ($1.2M)\n2. Beta LLC ($980K)\n3. Gamma Inc ($760K)\n4. Delta Co ($540K)\n5. Epsilon Ltd ($410K)\n\nThis answers your question: %q.",
		q,
	)
}

func cannedPreview() []map[string]any {
	return []map[string]any{
		{"member_name": "Alpha Corp", "total_sales": 1200000},
		{"member_name": "Beta LLC", "total_sales": 980000},
		{"member_name": "Gamma Inc", "total_sales": 760000},
		{"member_name": "Delta Co", "total_sales": 540000},
		{"member_name": "Epsilon Ltd", "total_sales": 410000},
	}
}

func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response failed", "error", err)
	}
}
