package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agentiq/internal/history"
	"agentiq/internal/identity"
	"agentiq/internal/session"
)

type memKV struct {
	data map[string]string
}

func newMemKV() *memKV { return &memKV{data: map[string]string{}} }

func (m *memKV) Get(key string) (string, error) {
	v, ok := m.data[key]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *memKV) Set(key, value string) error { m.data[key] = value; return nil }
func (m *memKV) Delete(key string) error     { delete(m.data, key); return nil }

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestUserLabel(t *testing.T) {
	tests := []struct {
		name string
		user *session.Identity
		want string
	}{
		{"nil", nil, "unknown"},
		{"full", &session.Identity{DisplayName: "Ada", Email: "ada@example.com"}, "Ada <ada@example.com>"},
		{"email only", &session.Identity{Email: "ada@example.com"}, "ada@example.com"},
		{"name only", &session.Identity{DisplayName: "Ada"}, "Ada"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := userLabel(tt.user); got != tt.want {
				t.Errorf("userLabel = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 80); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	long := strings.Repeat("x", 100)
	got := truncate(long, 80)
	if len(got) != 83 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate(long) = %q (len %d)", got, len(got))
	}
}

func TestDurationOr(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 30 * time.Second},
		{"nonsense", 30 * time.Second},
		{"5s", 5 * time.Second},
		{"2m", 2 * time.Minute},
	}
	for _, tt := range tests {
		if got := durationOr(tt.in, 30*time.Second); got != tt.want {
			t.Errorf("durationOr(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestConversationTurns(t *testing.T) {
	hist := history.NewStore(newMemKV())
	hist.Append(history.Record{ID: "1", Query: "first", Response: "answer one", Success: true})
	hist.Append(history.Record{ID: "2", Query: "second", Response: "could not answer", Success: false})

	turns := conversationTurns(hist)
	if len(turns) != 4 {
		t.Fatalf("turns = %d, want 4", len(turns))
	}
	// Oldest first.
	if turns[0].Content != "first" || turns[1].Content != "answer one" {
		t.Errorf("order wrong: %+v", turns[:2])
	}
	if !turns[1].HasResult {
		t.Error("successful answer not marked as carrying a result")
	}
	if turns[3].HasResult {
		t.Error("failed answer marked as carrying a result")
	}
}

func TestFindRecordByPrefix(t *testing.T) {
	hist := history.NewStore(newMemKV())
	hist.Append(history.Record{ID: "abcdef12-3456", Query: "q"})
	a := &app{history: hist}

	if rec, ok := findRecord(a, "abcdef12-3456"); !ok || rec.Query != "q" {
		t.Errorf("full id lookup = %+v, %v", rec, ok)
	}
	if rec, ok := findRecord(a, "abcdef12"); !ok || rec.Query != "q" {
		t.Errorf("prefix lookup = %+v, %v", rec, ok)
	}
	if _, ok := findRecord(a, "zzz"); ok {
		t.Error("bogus id resolved")
	}
}

type stubTokens struct{}

func (stubTokens) AcquireResourceToken(context.Context) (identity.Token, error) {
	return identity.Token{Value: "resource-token", Audience: identity.AudienceResource}, nil
}

func (stubTokens) ClearCache() error { return nil }

// A session downgraded mid-chat is restored by a fresh sign-in.
func TestReauthenticateRestoresSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/client-login" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"user":    map[string]string{"email": "ada@example.com"},
		})
	}))
	defer srv.Close()

	jar, err := session.NewJar(newMemKV())
	if err != nil {
		t.Fatal(err)
	}
	bridge := session.NewBridge(srv.URL, &http.Client{Jar: jar, Timeout: 5 * time.Second}, stubTokens{}, jar)
	bridge.HandleUnauthorized()

	a := &app{bridge: bridge}
	if !reauthenticate(context.Background(), a) {
		t.Fatal("reauthenticate reported failure")
	}
	if got := bridge.Status().Snapshot().State; got != session.StateAuthenticated {
		t.Errorf("state = %q, want authenticated", got)
	}
}

// history clear refuses to act without --confirm, before touching any state.
func TestHistoryClearRequiresConfirm(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"history", "clear"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAskRequiresQuestion(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ask"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing question")
	}
}
