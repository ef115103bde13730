package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"agentiq/internal/history"
	"agentiq/internal/identity"
	"agentiq/internal/query"
	"agentiq/internal/session"
)

var devUser = session.Identity{
	Email:       "dev@example.com",
	DisplayName: "Dev User",
}

func newTestServer(t *testing.T) (*httptest.Server, *http.Client) {
	t.Helper()
	srv := httptest.NewServer(New(devUser).Handler())
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return srv, &http.Client{Jar: jar, Timeout: 5 * time.Second}
}

func login(t *testing.T, srv *httptest.Server, client *http.Client, token string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"access_token": token})
	resp, err := client.Post(srv.URL+"/auth/client-login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestLoginStatusLogoutFlow(t *testing.T) {
	srv, client := newTestServer(t)

	// Unauthenticated at first.
	resp, err := client.Get(srv.URL + "/auth/status")
	if err != nil {
		t.Fatal(err)
	}
	var status struct {
		Authenticated bool              `json:"authenticated"`
		User          *session.Identity `json:"user"`
	}
	json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if status.Authenticated {
		t.Fatal("authenticated before login")
	}

	// Login sets the session cookie.
	lresp := login(t, srv, client, "some-token")
	if lresp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", lresp.StatusCode)
	}

	resp, err = client.Get(srv.URL + "/auth/status")
	if err != nil {
		t.Fatal(err)
	}
	json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if !status.Authenticated || status.User == nil || status.User.Email != devUser.Email {
		t.Errorf("status after login = %+v", status)
	}

	// Logout invalidates the session.
	resp, err = client.Post(srv.URL+"/auth/logout", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = client.Get(srv.URL + "/auth/user")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("user after logout = %d, want 401", resp.StatusCode)
	}
}

func TestLoginRequiresToken(t *testing.T) {
	srv, client := newTestServer(t)

	resp := login(t, srv, client, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("login without token = %d, want 401", resp.StatusCode)
	}
}

func TestQueryRequiresSession(t *testing.T) {
	srv, client := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"query": "top members?"})
	resp, err := client.Post(srv.URL+"/query/detailed", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("query without session = %d, want 401", resp.StatusCode)
	}
}

func TestQueryReturnsStructuredResult(t *testing.T) {
	srv, client := newTestServer(t)
	login(t, srv, client, "tok")

	body, _ := json.Marshal(map[string]any{"query": "top members?"})
	resp, err := client.Post(srv.URL+"/query/detailed", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out struct {
		Success     bool            `json:"success"`
		Response    string          `json:"response"`
		RunStatus   string          `json:"runStatus"`
		SQLQuery    string          `json:"sqlQuery"`
		DataPreview json.RawMessage `json:"dataPreview"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.Response == "" || out.RunStatus != "completed" || out.SQLQuery == "" {
		t.Errorf("response = %+v", out)
	}
	if len(out.DataPreview) == 0 {
		t.Error("no data preview")
	}
}

// --- end-to-end: real bridge and pipeline against the dev backend ---

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

type staticTokens struct{}

func (staticTokens) AcquireResourceToken(context.Context) (identity.Token, error) {
	return identity.Token{Value: "dev-token", Audience: identity.AudienceResource}, nil
}

func (staticTokens) ClearCache() error { return nil }

func TestClientAgainstDevServer(t *testing.T) {
	srv := httptest.NewServer(New(devUser).Handler())
	t.Cleanup(srv.Close)

	jar, err := session.NewJar(newMemKV())
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Jar: jar, Timeout: 5 * time.Second}
	bridge := session.NewBridge(srv.URL, client, staticTokens{}, jar)

	user, err := bridge.Login(context.Background())
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.Email != devUser.Email {
		t.Errorf("user = %+v", user)
	}

	store := history.NewStore(newMemKV())
	pipeline := query.NewPipeline(srv.URL, client, bridge, store)

	rec := pipeline.Submit(context.Background(), "who are the top members?", nil)
	if !rec.Success {
		t.Fatalf("record = %+v", rec)
	}
	if rec.SQLQuery == "" || rec.RunStatus != "completed" {
		t.Errorf("structured fields = %+v", rec)
	}
	if store.Len() != 1 {
		t.Errorf("history length = %d", store.Len())
	}

	// Logout kills the session; the next query 401s and downgrades state.
	if err := bridge.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	rec = pipeline.Submit(context.Background(), "and now?", nil)
	if rec.Success {
		t.Error("query succeeded after logout")
	}
	if got := bridge.Status().Snapshot().State; got != session.StateUnauthenticated {
		t.Errorf("state = %q, want unauthenticated", got)
	}
}
