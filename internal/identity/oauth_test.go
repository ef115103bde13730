package identity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// memCache is an in-memory CacheStore.
type memCache struct {
	data map[string]string
}

func newMemCache() *memCache { return &memCache{data: map[string]string{}} }

func (m *memCache) Get(key string) (string, error) {
	v, ok := m.data[key]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *memCache) Set(key, value string) error {
	m.data[key] = value
	return nil
}

func (m *memCache) DeleteByPrefix(prefix string) error {
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}

func seedToken(t *testing.T, cache *memCache, audience Audience, entry cacheEntry) {
	t.Helper()
	raw, err := json.Marshal(entry)
	if err != nil {
		t.Fatal(err)
	}
	cache.data[tokenKey(audience)] = string(raw)
}

func fakeIDToken(t *testing.T, claims map[string]string) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	return "eyJhbGciOiJub25lIn0." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func TestSilentReturnsCachedToken(t *testing.T) {
	cache := newMemCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedToken(t, cache, AudienceResource, cacheEntry{
		AccessToken: "cached-token",
		Account:     "ada@example.com",
		ExpiresAt:   now.Add(time.Hour),
	})

	p := NewOAuthProvider(OAuthConfig{Authority: "http://unused", ClientID: "cid"}, cache)
	p.now = func() time.Time { return now }

	tok, err := p.AcquireSilent(context.Background(), AudienceResource, []string{"scope"}, "ada@example.com")
	if err != nil {
		t.Fatalf("AcquireSilent: %v", err)
	}
	if tok.Value != "cached-token" {
		t.Errorf("token = %q, want cached-token", tok.Value)
	}
	if tok.Account != "ada@example.com" {
		t.Errorf("account = %q", tok.Account)
	}
}

func TestSilentNoCacheRequiresInteraction(t *testing.T) {
	p := NewOAuthProvider(OAuthConfig{Authority: "http://unused", ClientID: "cid"}, newMemCache())

	_, err := p.AcquireSilent(context.Background(), AudienceResource, nil, "")
	if !errors.Is(err, ErrInteractionRequired) {
		t.Errorf("error = %v, want ErrInteractionRequired", err)
	}
}

// A token inside the expiry margin triggers a refresh, not a return of the
// soon-dead access token.
func TestSilentRefreshesExpiredToken(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/v2.0/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		r.ParseForm()
		gotForm = map[string]string{
			"grant_type":    r.FormValue("grant_type"),
			"refresh_token": r.FormValue("refresh_token"),
			"client_id":     r.FormValue("client_id"),
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-token",
			"refresh_token": "fresh-refresh",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	cache := newMemCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedToken(t, cache, AudienceResource, cacheEntry{
		AccessToken:  "stale-token",
		RefreshToken: "old-refresh",
		Account:      "ada@example.com",
		ExpiresAt:    now.Add(time.Minute), // inside the 5m margin
	})

	p := NewOAuthProvider(OAuthConfig{Authority: srv.URL, ClientID: "cid"}, cache)
	p.now = func() time.Time { return now }

	tok, err := p.AcquireSilent(context.Background(), AudienceResource, []string{"scope"}, "ada@example.com")
	if err != nil {
		t.Fatalf("AcquireSilent: %v", err)
	}
	if tok.Value != "fresh-token" {
		t.Errorf("token = %q, want fresh-token", tok.Value)
	}
	if gotForm["grant_type"] != "refresh_token" || gotForm["refresh_token"] != "old-refresh" || gotForm["client_id"] != "cid" {
		t.Errorf("refresh form = %v", gotForm)
	}

	// The refreshed credentials replace the cached entry.
	var entry cacheEntry
	if err := json.Unmarshal([]byte(cache.data[tokenKey(AudienceResource)]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.AccessToken != "fresh-token" || entry.RefreshToken != "fresh-refresh" {
		t.Errorf("cached entry = %+v", entry)
	}
}

func TestSilentRefreshRejection(t *testing.T) {
	tests := []struct {
		name            string
		errCode         string
		wantInteraction bool
	}{
		{"invalid_grant requires interaction", "invalid_grant", true},
		{"interaction_required requires interaction", "interaction_required", true},
		{"server_error is terminal", "server_error", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": tt.errCode, "error_description": "nope"})
			}))
			defer srv.Close()

			cache := newMemCache()
			now := time.Now()
			seedToken(t, cache, AudienceResource, cacheEntry{
				AccessToken:  "stale",
				RefreshToken: "r",
				ExpiresAt:    now.Add(-time.Minute),
			})

			p := NewOAuthProvider(OAuthConfig{Authority: srv.URL, ClientID: "cid"}, cache)

			_, err := p.AcquireSilent(context.Background(), AudienceResource, nil, "")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrInteractionRequired); got != tt.wantInteraction {
				t.Errorf("errors.Is(err, ErrInteractionRequired) = %v, want %v (err = %v)", got, tt.wantInteraction, err)
			}

			var pe *ProviderError
			if !tt.wantInteraction && !errors.As(err, &pe) {
				t.Errorf("terminal error is not a ProviderError: %v", err)
			}
		})
	}
}

// TestInteractiveFlow drives the full authorization code exchange with the
// browser replaced by a direct callback request.
func TestInteractiveFlow(t *testing.T) {
	idToken := fakeIDToken(t, map[string]string{"preferred_username": "ada@example.com"})

	var gotExchange map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotExchange = map[string]string{
			"grant_type":    r.FormValue("grant_type"),
			"code":          r.FormValue("code"),
			"code_verifier": r.FormValue("code_verifier"),
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "exchanged-token",
			"refresh_token": "exchanged-refresh",
			"id_token":      idToken,
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	cache := newMemCache()
	cfg := OAuthConfig{
		Authority:    srv.URL,
		ClientID:     "cid",
		RedirectPort: 0,
		OpenBrowser: func(authURL string) error {
			// Stand in for the user: follow the redirect immediately.
			u, err := url.Parse(authURL)
			if err != nil {
				return err
			}
			q := u.Query()
			if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
				t.Errorf("authorization URL missing PKCE params: %s", authURL)
			}
			go http.Get(q.Get("redirect_uri") + "?code=auth-code&state=" + q.Get("state"))
			return nil
		},
	}

	p := NewOAuthProvider(cfg, cache)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tok, err := p.AcquireInteractive(ctx, AudienceIdentity, []string{"User.Read", "openid"}, "")
	if err != nil {
		t.Fatalf("AcquireInteractive: %v", err)
	}
	if tok.Value != "exchanged-token" {
		t.Errorf("token = %q", tok.Value)
	}
	if tok.Account != "ada@example.com" {
		t.Errorf("account = %q, want ada@example.com", tok.Account)
	}
	if gotExchange["grant_type"] != "authorization_code" || gotExchange["code"] != "auth-code" {
		t.Errorf("exchange form = %v", gotExchange)
	}
	if gotExchange["code_verifier"] == "" {
		t.Error("exchange missing code_verifier")
	}
	if _, ok := cache.data[tokenKey(AudienceIdentity)]; !ok {
		t.Error("token not cached after interactive flow")
	}
}

func TestInteractiveStateMismatch(t *testing.T) {
	cfg := OAuthConfig{
		Authority:    "http://unused",
		ClientID:     "cid",
		RedirectPort: 0,
		OpenBrowser: func(authURL string) error {
			u, err := url.Parse(authURL)
			if err != nil {
				return err
			}
			go http.Get(u.Query().Get("redirect_uri") + "?code=auth-code&state=wrong")
			return nil
		},
	}

	p := NewOAuthProvider(cfg, newMemCache())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.AcquireInteractive(ctx, AudienceIdentity, nil, "")
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want ProviderError", err)
	}
}

func TestClearCachePurgesOnlyProviderKeys(t *testing.T) {
	cache := newMemCache()
	cache.data["idp.token.identity"] = "a"
	cache.data["idp.token.resource"] = "b"
	cache.data["query_history"] = "keep"
	cache.data["session.cookies"] = "keep"

	p := NewOAuthProvider(OAuthConfig{Authority: "http://unused", ClientID: "cid"}, cache)
	if err := p.ClearCache(); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}

	if len(cache.data) != 2 {
		t.Errorf("remaining keys = %v", cache.data)
	}
	if _, ok := cache.data["query_history"]; !ok {
		t.Error("query_history was purged")
	}
}

func TestAccountFromIDToken(t *testing.T) {
	if got := accountFromIDToken(""); got != "" {
		t.Errorf("empty token account = %q", got)
	}
	if got := accountFromIDToken("garbage"); got != "" {
		t.Errorf("garbage token account = %q", got)
	}

	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"email":"e@example.com"}`))
	if got := accountFromIDToken("h." + payload + ".s"); got != "e@example.com" {
		t.Errorf("email fallback = %q", got)
	}
}
