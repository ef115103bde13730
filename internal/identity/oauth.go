package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// expiryMargin is how much lifetime a cached access token must have left
// to be returned without a refresh.
const expiryMargin = 5 * time.Minute

// cachePrefix namespaces every identity-provider key in the store.
// ClearCache purges exactly this prefix and nothing else.
const cachePrefix = "idp."

// CacheStore is the subset of the storage layer the provider persists
// tokens through. *storage.Store satisfies it.
type CacheStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	DeleteByPrefix(prefix string) error
}

// OAuthConfig configures the browser-based authorization code flow.
type OAuthConfig struct {
	// Authority is the base URL of the identity provider tenant,
	// e.g. https://login.microsoftonline.com/common.
	Authority string
	ClientID  string
	// RedirectPort is the localhost port the callback server binds.
	// 0 picks a free port.
	RedirectPort int

	// HTTPClient overrides the client used for token endpoint calls.
	HTTPClient *http.Client
	// OpenBrowser overrides how the authorization URL is opened.
	OpenBrowser func(url string) error
}

// OAuthProvider implements Provider with the authorization code + PKCE
// flow against a standard v2 OAuth endpoint, caching tokens per audience
// in the local store.
type OAuthProvider struct {
	cfg    OAuthConfig
	cache  CacheStore
	client *http.Client
	open   func(url string) error
	now    func() time.Time
}

// NewOAuthProvider creates a provider caching tokens in cache.
func NewOAuthProvider(cfg OAuthConfig, cache CacheStore) *OAuthProvider {
	p := &OAuthProvider{
		cfg:    cfg,
		cache:  cache,
		client: cfg.HTTPClient,
		open:   cfg.OpenBrowser,
		now:    time.Now,
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: 30 * time.Second}
	}
	if p.open == nil {
		p.open = openBrowser
	}
	return p
}

// cacheEntry is the persisted form of one audience's tokens.
type cacheEntry struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Account      string    `json:"account,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func tokenKey(audience Audience) string {
	return cachePrefix + "token." + string(audience)
}

// AcquireSilent returns a cached token for the audience, refreshing it
// when expired. ErrInteractionRequired is returned when no usable cached
// credential exists.
func (p *OAuthProvider) AcquireSilent(ctx context.Context, audience Audience, scopes []string, account string) (Token, error) {
	raw, err := p.cache.Get(tokenKey(audience))
	if err != nil {
		return Token{}, fmt.Errorf("no cached token for %s: %w", audience, ErrInteractionRequired)
	}

	var entry cacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Token{}, fmt.Errorf("corrupt token cache for %s: %w", audience, ErrInteractionRequired)
	}

	tok := Token{
		Value:     entry.AccessToken,
		Audience:  audience,
		Account:   entry.Account,
		ExpiresAt: entry.ExpiresAt,
	}
	if tok.Valid(p.now(), expiryMargin) {
		return tok, nil
	}

	if entry.RefreshToken == "" {
		return Token{}, fmt.Errorf("expired token and no refresh token for %s: %w", audience, ErrInteractionRequired)
	}

	slog.Debug("refreshing expired token", "audience", audience)

	form := url.Values{
		"client_id":     {p.cfg.ClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {entry.RefreshToken},
		"scope":         {strings.Join(scopes, " ")},
	}
	resp, err := p.tokenRequest(ctx, form)
	if err != nil {
		return Token{}, err
	}
	return p.storeResponse(audience, resp, entry.Account)
}

// AcquireInteractive runs the browser authorization flow: it starts a
// localhost callback server, opens the authorization URL, and exchanges
// the returned code for tokens. Blocks until the callback fires or ctx
// is done.
func (p *OAuthProvider) AcquireInteractive(ctx context.Context, audience Audience, scopes []string, account string) (Token, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p.cfg.RedirectPort))
	if err != nil {
		return Token{}, &ProviderError{Op: "callback listen", Err: err}
	}
	defer ln.Close()

	redirectURI := fmt.Sprintf("http://%s/auth/callback", ln.Addr().String())

	verifier, challenge, err := pkcePair()
	if err != nil {
		return Token{}, &ProviderError{Op: "pkce", Err: err}
	}
	state, err := randomToken(16)
	if err != nil {
		return Token{}, &ProviderError{Op: "state", Err: err}
	}

	type callback struct {
		code string
		err  error
	}
	done := make(chan callback, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			done <- callback{err: errors.New("state mismatch in callback")}
			return
		}
		if errCode := q.Get("error"); errCode != "" {
			http.Error(w, "sign-in failed", http.StatusBadRequest)
			done <- callback{err: fmt.Errorf("%s: %s", errCode, q.Get("error_description"))}
			return
		}
		fmt.Fprint(w, "Signed in. You can close this tab and return to the terminal.")
		done <- callback{code: q.Get("code")}
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer srv.Close()

	authURL := p.cfg.Authority + "/oauth2/v2.0/authorize?" + url.Values{
		"client_id":             {p.cfg.ClientID},
		"response_type":         {"code"},
		"redirect_uri":          {redirectURI},
		"response_mode":         {"query"},
		"scope":                 {strings.Join(scopes, " ")},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}.Encode()

	slog.Info("opening browser for sign-in", "audience", audience)
	if err := p.open(authURL); err != nil {
		return Token{}, &ProviderError{Op: "open browser", Err: err}
	}

	var code string
	select {
	case cb := <-done:
		if cb.err != nil {
			return Token{}, &ProviderError{Op: "authorization", Err: cb.err}
		}
		code = cb.code
	case <-ctx.Done():
		return Token{}, &ProviderError{Op: "authorization", Err: ctx.Err()}
	}

	form := url.Values{
		"client_id":     {p.cfg.ClientID},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
		"scope":         {strings.Join(scopes, " ")},
	}
	resp, err := p.tokenRequest(ctx, form)
	if err != nil {
		return Token{}, err
	}
	return p.storeResponse(audience, resp, account)
}

// ClearCache removes every cached token and account record.
func (p *OAuthProvider) ClearCache() error {
	return p.cache.DeleteByPrefix(cachePrefix)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// interactionErrorCodes are provider error codes that mean the silent path
// is dead and the user must sign in again.
var interactionErrorCodes = map[string]bool{
	"interaction_required": true,
	"invalid_grant":        true,
	"login_required":       true,
	"consent_required":     true,
}

func (p *OAuthProvider) tokenRequest(ctx context.Context, form url.Values) (*tokenResponse, error) {
	endpoint := p.cfg.Authority + "/oauth2/v2.0/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ProviderError{Op: "token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Op: "token request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Op: "token response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var oe struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		if json.Unmarshal(body, &oe) == nil && oe.Error != "" {
			if interactionErrorCodes[oe.Error] {
				return nil, fmt.Errorf("%s: %w", oe.Error, ErrInteractionRequired)
			}
			return nil, &ProviderError{Op: "token endpoint", Err: fmt.Errorf("%s: %s", oe.Error, oe.Description)}
		}
		return nil, &ProviderError{Op: "token endpoint", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &ProviderError{Op: "token response", Err: err}
	}
	if tr.AccessToken == "" {
		return nil, &ProviderError{Op: "token response", Err: errors.New("empty access token")}
	}
	return &tr, nil
}

// storeResponse caches the token response and returns the resulting Token.
// The account is resolved from the id_token when present, falling back to
// the caller-supplied account.
func (p *OAuthProvider) storeResponse(audience Audience, tr *tokenResponse, account string) (Token, error) {
	if acct := accountFromIDToken(tr.IDToken); acct != "" {
		account = acct
	}

	entry := cacheEntry{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Account:      account,
		ExpiresAt:    p.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return Token{}, &ProviderError{Op: "cache encode", Err: err}
	}
	if err := p.cache.Set(tokenKey(audience), string(raw)); err != nil {
		return Token{}, &ProviderError{Op: "cache write", Err: err}
	}

	return Token{
		Value:     entry.AccessToken,
		Audience:  audience,
		Account:   account,
		ExpiresAt: entry.ExpiresAt,
	}, nil
}

// accountFromIDToken extracts the signed-in account identifier from an
// id_token payload. Returns "" when the token is absent or unparseable;
// the claims are informational here, signature verification is the
// provider's job.
func accountFromIDToken(idToken string) string {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	if claims.PreferredUsername != "" {
		return claims.PreferredUsername
	}
	return claims.Email
}

func pkcePair() (verifier, challenge string, err error) {
	verifier, err = randomToken(32)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func openBrowser(u string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", u).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", u).Start()
	default:
		return exec.Command("xdg-open", u).Start()
	}
}
