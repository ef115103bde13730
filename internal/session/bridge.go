package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"agentiq/internal/identity"
)

// TransportError wraps a network-level failure talking to the backend.
// It does not imply anything about the session's validity.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("backend unreachable: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerRejection is a definitive refusal from the backend, carrying its
// status code and message.
type ServerRejection struct {
	StatusCode int
	Message    string
}

func (e *ServerRejection) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server rejected request (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server rejected request (%d)", e.StatusCode)
}

// ErrAuthorizationExpired signals the backend stopped honoring the session
// cookie. Local session state has already been torn down when it surfaces.
var ErrAuthorizationExpired = errors.New("authorization expired")

// ErrLoginSuperseded signals a login completed after a logout had already
// torn the session down; its result was discarded.
var ErrLoginSuperseded = errors.New("login superseded by logout")

// TokenSource provides resource tokens for the login exchange.
// *identity.Chain satisfies it.
type TokenSource interface {
	AcquireResourceToken(ctx context.Context) (identity.Token, error)
	ClearCache() error
}

// Bridge exchanges identity-provider tokens for a cookie-backed session
// with the agent backend and tracks the session lifecycle.
type Bridge struct {
	baseURL string
	client  *http.Client
	tokens  TokenSource
	jar     *Jar
	status  *Status

	// epoch increments on every logout or local downgrade. A login that
	// finishes under an older epoch is stale and its success is discarded.
	mu    sync.Mutex
	epoch uint64
}

// NewBridge creates a Bridge. client must route cookies through jar.
func NewBridge(baseURL string, client *http.Client, tokens TokenSource, jar *Jar) *Bridge {
	return &Bridge{
		baseURL: baseURL,
		client:  client,
		tokens:  tokens,
		jar:     jar,
		status:  NewStatus(),
	}
}

// Status exposes the observable session state.
func (b *Bridge) Status() *Status { return b.status }

type statusResponse struct {
	Authenticated bool      `json:"authenticated"`
	User          *Identity `json:"user,omitempty"`
	Message       string    `json:"message,omitempty"`
}

type loginRequest struct {
	AccessToken string `json:"access_token"`
}

type loginResponse struct {
	Success          bool      `json:"success"`
	Message          string    `json:"message"`
	User             *Identity `json:"user"`
	SessionExpiresAt string    `json:"session_expires_at,omitempty"`
}

// CheckStatus probes the backend for the current session's validity. A
// transport failure leaves the session unauthenticated locally and returns
// a TransportError; it never masquerades as a definitive "logged out".
func (b *Bridge) CheckStatus(ctx context.Context) (Snapshot, error) {
	b.status.set(Snapshot{State: StateChecking})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/auth/status", nil)
	if err != nil {
		snap := Snapshot{State: StateUnauthenticated}
		b.status.set(snap)
		return snap, &TransportError{Op: "status", Err: err}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		snap := Snapshot{State: StateUnauthenticated}
		b.status.set(snap)
		return snap, &TransportError{Op: "status", Err: err}
	}
	defer resp.Body.Close()

	var sr statusResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
			snap := Snapshot{State: StateUnauthenticated}
			b.status.set(snap)
			return snap, &TransportError{Op: "status decode", Err: err}
		}
	}

	snap := Snapshot{State: StateUnauthenticated}
	if sr.Authenticated {
		snap = Snapshot{State: StateAuthenticated, User: sr.User}
	}
	b.status.set(snap)
	return snap, nil
}

// Login runs the full sign-in: acquire a resource token through the
// two-stage chain, then exchange it for a session cookie. On any failure
// the provider cache is cleared so a retry starts clean. A success that
// lands after a concurrent logout is discarded.
func (b *Bridge) Login(ctx context.Context) (*Identity, error) {
	epoch := b.currentEpoch()
	b.status.set(Snapshot{State: StateLoggingIn})

	tok, err := b.tokens.AcquireResourceToken(ctx)
	if err != nil {
		b.failLogin(epoch, err)
		return nil, err
	}

	body, err := json.Marshal(loginRequest{AccessToken: tok.Value})
	if err != nil {
		b.failLogin(epoch, err)
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/auth/client-login", bytes.NewReader(body))
	if err != nil {
		b.failLogin(epoch, err)
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		terr := &TransportError{Op: "client-login", Err: err}
		b.failLogin(epoch, terr)
		return nil, terr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		terr := &TransportError{Op: "client-login read", Err: err}
		b.failLogin(epoch, terr)
		return nil, terr
	}

	var lr loginResponse
	if jsonErr := json.Unmarshal(raw, &lr); jsonErr != nil {
		lr = loginResponse{}
	}

	if resp.StatusCode != http.StatusOK || !lr.Success {
		rej := &ServerRejection{StatusCode: resp.StatusCode, Message: lr.Message}
		b.failLogin(epoch, rej)
		return nil, rej
	}

	if b.currentEpoch() != epoch {
		slog.Info("discarding login result, session was torn down meanwhile")
		return nil, ErrLoginSuperseded
	}

	slog.Info("session established", "user", userLabel(lr.User))
	b.status.set(Snapshot{State: StateAuthenticated, User: lr.User})
	return lr.User, nil
}

// CurrentUser fetches the backend's view of the signed-in user. A 401
// downgrades the session immediately.
func (b *Bridge) CurrentUser(ctx context.Context) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/auth/user", nil)
	if err != nil {
		return nil, &TransportError{Op: "user", Err: err}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "user", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		b.HandleUnauthorized()
		return nil, ErrAuthorizationExpired
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ServerRejection{StatusCode: resp.StatusCode}
	}

	var user Identity
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, &TransportError{Op: "user decode", Err: err}
	}
	return &user, nil
}

// Logout tears the session down on both sides. Local teardown always
// completes; the server call is best effort.
func (b *Bridge) Logout(ctx context.Context) error {
	b.bumpEpoch()

	var firstErr error
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/auth/logout", nil)
	if err == nil {
		if resp, doErr := b.client.Do(req); doErr != nil {
			slog.Warn("server logout failed, clearing local session anyway", "error", doErr)
			firstErr = &TransportError{Op: "logout", Err: doErr}
		} else {
			resp.Body.Close()
		}
	}

	if err := b.tokens.ClearCache(); err != nil && firstErr == nil {
		firstErr = err
	}
	if b.jar != nil {
		if err := b.jar.Clear(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	b.status.set(Snapshot{State: StateUnauthenticated})
	return firstErr
}

// HandleUnauthorized downgrades the session immediately after the backend
// returned 401. No server round trip; the session is already dead there.
func (b *Bridge) HandleUnauthorized() {
	b.bumpEpoch()
	slog.Info("session no longer honored, downgrading")

	b.tokens.ClearCache()
	if b.jar != nil {
		b.jar.Clear()
	}
	b.status.set(Snapshot{State: StateUnauthenticated, Err: ErrAuthorizationExpired})
}

// WaitForAuthentication polls CheckStatus until the backend reports an
// authenticated session or the timeout elapses. Used after an external
// sign-in completes out of band.
func (b *Bridge) WaitForAuthentication(ctx context.Context, interval, timeout time.Duration) (*Identity, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		snap, err := b.CheckStatus(ctx)
		if err == nil && snap.State == StateAuthenticated {
			return snap.User, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("not authenticated after %s", timeout)
		case <-tick.C:
		}
	}
}

func (b *Bridge) currentEpoch() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

func (b *Bridge) bumpEpoch() {
	b.mu.Lock()
	b.epoch++
	b.mu.Unlock()
}

// failLogin clears the provider cache and records the error state, unless
// a logout already moved the session past this attempt.
func (b *Bridge) failLogin(epoch uint64, cause error) {
	b.tokens.ClearCache()
	if b.currentEpoch() != epoch {
		return
	}
	slog.Warn("login failed", "error", cause)
	b.status.set(Snapshot{State: StateError, Err: cause})
}

func userLabel(u *Identity) string {
	if u == nil {
		return ""
	}
	if u.Email != "" {
		return u.Email
	}
	return u.DisplayName
}
