package identity

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Chain runs the two-stage token acquisition protocol: an interactive
// identity stage that resolves the active account, then a silent resource
// stage that falls back to an interactive prompt only when the provider
// explicitly signals interaction is required.
type Chain struct {
	provider       Provider
	identityScopes []string
	resourceScopes []string

	mu            sync.Mutex
	activeAccount string
	authenticated bool

	// Concurrent callers coalesce onto one in-flight interactive attempt;
	// a second prompt must never open.
	flight singleflight.Group
}

// NewChain creates a Chain over the given provider and scope sets.
func NewChain(p Provider, identityScopes, resourceScopes []string) *Chain {
	return &Chain{
		provider:       p,
		identityScopes: identityScopes,
		resourceScopes: resourceScopes,
	}
}

// AcquireResourceToken obtains a resource-scoped access token, running the
// full two-stage protocol. The identity stage completes before the resource
// stage begins. Errors other than the recovered ErrInteractionRequired
// fallback are terminal.
func (c *Chain) AcquireResourceToken(ctx context.Context) (Token, error) {
	v, err, _ := c.flight.Do("acquire", func() (any, error) {
		return c.acquire(ctx)
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

func (c *Chain) acquire(ctx context.Context) (Token, error) {
	// Stage 1: interactive identity sign-in resolves the account.
	idTok, err := c.provider.AcquireInteractive(ctx, AudienceIdentity, c.identityScopes, "")
	if err != nil {
		return Token{}, err
	}
	c.setActiveAccount(idTok.Account)

	// Stage 2: silent resource acquisition, interactive fallback only on
	// the distinguished interaction-required signal.
	resTok, err := c.provider.AcquireSilent(ctx, AudienceResource, c.resourceScopes, idTok.Account)
	if err == nil {
		return resTok, nil
	}
	if !isInteractionRequired(err) {
		return Token{}, err
	}

	return c.provider.AcquireInteractive(ctx, AudienceResource, c.resourceScopes, idTok.Account)
}

// AcquireResourceTokenSilent tries a purely silent acquisition against the
// active account, falling back to the full interactive chain when no account
// is active or the provider requires interaction.
func (c *Chain) AcquireResourceTokenSilent(ctx context.Context) (Token, error) {
	c.mu.Lock()
	account := c.activeAccount
	c.mu.Unlock()

	if account == "" {
		return c.AcquireResourceToken(ctx)
	}

	tok, err := c.provider.AcquireSilent(ctx, AudienceResource, c.resourceScopes, account)
	if err == nil {
		return tok, nil
	}
	if isInteractionRequired(err) {
		return c.AcquireResourceToken(ctx)
	}
	return Token{}, err
}

// ClearCache removes all cached tokens and accounts so a retry after a
// failed login starts clean. The active account and authenticated flag
// reset alongside.
func (c *Chain) ClearCache() error {
	err := c.provider.ClearCache()

	c.mu.Lock()
	c.activeAccount = ""
	c.authenticated = false
	c.mu.Unlock()

	return err
}

// ActiveAccount returns the provider account resolved by the last
// successful identity stage, or "".
func (c *Chain) ActiveAccount() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeAccount
}

// Authenticated reports whether an identity stage has succeeded since the
// last cache clear.
func (c *Chain) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Chain) setActiveAccount(account string) {
	c.mu.Lock()
	c.activeAccount = account
	c.authenticated = true
	c.mu.Unlock()
}

func isInteractionRequired(err error) bool {
	return errors.Is(err, ErrInteractionRequired)
}
