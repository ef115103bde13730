// Package identity acquires delegated tokens from the identity provider.
//
// The two-stage chain first establishes the user's identity interactively,
// then obtains a resource-scoped token for the data-agent API, silently
// where possible. The provider itself is abstracted behind a narrow
// capability interface so the chain's policy is testable without a real
// identity provider.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Audience tags which stage of the chain a token belongs to.
type Audience string

const (
	// AudienceIdentity is the basic profile-read sign-in token.
	AudienceIdentity Audience = "identity"
	// AudienceResource is the downstream data-agent API token.
	AudienceResource Audience = "resource"
)

// Token is an opaque bearer token tagged with its target audience.
// It is never persisted outside the provider's own cache.
type Token struct {
	Value     string
	Audience  Audience
	Account   string
	ExpiresAt time.Time
}

// Valid reports whether the token is usable at instant now, with margin
// left before expiry.
func (t Token) Valid(now time.Time, margin time.Duration) bool {
	return t.Value != "" && now.Add(margin).Before(t.ExpiresAt)
}

// ErrInteractionRequired signals that silent acquisition cannot proceed and
// the caller must fall back to an interactive prompt. It is the only
// recoverable error kind in the chain.
var ErrInteractionRequired = errors.New("interaction required")

// ProviderError wraps an identity-provider-side failure (prompt cancelled,
// token endpoint rejection, unreachable authority).
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("identity provider: %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Provider is the capability surface of the identity provider's token
// machinery. account is the provider-assigned account identifier; pass ""
// on the first interactive call and the provider resolves it.
type Provider interface {
	AcquireInteractive(ctx context.Context, audience Audience, scopes []string, account string) (Token, error)
	AcquireSilent(ctx context.Context, audience Audience, scopes []string, account string) (Token, error)
	ClearCache() error
}
