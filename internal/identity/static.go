package identity

import (
	"context"
	"time"
)

// StaticTokenProvider serves a pre-issued bearer token for headless
// environments where a browser flow is impossible. The token is assumed
// valid; expiry shows up as a server-side rejection instead.
type StaticTokenProvider struct {
	token string
}

// NewStaticTokenProvider wraps a fixed token.
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

func (p *StaticTokenProvider) AcquireInteractive(_ context.Context, audience Audience, _ []string, _ string) (Token, error) {
	return p.static(audience), nil
}

func (p *StaticTokenProvider) AcquireSilent(_ context.Context, audience Audience, _ []string, _ string) (Token, error) {
	return p.static(audience), nil
}

func (p *StaticTokenProvider) ClearCache() error { return nil }

func (p *StaticTokenProvider) static(audience Audience) Token {
	return Token{
		Value:     p.token,
		Audience:  audience,
		Account:   "static",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
}
