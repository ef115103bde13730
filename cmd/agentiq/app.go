package main

import (
	"fmt"
	"net/http"
	"time"

	"agentiq/internal/config"
	"agentiq/internal/history"
	"agentiq/internal/identity"
	"agentiq/internal/query"
	"agentiq/internal/session"
	"agentiq/internal/storage"
)

// app wires the full client stack: config, storage, identity chain,
// session bridge, and query pipeline.
type app struct {
	cfg      config.Config
	store    *storage.Store
	jar      *session.Jar
	client   *http.Client
	chain    *identity.Chain
	bridge   *session.Bridge
	history  *history.Store
	pipeline *query.Pipeline
}

var newApp = func() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	jar, err := session.NewJar(store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading cookie jar: %w", err)
	}

	client := &http.Client{
		Jar:     jar,
		Timeout: durationOr(cfg.API.Timeout, 30*time.Second),
	}

	// A configured static token skips the browser flow entirely.
	var provider identity.Provider
	if cfg.Auth.StaticToken != "" {
		provider = identity.NewStaticTokenProvider(cfg.Auth.StaticToken)
	} else {
		provider = identity.NewOAuthProvider(identity.OAuthConfig{
			Authority:    cfg.Auth.Authority,
			ClientID:     cfg.Auth.ClientID,
			RedirectPort: cfg.Auth.RedirectPort,
		}, store)
	}

	chain := identity.NewChain(provider,
		config.SplitScopes(cfg.Auth.IdentityScopes),
		config.SplitScopes(cfg.Auth.ResourceScopes),
	)
	bridge := session.NewBridge(cfg.API.BaseURL, client, chain, jar)

	hist := history.NewStore(store)
	if err := hist.Load(); err != nil {
		store.Close()
		return nil, fmt.Errorf("loading history: %w", err)
	}

	return &app{
		cfg:      cfg,
		store:    store,
		jar:      jar,
		client:   client,
		chain:    chain,
		bridge:   bridge,
		history:  hist,
		pipeline: query.NewPipeline(cfg.API.BaseURL, client, bridge, hist),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// durationOr parses s, falling back to def on empty or invalid input.
func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// conversationTurns rebuilds a conversation from stored records, oldest
// first, so one-shot queries carry the same context a chat session would.
func conversationTurns(hist *history.Store) []query.Turn {
	records := hist.List()

	var turns []query.Turn
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		turns = append(turns,
			query.Turn{Role: query.RoleUser, Content: r.Query},
			query.Turn{Role: query.RoleAgent, Content: r.Response, HasResult: r.Success},
		)
	}
	return turns
}
