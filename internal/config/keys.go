package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "api.base_url", typ: kString, env: "AGENTIQ_API_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.API.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.API.BaseURL },
	},
	{
		key: "api.timeout", typ: kString, env: "AGENTIQ_API_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.API.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Timeout },
	},
	{
		key: "auth.authority", typ: kString, env: "AGENTIQ_AUTH_AUTHORITY",
		apply:   func(cfg *Config, v any) { cfg.Auth.Authority = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.Authority },
	},
	{
		key: "auth.client_id", typ: kString, env: "AGENTIQ_AUTH_CLIENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Auth.ClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.ClientID },
	},
	{
		key: "auth.redirect_port", typ: kInt, env: "AGENTIQ_AUTH_REDIRECT_PORT",
		apply:   func(cfg *Config, v any) { cfg.Auth.RedirectPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Auth.RedirectPort },
	},
	{
		key: "auth.identity_scopes", typ: kString, env: "AGENTIQ_AUTH_IDENTITY_SCOPES",
		apply:   func(cfg *Config, v any) { cfg.Auth.IdentityScopes = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.IdentityScopes },
	},
	{
		key: "auth.resource_scopes", typ: kString, env: "AGENTIQ_AUTH_RESOURCE_SCOPES",
		apply:   func(cfg *Config, v any) { cfg.Auth.ResourceScopes = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.ResourceScopes },
	},
	{
		key: "auth.static_token", typ: kString, env: "AGENTIQ_STATIC_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.StaticToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.StaticToken },
	},
	{
		key: "auth.poll_interval", typ: kString, env: "AGENTIQ_AUTH_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Auth.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.PollInterval },
	},
	{
		key: "auth.poll_timeout", typ: kString, env: "AGENTIQ_AUTH_POLL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Auth.PollTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.PollTimeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "AGENTIQ_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "AGENTIQ_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
