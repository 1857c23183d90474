// Package config implements bootstrap environment parsing: .env loading via
// godotenv, struct-tag binding via cleanenv, and the fallback defaults that
// let the gate boot standalone.
package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/tollkeeper/cashu-gate/internal/pricing"
	"github.com/tollkeeper/cashu-gate/internal/upstream"
)

// GateVersion is carried on every response as X-Gate-Version.
const GateVersion = "1.0.0"

// Config is every environment knob the gate's bootstrap consumes.
type Config struct {
	Port        string `env:"PORT" env-default:"8080"`
	Environment string `env:"ENVIRONMENT" env-default:"development"`

	TrustedMints []string `env:"TRUSTED_MINTS" env-separator:","`

	MintURL       string `env:"MINT_URL"`
	WalletAddress string `env:"WALLET_ADDRESS"`
	ChainTag      string `env:"CHAIN_TAG" env-default:"base"`

	AdminToken  string `env:"ADMIN_TOKEN"`
	IPHashSalt  string `env:"IP_HASH_SALT"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" env-separator:","`

	OpenAIAPIKey     string `env:"OPENAI_API_KEY"`
	OpenRouterAPIKey string `env:"OPENROUTER_API_KEY"`

	UpstreamRoutesJSON string `env:"UPSTREAM_ROUTES"`
	PricingJSON        string `env:"PRICING_OVERRIDE"`

	RedisHost     string `env:"REDIS_HOST"`
	RedisPort     string `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`
}

// Load reads a .env file if present (never fatal if absent) then binds
// environment variables onto Config via cleanenv struct tags.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile) // missing .env is fine in prod
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	return &cfg, nil
}

// TrustedMintSet normalises the configured trusted-mint list into a set
// keyed by trailing-slash-insensitive URL, for the stamp-gate trust check.
func (c *Config) TrustedMintSet() map[string]bool {
	set := make(map[string]bool, len(c.TrustedMints))
	for _, m := range c.TrustedMints {
		set[strings.TrimRight(strings.TrimSpace(m), "/")] = true
	}
	return set
}

// UpstreamRoutes parses UPSTREAM_ROUTES as a JSON array of upstream.Route;
// on missing/malformed config it falls back to upstream.DefaultRoutes so
// the gate still boots standalone in dev.
func (c *Config) UpstreamRoutes() []upstream.Route {
	if c.UpstreamRoutesJSON == "" {
		return upstream.DefaultRoutes(c.OpenAIAPIKey, c.OpenRouterAPIKey)
	}

	var routes []upstream.Route
	if err := json.Unmarshal([]byte(c.UpstreamRoutesJSON), &routes); err != nil || len(routes) == 0 {
		return upstream.DefaultRoutes(c.OpenAIAPIKey, c.OpenRouterAPIKey)
	}
	return routes
}

// defaultPricingRules is the built-in fallback: a single per_token wildcard
// rule, used whenever PRICING_OVERRIDE is absent or fails to parse.
func defaultPricingRules() map[string]pricing.Rule {
	return map[string]pricing.Rule{
		"*": {
			Mode:             pricing.ModePerToken,
			InputPerMillion:  50,
			OutputPerMillion: 150,
		},
	}
}

// PricingRules parses PRICING_OVERRIDE as a JSON object of model -> Rule.
// A malformed config returns a non-empty warning together with the default
// rules rather than failing boot: a parse error is never fatal, and the
// caller logs the returned warning and proceeds with the default rule set.
func (c *Config) PricingRules() (rules map[string]pricing.Rule, warning string) {
	if c.PricingJSON == "" {
		return defaultPricingRules(), ""
	}

	var parsed map[string]pricing.Rule
	if err := json.Unmarshal([]byte(c.PricingJSON), &parsed); err != nil || len(parsed) == 0 {
		return defaultPricingRules(), fmt.Sprintf("pricing override failed to parse, using defaults: %v", err)
	}
	return parsed, ""
}
