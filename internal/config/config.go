package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Token families issued and verified by the auth core.
const (
	FamilyAccess  = "access"
	FamilyRefresh = "refresh"
	FamilyVerify  = "verify"
	FamilyReset   = "reset"
)

// Audiences accepted on inbound requests.
const (
	AudienceWeb    = "web"
	AudienceMobile = "mobile"
)

// TokenPolicy holds the signing key and lifetime for one token family.
type TokenPolicy struct {
	Key []byte
	TTL time.Duration
}

// Config is the explicit configuration object handed to each component
// constructor. Nothing in the service reads the environment after Load.
type Config struct {
	ListenAddr  string
	PostgresDSN string

	Issuer     string
	TOTPIssuer string

	// ActionBaseURL is the externally visible base for links embedded in
	// verification and password-reset emails.
	ActionBaseURL string

	// tokens maps audience -> family -> policy.
	tokens map[string]map[string]TokenPolicy
}

var defaultTTLs = map[string]time.Duration{
	FamilyAccess:  15 * time.Minute,
	FamilyRefresh: 30 * 24 * time.Hour,
	FamilyVerify:  72 * time.Hour,
	FamilyReset:   24 * time.Hour,
}

// Load reads configuration from the environment. Signing keys are required;
// TTLs fall back to policy defaults and may be overridden per family and,
// for the refresh family, per audience (mobile sessions live longer).
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:    envOr("TENDERBASE_LISTEN_ADDR", ":8080"),
		PostgresDSN:   os.Getenv("TENDERBASE_PG_DSN"),
		Issuer:        envOr("TENDERBASE_TOKEN_ISSUER", "tenderbase"),
		TOTPIssuer:    envOr("TENDERBASE_TOTP_ISSUER", "Tenderbase"),
		ActionBaseURL: envOr("TENDERBASE_ACTION_BASE_URL", "https://app.tenderbase.org"),
		tokens:        make(map[string]map[string]TokenPolicy),
	}

	for _, family := range []string{FamilyAccess, FamilyRefresh, FamilyVerify, FamilyReset} {
		key := strings.TrimSpace(os.Getenv("TENDERBASE_" + strings.ToUpper(family) + "_SECRET"))
		if key == "" {
			return nil, fmt.Errorf("config: missing TENDERBASE_%s_SECRET", strings.ToUpper(family))
		}
		ttl := defaultTTLs[family]
		if raw := os.Getenv("TENDERBASE_" + strings.ToUpper(family) + "_TTL"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil || parsed <= 0 {
				return nil, fmt.Errorf("config: invalid TTL for %s family: %q", family, raw)
			}
			ttl = parsed
		}
		for _, audience := range []string{AudienceWeb, AudienceMobile} {
			cfg.setPolicy(audience, family, TokenPolicy{Key: []byte(key), TTL: ttl})
		}
	}

	if raw := os.Getenv("TENDERBASE_MOBILE_REFRESH_TTL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("config: invalid mobile refresh TTL: %q", raw)
		}
		policy, _ := cfg.Policy(AudienceMobile, FamilyRefresh)
		policy.TTL = parsed
		cfg.setPolicy(AudienceMobile, FamilyRefresh, policy)
	}

	return cfg, nil
}

// New constructs a Config programmatically; used by tests and the auth service
// constructors that want full control over keys and TTLs.
func New(issuer string) *Config {
	return &Config{
		Issuer:     issuer,
		TOTPIssuer: issuer,
		tokens:     make(map[string]map[string]TokenPolicy),
	}
}

// SetPolicy registers the signing policy for an (audience, family) pair.
func (c *Config) SetPolicy(audience, family string, policy TokenPolicy) {
	c.setPolicy(audience, family, policy)
}

func (c *Config) setPolicy(audience, family string, policy TokenPolicy) {
	if c.tokens == nil {
		c.tokens = make(map[string]map[string]TokenPolicy)
	}
	byFamily, ok := c.tokens[audience]
	if !ok {
		byFamily = make(map[string]TokenPolicy)
		c.tokens[audience] = byFamily
	}
	byFamily[family] = policy
}

// Policy returns the signing policy for an (audience, family) pair.
func (c *Config) Policy(audience, family string) (TokenPolicy, error) {
	byFamily, ok := c.tokens[audience]
	if !ok {
		return TokenPolicy{}, fmt.Errorf("config: unknown audience %q", audience)
	}
	policy, ok := byFamily[family]
	if !ok {
		return TokenPolicy{}, fmt.Errorf("config: no %s policy for audience %q", family, audience)
	}
	return policy, nil
}

// KnownAudience reports whether the audience has configured token policies.
func (c *Config) KnownAudience(audience string) bool {
	_, ok := c.tokens[audience]
	return ok
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
