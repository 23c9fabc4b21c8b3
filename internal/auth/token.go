package auth

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tenderbase.org/internal/config"
)

// Claims are the signed fields carried by every claim-bearing token.
type Claims struct {
	Family string `json:"token_use"`
	jwt.RegisteredClaims
}

// Codec signs and verifies the four claim-token families. Verification
// enforces issuer, audience, family and expiry; every failure collapses to
// ErrInvalidToken so callers cannot distinguish expired from malformed.
type Codec struct {
	cfg *config.Config
	now func() time.Time
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec)

// WithCodecClock overrides the time source used for issuance and validation.
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec constructs a Codec over the explicit token configuration.
func NewCodec(cfg *config.Config, opts ...CodecOption) *Codec {
	c := &Codec{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sign issues a token of the given family for the audience and subject,
// using the TTL configured for that (audience, family) pair.
func (c *Codec) Sign(family, audience, subject string) (string, time.Time, error) {
	policy, err := c.cfg.Policy(audience, family)
	if err != nil {
		return "", time.Time{}, err
	}
	now := c.now().UTC()
	exp := now.Add(policy.TTL)
	claims := Claims{
		Family: family,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.cfg.Issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(policy.Key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature and claims of a token of the given family. When
// expectedAudience is non-empty the token must carry exactly that audience;
// a signature-valid token minted for another platform is rejected.
func (c *Codec) Verify(family, token, expectedAudience string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	audience := expectedAudience
	if audience == "" {
		var err error
		audience, err = c.peekAudience(token)
		if err != nil {
			return nil, ErrInvalidToken
		}
	}
	policy, err := c.cfg.Policy(audience, family)
	if err != nil {
		return nil, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return policy.Key, nil
	},
		jwt.WithIssuer(c.cfg.Issuer),
		jwt.WithAudience(audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Family != family || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// peekAudience reads the audience claim without validating the signature, so
// the right per-audience key can be selected. The subsequent full parse is
// what decides validity.
func (c *Codec) peekAudience(token string) (string, error) {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return "", ErrInvalidToken
	}
	if len(claims.Audience) != 1 || claims.Audience[0] == "" {
		return "", ErrInvalidToken
	}
	return claims.Audience[0], nil
}

// NewOpaqueToken produces a random URL-safe token for the stateful families
// (two-factor sessions).
func NewOpaqueToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
