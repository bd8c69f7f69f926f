package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuerName   = "leasecal-api"
	audienceName = "leasecal-webhooks"
)

var (
	ErrMissingSigningSecret = errors.New("webhook token: signing secret required")
	ErrMissingChannel       = errors.New("webhook token: channel id required")
	ErrMissingToken         = errors.New("webhook token: token required")
	ErrInvalidToken         = errors.New("webhook token: invalid token")
	ErrExpiredToken         = errors.New("webhook token: token expired")
)

// WebhookTokenConfig configures the webhook callback token service.
// TokenTTL of zero means tokens never expire: the token is minted once at
// channel creation and the provider replays the same callback URL for the
// channel's whole lifetime.
type WebhookTokenConfig struct {
	SigningSecret []byte
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// WebhookTokens issues and validates the HS256 tokens embedded in provider
// callback URLs. The token subject is the notification channel id, so a
// leaked callback URL is only good for the one channel it was minted for.
type WebhookTokens struct {
	signingSecret []byte
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewWebhookTokens constructs the service with sane defaults.
func NewWebhookTokens(cfg WebhookTokenConfig) (*WebhookTokens, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl < 0 {
		ttl = 0
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &WebhookTokens{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		tokenTTL:      ttl,
		clock:         clock,
	}, nil
}

// Issue produces a signed token bound to the notification channel.
func (w *WebhookTokens) Issue(channelID string) (string, error) {
	if strings.TrimSpace(channelID) == "" {
		return "", ErrMissingChannel
	}

	now := w.clock().UTC()
	claims := jwt.RegisteredClaims{
		Subject:  channelID,
		Issuer:   issuerName,
		Audience: []string{audienceName},
		IssuedAt: jwt.NewNumericDate(now),
	}
	if w.tokenTTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(w.tokenTTL))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(w.signingSecret)
}

// Validate checks the token and returns the channel id it was issued for.
func (w *WebhookTokens) Validate(tokenString string) (string, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return "", ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return w.signingSecret, nil
		},
		jwt.WithIssuer(issuerName),
		jwt.WithAudience(audienceName),
		jwt.WithTimeFunc(w.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
