// Package auth validates bearer tokens presented to the control API.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/switchyard-chat/switchyard/internal/config"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the caller a token was issued to.
type Identity struct {
	Subject string
	Issuer  string
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// NewProvider creates the Provider selected by cfg.Mode. A nil Provider means
// authentication is disabled.
func NewProvider(ctx context.Context, cfg config.AuthConfig) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Mode {
	case "", "none":
		return nil, nil
	case "token":
		p, err = NewTokenProvider(cfg.TokenHash)
	case "jwt":
		p, err = NewJWTProvider(cfg.JWTSecret, cfg.Issuer)
	case "jwks":
		p, err = NewJWKSProvider(ctx, cfg.JWKSURL, cfg.Issuer)
	default:
		return nil, fmt.Errorf("unknown auth mode: %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
