package auth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinTokenLength is the shortest token HashToken accepts.
const MinTokenLength = 16

// TokenProvider accepts one static token, stored as a bcrypt hash.
type TokenProvider struct {
	hash []byte
}

// NewTokenProvider creates a provider for the given bcrypt hash.
func NewTokenProvider(hash string) (*TokenProvider, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid token hash: %w", err)
	}
	return &TokenProvider{hash: []byte(hash)}, nil
}

func (p *TokenProvider) ValidateToken(_ context.Context, token string) (*Identity, error) {
	if token == "" || bcrypt.CompareHashAndPassword(p.hash, []byte(token)) != nil {
		return nil, ErrUnauthorized
	}
	return &Identity{Subject: "token"}, nil
}

func (p *TokenProvider) Name() string { return "token" }

// HashToken returns the bcrypt hash to put in api.auth.token_hash.
func HashToken(token string) (string, error) {
	if len(token) < MinTokenLength {
		return "", fmt.Errorf("token must be at least %d characters", MinTokenLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}
