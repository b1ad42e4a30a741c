package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWTProvider validates HS256 tokens signed with a shared secret.
type JWTProvider struct {
	secret []byte
	issuer string
}

// NewJWTProvider creates a provider for secret. A non-empty issuer is
// required to match the iss claim.
func NewJWTProvider(secret, issuer string) (*JWTProvider, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes")
	}
	return &JWTProvider{secret: []byte(secret), issuer: issuer}, nil
}

func (p *JWTProvider) ValidateToken(_ context.Context, tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return identityFrom(token)
}

func (p *JWTProvider) Name() string { return "jwt" }

// JWKSProvider validates asymmetric tokens against a remote JWK set.
type JWKSProvider struct {
	issuer  string
	keyfunc jwt.Keyfunc
	cancel  context.CancelFunc
}

// NewJWKSProvider fetches the key set at url and keeps it refreshed until
// Close is called.
func NewJWKSProvider(ctx context.Context, url, issuer string) (*JWKSProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{url})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetch JWKS from %s: %w", url, err)
	}
	return &JWKSProvider{issuer: issuer, keyfunc: jwks.Keyfunc, cancel: cancel}, nil
}

func (p *JWKSProvider) ValidateToken(_ context.Context, tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "EdDSA"}),
		jwt.WithExpirationRequired(),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, p.keyfunc, opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return identityFrom(token)
}

func (p *JWKSProvider) Name() string { return "jwks" }

// Close stops the background key refresh.
func (p *JWKSProvider) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

func identityFrom(token *jwt.Token) (*Identity, error) {
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrUnauthorized
	}
	return &Identity{Subject: claims.Subject, Issuer: claims.Issuer}, nil
}
