// Package auth resolves verified user identities from bearer tokens. Token
// issuance is an external concern; this service only ever verifies.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc"
)

// ErrUnauthorized is returned for missing, malformed or unverifiable tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the verified principal behind a connection or request.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// TokenVerifier verifies a raw bearer token and returns the identity it
// carries. Implementations must never trust an unverified token payload.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Identity, error)
}

// OIDCVerifier verifies access tokens against an OpenID Connect provider's
// signing keys.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the provider and prepares a token verifier. The
// ClientID check is skipped because access tokens commonly carry an API
// audience rather than the client id.
func NewOIDCVerifier(ctx context.Context, issuer string) (*OIDCVerifier, error) {
	if issuer == "" {
		return nil, errors.New("auth issuer is not configured")
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{SkipClientIDCheck: true}),
	}, nil
}

// Verify validates the token signature and standard claims, then extracts
// the identity.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	if rawToken == "" {
		return nil, ErrUnauthorized
	}

	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse token claims", ErrUnauthorized)
	}
	if claims.Sub == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}

	return &Identity{UserID: claims.Sub, Email: claims.Email, Name: claims.Name}, nil
}

// DevVerifier accepts any non-empty token and treats it as the user id.
// Only wired when the DEV environment explicitly enables the bypass.
type DevVerifier struct{}

func (DevVerifier) Verify(_ context.Context, rawToken string) (*Identity, error) {
	if rawToken == "" {
		return nil, ErrUnauthorized
	}
	return &Identity{UserID: rawToken, Name: rawToken, Email: rawToken + "@localhost"}, nil
}
