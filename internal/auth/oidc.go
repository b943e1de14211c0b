// Package auth authenticates operators of the control API and the
// realizations reporting back to the monitor.
package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Provider verifies operator bearer tokens against an OIDC issuer.
type Provider struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	config   *Config
}

// Config holds OIDC provider configuration.
type Config struct {
	// Issuer is the OIDC provider URL (e.g., https://auth.example.com)
	Issuer string

	ClientID     string
	ClientSecret string
	Scopes       []string

	// SkipIssuerCheck disables issuer validation (use only for testing)
	SkipIssuerCheck bool
}

// NewProvider fetches the issuer's discovery document and builds a verifier.
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create oidc provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:        cfg.ClientID,
		SkipIssuerCheck: cfg.SkipIssuerCheck,
	})

	return &Provider{
		provider: provider,
		verifier: verifier,
		config:   cfg,
	}, nil
}

// VerifyToken verifies an ID token and returns its claims. Opaque access
// tokens are checked against the userinfo endpoint instead.
func (p *Provider) VerifyToken(ctx context.Context, rawToken string) (*Claims, error) {
	rawToken = trimBearer(rawToken)

	idToken, err := p.verifier.Verify(ctx, rawToken)
	if err != nil {
		claims, uerr := p.userInfo(ctx, rawToken)
		if uerr != nil {
			return nil, fmt.Errorf("verify token: %w", err)
		}
		return claims, nil
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}
	claims.Expiry = idToken.Expiry
	return &claims, nil
}

func (p *Provider) userInfo(ctx context.Context, accessToken string) (*Claims, error) {
	info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
	}))
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}
	claims := &Claims{Subject: info.Subject, Email: info.Email}
	if err := info.Claims(claims); err != nil {
		return nil, fmt.Errorf("userinfo claims: %w", err)
	}
	return claims, nil
}

// ClientCredentials returns a token source for non-interactive clients such
// as the kill command.
func ClientCredentials(ctx context.Context, cfg *Config) (oauth2.TokenSource, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create oidc provider: %w", err)
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     provider.Endpoint().TokenURL,
		Scopes:       cfg.Scopes,
	}
	return cc.TokenSource(ctx), nil
}

// Claims represents the OIDC claims the API looks at.
type Claims struct {
	Subject string    `json:"sub"`
	Name    string    `json:"name,omitempty"`
	Email   string    `json:"email,omitempty"`
	Groups  []string  `json:"groups,omitempty"`
	Roles   []string  `json:"roles,omitempty"`
	Expiry  time.Time `json:"-"`
}

// HasRole checks if the user has a specific role.
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// IsExpired checks if the token has expired.
func (c *Claims) IsExpired() bool {
	if c.Expiry.IsZero() {
		return false
	}
	return time.Now().After(c.Expiry)
}

func trimBearer(s string) string {
	s = strings.TrimPrefix(s, "Bearer ")
	return strings.TrimPrefix(s, "bearer ")
}
