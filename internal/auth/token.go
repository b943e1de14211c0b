package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const dispatchIssuer = "realsched"

// ErrInvalidToken is returned for dispatch tokens that fail verification.
var ErrInvalidToken = errors.New("invalid dispatch token")

// DispatchClaims identify the ensemble a dispatch token was issued for.
type DispatchClaims struct {
	jwt.RegisteredClaims
	EnsembleID string `json:"ens_id"`
}

// TokenIssuer signs and verifies the per-ensemble tokens realizations present
// when reporting to the monitor.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewTokenIssuer creates an HS256 issuer. A zero ttl issues tokens that do
// not expire.
func NewTokenIssuer(signingKey string, ttl time.Duration) (*TokenIssuer, error) {
	if signingKey == "" {
		return nil, errors.New("signing key is required")
	}
	return &TokenIssuer{key: []byte(signingKey), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token bound to ensembleID.
func (i *TokenIssuer) Issue(ensembleID string) (string, error) {
	now := i.now()
	claims := DispatchClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   dispatchIssuer,
			Subject:  ensembleID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		EnsembleID: ensembleID,
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign dispatch token: %w", err)
	}
	return signed, nil
}

// Verify checks the token's signature and expiry and that it was issued for
// ensembleID.
func (i *TokenIssuer) Verify(token, ensembleID string) error {
	claims := &DispatchClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(dispatchIssuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.EnsembleID != ensembleID {
		return fmt.Errorf("%w: issued for ensemble %q", ErrInvalidToken, claims.EnsembleID)
	}
	return nil
}
