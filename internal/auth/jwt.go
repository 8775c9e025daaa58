// Package auth provides token verification for broker clients.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Authenticator verifies a bearer token and returns the user it belongs to.
// The gateway depends on this interface only; tests substitute a fake.
type Authenticator interface {
	VerifyToken(token string) (userID string, err error)
}

// Claims represents the JWT claims for terminal access.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTValidator validates JWTs using a remote JWKS endpoint.
type JWTValidator struct {
	jwks     keyfunc.Keyfunc
	audience string
	issuer   string
}

// NewJWTValidator creates a validator that fetches and caches signing keys
// from the JWKS endpoint.
func NewJWTValidator(jwksURL, issuer, audience string) (*JWTValidator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create JWKS keyfunc: %w", err)
	}

	return &JWTValidator{
		jwks:     k,
		audience: audience,
		issuer:   issuer,
	}, nil
}

// VerifyToken validates a JWT and returns its subject as the user id.
func (v *JWTValidator) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc)
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return "", fmt.Errorf("invalid claims type")
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return "", fmt.Errorf("get audience: %w", err)
	}
	audienceValid := false
	for _, a := range aud {
		if a == v.audience {
			audienceValid = true
			break
		}
	}
	if !audienceValid {
		return "", fmt.Errorf("invalid audience")
	}

	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != v.issuer {
			return "", fmt.Errorf("invalid issuer")
		}
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}

	return claims.Subject, nil
}
