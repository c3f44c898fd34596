package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tripchat/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims this service reads.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HMAC-SHA256 signed bearer tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt verifier: secret is required")
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (domain.Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("verify token: %w", err)
	}
	if claims.Subject == "" {
		return domain.Principal{}, errors.New("verify token: missing subject")
	}
	return domain.Principal{
		UserID:       claims.Subject,
		Capabilities: strings.Fields(claims.Scope),
	}, nil
}

// Sign issues a token for subject. Issuance belongs to the identity
// provider; this exists for development and tests.
func (v *JWTVerifier) Sign(subject string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
