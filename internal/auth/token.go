package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Common errors surfaced by the sign/verify primitive.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims is the access/refresh JWT payload (spec §3's Token entity:
// sub, email, role_id, permissions?, iat, exp, jti, iss, aud).
type Claims struct {
	UserID      uuid.UUID `json:"sub"`
	Email       string    `json:"email,omitempty"`
	RoleID      string    `json:"role_id,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	Scope       string    `json:"scope"` // "access" or "refresh"
	FamilyID    uuid.UUID `json:"fid,omitempty"`
	jwt.RegisteredClaims
}

// SignVerifier is spec §6's consumed primitive: sign(payload, key),
// verify(token, key), HS256 default, 30s clock tolerance. Grounded on
// the teacher's JWTProvider, generalized from RS256/tenant claims to
// the spec's HS256 sub/email/role_id/permissions claim shape.
type SignVerifier interface {
	Sign(c Claims) (string, error)
	Verify(tokenString string) (*Claims, error)
}

// JWTProvider implements SignVerifier using HMAC-SHA256.
type JWTProvider struct {
	secret []byte
	issuer string
	kid    string
}

// NewJWTProvider builds a SignVerifier from a shared HMAC secret.
func NewJWTProvider(secret, issuer, kid string) *JWTProvider {
	if kid == "" {
		kid = "sig-1"
	}
	return &JWTProvider{secret: []byte(secret), issuer: issuer, kid: kid}
}

// Sign produces a compact JWT for the given claims. Callers set
// RegisteredClaims.ExpiresAt/IssuedAt/NotBefore/Audience/Subject
// before calling Sign; Issuer is always overwritten with the
// provider's configured issuer.
func (p *JWTProvider) Sign(c Claims) (string, error) {
	c.Issuer = p.issuer
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	token.Header["kid"] = p.kid
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and verifies a JWT's structure and signature (spec
// §4.4 verify step 1), with a 30s clock-skew allowance on exp/nbf.
func (p *JWTProvider) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithLeeway(30*time.Second))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
