package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no bearer token was presented.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Claims is the JWT payload understood by the gateway.
type Claims struct {
	Username string `json:"username,omitempty"`
	OrgID    int64  `json:"org_id,omitempty"`
	OrgSlug  string `json:"org_slug,omitempty"`
	OrgRole  string `json:"org_role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a Verifier. An empty issuer skips the issuer check.
func NewVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{secret: secret, issuer: issuer}
}

// Verify parses tokenString and returns the caller it identifies.
func (v *Verifier) Verify(tokenString string) (AuthContext, error) {
	if tokenString == "" {
		return AuthContext{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return AuthContext{}, ErrInvalidToken
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return AuthContext{}, fmt.Errorf("%w: subject must be a numeric user id", ErrInvalidToken)
	}

	return AuthContext{
		UserID:   userID,
		Username: claims.Username,
		OrgID:    claims.OrgID,
		OrgSlug:  claims.OrgSlug,
		Role:     claims.OrgRole,
	}, nil
}

// Issue signs a token for ac that expires after ttl.
func Issue(secret []byte, issuer string, ac AuthContext, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: ac.Username,
		OrgID:    ac.OrgID,
		OrgSlug:  ac.OrgSlug,
		OrgRole:  ac.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(ac.UserID, 10),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
