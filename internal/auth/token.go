// Package auth verifies the credential presented when a realtime connection is
// opened and turns it into a user identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/gochat-live/internal/store"
)

// CookieName is the cookie that carries the session token.
const CookieName = "ChatApp-token"

const issuer = "gochat"

// ErrUnauthenticated is returned for a missing, malformed, expired or unknown
// credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is a verified user attached to a connection for its whole lifetime.
type Identity struct {
	UserID string
	Name   string
}

// Verifier turns a credential into an Identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// Claims is the payload of a session token.
type Claims struct {
	UserID string `json:"_id"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens and resolves the subject in the user directory.
type JWTVerifier struct {
	secret []byte
	users  store.UserDirectory
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret string, users store.UserDirectory) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), users: users}
}

// Verify validates signature and expiry, then loads the user profile. Every
// failure is reported as ErrUnauthenticated, wrapping the cause.
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	claims, err := ParseToken(credential, v.secret)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	user, err := v.users.GetUser(ctx, claims.UserID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	return Identity{UserID: user.ID, Name: user.Name}, nil
}

// GenerateToken creates a signed token for userID valid for ttl.
func GenerateToken(userID string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates a token string and returns its claims.
func ParseToken(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// CredentialFromRequest extracts the token from the session cookie, an
// Authorization bearer header or the "token" query parameter, in that order.
func CredentialFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
