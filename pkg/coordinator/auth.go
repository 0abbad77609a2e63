package coordinator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken    = errors.New("no token")
	ErrBadToken   = errors.New("invalid token")
	ErrNoTokenSub = errors.New("token without user_id")
)

// Claims of a room join token.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Auth checks HMAC signed join tokens.
// The zero value lets everyone in.
type Auth struct {
	secret []byte
}

func NewAuth(secret string) Auth { return Auth{secret: []byte(secret)} }

func (a Auth) Enabled() bool { return len(a.secret) > 0 }

// Verify returns the user of the token.
func (a Auth) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrNoToken
	}
	t, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadToken, err)
	}
	claims, ok := t.Claims.(*Claims)
	if !ok || !t.Valid {
		return "", ErrBadToken
	}
	if claims.UserID == "" {
		return "", ErrNoTokenSub
	}
	return claims.UserID, nil
}

// Request checks the token from the query or the bearer header.
// Returns an empty user when the auth is off.
func (a Auth) Request(r *http.Request) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return a.Verify(token)
}

// NewToken signs a join token for the user, ttl 0 means no expiration.
func (a Auth) NewToken(user string, ttl time.Duration) (string, error) {
	claims := Claims{UserID: user, RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(time.Now())}}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
