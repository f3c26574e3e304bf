// Package auth verifies the identity tokens presented on live connections
// and REST calls. Token issuance belongs to the platform's account service;
// this package only needs to mint tokens for tests and verify them in
// production.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/careerlink/messaging/internal/normalize"
)

// BearerToken extracts the token from an Authorization header value.
// Only the two-part `Bearer <token>` form is accepted; every surface
// that reads the header goes through this one parser.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// JWTManager signs and validates the JWT tokens used by the API.
// It supports either a single secret or a set of kid-keyed secrets so
// keys can be rotated without invalidating outstanding tokens.
type JWTManager struct {
	keys      map[string]string // kid -> secret
	activeKid string            // kid used for signing new tokens
	duration  time.Duration
}

// Claims is the custom JWT payload (user id + email).
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// NewJWTManager returns a manager backed by a single secret.
func NewJWTManager(secretKey string, duration time.Duration) *JWTManager {
	return NewJWTManagerFromKeys(map[string]string{"default": secretKey}, "default", duration)
}

// NewJWTManagerFromKeys returns a manager with multiple kid-keyed secrets.
// activeKid selects the signing key; all keys remain valid for verification.
// If activeKid is empty or unknown, an arbitrary key is chosen.
func NewJWTManagerFromKeys(keys map[string]string, activeKid string, duration time.Duration) *JWTManager {
	if _, ok := keys[activeKid]; !ok {
		for kid := range keys {
			activeKid = kid
			break
		}
	}
	return &JWTManager{keys: keys, activeKid: activeKid, duration: duration}
}

// GenerateToken issues a signed JWT for a user.
func (m *JWTManager) GenerateToken(userID, email string) (string, time.Time, error) {
	expiresAt := time.Now().Add(m.duration)

	claims := &Claims{
		UserID: normalize.ID(userID),
		Email:  normalize.Email(email),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = m.activeKid

	tokenString, err := token.SignedString([]byte(m.keys[m.activeKid]))
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// VerifyToken parses and validates a token and returns its claims.
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		// Pick the verification key by kid header; tokens minted before a
		// kid was recorded fall back to the active key.
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			kid = m.activeKid
		}
		secret, ok := m.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims.UserID = normalize.ID(claims.UserID)
	claims.Email = normalize.Email(claims.Email)
	return claims, nil
}
