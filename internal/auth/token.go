package auth

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/golang-jwt/jwt"
)

const (
	subClaim    = "sub"
	userIdClaim = "user-id"
)

// TokenStore holds the process-wide access token. The embedding app updates
// it on login or refresh; the connection manager reads it at activation time
// and tears the connection down when it changes.
type TokenStore struct {
	mu    sync.RWMutex
	token string
}

func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

func (s *TokenStore) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

func (s *TokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// UserId extracts the subject of the current access token without verifying
// its signature. Verification is the server's job; the client only needs the
// identity embedded in the token it was handed. Returns an empty string when
// there is no token or the claim is missing.
func (s *TokenStore) UserId() string {
	token := s.Token()
	if token == "" {
		return ""
	}

	userId, err := extractUserIdFromToken(token)
	if err != nil {
		return ""
	}
	return userId
}

func extractUserIdFromToken(tokenString string) (string, error) {
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	if sub, ok := claims[subClaim].(string); ok && sub != "" {
		return sub, nil
	}
	if id, ok := claims[userIdClaim].(float64); ok {
		return strconv.Itoa(int(id)), nil
	}

	return "", fmt.Errorf("no user id claim")
}
