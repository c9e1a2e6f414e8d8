package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"
)

// Authentication errors
var (
	ErrAuthRequired      = errors.New("authentication required")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrAuthTokenMismatch = errors.New("auth token mismatch")
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Enabled determines if every request must carry the token
	Enabled bool
	// Token is the shared secret carried in request headers
	Token string
}

// Authenticator checks request tokens.
type Authenticator struct {
	config AuthConfig
	mu     sync.RWMutex
}

// NewAuthenticator creates an Authenticator. When auth is enabled without a
// token, a random one is generated; read it back with Token.
func NewAuthenticator(config AuthConfig) *Authenticator {
	if config.Enabled && config.Token == "" {
		config.Token = GenerateToken()
	}
	return &Authenticator{
		config: config,
	}
}

// IsEnabled returns true if authentication is enabled.
func (a *Authenticator) IsEnabled() bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Enabled
}

// Token returns the configured token.
func (a *Authenticator) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Token
}

// ValidateToken checks the provided token in constant time. A nil or disabled
// Authenticator accepts everything.
func (a *Authenticator) ValidateToken(provided string) error {
	if a == nil {
		return nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.config.Enabled {
		return nil
	}

	if provided == "" {
		return ErrAuthRequired
	}

	if subtle.ConstantTimeCompare([]byte(a.config.Token), []byte(provided)) != 1 {
		return ErrAuthTokenMismatch
	}

	return nil
}

// GenerateToken generates a random 256-bit hex token.
func GenerateToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
