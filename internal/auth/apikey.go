// ABOUTME: API key verification against static config keys and provisioned stored keys.
// ABOUTME: Static keys compare in constant time; stored keys are bcrypt hashes.

package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/nova-gateway/internal/store"
)

// ErrUnauthorized is returned when no configured or stored key matches.
var ErrUnauthorized = errors.New("unauthorized")

// APIKeyPrefix distinguishes gateway keys at a glance in logs and configs.
const APIKeyPrefix = "nova_sk_"

// KeyStore is the subset of the store the authenticator needs.
type KeyStore interface {
	ListAPIKeys(ctx context.Context) ([]*store.APIKey, error)
}

// APIKeyAuthenticator validates presented API keys.
type APIKeyAuthenticator struct {
	staticKeys []string
	keys       KeyStore
}

// NewAPIKeyAuthenticator creates an authenticator over the static config
// keys and, when keys is non-nil, the provisioned keys table.
func NewAPIKeyAuthenticator(staticKeys []string, keys KeyStore) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{staticKeys: staticKeys, keys: keys}
}

// Authenticate checks a presented key. Static keys are compared in constant
// time; stored keys are checked against their bcrypt hashes.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, presented string) error {
	if presented == "" {
		return ErrUnauthorized
	}

	for _, key := range a.staticKeys {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
			return nil
		}
	}

	if a.keys != nil {
		stored, err := a.keys.ListAPIKeys(ctx)
		if err != nil {
			return fmt.Errorf("listing api keys: %w", err)
		}
		for _, k := range stored {
			if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(presented)) == nil {
				return nil
			}
		}
	}

	return ErrUnauthorized
}

// GenerateAPIKey returns a new random key in plaintext. The caller shows it
// once and persists only the hash.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(buf), nil
}

// HashAPIKey computes the bcrypt hash stored at rest.
func HashAPIKey(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}
	return string(hash), nil
}
