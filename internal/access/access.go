// Package access guards the server with an optional shared secret.
// Only the bcrypt hash is kept on disk; a server with no stored hash
// admits every connection.
package access

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Guard verifies connection authorization against the stored secret.
type Guard struct {
	mu   sync.RWMutex
	path string
	hash []byte
}

// Load reads the stored secret hash, if one exists.
func Load(path string) (*Guard, error) {
	g := &Guard{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read access secret: %w", err)
	}
	g.hash = data
	return g, nil
}

// Required reports whether connections must present a secret.
func (g *Guard) Required() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.hash) > 0
}

// Authorize checks a presented secret. It always succeeds when no
// secret is set.
func (g *Guard) Authorize(secret string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.hash) == 0 {
		return true
	}
	return bcrypt.CompareHashAndPassword(g.hash, []byte(secret)) == nil
}

// SetSecret hashes and persists a new secret, replacing any previous
// one. An empty secret clears the guard.
func (g *Guard) SetSecret(secret string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if secret == "" {
		g.hash = nil
		if err := os.Remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("clear access secret: %w", err)
		}
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash access secret: %w", err)
	}
	if err := os.WriteFile(g.path, hash, 0o600); err != nil {
		return fmt.Errorf("store access secret: %w", err)
	}
	g.hash = hash
	return nil
}
