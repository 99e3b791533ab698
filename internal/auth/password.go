package auth

import (
	"context"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword creates a bcrypt hash from the given plaintext password.
func HashPassword(password string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashedBytes), nil
}

// CheckPassword checks if the provided plaintext password matches the stored bcrypt hash.
func CheckPassword(hashedPassword, providedPassword string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(providedPassword))
}

// Hashed verifies credentials against an in-memory table of bcrypt hashes.
type Hashed struct {
	mu    sync.RWMutex
	users map[string]string // username -> bcrypt hash
}

// NewHashed builds a verifier from username -> bcrypt hash pairs.
func NewHashed(hashes map[string]string) *Hashed {
	users := make(map[string]string, len(hashes))
	for u, h := range hashes {
		users[u] = h
	}
	return &Hashed{users: users}
}

// Add hashes password and stores it for username, replacing any previous entry.
func (h *Hashed) Add(username, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.users[username] = hash
	h.mu.Unlock()
	return nil
}

func (h *Hashed) VerifyCredentials(_ context.Context, username, password string, _ Peer) (bool, error) {
	h.mu.RLock()
	hash, ok := h.users[username]
	h.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return CheckPassword(hash, password) == nil, nil
}
