// Package session owns the table of short-lived vault access tokens.
// Tokens are opaque and in-memory only; a process restart invalidates all
// sessions.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager issues and validates session tokens. It is independent of the
// ledger: validating a token never touches file metadata.
type Manager struct {
	mu     sync.RWMutex
	tokens map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
}

func NewManager(ttl time.Duration) *Manager {
	return &Manager{
		tokens: make(map[string]time.Time),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue generates a fresh random token valid for the configured TTL.
func (m *Manager) Issue() string {
	sum := sha256.Sum256([]byte(uuid.NewString()))
	token := hex.EncodeToString(sum[:])

	m.mu.Lock()
	m.tokens[token] = m.now().Add(m.ttl)
	m.mu.Unlock()

	return token
}

// Validate reports whether the token exists and has not expired. It never
// mutates the table; an absent token and an expired one are
// indistinguishable to callers.
func (m *Manager) Validate(token string) bool {
	m.mu.RLock()
	expiry, ok := m.tokens[token]
	m.mu.RUnlock()

	return ok && expiry.After(m.now())
}

// Sweep removes every expired token and reports how many were removed.
// Called by the reaper, not by Validate.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for token, expiry := range m.tokens {
		if !expiry.After(now) {
			delete(m.tokens, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of tokens in the table, expired or not.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}
