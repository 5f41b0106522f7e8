// Package quota gates admission of new uploads against the vault's single
// global capacity ceiling.
package quota

import (
	"errors"
	"fmt"
	"sync"

	"github.com/c1pan/file-vault/internal/ledger"
)

var (
	ErrCapacityExceeded  = errors.New("storage capacity exceeded")
	ErrDuplicateFilename = errors.New("filename already in use")
)

// Manager admits uploads against a fixed capacity. AdmitInsert is the only
// insert path the service uses; its mutex serializes the check-then-insert
// pair so two racing uploads cannot both observe enough headroom and jointly
// overshoot the ceiling.
type Manager struct {
	mu       sync.Mutex
	capacity int64
	ledger   ledger.Ledger
}

func NewManager(l ledger.Ledger, capacity int64) *Manager {
	return &Manager{capacity: capacity, ledger: l}
}

func (m *Manager) Capacity() int64 { return m.capacity }

// Usage returns the bytes currently accounted for in the ledger. Expired
// records that have not been reaped yet still count.
func (m *Manager) Usage() (int64, error) {
	return m.ledger.TotalBytes()
}

// Admit reports whether a candidate of the given size fits under the
// ceiling right now. The answer is advisory; only AdmitInsert makes the
// admission binding.
func (m *Manager) Admit(candidateSize int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total, err := m.ledger.TotalBytes()
	if err != nil {
		return false, err
	}
	return total+candidateSize <= m.capacity, nil
}

// AdmitInsert checks capacity and filename uniqueness, then inserts the
// record, all as one serialized step. Concurrent reaper removals can only
// shrink usage, so a record admitted here never pushes the ledger past the
// ceiling.
func (m *Manager) AdmitInsert(rec ledger.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	total, err := m.ledger.TotalBytes()
	if err != nil {
		return fmt.Errorf("failed to compute usage: %w", err)
	}
	if total+rec.SizeBytes > m.capacity {
		return ErrCapacityExceeded
	}

	// One blob per filename: a second record with the same name would
	// silently share (and on upload, overwrite) the first record's blob.
	// Expired-but-unreaped records still hold their name.
	same, err := m.ledger.Scan(func(r ledger.Record) bool {
		return r.Filename == rec.Filename
	})
	if err != nil {
		return fmt.Errorf("failed to check filename: %w", err)
	}
	if len(same) > 0 {
		return ErrDuplicateFilename
	}

	return m.ledger.Insert(rec)
}
