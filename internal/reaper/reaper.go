// Package reaper runs the recurring maintenance pass that enforces
// time-based expiry of file records, blobs, and session tokens.
package reaper

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/c1pan/file-vault/internal/blob"
	"github.com/c1pan/file-vault/internal/ledger"
	"github.com/c1pan/file-vault/internal/session"
)

// Reaper prunes expired ledger records and their blobs, heals
// record/blob mismatches, and sweeps expired tokens. It coordinates
// through the same ledger and token locks as live requests; nothing is
// bypassed.
type Reaper struct {
	ledger   ledger.Ledger
	blobs    *blob.Store
	sessions *session.Manager
	interval time.Duration
	cron     *cron.Cron
	now      func() time.Time
}

func New(l ledger.Ledger, b *blob.Store, s *session.Manager, interval time.Duration) *Reaper {
	return &Reaper{
		ledger:   l,
		blobs:    b,
		sessions: s,
		interval: interval,
		now:      time.Now,
	}
}

// Start schedules RunPass at the configured interval.
func (r *Reaper) Start() error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.interval), r.RunPass); err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop stops the schedule and waits for a running pass to finish.
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// RunPass executes one maintenance pass. Errors are logged and the pass
// continues; a bad record never terminates the loop.
func (r *Reaper) RunPass() {
	now := r.now()

	r.reapExpired(now)
	r.healOrphans(now)

	if swept := r.sessions.Sweep(); swept > 0 {
		slog.Info("swept expired tokens", "count", swept)
	}
}

func (r *Reaper) reapExpired(now time.Time) {
	expired, err := r.ledger.Scan(func(rec ledger.Record) bool {
		return rec.Expired(now)
	})
	if err != nil {
		slog.Error("reaper: failed to scan for expired records", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	// Blob deletion happens outside the ledger lock; a missing blob is
	// not an error.
	for _, rec := range expired {
		if err := r.blobs.Delete(rec.Filename); err != nil {
			slog.Error("reaper: failed to delete blob", "filename", rec.Filename, "error", err)
		}
	}

	removed, err := r.ledger.RemoveWhere(func(rec ledger.Record) bool {
		return rec.Expired(now)
	})
	if err != nil {
		slog.Error("reaper: failed to remove expired records", "error", err)
		return
	}
	slog.Info("reaped expired records", "count", removed)
}

// healOrphans restores the record/blob pairing invariant in both
// directions: records whose blob is gone are dropped, and blobs no record
// references are deleted. Anything younger than one reap interval is left
// alone so an upload in flight is never mistaken for an orphan.
func (r *Reaper) healOrphans(now time.Time) {
	cutoff := ledger.UnixSeconds(now.Add(-r.interval))

	stale, err := r.ledger.Scan(func(rec ledger.Record) bool {
		return rec.UploadTime < cutoff && !r.blobs.Exists(rec.Filename)
	})
	if err != nil {
		slog.Error("reaper: failed to scan for orphaned records", "error", err)
	} else if len(stale) > 0 {
		removed, err := r.ledger.RemoveWhere(func(rec ledger.Record) bool {
			return rec.UploadTime < cutoff && !r.blobs.Exists(rec.Filename)
		})
		if err != nil {
			slog.Error("reaper: failed to remove orphaned records", "error", err)
		} else {
			slog.Info("removed records with missing blobs", "count", removed)
		}
	}

	names, err := r.blobs.List()
	if err != nil {
		slog.Error("reaper: failed to list blobs", "error", err)
		return
	}
	if len(names) == 0 {
		return
	}

	recs, err := r.ledger.Scan(ledger.All)
	if err != nil {
		slog.Error("reaper: failed to scan ledger", "error", err)
		return
	}
	referenced := make(map[string]bool, len(recs))
	for _, rec := range recs {
		referenced[rec.Filename] = true
	}

	for _, name := range names {
		if referenced[name] {
			continue
		}
		mod, err := r.blobs.ModTime(name)
		if err != nil || now.Sub(mod) < r.interval {
			continue
		}
		if err := r.blobs.Delete(name); err != nil {
			slog.Error("reaper: failed to delete orphaned blob", "filename", name, "error", err)
		} else {
			slog.Info("deleted orphaned blob", "filename", name)
		}
	}
}
