package reaper

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c1pan/file-vault/internal/blob"
	"github.com/c1pan/file-vault/internal/ledger"
	"github.com/c1pan/file-vault/internal/session"
)

type fixture struct {
	ledger   ledger.Ledger
	blobs    *blob.Store
	sessions *session.Manager
	reaper   *Reaper
	blobDir  string
}

func setup(t *testing.T) *fixture {
	t.Helper()

	l, err := ledger.NewFlatFile(filepath.Join(t.TempDir(), "ledger.txt"))
	require.NoError(t, err)

	blobDir := t.TempDir()
	blobs := blob.NewStore(blobDir)
	sessions := session.NewManager(10 * time.Minute)

	return &fixture{
		ledger:   l,
		blobs:    blobs,
		sessions: sessions,
		reaper:   New(l, blobs, sessions, time.Minute),
		blobDir:  blobDir,
	}
}

func (f *fixture) addFile(t *testing.T, name string, uploadedAt, expireAt time.Time) {
	t.Helper()
	_, err := f.blobs.Save(name, strings.NewReader("content of "+name))
	require.NoError(t, err)

	rec := ledger.Record{
		Filename:     name,
		PasswordHash: "hash-" + name,
		UploadTime:   ledger.UnixSeconds(uploadedAt),
		SizeBytes:    int64(len("content of " + name)),
	}
	if !expireAt.IsZero() {
		rec.ExpireAt = ledger.UnixSeconds(expireAt)
	}
	require.NoError(t, f.ledger.Insert(rec))
}

func TestRunPassReapsExpiredRecordsAndBlobs(t *testing.T) {
	f := setup(t)
	now := time.Now()

	f.addFile(t, "expired.txt", now.Add(-2*time.Hour), now.Add(-time.Hour))
	f.addFile(t, "live.txt", now.Add(-2*time.Hour), now.Add(time.Hour))
	f.addFile(t, "forever.txt", now.Add(-2*time.Hour), time.Time{})

	f.reaper.RunPass()

	recs, err := f.ledger.Scan(ledger.All)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.NotEqual(t, "expired.txt", r.Filename)
	}

	assert.False(t, f.blobs.Exists("expired.txt"))
	assert.True(t, f.blobs.Exists("live.txt"))
	assert.True(t, f.blobs.Exists("forever.txt"))
}

func TestRunPassToleratesMissingBlob(t *testing.T) {
	f := setup(t)
	now := time.Now()

	f.addFile(t, "expired.txt", now.Add(-2*time.Hour), now.Add(-time.Hour))
	require.NoError(t, f.blobs.Delete("expired.txt"))

	f.reaper.RunPass()

	recs, err := f.ledger.Scan(ledger.All)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRunPassHealsRecordWithMissingBlob(t *testing.T) {
	f := setup(t)
	now := time.Now()

	// Old record whose blob vanished out-of-band: removed.
	f.addFile(t, "stale.txt", now.Add(-time.Hour), time.Time{})
	require.NoError(t, f.blobs.Delete("stale.txt"))

	// Fresh record without a blob looks like an upload in flight: kept.
	require.NoError(t, f.ledger.Insert(ledger.Record{
		Filename:     "inflight.txt",
		PasswordHash: "hash-inflight",
		UploadTime:   ledger.UnixSeconds(now),
		SizeBytes:    10,
	}))

	f.reaper.RunPass()

	recs, err := f.ledger.Scan(ledger.All)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "inflight.txt", recs[0].Filename)
}

func TestRunPassDeletesOrphanedBlobs(t *testing.T) {
	f := setup(t)
	now := time.Now()

	f.addFile(t, "tracked.txt", now.Add(-time.Hour), time.Time{})

	// Old blob with no ledger record: deleted.
	_, err := f.blobs.Save("orphan.bin", strings.NewReader("orphan"))
	require.NoError(t, err)
	old := now.Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(f.blobDir, "orphan.bin"), old, old))

	// Fresh unreferenced blob could be an upload in flight: kept.
	_, err = f.blobs.Save("fresh.bin", strings.NewReader("fresh"))
	require.NoError(t, err)

	f.reaper.RunPass()

	assert.False(t, f.blobs.Exists("orphan.bin"))
	assert.True(t, f.blobs.Exists("fresh.bin"))
	assert.True(t, f.blobs.Exists("tracked.txt"))
}

func TestRunPassSweepsExpiredTokens(t *testing.T) {
	f := setup(t)

	f.sessions = session.NewManager(0) // every token expires immediately
	f.reaper = New(f.ledger, f.blobs, f.sessions, time.Minute)

	f.sessions.Issue()
	f.sessions.Issue()
	require.Equal(t, 2, f.sessions.Len())

	f.reaper.RunPass()

	assert.Equal(t, 0, f.sessions.Len())
}

func TestStartAndStop(t *testing.T) {
	f := setup(t)

	require.NoError(t, f.reaper.Start())
	f.reaper.Stop()
}
