package ledger

import (
	"errors"
	"strings"
	"time"
)

// Record is the metadata of one stored file. A record is never updated in
// place: replacing a file means deleting the old record and inserting a new
// one.
type Record struct {
	Filename     string
	PasswordHash string
	UploadTime   float64 // seconds since epoch
	SizeBytes    int64
	ExpireAt     float64 // seconds since epoch, 0 means never
}

// Expired reports whether the record's expiry instant has passed.
func (r Record) Expired(now time.Time) bool {
	return r.ExpireAt != 0 && UnixSeconds(now) > r.ExpireAt
}

// UnixSeconds converts a time to fractional seconds since the epoch, the
// representation used for UploadTime and ExpireAt.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Predicate selects records during Scan and RemoveWhere.
type Predicate func(Record) bool

// All matches every record.
func All(Record) bool { return true }

// Ledger is the durable record store. It is the only component allowed to
// add or remove records. Implementations must be safe for concurrent use.
type Ledger interface {
	// Insert appends a new record. It fails with ErrDuplicatePassword if a
	// stored record already uses the same password hash, and with
	// ErrIllegalFilename if the filename cannot be represented.
	Insert(rec Record) error

	// Scan returns the records matching pred, ordered by descending
	// UploadTime (most recent first).
	Scan(pred Predicate) ([]Record, error)

	// RemoveWhere removes all records matching pred and reports how many
	// were removed.
	RemoveWhere(pred Predicate) (int, error)

	// TotalBytes sums SizeBytes over all stored records, including
	// expired records that have not been reaped yet.
	TotalBytes() (int64, error)

	Close() error
}

var (
	ErrDuplicatePassword = errors.New("password hash already in use")
	ErrIllegalFilename   = errors.New("illegal filename")
)

// checkFilename rejects names the ledger cannot store. The flat-file format
// joins fields with ':' without escaping and trims each line on read, so the
// delimiter, line breaks, and whitespace fringes are banned in every backend
// to keep the two interchangeable.
func checkFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrIllegalFilename
	}
	if name != strings.TrimSpace(name) {
		return ErrIllegalFilename
	}
	if strings.ContainsAny(name, ":/\\\n\r") {
		return ErrIllegalFilename
	}
	return nil
}
