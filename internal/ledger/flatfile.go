package ledger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// FlatFile stores records as newline-delimited text, one record per line,
// fields joined by ':' in the order
// filename:passwordHash:uploadTime:sizeBytes:expireAt.
// A missing file reads as zero records. Malformed lines are skipped and
// dropped on the next rewrite.
type FlatFile struct {
	mu   sync.Mutex
	path string
}

// NewFlatFile creates a flat-file ledger at path. The parent directory is
// created if needed; the file itself is created lazily on first insert.
func NewFlatFile(path string) (*FlatFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	return &FlatFile{path: path}, nil
}

func (f *FlatFile) Insert(rec Record) error {
	if err := checkFilename(rec.Filename); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	recs, err := f.load()
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.PasswordHash == rec.PasswordHash {
			return ErrDuplicatePassword
		}
	}

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(formatLine(rec) + "\n"); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

func (f *FlatFile) Scan(pred Predicate) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	recs, err := f.load()
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, r := range recs {
		if pred(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UploadTime > out[j].UploadTime
	})
	return out, nil
}

func (f *FlatFile) RemoveWhere(pred Predicate) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	recs, err := f.load()
	if err != nil {
		return 0, err
	}

	var kept []Record
	for _, r := range recs {
		if !pred(r) {
			kept = append(kept, r)
		}
	}
	removed := len(recs) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	if err := f.rewrite(kept); err != nil {
		return 0, err
	}
	return removed, nil
}

func (f *FlatFile) TotalBytes() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	recs, err := f.load()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range recs {
		total += r.SizeBytes
	}
	return total, nil
}

func (f *FlatFile) Close() error { return nil }

// load reads every well-formed record. Callers must hold f.mu.
func (f *FlatFile) load() ([]Record, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	var recs []Record
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			slog.Warn("skipping malformed ledger line", "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// rewrite replaces the ledger contents atomically via a temp file in the
// same directory. Callers must hold f.mu.
func (f *FlatFile) rewrite(recs []Record) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp ledger: %w", err)
	}
	defer os.Remove(tmp.Name())

	for _, r := range recs {
		if _, err := tmp.WriteString(formatLine(r) + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write temp ledger: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace ledger: %w", err)
	}
	return nil
}

func formatLine(r Record) string {
	return strings.Join([]string{
		r.Filename,
		r.PasswordHash,
		strconv.FormatFloat(r.UploadTime, 'f', -1, 64),
		strconv.FormatInt(r.SizeBytes, 10),
		strconv.FormatFloat(r.ExpireAt, 'f', -1, 64),
	}, ":")
}

func parseLine(line string) (Record, error) {
	parts := strings.Split(line, ":")
	if len(parts) != 5 {
		return Record{}, fmt.Errorf("expected 5 fields, got %d", len(parts))
	}
	uploadTime, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return Record{}, fmt.Errorf("bad upload time %q: %w", parts[2], err)
	}
	sizeBytes, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("bad size %q: %w", parts[3], err)
	}
	expireAt, err := strconv.ParseFloat(parts[4], 64)
	if err != nil {
		return Record{}, fmt.Errorf("bad expiry %q: %w", parts[4], err)
	}
	return Record{
		Filename:     parts[0],
		PasswordHash: parts[1],
		UploadTime:   uploadTime,
		SizeBytes:    sizeBytes,
		ExpireAt:     expireAt,
	}, nil
}
