// Package vault provides the application-level file operations, tying the
// ledger, quota manager, and blob store together. Callers supply filenames
// that are already sanitized and passwords that are already hashed; the
// vault only compares hash strings, it never computes hashes.
package vault

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/c1pan/file-vault/internal/blob"
	"github.com/c1pan/file-vault/internal/ledger"
	"github.com/c1pan/file-vault/internal/quota"
)

var (
	ErrWrongPassword = errors.New("wrong file password")
	ErrNotFound      = errors.New("file not found")
	ErrBadExpiry     = errors.New("unknown expiry option")
	ErrFileTooLarge  = errors.New("file exceeds size limit")
)

// expiryMenu maps the recognized retention options to durations. Zero
// means the record never expires.
var expiryMenu = map[string]time.Duration{
	"10m":     10 * time.Minute,
	"30m":     30 * time.Minute,
	"1d":      24 * time.Hour,
	"3d":      3 * 24 * time.Hour,
	"7d":      7 * 24 * time.Hour,
	"forever": 0,
}

// Service provides upload, list, download, delete, and status operations.
type Service struct {
	ledger      ledger.Ledger
	quota       *quota.Manager
	blobs       *blob.Store
	maxFileSize int64
	now         func() time.Time
}

func NewService(l ledger.Ledger, q *quota.Manager, b *blob.Store, maxFileSize int64) *Service {
	return &Service{
		ledger:      l,
		quota:       q,
		blobs:       b,
		maxFileSize: maxFileSize,
		now:         time.Now,
	}
}

// UploadRequest describes one upload. Size must be the exact byte length
// of Content.
type UploadRequest struct {
	Filename     string
	PasswordHash string
	Expire       string
	Size         int64
	Content      io.Reader
}

// FileInfo is the caller-visible view of a record. The password hash is
// deliberately absent.
type FileInfo struct {
	Name       string  `json:"name"`
	Size       int64   `json:"size"`
	UploadTime float64 `json:"upload_time"`
	ExpireTime float64 `json:"expire_time"`
}

// ListResult is one page of the file listing.
type ListResult struct {
	Files   []FileInfo `json:"files"`
	Total   int        `json:"total"`
	Page    int        `json:"page"`
	PerPage int        `json:"per_page"`
}

// Status reports aggregate storage usage.
type Status struct {
	MaxStorage  int64 `json:"max_storage"`
	UsedStorage int64 `json:"used_storage"`
	FileCount   int   `json:"file_count"`
}

// Upload validates the request, admits the record against the quota, and
// stores the blob. The ledger record is reserved first so concurrent
// uploads racing on a name or on headroom are decided by the admission
// lock before any bytes hit disk; on a failed write the reservation is
// rolled back.
func (s *Service) Upload(req *UploadRequest) (*FileInfo, error) {
	if req.Size > s.maxFileSize {
		return nil, ErrFileTooLarge
	}
	if err := CheckFilename(req.Filename); err != nil {
		return nil, err
	}

	duration, ok := expiryMenu[req.Expire]
	if !ok {
		return nil, ErrBadExpiry
	}

	now := s.now()
	rec := ledger.Record{
		Filename:     req.Filename,
		PasswordHash: req.PasswordHash,
		UploadTime:   ledger.UnixSeconds(now),
		SizeBytes:    req.Size,
	}
	if duration != 0 {
		rec.ExpireAt = ledger.UnixSeconds(now.Add(duration))
	}

	if err := s.quota.AdmitInsert(rec); err != nil {
		return nil, err
	}

	written, err := s.blobs.Save(rec.Filename, req.Content)
	if err != nil {
		s.rollback(rec)
		return nil, fmt.Errorf("failed to store blob: %w", err)
	}
	if written != rec.SizeBytes {
		s.rollback(rec)
		if err := s.blobs.Delete(rec.Filename); err != nil {
			slog.Error("failed to delete blob after aborted upload", "filename", rec.Filename, "error", err)
		}
		return nil, fmt.Errorf("blob size mismatch: declared %d bytes, wrote %d", rec.SizeBytes, written)
	}

	return &FileInfo{
		Name:       rec.Filename,
		Size:       rec.SizeBytes,
		UploadTime: rec.UploadTime,
		ExpireTime: rec.ExpireAt,
	}, nil
}

// rollback releases a record reservation after a failed blob write. A
// failed removal would leave a phantom record for the reaper to heal, so
// it is at least reported.
func (s *Service) rollback(rec ledger.Record) {
	if _, err := s.ledger.RemoveWhere(func(r ledger.Record) bool {
		return r.PasswordHash == rec.PasswordHash
	}); err != nil {
		slog.Error("failed to roll back record reservation", "filename", rec.Filename, "error", err)
	}
}

// List returns one page of live records matching the search term, newest
// first. Expired-but-unreaped records are invisible here.
func (s *Service) List(page, perPage int, search string) (*ListResult, error) {
	now := s.now()
	needle := strings.ToLower(search)

	recs, err := s.ledger.Scan(func(r ledger.Record) bool {
		return !r.Expired(now) && strings.Contains(strings.ToLower(r.Filename), needle)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger: %w", err)
	}

	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}

	total := len(recs)
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	files := make([]FileInfo, 0, end-start)
	for _, r := range recs[start:end] {
		files = append(files, FileInfo{
			Name:       r.Filename,
			Size:       r.SizeBytes,
			UploadTime: r.UploadTime,
			ExpireTime: r.ExpireAt,
		})
	}

	return &ListResult{Files: files, Total: total, Page: page, PerPage: perPage}, nil
}

// Download streams the named file after checking its password hash.
func (s *Service) Download(filename, passwordHash string) (*FileInfo, io.ReadCloser, error) {
	rec, err := s.findLive(func(r ledger.Record) bool { return r.Filename == filename })
	if err != nil {
		return nil, nil, err
	}
	if rec.PasswordHash != passwordHash {
		return nil, nil, ErrWrongPassword
	}
	return s.open(rec)
}

// DownloadByPassword resolves the file owned by the given password hash
// and streams it. The hash's global uniqueness makes the lookup
// unambiguous.
func (s *Service) DownloadByPassword(passwordHash string) (*FileInfo, io.ReadCloser, error) {
	rec, err := s.findLive(func(r ledger.Record) bool { return r.PasswordHash == passwordHash })
	if err != nil {
		return nil, nil, err
	}
	return s.open(rec)
}

// Delete removes the named file after checking its password hash. On a
// wrong password nothing is touched.
func (s *Service) Delete(filename, passwordHash string) error {
	rec, err := s.findLive(func(r ledger.Record) bool { return r.Filename == filename })
	if err != nil {
		return err
	}
	if rec.PasswordHash != passwordHash {
		return ErrWrongPassword
	}

	if err := s.blobs.Delete(rec.Filename); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	if _, err := s.ledger.RemoveWhere(func(r ledger.Record) bool {
		return r.Filename == rec.Filename && r.PasswordHash == rec.PasswordHash
	}); err != nil {
		return fmt.Errorf("failed to remove record: %w", err)
	}
	return nil
}

// Status reports capacity, current usage, and the live file count.
func (s *Service) Status() (*Status, error) {
	used, err := s.quota.Usage()
	if err != nil {
		return nil, fmt.Errorf("failed to compute usage: %w", err)
	}

	now := s.now()
	live, err := s.ledger.Scan(func(r ledger.Record) bool { return !r.Expired(now) })
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger: %w", err)
	}

	return &Status{
		MaxStorage:  s.quota.Capacity(),
		UsedStorage: used,
		FileCount:   len(live),
	}, nil
}

func (s *Service) findLive(pred ledger.Predicate) (ledger.Record, error) {
	now := s.now()
	recs, err := s.ledger.Scan(func(r ledger.Record) bool {
		return !r.Expired(now) && pred(r)
	})
	if err != nil {
		return ledger.Record{}, fmt.Errorf("failed to scan ledger: %w", err)
	}
	if len(recs) == 0 {
		return ledger.Record{}, ErrNotFound
	}
	return recs[0], nil
}

func (s *Service) open(rec ledger.Record) (*FileInfo, io.ReadCloser, error) {
	content, err := s.blobs.Open(rec.Filename)
	if err != nil {
		return nil, nil, ErrNotFound
	}
	info := &FileInfo{
		Name:       rec.Filename,
		Size:       rec.SizeBytes,
		UploadTime: rec.UploadTime,
		ExpireTime: rec.ExpireAt,
	}
	return info, content, nil
}

// CheckFilename rejects names that sanitization would alter instead of
// silently renaming them: path components, the ledger delimiter, and
// leading or trailing whitespace are all refused.
func CheckFilename(name string) error {
	if name == "" || name != strings.TrimSpace(name) {
		return ledger.ErrIllegalFilename
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return ledger.ErrIllegalFilename
	}
	if strings.ContainsAny(name, ":/\\\n\r") {
		return ledger.ErrIllegalFilename
	}
	return nil
}
