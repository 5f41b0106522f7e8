package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/c1pan/file-vault/internal/blob"
	"github.com/c1pan/file-vault/internal/ledger"
	"github.com/c1pan/file-vault/internal/quota"
	"github.com/c1pan/file-vault/internal/reaper"
	"github.com/c1pan/file-vault/internal/session"
	"github.com/c1pan/file-vault/internal/vault"
)

type Config struct {
	Addr             string        `env:"VAULT_ADDR" envDefault:":8080"`
	BlobDir          string        `env:"VAULT_BLOB_DIR,required"`
	LedgerBackend    string        `env:"VAULT_LEDGER_BACKEND" envDefault:"flatfile"`
	LedgerPath       string        `env:"VAULT_LEDGER_PATH"`
	DBPath           string        `env:"VAULT_DB_PATH"`
	CapacityBytes    int64         `env:"VAULT_CAPACITY_BYTES" envDefault:"10737418240"`
	MaxFileSize      int64         `env:"VAULT_MAX_FILE_SIZE" envDefault:"52428800"`
	ListPasswordHash string        `env:"VAULT_LIST_PASSWORD_HASH,required"`
	TokenTTL         time.Duration `env:"VAULT_TOKEN_TTL" envDefault:"10m"`
	ReapInterval     time.Duration `env:"VAULT_REAP_INTERVAL" envDefault:"60s"`
	LogFile          string        `env:"VAULT_LOG_FILE"`
}

func New(cfg *Config) *http.Server {
	// Initialize structured logger with JSON handler
	var logWriter io.Writer = os.Stdout
	if cfg.LogFile != "" {
		logWriter = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}
	logger := slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	led, err := openLedger(cfg)
	if err != nil {
		slog.Error("Failed to initialize ledger", "error", err)
		panic(fmt.Sprintf("Failed to initialize ledger: %v", err))
	}

	blobs := blob.NewStore(cfg.BlobDir)
	quotas := quota.NewManager(led, cfg.CapacityBytes)
	sessions := session.NewManager(cfg.TokenTTL)
	svc := vault.NewService(led, quotas, blobs, cfg.MaxFileSize)

	rp := reaper.New(led, blobs, sessions, cfg.ReapInterval)
	if err := rp.Start(); err != nil {
		slog.Error("Failed to start reaper", "error", err)
		panic(fmt.Sprintf("Failed to start reaper: %v", err))
	}

	slog.Info("vault ready",
		"capacity", humanize.IBytes(uint64(cfg.CapacityBytes)),
		"ledger_backend", cfg.LedgerBackend,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthz)
	mux.HandleFunc("POST /api/token", issueToken(cfg, sessions))
	mux.HandleFunc("POST /api/upload", requireToken(sessions, uploadFile(svc)))
	mux.HandleFunc("GET /api/files", requireToken(sessions, listFiles(svc)))
	mux.HandleFunc("GET /api/download/{filename}", requireToken(sessions, downloadFile(svc)))
	mux.HandleFunc("POST /api/download-by-pass", requireToken(sessions, downloadByPassword(svc)))
	mux.HandleFunc("POST /api/delete-file", requireToken(sessions, deleteFile(svc)))
	mux.HandleFunc("GET /api/status", requireToken(sessions, systemStatus(svc)))

	// Wrap the handler with logging middleware
	handler := loggingMiddleware(limitBody(mux, cfg.MaxFileSize+1<<20))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func openLedger(cfg *Config) (ledger.Ledger, error) {
	switch cfg.LedgerBackend {
	case "flatfile":
		if cfg.LedgerPath == "" {
			return nil, fmt.Errorf("VAULT_LEDGER_PATH is required for the flatfile backend")
		}
		return ledger.NewFlatFile(cfg.LedgerPath)
	case "sqlite":
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("VAULT_DB_PATH is required for the sqlite backend")
		}
		return ledger.NewSQLite(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func issueToken(cfg *Config, sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if subtle.ConstantTimeCompare([]byte(req.Password), []byte(cfg.ListPasswordHash)) != 1 {
			writeError(w, http.StatusUnauthorized, "wrong password")
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"token": sessions.Issue()})
	}
}

func uploadFile(svc *vault.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, http.StatusRequestEntityTooLarge, "file too large")
				return
			}
			writeError(w, http.StatusBadRequest, "no file provided")
			return
		}
		defer file.Close()

		req := &vault.UploadRequest{
			Filename:     header.Filename,
			PasswordHash: r.FormValue("password"),
			Expire:       r.FormValue("expire"),
			Size:         header.Size,
			Content:      file,
		}

		info, err := svc.Upload(req)
		if err != nil {
			slog.Error("Upload failed", "error", err, "filename", header.Filename)
			writeError(w, errorStatus(err), errorMessage(err, "upload failed"))
			return
		}

		slog.Info("File uploaded", "filename", info.Name, "size", info.Size)
		writeJSON(w, http.StatusCreated, map[string]string{"filename": info.Name})
	}
}

func listFiles(svc *vault.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := intParam(r, "page", 1)
		perPage := intParam(r, "per_page", 10)
		search := r.URL.Query().Get("search")

		result, err := svc.List(page, perPage, search)
		if err != nil {
			slog.Error("List files failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list files")
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func downloadFile(svc *vault.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename := r.PathValue("filename")
		password := r.URL.Query().Get("password")

		info, content, err := svc.Download(filename, password)
		if err != nil {
			slog.Error("Download failed", "error", err, "filename", filename)
			writeError(w, errorStatus(err), errorMessage(err, "download failed"))
			return
		}
		defer content.Close()

		streamBlob(w, info, content)
	}
}

func downloadByPassword(svc *vault.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		info, content, err := svc.DownloadByPassword(req.Password)
		if err != nil {
			slog.Error("Download by password failed", "error", err)
			writeError(w, errorStatus(err), errorMessage(err, "download failed"))
			return
		}
		defer content.Close()

		w.Header().Set("X-Vault-Filename", info.Name)
		streamBlob(w, info, content)
	}
}

func deleteFile(svc *vault.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Filename string `json:"filename"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if err := svc.Delete(req.Filename, req.Password); err != nil {
			slog.Error("Delete failed", "error", err, "filename", req.Filename)
			writeError(w, errorStatus(err), errorMessage(err, "delete failed"))
			return
		}

		slog.Info("File deleted", "filename", req.Filename)
		writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
	}
}

func systemStatus(svc *vault.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := svc.Status()
		if err != nil {
			slog.Error("Status failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to compute status")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"max_storage":    status.MaxStorage,
			"used_storage":   status.UsedStorage,
			"file_count":     status.FileCount,
			"max_storage_h":  humanize.IBytes(uint64(status.MaxStorage)),
			"used_storage_h": humanize.IBytes(uint64(status.UsedStorage)),
		})
	}
}

func streamBlob(w http.ResponseWriter, info *vault.FileInfo, content io.Reader) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, content)
}

// requireToken guards an endpoint behind a valid session token, taken from
// the Authorization header or a token query/form value.
func requireToken(sessions *session.Manager, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !sessions.Validate(clientToken(r)) {
			writeError(w, http.StatusUnauthorized, "session expired, re-enter the vault")
			return
		}
		next.ServeHTTP(w, r)
	}
}

func clientToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// FormValue covers both the query string and form posts, including
	// multipart uploads carrying the token as a form field.
	return r.FormValue("token")
}

func limitBody(next http.Handler, maxSize int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxSize)
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests with structured logging
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		slog.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func intParam(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

// errorStatus maps service errors to HTTP statuses following the
// rejection taxonomy: authorization, capacity, validation, not-found.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, vault.ErrWrongPassword):
		return http.StatusUnauthorized
	case errors.Is(err, vault.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrFileTooLarge), errors.Is(err, quota.ErrCapacityExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, quota.ErrDuplicateFilename), errors.Is(err, ledger.ErrDuplicatePassword):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrIllegalFilename), errors.Is(err, vault.ErrBadExpiry):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage surfaces expected rejections to the caller and hides
// internal failures behind a generic message.
func errorMessage(err error, generic string) string {
	for _, known := range []error{
		vault.ErrWrongPassword,
		vault.ErrNotFound,
		vault.ErrBadExpiry,
		vault.ErrFileTooLarge,
		quota.ErrCapacityExceeded,
		quota.ErrDuplicateFilename,
		ledger.ErrDuplicatePassword,
		ledger.ErrIllegalFilename,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return generic
}
