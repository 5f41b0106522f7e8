package ledger

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLite implements Ledger on a SQLite database. It keeps the same
// semantics as the flat-file backend; the UNIQUE constraint on
// password_hash enforces the duplicate-password rule in the schema.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if necessary) a SQLite ledger at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	l := &SQLite{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return l, nil
}

func (l *SQLite) initSchema() error {
	createTableQuery := `
	CREATE TABLE IF NOT EXISTS records (
		filename TEXT NOT NULL,
		password_hash TEXT NOT NULL UNIQUE,
		upload_time REAL NOT NULL,
		size_bytes INTEGER NOT NULL,
		expire_at REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_upload_time ON records(upload_time);
	`
	if _, err := l.db.Exec(createTableQuery); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}
	return nil
}

func (l *SQLite) Insert(rec Record) error {
	if err := checkFilename(rec.Filename); err != nil {
		return err
	}

	query := `
	INSERT INTO records (filename, password_hash, upload_time, size_bytes, expire_at)
	VALUES (?, ?, ?, ?, ?)
	`
	_, err := l.db.Exec(query,
		rec.Filename,
		rec.PasswordHash,
		rec.UploadTime,
		rec.SizeBytes,
		rec.ExpireAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicatePassword
		}
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func (l *SQLite) Scan(pred Predicate) ([]Record, error) {
	recs, err := l.loadOrdered()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range recs {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *SQLite) RemoveWhere(pred Predicate) (int, error) {
	recs, err := l.loadOrdered()
	if err != nil {
		return 0, err
	}

	tx, err := l.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	removed := 0
	for _, r := range recs {
		if !pred(r) {
			continue
		}
		if _, err := tx.Exec(`DELETE FROM records WHERE password_hash = ?`, r.PasswordHash); err != nil {
			return 0, fmt.Errorf("failed to delete record: %w", err)
		}
		removed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit deletes: %w", err)
	}
	return removed, nil
}

func (l *SQLite) TotalBytes() (int64, error) {
	var total int64
	err := l.db.QueryRow(`SELECT COALESCE(SUM(size_bytes), 0) FROM records`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum record sizes: %w", err)
	}
	return total, nil
}

func (l *SQLite) Close() error {
	return l.db.Close()
}

func (l *SQLite) loadOrdered() ([]Record, error) {
	query := `
	SELECT filename, password_hash, upload_time, size_bytes, expire_at
	FROM records
	ORDER BY upload_time DESC
	`
	rows, err := l.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Filename, &r.PasswordHash, &r.UploadTime, &r.SizeBytes, &r.ExpireAt); err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating record rows: %w", err)
	}
	return recs, nil
}
