package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"zeroflash/internal/config"
	"zeroflash/internal/services"
)

// Store persists operation records in SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// Open connects to the history database named by the configuration.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(cfg.HistoryPath())
}

// OpenPath opens or creates the database at path.
func OpenPath(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, now: time.Now}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// SetClock overrides the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const recordColumns = "id, correlation_id, operation, argument, device_serial, device_name, device_mode, firmware_version, status, stage, error_kind, error_message, started_at, finished_at"

// Begin stores rec as running and returns it with its id and start time set.
func (s *Store) Begin(ctx context.Context, rec Record) (*Record, error) {
	if rec.CorrelationID == "" || rec.Operation == "" {
		return nil, errors.New("history: record needs a correlation id and operation")
	}
	rec.Status = StatusRunning
	rec.StartedAt = s.now().UTC()
	rec.FinishedAt = nil
	res, err := s.exec(ctx,
		`INSERT INTO operations (correlation_id, operation, argument, device_serial, device_name, device_mode, firmware_version, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CorrelationID, rec.Operation, nullableString(rec.Argument), nullableString(rec.DeviceSerial),
		nullableString(rec.DeviceName), nullableString(rec.DeviceMode), nullableString(rec.FirmwareVersion),
		string(rec.Status), formatTime(rec.StartedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("operation id: %w", err)
	}
	rec.ID = id
	return &rec, nil
}

// Finish closes the record with the outcome of opErr. stage names the stage
// the operation was in when it ended.
func (s *Store) Finish(ctx context.Context, id int64, stage string, opErr error) error {
	status := StatusSucceeded
	var kind, message string
	switch {
	case errors.Is(opErr, services.ErrAborted):
		status = StatusAborted
		message = opErr.Error()
	case opErr != nil:
		status = StatusFailed
		kind = string(services.KindOf(opErr))
		message = opErr.Error()
	}
	res, err := s.exec(ctx,
		`UPDATE operations SET status = ?, stage = ?, error_kind = ?, error_message = ?, finished_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), nullableString(stage), nullableString(kind), nullableString(message),
		formatTime(s.now().UTC()), id, string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("finish operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish operation %d: %w", id, sql.ErrNoRows)
	}
	return nil
}

// Get returns the record with id, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), "SELECT "+recordColumns+" FROM operations WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// GetByCorrelation returns the record with the correlation id, or nil.
func (s *Store) GetByCorrelation(ctx context.Context, correlationID string) (*Record, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), "SELECT "+recordColumns+" FROM operations WHERE correlation_id = ?", correlationID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.DeviceSerial != "" {
		where = append(where, "device_serial = ? COLLATE NOCASE")
		args = append(args, filter.DeviceSerial)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	query := "SELECT " + recordColumns + " FROM operations"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// MarkInterrupted closes records left running by a process that died
// mid-operation and returns how many it touched.
func (s *Store) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE operations SET status = ?, error_message = ?, finished_at = ? WHERE status = ?`,
		string(StatusInterrupted), "process exited before the operation finished",
		formatTime(s.now().UTC()), string(StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted: %w", err)
	}
	return res.RowsAffected()
}

// Prune removes finished records that started before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx,
		`DELETE FROM operations WHERE status != ? AND started_at < ?`,
		string(StatusRunning), formatTime(cutoff.UTC()),
	)
	if err != nil {
		return 0, fmt.Errorf("prune operations: %w", err)
	}
	return res.RowsAffected()
}

// Clear removes every finished record.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM operations WHERE status != ?`, string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("clear operations: %w", err)
	}
	return res.RowsAffected()
}

// Stats counts records per status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("operation stats: %w", err)
	}
	defer rows.Close()
	stats := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[Status(status)] = count
	}
	return stats, rows.Err()
}
