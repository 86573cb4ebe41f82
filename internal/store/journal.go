package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"sync"
	"time"

	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/logging"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

// Journal records every refresh attempt and run in SQLite with WAL mode.
// It is thread-safe.
type Journal struct {
	mu     sync.RWMutex
	db     *sql.DB
	logger *logging.Logger

	cleanupTicker *time.Ticker
	cleanupDone   chan struct{}
	retentionDays int
}

// JournalStats holds row counts.
type JournalStats struct {
	Attempts int `json:"attempts"`
	Runs     int `json:"runs"`
}

// NewJournal opens the journal with a 30 day retention.
func NewJournal(dbPath string) (*Journal, error) {
	return NewJournalWithRetention(dbPath, 30)
}

// NewJournalWithRetention opens the journal and prunes rows older than
// retentionDays once an hour. Zero disables pruning.
func NewJournalWithRetention(dbPath string, retentionDays int) (*Journal, error) {
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{
		db:            db,
		logger:        logging.NewLogger(),
		cleanupDone:   make(chan struct{}),
		retentionDays: retentionDays,
	}
	if retentionDays > 0 {
		j.startCleanup()
	}
	return j, nil
}

// SetLogger replaces the logger used for background errors.
func (j *Journal) SetLogger(logger *logging.Logger) {
	if logger != nil {
		j.logger = logger
	}
}

// runMigrations applies the journal schema versions in order.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create migrations table", Err: err}
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "get current migration version", Err: err}
	}

	migrations := []struct {
		version int
		up      string
	}{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS refresh_attempts (
					id TEXT PRIMARY KEY,
					run_id TEXT NOT NULL DEFAULT '',
					account_id TEXT NOT NULL,
					started_at TEXT NOT NULL,
					finished_at TEXT NOT NULL,
					outcome TEXT NOT NULL,
					reason TEXT NOT NULL DEFAULT '',
					stage TEXT NOT NULL,
					attempt_count INTEGER NOT NULL DEFAULT 0,
					error TEXT NOT NULL DEFAULT ''
				);

				CREATE INDEX IF NOT EXISTS idx_refresh_attempts_account_id ON refresh_attempts(account_id);
				CREATE INDEX IF NOT EXISTS idx_refresh_attempts_started_at ON refresh_attempts(started_at);
			`,
		},
		{
			version: 2,
			up: `
				CREATE TABLE IF NOT EXISTS refresh_runs (
					id TEXT PRIMARY KEY,
					started_at TEXT NOT NULL,
					finished_at TEXT NOT NULL,
					total INTEGER NOT NULL DEFAULT 0,
					due INTEGER NOT NULL DEFAULT 0,
					succeeded INTEGER NOT NULL DEFAULT 0,
					skipped INTEGER NOT NULL DEFAULT 0,
					failed INTEGER NOT NULL DEFAULT 0,
					saved INTEGER NOT NULL DEFAULT 0,
					pushed INTEGER NOT NULL DEFAULT 0,
					divergent INTEGER NOT NULL DEFAULT 0,
					reloaded INTEGER NOT NULL DEFAULT 0
				);

				CREATE INDEX IF NOT EXISTS idx_refresh_attempts_run_id ON refresh_attempts(run_id);
			`,
		},
	}

	tx, err := db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range migrations {
		if m.version > currentVersion {
			if _, err := tx.Exec(m.up); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit migrations", Err: err}
	}
	return nil
}

func (j *Journal) startCleanup() {
	j.cleanupTicker = time.NewTicker(time.Hour)
	go func() {
		for {
			select {
			case <-j.cleanupTicker.C:
				j.cleanupOldData(time.Now())
			case <-j.cleanupDone:
				return
			}
		}
	}()
}

// cleanupOldData removes rows older than the retention window.
func (j *Journal) cleanupOldData(now time.Time) {
	if j.retentionDays <= 0 {
		return
	}
	cutoff := formatTime(now.AddDate(0, 0, -j.retentionDays))

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.db.Exec("DELETE FROM refresh_attempts WHERE started_at < ?", cutoff); err != nil {
		j.logger.Error("cleanup failed", "table", "refresh_attempts", "error", err.Error())
	}
	if _, err := j.db.Exec("DELETE FROM refresh_runs WHERE started_at < ?", cutoff); err != nil {
		j.logger.Error("cleanup failed", "table", "refresh_runs", "error", err.Error())
	}
}

// Close stops the cleanup goroutine and closes the database.
func (j *Journal) Close() error {
	if j.cleanupTicker != nil {
		j.cleanupTicker.Stop()
		close(j.cleanupDone)
		j.cleanupTicker = nil
	}
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Record stores one attempt under runID.
func (j *Journal) Record(ctx context.Context, runID string, a *models.Attempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO refresh_attempts (id, run_id, account_id, started_at, finished_at, outcome, reason, stage, attempt_count, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			outcome = excluded.outcome,
			reason = excluded.reason,
			stage = excluded.stage,
			attempt_count = excluded.attempt_count,
			error = excluded.error
	`, a.ID, runID, a.AccountID, formatTime(a.StartedAt), formatTime(a.FinishedAt),
		string(a.Outcome), a.Reason, string(a.Stage), a.AttemptCount, a.Error)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "record attempt", Err: err}
	}
	return nil
}

// RecordRun stores the totals of a finished run. Attempts are recorded
// separately with Record.
func (j *Journal) RecordRun(ctx context.Context, s *models.Summary) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO refresh_runs (id, started_at, finished_at, total, due, succeeded, skipped, failed, saved, pushed, divergent, reloaded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			total = excluded.total,
			due = excluded.due,
			succeeded = excluded.succeeded,
			skipped = excluded.skipped,
			failed = excluded.failed,
			saved = excluded.saved,
			pushed = excluded.pushed,
			divergent = excluded.divergent,
			reloaded = excluded.reloaded
	`, s.RunID, formatTime(s.StartedAt), formatTime(s.FinishedAt), s.Total, s.Due, s.Succeeded, s.Skipped, s.Failed,
		s.Saved, s.Pushed, s.Divergent, s.Reloaded)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "record run", Err: err}
	}
	return nil
}

const attemptColumns = `id, account_id, started_at, finished_at, outcome, reason, stage, attempt_count, error`

// Recent returns the newest attempts first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]*models.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM refresh_attempts ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "recent attempts", Err: err}
	}
	return scanAttempts(rows)
}

// LastByAccount returns the newest attempt of every account.
func (j *Journal) LastByAccount(ctx context.Context) (map[string]*models.Attempt, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM refresh_attempts a
		WHERE a.rowid = (
			SELECT b.rowid FROM refresh_attempts b
			WHERE b.account_id = a.account_id
			ORDER BY b.started_at DESC, b.rowid DESC LIMIT 1
		)
	`)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "last attempt by account", Err: err}
	}
	attempts, err := scanAttempts(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*models.Attempt, len(attempts))
	for _, a := range attempts {
		out[a.AccountID] = a
	}
	return out, nil
}

// LastRun returns the newest run with its attempts.
func (j *Journal) LastRun(ctx context.Context) (*models.Summary, bool, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var (
		s                   models.Summary
		started, finished   string
		saved, pushed       bool
		divergent, reloaded bool
	)
	err := j.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, total, due, succeeded, skipped, failed, saved, pushed, divergent, reloaded
		FROM refresh_runs ORDER BY started_at DESC, rowid DESC LIMIT 1
	`).Scan(&s.RunID, &started, &finished, &s.Total, &s.Due, &s.Succeeded, &s.Skipped, &s.Failed,
		&saved, &pushed, &divergent, &reloaded)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &errors.ErrDatabaseQuery{Operation: "last run", Err: err}
	}
	s.StartedAt = parseTime(started)
	s.FinishedAt = parseTime(finished)
	s.Saved, s.Pushed, s.Divergent, s.Reloaded = saved, pushed, divergent, reloaded

	rows, err := j.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM refresh_attempts WHERE run_id = ? ORDER BY started_at, rowid`, s.RunID)
	if err != nil {
		return nil, false, &errors.ErrDatabaseQuery{Operation: "run attempts", Err: err}
	}
	s.Attempts, err = scanAttempts(rows)
	if err != nil {
		return nil, false, err
	}
	return &s, true, nil
}

// Stats returns row counts.
func (j *Journal) Stats() JournalStats {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var stats JournalStats
	if err := j.db.QueryRow("SELECT COUNT(*) FROM refresh_attempts").Scan(&stats.Attempts); err != nil {
		j.logger.Error("failed to count attempts", "error", err.Error())
	}
	if err := j.db.QueryRow("SELECT COUNT(*) FROM refresh_runs").Scan(&stats.Runs); err != nil {
		j.logger.Error("failed to count runs", "error", err.Error())
	}
	return stats
}

func scanAttempts(rows *sql.Rows) ([]*models.Attempt, error) {
	defer rows.Close()

	var out []*models.Attempt
	for rows.Next() {
		var (
			a                 models.Attempt
			started, finished string
			outcome, stage    string
		)
		if err := rows.Scan(&a.ID, &a.AccountID, &started, &finished, &outcome, &a.Reason, &stage, &a.AttemptCount, &a.Error); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan attempt", Err: err}
		}
		a.StartedAt = parseTime(started)
		a.FinishedAt = parseTime(finished)
		a.Outcome = models.Outcome(outcome)
		a.Stage = models.Stage(stage)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "iterate attempts", Err: err}
	}
	return out, nil
}

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
