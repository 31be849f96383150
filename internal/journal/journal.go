// Package journal keeps an audit trail of privileged operations in a local
// SQLite database.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/tomb.v2"
	_ "modernc.org/sqlite"
)

const (
	// DefaultPruneInterval is how often the pruner removes expired entries.
	DefaultPruneInterval = time.Hour
	// FileName is the database file inside the data directory.
	FileName = "broker.db"
)

// Outcomes recorded for an operation.
const (
	OutcomeOK           = "ok"
	OutcomeInvalidArgs  = "invalid_args"
	OutcomeAccessDenied = "access_denied"
	OutcomeFailed       = "failed"
)

// Entry is one journaled operation.
type Entry struct {
	ID        string
	At        time.Time
	CallerUID uint32
	CallerPID int32
	Action    string
	Target    string
	Outcome   string
	Error     string
}

// Journal is the audit journal.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the journal in dataDir.
func Open(dataDir string) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, FileName))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		at INTEGER NOT NULL,
		caller_uid INTEGER NOT NULL,
		caller_pid INTEGER NOT NULL,
		action TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_operations_at ON operations(at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores e and returns its id. A missing id or timestamp is filled in.
func (j *Journal) Record(ctx context.Context, e Entry) (string, error) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.ID == "" {
		e.ID = ulid.MustNew(ulid.Timestamp(e.At), ulid.DefaultEntropy()).String()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO operations (id, at, caller_uid, caller_pid, action, target, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.At.UnixNano(), e.CallerUID, e.CallerPID, e.Action, e.Target, e.Outcome, e.Error)
	if err != nil {
		return "", fmt.Errorf("record %s: %w", e.Action, err)
	}
	return e.ID, nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, at, caller_uid, caller_pid, action, target, outcome, error
		FROM operations
		ORDER BY at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&e.ID, &at, &e.CallerUID, &e.CallerPID, &e.Action, &e.Target, &e.Outcome, &e.Error); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune removes entries older than retention and returns how many went.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().Add(-retention).UnixNano()
	res, err := j.db.ExecContext(ctx, "DELETE FROM operations WHERE at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// =============================================================================
// Pruner
// =============================================================================

// Pruner periodically removes expired journal entries.
type Pruner struct {
	journal   *Journal
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
}

// NewPruner returns a pruner. A zero retention disables pruning.
func NewPruner(j *Journal, interval, retention time.Duration, logger *slog.Logger) *Pruner {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	return &Pruner{journal: j, interval: interval, retention: retention, logger: logger}
}

// Run prunes once immediately and then on every tick until t is dying.
func (p *Pruner) Run(t *tomb.Tomb) error {
	if p.retention == 0 {
		p.logger.Debug("journal pruning disabled")
		<-t.Dying()
		return nil
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.prune(t)
	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
			p.prune(t)
		}
	}
}

func (p *Pruner) prune(t *tomb.Tomb) {
	n, err := p.journal.Prune(t.Context(nil), p.retention)
	if err != nil {
		p.logger.Warn("failed to prune journal", "error", err)
		return
	}
	if n > 0 {
		p.logger.Debug("pruned journal", "removed", n)
	}
}
