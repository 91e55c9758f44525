// Package journal keeps a durable record of every chat request the daemon
// answered: the question, the answer, whether the fallback analyzer produced
// it, token usage and timing.
//
// Writes go through a buffered queue drained by a single goroutine so the
// request path never waits on SQLite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const queueSize = 256

// Entry is one journaled chat request.
type Entry struct {
	ID            int64     `json:"id"`
	RequestID     string    `json:"request_id"`
	CredentialRef string    `json:"credential_ref"`
	Question      string    `json:"question"`
	Answer        string    `json:"answer"`
	Fallback      bool      `json:"fallback"`
	Reason        string    `json:"reason,omitempty"`
	FallbackRule  string    `json:"fallback_rule,omitempty"`
	Error         string    `json:"error,omitempty"`
	InputTokens   int       `json:"input_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	RoundTrips    int       `json:"round_trips"`
	DurationMS    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// Stats summarizes the journal.
type Stats struct {
	Entries   int `json:"entries"`
	Fallbacks int `json:"fallbacks"`
}

// Journal is the SQLite-backed request journal.
type Journal struct {
	db   *sql.DB
	path string

	queue     chan Entry
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// Open opens (creating if needed) the journal database at path and starts the
// background writer.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{
		db:    db,
		path:  path,
		queue: make(chan Entry, queueSize),
		done:  make(chan struct{}),
	}
	go j.writer()

	slog.Info("journal opened", "path", path)
	return j, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_journal (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id     TEXT NOT NULL,
			credential_ref TEXT NOT NULL,
			question       TEXT NOT NULL,
			answer         TEXT NOT NULL,
			fallback       INTEGER NOT NULL DEFAULT 0,
			reason         TEXT NOT NULL DEFAULT '',
			fallback_rule  TEXT NOT NULL DEFAULT '',
			error          TEXT NOT NULL DEFAULT '',
			input_tokens   INTEGER NOT NULL DEFAULT 0,
			output_tokens  INTEGER NOT NULL DEFAULT 0,
			round_trips    INTEGER NOT NULL DEFAULT 0,
			duration_ms    INTEGER NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chat_journal_created ON chat_journal(created_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	// journals created before fallback_rule existed
	if _, err := db.Exec(`ALTER TABLE chat_journal ADD COLUMN fallback_rule TEXT NOT NULL DEFAULT ''`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column") {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// Record queues e for writing. It never blocks: when the queue is full the
// entry is dropped and logged.
func (j *Journal) Record(e Entry) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- e:
	default:
		slog.Warn("journal queue full, dropping entry", "request_id", e.RequestID)
	}
}

func (j *Journal) writer() {
	defer close(j.done)
	for e := range j.queue {
		if _, err := j.Insert(context.Background(), e); err != nil {
			slog.Warn("journal write failed", "request_id", e.RequestID, "error", err)
		}
	}
}

// Insert writes e synchronously and returns its id.
func (j *Journal) Insert(ctx context.Context, e Entry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := j.db.ExecContext(ctx, `
		INSERT INTO chat_journal
			(request_id, credential_ref, question, answer, fallback, reason, fallback_rule, error,
			 input_tokens, output_tokens, round_trips, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.CredentialRef, e.Question, e.Answer, e.Fallback, e.Reason, e.FallbackRule, e.Error,
		e.InputTokens, e.OutputTokens, e.RoundTrips, e.DurationMS, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert journal entry: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, request_id, credential_ref, question, answer, fallback, reason, fallback_rule, error,
		       input_tokens, output_tokens, round_trips, duration_ms, created_at
		FROM chat_journal
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.RequestID, &e.CredentialRef, &e.Question, &e.Answer,
			&e.Fallback, &e.Reason, &e.FallbackRule, &e.Error, &e.InputTokens, &e.OutputTokens,
			&e.RoundTrips, &e.DurationMS, &created); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries created before cutoff and returns how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM chat_journal WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}

// Stats counts entries and fallbacks.
func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(fallback), 0) FROM chat_journal`,
	).Scan(&s.Entries, &s.Fallbacks)
	if err != nil {
		return Stats{}, fmt.Errorf("journal stats: %w", err)
	}
	return s, nil
}

// Close drains queued entries and closes the database.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.queue)
		j.mu.Unlock()
		<-j.done
		err = j.db.Close()
	})
	return err
}
