// Package journal records control loop ticks in a SQLite database for
// offline inspection of a run.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/gwillem/pursuit/pkg/control"
)

const (
	queueSize     = 256
	flushInterval = 500 * time.Millisecond
	maxBatch      = 100
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	started_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ticks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	at DATETIME NOT NULL,
	mode TEXT NOT NULL,
	left_speed INTEGER NOT NULL,
	right_speed INTEGER NOT NULL,
	aux_speed INTEGER NOT NULL,
	manual TEXT NOT NULL DEFAULT '',
	target_label TEXT NOT NULL DEFAULT '',
	target_x INTEGER,
	target_y INTEGER,
	errors TEXT NOT NULL DEFAULT '',
	final INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_ticks_session ON ticks(session_id, seq);
`

// Journal queues ticks and writes them in batches from its own goroutine,
// so Record never blocks the control loop.
type Journal struct {
	db      *sql.DB
	session string
	logger  *slog.Logger

	queue   chan control.Tick
	dropped atomic.Uint64
	written atomic.Uint64

	started   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Open opens (or creates) the database at path and starts a new session.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	session := uuid.NewString()
	if _, err := db.Exec(`INSERT INTO sessions (id, started_at) VALUES (?, ?)`, session, time.Now().UTC()); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &Journal{
		db:      db,
		session: session,
		logger:  logger,
		queue:   make(chan control.Tick, queueSize),
		done:    make(chan struct{}),
	}, nil
}

// Session returns the ID of the current run.
func (j *Journal) Session() string {
	return j.session
}

// Record queues t. Ticks are dropped when the queue is full.
func (j *Journal) Record(t control.Tick) {
	select {
	case j.queue <- t:
	default:
		j.dropped.Add(1)
	}
}

// Run writes queued ticks until ctx is cancelled, then flushes what is left.
func (j *Journal) Run(ctx context.Context) error {
	if !j.started.CompareAndSwap(false, true) {
		return fmt.Errorf("journal already running")
	}
	defer close(j.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]control.Tick, 0, maxBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := j.insert(batch); err != nil {
			j.logger.Error("journal: write failed", "ticks", len(batch), "error", err)
		} else {
			j.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case t := <-j.queue:
					batch = append(batch, t)
				default:
					flush()
					return ctx.Err()
				}
			}
		case t := <-j.queue:
			batch = append(batch, t)
			if len(batch) >= maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (j *Journal) insert(ticks []control.Tick) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO ticks (session_id, seq, at, mode, left_speed, right_speed, aux_speed,
			manual, target_label, target_x, target_y, errors, final)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range ticks {
		var label string
		var x, y sql.NullInt64
		if t.Mode == control.ModeTrack {
			label = t.Target.Label
			x = sql.NullInt64{Int64: int64(t.Target.Center.X), Valid: true}
			y = sql.NullInt64{Int64: int64(t.Target.Center.Y), Valid: true}
		}
		var manual string
		if t.Mode == control.ModeManual {
			manual = t.Manual.String()
		}

		_, err := stmt.Exec(j.session, t.Seq, t.Time.UTC(), t.Mode.String(),
			t.Commands[0].Speed, t.Commands[1].Speed, t.Commands[2].Speed,
			manual, label, x, y, joinErrors(t.Errors), t.Final)
		if err != nil {
			return fmt.Errorf("insert tick %d: %w", t.Seq, err)
		}
	}

	return tx.Commit()
}

// Count returns how many ticks the current session has stored.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ticks WHERE session_id = ?`, j.session).Scan(&n)
	return n, err
}

// ModeCounts returns the number of stored ticks per mode for the session.
func (j *Journal) ModeCounts(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT mode, COUNT(*) FROM ticks WHERE session_id = ? GROUP BY mode`, j.session)
	if err != nil {
		return nil, fmt.Errorf("query modes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var mode string
		var n int
		if err := rows.Scan(&mode, &n); err != nil {
			return nil, err
		}
		counts[mode] = n
	}
	return counts, rows.Err()
}

// Dropped returns how many ticks were discarded because the queue was full.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Close waits for a started Run to finish flushing and closes the database.
// Cancel Run's context first.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		if j.started.Load() {
			<-j.done
		}
		j.logger.Info("journal: closed",
			"session", j.session, "written", j.written.Load(), "dropped", j.dropped.Load())
		err = j.db.Close()
	})
	return err
}

func joinErrors(errs []error) string {
	if len(errs) == 0 {
		return ""
	}
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}
