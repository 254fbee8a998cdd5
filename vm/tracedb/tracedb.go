// Package tracedb records engine trace events in a SQLite database so that
// long runs can be inspected with SQL after the fact. Each run gets a UUID;
// every executed step becomes one row of the steps table.
package tracedb

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/stackvm/vm"
)

var log = commonlog.GetLogger("stackvm.tracedb")

// ErrRunNotFound indicates the requested run doesn't exist.
var ErrRunNotFound = errors.New("run not found")

// ErrRunFinished is returned when tracing into a run that was already
// finished.
var ErrRunFinished = errors.New("run already finished")

// batchSize is the number of buffered steps written per transaction.
const batchSize = 512

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	program     TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	status      TEXT NOT NULL DEFAULT 'running',
	steps       INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS steps (
	run_id TEXT NOT NULL REFERENCES runs(id),
	step   INTEGER NOT NULL,
	pc     INTEGER NOT NULL,
	sp     INTEGER NOT NULL,
	bp     INTEGER NOT NULL,
	top0   INTEGER NOT NULL,
	top1   INTEGER,
	op     TEXT NOT NULL,
	inst   TEXT NOT NULL,
	output BLOB,
	PRIMARY KEY (run_id, step)
);
`

// Store is a trace database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the trace database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening trace database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	log.Debugf("opened trace database %s", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// ---------------------------------------------------------------------------
// Recording
// ---------------------------------------------------------------------------

// Run records the steps of one engine run. It implements vm.TraceSink.
type Run struct {
	ID string

	store    *Store
	mu       sync.Mutex
	pending  []StepRecord
	finished bool
}

var _ vm.TraceSink = (*Run)(nil)

// StartRun registers a new run for program and returns its recorder.
func (s *Store) StartRun(program string) (*Run, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		"INSERT INTO runs (id, program, started_at) VALUES (?, ?, ?)",
		id, program, timestamp(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	return &Run{ID: id, store: s, pending: make([]StepRecord, 0, batchSize)}, nil
}

// Trace buffers ev and writes a batch once enough steps are pending.
func (r *Run) Trace(ev *vm.TraceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return ErrRunFinished
	}
	rec := StepRecord{
		Step:   ev.Step,
		PC:     ev.PC,
		SP:     ev.SP,
		BP:     ev.BP,
		Op:     ev.Inst.Op.Name(),
		Inst:   ev.Inst.String(),
		Output: string(ev.Output),
	}
	if len(ev.Top) > 0 {
		rec.Top0 = ev.Top[0]
	}
	if len(ev.Top) > 1 {
		top1 := ev.Top[1]
		rec.Top1 = &top1
	}
	r.pending = append(r.pending, rec)
	if len(r.pending) >= batchSize {
		return r.flushLocked()
	}
	return nil
}

// Flush writes all buffered steps.
func (r *Run) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *Run) flushLocked() error {
	if len(r.pending) == 0 {
		return nil
	}
	tx, err := r.store.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO steps
		(run_id, step, pc, sp, bp, top0, top1, op, inst, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range r.pending {
		var top1 any
		if rec.Top1 != nil {
			top1 = int64(*rec.Top1)
		}
		var output any
		if rec.Output != "" {
			output = []byte(rec.Output)
		}
		if _, err := stmt.Exec(r.ID, int64(rec.Step), int64(rec.PC), int64(rec.SP), int64(rec.BP),
			int64(rec.Top0), top1, rec.Op, rec.Inst, output); err != nil {
			tx.Rollback()
			return fmt.Errorf("saving step %d: %w", rec.Step, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing steps: %w", err)
	}
	r.pending = r.pending[:0]
	return nil
}

// Finish flushes pending steps and records the outcome of the run. Further
// Trace calls fail with ErrRunFinished.
func (r *Run) Finish(status string, steps uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return ErrRunFinished
	}
	if err := r.flushLocked(); err != nil {
		return err
	}
	r.finished = true
	_, err := r.store.db.Exec(
		"UPDATE runs SET finished_at = ?, status = ?, steps = ? WHERE id = ?",
		timestamp(), status, int64(steps), r.ID,
	)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	log.Debugf("run %s finished: %s after %d steps", r.ID, status, steps)
	return nil
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
