package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zuolabs/trellis-runner/pkg/models"
)

// ErrLeaseHeld is returned when another run holds the single-flight lease
// for the same ref.
var ErrLeaseHeld = errors.New("single-flight lease held for ref")

// Options configures chain and lease policy.
type Options struct {
	MaxChainSteps int           // 0 disables the bound (not recommended)
	LeaseTTL      time.Duration // lease expiry, stolen once elapsed
}

// Run is one ledger row: a single invocation of the bounded work unit.
type Run struct {
	ID         string
	Ref        string
	ChainID    string
	Step       int
	Outcome    string
	ExitCode   int
	Dispatched bool
	StartedAt  time.Time
	FinishedAt time.Time // zero until the run finishes
}

// Ledger records every run and its continuation chain in SQLite. It is the
// guard against unbounded self-dispatch: a chain of timed-out runs may only
// grow to MaxChainSteps before continuation is refused.
type Ledger struct {
	db       *sql.DB
	mu       sync.Mutex
	maxSteps int
	leaseTTL time.Duration
	now      func() time.Time
}

// Open opens (or creates) the ledger database.
func Open(path string, opts Options) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	// WAL plus a busy timeout so a second trigger probing the lease does not
	// fail immediately on a locked database.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY on concurrent lease probes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}

	l := &Ledger{
		db:       db,
		maxSteps: opts.MaxChainSteps,
		leaseTTL: ttl,
		now:      time.Now,
	}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		ref TEXT NOT NULL,
		chain_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT 0,
		dispatched BOOLEAN NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_runs_ref_started ON runs(ref, started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_chain ON runs(chain_id, step);

	CREATE TABLE IF NOT EXISTS leases (
		ref TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		acquired_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// BeginRun opens a ledger row for a new invocation. A run continues the
// previous chain for the ref when that run timed out and dispatched a
// continuation; otherwise it starts a fresh chain at step 1.
func (l *Ledger) BeginRun(ref string) (*Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	run := &Run{
		ID:        uuid.New().String(),
		Ref:       ref,
		ChainID:   uuid.New().String(),
		Step:      1,
		Outcome:   "running",
		StartedAt: l.now().UTC(),
	}

	prev, err := l.lastRunLocked(ref)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read previous run: %w", err)
	}
	if prev != nil && prev.Outcome == string(models.OutcomeTimedOut) && prev.Dispatched {
		run.ChainID = prev.ChainID
		run.Step = prev.Step + 1
	}

	_, err = l.db.Exec(
		`INSERT INTO runs (id, ref, chain_id, step, outcome, exit_code, dispatched, started_at)
		 VALUES (?, ?, ?, ?, ?, 0, 0, ?)`,
		run.ID, run.Ref, run.ChainID, run.Step, run.Outcome, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}
	return run, nil
}

// FinishRun records the outcome of a run and whether a continuation was
// actually dispatched.
func (l *Ledger) FinishRun(id string, outcome models.Outcome, dispatched bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(
		`UPDATE runs SET outcome = ?, exit_code = ?, dispatched = ?, finished_at = ? WHERE id = ?`,
		string(outcome.Kind), outcome.ExitCode, dispatched, l.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// Exhausted reports whether the run's chain has reached the configured step
// bound, in which case no further continuation may be dispatched.
func (l *Ledger) Exhausted(run *Run) bool {
	return l.maxSteps > 0 && run.Step >= l.maxSteps
}

// Acquire takes the single-flight lease for ref. It returns ErrLeaseHeld if
// an unexpired lease exists; expired leases are stolen. The returned release
// function is safe to call more than once.
func (l *Ledger) Acquire(ref string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	holder := uuid.New().String()

	if _, err := l.db.Exec(`DELETE FROM leases WHERE ref = ? AND expires_at <= ?`, ref, now); err != nil {
		return nil, fmt.Errorf("failed to reap expired lease: %w", err)
	}

	res, err := l.db.Exec(
		`INSERT OR IGNORE INTO leases (ref, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
		ref, holder, now, now.Add(l.leaseTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, ref)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.db.Exec(`DELETE FROM leases WHERE ref = ? AND holder = ?`, ref, holder)
		})
	}
	return release, nil
}

// Get returns a single run by id, or nil when unknown.
func (l *Ledger) Get(id string) (*Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := l.db.QueryRow(
		`SELECT id, ref, chain_id, step, outcome, exit_code, dispatched, started_at, finished_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// LastRun returns the most recent run for a ref, or nil when none exists.
func (l *Ledger) LastRun(ref string) (*Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, err := l.lastRunLocked(ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

func (l *Ledger) lastRunLocked(ref string) (*Run, error) {
	row := l.db.QueryRow(
		`SELECT id, ref, chain_id, step, outcome, exit_code, dispatched, started_at, finished_at
		 FROM runs WHERE ref = ? ORDER BY started_at DESC, step DESC LIMIT 1`, ref)
	return scanRun(row)
}

// List returns the most recent runs, newest first.
func (l *Ledger) List(limit int) ([]*Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(
		`SELECT id, ref, chain_id, step, outcome, exit_code, dispatched, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var finished sql.NullTime
	err := s.Scan(&run.ID, &run.Ref, &run.ChainID, &run.Step, &run.Outcome,
		&run.ExitCode, &run.Dispatched, &run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return &run, nil
}
