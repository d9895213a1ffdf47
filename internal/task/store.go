// Package task tracks long-running asynchronous operations and exposes
// live progress to subscribers. Records live in a SQLite store shared
// across processes and are reclaimed a grace period after reaching a
// terminal state.
package task

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // sqlite driver (pure Go)
)

//go:embed schema.sql
var schemaSQL string

// State is a task's lifecycle state. CREATED -> RUNNING -> one of the
// terminal states; terminal states are absorbing.
type State string

const (
	StateCreated   State = "CREATED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCanceled  State = "CANCELED"
)

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Task is one tracked async operation.
type Task struct {
	ID         string
	Kind       string
	State      State
	Progress   float64
	Message    string
	Payload    string
	Result     string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	TerminalAt *time.Time
}

// ErrInvalidTransition is returned for updates that violate the task
// state machine, including non-monotonic progress.
var ErrInvalidTransition = errors.New("invalid task transition")

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// Store persists tasks in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore creates an unopened store.
func NewStore() *Store {
	return &Store{}
}

// Open opens the store at path. Use ":memory:" for tests.
func (s *Store) Open(path string) error {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	if path == ":memory:" {
		// Each new connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping task store: %w", err)
	}

	s.db = db
	s.path = path
	return nil
}

// InitSchema creates the task tables.
func (s *Store) InitSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize task schema: %w", err)
	}
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Create inserts a new CREATED task and returns it.
func (s *Store) Create(kind, payload string) (*Task, error) {
	now := time.Now().UTC()
	t := &Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		State:     StateCreated,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, kind, state, progress, message, payload, created_at, updated_at)
		 VALUES (?, ?, ?, 0, '', ?, ?, ?)`,
		t.ID, t.Kind, t.State, t.Payload, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return t, nil
}

// Get returns the task by id.
func (s *Store) Get(id string) (*Task, error) {
	t := &Task{}
	var result, errMsg sql.NullString
	var terminalAt sql.NullTime

	err := s.db.QueryRow(
		`SELECT id, kind, state, progress, message, payload, result, error, created_at, updated_at, terminal_at
		 FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.Kind, &t.State, &t.Progress, &t.Message, &t.Payload,
		&result, &errMsg, &t.CreatedAt, &t.UpdatedAt, &terminalAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	if result.Valid {
		t.Result = result.String
	}
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	if terminalAt.Valid {
		t.TerminalAt = &terminalAt.Time
	}
	return t, nil
}

// Start transitions CREATED -> RUNNING.
func (s *Store) Start(id string) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		StateRunning, time.Now().UTC(), id, StateCreated,
	)
	if err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return s.checkAffected(res, id, "start")
}

// UpdateProgress records progress while RUNNING. Progress must be
// monotonically non-decreasing; regressions and updates on non-running
// tasks are rejected.
func (s *Store) UpdateProgress(id string, pct float64, message string) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("%w: progress %.2f out of range", ErrInvalidTransition, pct)
	}
	res, err := s.db.Exec(
		`UPDATE tasks SET progress = ?, message = ?, updated_at = ?
		 WHERE id = ? AND state = ? AND progress <= ?`,
		pct, message, time.Now().UTC(), id, StateRunning, pct,
	)
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}
	return s.checkAffected(res, id, "update progress of")
}

// Complete transitions RUNNING -> COMPLETED and freezes progress at 100.
func (s *Store) Complete(id, result string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE tasks SET state = ?, progress = 100, result = ?, updated_at = ?, terminal_at = ?
		 WHERE id = ? AND state = ?`,
		StateCompleted, result, now, now, id, StateRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	return s.checkAffected(res, id, "complete")
}

// Fail transitions CREATED or RUNNING -> FAILED.
func (s *Store) Fail(id, errMsg string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE tasks SET state = ?, error = ?, updated_at = ?, terminal_at = ?
		 WHERE id = ? AND state IN (?, ?)`,
		StateFailed, errMsg, now, now, id, StateCreated, StateRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to fail task: %w", err)
	}
	return s.checkAffected(res, id, "fail")
}

// Cancel marks a non-terminal task CANCELED. Cancellation is
// cooperative: it stops future progress updates and subscriber
// delivery, but does not abort in-flight engine calls.
func (s *Store) Cancel(id string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE tasks SET state = ?, updated_at = ?, terminal_at = ?
		 WHERE id = ? AND state IN (?, ?)`,
		StateCanceled, now, now, id, StateCreated, StateRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	return s.checkAffected(res, id, "cancel")
}

// ReapTerminal deletes terminal tasks older than the grace window and
// returns how many were removed.
func (s *Store) ReapTerminal(grace time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-grace)
	res, err := s.db.Exec(
		`DELETE FROM tasks WHERE terminal_at IS NOT NULL AND terminal_at < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reap tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// checkAffected distinguishes a missing task from an invalid
// transition when a guarded update matched no rows.
func (s *Store) checkAffected(res sql.Result, id, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, getErr := s.Get(id); getErr != nil {
		return getErr
	}
	return fmt.Errorf("%w: cannot %s task %s", ErrInvalidTransition, op, id)
}
