package dblayer

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"
)

var ErrNotFound = errors.New("not found")

// ErrDuplicate matches every *DuplicateError.
var ErrDuplicate = errors.New("duplicate key")

// Unique constraint names from init.sql.
const (
	ConstraintScriptKey      = "uq_id_scripts_key"
	ConstraintScriptName     = "uq_id_scripts_name"
	ConstraintCheckKeyAnswer = "uq_check_requests_key_answer"
	NotifyChannelSolveJobs   = "solve_jobs"
	uniqueViolationSQLSTATE  = "23505"
)

// DuplicateError reports a unique constraint violation and which constraint fired.
type DuplicateError struct {
	Constraint string
	Err        error
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate key violates %s: %v", e.Constraint, e.Err)
}

func (e *DuplicateError) Unwrap() error { return e.Err }

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

//go:embed init.sql
var schemaSQL string

// Store wraps the Postgres connection pool.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects, pings and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates all tables if they don't exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// translate maps driver errors onto the package sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolationSQLSTATE {
		return &DuplicateError{Constraint: pqErr.Constraint, Err: err}
	}
	return err
}

// nullableJSON keeps lib/pq from sending raw bytes as bytea.
func nullableJSON(raw []byte) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}
