// Package store defines the persistence boundary for the check-execution
// engine (spec.md §4.A) and provides swappable implementations: an
// in-memory store for tests, an embedded SQLite store, and a Postgres
// store, selected by the DSN passed to Open.
package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/watchdeer/watchdeer/internal/domain"
)

// StoreError wraps any persistence failure. Callers must surface it,
// never swallow it (spec.md §4.A Failure semantics).
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "store: " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: errors.WithStack(err)}
}

// Store is the persistence contract every backend must satisfy
// identically (spec.md §4.A).
type Store interface {
	// ListDue atomically selects checks that are due, transitions them
	// to CheckProcessing, and returns them ordered by ascending
	// NextCheckTime then ID. Two concurrent calls never return
	// overlapping checks.
	ListDue(ctx context.Context, now int64, limit int) ([]domain.Check, error)

	// AddResultAndAdvance appends result and advances the owning
	// check's schedule in one logical unit: status becomes
	// CheckIdle and NextCheckTime becomes nextCheckTime. An observer
	// never sees one write without the other.
	AddResultAndAdvance(ctx context.Context, result domain.Result, checkID int64, nextCheckTime int64) (domain.Result, error)

	// RecentResults returns up to n results for checkID, newest first.
	RecentResults(ctx context.Context, checkID int64, n int) ([]domain.Result, error)

	// DeleteResultsOlderThan deletes at most batchLimit results with
	// CreatedAt < cutoff, never deleting the single most recent result
	// for any check. Returns the number of rows deleted.
	DeleteResultsOlderThan(ctx context.Context, cutoff int64, batchLimit int) (int, error)

	// ReconcileStuckChecks resets every check with CheckProcessing
	// status back to CheckIdle. Run once at agent startup (spec.md §7).
	ReconcileStuckChecks(ctx context.Context) (int, error)

	// CRUD for the external UI (spec.md §4.A).
	CreateCheck(ctx context.Context, c domain.Check) (domain.Check, error)
	UpdateCheck(ctx context.Context, c domain.Check) error
	DeleteCheck(ctx context.Context, checkID int64) error
	GetCheck(ctx context.Context, checkID int64) (domain.Check, error)
	ListChecks(ctx context.Context) ([]domain.Check, error)

	CreateService(ctx context.Context, s domain.Service) (domain.Service, error)
	GetService(ctx context.Context, serviceID int64) (domain.Service, error)
	ListServices(ctx context.Context) ([]domain.Service, error)
	ListChecksByService(ctx context.Context, serviceID int64) ([]domain.Check, error)

	Close() error
}

// ErrCheckNotFound is returned by GetCheck/UpdateCheck/DeleteCheck when
// no row matches.
var ErrCheckNotFound = errors.New("check not found")

// ErrServiceNotFound is returned by GetService when no row matches.
var ErrServiceNotFound = errors.New("service not found")
