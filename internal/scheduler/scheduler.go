// Package scheduler drives the poll loop that finds due checks and
// dispatches them onto the bus. Grounded on ohdeer's deer.Runner, which
// registers one gocron job per configured interval and lets the shared
// package-level gocron scheduler tick them; here there is exactly one
// job (poll for due checks) instead of one job per monitored service.
package scheduler

import (
	"context"
	"time"

	"github.com/jasonlvhit/gocron"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/bridge"
	"github.com/watchdeer/watchdeer/internal/bus"
	"github.com/watchdeer/watchdeer/internal/domain"
	"github.com/watchdeer/watchdeer/internal/store"
)

// DefaultPollIntervalSeconds is used when the CLI does not override it.
const DefaultPollIntervalSeconds = 5

// DefaultBatchLimit bounds how many checks one poll tick claims via
// Store.ListDue, independent of the runner's own concurrency bound.
const DefaultBatchLimit = 200

// DefaultDispatchConcurrency bounds how many ExecuteChecks dispatches
// the scheduler hands to the bus at once. gocron's RunPending calls
// every registered job's function from the same goroutine, so tick
// itself must never block on the batch it just found; the dispatch is
// handed to this pool from its own goroutine instead.
const DefaultDispatchConcurrency = 4

// Scheduler polls Store.ListDue on a fixed interval and dispatches an
// ExecuteChecks command for whatever it finds. The dispatch itself runs
// on bridge.Pool so a slow batch never blocks the gocron goroutine the
// poll tick runs on.
type Scheduler struct {
	store        store.Store
	bus          *bus.Bus
	log          *zap.Logger
	batchLimit   int
	pollInterval uint64
	pool         *bridge.Pool
}

// New builds a Scheduler with the given poll interval in seconds.
func New(s store.Store, b *bus.Bus, log *zap.Logger, pollIntervalSeconds uint64, batchLimit int) *Scheduler {
	if pollIntervalSeconds == 0 {
		pollIntervalSeconds = DefaultPollIntervalSeconds
	}
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}
	return &Scheduler{
		store: s, bus: b, log: log,
		batchLimit: batchLimit, pollInterval: pollIntervalSeconds,
		pool: bridge.New(DefaultDispatchConcurrency),
	}
}

// Register schedules the poll tick on the shared gocron scheduler.
// Callers must call gocron.Start() once after every Register call
// (scheduler, cleaner, ...) has been made.
func (s *Scheduler) Register(ctx context.Context) error {
	err := gocron.Every(s.pollInterval).Seconds().Do(s.tick, ctx)
	if err != nil {
		return errors.Wrap(err, "registering poll job")
	}
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	now := time.Now().Unix()
	due, err := s.store.ListDue(ctx, now, s.batchLimit)
	if err != nil {
		s.log.Error("failed to list due checks", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	s.log.Debug("dispatching due checks", zap.Int("count", len(due)))
	go func() {
		cmd := domain.ExecuteChecks{Checks: due, Now: now}
		if err := s.pool.Submit(ctx, func(ctx context.Context) error {
			return s.bus.Dispatch(ctx, cmd)
		}); err != nil {
			s.log.Error("failed to dispatch ExecuteChecks", zap.Error(err))
		}
	}()
}
