// Package runner executes a batch of due checks concurrently and
// reports one outcome per check it runs, adapting nyxmon's AsyncCheckRunner
// (task-group + bounded memory stream) to a worker-pool-and-channels
// shape per the collapsed sync/async bridge design: the contract that
// matters is bounded concurrency and one outcome per check, not the
// literal mechanism producing it.
package runner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/watchdeer/watchdeer/internal/domain"
	"github.com/watchdeer/watchdeer/internal/executor"
)

// DefaultConcurrency bounds how many checks run at once within a
// batch, independent of how many checks the scheduler handed the
// runner. Mirrors nyxmon's max_buffer_size=100 pre-check gate, sized
// down since Go goroutines are cheap but outbound connections
// (SMTP/IMAP/SSH) are not something we want unbounded.
const DefaultConcurrency = 32

// Outcome pairs a check with the result of running it.
type Outcome struct {
	Check   domain.Check
	Status  domain.ResultStatus
	Payload map[string]interface{}
	Err     error
}

// Runner executes batches of checks against a shared, per-batch
// executor.Registry.
type Runner struct {
	log         *zap.Logger
	concurrency int64
}

// New builds a Runner with the given concurrency bound. A
// non-positive value falls back to DefaultConcurrency.
func New(log *zap.Logger, concurrency int) *Runner {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Runner{log: log, concurrency: int64(concurrency)}
}

// RunBatch executes every check in checks, dispatching each to its
// kind's Executor via a freshly built Registry scoped to this batch.
// The Registry is closed in every exit path once every check has
// finished. On ctx cancellation, checks still waiting for a
// concurrency slot are never started and get no Outcome; checks
// already running receive the canceled ctx, and RunBatch waits for
// them and returns only their outcomes, in input order.
func (r *Runner) RunBatch(ctx context.Context, checks []domain.Check) []Outcome {
	if len(checks) == 0 {
		return nil
	}

	registry := executor.NewRegistry(checks, r.log)
	defer func() {
		if err := registry.CloseAll(); err != nil {
			r.log.Warn("error closing executor registry", zap.Error(err))
		}
	}()

	sem := semaphore.NewWeighted(r.concurrency)
	outcomes := make([]Outcome, len(checks))
	started := make([]bool, len(checks))

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i, check := range checks {
			if err := sem.Acquire(ctx, 1); err != nil {
				continue
			}
			started[i] = true
			wg.Add(1)
			go func(i int, check domain.Check) {
				defer wg.Done()
				defer sem.Release(1)
				outcomes[i] = r.runOne(ctx, registry, check)
			}(i, check)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		<-done
	}

	completed := outcomes[:0]
	for i, o := range outcomes {
		if started[i] {
			completed = append(completed, o)
		}
	}
	return completed
}

func (r *Runner) runOne(ctx context.Context, registry *executor.Registry, check domain.Check) Outcome {
	exec, err := registry.Lookup(check.Kind)
	if err != nil {
		r.log.Warn("unknown check kind", zap.String("kind", string(check.Kind)), zap.Int64("check_id", check.ID))
		return Outcome{
			Check:  check,
			Status: domain.ResultError,
			Payload: map[string]interface{}{
				"error_type": "unknown_kind",
				"kind":       string(check.Kind),
			},
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	out, err := exec.Execute(runCtx, check)
	if err != nil {
		r.log.Error("executor returned an unexpected error",
			zap.Int64("check_id", check.ID), zap.String("kind", string(check.Kind)), zap.Error(err))
		return Outcome{
			Check:  check,
			Status: domain.ResultError,
			Payload: map[string]interface{}{
				"error_type": "executor_error",
				"error_msg":  err.Error(),
			},
			Err: err,
		}
	}

	return Outcome{Check: check, Status: out.Status, Payload: out.Payload}
}

const checkTimeout = 30 * time.Second
