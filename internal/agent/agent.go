// Package agent wires every long-lived component together and owns the
// process lifecycle: startup reconciliation, starting the scheduler and
// cleaner, and a graceful shutdown when the context is canceled.
package agent

import (
	"context"
	"time"

	"github.com/jasonlvhit/gocron"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/bus"
	"github.com/watchdeer/watchdeer/internal/cleaner"
	"github.com/watchdeer/watchdeer/internal/handler"
	"github.com/watchdeer/watchdeer/internal/notifier"
	"github.com/watchdeer/watchdeer/internal/runner"
	"github.com/watchdeer/watchdeer/internal/scheduler"
	"github.com/watchdeer/watchdeer/internal/store"
)

// DefaultShutdownGrace bounds how long Run waits, after ctx is
// canceled, for the gocron loop to accept its stop signal.
const DefaultShutdownGrace = 30 * time.Second

// Options configures the agent's long-lived loops.
type Options struct {
	PollIntervalSeconds     uint64
	CleanupIntervalSeconds  uint64
	RetentionPeriodSeconds  int64
	BatchSize               int
	DisableCleaner          bool
	RunnerConcurrency       int
	ShutdownGrace           time.Duration
	NotifySink              notifier.Sink
}

// Agent owns every component started by cmd/watchdeer.
type Agent struct {
	store store.Store
	bus   *bus.Bus
	log   *zap.Logger
	opts  Options
}

// New builds an Agent. It does not start anything yet; call Run.
func New(s store.Store, log *zap.Logger, opts Options) *Agent {
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.NotifySink == nil {
		opts.NotifySink = notifier.NewLoggingSink(log)
	}
	return &Agent{store: s, bus: bus.New(log), log: log, opts: opts}
}

// Run reconciles any checks stuck in CheckProcessing from a previous
// crash, wires the handler/notifier onto the bus, registers the
// scheduler and cleaner, and blocks until ctx is canceled. On
// cancellation it signals the gocron loop to stop, waiting at most
// ShutdownGrace for that signal to be accepted, clears every job and
// returns. It does not wait for ExecuteChecks batches already
// dispatched; those keep running with the canceled ctx.
func (a *Agent) Run(ctx context.Context) error {
	reconciled, err := a.store.ReconcileStuckChecks(ctx)
	if err != nil {
		return errors.Wrap(err, "reconciling stuck checks at startup")
	}
	if reconciled > 0 {
		a.log.Warn("reconciled checks stuck in processing from a previous run", zap.Int("count", reconciled))
	}

	r := runner.New(a.log.Named("runner"), a.opts.RunnerConcurrency)
	h := handler.New(a.store, r, a.log)
	a.bus.RegisterCommand("domain.ExecuteChecks", h.ExecuteChecks)

	n := notifier.New(a.opts.NotifySink, a.log.Named("notifier"))
	a.bus.RegisterEvent("domain.CheckFailed", n.OnCheckFailed)
	a.bus.RegisterEvent("domain.ServiceStatusChanged", n.OnServiceStatusChanged)

	sched := scheduler.New(a.store, a.bus, a.log.Named("scheduler"), a.opts.PollIntervalSeconds, a.opts.BatchSize)
	if err := sched.Register(ctx); err != nil {
		return errors.Wrap(err, "registering scheduler")
	}

	if !a.opts.DisableCleaner {
		cl := cleaner.New(a.store, a.log.Named("cleaner"), a.opts.CleanupIntervalSeconds, a.opts.RetentionPeriodSeconds, a.opts.BatchSize)
		if err := cl.Register(ctx); err != nil {
			return errors.Wrap(err, "registering cleaner")
		}
	}

	stop := gocron.Start()
	a.log.Info("agent started")

	<-ctx.Done()
	a.log.Info("shutdown requested, stopping scheduler", zap.Duration("grace", a.opts.ShutdownGrace))

	select {
	case stop <- true:
	case <-time.After(a.opts.ShutdownGrace):
		a.log.Warn("shutdown grace period elapsed before scheduler acknowledged stop")
	}
	gocron.Clear()

	return nil
}
