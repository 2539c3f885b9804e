// Package handler implements the bus-facing side of check execution:
// ExecuteChecks fans a batch out to the runner, persists one Result per
// outcome, and raises CheckFailed/ServiceStatusChanged whenever a
// check's or service's derived status actually changes. Grounded on
// nyxmon's service_layer execute_checks handler, generalized past its
// skeletal form to the full persist-then-compare-then-raise sequence
// spec.md §4.F describes.
package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
	"github.com/watchdeer/watchdeer/internal/runner"
	"github.com/watchdeer/watchdeer/internal/store"
)

func marshalPayload(payload map[string]interface{}) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(payload)
}

// Handlers wires a Runner and Store into bus.CommandHandler /
// bus.EventListener functions ready to register.
type Handlers struct {
	store  store.Store
	runner *runner.Runner
	log    *zap.Logger
}

func New(s store.Store, r *runner.Runner, log *zap.Logger) *Handlers {
	return &Handlers{store: s, runner: r, log: log}
}

// ExecuteChecks runs cmd.Checks through the runner, persists each
// outcome, and returns the events raised by any status transitions it
// observes. It never returns an error for a single check's failure,
// and an outcome that cannot be persisted (for example because the
// store is unreachable) is logged and skipped while the rest of the
// batch carries on. The only error it returns is for a command that is
// not an ExecuteChecks.
func (h *Handlers) ExecuteChecks(ctx context.Context, cmd domain.Command) ([]domain.Message, error) {
	ec, ok := cmd.(domain.ExecuteChecks)
	if !ok {
		return nil, errors.Errorf("handler.ExecuteChecks received unexpected command type %T", cmd)
	}

	outcomes := h.runner.RunBatch(ctx, ec.Checks)

	var raised []domain.Message
	for _, outcome := range outcomes {
		events, err := h.persistOne(ctx, outcome, ec.Now)
		if err != nil {
			h.log.Error("failed to persist check outcome",
				zap.Int64("check_id", outcome.Check.ID), zap.Error(err))
			continue
		}
		raised = append(raised, events...)
	}
	return raised, nil
}

// persistOne inserts one Result, advances the check's schedule, and
// compares the check's DerivedCheckStatus before and after the insert
// to decide whether CheckFailed and/or ServiceStatusChanged should be
// raised. now is the batch's dispatch time, not the check's own
// pre-execution NextCheckTime — an overdue check must still be
// rescheduled interval_seconds out from the present, not from however
// far in the past it fell due.
func (h *Handlers) persistOne(ctx context.Context, outcome runner.Outcome, now int64) ([]domain.Message, error) {
	check := outcome.Check

	before, err := h.store.RecentResults(ctx, check.ID, domain.DerivedCheckStatusWindow)
	if err != nil {
		return nil, errors.Wrap(err, "loading prior results")
	}
	oldStatus := domain.DeriveCheckStatus(before)

	payloadJSON, err := marshalPayload(outcome.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling result payload")
	}

	result := domain.Result{
		CheckID:   check.ID,
		Status:    outcome.Status,
		Payload:   payloadJSON,
		CreatedAt: time.Now().Unix(),
	}

	nextCheckTime := now + check.IntervalSeconds

	inserted, err := h.store.AddResultAndAdvance(ctx, result, check.ID, nextCheckTime)
	if err != nil {
		return nil, errors.Wrap(err, "persisting result")
	}

	after, err := h.store.RecentResults(ctx, check.ID, domain.DerivedCheckStatusWindow)
	if err != nil {
		return nil, errors.Wrap(err, "loading updated results")
	}
	newStatus := domain.DeriveCheckStatus(after)

	if newStatus == oldStatus {
		return nil, nil
	}

	var events []domain.Message
	if newStatus == domain.StatusFailed {
		events = append(events, domain.CheckFailed{
			Check:     check,
			OldStatus: oldStatus,
			NewStatus: newStatus,
			Latest:    inserted,
		})
	}

	serviceEvent, err := h.serviceStatusEvent(ctx, check, oldStatus, newStatus)
	if err != nil {
		h.log.Warn("failed to recompute service status", zap.Int64("service_id", check.ServiceID), zap.Error(err))
	} else if serviceEvent != nil {
		events = append(events, *serviceEvent)
	}

	return events, nil
}

// serviceStatusEvent recomputes a service's DerivedServiceStatus using
// every sibling check's current status, substituting changedOld for
// changedCheck's own contribution to reconstruct what the aggregate
// was immediately before this run — every other check's status is
// unchanged since its own last observation, so its current value
// doubles as its prior value.
func (h *Handlers) serviceStatusEvent(ctx context.Context, changedCheck domain.Check, changedOld, changedNew domain.DerivedCheckStatus) (*domain.ServiceStatusChanged, error) {
	svc, err := h.store.GetService(ctx, changedCheck.ServiceID)
	if err != nil {
		return nil, err
	}

	checks, err := h.store.ListChecksByService(ctx, changedCheck.ServiceID)
	if err != nil {
		return nil, err
	}

	var statuses, priorStatuses []domain.DerivedCheckStatus
	for _, c := range checks {
		if c.ID == changedCheck.ID {
			statuses = append(statuses, changedNew)
			priorStatuses = append(priorStatuses, changedOld)
			continue
		}
		recent, err := h.store.RecentResults(ctx, c.ID, domain.DerivedCheckStatusWindow)
		if err != nil {
			return nil, err
		}
		s := domain.DeriveCheckStatus(recent)
		statuses = append(statuses, s)
		priorStatuses = append(priorStatuses, s)
	}

	newStatus := domain.DeriveServiceStatus(statuses)
	oldStatus := domain.DeriveServiceStatus(priorStatuses)
	if newStatus == oldStatus {
		return nil, nil
	}

	return &domain.ServiceStatusChanged{
		Service:   svc,
		OldStatus: oldStatus,
		NewStatus: newStatus,
	}, nil
}
