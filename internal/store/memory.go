package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/watchdeer/watchdeer/internal/domain"
)

// Memory is an in-memory Store used by the unit tests. All operations are serialized behind a single mutex, which is
// sufficient to satisfy the atomicity invariants of ListDue without a
// real transactional engine.
type Memory struct {
	mu sync.Mutex

	checks     map[int64]domain.Check
	results    map[int64]domain.Result
	services   map[int64]domain.Service
	nextCheck  int64
	nextResult int64
	nextSvc    int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		checks:   make(map[int64]domain.Check),
		results:  make(map[int64]domain.Result),
		services: make(map[int64]domain.Service),
	}
}

func (m *Memory) ListDue(ctx context.Context, now int64, limit int) ([]domain.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []domain.Check
	for _, c := range m.checks {
		if c.Due(now) {
			due = append(due, c)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].NextCheckTime != due[j].NextCheckTime {
			return due[i].NextCheckTime < due[j].NextCheckTime
		}
		return due[i].ID < due[j].ID
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for i, c := range due {
		c.Status = domain.CheckProcessing
		m.checks[c.ID] = c
		due[i] = c
	}

	return due, nil
}

func (m *Memory) AddResultAndAdvance(ctx context.Context, result domain.Result, checkID int64, nextCheckTime int64) (domain.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.checks[checkID]
	if !ok {
		return domain.Result{}, wrapErr("AddResultAndAdvance", ErrCheckNotFound)
	}

	m.nextResult++
	result.ID = m.nextResult
	result.CheckID = checkID
	m.results[result.ID] = result

	c.Status = domain.CheckIdle
	c.NextCheckTime = nextCheckTime
	m.checks[checkID] = c

	return result, nil
}

func (m *Memory) RecentResults(ctx context.Context, checkID int64, n int) ([]domain.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []domain.Result
	for _, r := range m.results {
		if r.CheckID == checkID {
			all = append(all, r)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt != all[j].CreatedAt {
			return all[i].CreatedAt > all[j].CreatedAt
		}
		return all[i].ID > all[j].ID
	})

	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func (m *Memory) DeleteResultsOlderThan(ctx context.Context, cutoff int64, batchLimit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Never delete the single most recent result for any check: find
	// each check's newest result ID first.
	newestByCheck := make(map[int64]int64)
	for _, r := range m.results {
		cur, ok := newestByCheck[r.CheckID]
		if !ok || r.CreatedAt > m.results[cur].CreatedAt || (r.CreatedAt == m.results[cur].CreatedAt && r.ID > cur) {
			newestByCheck[r.CheckID] = r.ID
		}
	}

	var candidates []domain.Result
	for _, r := range m.results {
		if r.CreatedAt >= cutoff {
			continue
		}
		if newestByCheck[r.CheckID] == r.ID {
			continue
		}
		candidates = append(candidates, r)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	if batchLimit > 0 && len(candidates) > batchLimit {
		candidates = candidates[:batchLimit]
	}

	for _, r := range candidates {
		delete(m.results, r.ID)
	}

	return len(candidates), nil
}

func (m *Memory) ReconcileStuckChecks(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, c := range m.checks {
		if c.Status == domain.CheckProcessing {
			c.Status = domain.CheckIdle
			m.checks[id] = c
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateCheck(ctx context.Context, c domain.Check) (domain.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextCheck++
	c.ID = m.nextCheck
	if c.Status == "" {
		c.Status = domain.CheckIdle
	}
	if c.Data == nil {
		c.Data = json.RawMessage("{}")
	}
	m.checks[c.ID] = c
	return c, nil
}

func (m *Memory) UpdateCheck(ctx context.Context, c domain.Check) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.checks[c.ID]; !ok {
		return wrapErr("UpdateCheck", ErrCheckNotFound)
	}
	m.checks[c.ID] = c
	return nil
}

func (m *Memory) DeleteCheck(ctx context.Context, checkID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.checks[checkID]; !ok {
		return wrapErr("DeleteCheck", ErrCheckNotFound)
	}
	delete(m.checks, checkID)
	for id, r := range m.results {
		if r.CheckID == checkID {
			delete(m.results, id)
		}
	}
	return nil
}

func (m *Memory) GetCheck(ctx context.Context, checkID int64) (domain.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.checks[checkID]
	if !ok {
		return domain.Check{}, wrapErr("GetCheck", ErrCheckNotFound)
	}
	return c, nil
}

func (m *Memory) ListChecks(ctx context.Context) ([]domain.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Check, 0, len(m.checks))
	for _, c := range m.checks {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateService(ctx context.Context, s domain.Service) (domain.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSvc++
	s.ID = m.nextSvc
	m.services[s.ID] = s
	return s, nil
}

func (m *Memory) GetService(ctx context.Context, serviceID int64) (domain.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.services[serviceID]
	if !ok {
		return domain.Service{}, wrapErr("GetService", ErrServiceNotFound)
	}
	return s, nil
}

func (m *Memory) ListServices(ctx context.Context) ([]domain.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Service, 0, len(m.services))
	for _, s := range m.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListChecksByService(ctx context.Context, serviceID int64) ([]domain.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Check
	for _, c := range m.checks {
		if c.ServiceID == serviceID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Close() error { return nil }
