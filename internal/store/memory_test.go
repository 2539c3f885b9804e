package store

import (
	"context"
	"sync"
	"testing"

	. "github.com/franela/goblin"

	"github.com/watchdeer/watchdeer/internal/domain"
)

func TestMemoryStore(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()

	g.Describe("Memory.ListDue", func() {
		g.It("never returns a disabled check", func() {
			m := NewMemory()
			c, _ := m.CreateCheck(ctx, domain.Check{Name: "a", Kind: domain.KindHTTP, Disabled: true, NextCheckTime: 0})

			due, err := m.ListDue(ctx, 1000, 10)
			g.Assert(err).Equal(nil)
			for _, d := range due {
				g.Assert(d.ID == c.ID).IsFalse()
			}
		})

		g.It("transitions selected checks to processing and excludes them from a second call", func() {
			m := NewMemory()
			c, _ := m.CreateCheck(ctx, domain.Check{Name: "a", Kind: domain.KindHTTP, NextCheckTime: 0})

			first, _ := m.ListDue(ctx, 1000, 10)
			g.Assert(len(first)).Equal(1)
			g.Assert(first[0].Status).Equal(domain.CheckProcessing)

			second, _ := m.ListDue(ctx, 1000, 10)
			g.Assert(len(second)).Equal(0)

			got, _ := m.GetCheck(ctx, c.ID)
			g.Assert(got.Status).Equal(domain.CheckProcessing)
		})

		g.It("returns disjoint sets for concurrent callers", func() {
			m := NewMemory()
			for i := 0; i < 20; i++ {
				m.CreateCheck(ctx, domain.Check{Name: "a", Kind: domain.KindHTTP, NextCheckTime: 0})
			}

			var wg sync.WaitGroup
			results := make([][]domain.Check, 4)
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					batch, _ := m.ListDue(ctx, 1000, 5)
					results[i] = batch
				}(i)
			}
			wg.Wait()

			seen := map[int64]bool{}
			total := 0
			for _, batch := range results {
				for _, c := range batch {
					g.Assert(seen[c.ID]).IsFalse()
					seen[c.ID] = true
					total++
				}
			}
			g.Assert(total).Equal(20)
		})

		g.It("orders by next_check_time then check_id", func() {
			m := NewMemory()
			c2, _ := m.CreateCheck(ctx, domain.Check{Name: "b", Kind: domain.KindHTTP, NextCheckTime: 5})
			c1, _ := m.CreateCheck(ctx, domain.Check{Name: "a", Kind: domain.KindHTTP, NextCheckTime: 1})

			due, _ := m.ListDue(ctx, 1000, 10)
			g.Assert(due[0].ID).Equal(c1.ID)
			g.Assert(due[1].ID).Equal(c2.ID)
		})
	})

	g.Describe("Memory.AddResultAndAdvance", func() {
		g.It("makes the result immediately visible via RecentResults", func() {
			m := NewMemory()
			c, _ := m.CreateCheck(ctx, domain.Check{Name: "a", Kind: domain.KindHTTP, NextCheckTime: 0})
			m.ListDue(ctx, 1000, 10)

			_, err := m.AddResultAndAdvance(ctx, domain.Result{Status: domain.ResultOK, CreatedAt: 1000}, c.ID, 1060)
			g.Assert(err).Equal(nil)

			recent, _ := m.RecentResults(ctx, c.ID, 1)
			g.Assert(len(recent)).Equal(1)
			g.Assert(recent[0].Status).Equal(domain.ResultOK)

			got, _ := m.GetCheck(ctx, c.ID)
			g.Assert(got.Status).Equal(domain.CheckIdle)
			g.Assert(got.NextCheckTime).Equal(int64(1060))
		})
	})

	g.Describe("Memory.DeleteResultsOlderThan", func() {
		g.It("never deletes the single most recent result for a check", func() {
			m := NewMemory()
			c, _ := m.CreateCheck(ctx, domain.Check{Name: "a", Kind: domain.KindHTTP})
			m.AddResultAndAdvance(ctx, domain.Result{Status: domain.ResultOK, CreatedAt: 1}, c.ID, 0)

			deleted, _ := m.DeleteResultsOlderThan(ctx, 999999, 1000)
			g.Assert(deleted).Equal(0)

			recent, _ := m.RecentResults(ctx, c.ID, 5)
			g.Assert(len(recent)).Equal(1)
		})

		g.It("respects the batch limit", func() {
			m := NewMemory()
			c, _ := m.CreateCheck(ctx, domain.Check{Name: "a", Kind: domain.KindHTTP})
			for i := 0; i < 20; i++ {
				m.AddResultAndAdvance(ctx, domain.Result{Status: domain.ResultOK, CreatedAt: int64(i)}, c.ID, 0)
			}

			deleted, _ := m.DeleteResultsOlderThan(ctx, 1000, 5)
			g.Assert(deleted).Equal(5)
		})
	})

	g.Describe("Memory.ReconcileStuckChecks", func() {
		g.It("resets processing checks to idle", func() {
			m := NewMemory()
			c, _ := m.CreateCheck(ctx, domain.Check{Name: "a", Kind: domain.KindHTTP, NextCheckTime: 0})
			m.ListDue(ctx, 1000, 10)

			n, _ := m.ReconcileStuckChecks(ctx)
			g.Assert(n).Equal(1)

			got, _ := m.GetCheck(ctx, c.ID)
			g.Assert(got.Status).Equal(domain.CheckIdle)
		})
	})
}
