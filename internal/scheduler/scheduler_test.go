package scheduler

import (
	"context"
	"testing"
	"time"

	. "github.com/franela/goblin"
	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/bus"
	"github.com/watchdeer/watchdeer/internal/domain"
	"github.com/watchdeer/watchdeer/internal/store"
)

func TestScheduler(t *testing.T) {
	g := Goblin(t)
	log := zap.NewNop()

	g.Describe("tick", func() {
		g.It("dispatches ExecuteChecks for due checks, without blocking the caller", func() {
			g.Timeout(2 * time.Second)

			s := store.NewMemory()
			ctx := context.Background()
			c, _ := s.CreateCheck(ctx, domain.Check{Name: "a", Kind: domain.KindHTTP, NextCheckTime: 0})

			b := bus.New(log)
			dispatched := make(chan domain.ExecuteChecks, 1)
			b.RegisterCommand("domain.ExecuteChecks", func(ctx context.Context, cmd domain.Command) ([]domain.Message, error) {
				dispatched <- cmd.(domain.ExecuteChecks)
				return nil, nil
			})

			sched := New(s, b, log, 5, 10)
			before := time.Now().Unix()
			sched.tick(ctx)

			select {
			case ec := <-dispatched:
				g.Assert(len(ec.Checks)).Equal(1)
				g.Assert(ec.Checks[0].ID).Equal(c.ID)
				g.Assert(ec.Now >= before).IsTrue()
			case <-time.After(time.Second):
				t.Fatal("expected tick to dispatch ExecuteChecks within 1s")
			}
		})

		g.It("does not dispatch when nothing is due", func() {
			s := store.NewMemory()
			ctx := context.Background()
			b := bus.New(log)
			called := make(chan struct{}, 1)
			b.RegisterCommand("domain.ExecuteChecks", func(ctx context.Context, cmd domain.Command) ([]domain.Message, error) {
				called <- struct{}{}
				return nil, nil
			})

			sched := New(s, b, log, 5, 10)
			sched.tick(ctx)

			select {
			case <-called:
				t.Fatal("did not expect a dispatch when nothing is due")
			case <-time.After(100 * time.Millisecond):
			}
		})
	})
}
