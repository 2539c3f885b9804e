package bus

import (
	"context"
	"testing"

	. "github.com/franela/goblin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
)

func TestBus(t *testing.T) {
	g := Goblin(t)

	g.Describe("Dispatch", func() {
		g.It("routes a command to its single handler", func() {
			b := New(zap.NewNop())
			called := false
			b.RegisterCommand("domain.ExecuteChecks", func(ctx context.Context, cmd domain.Command) ([]domain.Message, error) {
				called = true
				return nil, nil
			})

			err := b.Dispatch(context.Background(), domain.ExecuteChecks{})
			g.Assert(err).Equal(nil)
			g.Assert(called).IsTrue()
		})

		g.It("fails fast when no handler is registered for a command", func() {
			b := New(zap.NewNop())
			err := b.Dispatch(context.Background(), domain.ExecuteChecks{})
			g.Assert(err == nil).IsFalse()
		})

		g.It("fans an event out to every listener", func() {
			b := New(zap.NewNop())
			calls := 0
			b.RegisterEvent("domain.CheckFailed", func(ctx context.Context, evt domain.Event) ([]domain.Message, error) {
				calls++
				return nil, nil
			})
			b.RegisterEvent("domain.CheckFailed", func(ctx context.Context, evt domain.Event) ([]domain.Message, error) {
				calls++
				return nil, nil
			})

			err := b.Dispatch(context.Background(), domain.CheckFailed{})
			g.Assert(err).Equal(nil)
			g.Assert(calls).Equal(2)
		})

		g.It("does not let one failing listener block its siblings", func() {
			b := New(zap.NewNop())
			secondRan := false
			b.RegisterEvent("domain.CheckFailed", func(ctx context.Context, evt domain.Event) ([]domain.Message, error) {
				return nil, errors.New("boom")
			})
			b.RegisterEvent("domain.CheckFailed", func(ctx context.Context, evt domain.Event) ([]domain.Message, error) {
				secondRan = true
				return nil, nil
			})

			err := b.Dispatch(context.Background(), domain.CheckFailed{})
			g.Assert(err).Equal(nil)
			g.Assert(secondRan).IsTrue()
		})

		g.It("drains messages a handler raises as a side effect", func() {
			b := New(zap.NewNop())
			eventSeen := false
			b.RegisterCommand("domain.ExecuteChecks", func(ctx context.Context, cmd domain.Command) ([]domain.Message, error) {
				return []domain.Message{domain.CheckFailed{}}, nil
			})
			b.RegisterEvent("domain.CheckFailed", func(ctx context.Context, evt domain.Event) ([]domain.Message, error) {
				eventSeen = true
				return nil, nil
			})

			err := b.Dispatch(context.Background(), domain.ExecuteChecks{})
			g.Assert(err).Equal(nil)
			g.Assert(eventSeen).IsTrue()
		})
	})
}
