package notifier

import (
	"context"
	"testing"

	. "github.com/franela/goblin"
	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
)

type fakeSink struct {
	messages []string
}

func (f *fakeSink) Notify(ctx context.Context, message string) error {
	f.messages = append(f.messages, message)
	return nil
}

func TestNotifier(t *testing.T) {
	g := Goblin(t)
	log := zap.NewNop()

	g.Describe("OnCheckFailed", func() {
		g.It("renders and forwards a message", func() {
			sink := &fakeSink{}
			n := New(sink, log)
			_, err := n.OnCheckFailed(context.Background(), domain.CheckFailed{
				Check:     domain.Check{ID: 1, Name: "db"},
				OldStatus: domain.StatusPassed,
				NewStatus: domain.StatusFailed,
			})
			g.Assert(err).Equal(nil)
			g.Assert(len(sink.messages)).Equal(1)
		})
	})

	g.Describe("OnServiceStatusChanged", func() {
		g.It("renders and forwards a message", func() {
			sink := &fakeSink{}
			n := New(sink, log)
			_, err := n.OnServiceStatusChanged(context.Background(), domain.ServiceStatusChanged{
				Service:   domain.Service{ID: 1, Name: "api"},
				OldStatus: domain.ServiceStatusPassed,
				NewStatus: domain.ServiceStatusFailed,
			})
			g.Assert(err).Equal(nil)
			g.Assert(len(sink.messages)).Equal(1)
		})
	})
}
