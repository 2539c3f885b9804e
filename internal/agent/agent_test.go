package agent

import (
	"context"
	"testing"
	"time"

	. "github.com/franela/goblin"
	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
	"github.com/watchdeer/watchdeer/internal/store"
)

func TestAgent(t *testing.T) {
	g := Goblin(t)

	g.Describe("Run", func() {
		g.It("reconciles stuck checks then returns once the context is canceled", func() {
			s := store.NewMemory()
			stuck, _ := s.CreateCheck(context.Background(), domain.Check{
				Name: "stuck", Kind: domain.KindHTTP, Status: domain.CheckProcessing,
			})
			log := zap.NewNop()
			a := New(s, log, Options{
				PollIntervalSeconds:    1,
				CleanupIntervalSeconds: 3600,
				ShutdownGrace:          200 * time.Millisecond,
			})

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			err := a.Run(ctx)
			g.Assert(err).Equal(nil)

			got, err := s.GetCheck(context.Background(), stuck.ID)
			g.Assert(err).Equal(nil)
			g.Assert(got.Status).Equal(domain.CheckIdle)
		})
	})
}
