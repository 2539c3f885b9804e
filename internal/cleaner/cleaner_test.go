package cleaner

import (
	"context"
	"testing"

	. "github.com/franela/goblin"
	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
	"github.com/watchdeer/watchdeer/internal/store"
)

func TestCleaner(t *testing.T) {
	g := Goblin(t)
	log := zap.NewNop()

	g.Describe("tick", func() {
		g.It("deletes results older than the retention window, in batches, but keeps the newest per check", func() {
			s := store.NewMemory()
			ctx := context.Background()
			c, _ := s.CreateCheck(ctx, domain.Check{Name: "a", Kind: domain.KindHTTP})

			base := currentUnix() - 1000000
			for i := 0; i < 25; i++ {
				s.AddResultAndAdvance(ctx, domain.Result{Status: domain.ResultOK, CreatedAt: base + int64(i)}, c.ID, 0)
			}

			cl := New(s, log, 3600, 1, 10)
			cl.tick(ctx)

			recent, _ := s.RecentResults(ctx, c.ID, 100)
			g.Assert(len(recent)).Equal(1)
		})
	})
}
