package bridge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/franela/goblin"
)

func TestPool(t *testing.T) {
	g := Goblin(t)

	g.Describe("Submit", func() {
		g.It("runs fn and returns its error", func() {
			p := New(2)
			err := p.Submit(context.Background(), func(ctx context.Context) error {
				return nil
			})
			g.Assert(err).Equal(nil)
		})

		g.It("never runs more than the configured concurrency at once", func() {
			p := New(2)
			var current, max int32

			done := make(chan struct{}, 5)
			for i := 0; i < 5; i++ {
				go func() {
					p.Submit(context.Background(), func(ctx context.Context) error {
						n := atomic.AddInt32(&current, 1)
						for {
							m := atomic.LoadInt32(&max)
							if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
								break
							}
						}
						time.Sleep(10 * time.Millisecond)
						atomic.AddInt32(&current, -1)
						return nil
					})
					done <- struct{}{}
				}()
			}
			for i := 0; i < 5; i++ {
				<-done
			}
			g.Assert(atomic.LoadInt32(&max) <= 2).IsTrue()
		})
	})

	g.Describe("SubmitAll", func() {
		g.It("waits for every job to finish", func() {
			p := New(3)
			var count int32
			err := p.SubmitAll(context.Background(),
				func(ctx context.Context) error { atomic.AddInt32(&count, 1); return nil },
				func(ctx context.Context) error { atomic.AddInt32(&count, 1); return nil },
				func(ctx context.Context) error { atomic.AddInt32(&count, 1); return nil },
			)
			g.Assert(err).Equal(nil)
			g.Assert(atomic.LoadInt32(&count)).Equal(int32(3))
		})
	})
}
