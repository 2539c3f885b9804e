package seed

import (
	"context"
	"testing"

	. "github.com/franela/goblin"

	"github.com/watchdeer/watchdeer/internal/domain"
	"github.com/watchdeer/watchdeer/internal/store"
)

const sample = `
service "api" {
  name = "Public API"

  check "homepage" {
    kind             = "http"
    target           = "https://example.com"
    interval_seconds = 30
  }

  check "resolves" {
    kind             = "dns"
    target           = "example.com"
    interval_seconds = 60
    data             = "{\"expected_ips\":[\"93.184.216.34\"]}"
  }
}
`

func TestSeed(t *testing.T) {
	g := Goblin(t)

	g.Describe("Parse", func() {
		g.It("decodes a well-formed seed file", func() {
			cfg, err := Parse("sample.hcl", []byte(sample))
			g.Assert(err).Equal(nil)
			g.Assert(len(cfg.Services)).Equal(1)
			g.Assert(len(cfg.Services[0].Check)).Equal(2)
		})

		g.It("rejects a check with an unknown kind", func() {
			bad := `
service "api" {
  name = "Public API"
  check "ping" {
    kind             = "ping"
    target           = "example.com"
    interval_seconds = 30
  }
}
`
			_, err := Parse("bad.hcl", []byte(bad))
			g.Assert(err == nil).IsFalse()
		})

		g.It("rejects a check with a zero interval", func() {
			bad := `
service "api" {
  name = "Public API"
  check "homepage" {
    kind             = "http"
    target           = "https://example.com"
    interval_seconds = 0
  }
}
`
			_, err := Parse("bad.hcl", []byte(bad))
			g.Assert(err == nil).IsFalse()
		})
	})

	g.Describe("Apply", func() {
		g.It("creates a service and its checks", func() {
			cfg, err := Parse("sample.hcl", []byte(sample))
			g.Assert(err).Equal(nil)

			s := store.NewMemory()
			ctx := context.Background()
			g.Assert(Apply(ctx, s, cfg)).Equal(nil)

			services, _ := s.ListServices(ctx)
			g.Assert(len(services)).Equal(1)

			checks, _ := s.ListChecksByService(ctx, services[0].ID)
			g.Assert(len(checks)).Equal(2)
		})

		g.It("reuses an existing service with the same name", func() {
			cfg, _ := Parse("sample.hcl", []byte(sample))
			s := store.NewMemory()
			ctx := context.Background()
			existing, _ := s.CreateService(ctx, domain.Service{Name: "Public API"})

			g.Assert(Apply(ctx, s, cfg)).Equal(nil)

			services, _ := s.ListServices(ctx)
			g.Assert(len(services)).Equal(1)
			g.Assert(services[0].ID).Equal(existing.ID)
		})
	})
}
