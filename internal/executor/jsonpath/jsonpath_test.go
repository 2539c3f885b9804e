package jsonpath

import (
	"encoding/json"
	"testing"

	. "github.com/franela/goblin"
)

func TestResolve(t *testing.T) {
	g := Goblin(t)

	var doc interface{}
	json.Unmarshal([]byte(`{
		"status": "ok",
		"metrics": {"cpu": 42.5, "disk": {"used_pct": 88}},
		"items": [{"value": 1}, {"value": 2}]
	}`), &doc)

	g.Describe("Resolve", func() {
		g.It("returns the whole payload for $", func() {
			g.Assert(Resolve(doc, "$")).Equal(doc)
		})

		g.It("resolves a top-level field", func() {
			g.Assert(Resolve(doc, "$.status")).Equal("ok")
		})

		g.It("resolves a nested field", func() {
			g.Assert(Resolve(doc, "$.metrics.disk.used_pct")).Equal(float64(88))
		})

		g.It("resolves a dotted array index", func() {
			g.Assert(Resolve(doc, "$.items.0.value")).Equal(float64(1))
		})

		g.It("resolves a bracketed array index", func() {
			g.Assert(Resolve(doc, "$.items[1].value")).Equal(float64(2))
		})

		g.It("returns nil for a missing field", func() {
			g.Assert(Resolve(doc, "$.nope")).Equal(nil)
		})

		g.It("returns nil for an out-of-range index", func() {
			g.Assert(Resolve(doc, "$.items[5].value")).Equal(nil)
		})

		g.It("returns nil when indexing into a non-array", func() {
			g.Assert(Resolve(doc, "$.status.0")).Equal(nil)
		})
	})
}
