package executor

import (
	"context"
	"encoding/json"
	"testing"

	. "github.com/franela/goblin"
	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
)

func TestCustomSSHExecutor(t *testing.T) {
	g := Goblin(t)
	log := zap.NewNop()

	g.Describe("CustomSSHData.Validate", func() {
		g.It("rejects a mode other than ssh-json", func() {
			g.Assert(CustomSSHData{Mode: "raw", Command: NewCommandSpec("x"), Rules: []ThresholdRule{{}}}.Validate() == nil).IsFalse()
		})

		g.It("rejects an empty command", func() {
			g.Assert(CustomSSHData{Rules: []ThresholdRule{{}}}.Validate() == nil).IsFalse()
		})

		g.It("rejects an empty rule set", func() {
			g.Assert(CustomSSHData{Command: NewCommandSpec("x")}.Validate() == nil).IsFalse()
		})

		g.It("accepts a well-formed definition", func() {
			g.Assert(CustomSSHData{Command: NewCommandSpec("x"), Rules: []ThresholdRule{{}}}.Validate()).Equal(nil)
		})
	})

	g.Describe("CommandSpec", func() {
		g.It("unmarshals a plain string", func() {
			var c CommandSpec
			g.Assert(json.Unmarshal([]byte(`"echo hi"`), &c)).Equal(nil)
			g.Assert(c.String()).Equal("echo hi")
		})

		g.It("unmarshals and shell-quotes an argv list", func() {
			var c CommandSpec
			g.Assert(json.Unmarshal([]byte(`["echo","hi there"]`), &c)).Equal(nil)
			g.Assert(c.String()).Equal(`'echo' 'hi there'`)
		})
	})

	g.Describe("CustomSSHExecutor.Execute", func() {
		g.It("reports configuration_error without attempting a connection", func() {
			data, _ := json.Marshal(CustomSSHData{})
			e := NewCustomSSHExecutor(log)
			out, err := e.Execute(context.Background(), domain.Check{
				Kind: domain.KindCustomSSH, Target: "10.0.0.1", Data: data,
			})
			g.Assert(err).Equal(nil)
			g.Assert(out.Status).Equal(domain.ResultError)
			g.Assert(out.Payload["error_type"]).Equal("configuration_error")
		})
	})
}
