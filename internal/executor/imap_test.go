package executor

import (
	"context"
	"encoding/json"
	"testing"

	. "github.com/franela/goblin"
	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
)

func TestIMAPExecutor(t *testing.T) {
	g := Goblin(t)
	log := zap.NewNop()

	g.Describe("IMAPExecutor.Execute", func() {
		g.It("reports configuration_error when search_subject or username is missing", func() {
			data, _ := json.Marshal(IMAPData{Username: "probe@watchdeer.dev"})
			e := NewIMAPExecutor(log)
			out, err := e.Execute(context.Background(), domain.Check{
				Kind: domain.KindIMAP, Target: "127.0.0.1", Data: data,
			})
			g.Assert(err).Equal(nil)
			g.Assert(out.Status).Equal(domain.ResultError)
			g.Assert(out.Payload["error_type"]).Equal("configuration_error")
		})

		g.It("reports connection_error when the server is unreachable", func() {
			data, _ := json.Marshal(IMAPData{
				Username: "probe@watchdeer.dev", SearchSubject: "watchdeer-probe", Port: 1,
			})
			e := NewIMAPExecutor(log)
			out, err := e.Execute(context.Background(), domain.Check{
				Kind: domain.KindIMAP, Target: "127.0.0.1", Data: data,
			})
			g.Assert(err).Equal(nil)
			g.Assert(out.Status).Equal(domain.ResultError)
			g.Assert(out.Payload["error_type"]).Equal("connection_error")
		})
	})

	g.Describe("parseInternalDate", func() {
		g.It("parses a well-formed FETCH INTERNALDATE line", func() {
			ts, raw, ok := parseInternalDate(`* 1 FETCH (INTERNALDATE "05-Aug-2026 10:00:00 +0000")`)
			g.Assert(ok).IsTrue()
			g.Assert(raw).Equal("05-Aug-2026 10:00:00 +0000")
			g.Assert(ts.Year()).Equal(2026)
		})

		g.It("reports not-ok when the line has no INTERNALDATE field", func() {
			_, _, ok := parseInternalDate(`* 1 FETCH (FLAGS (\Seen))`)
			g.Assert(ok).IsFalse()
		})
	})

	g.Describe("quoteIMAP", func() {
		g.It("escapes embedded quotes and backslashes", func() {
			g.Assert(quoteIMAP(`say "hi" \ ok`)).Equal(`"say \"hi\" \\ ok"`)
		})
	})
}
