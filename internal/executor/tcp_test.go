package executor

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"

	. "github.com/franela/goblin"
	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
)

func TestTCPExecutor(t *testing.T) {
	g := Goblin(t)
	log := zap.NewNop()

	g.Describe("TCPExecutor.Execute", func() {
		g.It("reports configuration_error when port is missing", func() {
			e := NewTCPExecutor(log)
			out, err := e.Execute(context.Background(), domain.Check{Kind: domain.KindTCP, Target: "127.0.0.1"})
			g.Assert(err).Equal(nil)
			g.Assert(out.Status).Equal(domain.ResultError)
			g.Assert(out.Payload["error_type"]).Equal("configuration_error")
		})

		g.It("reports ok for a bare TCP connect with no TLS", func() {
			ln, lerr := net.Listen("tcp", "127.0.0.1:0")
			g.Assert(lerr).Equal(nil)
			defer ln.Close()
			go func() {
				conn, err := ln.Accept()
				if err == nil {
					conn.Close()
				}
			}()

			_, portStr, _ := net.SplitHostPort(ln.Addr().String())
			port, _ := strconv.Atoi(portStr)
			data, _ := json.Marshal(TCPData{Port: port})
			e := NewTCPExecutor(log)
			out, err := e.Execute(context.Background(), domain.Check{
				Kind: domain.KindTCP, Target: "127.0.0.1", Data: data,
			})
			g.Assert(err).Equal(nil)
			g.Assert(out.Status).Equal(domain.ResultOK)
		})

		g.It("retries a transient connection failure up to retries+1 attempts", func() {
			data, _ := json.Marshal(TCPData{Port: 1, Retries: 2, RetryDelayMillis: 1})
			e := NewTCPExecutor(log)
			out, _ := e.Execute(context.Background(), domain.Check{
				Kind: domain.KindTCP, Target: "127.0.0.1", Data: data,
			})
			g.Assert(out.Status).Equal(domain.ResultError)
			g.Assert(out.Payload["attempt"]).Equal(3)
			g.Assert(out.Payload["attempts"]).Equal(3)
		})
	})

	g.Describe("isPositiveSTARTTLSResponse", func() {
		g.It("accepts a 220 SMTP-style greeting", func() {
			g.Assert(isPositiveSTARTTLSResponse("220 mail.example.com ESMTP ready\r\n")).IsTrue()
		})

		g.It("accepts any 2xx code", func() {
			g.Assert(isPositiveSTARTTLSResponse("234 STARTTLS negotiation ready\r\n")).IsTrue()
		})

		g.It("accepts an IMAP-style tagged OK response with no numeric code", func() {
			g.Assert(isPositiveSTARTTLSResponse("a1 OK Begin TLS negotiation now\r\n")).IsTrue()
		})

		g.It("rejects a negative reply", func() {
			g.Assert(isPositiveSTARTTLSResponse("454 TLS not available\r\n")).IsFalse()
		})
	})

	g.Describe("classifyTCPError", func() {
		g.It("classifies a wrapped TLS handshake failure as tls_handshake_error", func() {
			err := &tlsHandshakeError{err: plainErr("certificate signed by unknown authority")}
			g.Assert(classifyTCPError(err)).Equal("tls_handshake_error")
		})

		g.It("classifies a plain dial failure as connection_error", func() {
			g.Assert(classifyTCPError(plainErr("connection refused"))).Equal("connection_error")
		})

		g.It("classifies a timeout-flavored error as timeout", func() {
			g.Assert(classifyTCPError(plainErr("i/o timeout"))).Equal("timeout")
		})
	})
}

type plainErr string

func (e plainErr) Error() string { return string(e) }
