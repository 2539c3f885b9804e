package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/franela/goblin"
	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
)

func TestJSONMetricsExecutor(t *testing.T) {
	g := Goblin(t)
	log := zap.NewNop()

	g.Describe("JSONMetricsData.Validate", func() {
		g.It("rejects an empty rule list", func() {
			g.Assert(JSONMetricsData{}.Validate() == nil).IsFalse()
		})

		g.It("accepts a populated rule list", func() {
			rules := []ThresholdRule{{Path: "$.cpu", Op: "<", Value: 50.0, Severity: SeverityCritical}}
			g.Assert(JSONMetricsData{Rules: rules}.Validate()).Equal(nil)
		})
	})

	g.Describe("JSONMetricsExecutor.Execute", func() {
		g.It("reports configuration_error when rules is empty", func() {
			data, _ := json.Marshal(JSONMetricsData{})
			e := NewJSONMetricsExecutor(nil, log)
			defer e.Close()
			out, err := e.Execute(context.Background(), domain.Check{
				Kind: domain.KindJSONMetrics, Target: "http://127.0.0.1", Data: data,
			})
			g.Assert(err).Equal(nil)
			g.Assert(out.Status).Equal(domain.ResultError)
			g.Assert(out.Payload["error_type"]).Equal("configuration_error")
		})

		g.It("passes when every threshold rule holds", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]interface{}{"queue_depth": 3})
			}))
			defer srv.Close()

			data, _ := json.Marshal(JSONMetricsData{
				Rules: []ThresholdRule{{Path: "$.queue_depth", Op: "<", Value: 10.0, Severity: SeverityCritical}},
			})
			e := NewJSONMetricsExecutor(nil, log)
			defer e.Close()
			out, err := e.Execute(context.Background(), domain.Check{
				Kind: domain.KindJSONMetrics, Target: srv.URL, Data: data,
			})
			g.Assert(err).Equal(nil)
			g.Assert(out.Status).Equal(domain.ResultOK)
		})

		g.It("fails when a critical threshold rule is violated", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]interface{}{"queue_depth": 99})
			}))
			defer srv.Close()

			data, _ := json.Marshal(JSONMetricsData{
				Rules: []ThresholdRule{{Path: "$.queue_depth", Op: "<", Value: 10.0, Severity: SeverityCritical}},
			})
			e := NewJSONMetricsExecutor(nil, log)
			defer e.Close()
			out, err := e.Execute(context.Background(), domain.Check{
				Kind: domain.KindJSONMetrics, Target: srv.URL, Data: data,
			})
			g.Assert(err).Equal(nil)
			g.Assert(out.Status).Equal(domain.ResultError)
			g.Assert(out.Payload["error_type"]).Equal("threshold_failed")
		})

		g.It("stays ok with a warning marker when only a warning-severity rule is violated", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]interface{}{"queue_depth": 99})
			}))
			defer srv.Close()

			data, _ := json.Marshal(JSONMetricsData{
				Rules: []ThresholdRule{{Path: "$.queue_depth", Op: "<", Value: 10.0, Severity: SeverityWarning}},
			})
			e := NewJSONMetricsExecutor(nil, log)
			defer e.Close()
			out, err := e.Execute(context.Background(), domain.Check{
				Kind: domain.KindJSONMetrics, Target: srv.URL, Data: data,
			})
			g.Assert(err).Equal(nil)
			g.Assert(out.Status).Equal(domain.ResultOK)
			g.Assert(out.Payload["severity"]).Equal(string(SeverityWarning))
		})

		g.It("retries a 5xx response and eventually reports request_error", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			}))
			defer srv.Close()

			data, _ := json.Marshal(JSONMetricsData{
				Rules:            []ThresholdRule{{Path: "$.cpu", Op: "<", Value: 50.0, Severity: SeverityCritical}},
				Retries:          1,
				RetryDelayMillis: 1,
			})
			e := NewJSONMetricsExecutor(nil, log)
			defer e.Close()
			out, err := e.Execute(context.Background(), domain.Check{
				Kind: domain.KindJSONMetrics, Target: srv.URL, Data: data,
			})
			g.Assert(err).Equal(nil)
			g.Assert(out.Status).Equal(domain.ResultError)
			g.Assert(out.Payload["error_type"]).Equal("request_error")
			g.Assert(out.Payload["attempts"]).Equal(2)
		})

		g.It("reports timeout, not request_error, when the client's own timeout elapses", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(50 * time.Millisecond)
				w.WriteHeader(http.StatusOK)
			}))
			defer srv.Close()

			data, _ := json.Marshal(JSONMetricsData{
				Rules: []ThresholdRule{{Path: "$.cpu", Op: "<", Value: 50.0, Severity: SeverityCritical}},
			})
			client := &http.Client{Timeout: 5 * time.Millisecond}
			e := NewJSONMetricsExecutor(client, log)
			defer e.Close()
			out, err := e.Execute(context.Background(), domain.Check{
				Kind: domain.KindJSONMetrics, Target: srv.URL, Data: data,
			})
			g.Assert(err).Equal(nil)
			g.Assert(out.Status).Equal(domain.ResultError)
			g.Assert(out.Payload["error_type"]).Equal("timeout")
			g.Assert(out.Payload["attempts"]).Equal(1)
		})
	})
}
