package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
)

// JSONMetricsData is the per-check configuration for the json-metrics
// kind: fetch a JSON document and apply threshold rules to it. A 4xx or
// 5xx response fails the check as a request error; only 5xx responses
// are retried.
type JSONMetricsData struct {
	Method           string            `json:"method"`
	Headers          map[string]string `json:"headers"`
	Username         string            `json:"username"`
	Password         string            `json:"password"`
	Rules            []ThresholdRule   `json:"rules"`
	Retries          int               `json:"retries"`
	RetryDelayMillis int               `json:"retry_delay"`
}

// Validate reports a configuration_error-worthy problem in d, if any.
func (d JSONMetricsData) Validate() error {
	if len(d.Rules) == 0 {
		return &configError{"rules must not be empty"}
	}
	return nil
}

// JSONMetricsExecutor fetches a JSON metrics document and evaluates
// threshold rules against it, retrying on timeout, request errors, and
// 5xx responses. Grounded on nyxmon's json_metrics_executor.py.
type JSONMetricsExecutor struct {
	client *http.Client
	log    *zap.Logger
	owned  bool
}

func NewJSONMetricsExecutor(client *http.Client, log *zap.Logger) *JSONMetricsExecutor {
	owned := client == nil
	if owned {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &JSONMetricsExecutor{client: client, log: log, owned: owned}
}

func (e *JSONMetricsExecutor) Close() error {
	if e.owned {
		e.client.CloseIdleConnections()
	}
	return nil
}

func (e *JSONMetricsExecutor) Execute(ctx context.Context, check domain.Check) (Outcome, error) {
	var data JSONMetricsData
	if len(check.Data) > 0 {
		if err := json.Unmarshal(check.Data, &data); err != nil {
			return errorOutcome("configuration_error", err.Error()), nil
		}
	}
	if err := data.Validate(); err != nil {
		return errorOutcome("configuration_error", err.Error()), nil
	}

	method := data.Method
	if method == "" {
		method = http.MethodGet
	}

	attempts := data.Retries + 1
	retryDelay := time.Duration(data.RetryDelayMillis) * time.Millisecond
	var payload map[string]interface{}
	for attempt := 1; attempt <= attempts; attempt++ {
		parsed, statusCode, err := e.fetch(ctx, method, check.Target, data)
		if err != nil {
			payload = map[string]interface{}{
				"error_type": classifyJSONMetricsError(err),
				"error_msg":  err.Error(),
				"attempt":    attempt,
				"attempts":   attempts,
			}
			if !isTransient(err) || attempt == attempts {
				return Outcome{Status: domain.ResultError, Payload: payload}, nil
			}
			if retryDelay > 0 {
				timer := time.NewTimer(retryDelay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
				}
			}
			continue
		}

		failures := EvaluateThresholds(parsed, data.Rules)
		result := map[string]interface{}{"status_code": statusCode}
		if len(failures) == 0 {
			return Outcome{Status: domain.ResultOK, Payload: result}, nil
		}
		result["failures"] = failures
		if AnyCritical(failures) {
			result["error_type"] = "threshold_failed"
			return Outcome{Status: domain.ResultError, Payload: result}, nil
		}
		result["severity"] = string(SeverityWarning)
		return Outcome{Status: domain.ResultOK, Payload: result}, nil
	}
	return Outcome{Status: domain.ResultError, Payload: payload}, nil
}

// jsonMetricsTimeoutError marks a fetch that failed because a deadline
// elapsed rather than a plain connection failure, so it both classifies
// as "timeout" and stays eligible for retry per spec.md's general
// "connection, timeout, 4xx-class SMTP" transient list.
type jsonMetricsTimeoutError struct{ err error }

func (e *jsonMetricsTimeoutError) Error() string   { return e.err.Error() }
func (e *jsonMetricsTimeoutError) Unwrap() error   { return e.err }
func (e *jsonMetricsTimeoutError) Transient() bool { return true }

func (e *JSONMetricsExecutor) fetch(ctx context.Context, method, url string, data JSONMetricsData) (interface{}, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, 0, &configError{err.Error()}
	}
	for k, v := range data.Headers {
		req.Header.Set(k, v)
	}
	if data.Username != "" {
		req.SetBasicAuth(data.Username, data.Password)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if isTimeoutErr(err) {
			return nil, 0, &jsonMetricsTimeoutError{err}
		}
		return nil, 0, markTransient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, markTransient(err)
	}

	if resp.StatusCode >= 500 {
		return nil, resp.StatusCode, markTransient(&configError{"server error"})
	}
	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, &configError{"client error"}
	}

	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resp.StatusCode, &configError{"invalid json: " + err.Error()}
	}
	return parsed, resp.StatusCode, nil
}

func classifyJSONMetricsError(err error) string {
	var te *jsonMetricsTimeoutError
	if errors.As(err, &te) {
		return "timeout"
	}
	return "request_error"
}
