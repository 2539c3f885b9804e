package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
)

const defaultHTTPTimeout = 10 * time.Second

// HTTPData is the per-check configuration for both the http and
// json-http kinds. json-http adds Rules on top of the plain reachability
// check the http kind performs.
type HTTPData struct {
	Method   string            `json:"method"`
	Headers  map[string]string `json:"headers"`
	Body     string            `json:"body"`
	Username string            `json:"username"`
	Password string            `json:"password"`
	Rules    []ThresholdRule   `json:"rules"`
}

// Validate reports a configuration_error-worthy problem in d, if any.
func (d HTTPData) Validate() error {
	if d.Method != "" && d.Method != http.MethodGet && d.Method != http.MethodPost &&
		d.Method != http.MethodPut && d.Method != http.MethodHead {
		return errUnsupportedMethod
	}
	return nil
}

var errUnsupportedMethod = &configError{"unsupported http method"}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

// HTTPExecutor backs both the http and json-http kinds. For plain http
// checks it only cares whether the response status is non-4xx/non-5xx;
// for json-http it additionally decodes the body and evaluates
// threshold rules against it, grounded on nyxmon's HttpCheckExecutor
// which shares one httpx.AsyncClient across every http-family check in
// a batch.
type HTTPExecutor struct {
	client *http.Client
	log    *zap.Logger
	owned  bool
}

// NewHTTPExecutor wraps client. If client is nil, HTTPExecutor creates
// and owns its own client and closes its idle connections on Close.
func NewHTTPExecutor(client *http.Client, log *zap.Logger) *HTTPExecutor {
	owned := client == nil
	if owned {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPExecutor{client: client, log: log, owned: owned}
}

func (e *HTTPExecutor) Close() error {
	if e.owned {
		e.client.CloseIdleConnections()
	}
	return nil
}

func (e *HTTPExecutor) Execute(ctx context.Context, check domain.Check) (Outcome, error) {
	var data HTTPData
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

	var bodyReader io.Reader
	if data.Body != "" {
		bodyReader = strings.NewReader(data.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, check.Target, bodyReader)
	if err != nil {
		return errorOutcome("configuration_error", err.Error()), nil
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
			return errorOutcome("timeout", err.Error()), nil
		}
		return errorOutcome("request_error", err.Error()), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBodyBytes))
	if err != nil {
		return errorOutcome("request_error", err.Error()), nil
	}

	if check.Kind == domain.KindHTTP {
		if resp.StatusCode >= 400 {
			return Outcome{
				Status: domain.ResultError,
				Payload: map[string]interface{}{
					"error_type":  "http_status",
					"status_code": resp.StatusCode,
				},
			}, nil
		}
		return Outcome{
			Status:  domain.ResultOK,
			Payload: map[string]interface{}{"status_code": resp.StatusCode},
		}, nil
	}

	// json-http: decode and evaluate threshold rules.
	if resp.StatusCode >= 400 {
		return Outcome{
			Status: domain.ResultError,
			Payload: map[string]interface{}{
				"error_type":  "http_status",
				"status_code": resp.StatusCode,
			},
		}, nil
	}

	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return errorOutcome("request_error", err.Error()), nil
	}

	failures := EvaluateThresholds(parsed, data.Rules)
	payload := map[string]interface{}{
		"status_code": resp.StatusCode,
	}
	if len(failures) == 0 {
		return Outcome{Status: domain.ResultOK, Payload: payload}, nil
	}

	payload["failures"] = failures
	if AnyCritical(failures) {
		payload["error_type"] = "threshold_failed"
		return Outcome{Status: domain.ResultError, Payload: payload}, nil
	}
	// Warning-only failures do not flip the outcome to error; the
	// severity marker in the payload lets an operator distinguish a
	// clean ok from an ok-with-warnings.
	payload["severity"] = string(SeverityWarning)
	return Outcome{Status: domain.ResultOK, Payload: payload}, nil
}

func errorOutcome(errorType, detail string) Outcome {
	return Outcome{
		Status: domain.ResultError,
		Payload: map[string]interface{}{
			"error_type": errorType,
			"error_msg":  detail,
		},
	}
}

const maxHTTPBodyBytes = 1 << 20
