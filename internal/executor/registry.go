package executor

import (
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
)

// Registry looks up the Executor for a check kind. A batch builds one
// Registry, shares it across every check in the batch, and calls
// CloseAll exactly once when the batch finishes — mirroring
// nyxmon's AsyncCheckRunner, which pre-registers executors per run.
// Building a Registry reports nothing about unknown kinds; Lookup
// returns UnknownCheckKind when a check of such a kind runs.
type Registry struct {
	mu         sync.Mutex
	executors  map[domain.Kind]Executor
	httpClient *http.Client
}

// NewRegistry builds executors for exactly the kinds present in
// checks, sharing one *http.Client between the http, json-http, and
// json-metrics executors when any of them appear (they are the only
// kinds that speak HTTP).
func NewRegistry(checks []domain.Check, log *zap.Logger) *Registry {
	kinds := map[domain.Kind]bool{}
	for _, c := range checks {
		kinds[c.Kind] = true
	}

	r := &Registry{executors: map[domain.Kind]Executor{}}

	needsHTTP := kinds[domain.KindHTTP] || kinds[domain.KindJSONHTTP] || kinds[domain.KindJSONMetrics]
	var httpClient *http.Client
	if needsHTTP {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
		r.httpClient = httpClient
	}

	if kinds[domain.KindHTTP] || kinds[domain.KindJSONHTTP] {
		he := NewHTTPExecutor(httpClient, log.Named("executor.http"))
		if kinds[domain.KindHTTP] {
			r.executors[domain.KindHTTP] = he
		}
		if kinds[domain.KindJSONHTTP] {
			r.executors[domain.KindJSONHTTP] = he
		}
	}
	if kinds[domain.KindJSONMetrics] {
		r.executors[domain.KindJSONMetrics] = NewJSONMetricsExecutor(httpClient, log.Named("executor.json-metrics"))
	}
	if kinds[domain.KindDNS] {
		r.executors[domain.KindDNS] = NewDNSExecutor(log.Named("executor.dns"))
	}
	if kinds[domain.KindTCP] {
		r.executors[domain.KindTCP] = NewTCPExecutor(log.Named("executor.tcp"))
	}
	if kinds[domain.KindSMTP] {
		r.executors[domain.KindSMTP] = NewSMTPExecutor(log.Named("executor.smtp"))
	}
	if kinds[domain.KindIMAP] {
		r.executors[domain.KindIMAP] = NewIMAPExecutor(log.Named("executor.imap"))
	}
	if kinds[domain.KindCustomSSH] {
		r.executors[domain.KindCustomSSH] = NewCustomSSHExecutor(log.Named("executor.custom-ssh-json"))
	}

	return r
}

// Lookup returns the Executor registered for kind, or UnknownCheckKind
// if none was built for this batch.
func (r *Registry) Lookup(kind domain.Kind) (Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executors[kind]
	if !ok {
		return nil, UnknownCheckKind{Kind: kind}
	}
	return e, nil
}

// Validate checks that every kind is one this registry knows how to
// build, without actually building anything. seed.Parse calls it so a
// seed file with a typo'd check kind fails to load, rather than the
// typo being discovered only once that check comes due.
func Validate(kinds []domain.Kind) error {
	known := map[domain.Kind]bool{
		domain.KindHTTP:         true,
		domain.KindJSONHTTP:     true,
		domain.KindDNS:          true,
		domain.KindTCP:          true,
		domain.KindSMTP:         true,
		domain.KindIMAP:         true,
		domain.KindJSONMetrics:  true,
		domain.KindCustomSSH:    true,
	}
	for _, k := range kinds {
		if !known[k] {
			return errors.WithStack(UnknownCheckKind{Kind: k})
		}
	}
	return nil
}

// CloseAll releases every executor's shared resources. Executors
// shared across multiple kinds (http + json-http) are only closed
// once even though they appear twice in the map.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[Executor]bool{}
	var firstErr error
	for _, e := range r.executors {
		if seen[e] {
			continue
		}
		seen[e] = true
		if c, ok := e.(Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = errors.WithStack(err)
			}
		}
	}
	if r.httpClient != nil {
		r.httpClient.CloseIdleConnections()
	}
	return firstErr
}
