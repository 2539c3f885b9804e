// Package executor implements one Executor per check kind: it takes a
// domain.Check, performs the underlying probe, and returns a
// domain.Result. Executors are looked up through a Registry keyed on
// domain.Kind so the runner never has a type switch of its own.
package executor

import (
	"context"
	"errors"
	"net/url"

	"github.com/watchdeer/watchdeer/internal/domain"
)

// Outcome is what an Executor produces for a single check run, before
// it is turned into a domain.Result and persisted.
type Outcome struct {
	Status  domain.ResultStatus
	Payload map[string]interface{}
}

// Executor runs one check and reports its outcome. Implementations
// must be safe for concurrent use by multiple goroutines when shared
// across checks of the same kind within a batch.
type Executor interface {
	Execute(ctx context.Context, check domain.Check) (Outcome, error)
}

// Closer is implemented by executors that hold shared resources (an
// http.Client, a connection pool) that must be released once per
// batch rather than once per check.
type Closer interface {
	Close() error
}

// UnknownCheckKind is returned when the runner asks the registry for a
// kind that was never registered. It is a configuration error, not a
// crash: the runner turns it into an error Result for that check.
type UnknownCheckKind struct {
	Kind domain.Kind
}

func (e UnknownCheckKind) Error() string {
	return "unknown check kind: " + string(e.Kind)
}

func isTransient(err error) bool {
	t, ok := err.(interface{ Transient() bool })
	return ok && t.Transient()
}

// transientError wraps an error to mark it eligible for an executor's
// own retry-with-backoff loop.
type transientError struct{ err error }

func (t transientError) Error() string  { return t.err.Error() }
func (t transientError) Unwrap() error  { return t.err }
func (t transientError) Transient() bool { return true }

func markTransient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// isTimeoutErr reports whether err came from a deadline expiring rather
// than a plain connection failure. http.Client wraps every transport
// error in a *url.Error whose Timeout reports whether a deadline
// expired (its own internal Timeout field firing, or a request
// context's deadline), so this needs no comparison against whatever
// timeout duration the caller's http.Client happens to be configured
// with. A request context canceled without a deadline is not reported
// as a timeout.
func isTimeoutErr(err error) bool {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Timeout()
	}
	return false
}
