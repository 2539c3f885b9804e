package domain

import "encoding/json"

// ResultStatus is the outcome of a single check execution.
type ResultStatus string

const (
	ResultOK    ResultStatus = "ok"
	ResultError ResultStatus = "error"
)

// Result is an immutable record of one execution of a Check.
type Result struct {
	ID        int64
	CheckID   int64
	Status    ResultStatus
	Payload   json.RawMessage
	CreatedAt int64
}

// Service is a logical grouping of checks. Its status is derived, never
// stored as ground truth (it may be cached by callers).
type Service struct {
	ID   int64
	Name string
}
