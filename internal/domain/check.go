// Package domain holds the data model shared by every component of the
// check-execution engine: checks, results, services, and the derived
// status computed from a check's recent result window.
package domain

import "encoding/json"

// Kind identifies which executor a Check is dispatched to.
type Kind string

const (
	KindHTTP         Kind = "http"
	KindJSONHTTP     Kind = "json-http"
	KindDNS          Kind = "dns"
	KindTCP          Kind = "tcp"
	KindSMTP         Kind = "smtp"
	KindIMAP         Kind = "imap"
	KindJSONMetrics  Kind = "json-metrics"
	KindCustomSSH    Kind = "custom-ssh-json"
)

// CheckStatus is the row-level lifecycle state of a Check, distinct from
// DerivedCheckStatus which summarizes recent Results.
type CheckStatus string

const (
	CheckIdle       CheckStatus = "idle"
	CheckDue        CheckStatus = "due"
	CheckProcessing CheckStatus = "processing"
)

// Check is a probe definition. It is created and updated by the external
// UI; handlers only ever mutate Status and NextCheckTime.
type Check struct {
	ID              int64
	ServiceID       int64
	Name            string
	Kind            Kind
	Target          string
	IntervalSeconds int64
	Disabled        bool
	Data            json.RawMessage
	Status          CheckStatus
	NextCheckTime   int64
	CreatedAt       int64
}

// Due reports whether the check would be selected by Store.ListDue at now.
func (c Check) Due(now int64) bool {
	return !c.Disabled && c.Status != CheckProcessing && c.NextCheckTime <= now
}
