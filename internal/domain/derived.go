package domain

// DerivedCheckStatus is the five-valued summary computed from a check's
// recent result window (spec.md §3, N = 5).
type DerivedCheckStatus string

const (
	StatusUnknown    DerivedCheckStatus = "unknown"
	StatusPassed     DerivedCheckStatus = "passed"
	StatusFailed     DerivedCheckStatus = "failed"
	StatusRecovering DerivedCheckStatus = "recovering"
	StatusWarning    DerivedCheckStatus = "warning"
)

// DerivedCheckStatusWindow is the number of most-recent results used to
// derive a check's status.
const DerivedCheckStatusWindow = 5

// DeriveCheckStatus computes DerivedCheckStatus from a newest-first slice
// of results (as returned by Store.RecentResults). At most
// DerivedCheckStatusWindow entries are considered; callers may pass a
// shorter slice, which is used as-is.
func DeriveCheckStatus(results []Result) DerivedCheckStatus {
	if len(results) == 0 {
		return StatusUnknown
	}

	window := results
	if len(window) > DerivedCheckStatusWindow {
		window = window[:DerivedCheckStatusWindow]
	}

	newest := window[0]
	if newest.Status == ResultError {
		return StatusFailed
	}

	allOK := true
	anyErrorOlder := false
	for i, r := range window {
		if r.Status == ResultError {
			allOK = false
			if i > 0 {
				anyErrorOlder = true
			}
		}
	}

	if allOK {
		return StatusPassed
	}

	// newest is ok (checked above) and an older entry is an error.
	if anyErrorOlder {
		return StatusRecovering
	}

	return StatusWarning
}

// DerivedServiceStatus is the aggregate status of every check belonging
// to a service.
type DerivedServiceStatus string

const (
	ServiceStatusUnknown DerivedServiceStatus = "unknown"
	ServiceStatusPassed  DerivedServiceStatus = "passed"
	ServiceStatusFailed  DerivedServiceStatus = "failed"
	ServiceStatusWarning DerivedServiceStatus = "warning"
)

// DeriveServiceStatus aggregates the DerivedCheckStatus of every check
// belonging to a service, per spec.md §3.
func DeriveServiceStatus(checkStatuses []DerivedCheckStatus) DerivedServiceStatus {
	if len(checkStatuses) == 0 {
		return ServiceStatusUnknown
	}

	allUnknown := true
	allPassed := true
	anyFailed := false
	anyWarnOrRecovering := false

	for _, s := range checkStatuses {
		if s != StatusUnknown {
			allUnknown = false
		}
		if s != StatusPassed {
			allPassed = false
		}
		if s == StatusFailed {
			anyFailed = true
		}
		if s == StatusWarning || s == StatusRecovering {
			anyWarnOrRecovering = true
		}
	}

	switch {
	case anyFailed:
		return ServiceStatusFailed
	case anyWarnOrRecovering:
		return ServiceStatusWarning
	case allPassed:
		return ServiceStatusPassed
	case allUnknown:
		return ServiceStatusUnknown
	default:
		// A mix of passed and unknown checks (e.g. a newly added check
		// with no results yet, alongside an established passing check)
		// resolves to warning, matching Service.get_status()'s fallthrough
		// in the original implementation.
		return ServiceStatusWarning
	}
}
