package executor

import (
	"encoding/json"
	"fmt"

	"github.com/watchdeer/watchdeer/internal/executor/jsonpath"
)

// ThresholdSeverity classifies whether a failing rule should fail the
// whole check or merely annotate it.
type ThresholdSeverity string

const (
	SeverityWarning  ThresholdSeverity = "warning"
	SeverityCritical ThresholdSeverity = "critical"
)

// ThresholdRule is one comparison applied to a resolved JSON value.
type ThresholdRule struct {
	Path     string            `json:"path"`
	Op       string            `json:"op"`
	Value    interface{}       `json:"value"`
	Severity ThresholdSeverity `json:"severity"`
}

// ThresholdFailure records a rule that did not hold.
type ThresholdFailure struct {
	Path     string            `json:"path"`
	Op       string            `json:"op"`
	Expected interface{}       `json:"expected"`
	Actual   interface{}       `json:"actual"`
	Severity ThresholdSeverity `json:"severity"`
}

// EvaluateThresholds resolves each rule's path against payload and
// returns every rule that failed its comparison.
func EvaluateThresholds(payload interface{}, rules []ThresholdRule) []ThresholdFailure {
	var failures []ThresholdFailure
	for _, rule := range rules {
		actual := jsonpath.Resolve(payload, rule.Path)
		if !compare(actual, rule.Op, rule.Value) {
			failures = append(failures, ThresholdFailure{
				Path:     rule.Path,
				Op:       rule.Op,
				Expected: rule.Value,
				Actual:   actual,
				Severity: rule.Severity,
			})
		}
	}
	return failures
}

// AnyCritical reports whether failures contains at least one critical
// severity entry.
func AnyCritical(failures []ThresholdFailure) bool {
	for _, f := range failures {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

func compare(actual interface{}, op string, expected interface{}) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	af, aIsNum := toFloat(actual)
	ef, eIsNum := toFloat(expected)

	switch op {
	case "==":
		if aIsNum && eIsNum {
			return af == ef
		}
		return fmt.Sprint(actual) == fmt.Sprint(expected)
	case "!=", "≠":
		if aIsNum && eIsNum {
			return af != ef
		}
		return fmt.Sprint(actual) != fmt.Sprint(expected)
	case "<":
		return aIsNum && eIsNum && af < ef
	case "<=", "≤":
		return aIsNum && eIsNum && af <= ef
	case ">":
		return aIsNum && eIsNum && af > ef
	case ">=", "≥":
		return aIsNum && eIsNum && af >= ef
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
