// Package check defines the domain types shared between the scheduler and
// the check runner: the asset descriptor passed to user check functions,
// the check function signature itself, and the error taxonomy a check may
// raise (see spec §7).
//
// Check functions are external, user-supplied code (spec.md §1 "Out of
// scope") — this package only defines the contract they are called
// through.
package check

import (
	"context"
	"fmt"
)

// Asset identifies the target of a single running check. ID and
// CheckKey are immutable once assigned; Name may change between
// reconciliations (spec §3 "Assignment names").
type Asset struct {
	ID       int
	Name     string
	CheckKey string
}

func (a Asset) String() string {
	return fmt.Sprintf("asset(id=%d, name=%q, check=%q)", a.ID, a.Name, a.CheckKey)
}

// Config is a user-defined check configuration mapping, plus the two
// reserved keys (_interval, _use) that the scheduler reads directly.
type Config map[string]any

// Interval returns the `_interval` key as a positive number of seconds,
// and whether it was present and valid.
func (c Config) Interval() (int, bool) {
	v, ok := c["_interval"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		if n > 0 {
			return n, true
		}
	case int64:
		if n > 0 {
			return int(n), true
		}
	case float64:
		if n >= 1 {
			return int(n), true
		}
	}
	return 0, false
}

// Use returns the `_use` key, the asset-block label selector, if present.
func (c Config) Use() string {
	v, _ := c["_use"].(string)
	return v
}

// Func is the signature every registered check function must implement:
// given the asset, its resolved local-config options, and the raw check
// configuration, produce a result map or return one of the errors below.
// ctx carries the per-tick deadline (0.8·interval, spec §4.5); well-behaved
// checks should select on ctx.Done() at blocking points, but the runner
// also abandons the invocation outright when ctx expires, since Go cannot
// forcibly preempt a goroutine that ignores it.
type Func func(ctx context.Context, asset Asset, assetConfig map[string]any, checkConfig Config) (map[string]any, error)

// Severity classifies how serious a CheckError or IncompleteResult is.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// IgnoreResult signals the check produced nothing worth emitting this
// tick; the runner continues the loop silently (spec §7).
type IgnoreResult struct {
	Reason string
}

func (e *IgnoreResult) Error() string { return "ignore result: " + e.Reason }

// IgnoreCheck signals this assignment should stop running until its
// configuration changes (spec §7, §4.4 invariant).
type IgnoreCheck struct {
	Reason string
}

func (e *IgnoreCheck) Error() string { return "ignore check: " + e.Reason }

// CheckError is a classified failure with no usable partial result.
type CheckError struct {
	Msg      string
	Severity Severity
}

func NewCheckError(msg string) *CheckError {
	return &CheckError{Msg: msg, Severity: SeverityMedium}
}

func (e *CheckError) Error() string { return e.Msg }

// ToMap renders the error as the wire-level `error` object.
func (e *CheckError) ToMap() map[string]any {
	sev := e.Severity
	if sev == "" {
		sev = SeverityMedium
	}
	return map[string]any{"msg": e.Msg, "severity": string(sev)}
}

// IncompleteResult carries a partial result alongside a classified error;
// both are emitted together (spec §7).
type IncompleteResult struct {
	Result   map[string]any
	Msg      string
	Severity Severity
}

func (e *IncompleteResult) Error() string { return e.Msg }

func (e *IncompleteResult) ToMap() map[string]any {
	sev := e.Severity
	if sev == "" {
		sev = SeverityMedium
	}
	return map[string]any{"msg": e.Msg, "severity": string(sev)}
}

// OrderResult sorts each list-valued item in a result map by its "name"
// field, mirroring original_source/libprobe/utils.py's order() helper.
// Exported for check authors to call explicitly; never invoked by the
// runner itself.
func OrderResult(result map[string]any) map[string]any {
	for k, v := range result {
		items, ok := v.([]map[string]any)
		if !ok {
			continue
		}
		sortByName(items)
		result[k] = items
	}
	return result
}

func sortByName(items []map[string]any) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0; j-- {
			ni, _ := items[j]["name"].(string)
			nj, _ := items[j-1]["name"].(string)
			if ni >= nj {
				break
			}
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
