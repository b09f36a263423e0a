// Package reach defines the shared domain types of the audience reach
// estimation engine: units of work, resolved geography keys, estimate ranges,
// per-unit results and the run report.
package reach

import (
	"strings"
	"time"
)

// Unit is one postal code plus its country/region context.
type Unit struct {
	Identifier string `json:"identifier"`
	Region     string `json:"region"`
}

// NewUnit normalizes whitespace and region casing.
func NewUnit(identifier, region string) Unit {
	return Unit{
		Identifier: strings.TrimSpace(identifier),
		Region:     strings.ToUpper(strings.TrimSpace(region)),
	}
}

// Key returns the uniqueness key of the unit ("US:90210").
func (u Unit) Key() string {
	return strings.ToUpper(u.Region) + ":" + u.Identifier
}

// Range is an audience size interval.
// LowerBound <= UpperBound holds for every Range built with NewRange.
type Range struct {
	LowerBound int64 `json:"lower_bound"`
	UpperBound int64 `json:"upper_bound"`
}

// NewRange clamps negative bounds to zero and swaps reversed bounds.
func NewRange(lower, upper int64) Range {
	if lower < 0 {
		lower = 0
	}
	if upper < 0 {
		upper = 0
	}
	if lower > upper {
		lower, upper = upper, lower
	}
	return Range{LowerBound: lower, UpperBound: upper}
}

// IsZero reports whether both bounds are zero.
func (r Range) IsZero() bool {
	return r.LowerBound == 0 && r.UpperBound == 0
}

// Valid reports whether the range satisfies the bound invariant.
func (r Range) Valid() bool {
	return r.LowerBound >= 0 && r.LowerBound <= r.UpperBound
}

// ResolvedKey is the opaque geography key returned by the remote lookup.
// It is only valid for the region it was resolved under.
type ResolvedKey struct {
	Key    string `json:"key"`
	Label  string `json:"label"`
	Region string `json:"region"`
}

// UnitState is the lifecycle state of a unit within a run.
type UnitState string

const (
	StatePending    UnitState = "pending"
	StateResolving  UnitState = "resolving"
	StateEstimating UnitState = "estimating"
	StateCompleted  UnitState = "completed"
	StateFailed     UnitState = "failed"
	StateCancelled  UnitState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s UnitState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// EstimateResult is the outcome for one unit. It is immutable once built and
// owned by the caller of the run that produced it.
type EstimateResult struct {
	Unit             Unit          `json:"unit"`
	State            UnitState     `json:"state"`
	ResolvedKey      ResolvedKey   `json:"resolved_key"`
	BaselineEstimate Range         `json:"baseline_estimate"`
	TargetedEstimate Range         `json:"targeted_estimate"`
	Success          bool          `json:"success"`
	ErrorKind        ErrorKind     `json:"error_kind,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	ErrorCode        int           `json:"error_code,omitempty"`
	Retries          int           `json:"retries"`
	Simplified       bool          `json:"simplified,omitempty"`
	Partial          bool          `json:"partial,omitempty"`
	NoisyTargeting   bool          `json:"noisy_targeting,omitempty"`
	CacheHit         bool          `json:"cache_hit,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// ErrorDetail is the structured error record for one failed unit.
type ErrorDetail struct {
	Unit    Unit      `json:"unit"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Code    int       `json:"code,omitempty"`
}

// Report is the complete accounting of a run. Results holds one entry per
// input unit, in input order.
type Report struct {
	RunID          string           `json:"run_id"`
	TotalProcessed int              `json:"total_processed"`
	Successful     int              `json:"successful"`
	Errors         int              `json:"errors"`
	Cancelled      int              `json:"cancelled"`
	Results        []EstimateResult `json:"results"`
	ErrorDetails   []ErrorDetail    `json:"error_details"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     time.Time        `json:"finished_at"`
}
