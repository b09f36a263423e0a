// Package usage tracks quota consumption of the reach API. It parses the
// usage headers the remote service returns on every response, keeps local
// per-limiter call counters, projects time to exhaustion against known access
// tier ceilings and emits recommendations. It never blocks calls itself; the
// rate limiter reads Pressure to throttle.
package usage

import (
	"time"
)

// Remote usage headers.
const (
	HeaderAppUsage       = "X-App-Usage"
	HeaderAdAccountUsage = "X-Ad-Account-Usage"
	HeaderBusinessUsage  = "X-Business-Use-Case-Usage"
)

// Remote quota dimensions.
const (
	DimensionApp       = "app"
	DimensionAdAccount = "ad_account"
	DimensionBusiness  = "business_use_case"
)

// Access tiers reported by the remote service.
const (
	TierDevelopment = "development_access"
	TierStandard    = "standard_access"
)

// Thresholds for recommendations, as fractions of a dimension's ceiling.
const (
	// ThresholdWarning marks a dimension as nearing exhaustion.
	ThresholdWarning = 0.80

	// ThresholdCritical marks a dimension as about to be throttled remotely.
	ThresholdCritical = 0.95
)

// DefaultStaleAfter is how long a remote observation is trusted. Older
// observations put the tracker back into the unknown state.
const DefaultStaleAfter = 5 * time.Minute

// TierLimits are the statically known ceilings of an access tier.
type TierLimits struct {
	CallsPerHour      int
	CallsPerDay       int
	TimeBudgetMinutes int
}

var tierLimits = map[string]TierLimits{
	TierDevelopment: {CallsPerHour: 200, CallsPerDay: 4800, TimeBudgetMinutes: 60},
	TierStandard:    {CallsPerHour: 10000, CallsPerDay: 240000, TimeBudgetMinutes: 600},
}

// LimitsForTier returns the ceilings of tier. Unknown tiers get the
// development ceilings, the most restrictive ones.
func LimitsForTier(tier string) TierLimits {
	if l, ok := tierLimits[tier]; ok {
		return l
	}
	return tierLimits[TierDevelopment]
}

// State describes how much the tracker knows about remote consumption.
type State string

const (
	StateUnknown State = "unknown"
	StateKnown   State = "known"
)

// Level is the severity of a recommendation.
type Level string

const (
	LevelInformational Level = "informational"
	LevelWarning       Level = "warning"
	LevelCritical      Level = "critical"
)

// LevelFor maps a usage fraction to a recommendation level.
func LevelFor(fraction float64) Level {
	switch {
	case fraction >= ThresholdCritical:
		return LevelCritical
	case fraction >= ThresholdWarning:
		return LevelWarning
	default:
		return LevelInformational
	}
}

// AppUsage is the decoded X-App-Usage header. Values are percentages.
type AppUsage struct {
	CallCount    float64 `json:"call_count"`
	TotalCPUTime float64 `json:"total_cputime"`
	TotalTime    float64 `json:"total_time"`
}

// Fraction returns the highest of the three percentages as a fraction.
func (u AppUsage) Fraction() float64 {
	return maxOf(u.CallCount, u.TotalCPUTime, u.TotalTime) / 100
}

// AdAccountUsage is the decoded X-Ad-Account-Usage header.
type AdAccountUsage struct {
	UtilPct           float64 `json:"acc_id_util_pct"`
	ResetTimeDuration int     `json:"reset_time_duration"`
	Tier              string  `json:"ads_api_access_tier"`
}

// Fraction returns the utilisation as a fraction.
func (u AdAccountUsage) Fraction() float64 {
	return u.UtilPct / 100
}

// BusinessUsage is one entry of the X-Business-Use-Case-Usage header.
type BusinessUsage struct {
	BusinessID                  string  `json:"business_id"`
	Type                        string  `json:"type"`
	CallCount                   float64 `json:"call_count"`
	TotalCPUTime                float64 `json:"total_cputime"`
	TotalTime                   float64 `json:"total_time"`
	EstimatedTimeToRegainAccess int     `json:"estimated_time_to_regain_access"`
	Tier                        string  `json:"ads_api_access_tier"`
}

// Fraction returns the highest of the three percentages as a fraction.
func (u BusinessUsage) Fraction() float64 {
	return maxOf(u.CallCount, u.TotalCPUTime, u.TotalTime) / 100
}

// RemoteUsage is the latest self-reported consumption of the remote service.
// Nil fields were not reported.
type RemoteUsage struct {
	App        *AppUsage       `json:"app,omitempty"`
	AdAccount  *AdAccountUsage `json:"ad_account,omitempty"`
	Business   []BusinessUsage `json:"business,omitempty"`
	ObservedAt time.Time       `json:"observed_at"`
}

// IsStale returns true if the observation is older than maxAge.
func (r *RemoteUsage) IsStale(now time.Time, maxAge time.Duration) bool {
	return r.ObservedAt.IsZero() || now.Sub(r.ObservedAt) > maxAge
}

// Fractions returns the usage fraction and access tier of every reported
// dimension.
func (r *RemoteUsage) Fractions() map[string]DimensionUsage {
	out := make(map[string]DimensionUsage, 3)
	if r.App != nil {
		// The app header carries no tier; the ad-account tier applies.
		tier := ""
		if r.AdAccount != nil {
			tier = r.AdAccount.Tier
		}
		out[DimensionApp] = DimensionUsage{Fraction: r.App.Fraction(), Tier: tier}
	}
	if r.AdAccount != nil {
		out[DimensionAdAccount] = DimensionUsage{Fraction: r.AdAccount.Fraction(), Tier: r.AdAccount.Tier}
	}
	if len(r.Business) > 0 {
		var worst DimensionUsage
		for _, b := range r.Business {
			if f := b.Fraction(); f >= worst.Fraction {
				worst = DimensionUsage{Fraction: f, Tier: b.Tier}
			}
		}
		out[DimensionBusiness] = worst
	}
	return out
}

// DimensionUsage is the consumption of one remote dimension.
type DimensionUsage struct {
	Fraction float64 `json:"fraction"`
	Tier     string  `json:"tier"`
}

// Snapshot holds the counters of one local limiter dimension.
type Snapshot struct {
	CallsThisWindow     int       `json:"calls_this_window"`
	WindowStart         time.Time `json:"window_start"`
	TotalCalls          int       `json:"total_calls"`
	ErrorCount          int       `json:"error_count"`
	RateLimitErrorCount int       `json:"rate_limit_error_count"`
	RemoteUsageFraction float64   `json:"remote_usage_fraction"`
}

// Projection predicts when a remote dimension will be exhausted at the
// current local call rate.
type Projection struct {
	Dimension      string  `json:"dimension"`
	Tier           string  `json:"tier"`
	Fraction       float64 `json:"fraction"`
	CallsPerMinute float64 `json:"calls_per_minute"`
	CallsRemaining float64 `json:"calls_remaining"`

	// MinutesRemaining is only meaningful when Exhaustible is true.
	MinutesRemaining float64 `json:"minutes_remaining"`
	Exhaustible      bool    `json:"exhaustible"`
}

// Recommendation is a human-readable hint derived from a projection.
type Recommendation struct {
	Dimension string `json:"dimension"`
	Level     Level  `json:"level"`
	Message   string `json:"message"`
}

// Report is the full read-only view of the tracker.
type Report struct {
	State           State               `json:"state"`
	Dimensions      map[string]Snapshot `json:"dimensions"`
	Remote          RemoteUsage         `json:"remote"`
	Projections     []Projection        `json:"projections"`
	Recommendations []Recommendation    `json:"recommendations"`
}

func maxOf(values ...float64) float64 {
	m := 0.0
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}
