package usage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for usage tracking.
var (
	remoteUsageRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reach_remote_usage_ratio",
		Help: "Remote-reported quota consumption by dimension (0-1)",
	}, []string{"dimension"})

	localCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_usage_calls_total",
		Help: "Calls recorded by the usage tracker by limiter dimension",
	}, []string{"dimension"})

	localRateLimitErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_usage_rate_limit_errors_total",
		Help: "Remote rate-limit rejections by limiter dimension",
	}, []string{"dimension"})

	malformedHeadersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reach_usage_malformed_headers_total",
		Help: "Responses whose usage headers could not be parsed",
	})
)

// localWindow is the tumbling window of CallsThisWindow.
const localWindow = time.Minute

// rateLimitError is implemented by errors that report remote throttling.
type rateLimitError interface {
	IsRateLimit() bool
}

// Tracker maintains local call counters and the latest remote usage.
// All methods are safe for concurrent use.
type Tracker struct {
	mu         sync.RWMutex
	dims       map[string]*Snapshot
	remote     *RemoteUsage
	firstCall  time.Time
	totalCalls int

	store      Store
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStore mirrors remote usage to a shared store (shared-quota mode).
func WithStore(s Store) Option {
	return func(t *Tracker) { t.store = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithStaleAfter overrides how long a remote observation is trusted.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) { t.staleAfter = d }
}

// NewTracker creates a new usage tracker.
func NewTracker(logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		dims:       make(map[string]*Snapshot),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) dimension(name string, now time.Time) *Snapshot {
	c, ok := t.dims[name]
	if !ok {
		c = &Snapshot{WindowStart: now}
		t.dims[name] = c
	}
	if now.Sub(c.WindowStart) >= localWindow {
		c.CallsThisWindow = 0
		c.WindowStart = now
	}
	return c
}

// RecordCall counts a dispatch on a limiter dimension.
func (t *Tracker) RecordCall(dimension string) {
	now := t.now()

	t.mu.Lock()
	c := t.dimension(dimension, now)
	c.CallsThisWindow++
	c.TotalCalls++
	if t.firstCall.IsZero() {
		t.firstCall = now
	}
	t.totalCalls++
	t.mu.Unlock()

	localCallsTotal.WithLabelValues(dimension).Inc()
}

// RecordResult counts the outcome of a dispatched call.
func (t *Tracker) RecordResult(dimension string, err error) {
	if err == nil {
		return
	}

	var rl rateLimitError
	isRateLimit := errors.As(err, &rl) && rl.IsRateLimit()

	t.mu.Lock()
	c := t.dimension(dimension, t.now())
	c.ErrorCount++
	if isRateLimit {
		c.RateLimitErrorCount++
	}
	t.mu.Unlock()

	if isRateLimit {
		localRateLimitErrorsTotal.WithLabelValues(dimension).Inc()
	}
}

// RecordHeaders parses the usage headers of a response and updates the
// remote state. Missing headers leave the state untouched; malformed headers
// drop it to unknown and return the parse error.
func (t *Tracker) RecordHeaders(ctx context.Context, headers http.Header) error {
	parsed, err := ParseHeaders(headers, t.now())
	if errors.Is(err, ErrNoUsageHeaders) {
		return nil
	}
	if err != nil {
		malformedHeadersTotal.Inc()
		t.mu.Lock()
		t.remote = nil
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	t.remote = mergeRemote(t.remote, parsed)
	merged := *t.remote
	t.mu.Unlock()

	t.publish(&merged)

	if t.store != nil {
		if err := t.store.Save(ctx, &merged); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to mirror usage to shared store")
		}
	}
	return nil
}

// mergeRemote overlays the dimensions reported in next onto prev. A response
// often reports only some dimensions; the others keep their last value.
func mergeRemote(prev, next *RemoteUsage) *RemoteUsage {
	if prev == nil {
		return next
	}
	out := *prev
	out.ObservedAt = next.ObservedAt
	if next.App != nil {
		out.App = next.App
	}
	if next.AdAccount != nil {
		out.AdAccount = next.AdAccount
	}
	if next.Business != nil {
		out.Business = next.Business
	}
	return &out
}

func (t *Tracker) publish(remote *RemoteUsage) {
	fractions := remote.Fractions()
	worst := 0.0
	for dim, u := range fractions {
		remoteUsageRatio.WithLabelValues(dim).Set(u.Fraction)
		if u.Fraction > worst {
			worst = u.Fraction
		}
	}

	switch LevelFor(worst) {
	case LevelCritical:
		t.logger.Error().Float64("usage", worst).Msg("Remote usage CRITICAL - remote throttling imminent")
	case LevelWarning:
		t.logger.Warn().Float64("usage", worst).Msg("Remote usage WARNING - throttling requests")
	default:
		t.logger.Debug().Float64("usage", worst).Msg("Remote usage state updated")
	}
}

// Sync merges the shared store's observation when it is newer than ours.
func (t *Tracker) Sync(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	shared, err := t.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load shared usage: %w", err)
	}
	if shared == nil {
		return nil
	}

	t.mu.Lock()
	adopted := t.remote == nil || shared.ObservedAt.After(t.remote.ObservedAt)
	if adopted {
		t.remote = shared
	}
	t.mu.Unlock()

	if adopted {
		t.publish(shared)
	}
	return nil
}

// currentRemote returns the remote usage if it is fresh. Caller holds mu.
func (t *Tracker) currentRemote(now time.Time) *RemoteUsage {
	if t.remote == nil || t.remote.IsStale(now, t.staleAfter) {
		return nil
	}
	return t.remote
}

// State reports whether fresh remote usage is available.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.currentRemote(t.now()) == nil {
		return StateUnknown
	}
	return StateKnown
}

// Pressure returns the highest remote usage fraction across dimensions.
// ok is false in the unknown state, in which case callers should rely on
// their static ceilings.
func (t *Tracker) Pressure() (fraction float64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	remote := t.currentRemote(t.now())
	if remote == nil {
		return 0, false
	}
	for _, u := range remote.Fractions() {
		if u.Fraction > fraction {
			fraction = u.Fraction
		}
	}
	return fraction, true
}

// RegainAccessIn returns the longest remote estimate of time until a
// throttled business use case regains access, or 0 if none is known.
func (t *Tracker) RegainAccessIn() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	remote := t.currentRemote(t.now())
	if remote == nil {
		return 0
	}
	longest := 0
	for _, b := range remote.Business {
		if b.EstimatedTimeToRegainAccess > longest {
			longest = b.EstimatedTimeToRegainAccess
		}
	}
	return time.Duration(longest) * time.Minute
}

// Snapshot returns the counters of one limiter dimension.
func (t *Tracker) Snapshot(dimension string) Snapshot {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	snap := *t.dimension(dimension, now)
	snap.RemoteUsageFraction = t.worstFraction(now)
	return snap
}

// RateLimitErrors returns the rate-limit errors counted on one limiter
// dimension since the tracker started.
func (t *Tracker) RateLimitErrors(dimension string) int {
	return t.Snapshot(dimension).RateLimitErrorCount
}

// worstFraction is the highest fresh remote fraction. Caller holds mu.
func (t *Tracker) worstFraction(now time.Time) float64 {
	remote := t.currentRemote(now)
	if remote == nil {
		return 0
	}
	worst := 0.0
	for _, u := range remote.Fractions() {
		worst = math.Max(worst, u.Fraction)
	}
	return worst
}

// callsPerMinute is the average local call rate since the first call.
// Caller holds mu.
func (t *Tracker) callsPerMinute(now time.Time) float64 {
	if t.totalCalls == 0 {
		return 0
	}
	minutes := now.Sub(t.firstCall).Minutes()
	if minutes < 1 {
		minutes = 1
	}
	return float64(t.totalCalls) / minutes
}

// Report returns counters, projections and recommendations.
func (t *Tracker) Report() Report {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	report := Report{
		State:      StateUnknown,
		Dimensions: make(map[string]Snapshot, len(t.dims)),
	}
	worst := t.worstFraction(now)
	for name := range t.dims {
		snap := *t.dimension(name, now)
		snap.RemoteUsageFraction = worst
		report.Dimensions[name] = snap
	}

	remote := t.currentRemote(now)
	if remote == nil {
		return report
	}
	report.State = StateKnown
	report.Remote = *remote

	rate := t.callsPerMinute(now)
	fractions := remote.Fractions()
	names := make([]string, 0, len(fractions))
	for name := range fractions {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := project(name, fractions[name], rate)
		report.Projections = append(report.Projections, p)
		report.Recommendations = append(report.Recommendations, recommend(p))
	}
	return report
}

// Recommendations is a shortcut for Report().Recommendations.
func (t *Tracker) Recommendations() []Recommendation {
	return t.Report().Recommendations
}

// project linearly extrapolates the remaining hourly calls of a dimension
// at the given call rate.
func project(dimension string, u DimensionUsage, callsPerMinute float64) Projection {
	limits := LimitsForTier(u.Tier)
	remaining := (1 - u.Fraction) * float64(limits.CallsPerHour)
	if remaining < 0 {
		remaining = 0
	}

	p := Projection{
		Dimension:      dimension,
		Tier:           u.Tier,
		Fraction:       u.Fraction,
		CallsPerMinute: callsPerMinute,
		CallsRemaining: remaining,
	}
	if callsPerMinute > 0 {
		p.MinutesRemaining = remaining / callsPerMinute
		p.Exhaustible = true
	}
	return p
}

func recommend(p Projection) Recommendation {
	level := LevelFor(p.Fraction)
	tier := p.Tier
	if tier == "" {
		tier = "unknown tier"
	}

	msg := fmt.Sprintf("%s usage at %.1f%% (%s)", p.Dimension, p.Fraction*100, tier)
	if p.Exhaustible {
		msg += fmt.Sprintf(", ~%.0f min to exhaustion at %.1f calls/min", p.MinutesRemaining, p.CallsPerMinute)
	}
	switch level {
	case LevelCritical:
		msg += "; pause new work until usage decays"
	case LevelWarning:
		msg += "; reduce concurrency"
	}
	return Recommendation{Dimension: p.Dimension, Level: level, Message: msg}
}
