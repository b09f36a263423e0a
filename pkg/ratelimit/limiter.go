// Package ratelimit implements the client-side gate in front of the reach
// API. A Limiter admits a call only when a concurrency slot is free, a token
// is left in the current window's reservoir and the minimum spacing since the
// previous dispatch has elapsed. Ceilings narrow adaptively when the remote
// service reports high quota consumption, and never widen beyond the
// configured values.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Prometheus metrics for limiter operations.
var (
	limiterInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reach_limiter_in_flight",
		Help: "Calls currently in flight by limiter",
	}, []string{"limiter"})

	limiterWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reach_limiter_wait_seconds",
		Help:    "Time spent waiting for limiter admission",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"limiter"})

	limiterMultiplier = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reach_limiter_multiplier",
		Help: "Adaptive ceiling multiplier by limiter (1 = configured ceilings)",
	}, []string{"limiter"})

	limiterDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_limiter_dispatch_total",
		Help: "Calls dispatched through the limiter",
	}, []string{"limiter"})
)

// UsageRecorder receives dispatch accounting and supplies the remote usage
// signal used for adaptive throttling.
type UsageRecorder interface {
	RecordCall(dimension string)
	RecordResult(dimension string, err error)
	// Pressure returns the highest remote usage fraction, ok=false if unknown.
	Pressure() (fraction float64, ok bool)
}

// RateLimitCounter is implemented by recorders that count rate-limit errors
// per dimension. Limiters treat new rate-limit errors as pressure, which
// matters when the service sends no usage headers.
type RateLimitCounter interface {
	RateLimitErrors(dimension string) int
}

// Config holds the static ceilings and adaptive tuning of a Limiter.
type Config struct {
	// Name labels metrics, logs and usage dimensions ("lookup", "estimate").
	Name string

	// MaxConcurrent is the ceiling on calls in flight.
	MaxConcurrent int

	// MinTime is the minimum spacing between two dispatches.
	MinTime time.Duration

	// CallsPerMinute is the reservoir size, refilled to full once per Window.
	// Zero disables the reservoir.
	CallsPerMinute int

	// Window is the reservoir refill period (default 60s).
	Window time.Duration

	// Adaptive throttling.
	HighWater      float64       // scale down above this usage fraction (0.9)
	LowWater       float64       // relax below this usage fraction (0.5)
	ScaleDown      float64       // multiplier applied when scaling down (0.5)
	MinMultiplier  float64       // floor of the multiplier (0.1)
	Cooldown       time.Duration // minimum time spent scaled down (2m)
	AdjustInterval time.Duration // minimum time between adjustments (30s)
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.HighWater <= 0 {
		c.HighWater = 0.9
	}
	if c.LowWater <= 0 {
		c.LowWater = 0.5
	}
	if c.ScaleDown <= 0 || c.ScaleDown >= 1 {
		c.ScaleDown = 0.5
	}
	if c.MinMultiplier <= 0 || c.MinMultiplier > 1 {
		c.MinMultiplier = 0.1
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 2 * time.Minute
	}
	if c.AdjustInterval <= 0 {
		c.AdjustInterval = 30 * time.Second
	}
	return c
}

// Stats is a point-in-time view of a Limiter.
type Stats struct {
	Name                 string  `json:"name"`
	InFlight             int     `json:"in_flight"`
	PeakInFlight         int     `json:"peak_in_flight"`
	TokensRemaining      int     `json:"tokens_remaining"`
	Multiplier           float64 `json:"multiplier"`
	EffectiveConcurrency int     `json:"effective_concurrency"`
	EffectiveReservoir   int     `json:"effective_reservoir"`
	Dispatched           int64   `json:"dispatched"`
}

// Limiter gates calls to one remote endpoint. It is safe for concurrent use.
type Limiter struct {
	cfg    Config
	usage  UsageRecorder
	spacer *rate.Limiter
	now    func() time.Time
	logger zerolog.Logger

	mu            sync.Mutex
	inFlight      int
	peakInFlight  int
	tokens        int
	windowStart   time.Time
	multiplier    float64
	lastAdjust    time.Time
	seenRateLimit int
	cooldownUntil time.Time
	dispatched    int64

	// changed is closed and replaced whenever capacity may have grown.
	changed chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithUsage attaches the usage recorder consulted for adaptive throttling.
func WithUsage(u UsageRecorder) Option {
	return func(l *Limiter) { l.usage = u }
}

// WithLogger overrides the limiter's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithClock overrides the time source used for window and adjustment
// bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	cfg = cfg.withDefaults()

	spacing := rate.Inf
	if cfg.MinTime > 0 {
		spacing = rate.Every(cfg.MinTime)
	}

	l := &Limiter{
		cfg:        cfg,
		spacer:     rate.NewLimiter(spacing, 1),
		now:        time.Now,
		multiplier: 1,
		changed:    make(chan struct{}),
		logger:     log.With().Str("component", "ratelimit").Str("limiter", cfg.Name).Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.windowStart = l.now()
	l.tokens = l.effectiveReservoir()
	limiterMultiplier.WithLabelValues(cfg.Name).Set(1)
	return l
}

// Name returns the limiter's name.
func (l *Limiter) Name() string {
	return l.cfg.Name
}

// Config returns the static configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Do runs fn once capacity is available. It blocks until a concurrency slot,
// a reservoir token and the spacing interval are all available, or until ctx
// is done. Errors from fn are returned unchanged after the slot is released;
// the limiter never retries.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	start := time.Now()
	if err := l.acquire(ctx); err != nil {
		return err
	}
	limiterWaitSeconds.WithLabelValues(l.cfg.Name).Observe(time.Since(start).Seconds())
	limiterDispatchTotal.WithLabelValues(l.cfg.Name).Inc()
	limiterInFlight.WithLabelValues(l.cfg.Name).Inc()

	if l.usage != nil {
		l.usage.RecordCall(l.cfg.Name)
	}

	var err error
	func() {
		defer l.release()
		err = fn()
	}()

	limiterInFlight.WithLabelValues(l.cfg.Name).Dec()
	if l.usage != nil {
		l.usage.RecordResult(l.cfg.Name, err)
	}
	l.Adapt()
	return err
}

// Schedule runs fn through l and returns its value.
func Schedule[T any](ctx context.Context, l *Limiter, fn func() (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

func (l *Limiter) acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.refill(now)

		slotFree := l.inFlight < l.effectiveConcurrency()
		tokenFree := l.cfg.CallsPerMinute <= 0 || l.tokens > 0
		if slotFree && tokenFree {
			l.inFlight++
			if l.inFlight > l.peakInFlight {
				l.peakInFlight = l.inFlight
			}
			if l.cfg.CallsPerMinute > 0 {
				l.tokens--
			}
			l.mu.Unlock()
			break
		}

		// Without a free token, wake at the next window boundary; capacity
		// changes wake us earlier.
		wait := time.Duration(-1)
		if !tokenFree {
			wait = l.windowStart.Add(l.cfg.Window).Sub(now)
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
		}
		changed := l.changed
		l.mu.Unlock()

		if err := sleep(ctx, wait, changed); err != nil {
			return fmt.Errorf("%s limiter: %w", l.cfg.Name, err)
		}
	}

	if err := l.spacer.Wait(ctx); err != nil {
		l.mu.Lock()
		if l.cfg.CallsPerMinute > 0 && l.tokens < l.effectiveReservoir() {
			l.tokens++
		}
		l.mu.Unlock()
		l.release()
		if ctx.Err() != nil {
			return fmt.Errorf("%s limiter: %w", l.cfg.Name, ctx.Err())
		}
		return fmt.Errorf("%s limiter: %w", l.cfg.Name, err)
	}

	l.mu.Lock()
	l.dispatched++
	l.mu.Unlock()
	return nil
}

func (l *Limiter) release() {
	l.mu.Lock()
	l.inFlight--
	l.broadcast()
	l.mu.Unlock()
}

// broadcast wakes every waiter. Caller holds mu.
func (l *Limiter) broadcast() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// refill resets the reservoir at window boundaries. Caller holds mu.
func (l *Limiter) refill(now time.Time) {
	if now.Sub(l.windowStart) >= l.cfg.Window {
		l.windowStart = now
		l.tokens = l.effectiveReservoir()
	}
}

// effectiveConcurrency is the adaptive concurrency ceiling. Caller holds mu.
func (l *Limiter) effectiveConcurrency() int {
	return scaled(l.cfg.MaxConcurrent, l.multiplier)
}

// effectiveReservoir is the adaptive reservoir size. Caller holds mu.
func (l *Limiter) effectiveReservoir() int {
	if l.cfg.CallsPerMinute <= 0 {
		return 0
	}
	return scaled(l.cfg.CallsPerMinute, l.multiplier)
}

func scaled(ceiling int, multiplier float64) int {
	n := int(math.Floor(float64(ceiling) * multiplier))
	if n < 1 {
		n = 1
	}
	if n > ceiling {
		n = ceiling
	}
	return n
}

// Adapt reconsiders the ceiling multiplier from the usage signal. Above
// HighWater, or after new rate-limit errors on this dimension, the
// multiplier is scaled down and a cooldown starts. Below LowWater, or when
// usage is unknown and no rate-limit errors arrived, it relaxes toward 1 once
// the cooldown has passed. Adjustments happen at most once per
// AdjustInterval.
func (l *Limiter) Adapt() {
	if l.usage == nil {
		return
	}
	fraction, known := l.usage.Pressure()
	rateLimited := -1
	if rc, ok := l.usage.(RateLimitCounter); ok {
		rateLimited = rc.RateLimitErrors(l.cfg.Name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !l.lastAdjust.IsZero() && now.Sub(l.lastAdjust) < l.cfg.AdjustInterval {
		return
	}

	newRateLimits := 0
	if rateLimited > l.seenRateLimit {
		newRateLimits = rateLimited - l.seenRateLimit
	}
	if rateLimited >= 0 {
		l.seenRateLimit = rateLimited
	}

	next := l.multiplier
	switch {
	case (known && fraction > l.cfg.HighWater) || newRateLimits > 0:
		next = math.Max(l.cfg.MinMultiplier, l.multiplier*l.cfg.ScaleDown)
		l.cooldownUntil = now.Add(l.cfg.Cooldown)
	case (!known || fraction < l.cfg.LowWater) && !now.Before(l.cooldownUntil):
		next = math.Min(1, l.multiplier/l.cfg.ScaleDown)
	}
	if next == l.multiplier {
		return
	}

	prev := l.multiplier
	l.multiplier = next
	l.lastAdjust = now
	if reservoir := l.effectiveReservoir(); l.tokens > reservoir {
		l.tokens = reservoir
	}
	l.broadcast()
	limiterMultiplier.WithLabelValues(l.cfg.Name).Set(next)

	event := l.logger.Info()
	if next < prev {
		event = l.logger.Warn()
	}
	event.
		Float64("usage", fraction).
		Bool("usage_known", known).
		Int("new_rate_limit_errors", newRateLimits).
		Float64("multiplier", next).
		Int("concurrency", l.effectiveConcurrency()).
		Int("reservoir", l.effectiveReservoir()).
		Msg("Limiter ceilings adjusted")
}

// Stats returns a snapshot of the limiter's state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(l.now())
	return Stats{
		Name:                 l.cfg.Name,
		InFlight:             l.inFlight,
		PeakInFlight:         l.peakInFlight,
		TokensRemaining:      l.tokens,
		Multiplier:           l.multiplier,
		EffectiveConcurrency: l.effectiveConcurrency(),
		EffectiveReservoir:   l.effectiveReservoir(),
		Dispatched:           l.dispatched,
	}
}

// sleep waits for d (forever if d < 0), a signal on changed, or ctx.
func sleep(ctx context.Context, d time.Duration, changed <-chan struct{}) error {
	var timeout <-chan time.Time
	if d >= 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
		return nil
	case <-timeout:
		return nil
	}
}
