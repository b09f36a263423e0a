// Package batch runs reach estimation over a list of units: it partitions the
// units into batches sized by the active profile, fans each batch out through
// the lookup and estimate limiters, pauses between batches and accounts for
// every unit in the final report.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/audience-reach/pkg/cache"
	"github.com/Sternrassler/audience-reach/pkg/config"
	"github.com/Sternrassler/audience-reach/pkg/progress"
	"github.com/Sternrassler/audience-reach/pkg/ratelimit"
	"github.com/Sternrassler/audience-reach/pkg/reach"
	"github.com/Sternrassler/audience-reach/pkg/results"
	"github.com/Sternrassler/audience-reach/pkg/retry"
	"github.com/Sternrassler/audience-reach/pkg/targeting"
)

// Prometheus metrics for batch runs.
var (
	batchUnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_batch_units_total",
		Help: "Units finished by terminal state",
	}, []string{"state"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reach_batch_duration_seconds",
		Help:    "Duration of one batch in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	batchRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_batch_runs_total",
		Help: "Runs finished by outcome",
	}, []string{"outcome"})
)

// ErrAborted is returned when a run stops early on a run-level failure.
var ErrAborted = errors.New("run aborted")

// DefaultSinkTimeout bounds each persistence call.
const DefaultSinkTimeout = 10 * time.Second

// DefaultObserverFlush bounds how long a finished run waits for the progress
// observer to take the final snapshot.
const DefaultObserverFlush = 2 * time.Second

// Client is the remote API as seen by the scheduler. *client.Client
// implements it.
type Client interface {
	Resolve(ctx context.Context, unit reach.Unit) (reach.ResolvedKey, error)
	EstimateBaseline(ctx context.Context, accountID string, key reach.ResolvedKey) (reach.Range, error)
	EstimateTargeted(ctx context.Context, accountID string, key reach.ResolvedKey, spec targeting.Spec) (reach.Range, error)
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Client          Client
	LookupLimiter   *ratelimit.Limiter
	EstimateLimiter *ratelimit.Limiter

	// Cache is optional; a process-local cache is created if nil.
	Cache *cache.ResolutionCache

	Policy retry.Policy

	// Observer receives progress snapshots. Optional.
	Observer progress.Observer

	// Sink persists results. Optional.
	Sink results.Sink

	// Logger receives run and batch logs; the zero Logger discards them.
	Logger zerolog.Logger
}

// Request describes one run.
type Request struct {
	ProjectID string
	AccountID string
	Units     []reach.Unit
	Targeting targeting.Spec
}

// Scheduler executes runs. One Scheduler may serve several runs; runs
// sharing a Scheduler share its limiters and cache.
type Scheduler struct {
	deps          Deps
	profile       config.Profile
	sinkTimeout   time.Duration
	observerFlush time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
	now           func() time.Time
}

// New creates a scheduler.
func New(deps Deps, profile config.Profile) (*Scheduler, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if deps.LookupLimiter == nil || deps.EstimateLimiter == nil {
		return nil, fmt.Errorf("lookup and estimate limiters are required")
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if deps.Cache == nil {
		deps.Cache = cache.New(cache.DefaultTTL, cache.WithLogger(deps.Logger))
	}
	if deps.Sink == nil {
		deps.Sink = results.NopSink{}
	}

	return &Scheduler{
		deps:          deps,
		profile:       profile,
		sinkTimeout:   DefaultSinkTimeout,
		observerFlush: DefaultObserverFlush,
		sleep:         retry.Sleep,
		now:           time.Now,
	}, nil
}

// Profile returns the active profile.
func (s *Scheduler) Profile() config.Profile {
	return s.profile
}

// run is the state of one Run call.
type run struct {
	id       string
	req      Request
	logger   zerolog.Logger
	results  []reach.EstimateResult
	finished []bool
	reporter *progress.Reporter
	writer   *sinkWriter

	cancel    context.CancelFunc
	abortOnce sync.Once
	abortErr  error
	mu        sync.Mutex
}

// Run estimates every unit of req. The report holds exactly one result per
// input unit, in input order. The error is non-nil only for invalid requests
// and run-level failures; in the latter case the report is still complete.
func (s *Scheduler) Run(ctx context.Context, req Request) (*reach.Report, error) {
	if req.AccountID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	if err := req.Targeting.Validate(); err != nil {
		return nil, fmt.Errorf("invalid targeting: %w", err)
	}

	started := s.now()
	r := &run{
		id:       uuid.NewString(),
		req:      req,
		results:  make([]reach.EstimateResult, len(req.Units)),
		finished: make([]bool, len(req.Units)),
	}
	r.logger = s.deps.Logger.With().
		Str("component", "batch").
		Str("run_id", r.id).
		Str("project_id", req.ProjectID).
		Logger()
	r.reporter = progress.NewReporter(len(req.Units), s.deps.Observer, r.logger)
	r.writer = startSinkWriter(ctx, s.deps.Sink, req.ProjectID, len(req.Units), s.sinkTimeout, r.logger)
	for i, u := range req.Units {
		r.results[i] = reach.EstimateResult{Unit: u, State: reach.StatePending}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	total := len(req.Units)
	size := s.profile.BatchSize(total)
	batches := (total + size - 1) / size

	r.logger.Info().
		Int("units", total).
		Int("batch_size", size).
		Int("batches", batches).
		Str("profile", s.profile.Name).
		Msg("Starting estimation run")

	for start, n := 0, 0; start < total; start, n = start+size, n+1 {
		end := min(start+size, total)
		if runCtx.Err() != nil {
			r.cancelRange(start, total)
			break
		}

		s.runBatch(runCtx, r, n, start, end)

		if end < total {
			delay := s.profile.BatchDelay(end - start)
			r.logger.Debug().Int("batch", n).Dur("delay", delay).Msg("Waiting before next batch")
			// A cancelled wait leaves the remaining units to the check above.
			_ = s.sleep(runCtx, delay)
		}
	}

	r.reporter.Close(s.observerFlush)
	report := r.report(started, s.now())
	r.writer.close(report.Successful, report.Errors)

	outcome := "completed"
	switch {
	case r.abortErr != nil:
		outcome = "aborted"
	case report.Cancelled > 0:
		outcome = "cancelled"
	}
	batchRunsTotal.WithLabelValues(outcome).Inc()

	event := r.logger.Info()
	if r.abortErr != nil {
		event = r.logger.Error().Err(r.abortErr)
	}
	event.
		Int("processed", report.TotalProcessed).
		Int("successful", report.Successful).
		Int("errors", report.Errors).
		Int("cancelled", report.Cancelled).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Str("outcome", outcome).
		Msg("Estimation run finished")

	if r.abortErr != nil {
		return report, fmt.Errorf("%w: %w", ErrAborted, r.abortErr)
	}
	return report, nil
}

// runBatch processes units [start, end) concurrently and waits for all of
// them. Units left without a result by a panic are marked batch failures.
func (s *Scheduler) runBatch(ctx context.Context, r *run, n, start, end int) {
	batchStart := time.Now()
	r.logger.Info().Int("batch", n).Int("from", start).Int("to", end).Msg("Processing batch")

	var (
		wg       sync.WaitGroup
		panicked sync.Once
		cause    any
	)
	for i := start; i < end; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					panicked.Do(func() { cause = p })
				}
			}()
			r.finish(i, s.processUnit(ctx, r, i))
		}(i)
	}
	wg.Wait()

	if cause != nil {
		r.logger.Error().
			Int("batch", n).
			Str("panic", fmt.Sprint(cause)).
			Msg("Batch failed")
		msg := fmt.Sprintf("batch %d failed: %v", n, cause)
		for i := start; i < end; i++ {
			res := r.results[i]
			res.State = reach.StateFailed
			res.ErrorKind = reach.ErrorKindBatchFailure
			res.ErrorMessage = msg
			r.finish(i, res)
		}
	}

	batchDuration.Observe(time.Since(batchStart).Seconds())
}

// finish stores the terminal result of unit i. Later calls for the same unit
// are ignored.
func (r *run) finish(i int, res reach.EstimateResult) {
	r.mu.Lock()
	if r.finished[i] {
		r.mu.Unlock()
		return
	}
	r.finished[i] = true
	r.results[i] = res
	r.mu.Unlock()

	batchUnitsTotal.WithLabelValues(string(res.State)).Inc()
	if res.State == reach.StateCancelled {
		return
	}
	r.reporter.Record(i, res.Success)
	r.writer.persist(res)
}

// cancelRange marks units [start, end) cancelled.
func (r *run) cancelRange(start, end int) {
	msg := r.cancelMessage()
	for i := start; i < end; i++ {
		res := r.results[i]
		res.State = reach.StateCancelled
		res.ErrorKind = reach.ErrorKindCancelled
		res.ErrorMessage = msg
		r.finish(i, res)
	}
}

// abort stops the run on a run-level failure. The first cause wins.
func (r *run) abort(err error) {
	r.abortOnce.Do(func() {
		r.mu.Lock()
		r.abortErr = err
		r.mu.Unlock()
		r.logger.Error().Err(err).Msg("Aborting run")
		r.cancel()
	})
}

func (r *run) cancelMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abortErr != nil {
		return fmt.Sprintf("cancelled: run aborted on %s error: %v", reach.KindOf(r.abortErr), r.abortErr)
	}
	return "cancelled before dispatch"
}

// report aggregates the results. Cancelled units are neither processed nor
// errors.
func (r *run) report(started, finished time.Time) *reach.Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := &reach.Report{
		RunID:        r.id,
		Results:      make([]reach.EstimateResult, len(r.results)),
		ErrorDetails: []reach.ErrorDetail{},
		StartedAt:    started,
		FinishedAt:   finished,
	}
	copy(rep.Results, r.results)

	for _, res := range rep.Results {
		switch {
		case res.State == reach.StateCancelled:
			rep.Cancelled++
			continue
		case res.Success:
			rep.Successful++
		default:
			rep.Errors++
		}
		rep.TotalProcessed++
		if res.ErrorKind != "" {
			rep.ErrorDetails = append(rep.ErrorDetails, reach.ErrorDetail{
				Unit:    res.Unit,
				Kind:    res.ErrorKind,
				Message: res.ErrorMessage,
				Code:    res.ErrorCode,
			})
		}
	}
	return rep
}
