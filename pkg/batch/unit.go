package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/audience-reach/pkg/cache"
	"github.com/Sternrassler/audience-reach/pkg/ratelimit"
	"github.com/Sternrassler/audience-reach/pkg/reach"
	"github.com/Sternrassler/audience-reach/pkg/retry"
)

// BaselineFingerprint keys cached baseline estimates. Baselines do not depend
// on the run's targeting.
const BaselineFingerprint = "baseline"

// unitWork tracks one unit across its remote calls.
type unitWork struct {
	// dispatched is set once the unit holds its first limiter slot or has a
	// resolved key.
	dispatched atomic.Bool
	retries    atomic.Int32
	misses     atomic.Int32
}

// call runs fn through limiter under policy. Retries stop when ctx is done.
// Once the unit is dispatched, limiter waits and the calls themselves no
// longer observe cancellation, so in-flight work completes.
func (s *Scheduler) call(ctx context.Context, policy retry.Policy, limiter *ratelimit.Limiter, w *unitWork, fn func(ctx context.Context, a retry.Attempt) error) (retry.Outcome, error) {
	out, err := retry.Run(ctx, policy, func(rctx context.Context, a retry.Attempt) error {
		waitCtx := rctx
		if w.dispatched.Load() {
			waitCtx = context.WithoutCancel(rctx)
		}
		return limiter.Do(waitCtx, func() error {
			w.dispatched.Store(true)
			return fn(context.WithoutCancel(rctx), a)
		})
	})
	w.retries.Add(int32(out.Retries))
	return out, err
}

// processUnit resolves and estimates unit i and returns its terminal result.
func (s *Scheduler) processUnit(ctx context.Context, r *run, i int) reach.EstimateResult {
	start := time.Now()
	unit := r.req.Units[i]
	res := reach.EstimateResult{Unit: unit, State: reach.StatePending}
	logger := r.logger.With().Str("unit", unit.Key()).Int("index", i).Logger()

	if ctx.Err() != nil {
		return s.cancelled(r, res)
	}

	w := &unitWork{}

	logger.Debug().Str("state", string(reach.StateResolving)).Msg("Unit state")
	key, hit, err := s.deps.Cache.GetOrResolve(ctx, unit, func(context.Context) (reach.ResolvedKey, error) {
		var key reach.ResolvedKey
		_, err := s.call(ctx, s.deps.Policy.WithFixedEnvelope(), s.deps.LookupLimiter, w, func(cctx context.Context, _ retry.Attempt) error {
			var err error
			key, err = s.deps.Client.Resolve(cctx, unit)
			return err
		})
		return key, err
	})
	if !hit {
		w.misses.Add(1)
	}
	if err != nil {
		return s.failed(r, res, w, err, start)
	}
	res.ResolvedKey = key
	// A unit with a key is in flight even when the key came from the cache,
	// so both estimates wait for their slots regardless of cancellation.
	w.dispatched.Store(true)

	logger.Debug().Str("state", string(reach.StateEstimating)).Msg("Unit state")

	var (
		wg                     sync.WaitGroup
		baseline, targeted     cache.Estimate
		baselineErr, targetErr error
		panicOnce              sync.Once
		panicked               any
	)
	// Panics in the estimate goroutines resurface on the unit's goroutine,
	// where the batch recovers them.
	guard := func() {
		if p := recover(); p != nil {
			panicOnce.Do(func() { panicked = p })
		}
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer guard()
		baseline, baselineErr = s.estimate(ctx, s.deps.Policy.WithFixedEnvelope(), w, key, BaselineFingerprint, func(cctx context.Context, _ retry.Attempt) (reach.Range, error) {
			return s.deps.Client.EstimateBaseline(cctx, r.req.AccountID, key)
		})
	}()
	go func() {
		defer wg.Done()
		defer guard()
		targeted, targetErr = s.estimate(ctx, s.deps.Policy, w, key, r.req.Targeting.Fingerprint(), func(cctx context.Context, a retry.Attempt) (reach.Range, error) {
			spec := r.req.Targeting
			if a.Simplified {
				spec = spec.Simplified()
			}
			return s.deps.Client.EstimateTargeted(cctx, r.req.AccountID, key, spec)
		})
	}()
	wg.Wait()
	if panicked != nil {
		panic(panicked)
	}

	res.Retries = int(w.retries.Load())
	res.CacheHit = w.misses.Load() == 0
	res.Duration = time.Since(start)

	switch {
	case baselineErr != nil && targetErr != nil:
		return s.failed(r, res, w, baselineErr, start)
	case baselineErr != nil || targetErr != nil:
		err := baselineErr
		if err == nil {
			err = targetErr
		}
		if s.isAbort(err) {
			r.abort(err)
		}
		res.State = reach.StateCompleted
		res.Partial = true
		res.BaselineEstimate = baseline.Range
		res.TargetedEstimate = targeted.Range
		res.Simplified = targeted.Simplified
		res.ErrorKind = reach.KindOf(err)
		res.ErrorCode = reach.CodeOf(err)
		res.ErrorMessage = err.Error()
		logger.Warn().Err(err).Str("kind", string(res.ErrorKind)).Msg("Unit partially estimated")
		return res
	}

	res.State = reach.StateCompleted
	res.Success = true
	res.BaselineEstimate = baseline.Range
	res.TargetedEstimate = targeted.Range
	res.Simplified = targeted.Simplified
	res.NoisyTargeting = targeted.Range.LowerBound > baseline.Range.LowerBound
	if res.NoisyTargeting {
		logger.Warn().
			Int64("baseline_lower", baseline.Range.LowerBound).
			Int64("targeted_lower", targeted.Range.LowerBound).
			Msg("Targeted estimate exceeds baseline")
	}
	logger.Debug().
		Bool("cache_hit", res.CacheHit).
		Int("retries", res.Retries).
		Dur("duration", res.Duration).
		Msg("Unit completed")
	return res
}

// estimate returns the cached estimate for (key, fingerprint) or fetches it.
func (s *Scheduler) estimate(ctx context.Context, policy retry.Policy, w *unitWork, key reach.ResolvedKey, fingerprint string, fetch func(context.Context, retry.Attempt) (reach.Range, error)) (cache.Estimate, error) {
	est, hit, err := s.deps.Cache.GetOrEstimate(ctx, key, fingerprint, func(context.Context) (cache.Estimate, error) {
		var rng reach.Range
		out, err := s.call(ctx, policy, s.deps.EstimateLimiter, w, func(cctx context.Context, a retry.Attempt) error {
			var err error
			rng, err = fetch(cctx, a)
			return err
		})
		if err != nil {
			return cache.Estimate{}, err
		}
		return cache.Estimate{Range: rng, Simplified: out.Simplified}, nil
	})
	if !hit {
		w.misses.Add(1)
	}
	return est, err
}

// failed builds the result of a unit that produced no usable estimate.
// A unit that never held a limiter slot and stopped on cancellation is
// cancelled rather than failed.
func (s *Scheduler) failed(r *run, res reach.EstimateResult, w *unitWork, err error, start time.Time) reach.EstimateResult {
	if !w.dispatched.Load() && isContextErr(err) {
		return s.cancelled(r, res)
	}
	if s.isAbort(err) {
		r.abort(err)
	}

	res.State = reach.StateFailed
	res.Success = false
	res.BaselineEstimate = reach.Range{}
	res.TargetedEstimate = reach.Range{}
	res.ErrorKind = reach.KindOf(err)
	if isContextErr(err) && !errors.As(err, new(*reach.Error)) {
		res.ErrorKind = reach.ErrorKindCancelled
	}
	res.ErrorCode = reach.CodeOf(err)
	res.ErrorMessage = err.Error()
	res.Retries = int(w.retries.Load())
	res.Duration = time.Since(start)

	r.logger.Warn().
		Err(err).
		Str("unit", res.Unit.Key()).
		Str("kind", string(res.ErrorKind)).
		Int("retries", res.Retries).
		Msg("Unit failed")
	return res
}

func (s *Scheduler) cancelled(r *run, res reach.EstimateResult) reach.EstimateResult {
	res.State = reach.StateCancelled
	res.Success = false
	res.ErrorKind = reach.ErrorKindCancelled
	res.ErrorMessage = r.cancelMessage()
	return res
}

// isAbort reports whether err stops the whole run.
func (s *Scheduler) isAbort(err error) bool {
	return s.deps.Policy.Decide(err, 0).Action == retry.ActionAbort
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
