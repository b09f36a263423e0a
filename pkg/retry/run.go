package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/audience-reach/pkg/reach"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"kind"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reach_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error kind",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error kind",
	}, []string{"kind"})
)

var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrCancelled is returned when the context is cancelled during a backoff.
	ErrCancelled = errors.New("cancelled during retry backoff")
)

// Attempt describes one execution of a retried call.
type Attempt struct {
	// Number is 1 for the first call.
	Number int

	// Simplified is true once the call should use the reduced envelope.
	Simplified bool
}

// Outcome summarizes a retried call.
type Outcome struct {
	Retries    int
	Simplified bool
}

// Run calls op until it succeeds or the policy gives up. Waits between
// attempts end early when ctx is done, and no attempt starts after ctx is
// done. The returned error wraps the last error of op, so reach.KindOf
// reports its kind.
func Run(ctx context.Context, p Policy, op func(ctx context.Context, a Attempt) error) (Outcome, error) {
	var out Outcome
	spent := make(map[reach.ErrorKind]int)

	for {
		err := op(ctx, Attempt{Number: out.Retries + 1, Simplified: out.Simplified})
		if err == nil {
			if out.Retries > 0 {
				log.Debug().
					Int("retries", out.Retries).
					Bool("simplified", out.Simplified).
					Msg("Call succeeded after retry")
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return out, err
		}

		kind := reach.KindOf(err)
		decision := p.Decide(err, spent[kind])

		switch decision.Action {
		case ActionAbort:
			return out, err

		case ActionFail:
			if spent[kind] > 0 {
				retryExhaustedTotal.WithLabelValues(string(kind)).Inc()
				log.Warn().
					Str("kind", string(kind)).
					Int("retries", out.Retries).
					Msg("Retry attempts exhausted")
				return out, fmt.Errorf("%w after %d retries: %w", ErrRetryExhausted, out.Retries, err)
			}
			return out, err

		case ActionSimplify:
			out.Simplified = true
			log.Debug().Str("kind", string(kind)).Msg("Retrying with simplified targeting")

		case ActionRetry:
			retryBackoffSeconds.WithLabelValues(string(kind)).Observe(decision.Delay.Seconds())
			log.Debug().
				Str("kind", string(kind)).
				Int("attempt", out.Retries+1).
				Dur("backoff", decision.Delay).
				Msg("Retrying call after backoff")

			if serr := Sleep(ctx, decision.Delay); serr != nil {
				log.Warn().
					Str("kind", string(kind)).
					Int("attempt", out.Retries+1).
					Msg("Context cancelled during retry backoff")
				return out, fmt.Errorf("%w (%v): %w", ErrCancelled, serr, err)
			}
		}

		spent[kind]++
		out.Retries++
		retriesTotal.WithLabelValues(string(kind)).Inc()
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
