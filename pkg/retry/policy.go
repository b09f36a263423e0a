// Package retry decides whether a failed reach API call is retried, how long
// to wait first, and runs calls under that policy with cancellable waits.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/Sternrassler/audience-reach/pkg/reach"
)

// Action is the outcome of a retry decision.
type Action string

const (
	// ActionRetry retries the same call after Delay.
	ActionRetry Action = "retry"
	// ActionSimplify retries once with the reduced targeting envelope.
	ActionSimplify Action = "simplify"
	// ActionFail surfaces the error as the unit's terminal failure.
	ActionFail Action = "fail"
	// ActionAbort stops the whole run.
	ActionAbort Action = "abort"
)

// Decision tells the caller what to do with a failed call.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Policy holds retry limits and wait durations.
type Policy struct {
	// MaxRetries caps retries of transport and unknown errors.
	MaxRetries int

	// RateLimitRetries caps retries of rate-limited calls.
	RateLimitRetries int

	// Exponential backoff for transport and unknown errors: BaseDelay * 2^n,
	// capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Waits by throttling scope when the response suggests none.
	AppWait              time.Duration
	AccountWait          time.Duration
	BusinessWaitFallback time.Duration
	DefaultRateWait      time.Duration

	// Jitter randomizes backoff delays by ±Jitter (0.2 = ±20%).
	Jitter float64

	// RegainHint returns the tracked business use case decay window, or 0.
	RegainHint func() time.Duration

	// FixedEnvelope marks calls that carry no targeting to simplify.
	// Rejected targeting then fails at once.
	FixedEnvelope bool
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:           3,
		RateLimitRetries:     2,
		BaseDelay:            1 * time.Second,
		MaxDelay:             30 * time.Second,
		AppWait:              5 * time.Minute,
		AccountWait:          30 * time.Second,
		BusinessWaitFallback: 60 * time.Second,
		DefaultRateWait:      60 * time.Second,
		Jitter:               0.2,
	}
}

// Decide returns the decision for err. attempt is the number of retries
// already spent on errors of the same kind.
func (p Policy) Decide(err error, attempt int) Decision {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Decision{Action: ActionFail}
	}

	var re *reach.Error
	if !errors.As(err, &re) {
		return p.backoffDecision(attempt)
	}

	switch re.Kind {
	case reach.ErrorKindAuth:
		return Decision{Action: ActionAbort}
	case reach.ErrorKindRateLimited:
		if attempt >= p.RateLimitRetries {
			return Decision{Action: ActionFail}
		}
		return Decision{Action: ActionRetry, Delay: p.rateLimitWait(re)}
	case reach.ErrorKindTargetingRejected:
		if p.FixedEnvelope || attempt >= 1 {
			return Decision{Action: ActionFail}
		}
		return Decision{Action: ActionSimplify}
	case reach.ErrorKindTransport, reach.ErrorKindUnknown:
		return p.backoffDecision(attempt)
	default:
		return Decision{Action: ActionFail}
	}
}

// WithFixedEnvelope returns a copy of p for calls that cannot be simplified.
func (p Policy) WithFixedEnvelope() Policy {
	p.FixedEnvelope = true
	return p
}

func (p Policy) backoffDecision(attempt int) Decision {
	if attempt >= p.MaxRetries {
		return Decision{Action: ActionFail}
	}
	return Decision{Action: ActionRetry, Delay: p.Backoff(attempt)}
}

// rateLimitWait is the service-suggested wait, or the wait of the
// throttled scope.
func (p Policy) rateLimitWait(e *reach.Error) time.Duration {
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	switch e.Scope {
	case reach.ScopeApp:
		return p.AppWait
	case reach.ScopeAdAccount:
		return p.AccountWait
	case reach.ScopeBusiness:
		if p.RegainHint != nil {
			if d := p.RegainHint(); d > 0 {
				return d
			}
		}
		return p.BusinessWaitFallback
	default:
		return p.DefaultRateWait
	}
}

// Backoff returns the jittered exponential delay before retry n (0-based).
func (p Policy) Backoff(n int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(2, float64(n))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d *= 1 - p.Jitter + rand.Float64()*2*p.Jitter
	}
	return time.Duration(d)
}
