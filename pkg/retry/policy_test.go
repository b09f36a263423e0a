package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Sternrassler/audience-reach/pkg/reach"
)

func testPolicy() Policy {
	p := DefaultPolicy()
	p.Jitter = 0
	return p
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	if p.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", p.MaxRetries)
	}
	if p.BaseDelay != 1*time.Second {
		t.Errorf("BaseDelay = %v, want 1s", p.BaseDelay)
	}
	if p.MaxDelay != 30*time.Second {
		t.Errorf("MaxDelay = %v, want 30s", p.MaxDelay)
	}
	if p.AppWait <= p.AccountWait {
		t.Errorf("AppWait %v should exceed AccountWait %v", p.AppWait, p.AccountWait)
	}
}

func TestDecide(t *testing.T) {
	p := testPolicy()
	p.RegainHint = func() time.Duration { return 4 * time.Minute }

	tests := []struct {
		name           string
		err            error
		attempt        int
		expectedAction Action
		expectedDelay  time.Duration
	}{
		{
			name:           "auth aborts",
			err:            &reach.Error{Kind: reach.ErrorKindAuth, Code: 190},
			expectedAction: ActionAbort,
		},
		{
			name:           "not found fails",
			err:            &reach.Error{Kind: reach.ErrorKindNotFound},
			expectedAction: ActionFail,
		},
		{
			name:           "rate limited uses retry-after",
			err:            &reach.Error{Kind: reach.ErrorKindRateLimited, RetryAfter: 7 * time.Second},
			expectedAction: ActionRetry,
			expectedDelay:  7 * time.Second,
		},
		{
			name:           "app scope waits minutes",
			err:            &reach.Error{Kind: reach.ErrorKindRateLimited, Scope: reach.ScopeApp},
			expectedAction: ActionRetry,
			expectedDelay:  5 * time.Minute,
		},
		{
			name:           "ad account scope waits tens of seconds",
			err:            &reach.Error{Kind: reach.ErrorKindRateLimited, Scope: reach.ScopeAdAccount},
			expectedAction: ActionRetry,
			expectedDelay:  30 * time.Second,
		},
		{
			name:           "business scope uses tracked decay window",
			err:            &reach.Error{Kind: reach.ErrorKindRateLimited, Scope: reach.ScopeBusiness},
			expectedAction: ActionRetry,
			expectedDelay:  4 * time.Minute,
		},
		{
			name:           "unscoped rate limit uses fallback",
			err:            &reach.Error{Kind: reach.ErrorKindRateLimited},
			expectedAction: ActionRetry,
			expectedDelay:  60 * time.Second,
		},
		{
			name:           "rate limit cap",
			err:            &reach.Error{Kind: reach.ErrorKindRateLimited},
			attempt:        2,
			expectedAction: ActionFail,
		},
		{
			name:           "targeting rejected simplifies once",
			err:            &reach.Error{Kind: reach.ErrorKindTargetingRejected},
			expectedAction: ActionSimplify,
		},
		{
			name:           "targeting rejected after simplify fails",
			err:            &reach.Error{Kind: reach.ErrorKindTargetingRejected},
			attempt:        1,
			expectedAction: ActionFail,
		},
		{
			name:           "transport backs off",
			err:            &reach.Error{Kind: reach.ErrorKindTransport},
			attempt:        2,
			expectedAction: ActionRetry,
			expectedDelay:  4 * time.Second,
		},
		{
			name:           "transport cap",
			err:            &reach.Error{Kind: reach.ErrorKindTransport},
			attempt:        3,
			expectedAction: ActionFail,
		},
		{
			name:           "unclassified error backs off",
			err:            errors.New("connection reset"),
			expectedAction: ActionRetry,
			expectedDelay:  1 * time.Second,
		},
		{
			name:           "wrapped classified error",
			err:            fmt.Errorf("estimate: %w", &reach.Error{Kind: reach.ErrorKindAuth}),
			expectedAction: ActionAbort,
		},
		{
			name:           "context cancelled",
			err:            context.Canceled,
			expectedAction: ActionFail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.err, tt.attempt)
			if d.Action != tt.expectedAction {
				t.Errorf("Action = %s, want %s", d.Action, tt.expectedAction)
			}
			if d.Delay != tt.expectedDelay {
				t.Errorf("Delay = %v, want %v", d.Delay, tt.expectedDelay)
			}
		})
	}
}

func TestDecide_BusinessFallback(t *testing.T) {
	p := testPolicy()
	p.RegainHint = func() time.Duration { return 0 }

	d := p.Decide(&reach.Error{Kind: reach.ErrorKindRateLimited, Scope: reach.ScopeBusiness}, 0)
	if d.Delay != p.BusinessWaitFallback {
		t.Errorf("Delay = %v, want fallback %v", d.Delay, p.BusinessWaitFallback)
	}
}

func TestDecide_FixedEnvelope(t *testing.T) {
	p := testPolicy().WithFixedEnvelope()

	if d := p.Decide(&reach.Error{Kind: reach.ErrorKindTargetingRejected}, 0); d.Action != ActionFail {
		t.Errorf("Action = %v, want %v", d.Action, ActionFail)
	}
	// Other kinds are unaffected.
	if d := p.Decide(&reach.Error{Kind: reach.ErrorKindTransport}, 0); d.Action != ActionRetry {
		t.Errorf("transport Action = %v, want %v", d.Action, ActionRetry)
	}
	if testPolicy().FixedEnvelope {
		t.Error("WithFixedEnvelope() modified the receiver")
	}
}

func TestBackoff(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		n        int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.n); got != tt.expected {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.expected)
		}
	}
}

func TestBackoff_Jitter(t *testing.T) {
	p := DefaultPolicy()
	for i := 0; i < 100; i++ {
		d := p.Backoff(1)
		if d < 1600*time.Millisecond || d > 2400*time.Millisecond {
			t.Fatalf("Backoff(1) = %v, want within ±20%% of 2s", d)
		}
	}
}
