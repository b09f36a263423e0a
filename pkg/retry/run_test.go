package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/audience-reach/pkg/reach"
)

// fastPolicy keeps test waits short.
func fastPolicy() Policy {
	p := testPolicy()
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond
	p.AccountWait = time.Millisecond
	p.DefaultRateWait = time.Millisecond
	return p
}

func TestRun_SucceedsAfterRateLimit(t *testing.T) {
	calls := 0
	out, err := Run(context.Background(), fastPolicy(), func(ctx context.Context, a Attempt) error {
		calls++
		if a.Number == 1 {
			return &reach.Error{Kind: reach.ErrorKindRateLimited, Scope: reach.ScopeAdAccount}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Retries != 1 || calls != 2 {
		t.Errorf("Retries = %d, calls = %d; want 1, 2", out.Retries, calls)
	}
}

func TestRun_Exhausted(t *testing.T) {
	calls := 0
	out, err := Run(context.Background(), fastPolicy(), func(ctx context.Context, a Attempt) error {
		calls++
		return &reach.Error{Kind: reach.ErrorKindTransport, Message: "reset"}
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}
	if reach.KindOf(err) != reach.ErrorKindTransport {
		t.Errorf("KindOf = %s, want transport", reach.KindOf(err))
	}
	if calls != 4 || out.Retries != 3 {
		t.Errorf("calls = %d, retries = %d; want 4, 3", calls, out.Retries)
	}
}

func TestRun_AbortsOnAuth(t *testing.T) {
	calls := 0
	_, err := Run(context.Background(), fastPolicy(), func(ctx context.Context, a Attempt) error {
		calls++
		return &reach.Error{Kind: reach.ErrorKindAuth}
	})

	if reach.KindOf(err) != reach.ErrorKindAuth {
		t.Errorf("error = %v, want auth", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, auth must not be retried", calls)
	}
}

func TestRun_SimplifiesOnce(t *testing.T) {
	var attempts []Attempt
	out, err := Run(context.Background(), fastPolicy(), func(ctx context.Context, a Attempt) error {
		attempts = append(attempts, a)
		if !a.Simplified {
			return &reach.Error{Kind: reach.ErrorKindTargetingRejected}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !out.Simplified || out.Retries != 1 {
		t.Errorf("Outcome = %+v, want simplified with 1 retry", out)
	}
	if len(attempts) != 2 || attempts[0].Simplified || !attempts[1].Simplified {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestRun_SimplifiedStillRejected(t *testing.T) {
	calls := 0
	out, err := Run(context.Background(), fastPolicy(), func(ctx context.Context, a Attempt) error {
		calls++
		return &reach.Error{Kind: reach.ErrorKindTargetingRejected}
	})

	if reach.KindOf(err) != reach.ErrorKindTargetingRejected {
		t.Errorf("error = %v, want targeting_rejected", err)
	}
	if calls != 2 || !out.Simplified {
		t.Errorf("calls = %d, outcome = %+v", calls, out)
	}
}

func TestRun_FixedEnvelopeRejectedOnce(t *testing.T) {
	calls := 0
	out, err := Run(context.Background(), fastPolicy().WithFixedEnvelope(), func(ctx context.Context, a Attempt) error {
		calls++
		return &reach.Error{Kind: reach.ErrorKindTargetingRejected}
	})

	if reach.KindOf(err) != reach.ErrorKindTargetingRejected {
		t.Errorf("error = %v, want targeting_rejected", err)
	}
	if calls != 1 || out.Simplified || out.Retries != 0 {
		t.Errorf("calls = %d, outcome = %+v, want a single unsimplified call", calls, out)
	}
}

func TestRun_CancelDuringBackoff(t *testing.T) {
	p := fastPolicy()
	p.AppWait = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	calls := 0
	_, err := Run(ctx, p, func(ctx context.Context, a Attempt) error {
		calls++
		return &reach.Error{Kind: reach.ErrorKindRateLimited, Scope: reach.ScopeApp}
	})

	if !errors.Is(err, ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", err)
	}
	if reach.KindOf(err) != reach.ErrorKindRateLimited {
		t.Errorf("KindOf = %s, want rate_limited", reach.KindOf(err))
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took %v, backoff was not interrupted", elapsed)
	}
}

func TestRun_NoRetryAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Run(ctx, fastPolicy(), func(ctx context.Context, a Attempt) error {
		calls++
		cancel()
		return &reach.Error{Kind: reach.ErrorKindTransport}
	})

	if err == nil || calls != 1 {
		t.Errorf("calls = %d, err = %v; want a single call", calls, err)
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() on cancelled ctx = %v", err)
	}
}
