package usage

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type throttled struct{}

func (throttled) Error() string     { return "throttled" }
func (throttled) IsRateLimit() bool { return true }

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func usageHeaders(app, account, business string) http.Header {
	h := http.Header{}
	if app != "" {
		h.Set(HeaderAppUsage, app)
	}
	if account != "" {
		h.Set(HeaderAdAccountUsage, account)
	}
	if business != "" {
		h.Set(HeaderBusinessUsage, business)
	}
	return h
}

func TestRecordCallAndResult(t *testing.T) {
	clock := newFakeClock()
	tracker := NewTracker(testLogger(), WithClock(clock.Now))

	tracker.RecordCall("lookup")
	tracker.RecordCall("lookup")
	tracker.RecordResult("lookup", nil)
	tracker.RecordResult("lookup", errors.New("boom"))
	tracker.RecordResult("lookup", throttled{})

	snap := tracker.Snapshot("lookup")
	if snap.TotalCalls != 2 || snap.CallsThisWindow != 2 {
		t.Errorf("calls = %d/%d, want 2/2", snap.TotalCalls, snap.CallsThisWindow)
	}
	if snap.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2", snap.ErrorCount)
	}
	if snap.RateLimitErrorCount != 1 {
		t.Errorf("RateLimitErrorCount = %d, want 1", snap.RateLimitErrorCount)
	}
	if got := tracker.RateLimitErrors("lookup"); got != 1 {
		t.Errorf("RateLimitErrors(lookup) = %d, want 1", got)
	}
	if got := tracker.RateLimitErrors("estimate"); got != 0 {
		t.Errorf("RateLimitErrors(estimate) = %d, want 0", got)
	}

	clock.Advance(61 * time.Second)
	snap = tracker.Snapshot("lookup")
	if snap.CallsThisWindow != 0 {
		t.Errorf("CallsThisWindow after window = %d, want 0", snap.CallsThisWindow)
	}
	if snap.TotalCalls != 2 {
		t.Errorf("TotalCalls after window = %d, want 2", snap.TotalCalls)
	}
}

func TestRecordHeaders(t *testing.T) {
	tests := []struct {
		name             string
		headers          http.Header
		expectedState    State
		expectedPressure float64
		shouldError      bool
	}{
		{
			name:          "no headers stays unknown",
			headers:       http.Header{},
			expectedState: StateUnknown,
		},
		{
			name:             "app usage",
			headers:          usageHeaders(`{"call_count":28,"total_cputime":25,"total_time":30}`, "", ""),
			expectedState:    StateKnown,
			expectedPressure: 0.30,
		},
		{
			name:             "ad account usage",
			headers:          usageHeaders("", `{"acc_id_util_pct":91.5,"reset_time_duration":0,"ads_api_access_tier":"standard_access"}`, ""),
			expectedState:    StateKnown,
			expectedPressure: 0.915,
		},
		{
			name: "business use case usage",
			headers: usageHeaders("", "", `{"123":[{"type":"ads_management","call_count":95,"total_cputime":20,"total_time":20,"estimated_time_to_regain_access":3,"ads_api_access_tier":"development_access"}]}`),
			expectedState:    StateKnown,
			expectedPressure: 0.95,
		},
		{
			name:          "malformed header",
			headers:       usageHeaders("not json", "", ""),
			expectedState: StateUnknown,
			shouldError:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(testLogger())
			err := tracker.RecordHeaders(context.Background(), tt.headers)
			if (err != nil) != tt.shouldError {
				t.Fatalf("RecordHeaders() error = %v, shouldError %v", err, tt.shouldError)
			}
			if tracker.State() != tt.expectedState {
				t.Errorf("State() = %s, want %s", tracker.State(), tt.expectedState)
			}
			pressure, ok := tracker.Pressure()
			if ok != (tt.expectedState == StateKnown) {
				t.Errorf("Pressure() ok = %v", ok)
			}
			if diff := pressure - tt.expectedPressure; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Pressure() = %v, want %v", pressure, tt.expectedPressure)
			}
		})
	}
}

func TestMalformedHeaderDropsKnownState(t *testing.T) {
	tracker := NewTracker(testLogger())
	ctx := context.Background()

	if err := tracker.RecordHeaders(ctx, usageHeaders(`{"call_count":10}`, "", "")); err != nil {
		t.Fatalf("RecordHeaders() error = %v", err)
	}
	if tracker.State() != StateKnown {
		t.Fatal("expected known state")
	}
	if err := tracker.RecordHeaders(ctx, usageHeaders("{", "", "")); err == nil {
		t.Fatal("expected parse error")
	}
	if tracker.State() != StateUnknown {
		t.Error("malformed header should drop tracker to unknown")
	}
}

func TestPartialHeadersMerge(t *testing.T) {
	tracker := NewTracker(testLogger())
	ctx := context.Background()

	_ = tracker.RecordHeaders(ctx, usageHeaders("", `{"acc_id_util_pct":60,"ads_api_access_tier":"standard_access"}`, ""))
	_ = tracker.RecordHeaders(ctx, usageHeaders(`{"call_count":20}`, "", ""))

	pressure, ok := tracker.Pressure()
	if !ok || pressure != 0.60 {
		t.Errorf("Pressure() = %v, %v; want 0.60 from the earlier ad account header", pressure, ok)
	}
}

func TestStaleObservationIsUnknown(t *testing.T) {
	clock := newFakeClock()
	tracker := NewTracker(testLogger(), WithClock(clock.Now), WithStaleAfter(time.Minute))

	_ = tracker.RecordHeaders(context.Background(), usageHeaders(`{"call_count":50}`, "", ""))
	if tracker.State() != StateKnown {
		t.Fatal("expected known state")
	}

	clock.Advance(2 * time.Minute)
	if tracker.State() != StateUnknown {
		t.Error("stale observation should be unknown")
	}
	if _, ok := tracker.Pressure(); ok {
		t.Error("Pressure() should not be ok when stale")
	}
}

func TestRegainAccessIn(t *testing.T) {
	tracker := NewTracker(testLogger())
	_ = tracker.RecordHeaders(context.Background(), usageHeaders("", "",
		`{"1":[{"type":"ads_management","call_count":100,"estimated_time_to_regain_access":4}],"2":[{"type":"ads_insights","call_count":10,"estimated_time_to_regain_access":1}]}`))

	if got := tracker.RegainAccessIn(); got != 4*time.Minute {
		t.Errorf("RegainAccessIn() = %v, want 4m", got)
	}
}

func TestReportProjectionsAndRecommendations(t *testing.T) {
	clock := newFakeClock()
	tracker := NewTracker(testLogger(), WithClock(clock.Now))

	// 20 calls over two minutes: 10 calls/minute.
	for i := 0; i < 20; i++ {
		tracker.RecordCall("estimate")
	}
	clock.Advance(2 * time.Minute)

	_ = tracker.RecordHeaders(context.Background(), usageHeaders(
		`{"call_count":50}`,
		`{"acc_id_util_pct":85,"ads_api_access_tier":"development_access"}`,
		"",
	))

	report := tracker.Report()
	if report.State != StateKnown {
		t.Fatalf("State = %s, want known", report.State)
	}
	if len(report.Projections) != 2 {
		t.Fatalf("got %d projections, want 2", len(report.Projections))
	}

	var account Projection
	for _, p := range report.Projections {
		if p.Dimension == DimensionAdAccount {
			account = p
		}
	}
	// development ceiling 200/h, 15% left = 30 calls, at 10/min = 3 minutes.
	if account.CallsRemaining < 29.99 || account.CallsRemaining > 30.01 {
		t.Errorf("CallsRemaining = %v, want 30", account.CallsRemaining)
	}
	if !account.Exhaustible || account.MinutesRemaining < 2.99 || account.MinutesRemaining > 3.01 {
		t.Errorf("MinutesRemaining = %v, want 3", account.MinutesRemaining)
	}

	levels := map[string]Level{}
	for _, r := range report.Recommendations {
		levels[r.Dimension] = r.Level
	}
	if levels[DimensionAdAccount] != LevelWarning {
		t.Errorf("ad account level = %s, want warning", levels[DimensionAdAccount])
	}
	if levels[DimensionApp] != LevelInformational {
		t.Errorf("app level = %s, want informational", levels[DimensionApp])
	}
	if !strings.Contains(tracker.Recommendations()[1].Message, "min to exhaustion") &&
		!strings.Contains(tracker.Recommendations()[0].Message, "min to exhaustion") {
		t.Error("recommendation should include time to exhaustion")
	}
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		fraction float64
		expected Level
	}{
		{0.10, LevelInformational},
		{0.79, LevelInformational},
		{0.80, LevelWarning},
		{0.94, LevelWarning},
		{0.95, LevelCritical},
		{1.20, LevelCritical},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.fraction); got != tt.expected {
			t.Errorf("LevelFor(%v) = %s, want %s", tt.fraction, got, tt.expected)
		}
	}
}

func TestLimitsForUnknownTier(t *testing.T) {
	if LimitsForTier("mystery") != LimitsForTier(TierDevelopment) {
		t.Error("unknown tier should fall back to development limits")
	}
	if LimitsForTier(TierStandard).CallsPerHour <= LimitsForTier(TierDevelopment).CallsPerHour {
		t.Error("standard tier should allow more calls than development")
	}
}
