// Package testutil provides testing utilities for the reach estimation engine.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Operations served by MockGraph. Estimate calls are split into baseline and
// targeted by inspecting the targeting_spec parameter.
const (
	OpSearch   = "search"
	OpBaseline = "baseline"
	OpTargeted = "targeted"
)

// Usage header names (duplicated here to keep testutil free of package deps).
const (
	headerAppUsage       = "X-App-Usage"
	headerAdAccountUsage = "X-Ad-Account-Usage"
	headerBusinessUsage  = "X-Business-Use-Case-Usage"
)

// MockResponse defines a canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Zip is a postal code known to the mock, with its estimates.
type Zip struct {
	Region   string
	Code     string
	City     string
	Baseline [2]int64
	Targeted [2]int64
}

// Key is the geography key the mock returns for the zip.
func (z Zip) Key() string {
	return strings.ToUpper(z.Region) + ":" + z.Code
}

// MockGraph is a configurable mock of the reach API for testing.
type MockGraph struct {
	server *httptest.Server

	mu              sync.Mutex
	zips            map[string]Zip // by search key REGION:CODE
	queued          map[string][]MockResponse
	usageHeaders    map[string]string
	rejectInterests bool
	delay           time.Duration
	token           string

	// Tracking
	requests      map[string]int
	inFlight      int
	peakInFlight  int
	lastTargeting map[string]string
}

// NewMockGraph creates a new mock reach API server.
func NewMockGraph() *MockGraph {
	mock := &MockGraph{
		zips:          make(map[string]Zip),
		queued:        make(map[string][]MockResponse),
		usageHeaders:  make(map[string]string),
		requests:      make(map[string]int),
		lastTargeting: make(map[string]string),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL.
func (m *MockGraph) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockGraph) Close() {
	m.server.Close()
}

// AddZip registers a postal code and returns its geography key.
func (m *MockGraph) AddZip(z Zip) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zips[z.Key()] = z
	return z.Key()
}

// QueueResponse makes the next request for op return resp. Queued responses
// are consumed in order before the default behavior applies.
func (m *MockGraph) QueueResponse(op string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[op] = append(m.queued[op], resp)
}

// QueueError queues a Graph-style error response for op.
func (m *MockGraph) QueueError(op string, status, code, subcode int, message string) {
	m.QueueResponse(op, NewErrorResponse(status, code, subcode, message))
}

// SetUsageHeaders sets the usage headers attached to every response.
// Empty values are omitted.
func (m *MockGraph) SetUsageHeaders(app, adAccount, business string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageHeaders = map[string]string{}
	if app != "" {
		m.usageHeaders[headerAppUsage] = app
	}
	if adAccount != "" {
		m.usageHeaders[headerAdAccountUsage] = adAccount
	}
	if business != "" {
		m.usageHeaders[headerBusinessUsage] = business
	}
}

// RejectInterests makes targeted estimates carrying interest clauses fail
// with an invalid parameter error.
func (m *MockGraph) RejectInterests(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectInterests = reject
}

// SetDelay delays every response.
func (m *MockGraph) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// RequireToken rejects requests whose access_token differs from token.
func (m *MockGraph) RequireToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// RequestCount returns the number of requests for op.
func (m *MockGraph) RequestCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[op]
}

// TotalRequests returns the number of requests across all operations.
func (m *MockGraph) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.requests {
		total += n
	}
	return total
}

// PeakInFlight returns the highest number of concurrent requests observed.
func (m *MockGraph) PeakInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peakInFlight
}

// LastTargetingSpec returns the last targeting_spec received for op.
func (m *MockGraph) LastTargetingSpec(op string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTargeting[op]
}

func (m *MockGraph) handle(w http.ResponseWriter, r *http.Request) {
	op, targeting, hasInterests := classify(r)

	m.mu.Lock()
	m.requests[op]++
	m.inFlight++
	if m.inFlight > m.peakInFlight {
		m.peakInFlight = m.inFlight
	}
	if targeting != "" {
		m.lastTargeting[op] = targeting
	}
	var queued *MockResponse
	if q := m.queued[op]; len(q) > 0 {
		queued = &q[0]
		m.queued[op] = q[1:]
	}
	delay, token, reject := m.delay, m.token, m.rejectInterests
	for k, v := range m.usageHeaders {
		w.Header().Set(k, v)
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	switch {
	case token != "" && r.URL.Query().Get("access_token") != token:
		writeResponse(w, NewErrorResponse(http.StatusBadRequest, 190, 463, "Error validating access token"))
	case queued != nil:
		writeResponse(w, *queued)
	case op == OpSearch:
		m.search(w, r)
	case op == OpTargeted && reject && hasInterests:
		writeResponse(w, NewErrorResponse(http.StatusBadRequest, 100, 1885364, "Invalid parameter: interests"))
	case op == OpBaseline || op == OpTargeted:
		m.estimate(w, op, targeting)
	default:
		writeResponse(w, NewErrorResponse(http.StatusNotFound, 803, 0, "Unknown path"))
	}
}

// classify determines the operation of a request.
func classify(r *http.Request) (op, targeting string, hasInterests bool) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/search"):
		return OpSearch, "", false
	case strings.HasSuffix(r.URL.Path, "/reachestimate"):
		targeting = r.URL.Query().Get("targeting_spec")
		var spec map[string]json.RawMessage
		_ = json.Unmarshal([]byte(targeting), &spec)
		_, hasInterests = spec["flexible_spec"]
		_, hasGenders := spec["genders"]
		_, hasPlatforms := spec["device_platforms"]
		baseline := !hasInterests && !hasGenders && !hasPlatforms &&
			string(spec["age_min"]) == "18" && string(spec["age_max"]) == "65"
		if baseline {
			return OpBaseline, targeting, false
		}
		return OpTargeted, targeting, hasInterests
	default:
		return "unknown", "", false
	}
}

func (m *MockGraph) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := strings.ToUpper(q.Get("country_code")) + ":" + q.Get("q")

	m.mu.Lock()
	z, ok := m.zips[key]
	m.mu.Unlock()

	type location struct {
		Key         string `json:"key"`
		Name        string `json:"name"`
		Type        string `json:"type"`
		CountryCode string `json:"country_code"`
		PrimaryCity string `json:"primary_city,omitempty"`
	}
	body := struct {
		Data []location `json:"data"`
	}{Data: []location{}}
	if ok {
		body.Data = append(body.Data, location{
			Key:         z.Key(),
			Name:        z.Code,
			Type:        "zip",
			CountryCode: strings.ToUpper(z.Region),
			PrimaryCity: z.City,
		})
	}
	writeJSON(w, http.StatusOK, body)
}

func (m *MockGraph) estimate(w http.ResponseWriter, op, targeting string) {
	var spec struct {
		GeoLocations struct {
			Zips []struct {
				Key string `json:"key"`
			} `json:"zips"`
		} `json:"geo_locations"`
	}
	if err := json.Unmarshal([]byte(targeting), &spec); err != nil || len(spec.GeoLocations.Zips) == 0 {
		writeResponse(w, NewErrorResponse(http.StatusBadRequest, 100, 0, "Invalid parameter: targeting_spec"))
		return
	}

	m.mu.Lock()
	z, ok := m.zips[spec.GeoLocations.Zips[0].Key]
	m.mu.Unlock()
	if !ok {
		writeResponse(w, NewErrorResponse(http.StatusBadRequest, 100, 0, "Invalid parameter: unknown zip key"))
		return
	}

	bounds := z.Baseline
	if op == OpTargeted {
		bounds = z.Targeted
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"users_lower_bound": bounds[0],
			"users_upper_bound": bounds[1],
			"estimate_ready":    true,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewErrorResponse creates a Graph-style error response.
func NewErrorResponse(status, code, subcode int, message string) MockResponse {
	body := fmt.Sprintf(`{"error":{"message":%q,"type":"OAuthException","code":%d,"error_subcode":%d,"fbtrace_id":"AbCdEf123"}}`,
		message, code, subcode)
	return MockResponse{
		StatusCode: status,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewRateLimitResponse creates a throttling response for the given error
// code (4 app, 17/613 ad account, 80000-80014 business use case).
func NewRateLimitResponse(code int) MockResponse {
	return NewErrorResponse(http.StatusBadRequest, code, 0, "User request limit reached")
}

// NewTooManyRequestsResponse creates a 429 response with a Retry-After header.
func NewTooManyRequestsResponse(retryAfterSeconds int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":{"message":"Too many requests","code":0}}`,
		Headers: map[string]string{
			"Retry-After":  fmt.Sprintf("%d", retryAfterSeconds),
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error":{"message":"An unexpected error has occurred","type":"OAuthException","code":2}}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewNotReadyResponse creates an estimate response with estimate_ready=false.
func NewNotReadyResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"data":{"users_lower_bound":0,"users_upper_bound":0,"estimate_ready":false}}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}
