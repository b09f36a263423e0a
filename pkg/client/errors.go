package client

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/audience-reach/pkg/reach"
	"github.com/Sternrassler/audience-reach/pkg/usage"
)

// Operation names a remote call for metrics and classification.
type Operation string

const (
	OpResolve          Operation = "resolve"
	OpEstimateBaseline Operation = "estimate_baseline"
	OpEstimateTargeted Operation = "estimate_targeted"
)

// IsEstimate reports whether op is one of the estimate calls.
func (op Operation) IsEstimate() bool {
	return op == OpEstimateBaseline || op == OpEstimateTargeted
}

// Remote error codes.
const (
	codeUnknown          = 1
	codeService          = 2
	codeAppRateLimit     = 4
	codePermission       = 10
	codeAccountRateLimit = 17
	codeInvalidParameter = 100
	codeSession          = 102
	codeAccessToken      = 190
	codeCallRateLimit    = 613
	codeAdsManagement    = 80004

	codeBusinessFirst = 80000
	codeBusinessLast  = 80014

	codePermissionFirst = 200
	codePermissionLast  = 299
)

// graphError is the error object of a failed remote call.
type graphError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode"`
	FBTraceID string `json:"fbtrace_id"`
}

// errorBody is the envelope of a failed remote call.
type errorBody struct {
	Error *graphError `json:"error"`
}

// parseErrorBody extracts the error object, or nil if body has none.
func parseErrorBody(body []byte) *graphError {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return nil
	}
	return eb.Error
}

// rateLimitScope maps a throttling code to the quota dimension it belongs
// to. ok is false for codes that are not throttling codes.
func rateLimitScope(code int) (reach.RateLimitScope, bool) {
	switch {
	case code == codeAppRateLimit:
		return reach.ScopeApp, true
	case code == codeAccountRateLimit || code == codeCallRateLimit || code == codeAdsManagement:
		return reach.ScopeAdAccount, true
	case code >= codeBusinessFirst && code <= codeBusinessLast:
		return reach.ScopeBusiness, true
	default:
		return reach.ScopeNone, false
	}
}

func isAuthCode(code int) bool {
	switch {
	case code == codeAccessToken, code == codeSession, code == codePermission:
		return true
	case code >= codePermissionFirst && code <= codePermissionLast:
		return true
	default:
		return false
	}
}

// classifyResponse converts a failed response into a structured error.
func classifyResponse(op Operation, status int, header http.Header, body []byte, now time.Time) *reach.Error {
	ge := parseErrorBody(body)
	e := &reach.Error{StatusCode: status, Kind: reach.ErrorKindUnknown}
	if ge != nil {
		e.Code = ge.Code
		e.Subcode = ge.Subcode
		e.Message = ge.Message
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}

	scope, throttled := rateLimitScope(e.Code)
	switch {
	case throttled || status == http.StatusTooManyRequests:
		e.Kind = reach.ErrorKindRateLimited
		e.Scope = scope
		e.RetryAfter = retryAfter(header, now)
		if e.RetryAfter == 0 && scope == reach.ScopeBusiness {
			e.RetryAfter = regainAccessIn(header, now)
		}
	case isAuthCode(e.Code) || status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = reach.ErrorKindAuth
	case e.Code == codeInvalidParameter && op.IsEstimate():
		e.Kind = reach.ErrorKindTargetingRejected
	case e.Code == codeUnknown || e.Code == codeService || status >= http.StatusInternalServerError:
		e.Kind = reach.ErrorKindTransport
	}
	return e
}

// classifyTransport converts a network-level failure into a structured error.
func classifyTransport(err error) *reach.Error {
	return &reach.Error{
		Kind:    reach.ErrorKindTransport,
		Message: "request failed",
		Err:     err,
	}
}

// retryAfter parses the Retry-After header (seconds or HTTP date).
func retryAfter(header http.Header, now time.Time) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// regainAccessIn reads the business use case decay window from the usage
// header of a throttled response.
func regainAccessIn(header http.Header, now time.Time) time.Duration {
	remote, err := usage.ParseHeaders(header, now)
	if err != nil {
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
