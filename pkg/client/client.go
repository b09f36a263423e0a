// Package client provides the HTTP adapter for the reach API: geography
// lookup, baseline and targeted estimates, error classification and usage
// header recording.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/audience-reach/pkg/reach"
	"github.com/Sternrassler/audience-reach/pkg/targeting"
)

// Prometheus metrics for reach API operations.
var (
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_api_requests_total",
		Help: "Total reach API requests by operation and status",
	}, []string{"operation", "status"})

	apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reach_api_request_duration_seconds",
		Help:    "Reach API request duration in seconds by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"operation"})

	apiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_api_errors_total",
		Help: "Total reach API errors by kind",
	}, []string{"kind"})
)

// Defaults.
const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v19.0"
	DefaultTimeout    = 30 * time.Second

	// maxBodyBytes bounds how much of a response body is read.
	maxBodyBytes = 1 << 20
)

// HeaderRecorder receives the usage headers of every response.
type HeaderRecorder interface {
	RecordHeaders(ctx context.Context, headers http.Header) error
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the Graph-style API (no version segment).
	BaseURL string

	// APIVersion path segment, e.g. "v19.0".
	APIVersion string

	// AccessToken sent with every call (REQUIRED).
	AccessToken string

	// Timeout per HTTP request.
	Timeout time.Duration

	// Usage receives response usage headers. Optional.
	Usage HeaderRecorder
}

// DefaultConfig returns a configuration against the public API.
func DefaultConfig(accessToken string) Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		APIVersion:  DefaultAPIVersion,
		AccessToken: accessToken,
		Timeout:     DefaultTimeout,
	}
}

// Client is the reach API client. It performs exactly one HTTP call per
// method invocation; scheduling and retries are layered above it.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config
	now        func() time.Time
	logger     zerolog.Logger
}

// New creates a new reach API client.
func New(cfg Config) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: base,
		config:  cfg,
		now:     time.Now,
		logger:  log.With().Str("component", "reach-client").Logger(),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetLogger overrides the client's logger.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

type searchResponse struct {
	Data []struct {
		Key         string `json:"key"`
		Name        string `json:"name"`
		Type        string `json:"type"`
		CountryCode string `json:"country_code"`
		PrimaryCity string `json:"primary_city"`
		Region      string `json:"region"`
	} `json:"data"`
}

// Resolve looks up the geography key of a postal code within its region.
// It fails with a not_found error when the lookup has no match in the
// unit's region.
func (c *Client) Resolve(ctx context.Context, unit reach.Unit) (reach.ResolvedKey, error) {
	region := strings.ToUpper(unit.Region)
	query := url.Values{
		"type":           {"adgeolocation"},
		"location_types": {`["zip"]`},
		"q":              {unit.Identifier},
		"country_code":   {region},
		"limit":          {"10"},
	}

	var resp searchResponse
	if err := c.get(ctx, OpResolve, "search", query, &resp); err != nil {
		return reach.ResolvedKey{}, err
	}

	for _, d := range resp.Data {
		if d.Key == "" || !strings.EqualFold(d.CountryCode, region) {
			continue
		}
		if d.Type != "" && d.Type != "zip" {
			continue
		}
		label := d.Name
		if d.PrimaryCity != "" {
			label += ", " + d.PrimaryCity
		}
		return reach.ResolvedKey{Key: d.Key, Label: label, Region: region}, nil
	}

	apiErrorsTotal.WithLabelValues(string(reach.ErrorKindNotFound)).Inc()
	return reach.ResolvedKey{}, reach.NewError(reach.ErrorKindNotFound, "no match for %s in %s", unit.Identifier, region)
}

// EstimateBaseline estimates the audience of the geography alone: full age
// range, all genders, no interest filter.
func (c *Client) EstimateBaseline(ctx context.Context, accountID string, key reach.ResolvedKey) (reach.Range, error) {
	return c.estimate(ctx, OpEstimateBaseline, accountID, targeting.Baseline(key.Key))
}

// EstimateTargeted estimates the audience of the geography narrowed by spec.
func (c *Client) EstimateTargeted(ctx context.Context, accountID string, key reach.ResolvedKey, spec targeting.Spec) (reach.Range, error) {
	return c.estimate(ctx, OpEstimateTargeted, accountID, spec.Envelope(key.Key))
}

type estimateData struct {
	UsersLowerBound int64 `json:"users_lower_bound"`
	UsersUpperBound int64 `json:"users_upper_bound"`
	EstimateReady   bool  `json:"estimate_ready"`
}

func (c *Client) estimate(ctx context.Context, op Operation, accountID string, env targeting.Envelope) (reach.Range, error) {
	spec, err := env.JSON()
	if err != nil {
		return reach.Range{}, fmt.Errorf("encode targeting spec: %w", err)
	}

	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	path := AccountPath(accountID) + "/reachestimate"
	if err := c.get(ctx, op, path, url.Values{"targeting_spec": {spec}}, &resp); err != nil {
		return reach.Range{}, err
	}

	// Older API versions wrap the estimate in a one-element array.
	raw := bytes.TrimSpace(resp.Data)
	if len(raw) > 0 && raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 {
			return reach.Range{}, c.fail(op, &reach.Error{Kind: reach.ErrorKindUnknown, Message: "empty estimate response"})
		}
		raw = list[0]
	}

	var data estimateData
	if err := json.Unmarshal(raw, &data); err != nil {
		return reach.Range{}, c.fail(op, &reach.Error{Kind: reach.ErrorKindUnknown, Message: "decode estimate", Err: err})
	}
	if !data.EstimateReady {
		return reach.Range{}, c.fail(op, reach.NewError(reach.ErrorKindTransport, "estimate not ready"))
	}
	return reach.NewRange(data.UsersLowerBound, data.UsersUpperBound), nil
}

// AccountPath returns the API path of an ad account, adding the "act_"
// prefix if missing.
func AccountPath(accountID string) string {
	if strings.HasPrefix(accountID, "act_") {
		return accountID
	}
	return "act_" + accountID
}

// get performs one GET request, records usage headers and decodes the
// response into out. Failures are returned as *reach.Error.
func (c *Client) get(ctx context.Context, op Operation, path string, query url.Values, out any) error {
	startTime := time.Now()
	defer func() {
		apiRequestDuration.WithLabelValues(string(op)).Observe(time.Since(startTime).Seconds())
	}()

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + c.config.APIVersion + "/" + strings.TrimLeft(path, "/")
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("access_token", c.config.AccessToken)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().Str("operation", string(op)).Str("path", u.Path).Msg("Executing reach API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		apiRequestsTotal.WithLabelValues(string(op), "network_error").Inc()
		return c.fail(op, classifyTransport(err))
	}
	defer resp.Body.Close()

	if c.config.Usage != nil {
		if err := c.config.Usage.RecordHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record usage headers")
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	apiRequestsTotal.WithLabelValues(string(op), strconv.Itoa(resp.StatusCode)).Inc()
	if err != nil {
		return c.fail(op, classifyTransport(fmt.Errorf("read body: %w", err)))
	}

	if resp.StatusCode >= 400 || parseErrorBody(body) != nil {
		return c.fail(op, classifyResponse(op, resp.StatusCode, resp.Header, body, c.now()))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return c.fail(op, &reach.Error{Kind: reach.ErrorKindUnknown, StatusCode: resp.StatusCode, Message: "decode response", Err: err})
	}
	return nil
}

// fail records and logs a classified error.
func (c *Client) fail(op Operation, e *reach.Error) *reach.Error {
	apiErrorsTotal.WithLabelValues(string(e.Kind)).Inc()
	event := c.logger.Warn()
	if e.Kind == reach.ErrorKindAuth {
		event = c.logger.Error()
	}
	event.
		Str("operation", string(op)).
		Str("kind", string(e.Kind)).
		Int("code", e.Code).
		Int("status", e.StatusCode).
		Str("scope", string(e.Scope)).
		Dur("retry_after", e.RetryAfter).
		Msg("Reach API request error")
	return e
}
