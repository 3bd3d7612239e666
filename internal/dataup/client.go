// Package dataup proxies CVAT requests to the DataUp backend, authenticating
// each call with the API key the resolver selects for the caller.
package dataup

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/dataup/cvat-gateway/internal/logging"
	"github.com/dataup/cvat-gateway/internal/metrics"
	"github.com/dataup/cvat-gateway/internal/obfuscate"
)

var (
	// ErrUnavailable is returned while the circuit breaker rejects calls.
	ErrUnavailable = errors.New("dataup upstream unavailable")
	// ErrResponseTooLarge is returned when a decoded upstream body exceeds
	// the configured limit.
	ErrResponseTooLarge = errors.New("dataup response too large")
)

// defaultMaxResponseBytes bounds the upstream body read into memory.
const defaultMaxResponseBytes = 32 << 20

// UpstreamError is a non-2xx answer from DataUp.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status))
}

// Call is one request to DataUp.
type Call struct {
	Method   string
	Endpoint string // path below /api/<version>/
	Query    url.Values
	Body     any

	APIKey  string
	OrgUUID string // sent as X-Organization-ID when set

	// Label names the call in metrics
	Label string
}

// Response is a decoded 2xx upstream answer.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration

	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
	BreakerInterval    time.Duration

	// MaxResponseBytes caps a decoded response body, 32 MiB when zero.
	MaxResponseBytes int64
}

// Client sends calls to DataUp behind a circuit breaker.
type Client struct {
	baseURL string
	version string
	maxBody int64
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*Response]
	logger  *zap.Logger
}

// NewClient builds a Client. httpClient may be nil.
func NewClient(cfg ClientConfig, httpClient *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	version := cfg.APIVersion
	if version == "" {
		version = "v1"
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	maxBody := cfg.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = defaultMaxResponseBytes
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		version: version,
		maxBody: maxBody,
		http:    httpClient,
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        "dataup",
		MaxRequests: 1,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// 4xx answers mean the upstream is healthy
		IsSuccessful: func(err error) bool {
			var ue *UpstreamError
			if errors.As(err, &ue) {
				return ue.Status < http.StatusInternalServerError
			}
			return err == nil
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c
}

// BaseURL returns the DataUp root URL.
func (c *Client) BaseURL() string { return c.baseURL }

// URL returns the upstream URL for an endpoint.
func (c *Client) URL(endpoint string) string {
	return fmt.Sprintf("%s/api/%s/%s", c.baseURL, c.version, strings.TrimLeft(endpoint, "/"))
}

// Do performs call. Non-2xx answers are returned as *UpstreamError.
func (c *Client) Do(ctx context.Context, call Call) (*Response, error) {
	req, err := c.newRequest(ctx, call.Method, c.URL(call.Endpoint), call.Query, call.Body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", call.APIKey)
	if call.OrgUUID != "" {
		req.Header.Set("X-Organization-ID", call.OrgUUID)
	}
	resp, err := c.execute(req, call.Label)
	if err != nil {
		logging.WithContext(ctx, c.logger).Debug("dataup call failed",
			zap.String("method", call.Method),
			zap.String("endpoint", call.Endpoint),
			zap.String("api_key", obfuscate.Token(call.APIKey)),
			zap.Error(err))
	}
	return resp, err
}

// Get fetches an absolute URL below the DataUp root without credentials.
// Any upstream status is returned as a Response.
func (c *Client) Get(ctx context.Context, path, label string) (*Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/"+strings.TrimLeft(path, "/"), nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.execute(req, label)
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return &Response{Status: ue.Status, Body: ue.Body}, nil
	}
	return resp, err
}

func (c *Client) newRequest(ctx context.Context, method, target string, query url.Values, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "br, gzip")
	return req, nil
}

func (c *Client) execute(req *http.Request, label string) (*Response, error) {
	start := time.Now()
	status := 0
	defer func() { metrics.ObserveUpstream(label, status, time.Since(start)) }()

	resp, err := c.breaker.Execute(func() (*Response, error) {
		res, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = res.Body.Close() }()
		status = res.StatusCode

		body, err := readBody(res, c.maxBody)
		if err != nil {
			return nil, err
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return nil, &UpstreamError{Status: res.StatusCode, Body: body}
		}
		return &Response{Status: res.StatusCode, Header: res.Header, Body: body}, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, err
}

// readBody reads the response and undoes its Content-Encoding. Setting
// Accept-Encoding explicitly turns off the transparent gzip of net/http.
func readBody(res *http.Response, limit int64) ([]byte, error) {
	var r io.Reader = res.Body
	switch strings.ToLower(strings.TrimSpace(res.Header.Get("Content-Encoding"))) {
	case "br":
		r = brotli.NewReader(res.Body)
	case "gzip":
		gz, err := gzip.NewReader(res.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read upstream response: %w", err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}
	res.Header.Del("Content-Encoding")
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, limit)
	}
	return data, nil
}
