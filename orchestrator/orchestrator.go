// Package orchestrator is the client side of the downstream orchestration
// service that executes corrective actions against real infrastructure.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/yairfalse/anchor/pkg/fault"
)

const maxErrorBody = 4 << 10

// Config holds orchestration client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RateLimit caps submissions per second; zero disables limiting.
	RateLimit float64
	Burst     int
}

// HTTPClient submits tasks with POST {BaseURL}/ops.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewHTTPClient creates an orchestration client.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("orchestrator: base url is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: limiter,
		logger:  log.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// Submit posts the request and returns the task reference. Any failure,
// including a context deadline, means the task was not submitted.
func (c *HTTPClient) Submit(ctx context.Context, req OrchestrationRequest) (TaskRef, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return TaskRef{}, fault.Transient("wait for submission slot", err).WithOperation("submit")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return TaskRef{}, fault.Invalid("encode orchestration request", err).WithOperation("submit")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ops", bytes.NewReader(body))
	if err != nil {
		return TaskRef{}, fault.Configuration("build orchestration request", err).WithOperation("submit")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return TaskRef{}, fault.Transient("post orchestration request", err).
			WithResource(req.Trigger.CorrelationID).WithOperation("submit")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return TaskRef{}, fault.Transient(
			fmt.Sprintf("orchestrator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))), nil,
		).WithResource(req.Trigger.CorrelationID).WithOperation("submit")
	}

	var ref TaskRef
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return TaskRef{}, fault.Transient("decode task reference", err).
			WithResource(req.Trigger.CorrelationID).WithOperation("submit")
	}
	if ref.IsZero() {
		return TaskRef{}, fault.Transient("orchestrator returned an empty task reference", nil).
			WithResource(req.Trigger.CorrelationID).WithOperation("submit")
	}

	c.logger.Debug().
		Str("task_ref", ref.Ref).
		Str("correlation_id", req.Trigger.CorrelationID).
		Msg("task submitted")

	return ref, nil
}
