// Package httpclient wraps a resty client for the swarm orchestrator and
// distributor's calls against the state service (spec §6), replacing the
// teacher's raw *http.Client HTTPTaskExecutor (task_executor.go) with
// resty's built-in retry/timeout options, which map directly onto spec
// §5's "every HTTP request has a request timeout; the requester retries
// with bounded backoff unless marked tenacious=False".
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jobmon-io/jobmon/internal/core/resilience"
)

// ErrInvalidResponse is raised on any non-200 status from the state
// service (spec §6: "Client raises InvalidResponse on any non-200").
type ErrInvalidResponse struct {
	StatusCode int
	Body       string
}

func (e *ErrInvalidResponse) Error() string {
	return fmt.Sprintf("httpclient: invalid response: status %d: %s", e.StatusCode, e.Body)
}

// Client is a thin resty wrapper scoped to one state-service base URL.
type Client struct {
	rc      *resty.Client
	tracer  trace.Tracer
	limiter *resilience.RateLimiter
}

// SetRateLimiter throttles every subsequent request through rl, the
// heartbeat/sync-POST throttle of spec §5 ("suspension points are exactly:
// heartbeat POST; sync POST; queue_task_batch POST; triage POST"): a swarm
// orchestrator under a fast poll_interval would otherwise hammer the state
// service harder than a single workflow run needs.
func (c *Client) SetRateLimiter(rl *resilience.RateLimiter) {
	c.limiter = rl
}

func (c *Client) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if c.limiter.Allow() {
		return nil
	}
	wait := c.limiter.ReserveAfter(1)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// New builds a Client against baseURL (e.g. http://host:port/api/v3) with a
// per-request timeout and bounded retry, per spec §5.
func New(baseURL string, requestTimeout time.Duration, maxRetries int) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetRetryCount(maxRetries).
		SetRetryWaitTime(50 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
	return &Client{rc: rc, tracer: otel.Tracer("jobmon-httpclient")}
}

// Option tweaks a single request's behavior.
type Option func(*resty.Request)

// Tenacious marks whether a request retries on failure. Non-tenacious
// requests (tenacious=false, spec §5) are fired with zero retries even
// though the client default allows retries.
func Tenacious(v bool) Option {
	return func(r *resty.Request) {
		if !v {
			r.AddRetryCondition(func(*resty.Response, error) bool { return false })
		}
	}
}

// Post sends a JSON POST and decodes a JSON response into out (if non-nil).
func (c *Client) Post(ctx context.Context, path string, payload, out any, opts ...Option) error {
	return c.do(ctx, http.MethodPost, path, payload, out, opts...)
}

// Put sends a JSON PUT and decodes a JSON response into out (if non-nil).
func (c *Client) Put(ctx context.Context, path string, payload, out any, opts ...Option) error {
	return c.do(ctx, http.MethodPut, path, payload, out, opts...)
}

// Get sends a GET and decodes a JSON response into out (if non-nil).
func (c *Client) Get(ctx context.Context, path string, query map[string]string, out any, opts ...Option) error {
	return c.doQuery(ctx, http.MethodGet, path, query, out, opts...)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any, opts ...Option) error {
	if err := c.throttle(ctx); err != nil {
		return err
	}
	ctx, span := c.tracer.Start(ctx, "httpclient."+method,
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	req := c.rc.R().SetContext(ctx)
	if payload != nil {
		req.SetHeader("Content-Type", "application/json")
		req.SetBody(payload)
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("httpclient: %s %s: %w", method, path, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return &ErrInvalidResponse{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("httpclient: decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) doQuery(ctx context.Context, method, path string, query map[string]string, out any, opts ...Option) error {
	if err := c.throttle(ctx); err != nil {
		return err
	}
	ctx, span := c.tracer.Start(ctx, "httpclient."+method,
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	req := c.rc.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParams(query)
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("httpclient: %s %s: %w", method, path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &ErrInvalidResponse{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("httpclient: decode %s %s: %w", method, path, err)
		}
	}
	return nil
}
