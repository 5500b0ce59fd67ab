package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/ratelimit"
	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/time/rate"
)

const (
	defaultMaxRetries = 3
	defaultMinDelay   = 4 * time.Second
	defaultMaxDelay   = 10 * time.Second
	defaultTimeout    = 30 * time.Second
)

// Authenticator decorates outgoing requests with credentials. Invalidate is
// called once after a 401 so the next Authorize can establish a new session.
type Authenticator interface {
	Authorize(ctx context.Context, req *Request) error
	Invalidate()
}

// Client executes requests against one system with pacing, retries and
// classification into TransientError / PermanentError.
type Client struct {
	system     core.System
	baseURL    string
	adapter    *RESTAdapter
	auth       Authenticator
	limiter    *rate.Limiter
	policy     *ratelimit.AdaptivePolicy
	bucket     string
	maxRetries int
	minDelay   time.Duration
	maxDelay   time.Duration
	timeout    time.Duration
	headers    map[string]string
	telemetry  core.Telemetry
	authMu     sync.Mutex
}

type ClientOption func(*Client)

func WithHTTPClient(doer HTTPDoer) ClientOption {
	return func(c *Client) {
		if doer != nil {
			c.adapter.Client = doer
		}
	}
}

func WithAuthenticator(auth Authenticator) ClientOption {
	return func(c *Client) {
		c.auth = auth
	}
}

// WithRetry sets the retry budget and the exponential backoff window.
func WithRetry(maxRetries int, minDelay, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		if maxRetries >= 0 {
			c.maxRetries = maxRetries
		}
		if minDelay > 0 {
			c.minDelay = minDelay
		}
		if maxDelay > 0 {
			c.maxDelay = maxDelay
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRequestsPerSecond paces calls. Zero disables pacing.
func WithRequestsPerSecond(rps float64) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRateLimitPolicy lets response headers open throttle windows that
// delay subsequent calls on the same bucket.
func WithRateLimitPolicy(policy *ratelimit.AdaptivePolicy, bucket string) ClientOption {
	return func(c *Client) {
		c.policy = policy
		c.bucket = strings.TrimSpace(bucket)
	}
}

func WithDefaultHeader(key, value string) ClientOption {
	return func(c *Client) {
		c.headers[key] = value
	}
}

func WithTelemetry(telemetry core.Telemetry) ClientOption {
	return func(c *Client) {
		c.telemetry = telemetry
	}
}

func NewClient(system core.System, baseURL string, opts ...ClientOption) (*Client, error) {
	if !system.IsValid() {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidSystem, system)
	}
	client := &Client{
		system:     system,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		adapter:    NewRESTAdapter(nil),
		maxRetries: defaultMaxRetries,
		minDelay:   defaultMinDelay,
		maxDelay:   defaultMaxDelay,
		timeout:    defaultTimeout,
		headers:    map[string]string{"Accept": "application/json"},
		bucket:     "default",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	if client.maxDelay < client.minDelay {
		client.maxDelay = client.minDelay
	}
	return client, nil
}

func (c *Client) System() core.System {
	return c.system
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// URL joins path onto the base URL unless it is already absolute.
func (c *Client) URL(path string) string {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// Do executes req, retrying transient failures with exponential backoff.
// A 401 invalidates the authenticator once and counts as a retryable failure.
func (c *Client) Do(ctx context.Context, op string, req Request) (Response, error) {
	if c == nil {
		return Response{}, fmt.Errorf("transport: client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req.URL = c.URL(req.URL)
	if req.Timeout <= 0 {
		req.Timeout = c.timeout
	}

	var (
		response      Response
		attempts      int
		reauthenticed bool
	)
	operation := func() error {
		attempts++
		if err := c.pace(ctx); err != nil {
			return backoff.Permanent(err)
		}
		call := req.clone()
		for key, value := range c.headers {
			if _, ok := call.Headers[key]; !ok {
				call.SetHeader(key, value)
			}
		}
		if c.auth != nil && !call.SkipAuth {
			if err := c.authorize(ctx, &call); err != nil {
				return backoff.Permanent(err)
			}
		}

		res, err := c.adapter.Do(ctx, call)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return backoff.Permanent(ctxErr)
			}
			if adapterCategory(err) == goerrors.CategoryBadInput {
				return backoff.Permanent(core.NewPermanentError(c.system, op, http.StatusBadRequest, err))
			}
			transient := core.NewTransientError(c.system, op, 0, err)
			transient.Unreachable = true
			return transient
		}
		c.learn(ctx, res)

		if res.StatusCode == http.StatusUnauthorized && c.auth != nil && !call.SkipAuth && !reauthenticed {
			reauthenticed = true
			c.auth.Invalidate()
			return core.NewTransientError(c.system, op, res.StatusCode, newStatusError(res))
		}

		response = res
		classified := classifyResponse(c.system, op, res)
		if classified == nil {
			return nil
		}
		if core.IsPermanent(classified) {
			return backoff.Permanent(classified)
		}
		return classified
	}

	notify := func(err error, delay time.Duration) {
		c.telemetry.Warn(ctx, "transport.retry", map[string]any{
			"system":   string(c.system),
			"op":       op,
			"attempt":  attempts,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
	}

	startedAt := time.Now()
	err := backoff.RetryNotify(operation, backoff.WithContext(c.newBackOff(), ctx), notify)
	c.telemetry.Observe(ctx, "transport.request.duration_ms", float64(time.Since(startedAt).Milliseconds()), map[string]string{
		"system": string(c.system),
		"op":     op,
	})
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		c.telemetry.Count(ctx, "transport.request.failed", 1, map[string]string{"system": string(c.system), "op": op})
		return response, err
	}
	c.telemetry.Count(ctx, "transport.request.total", 1, map[string]string{"system": string(c.system), "op": op})
	return response, nil
}

// DoJSON encodes in as the request body when non-nil and decodes a non-empty
// response body into out when non-nil.
func (c *Client) DoJSON(ctx context.Context, op string, req Request, in any, out any) (Response, error) {
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return Response{}, core.NewPermanentError(c.system, op, 0, fmt.Errorf("transport: encode request: %w", err))
		}
		req.Body = body
		req.SetHeader("Content-Type", "application/json")
	}
	res, err := c.Do(ctx, op, req)
	if err != nil {
		return res, err
	}
	if out != nil && len(strings.TrimSpace(string(res.Body))) > 0 {
		if err := json.Unmarshal(res.Body, out); err != nil {
			return res, core.NewPermanentError(c.system, op, res.StatusCode, fmt.Errorf("transport: decode response: %w", err))
		}
	}
	return res, nil
}

func (c *Client) authorize(ctx context.Context, req *Request) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.auth.Authorize(ctx, req)
}

func (c *Client) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.minDelay
	exp.MaxInterval = c.maxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(c.maxRetries))
}

func (c *Client) pace(ctx context.Context) error {
	if c.policy != nil {
		if delay := c.policy.Delay(ctx, c.rateKey()); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	if c.limiter != nil {
		return c.limiter.Wait(ctx)
	}
	return nil
}

func (c *Client) learn(ctx context.Context, res Response) {
	if c.policy == nil {
		return
	}
	meta := ratelimit.ResponseMeta{StatusCode: res.StatusCode, Headers: res.Headers}
	if err := c.policy.AfterCall(ctx, c.rateKey(), meta); err != nil {
		c.telemetry.Debug(ctx, "transport.ratelimit.state", map[string]any{"system": string(c.system), "error": err.Error()})
	}
}

func (c *Client) rateKey() ratelimit.Key {
	return ratelimit.Key{System: c.system, Bucket: c.bucket}
}
