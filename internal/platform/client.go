package platform

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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/daxiondi/seedance2.0/internal/retry"
	"github.com/daxiondi/seedance2.0/internal/signing"
	"github.com/daxiondi/seedance2.0/types"
)

const defaultRequestTimeout = 45 * time.Second

// RequestOptions carries the per-call knobs of Client.Request.
type RequestOptions struct {
	// Params are query parameters; they win over platform defaults.
	Params map[string]string
	// Body is JSON-marshaled when non-nil.
	Body any
	// Headers are extra request headers.
	Headers map[string]string
	// Cookie is a raw cookie header merged over the synthesized session
	// cookies; caller-supplied values win for keys present in both.
	Cookie string
}

// Client issues direct signed calls against a platform's JSON API.
//
// Failure contract: transport errors (timeout, reset, 5xx) are retried up
// to 3 extra attempts with linear 1s/2s/3s backoff; business outcomes are
// classified once and never retried.
type Client struct {
	http    *http.Client
	logger  *zap.Logger
	limiter *rate.Limiter
	now     func() time.Time
	backoff func(int) time.Duration
	observe func(platformKey, outcome string)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithLimiter installs a pacing limiter applied before every attempt.
func WithLimiter(l *rate.Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// WithClock pins the signing clock.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// WithRetryBackoff overrides the transport retry backoff.
func WithRetryBackoff(b func(int) time.Duration) ClientOption {
	return func(c *Client) { c.backoff = b }
}

// WithCallObserver registers a per-attempt outcome callback ("ok" or the
// error code). Used to feed the vendor-call metrics.
func WithCallObserver(fn func(platformKey, outcome string)) ClientOption {
	return func(c *Client) { c.observe = fn }
}

// NewClient creates a platform API client.
func NewClient(logger *zap.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		http:    &http.Client{Timeout: defaultRequestTimeout},
		logger:  logger.With(zap.String("component", "platform_client")),
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		now:     time.Now,
		backoff: retry.Linear(time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request issues one signed API call and returns the classified payload.
func (c *Client) Request(ctx context.Context, method, path string, p *Platform, token string, opts RequestOptions) (map[string]any, error) {
	policy := retry.Policy{
		MaxAttempts: 4,
		Backoff:     c.backoff,
		RetryIf:     types.IsRetryable,
	}
	return retry.Do(ctx, policy, c.logger, func() (map[string]any, error) {
		data, err := c.attempt(ctx, method, path, p, token, opts)
		c.report(p.Key, err)
		return data, err
	})
}

func (c *Client) report(platformKey string, err error) {
	if c.observe == nil {
		return
	}
	c.observe(platformKey, CallOutcome(err))
}

// CallOutcome labels a vendor-call result for metrics: "ok" on success,
// otherwise the classified error code.
func CallOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := types.GetErrorCode(err); code != "" {
		return string(code)
	}
	return "error"
}

func (c *Client) attempt(ctx context.Context, method, path string, p *Platform, token string, opts RequestOptions) (map[string]any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, types.NewError(types.ErrInternalError, "rate limiter wait").WithCause(err)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, err := c.buildRequest(attemptCtx, method, path, p, token, opts)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, types.Errorf(types.ErrUpstreamError, "%s %s failed", method, path).
			WithPlatform(p.Key).
			WithRetryable(true).
			WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.Errorf(types.ErrUpstreamError, "reading %s response", path).
			WithPlatform(p.Key).
			WithRetryable(true).
			WithCause(err)
	}

	if resp.StatusCode >= 500 {
		return nil, types.Errorf(types.ErrUpstreamError, "%s returned HTTP %d", p.Key, resp.StatusCode).
			WithPlatform(p.Key).
			WithRetryable(true)
	}

	c.logger.Debug("platform response",
		zap.String("platform", p.Key),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
	)

	return Classify(p, body)
}

func (c *Client) buildRequest(ctx context.Context, method, path string, p *Platform, token string, opts RequestOptions) (*http.Request, error) {
	u, err := url.Parse(p.BaseURL + path)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "invalid request url").WithCause(err)
	}

	query := u.Query()
	for k, v := range p.DefaultParams {
		query.Set(k, v)
	}
	for k, v := range opts.Params {
		query.Set(k, v)
	}
	u.RawQuery = query.Encode()

	var bodyReader io.Reader
	if opts.Body != nil {
		payload, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, types.NewError(types.ErrInternalError, "marshal request body").WithCause(err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "build request").WithCause(err)
	}

	ts := c.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("appvr", p.AppVersion)
	req.Header.Set("pf", p.Code)
	req.Header.Set("device-time", strconv.FormatInt(ts, 10))
	req.Header.Set("sign", signing.ShortSign(u.Path, p.Code, p.AppVersion, ts))
	req.Header.Set("sign-ver", "1")
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Cookie", SessionCookieHeader(p, token, opts.Cookie))

	return req, nil
}

// SessionCookieHeader synthesizes the cookie set for a call: the session
// token is placed under every alias the platform recognizes, then any
// caller-supplied cookie pairs are merged on top (caller wins for keys
// present in both).
func SessionCookieHeader(p *Platform, token, extra string) string {
	order := make([]string, 0, len(p.SessionCookies)+4)
	values := make(map[string]string, len(p.SessionCookies)+4)
	for _, name := range p.SessionCookies {
		order = append(order, name)
		values[name] = token
	}

	for _, frag := range strings.Split(extra, ";") {
		frag = strings.TrimSpace(frag)
		if frag == "" {
			continue
		}
		name, value, ok := strings.Cut(frag, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, seen := values[name]; !seen {
			order = append(order, name)
		}
		values[name] = strings.TrimSpace(value)
	}

	parts := make([]string, 0, len(order))
	for _, name := range order {
		parts = append(parts, fmt.Sprintf("%s=%s", name, values[name]))
	}
	return strings.Join(parts, "; ")
}
