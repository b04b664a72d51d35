// Package httpclient provides a pooled, retrying HTTP client shared by the
// indexer client and every hoster adapter.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	perr "blockcrawl/internal/platform/errors"
	"blockcrawl/internal/platform/logger"

	"github.com/google/uuid"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUA        = "blockcrawl-worker"
	defaultMaxRetry  = 2 // retries after the first try: 3 attempts in all
	defaultRetryBase = 10 * time.Second
)

// retryableStatus is the set of transient status codes worth retrying.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Options configures a Client.
type Options struct {
	UserAgent string
	Timeout   time.Duration

	// Authorization, at most one of these is set.
	BearerToken string
	BasicUser   string
	BasicPass   string

	// ExtraHeaders are merged onto every request after the standard ones,
	// so callers can override User-Agent/Authorization if they need to.
	ExtraHeaders map[string]string

	MaxRetries int
	RetryBase  time.Duration
}

// Client is a pooled http.Client with bounded retry-on-transient-status and a
// fresh request-id header on every outbound call.
type Client struct {
	http  *http.Client
	opts  Options
	log   logger.Logger
	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a Client with sane defaults.
func New(o Options) *Client {
	if o.UserAgent == "" {
		o.UserAgent = defaultUA
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetry
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	return &Client{
		http:  &http.Client{Timeout: o.Timeout},
		opts:  o,
		log:   *logger.Named("httpclient"),
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// WithBearer returns a shallow copy of c authorized with token instead of
// whatever static credential c was built with. The copy shares the
// underlying pooled *http.Client; only the header-setting options differ.
// Used by adapters whose token is refreshed at runtime (Bitbucket's OAuth
// client-credentials flow) instead of fixed at construction.
func (c *Client) WithBearer(token string) *Client {
	cp := *c
	cp.opts.BearerToken = token
	cp.opts.BasicUser, cp.opts.BasicPass = "", ""
	return &cp
}

// Get issues a GET with the given query params.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values, timeout time.Duration) (*http.Response, error) {
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	return c.do(ctx, http.MethodGet, rawURL, nil, timeout)
}

// Post issues a POST with a JSON-encoded body.
func (c *Client) Post(ctx context.Context, rawURL string, body any, timeout time.Duration) (*http.Response, error) {
	return c.doJSON(ctx, http.MethodPost, rawURL, body, timeout)
}

// Put issues a PUT with a JSON-encoded body.
func (c *Client) Put(ctx context.Context, rawURL string, body any, timeout time.Duration) (*http.Response, error) {
	return c.doJSON(ctx, http.MethodPut, rawURL, body, timeout)
}

func (c *Client) doJSON(ctx context.Context, method, rawURL string, body any, timeout time.Duration) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeJSON, "encode request body")
		}
		r = bytes.NewReader(b)
	}
	resp, err := c.do(ctx, method, rawURL, r, timeout)
	return resp, err
}

// do runs the shared retry loop: transport errors and {429,500,502,503,504} are
// retried up to MaxRetries times with a base*attempt backoff. A non-2xx status
// that isn't retried (either not in the retryable set, or retries exhausted) is
// returned as a *StatusError, not a "successful" response; only a true 2xx
// reaches the caller as (resp, nil).
func (c *Client) do(ctx context.Context, method, rawURL string, body io.Reader, timeout time.Duration) (*http.Response, error) {
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}

	var bodyBytes []byte
	if body != nil {
		b, err := io.ReadAll(body)
		if err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeUnknown, "read request body")
		}
		bodyBytes = b
	}

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		reqCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
		if err != nil {
			if cancel != nil {
				cancel()
			}
			return nil, perr.Wrapf(err, perr.ErrorCodeUnknown, "new request")
		}
		c.setHeaders(req, bodyBytes != nil)

		start := c.now()
		resp, err := c.http.Do(req)
		lat := c.now().Sub(start)

		if err != nil {
			if cancel != nil {
				cancel()
			}
			if !c.shouldRetry(attempt) {
				return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "request failed")
			}
			back := c.backoff(attempt)
			c.log.Warn().Err(err).Dur("retry_in", back).Int("attempt", attempt).Msg("transport error, retrying")
			if !c.sleepCtx(ctx, back) {
				return nil, ctx.Err()
			}
			attempt++
			continue
		}

		c.log.Debug().
			Str("method", method).
			Str("url", rawURL).
			Int("status", resp.StatusCode).
			Int("attempt", attempt).
			Dur("latency", lat).
			Msg("http response")

		if !retryableStatus[resp.StatusCode] {
			if resp.StatusCode >= 300 {
				body, _ := ReadBody(resp)
				if cancel != nil {
					cancel()
				}
				return nil, NewStatusError(resp.StatusCode, body)
			}
			if cancel != nil {
				// caller owns resp.Body; cancel must outlive the read, so we only
				// cancel once the caller closes the body by wrapping it.
				resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
			}
			return resp, nil
		}

		if !c.shouldRetry(attempt) {
			body, _ := ReadBody(resp)
			if cancel != nil {
				cancel()
			}
			return nil, NewStatusError(resp.StatusCode, body)
		}

		back := c.backoff(attempt)
		c.log.Warn().Int("status", resp.StatusCode).Dur("retry_in", back).Int("attempt", attempt).
			Msg("transient status, retrying")
		_ = drainAndClose(resp.Body)
		if cancel != nil {
			cancel()
		}
		if !c.sleepCtx(ctx, back) {
			return nil, ctx.Err()
		}
		attempt++
	}
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.opts.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.opts.BearerToken)
	case c.opts.BasicUser != "" || c.opts.BasicPass != "":
		req.SetBasicAuth(c.opts.BasicUser, c.opts.BasicPass)
	}
	for k, v := range c.opts.ExtraHeaders {
		req.Header.Set(k, v)
	}
}

// backoff returns base * (attempt+1), matching the specified linear-by-attempt schedule.
func (c *Client) backoff(attempt int) time.Duration {
	return c.opts.RetryBase * time.Duration(attempt+1)
}

func (c *Client) shouldRetry(attempt int) bool { return attempt < c.opts.MaxRetries }

// sleepCtx sleeps for d or returns false early if ctx is canceled first.
func (c *Client) sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

func drainAndClose(rc io.ReadCloser) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 512))
	return rc.Close()
}

// ReadBody reads and closes resp.Body, limited to 4MiB, and trims whitespace.
func ReadBody(resp *http.Response) (string, error) {
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeUnknown, "read response body")
	}
	return strings.TrimSpace(string(b)), nil
}

// StatusError wraps a non-retried or retry-exhausted HTTP response.
type StatusError struct {
	Status int
	Body   string
	Err    error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// NewStatusError maps an HTTP status code to a platform error code and wraps the
// response body as a StatusError.
func NewStatusError(status int, body string) *StatusError {
	return &StatusError{Status: status, Body: body, Err: perr.Newf(mapStatusCode(status), "unexpected status %d", status)}
}

func mapStatusCode(status int) perr.ErrorCode {
	switch status {
	case http.StatusNotFound:
		return perr.ErrorCodeNotFound
	case http.StatusGone:
		return perr.ErrorCodeGone
	case http.StatusUnavailableForLegalReasons:
		return perr.ErrorCodeLegal
	case http.StatusUnauthorized:
		return perr.ErrorCodeUnauthorized
	case http.StatusForbidden:
		return perr.ErrorCodeForbidden
	case http.StatusTooManyRequests:
		return perr.ErrorCodeTooManyRequests
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return perr.ErrorCodeUnavailable
	default:
		return perr.ErrorCodeUnknown
	}
}
