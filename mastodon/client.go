package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// maxErrorBody caps how much of a failed response is kept on [Error].
const maxErrorBody = 64 * 1024

var defaultUserAgent = "fedi/" + versioninfo.Short()

// Client performs requests against a single instance.
type Client struct {
	Client    *http.Client
	Insecure  bool
	Host      Instance
	Token     string
	UserAgent string
	Limiter   *rate.Limiter
}

type ClientOption func(*Client)

func NewClient(opts ...ClientOption) *Client {
	c := Client{
		Client:    http.DefaultClient,
		Insecure:  false,
		UserAgent: defaultUserAgent,
	}
	for _, o := range opts {
		o(&c)
	}
	return &c
}

func WithInstance(i Instance) ClientOption        { return func(c *Client) { c.Host = i } }
func WithInsecure() ClientOption                  { return func(c *Client) { c.Insecure = true } }
func WithToken(token string) ClientOption         { return func(c *Client) { c.Token = token } }
func WithHTTPClient(hc *http.Client) ClientOption { return func(c *Client) { c.Client = hc } }
func WithUserAgent(ua string) ClientOption        { return func(c *Client) { c.UserAgent = ua } }
func WithRateLimit(l *rate.Limiter) ClientOption  { return func(c *Client) { c.Limiter = l } }

// WithEnv reads FEDI_INSECURE and FEDI_ACCESS_TOKEN.
func WithEnv() ClientOption {
	return func(c *Client) {
		if v, ok := os.LookupEnv("FEDI_INSECURE"); ok {
			insecure, err := strconv.ParseBool(v)
			if err == nil {
				c.Insecure = insecure
			}
		}
		if v, ok := os.LookupEnv("FEDI_ACCESS_TOKEN"); ok && len(c.Token) == 0 {
			c.Token = v
		}
	}
}

// WithURL sets the instance and scheme from a base url such as
// "http://localhost:3000".
func WithURL(uri string) ClientOption {
	u, err := url.Parse(uri)
	if err != nil {
		slog.Error("Failed to parse url in mastodon.WithURL", "error", err)
		return func(c *Client) {}
	}
	return func(c *Client) {
		c.Host = Instance(u.Host)
		if u.Scheme == "http" {
			c.Insecure = true
		}
	}
}

// NewRobustHTTPClient returns an http client that retries connection errors,
// 429 and 5xx responses. Requests that are not idempotent are never retried.
func NewRobustHTTPClient(logger *slog.Logger) *http.Client {
	if logger == nil {
		logger = slog.Default()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = retryLogger{logger}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client := rc.StandardClient()
	client.Timeout = 30 * time.Second
	return client
}

type noRetryKey struct{}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if v, _ := ctx.Value(noRetryKey{}).(bool); v {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// retryLogger demotes intermediate failures to WARN since they are retried.
type retryLogger struct{ l *slog.Logger }

func (l retryLogger) Error(msg string, kv ...any) { l.l.Warn(msg, kv...) }
func (l retryLogger) Warn(msg string, kv ...any)  { l.l.Warn(msg, kv...) }
func (l retryLogger) Info(msg string, kv ...any)  { l.l.Debug(msg, kv...) }
func (l retryLogger) Debug(msg string, kv ...any) { l.l.Debug(msg, kv...) }

// BaseURL returns the scheme and host requests are sent to.
func (c *Client) BaseURL() *url.URL { return c.Host.URL(c.Insecure) }

func (c *Client) url(p string) (*url.URL, error) {
	ref, err := url.Parse(p)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid request path %q", p)
	}
	u := c.BaseURL()
	u.Path = ref.Path
	u.RawPath = ref.RawPath
	u.RawQuery = ref.RawQuery
	return u, nil
}

// Do sends a request with an optional json body and decodes a json response
// into dst. A 204 response leaves dst untouched. dst may be nil.
func (c *Client) Do(ctx context.Context, method, path string, body, dst any) error {
	var (
		r           io.Reader
		contentType string
	)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.WithStack(err)
		}
		r = bytes.NewReader(b)
		contentType = "application/json"
	}
	res, err := c.do(ctx, method, path, contentType, r)
	if err != nil {
		return err
	}
	return decode(res, dst)
}

// Get is a shorthand for a GET request with query parameters.
func (c *Client) Get(ctx context.Context, path string, q url.Values, dst any) error {
	return c.Do(ctx, http.MethodGet, withQuery(path, q), nil, dst)
}

// Upload sends a pre-encoded multipart body. The content type must carry
// the multipart boundary.
func (c *Client) Upload(ctx context.Context, path, contentType string, body io.Reader, dst any) error {
	res, err := c.do(ctx, http.MethodPost, path, contentType, body)
	if err != nil {
		return err
	}
	return decode(res, dst)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	if len(c.Host) == 0 {
		return nil, errors.Wrap(ErrInvalidInstance, "client has no instance")
	}
	u, err := c.url(path)
	if err != nil {
		return nil, err
	}
	if c.Limiter != nil {
		if err = c.Limiter.Wait(ctx); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if !idempotent(method) {
		ctx = context.WithValue(ctx, noRetryKey{}, true)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("Accept", "application/json")
	if len(contentType) > 0 {
		req.Header.Set("Content-Type", contentType)
	}
	if len(c.UserAgent) > 0 {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if len(c.Token) > 0 {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	hc := c.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	res, err := hc.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, err := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		res.Body.Close()
		e := newError(res, path, b)
		if err != nil {
			return nil, errors.Wrap(e, err.Error())
		}
		return nil, errors.WithStack(e)
	}
	return res, nil
}

func decode(res *http.Response, dst any) error {
	defer res.Body.Close()
	if res.StatusCode == http.StatusNoContent || dst == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	err := json.NewDecoder(res.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return errors.Wrap(err, "failed to decode response")
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
