// Package httplog logs outgoing http requests at debug level.
package httplog

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// MaxBody is how much of a response body gets logged.
const MaxBody = 2048

var redacted = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"set-cookie":    {},
}

// Transport logs each request and response. Bodies are only read when the
// logger has debug enabled.
type Transport struct {
	RoundTripper http.RoundTripper
	Logger       *slog.Logger
}

func New(rt http.RoundTripper, logger *slog.Logger) *Transport {
	return &Transport{RoundTripper: rt, Logger: logger}
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	var (
		ctx    = r.Context()
		logger = t.Logger
		rt     = t.RoundTripper
	)
	if logger == nil {
		logger = slog.Default()
	}
	if rt == nil {
		rt = http.DefaultTransport
	}
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return rt.RoundTrip(r)
	}
	logger.DebugContext(ctx, "http request",
		"method", r.Method,
		"url", r.URL.String(),
		headerGroup(r.Header))
	start := time.Now()
	res, err := rt.RoundTrip(r)
	if err != nil {
		logger.DebugContext(ctx, "http request failed",
			"method", r.Method,
			"url", r.URL.String(),
			"duration", time.Since(start),
			"error", err)
		return res, err
	}
	if res.StatusCode == http.StatusSwitchingProtocols {
		// the body is the upgraded connection
		logger.DebugContext(ctx, "http response",
			"status", res.StatusCode,
			"url", r.URL.String(),
			"duration", time.Since(start),
			headerGroup(res.Header))
		return res, nil
	}
	var buf bytes.Buffer
	_, err = io.Copy(&buf, res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(buf.Bytes()))
	body := buf.Bytes()
	if len(body) > MaxBody {
		body = body[:MaxBody]
	}
	logger.DebugContext(ctx, "http response",
		"status", res.StatusCode,
		"url", r.URL.String(),
		"len", buf.Len(),
		"duration", time.Since(start),
		"body", string(body),
		headerGroup(res.Header))
	return res, nil
}

func headerGroup(header http.Header) slog.Attr {
	args := make([]any, 0, len(header))
	for k, v := range header {
		if _, ok := redacted[strings.ToLower(k)]; ok {
			continue
		}
		args = append(args, slog.String(k, strings.Join(v, ",")))
	}
	return slog.Group("headers", args...)
}
