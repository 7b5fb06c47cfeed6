package mastodon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Error is returned for every non-2xx response from an instance.
type Error struct {
	// Status is the http status code.
	Status int
	// Body is the raw response text.
	Body string
	// Path is the request path, including the query string.
	Path string
	// RetryAfter is set when the server asked the client to back off.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("mastodon api error (%d) at %s: %s", e.Status, e.Path, e.Message())
}

// Message returns the "error" field of a json error body, falling back to
// the raw body text.
func (e *Error) Message() string {
	var body struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.Unmarshal([]byte(e.Body), &body); err == nil && len(body.Error) > 0 {
		if len(body.Description) > 0 {
			return body.Error + ": " + body.Description
		}
		return body.Error
	}
	return strings.TrimSpace(e.Body)
}

// Code classifies the error by its status.
func (e *Error) Code() Code { return CodeFromStatus(e.Status) }

func newError(res *http.Response, path string, body []byte) *Error {
	e := Error{
		Status: res.StatusCode,
		Body:   string(body),
		Path:   path,
	}
	if v := res.Header.Get("Retry-After"); len(v) > 0 {
		if secs, err := strconv.Atoi(v); err == nil {
			e.RetryAfter = time.Duration(secs) * time.Second
		} else if t, err := http.ParseTime(v); err == nil {
			e.RetryAfter = time.Until(t)
		}
	} else if v := res.Header.Get("X-RateLimit-Reset"); len(v) > 0 && res.StatusCode == http.StatusTooManyRequests {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.RetryAfter = time.Until(t)
		}
	}
	if e.RetryAfter < 0 {
		e.RetryAfter = 0
	}
	return &e
}

// AsError returns the [*Error] in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusCode returns the http status of a transport error or zero when err
// did not come from an http response.
func StatusCode(err error) int {
	if e, ok := AsError(err); ok {
		return e.Status
	}
	return 0
}

func IsUnauthorized(err error) bool { return StatusCode(err) == http.StatusUnauthorized }
func IsNotFound(err error) bool     { return StatusCode(err) == http.StatusNotFound }
func IsRateLimited(err error) bool  { return StatusCode(err) == http.StatusTooManyRequests }
func IsServerError(err error) bool  { return StatusCode(err) >= 500 }

type Code string

const (
	Unknown             Code = "Unknown"
	Success             Code = "Success"
	InvalidRequest      Code = "InvalidRequest"
	AuthRequired        Code = "AuthRequired"
	Forbidden           Code = "Forbidden"
	NotFound            Code = "NotFound"
	Unprocessable       Code = "Unprocessable"
	RateLimitExceeded   Code = "RateLimitExceeded"
	InternalServerError Code = "InternalServerError"
	UpstreamFailure     Code = "UpstreamFailure"
	Unavailable         Code = "Unavailable"
	UpstreamTimeout     Code = "UpstreamTimeout"
)

func CodeFromStatus(status int) Code {
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return Success
	case http.StatusBadRequest:
		return InvalidRequest
	case http.StatusUnauthorized:
		return AuthRequired
	case http.StatusForbidden:
		return Forbidden
	case http.StatusNotFound, http.StatusGone:
		return NotFound
	case http.StatusUnprocessableEntity:
		return Unprocessable
	case http.StatusTooManyRequests:
		return RateLimitExceeded
	case http.StatusInternalServerError:
		return InternalServerError
	case http.StatusBadGateway:
		return UpstreamFailure
	case http.StatusServiceUnavailable:
		return Unavailable
	case http.StatusGatewayTimeout:
		return UpstreamTimeout
	default:
		if status >= 200 && status < 300 {
			return Success
		} else if status >= 400 && status < 500 {
			return InvalidRequest
		} else if status >= 500 {
			return InternalServerError
		}
		return Unknown
	}
}

func (c Code) String() string { return string(c) }
