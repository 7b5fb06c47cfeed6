package mastodon

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/pkg/errors"
)

// Stream names accepted by the streaming api.
const (
	StreamUser          = "user"
	StreamPublic        = "public"
	StreamPublicLocal   = "public:local"
	StreamHashtag       = "hashtag"
	StreamList          = "list"
	StreamDirect        = "direct"
	StreamNotifications = "user:notification"
)

// Event names sent by the streaming api.
const (
	EventUpdate         = "update"
	EventStatusUpdate   = "status.update"
	EventDelete         = "delete"
	EventNotification   = "notification"
	EventFiltersChanged = "filters_changed"
)

// StreamEvent is one message from the streaming api. Payload is the raw
// payload string, which is itself json for most events.
type StreamEvent struct {
	Stream  []string `json:"stream"`
	Event   string   `json:"event"`
	Payload string   `json:"payload"`
}

// Status decodes the payload of an update or status.update event.
func (e *StreamEvent) Status() (*Status, error) {
	if e.Event != EventUpdate && e.Event != EventStatusUpdate {
		return nil, errors.Errorf("event %q does not carry a status", e.Event)
	}
	var s Status
	if err := json.Unmarshal([]byte(e.Payload), &s); err != nil {
		return nil, errors.Wrap(err, "failed to decode status payload")
	}
	return &s, nil
}

// Notification decodes the payload of a notification event.
func (e *StreamEvent) Notification() (*Notification, error) {
	if e.Event != EventNotification {
		return nil, errors.Errorf("event %q does not carry a notification", e.Event)
	}
	var n Notification
	if err := json.Unmarshal([]byte(e.Payload), &n); err != nil {
		return nil, errors.Wrap(err, "failed to decode notification payload")
	}
	return &n, nil
}

// StreamOptions selects a stream. Tag is required for hashtag streams and
// List for list streams.
type StreamOptions struct {
	Stream string
	Tag    string
	List   string
}

func (c *Client) streamingURL(opts *StreamOptions) string {
	u := c.BaseURL()
	if c.Insecure {
		u.Scheme = "ws"
	} else {
		u.Scheme = "wss"
	}
	u.Path = "/api/v1/streaming"
	q := url.Values{}
	q.Set("stream", opts.Stream)
	if len(opts.Tag) > 0 {
		q.Set("tag", opts.Tag)
	}
	if len(opts.List) > 0 {
		q.Set("list", opts.List)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Stream connects to the streaming api and yields events until ctx is done
// or the connection fails. A normal closure by the server ends the sequence
// without an error.
func (c *Client) Stream(ctx context.Context, opts *StreamOptions) iter.Seq2[*StreamEvent, error] {
	return func(yield func(*StreamEvent, error) bool) {
		if opts == nil || len(opts.Stream) == 0 {
			opts = &StreamOptions{Stream: StreamUser}
		}
		header := http.Header{}
		if len(c.UserAgent) > 0 {
			header.Set("User-Agent", c.UserAgent)
		}
		if len(c.Token) > 0 {
			header.Set("Authorization", "Bearer "+c.Token)
		}
		// websocket dials are bounded by ctx, not a client timeout
		var hc *http.Client
		if c.Client != nil {
			cp := *c.Client
			cp.Timeout = 0
			hc = &cp
		}
		conn, res, err := websocket.Dial(ctx, c.streamingURL(opts), &websocket.DialOptions{
			HTTPClient: hc,
			HTTPHeader: header,
		})
		if err != nil {
			if res != nil && res.StatusCode >= 400 {
				err = newError(res, "/api/v1/streaming", nil)
			}
			yield(nil, errors.WithStack(err))
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(1 << 20)
		for {
			typ, b, err := conn.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
					websocket.CloseStatus(err) == websocket.StatusGoingAway ||
					ctx.Err() != nil {
					return
				}
				yield(nil, errors.WithStack(err))
				return
			}
			if typ != websocket.MessageText {
				continue
			}
			var ev StreamEvent
			if err = json.Unmarshal(b, &ev); err != nil {
				if !yield(nil, errors.Wrap(err, "failed to decode stream event")) {
					return
				}
				continue
			}
			if !yield(&ev, nil) {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}
