package mastodon

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

func get[T any](ctx context.Context, c *Client, path string, q url.Values) (*T, error) {
	var v T
	if err := c.Get(ctx, path, q, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func post[T any](ctx context.Context, c *Client, path string, body any) (*T, error) {
	var v T
	if err := c.Do(ctx, http.MethodPost, path, body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func statusPath(id, action string) string {
	p := "/api/v1/statuses/" + url.PathEscape(id)
	if len(action) > 0 {
		p += "/" + action
	}
	return p
}

func accountPath(id, action string) string {
	p := "/api/v1/accounts/" + url.PathEscape(id)
	if len(action) > 0 {
		p += "/" + action
	}
	return p
}

// Accounts

func (c *Client) Account(ctx context.Context, id string) (*Account, error) {
	return get[Account](ctx, c, accountPath(id, ""), nil)
}

// LookupAccount resolves an acct such as "user@instance" without a search.
func (c *Client) LookupAccount(ctx context.Context, acct string) (*Account, error) {
	return get[Account](ctx, c, "/api/v1/accounts/lookup", url.Values{"acct": {acct}})
}

func (c *Client) AccountStatuses(ctx context.Context, id string, p *PageParams) (*Page[Status], error) {
	return FetchPage[Status](ctx, c, accountPath(id, "statuses"), p, nil)
}

func (c *Client) Followers(ctx context.Context, id string, p *PageParams) (*Page[Account], error) {
	return FetchPage[Account](ctx, c, accountPath(id, "followers"), p, nil)
}

func (c *Client) Following(ctx context.Context, id string, p *PageParams) (*Page[Account], error) {
	return FetchPage[Account](ctx, c, accountPath(id, "following"), p, nil)
}

func (c *Client) Follow(ctx context.Context, id string) (*Relationship, error) {
	return post[Relationship](ctx, c, accountPath(id, "follow"), nil)
}

func (c *Client) Unfollow(ctx context.Context, id string) (*Relationship, error) {
	return post[Relationship](ctx, c, accountPath(id, "unfollow"), nil)
}

func (c *Client) Block(ctx context.Context, id string) (*Relationship, error) {
	return post[Relationship](ctx, c, accountPath(id, "block"), nil)
}

func (c *Client) Unblock(ctx context.Context, id string) (*Relationship, error) {
	return post[Relationship](ctx, c, accountPath(id, "unblock"), nil)
}

func (c *Client) MuteAccount(ctx context.Context, id string) (*Relationship, error) {
	return post[Relationship](ctx, c, accountPath(id, "mute"), nil)
}

func (c *Client) UnmuteAccount(ctx context.Context, id string) (*Relationship, error) {
	return post[Relationship](ctx, c, accountPath(id, "unmute"), nil)
}

func (c *Client) Relationships(ctx context.Context, ids ...string) ([]Relationship, error) {
	rels, err := get[[]Relationship](ctx, c, "/api/v1/accounts/relationships", url.Values{"id[]": ids})
	if err != nil {
		return nil, err
	}
	return *rels, nil
}

// Timelines

func (c *Client) HomeTimeline(ctx context.Context, p *PageParams) (*Page[Status], error) {
	return FetchPage[Status](ctx, c, "/api/v1/timelines/home", p, nil)
}

type PublicTimelineOptions struct {
	Local     bool
	Remote    bool
	OnlyMedia bool
}

func (o *PublicTimelineOptions) values() url.Values {
	q := url.Values{}
	if o == nil {
		return q
	}
	if o.Local {
		q.Set("local", "true")
	}
	if o.Remote {
		q.Set("remote", "true")
	}
	if o.OnlyMedia {
		q.Set("only_media", "true")
	}
	return q
}

func (c *Client) PublicTimeline(ctx context.Context, opts *PublicTimelineOptions, p *PageParams) (*Page[Status], error) {
	return FetchPage[Status](ctx, c, "/api/v1/timelines/public", p, opts.values())
}

func (c *Client) TagTimeline(ctx context.Context, tag string, opts *PublicTimelineOptions, p *PageParams) (*Page[Status], error) {
	return FetchPage[Status](ctx, c, "/api/v1/timelines/tag/"+url.PathEscape(tag), p, opts.values())
}

func (c *Client) ListTimeline(ctx context.Context, listID string, p *PageParams) (*Page[Status], error) {
	return FetchPage[Status](ctx, c, "/api/v1/timelines/list/"+url.PathEscape(listID), p, nil)
}

// Statuses

func (c *Client) Status(ctx context.Context, id string) (*Status, error) {
	return get[Status](ctx, c, statusPath(id, ""), nil)
}

func (c *Client) StatusContext(ctx context.Context, id string) (*Context, error) {
	return get[Context](ctx, c, statusPath(id, "context"), nil)
}

type PostStatus struct {
	Status      string     `json:"status"`
	MediaIDs    []string   `json:"media_ids,omitempty"`
	InReplyToID string     `json:"in_reply_to_id,omitempty"`
	Sensitive   bool       `json:"sensitive,omitempty"`
	SpoilerText string     `json:"spoiler_text,omitempty"`
	Visibility  Visibility `json:"visibility,omitempty"`
	Language    string     `json:"language,omitempty"`
	Poll        *PostPoll  `json:"poll,omitempty"`
}

type PostPoll struct {
	Options   []string `json:"options"`
	ExpiresIn int      `json:"expires_in"`
	Multiple  bool     `json:"multiple,omitempty"`
}

func (c *Client) CreateStatus(ctx context.Context, s *PostStatus) (*Status, error) {
	return post[Status](ctx, c, "/api/v1/statuses", s)
}

func (c *Client) EditStatus(ctx context.Context, id string, s *PostStatus) (*Status, error) {
	var v Status
	if err := c.Do(ctx, http.MethodPut, statusPath(id, ""), s, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// DeleteStatus deletes a status and returns it with its source text.
func (c *Client) DeleteStatus(ctx context.Context, id string) (*Status, error) {
	var v Status
	if err := c.Do(ctx, http.MethodDelete, statusPath(id, ""), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) Favourite(ctx context.Context, id string) (*Status, error) {
	return post[Status](ctx, c, statusPath(id, "favourite"), nil)
}

func (c *Client) Unfavourite(ctx context.Context, id string) (*Status, error) {
	return post[Status](ctx, c, statusPath(id, "unfavourite"), nil)
}

// Reblog boosts a status. The response is the new wrapper status whose
// Reblog field holds the original.
func (c *Client) Reblog(ctx context.Context, id string) (*Status, error) {
	return post[Status](ctx, c, statusPath(id, "reblog"), nil)
}

func (c *Client) Unreblog(ctx context.Context, id string) (*Status, error) {
	return post[Status](ctx, c, statusPath(id, "unreblog"), nil)
}

func (c *Client) Bookmark(ctx context.Context, id string) (*Status, error) {
	return post[Status](ctx, c, statusPath(id, "bookmark"), nil)
}

func (c *Client) Unbookmark(ctx context.Context, id string) (*Status, error) {
	return post[Status](ctx, c, statusPath(id, "unbookmark"), nil)
}

// MuteConversation stops notifications for the thread of a status.
func (c *Client) MuteConversation(ctx context.Context, id string) (*Status, error) {
	return post[Status](ctx, c, statusPath(id, "mute"), nil)
}

func (c *Client) UnmuteConversation(ctx context.Context, id string) (*Status, error) {
	return post[Status](ctx, c, statusPath(id, "unmute"), nil)
}

func (c *Client) Pin(ctx context.Context, id string) (*Status, error) {
	return post[Status](ctx, c, statusPath(id, "pin"), nil)
}

func (c *Client) Unpin(ctx context.Context, id string) (*Status, error) {
	return post[Status](ctx, c, statusPath(id, "unpin"), nil)
}

func (c *Client) Favourites(ctx context.Context, p *PageParams) (*Page[Status], error) {
	return FetchPage[Status](ctx, c, "/api/v1/favourites", p, nil)
}

func (c *Client) Bookmarks(ctx context.Context, p *PageParams) (*Page[Status], error) {
	return FetchPage[Status](ctx, c, "/api/v1/bookmarks", p, nil)
}

// Notifications

func (c *Client) Notifications(ctx context.Context, types []NotificationType, p *PageParams) (*Page[Notification], error) {
	var q url.Values
	if len(types) > 0 {
		q = url.Values{}
		for _, t := range types {
			q.Add("types[]", string(t))
		}
	}
	return FetchPage[Notification](ctx, c, "/api/v1/notifications", p, q)
}

func (c *Client) Notification(ctx context.Context, id string) (*Notification, error) {
	return get[Notification](ctx, c, "/api/v1/notifications/"+url.PathEscape(id), nil)
}

func (c *Client) DismissNotification(ctx context.Context, id string) error {
	return c.Do(ctx, http.MethodPost, "/api/v1/notifications/"+url.PathEscape(id)+"/dismiss", nil, nil)
}

func (c *Client) ClearNotifications(ctx context.Context) error {
	return c.Do(ctx, http.MethodPost, "/api/v1/notifications/clear", nil, nil)
}

// Conversations, lists and search

func (c *Client) Conversations(ctx context.Context, p *PageParams) (*Page[Conversation], error) {
	return FetchPage[Conversation](ctx, c, "/api/v1/conversations", p, nil)
}

func (c *Client) Lists(ctx context.Context) ([]List, error) {
	l, err := get[[]List](ctx, c, "/api/v1/lists", nil)
	if err != nil {
		return nil, err
	}
	return *l, nil
}

type SearchOptions struct {
	Type    string
	Resolve bool
	Limit   int
}

func (c *Client) Search(ctx context.Context, q string, opts *SearchOptions) (*SearchResults, error) {
	v := url.Values{"q": {q}}
	if opts != nil {
		if len(opts.Type) > 0 {
			v.Set("type", opts.Type)
		}
		if opts.Resolve {
			v.Set("resolve", "true")
		}
		if opts.Limit > 0 {
			v.Set("limit", strconv.Itoa(opts.Limit))
		}
	}
	return get[SearchResults](ctx, c, "/api/v2/search", v)
}

func (c *Client) Instance(ctx context.Context) (*InstanceInfo, error) {
	return get[InstanceInfo](ctx, c, "/api/v2/instance", nil)
}

func (c *Client) TrendingStatuses(ctx context.Context, limit int) ([]Status, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	s, err := get[[]Status](ctx, c, "/api/v1/trends/statuses", q)
	if err != nil {
		return nil, err
	}
	return *s, nil
}

func (c *Client) TrendingTags(ctx context.Context, limit int) ([]Tag, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	t, err := get[[]Tag](ctx, c, "/api/v1/trends/tags", q)
	if err != nil {
		return nil, err
	}
	return *t, nil
}

func (c *Client) Vote(ctx context.Context, pollID string, choices ...int) (*Poll, error) {
	body := struct {
		Choices []int `json:"choices"`
	}{Choices: choices}
	return post[Poll](ctx, c, "/api/v1/polls/"+url.PathEscape(pollID)+"/votes", &body)
}

// Media

type MediaUpload struct {
	Filename    string
	ContentType string
	Body        io.Reader
	Description string
	// Focus is the "x,y" focal point in the range -1.0 to 1.0.
	Focus string
}

// UploadMedia sends a file to POST /api/v2/media as multipart form data.
// Large files may come back with a nil URL while the server processes them.
func (c *Client) UploadMedia(ctx context.Context, m *MediaUpload) (*MediaAttachment, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if len(m.Description) > 0 {
		if err := w.WriteField("description", m.Description); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if len(m.Focus) > 0 {
		if err := w.WriteField("focus", m.Focus); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	part, err := w.CreatePart(filePartHeader(m.Filename, m.ContentType))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err = io.Copy(part, m.Body); err != nil {
		return nil, errors.Wrap(err, "failed to read upload body")
	}
	if err = w.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	var att MediaAttachment
	if err = c.Upload(ctx, "/api/v2/media", w.FormDataContentType(), &buf, &att); err != nil {
		return nil, err
	}
	return &att, nil
}

func filePartHeader(filename, contentType string) textproto.MIMEHeader {
	if len(contentType) == 0 {
		contentType = "application/octet-stream"
	}
	return textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="file"; filename="` + escapeQuotes(filename) + `"`},
		"Content-Type":        {contentType},
	}
}

func escapeQuotes(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
