package mastodon

import (
	"context"
	"iter"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/go-querystring/query"
	"github.com/pkg/errors"
)

// PageParams are the cursor parameters shared by every paginated endpoint.
type PageParams struct {
	MaxID   string `url:"max_id,omitempty"`
	SinceID string `url:"since_id,omitempty"`
	MinID   string `url:"min_id,omitempty"`
	Limit   int    `url:"limit,omitempty"`
}

// Values encodes the params merged with any endpoint specific values.
func (p *PageParams) Values(extra url.Values) (url.Values, error) {
	v := url.Values{}
	if p != nil {
		var err error
		v, err = query.Values(p)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	for k, vals := range extra {
		for _, val := range vals {
			v.Add(k, val)
		}
	}
	return v, nil
}

// Links holds the max_id cursors of the rel="next" and rel="prev" links.
type Links struct {
	Next string
	Prev string
}

var linkRe = regexp.MustCompile(`<([^>]+)>;\s*rel="(\w+)"`)

// ParseLinkHeader extracts the max_id query parameter of each link in an
// RFC 8288 Link header. Links without a max_id are ignored.
func ParseLinkHeader(h string) Links {
	var links Links
	for _, part := range strings.Split(h, ",") {
		m := linkRe.FindStringSubmatch(strings.TrimSpace(part))
		if m == nil {
			continue
		}
		u, err := url.Parse(m[1])
		if err != nil {
			continue
		}
		id := u.Query().Get("max_id")
		if len(id) == 0 {
			continue
		}
		switch m[2] {
		case "next":
			links.Next = id
		case "prev":
			links.Prev = id
		}
	}
	return links
}

// Page is one page of a cursor paginated collection.
type Page[T any] struct {
	Data []T
	Next string
	Prev string
}

// HasMore reports whether another page should be requested. An empty page
// ends pagination even when the server still sent a next link.
func (p *Page[T]) HasMore() bool {
	return p != nil && len(p.Next) > 0 && len(p.Data) > 0
}

// FetchPage requests one page of path and reads the cursors from the Link
// response header.
func FetchPage[T any](ctx context.Context, c *Client, path string, params *PageParams, extra url.Values) (*Page[T], error) {
	q, err := params.Values(extra)
	if err != nil {
		return nil, err
	}
	res, err := c.do(ctx, http.MethodGet, withQuery(path, q), "", nil)
	if err != nil {
		return nil, err
	}
	links := ParseLinkHeader(res.Header.Get("Link"))
	var data []T
	if err = decode(res, &data); err != nil {
		return nil, err
	}
	return &Page[T]{Data: data, Next: links.Next, Prev: links.Prev}, nil
}

// Pager walks a paginated collection from the newest item backwards.
type Pager[T any] struct {
	Client *Client
	Path   string
	Params PageParams
	Extra  url.Values
	// MaxPages stops iteration after this many pages when non-zero.
	MaxPages int
}

// All yields every item across pages. Iteration stops at the first error,
// which is yielded once after all previously fetched items.
func (p *Pager[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		params := p.Params
		for n := 0; p.MaxPages == 0 || n < p.MaxPages; n++ {
			page, err := FetchPage[T](ctx, p.Client, p.Path, &params, p.Extra)
			if err != nil {
				yield(zero, err)
				return
			}
			for _, item := range page.Data {
				if !yield(item, nil) {
					return
				}
			}
			if !page.HasMore() {
				return
			}
			params.MaxID = page.Next
			params.SinceID = ""
			params.MinID = ""
		}
	}
}

// Collect gathers all items of a pager. Items fetched before a failure are
// returned alongside the error.
func Collect[T any](ctx context.Context, p *Pager[T]) ([]T, error) {
	var out []T
	for item, err := range p.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}
