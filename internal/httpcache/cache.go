// Package httpcache stores GET responses in sqlite so repeated lookups of
// slow moving data, like instance metadata, skip the network.
package httpcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/gob"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/harrybrwn/db"
	"github.com/huandu/go-sqlbuilder"
	"github.com/pkg/errors"
)

const (
	table = "http_cache"
	// HeaderStatus is set on every response that went through a [Cache] and
	// is either "hit" or "miss".
	HeaderStatus = "X-Fedi-Cache"
)

// Cache is an [http.RoundTripper] that caches successful GET responses for
// a fixed TTL. Requests carrying credentials are keyed by a hash of the
// credentials so accounts never see each other's responses.
type Cache struct {
	RoundTripper http.RoundTripper
	TTL          time.Duration
	Logger       *slog.Logger
	db           db.DB
	now          func() time.Time
}

func New(conn *sql.DB, rt http.RoundTripper, ttl time.Duration) *Cache {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &Cache{
		RoundTripper: rt,
		TTL:          ttl,
		Logger:       slog.Default(),
		db:           db.New(conn),
		now:          time.Now,
	}
}

func Migrate(ctx context.Context, conn *sql.DB) error {
	_, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS "http_cache" (
	"key"       VARCHAR PRIMARY KEY,
	"blob"      BLOB    NOT NULL,
	"updatedAt" BIGINT  NOT NULL
);`)
	return errors.WithStack(err)
}

// Purge deletes every cached response.
func Purge(ctx context.Context, conn *sql.DB) error {
	query, args := sqlbuilder.SQLite.NewDeleteBuilder().DeleteFrom(table).Build()
	_, err := conn.ExecContext(ctx, query, args...)
	return errors.WithStack(err)
}

func (c *Cache) Purge(ctx context.Context) error {
	query, args := sqlbuilder.SQLite.NewDeleteBuilder().DeleteFrom(table).Build()
	_, err := c.db.ExecContext(ctx, query, args...)
	return errors.WithStack(err)
}

// PurgeExpired deletes responses older than the TTL and returns how many
// were removed.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.TTL).UnixMilli()
	del := sqlbuilder.SQLite.NewDeleteBuilder()
	query, args := del.DeleteFrom(table).Where(del.LessThan("updatedAt", cutoff)).Build()
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	n, err := res.RowsAffected()
	return n, errors.WithStack(err)
}

func (c *Cache) RoundTrip(r *http.Request) (*http.Response, error) {
	if !cacheable(r) {
		return c.RoundTripper.RoundTrip(r)
	}
	ctx := r.Context()
	key := Key(r)
	cached, updatedAt, err := c.get(ctx, key)
	if err == nil && c.now().UnixMilli() < updatedAt+c.TTL.Milliseconds() {
		length := int64(len(cached.Body))
		c.Logger.Debug("found response in cache",
			"method", r.Method,
			"url", r.URL.String(),
			"length", length,
			"key", key)
		header := cached.Header.Clone()
		if header == nil {
			header = make(http.Header)
		}
		header.Set(HeaderStatus, "hit")
		return &http.Response{
			Request:       r,
			Proto:         cached.Proto,
			ProtoMajor:    cached.ProtoMajor,
			ProtoMinor:    cached.ProtoMinor,
			StatusCode:    cached.Status,
			Status:        http.StatusText(cached.Status),
			Header:        header,
			Body:          io.NopCloser(bytes.NewReader(cached.Body)),
			ContentLength: length,
		}, nil
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		c.Logger.Warn("failed to read http cache", "key", key, "error", err)
	}

	response, err := c.RoundTripper.RoundTrip(r)
	if err != nil {
		return response, err
	}
	status := response.StatusCode
	if status != http.StatusOK && status != http.StatusMovedPermanently && status != http.StatusPermanentRedirect {
		response.Header.Set(HeaderStatus, "miss")
		return response, nil
	}
	var body bytes.Buffer
	if err = captureResponseBody(response, &body); err != nil {
		return nil, err
	}
	if err = c.put(ctx, key, response, body.Bytes()); err != nil {
		// the response is still good, only caching failed
		c.Logger.Warn("failed to store response in cache", "key", key, "error", err)
	} else {
		c.Logger.Debug("response stored in cache",
			"method", r.Method,
			"url", r.URL.String(),
			"length", body.Len(),
			"key", key)
	}
	response.Header.Set(HeaderStatus, "miss")
	return response, nil
}

// Key is the cache key of a request.
func Key(r *http.Request) string {
	hash := sha256.New()
	for _, s := range []string{
		r.Method,
		r.URL.String(),
		r.Header.Get("Accept"),
		r.Header.Get("Authorization"),
	} {
		hash.Write([]byte(s))
		hash.Write([]byte{0})
	}
	return hex.EncodeToString(hash.Sum(nil))
}

func cacheable(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	cc := r.Header.Get("Cache-Control")
	return cc != "no-cache" && cc != "no-store"
}

func (c *Cache) get(ctx context.Context, key string) (*Result, int64, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	query, args := sb.Select("blob", "updatedAt").
		From(table).
		Where(sb.Equal("key", key)).
		Build()
	var (
		res       Result
		updatedAt int64
		blob      []byte
	)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	if err = db.ScanOne(rows, &blob, &updatedAt); err != nil {
		return nil, 0, errors.WithStack(err)
	}
	if err = gob.NewDecoder(bytes.NewReader(blob)).Decode(&res); err != nil {
		return nil, updatedAt, errors.WithStack(err)
	}
	return &res, updatedAt, nil
}

func (c *Cache) put(ctx context.Context, key string, res *http.Response, body []byte) error {
	header := res.Header.Clone()
	header.Del(HeaderStatus)
	header.Del("Set-Cookie")
	data := Result{
		Proto:      res.Proto,
		ProtoMajor: res.ProtoMajor,
		ProtoMinor: res.ProtoMinor,
		Status:     res.StatusCode,
		Header:     header,
		Body:       body,
	}
	var blob bytes.Buffer
	if err := gob.NewEncoder(&blob).Encode(&data); err != nil {
		return errors.WithStack(err)
	}
	query, args := sqlbuilder.SQLite.NewInsertBuilder().
		ReplaceInto(table).
		Cols("key", "blob", "updatedAt").
		Values(key, blob.Bytes(), c.now().UnixMilli()).
		Build()
	_, err := c.db.ExecContext(ctx, query, args...)
	return errors.WithStack(err)
}

func captureResponseBody(response *http.Response, cached *bytes.Buffer) error {
	_, err := io.Copy(cached, response.Body)
	if err != nil {
		response.Body.Close()
		return errors.WithStack(err)
	}
	if err = response.Body.Close(); err != nil {
		return errors.WithStack(err)
	}
	response.Body = io.NopCloser(bytes.NewReader(cached.Bytes()))
	response.ContentLength = int64(cached.Len())
	return nil
}

type Result struct {
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Status     int
	Header     http.Header
	Body       []byte
}

func init() {
	gob.Register(&Result{})
}
