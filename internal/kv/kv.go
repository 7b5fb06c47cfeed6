// Package kv is a small string key/value store backed by sqlite. Values are
// written synchronously so a successful Set survives a restart.
package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/harrybrwn/db"
	"github.com/huandu/go-sqlbuilder"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("key not found")

const table = "kv"

type Store struct {
	db   db.DB
	conn *sql.DB
}

// Open opens or creates the sqlite database at path and runs migrations.
// Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	// in-memory databases are per connection
	conn.SetMaxOpenConns(1)
	s := New(conn)
	if err = s.Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func New(conn *sql.DB) *Store {
	return &Store{db: db.New(conn), conn: conn}
}

// DB returns the underlying database so other tables can share the file.
func (s *Store) DB() *sql.DB { return s.conn }

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS "kv" (
	"key"       VARCHAR PRIMARY KEY,
	"value"     TEXT    NOT NULL,
	"updatedAt" BIGINT  NOT NULL
);`)
	return errors.WithStack(err)
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	qb := sqlbuilder.SQLite.NewSelectBuilder()
	query, args := qb.Select("value").From(table).Where(qb.Equal("key", key)).Build()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return "", errors.WithStack(err)
	}
	var value string
	if err = db.ScanOne(rows, &value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errors.Wrapf(ErrNotFound, "%q", key)
		}
		return "", errors.WithStack(err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	query, args := sqlbuilder.SQLite.NewInsertBuilder().
		ReplaceInto(table).
		Cols("key", "value", "updatedAt").
		Values(key, value, time.Now().UnixMilli()).
		Build()
	_, err := s.db.ExecContext(ctx, query, args...)
	return errors.WithStack(err)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	qb := sqlbuilder.SQLite.NewDeleteBuilder()
	query, args := qb.DeleteFrom(table).Where(qb.Equal("key", key)).Build()
	_, err := s.db.ExecContext(ctx, query, args...)
	return errors.WithStack(err)
}

// Keys lists every key starting with prefix in lexical order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	qb := sqlbuilder.SQLite.NewSelectBuilder()
	qb.Select("key").From(table)
	if len(prefix) > 0 {
		qb.Where(qb.Like("key", escapeLike(prefix)+"%") + ` ESCAPE '\'`)
	}
	qb.OrderBy("key").Asc()
	query, args := qb.Build()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err = rows.Scan(&k); err != nil {
			return nil, errors.WithStack(err)
		}
		keys = append(keys, k)
	}
	return keys, errors.WithStack(rows.Err())
}

// GetJSON decodes the value stored at key into v.
func (s *Store) GetJSON(ctx context.Context, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return errors.Wrapf(json.Unmarshal([]byte(raw), v), "invalid json at %q", key)
}

func (s *Store) SetJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.WithStack(err)
	}
	return s.Set(ctx, key, string(b))
}

func (s *Store) Close() error { return s.conn.Close() }

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
