package kv

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/matryer/is"
)

func TestStore(t *testing.T) {
	ctx := t.Context()
	is := is.New(t)
	s, err := Open(ctx, ":memory:")
	is.NoErr(err)
	defer s.Close()

	_, err = s.Get(ctx, "mastodon_mode")
	is.True(errors.Is(err, ErrNotFound))
	is.NoErr(s.Set(ctx, "mastodon_mode", "true"))
	v, err := s.Get(ctx, "mastodon_mode")
	is.NoErr(err)
	is.Equal(v, "true")
	is.NoErr(s.Set(ctx, "mastodon_mode", "false"))
	v, err = s.Get(ctx, "mastodon_mode")
	is.NoErr(err)
	is.Equal(v, "false")

	is.NoErr(s.Delete(ctx, "mastodon_mode"))
	is.NoErr(s.Delete(ctx, "mastodon_mode"))
	_, err = s.Get(ctx, "mastodon_mode")
	is.True(errors.Is(err, ErrNotFound))
}

func TestKeys(t *testing.T) {
	ctx := t.Context()
	is := is.New(t)
	s, err := Open(ctx, ":memory:")
	is.NoErr(err)
	defer s.Close()
	for _, k := range []string{
		"mastodon_app_b.example",
		"mastodon_app_a.example",
		"mastodon_accounts",
		"mastodonXapp_c",
	} {
		is.NoErr(s.Set(ctx, k, "{}"))
	}
	keys, err := s.Keys(ctx, "mastodon_app_")
	is.NoErr(err)
	is.Equal(keys, []string{"mastodon_app_a.example", "mastodon_app_b.example"})
	all, err := s.Keys(ctx, "")
	is.NoErr(err)
	is.Equal(len(all), 4)
}

func TestJSON(t *testing.T) {
	ctx := t.Context()
	is := is.New(t)
	s, err := Open(ctx, ":memory:")
	is.NoErr(err)
	defer s.Close()
	type app struct {
		ClientID string `json:"client_id"`
	}
	is.NoErr(s.SetJSON(ctx, "mastodon_app_example.social", app{ClientID: "abc"}))
	var a app
	is.NoErr(s.GetJSON(ctx, "mastodon_app_example.social", &a))
	is.Equal(a.ClientID, "abc")

	is.NoErr(s.Set(ctx, "broken", "{"))
	is.True(s.GetJSON(ctx, "broken", &a) != nil)
}

func TestPersistsAcrossOpen(t *testing.T) {
	ctx := t.Context()
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(ctx, path)
	is.NoErr(err)
	is.NoErr(s.Set(ctx, "lemmy_accounts", `{"accounts":[]}`))
	is.NoErr(s.Close())

	s, err = Open(ctx, path)
	is.NoErr(err)
	defer s.Close()
	v, err := s.Get(ctx, "lemmy_accounts")
	is.NoErr(err)
	is.Equal(v, `{"accounts":[]}`)
}
