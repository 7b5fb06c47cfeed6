package interaction

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/matryer/is"
	"github.com/pkg/errors"

	"github.com/harrybrwn/fedi/internal/kv"
	"github.com/harrybrwn/fedi/internal/session"
	"github.com/harrybrwn/fedi/mastodon"
)

var errBoom = errors.New("boom")

// fakeAPI keeps a server side copy of each status. When gated, every call
// sends a release channel on entered and waits for it to be closed.
type fakeAPI struct {
	mu       sync.Mutex
	statuses map[string]*mastodon.Status
	fail     error
	gated    bool
	entered  chan chan struct{}
	calls    int
	wrap     bool
}

func newFakeAPI(statuses ...*mastodon.Status) *fakeAPI {
	f := &fakeAPI{
		statuses: make(map[string]*mastodon.Status),
		entered:  make(chan chan struct{}, 8),
	}
	for _, s := range statuses {
		f.statuses[s.ID] = s.Clone()
	}
	return f
}

func (f *fakeAPI) do(ctx context.Context, id string, k Kind, on bool) (*mastodon.Status, error) {
	f.mu.Lock()
	f.calls++
	gated := f.gated
	f.mu.Unlock()
	if gated {
		release := make(chan struct{})
		f.entered <- release
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	s, ok := f.statuses[id]
	if !ok {
		return nil, &mastodon.Error{Status: http.StatusNotFound}
	}
	if k.serverValue(s) != on {
		if p := k.counter(s); p != nil {
			*p += b2i(on) - b2i(!on)
		}
	}
	*k.flag(s) = mastodon.Bool(on)
	if f.wrap && k == Boost && on {
		return &mastodon.Status{ID: "wrapper-" + id, Reblog: s.Clone()}, nil
	}
	return s.Clone(), nil
}

func (f *fakeAPI) Favourite(ctx context.Context, id string) (*mastodon.Status, error) {
	return f.do(ctx, id, Favourite, true)
}

func (f *fakeAPI) Unfavourite(ctx context.Context, id string) (*mastodon.Status, error) {
	return f.do(ctx, id, Favourite, false)
}

func (f *fakeAPI) Reblog(ctx context.Context, id string) (*mastodon.Status, error) {
	return f.do(ctx, id, Boost, true)
}

func (f *fakeAPI) Unreblog(ctx context.Context, id string) (*mastodon.Status, error) {
	return f.do(ctx, id, Boost, false)
}

func (f *fakeAPI) Bookmark(ctx context.Context, id string) (*mastodon.Status, error) {
	return f.do(ctx, id, Bookmark, true)
}

func (f *fakeAPI) Unbookmark(ctx context.Context, id string) (*mastodon.Status, error) {
	return f.do(ctx, id, Bookmark, false)
}

func (f *fakeAPI) MuteConversation(ctx context.Context, id string) (*mastodon.Status, error) {
	return f.do(ctx, id, Mute, true)
}

func (f *fakeAPI) UnmuteConversation(ctx context.Context, id string) (*mastodon.Status, error) {
	return f.do(ctx, id, Mute, false)
}

func (f *fakeAPI) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeAPI) waitEntered(t *testing.T) chan struct{} {
	t.Helper()
	select {
	case r := <-f.entered:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the api")
		return nil
	}
}

func testCache(api API) *Cache {
	return New(ClientSourceFunc(func(context.Context) (API, error) { return api, nil }))
}

func testStatus(id string, fav bool, favs, boosts int) *mastodon.Status {
	return &mastodon.Status{
		ID:              id,
		Content:         "<p>hello</p>",
		Favourited:      mastodon.Bool(fav),
		Reblogged:       mastodon.Bool(false),
		Bookmarked:      mastodon.Bool(false),
		Muted:           mastodon.Bool(false),
		FavouritesCount: favs,
		ReblogsCount:    boosts,
	}
}

func checkVisible(t *testing.T, c *Cache, id string, k Kind, value bool, count int) {
	t.Helper()
	v, ok := c.Effective(id, k)
	if !ok {
		t.Fatalf("status %q not cached", id)
	}
	n, _ := c.Count(id, k)
	if v != value || n != count {
		t.Fatalf("%s of %q: got (%v, %d), want (%v, %d)", k, id, v, n, value, count)
	}
}

func TestToggleSuccess(t *testing.T) {
	is := is.New(t)
	s := testStatus("1", false, 10, 0)
	api := newFakeAPI(s)
	api.statuses["1"].FavouritesCount = 14 // others liked it in the meantime
	c := testCache(api)
	c.Observe(s)

	v, err := c.ToggleFavourite(t.Context(), "1")
	is.NoErr(err)
	is.True(v)
	checkVisible(t, c, "1", Favourite, true, 15)
	st, _ := c.State("1", Favourite)
	is.Equal(st.Phase, Synced)
}

func TestToggleFailureRestores(t *testing.T) {
	is := is.New(t)
	s := testStatus("1", false, 10, 3)
	api := newFakeAPI(s)
	api.setFail(&mastodon.Error{Status: http.StatusInternalServerError})
	c := testCache(api)
	c.Observe(s)

	for range 2 {
		v, err := c.ToggleFavourite(t.Context(), "1")
		is.True(err != nil)
		is.True(mastodon.IsServerError(err))
		is.Equal(v, false)
		checkVisible(t, c, "1", Favourite, false, 10)
		st, _ := c.State("1", Favourite)
		is.Equal(st.Phase, Synced)
	}
	checkVisible(t, c, "1", Boost, false, 3)
	got, ok := c.Status("1")
	is.True(ok)
	is.Equal(*got.Favourited, false)
	is.Equal(got.FavouritesCount, 10)
}

func TestDoubleToggleNetsToOriginal(t *testing.T) {
	is := is.New(t)
	s := testStatus("1", false, 10, 0)
	api := newFakeAPI(s)
	api.gated = true
	c := testCache(api)
	c.Observe(s)

	type result struct {
		v   bool
		err error
	}
	first, second := make(chan result, 1), make(chan result, 1)
	go func() {
		v, err := c.ToggleFavourite(t.Context(), "1")
		first <- result{v, err}
	}()
	r1 := api.waitEntered(t)
	checkVisible(t, c, "1", Favourite, true, 11)

	go func() {
		v, err := c.ToggleFavourite(t.Context(), "1")
		second <- result{v, err}
	}()
	r2 := api.waitEntered(t)
	checkVisible(t, c, "1", Favourite, false, 10)
	st, _ := c.State("1", Favourite)
	is.Equal(st.Phase, PendingRevert)

	close(r1)
	res := <-first
	is.NoErr(res.err)
	is.Equal(res.v, false) // second toggle still pending
	checkVisible(t, c, "1", Favourite, false, 10)

	close(r2)
	res = <-second
	is.NoErr(res.err)
	is.Equal(res.v, false)
	checkVisible(t, c, "1", Favourite, false, 10)
	st, _ = c.State("1", Favourite)
	is.Equal(st.Phase, Synced)
	is.Equal(api.calls, 2)
}

func TestObserveWhilePending(t *testing.T) {
	is := is.New(t)
	s := testStatus("1", false, 10, 0)
	api := newFakeAPI(s)
	api.gated = true
	api.fail = errBoom
	c := testCache(api)
	c.Observe(s)

	done := make(chan error, 1)
	go func() {
		_, err := c.ToggleFavourite(t.Context(), "1")
		done <- err
	}()
	release := api.waitEntered(t)

	// a timeline refresh brings a newer counter
	c.Observe(testStatus("1", false, 20, 0))
	checkVisible(t, c, "1", Favourite, true, 21)
	st, _ := c.State("1", Favourite)
	is.Equal(st.Phase, PendingApply)

	close(release)
	is.True(errors.Is(<-done, errBoom))
	checkVisible(t, c, "1", Favourite, false, 20)
}

func TestToggleCancelled(t *testing.T) {
	is := is.New(t)
	s := testStatus("1", true, 5, 0)
	api := newFakeAPI(s)
	api.gated = true
	c := testCache(api)
	c.Observe(s)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := c.ToggleFavourite(ctx, "1")
		done <- err
	}()
	api.waitEntered(t)
	checkVisible(t, c, "1", Favourite, false, 4)
	cancel()
	is.True(errors.Is(<-done, context.Canceled))
	checkVisible(t, c, "1", Favourite, true, 5)
}

func TestToggleErrors(t *testing.T) {
	is := is.New(t)
	c := New(ClientSourceFunc(func(context.Context) (API, error) {
		return nil, session.ErrNoActiveAccount
	}))
	c.Observe(testStatus("1", false, 0, 0))
	_, err := c.ToggleFavourite(t.Context(), "1")
	is.True(errors.Is(err, ErrNoClient))
	st, _ := c.State("1", Favourite)
	is.Equal(st.Phase, Synced)

	c.Source = nil
	_, err = c.ToggleFavourite(t.Context(), "1")
	is.True(errors.Is(err, ErrNoClient))

	_, err = c.Toggle(t.Context(), "1", Kind(42))
	is.True(err != nil)
}

func TestToggleUnobserved(t *testing.T) {
	is := is.New(t)
	api := newFakeAPI(testStatus("9", false, 2, 0))
	c := testCache(api)
	is.Equal(c.Len(), 0)

	v, err := c.ToggleFavourite(t.Context(), "9")
	is.NoErr(err)
	is.True(v)
	is.Equal(api.calls, 1)
	checkVisible(t, c, "9", Favourite, true, 3)
	got, ok := c.Status("9")
	is.True(ok)
	is.Equal(got.Content, "<p>hello</p>") // body from the server

	// the server does not know this one
	v, err = c.ToggleBoost(t.Context(), "10")
	is.True(mastodon.IsNotFound(err))
	is.Equal(v, false)
	is.Equal(api.calls, 2)
	checkVisible(t, c, "10", Boost, false, 0)
	st, _ := c.State("10", Boost)
	is.Equal(st.Phase, Synced)
}

func TestObserveKeepsMissingFlags(t *testing.T) {
	is := is.New(t)
	c := testCache(newFakeAPI())
	s := testStatus("1", true, 5, 0)
	s.Bookmarked = mastodon.Bool(true)
	c.Observe(s)

	anon := &mastodon.Status{ID: "1", Content: "<p>edited</p>", FavouritesCount: 6}
	c.Observe(anon)
	checkVisible(t, c, "1", Favourite, true, 6)
	checkVisible(t, c, "1", Bookmark, true, -1)
	got, _ := c.Status("1")
	is.Equal(got.Content, "<p>edited</p>")

	s = testStatus("1", false, 5, 0)
	c.Observe(s)
	checkVisible(t, c, "1", Favourite, false, 5)
	checkVisible(t, c, "1", Bookmark, false, -1)
}

func TestBoostWrapperResponse(t *testing.T) {
	is := is.New(t)
	s := testStatus("1", false, 0, 7)
	api := newFakeAPI(s)
	api.wrap = true
	c := testCache(api)
	c.Observe(s)

	v, err := c.ToggleBoost(t.Context(), "1")
	is.NoErr(err)
	is.True(v)
	checkVisible(t, c, "1", Boost, true, 8)
	is.Equal(c.Len(), 1) // the wrapper is not cached
}

func TestBookmarkAndMuteHaveNoCounter(t *testing.T) {
	is := is.New(t)
	s := testStatus("1", false, 2, 2)
	c := testCache(newFakeAPI(s))
	c.Observe(s)

	v, err := c.ToggleBookmark(t.Context(), "1")
	is.NoErr(err)
	is.True(v)
	checkVisible(t, c, "1", Bookmark, true, -1)
	v, err = c.ToggleMute(t.Context(), "1")
	is.NoErr(err)
	is.True(v)
	checkVisible(t, c, "1", Mute, true, -1)
	checkVisible(t, c, "1", Favourite, false, 2)
}

func TestRemoveWhileInFlight(t *testing.T) {
	is := is.New(t)
	s := testStatus("1", false, 1, 0)
	api := newFakeAPI(s)
	api.gated = true
	c := testCache(api)
	c.Observe(s)

	done := make(chan error, 1)
	go func() {
		_, err := c.ToggleFavourite(t.Context(), "1")
		done <- err
	}()
	release := api.waitEntered(t)
	c.Remove("1")
	c.Observe(testStatus("1", false, 1, 0))
	close(release)
	is.NoErr(<-done)

	// the new entry is not touched by the old request
	checkVisible(t, c, "1", Favourite, false, 1)
	st, _ := c.State("1", Favourite)
	is.Equal(st.Phase, Synced)
}

func TestApplyStreamEvents(t *testing.T) {
	is := is.New(t)
	c := testCache(newFakeAPI())
	raw, err := json.Marshal(testStatus("9", true, 3, 1))
	is.NoErr(err)

	is.NoErr(c.Apply(&mastodon.StreamEvent{Event: mastodon.EventUpdate, Payload: string(raw)}))
	checkVisible(t, c, "9", Favourite, true, 3)

	edited, err := json.Marshal(testStatus("9", true, 6, 1))
	is.NoErr(err)
	is.NoErr(c.Apply(&mastodon.StreamEvent{Event: mastodon.EventStatusUpdate, Payload: string(edited)}))
	checkVisible(t, c, "9", Favourite, true, 6)

	n, err := json.Marshal(mastodon.Notification{
		ID:     "n1",
		Type:   mastodon.NotificationFavourite,
		Status: testStatus("10", false, 1, 0),
	})
	is.NoErr(err)
	is.NoErr(c.Apply(&mastodon.StreamEvent{Event: mastodon.EventNotification, Payload: string(n)}))
	is.Equal(c.Len(), 2)

	is.NoErr(c.Apply(&mastodon.StreamEvent{Event: mastodon.EventDelete, Payload: "9"}))
	_, ok := c.Effective("9", Favourite)
	is.True(!ok)
	is.NoErr(c.Apply(&mastodon.StreamEvent{Event: mastodon.EventFiltersChanged}))

	err = c.Apply(&mastodon.StreamEvent{Event: mastodon.EventUpdate, Payload: "{"})
	is.True(err != nil)
}

func TestSubscribeEvents(t *testing.T) {
	is := is.New(t)
	s := testStatus("1", false, 10, 0)
	api := newFakeAPI(s)
	api.setFail(errBoom)
	c := testCache(api)
	c.Observe(s)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	events, err := c.Subscribe(ctx)
	is.NoErr(err)

	_, err = c.ToggleFavourite(ctx, "1")
	is.True(errors.Is(err, errBoom))
	c.Remove("1")
	is.NoErr(c.Close())

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	is.Equal(len(got), 3)
	is.Equal(got[0].Value, true)
	is.Equal(got[0].Count, 11)
	is.Equal(got[0].Phase, PendingApply)
	is.Equal(got[1].Value, false)
	is.Equal(got[1].Count, 10)
	is.True(errors.Is(got[1].Err, errBoom))
	is.True(got[2].Removed)
}

func TestSessionSource(t *testing.T) {
	is := is.New(t)
	var favs int
	r := chi.NewRouter()
	r.Post("/api/v1/statuses/{id}/favourite", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		favs++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(testStatus(chi.URLParam(r, "id"), true, favs, 0))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	store, err := kv.Open(t.Context(), ":memory:")
	is.NoErr(err)
	t.Cleanup(func() { store.Close() })
	sessions, err := session.NewStore(t.Context(), store)
	is.NoErr(err)
	c := New(SessionSource(sessions))
	c.Observe(testStatus("1", false, 0, 0))

	_, err = c.ToggleFavourite(t.Context(), "1")
	is.True(errors.Is(err, ErrNoClient))

	sessions.ClientOptions = []mastodon.ClientOption{mastodon.WithURL(srv.URL)}
	is.NoErr(sessions.Add(t.Context(), &session.Credential{
		Kind:        session.KindMastodon,
		Instance:    mastodon.MustParseInstance("example.social"),
		AccessToken: "tok",
		Mastodon:    &mastodon.Account{ID: "1", Username: "alice", Acct: "alice"},
	}))
	v, err := c.ToggleFavourite(t.Context(), "1")
	is.NoErr(err)
	is.True(v)
	checkVisible(t, c, "1", Favourite, true, 1)
}
