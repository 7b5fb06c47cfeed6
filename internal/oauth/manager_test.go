package oauth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/matryer/is"

	"github.com/harrybrwn/fedi/internal/kv"
	"github.com/harrybrwn/fedi/internal/session"
	"github.com/harrybrwn/fedi/mastodon"
)

// fakeInstance counts the calls made to each oauth endpoint.
type fakeInstance struct {
	apps, tokens, verify, revoke, info atomic.Int32
	failRevoke                         bool
}

func (f *fakeInstance) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/apps", func(w http.ResponseWriter, r *http.Request) {
		f.apps.Add(1)
		var req mastodon.AppRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RedirectURIs != mastodon.RedirectOOB {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		writeJSON(w, mastodon.Application{Name: req.ClientName, ClientID: "cid", ClientSecret: "secret"})
	})
	r.Post("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokens.Add(1)
		var req mastodon.TokenRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Code != "CODE123" || req.ClientSecret != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, mastodon.Token{AccessToken: "access", TokenType: "Bearer", Scope: req.Scope})
	})
	r.Get("/api/v1/accounts/verify_credentials", func(w http.ResponseWriter, r *http.Request) {
		f.verify.Add(1)
		if r.Header.Get("Authorization") != "Bearer access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, mastodon.Account{ID: "1", Username: "alice", Acct: "alice"})
	})
	r.Post("/oauth/revoke", func(w http.ResponseWriter, r *http.Request) {
		f.revoke.Add(1)
		if f.failRevoke {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		writeJSON(w, map[string]any{})
	})
	r.Get("/api/v2/instance", func(w http.ResponseWriter, r *http.Request) {
		f.info.Add(1)
		writeJSON(w, mastodon.InstanceInfo{Domain: r.Host, Title: "Example"})
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// rewrite sends every request to the test server regardless of host.
type rewrite struct{ target *url.URL }

func (rw rewrite) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = rw.target.Scheme
	r.URL.Host = rw.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

func testManager(t *testing.T, f *fakeInstance) (*Manager, *session.Store, *kv.Store) {
	t.Helper()
	is := is.New(t)
	srv := httptest.NewServer(f.routes())
	t.Cleanup(srv.Close)
	target, _ := url.Parse(srv.URL)
	db, err := kv.Open(t.Context(), ":memory:")
	is.NoErr(err)
	t.Cleanup(func() { db.Close() })
	sessions, err := session.NewStore(t.Context(), db)
	is.NoErr(err)
	hc := &http.Client{Transport: rewrite{target}}
	return NewManager(db, sessions, mastodon.WithHTTPClient(hc)), sessions, db
}

func TestRegisterAppOnce(t *testing.T) {
	ctx := t.Context()
	is := is.New(t)
	var f fakeInstance
	m, _, db := testManager(t, &f)
	inst := mastodon.MustParseInstance("example.social")

	a, err := m.RegisterApp(ctx, inst)
	is.NoErr(err)
	b, err := m.RegisterApp(ctx, inst)
	is.NoErr(err)
	is.Equal(f.apps.Load(), int32(1))
	is.Equal(*a, *b)
	is.Equal(a.ClientID, "cid")

	var stored AppRegistration
	is.NoErr(db.GetJSON(ctx, "mastodon_app_example.social", &stored))
	is.Equal(stored, *a)
}

func TestRegisterAppConcurrent(t *testing.T) {
	is := is.New(t)
	var f fakeInstance
	m, _, _ := testManager(t, &f)
	inst := mastodon.MustParseInstance("example.social")
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.RegisterApp(t.Context(), inst)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		is.NoErr(err)
	}
	is.Equal(f.apps.Load(), int32(1))
}

func TestRegisterAppFailureNotPersisted(t *testing.T) {
	ctx := t.Context()
	is := is.New(t)
	var f fakeInstance
	m, _, db := testManager(t, &f)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	target, _ := url.Parse(srv.URL)
	m.ClientOptions = []mastodon.ClientOption{mastodon.WithHTTPClient(&http.Client{Transport: rewrite{target}})}

	_, err := m.RegisterApp(ctx, "broken.example")
	is.True(mastodon.IsServerError(err))
	keys, err := db.Keys(ctx, AppKeyPrefix)
	is.NoErr(err)
	is.Equal(len(keys), 0)
}

func TestCompleteWithoutBegin(t *testing.T) {
	is := is.New(t)
	var f fakeInstance
	m, sessions, _ := testManager(t, &f)
	_, err := m.CompleteAuthorization(t.Context(), "CODE123")
	is.True(errors.Is(err, ErrNoPendingAuthorization))
	is.Equal(f.tokens.Load(), int32(0))
	is.Equal(len(sessions.Accounts(session.KindMastodon)), 0)
}

func TestLoginFlow(t *testing.T) {
	ctx := t.Context()
	is := is.New(t)
	var f fakeInstance
	m, sessions, db := testManager(t, &f)

	authURL, err := m.BeginAuthorization(ctx, mastodon.MustParseInstance("example.social"))
	is.NoErr(err)
	u, err := url.Parse(authURL)
	is.NoErr(err)
	is.Equal(u.Host, "example.social")
	is.Equal(u.Path, "/oauth/authorize")
	is.Equal(u.Query().Get("client_id"), "cid")
	is.Equal(u.Query().Get("response_type"), "code")
	is.Equal(u.Query().Get("scope"), "read write follow push")
	is.Equal(u.Query().Get("redirect_uri"), "urn:ietf:wg:oauth:2.0:oob")
	p, ok := m.Pending()
	is.True(ok)
	is.Equal(p.Instance, mastodon.Instance("example.social"))

	cred, err := m.CompleteAuthorization(ctx, "CODE123")
	is.NoErr(err)
	is.Equal(cred.Instance, mastodon.Instance("example.social"))
	is.Equal(cred.AccessToken, "access")
	is.Equal(cred.Handle().String(), "alice@example.social")

	accts := sessions.Accounts(session.KindMastodon)
	is.Equal(len(accts), 1)
	is.Equal(accts[0].Instance, mastodon.Instance("example.social"))
	_, ok = m.Pending()
	is.True(!ok)
	is.True(sessions.Mode())
	mode, err := db.Get(ctx, session.KeyMastodonMode)
	is.NoErr(err)
	is.Equal(mode, "true")
	cur, ok := sessions.Current()
	is.True(ok)
	is.Equal(cur.Handle(), cred.Handle())
}

func TestFailedExchangeKeepsPending(t *testing.T) {
	ctx := t.Context()
	is := is.New(t)
	var f fakeInstance
	m, sessions, _ := testManager(t, &f)
	_, err := m.BeginAuthorization(ctx, "example.social")
	is.NoErr(err)
	_, err = m.CompleteAuthorization(ctx, "WRONG")
	is.Equal(mastodon.StatusCode(err), http.StatusBadRequest)
	p, ok := m.Pending()
	is.True(ok) // still waiting for a code
	is.Equal(p.Instance, mastodon.Instance("example.social"))
	is.Equal(len(sessions.Accounts(session.KindMastodon)), 0)
	is.Equal(f.verify.Load(), int32(0))

	cred, err := m.CompleteAuthorization(ctx, "CODE123")
	is.NoErr(err)
	is.Equal(cred.Handle().String(), "alice@example.social")
	is.Equal(f.tokens.Load(), int32(2))
	is.Equal(len(sessions.Accounts(session.KindMastodon)), 1)
	_, ok = m.Pending()
	is.True(!ok)

	_, err = m.CompleteAuthorization(ctx, "CODE123")
	is.True(errors.Is(err, ErrNoPendingAuthorization))
}

func TestLogoutRevokesBestEffort(t *testing.T) {
	ctx := t.Context()
	is := is.New(t)
	f := fakeInstance{failRevoke: true}
	m, sessions, _ := testManager(t, &f)
	_, err := m.BeginAuthorization(ctx, "example.social")
	is.NoErr(err)
	cred, err := m.CompleteAuthorization(ctx, "CODE123")
	is.NoErr(err)

	is.NoErr(m.Logout(ctx, cred.Ref()))
	is.Equal(f.revoke.Load(), int32(1))
	is.Equal(len(sessions.Accounts(session.KindMastodon)), 0)
	is.True(!sessions.Mode())

	err = m.Logout(ctx, cred.Ref())
	is.True(errors.Is(err, session.ErrUnknownAccount))
	is.Equal(f.revoke.Load(), int32(1))
}

func TestRevokeWithoutAppRegistration(t *testing.T) {
	is := is.New(t)
	var f fakeInstance
	m, _, _ := testManager(t, &f)
	m.RevokeBestEffort(t.Context(), &session.Credential{
		Kind:        session.KindMastodon,
		Instance:    "unknown.example",
		AccessToken: "x",
		Mastodon:    &mastodon.Account{Username: "x"},
	})
	is.Equal(f.revoke.Load(), int32(0))
}

func TestInstanceInfoMemoized(t *testing.T) {
	ctx := t.Context()
	is := is.New(t)
	var f fakeInstance
	m, _, _ := testManager(t, &f)
	a, err := m.InstanceInfo(ctx, "example.social")
	is.NoErr(err)
	is.Equal(a.Domain, "example.social")
	b, err := m.InstanceInfo(ctx, "example.social")
	is.NoErr(err)
	is.True(a == b)
	is.Equal(f.info.Load(), int32(1))
	_, err = m.InstanceInfo(ctx, "other.example")
	is.NoErr(err)
	is.Equal(f.info.Load(), int32(2))
}
