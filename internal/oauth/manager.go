// Package oauth runs the Mastodon authorization code flow and keeps the
// per-instance app registrations.
package oauth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/harrybrwn/fedi/internal/kv"
	"github.com/harrybrwn/fedi/internal/session"
	"github.com/harrybrwn/fedi/mastodon"
)

var ErrNoPendingAuthorization = errors.New("no pending authorization")

// AppKeyPrefix prefixes the storage key of each app registration.
const AppKeyPrefix = "mastodon_app_"

func appKey(i mastodon.Instance) string { return AppKeyPrefix + i.String() }

type AppRegistration struct {
	Instance     mastodon.Instance `json:"instance"`
	ClientID     string            `json:"client_id"`
	ClientSecret string            `json:"client_secret"`
}

// PendingAuthorization is an authorization that was started but whose code
// has not been exchanged yet.
type PendingAuthorization struct {
	Instance     mastodon.Instance
	ClientID     string
	ClientSecret string
}

type Manager struct {
	Sessions *session.Store
	Logger   *slog.Logger
	// ClientOptions are applied to every client the manager builds.
	ClientOptions []mastodon.ClientOption
	// InfoClient is used for instance metadata requests. It is usually
	// wrapped in a response cache.
	InfoClient *http.Client
	AppName    string
	Website    string

	kv      *kv.Store
	apps    singleflight.Group
	info    *lru.Cache[mastodon.Instance, *mastodon.InstanceInfo]
	mu      sync.Mutex
	pending *PendingAuthorization
}

func NewManager(store *kv.Store, sessions *session.Store, opts ...mastodon.ClientOption) *Manager {
	info, err := lru.New[mastodon.Instance, *mastodon.InstanceInfo](64)
	if err != nil {
		panic(err)
	}
	return &Manager{
		Sessions:      sessions,
		Logger:        slog.Default(),
		ClientOptions: opts,
		AppName:       "fedi",
		Website:       "https://github.com/harrybrwn/fedi",
		kv:            store,
		info:          info,
	}
}

func (m *Manager) client(i mastodon.Instance, token string, extra ...mastodon.ClientOption) *mastodon.Client {
	opts := make([]mastodon.ClientOption, 0, len(m.ClientOptions)+len(extra)+2)
	opts = append(opts, mastodon.WithInstance(i))
	opts = append(opts, m.ClientOptions...)
	opts = append(opts, extra...)
	if len(token) > 0 {
		opts = append(opts, mastodon.WithToken(token))
	}
	return mastodon.NewClient(opts...)
}

// StoredApp returns the saved registration for an instance without
// contacting it.
func (m *Manager) StoredApp(ctx context.Context, i mastodon.Instance) (*AppRegistration, error) {
	var reg AppRegistration
	if err := m.kv.GetJSON(ctx, appKey(i), &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// RegisterApp returns the app registration for an instance, creating it on
// the instance the first time. Concurrent calls for one instance share a
// single request.
func (m *Manager) RegisterApp(ctx context.Context, i mastodon.Instance) (*AppRegistration, error) {
	reg, err := m.StoredApp(ctx, i)
	if err == nil {
		return reg, nil
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}
	v, err, shared := m.apps.Do(i.String(), func() (any, error) {
		if reg, err := m.StoredApp(ctx, i); err == nil {
			return reg, nil
		}
		app, err := m.client(i, "").RegisterApp(ctx, &mastodon.AppRequest{
			ClientName:   m.AppName,
			RedirectURIs: mastodon.RedirectOOB,
			Scopes:       mastodon.DefaultScopes,
			Website:      m.Website,
		})
		if err != nil {
			return nil, err
		}
		if len(app.ClientID) == 0 || len(app.ClientSecret) == 0 {
			return nil, errors.Errorf("app registration on %s returned no client credentials", i)
		}
		reg := AppRegistration{
			Instance:     i,
			ClientID:     app.ClientID,
			ClientSecret: app.ClientSecret,
		}
		if err = m.kv.SetJSON(ctx, appKey(i), &reg); err != nil {
			return nil, errors.Wrap(err, "failed to save app registration")
		}
		m.Logger.Info("registered app", "instance", i, "client_id", reg.ClientID)
		return &reg, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.Logger.Debug("shared app registration", "instance", i)
	}
	return v.(*AppRegistration), nil
}

// BeginAuthorization registers the app if needed, remembers the pending
// authorization and returns the url the user must open. Starting a new
// authorization replaces any pending one.
func (m *Manager) BeginAuthorization(ctx context.Context, i mastodon.Instance) (string, error) {
	reg, err := m.RegisterApp(ctx, i)
	if err != nil {
		return "", err
	}
	u, err := m.client(i, "").AuthorizationURL(reg.ClientID, mastodon.DefaultScopes, mastodon.RedirectOOB)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.pending = &PendingAuthorization{
		Instance:     i,
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
	}
	m.mu.Unlock()
	return u, nil
}

// Pending returns the pending authorization, if any.
func (m *Manager) Pending() (PendingAuthorization, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return PendingAuthorization{}, false
	}
	return *m.pending, true
}

// CompleteAuthorization exchanges the code shown by the instance for a
// token, looks up the account and stores the new credential as the active
// Mastodon account. The pending authorization is only consumed on success so
// a mistyped code can be retried.
func (m *Manager) CompleteAuthorization(ctx context.Context, code string) (*session.Credential, error) {
	code = strings.TrimSpace(code)
	m.mu.Lock()
	p := m.pending
	m.mu.Unlock()
	if p == nil {
		return nil, ErrNoPendingAuthorization
	}
	if len(code) == 0 {
		return nil, errors.New("empty authorization code")
	}
	tok, err := m.client(p.Instance, "").ObtainToken(ctx, &mastodon.TokenRequest{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURI:  mastodon.RedirectOOB,
		GrantType:    "authorization_code",
		Code:         code,
		Scope:        mastodon.DefaultScopes,
	})
	if err != nil {
		return nil, err
	}
	acct, err := m.client(p.Instance, tok.AccessToken).VerifyCredentials(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to verify new credentials")
	}
	cred := session.Credential{
		Kind:        session.KindMastodon,
		Instance:    p.Instance,
		AccessToken: tok.AccessToken,
		Mastodon:    acct,
	}
	if err = m.Sessions.Add(ctx, &cred); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.pending == p {
		m.pending = nil
	}
	m.mu.Unlock()
	m.Logger.Info("logged in", "handle", cred.Handle())
	return &cred, nil
}

// RevokeBestEffort asks the instance to revoke a credential's token.
// Failures are logged and ignored.
func (m *Manager) RevokeBestEffort(ctx context.Context, cred *session.Credential) {
	if cred.Kind != session.KindMastodon {
		return
	}
	logger := m.Logger.With("handle", cred.Handle())
	reg, err := m.StoredApp(ctx, cred.Instance)
	if err != nil {
		logger.Warn("skipping token revocation: no app registration", "error", err)
		return
	}
	err = m.client(cred.Instance, "").RevokeToken(ctx, &mastodon.RevokeRequest{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		Token:        cred.AccessToken,
	})
	if err != nil {
		logger.Warn("failed to revoke token", "error", err)
		return
	}
	logger.Debug("revoked token")
}

// Logout revokes the account's token if possible and removes it from the
// session store.
func (m *Manager) Logout(ctx context.Context, ref session.AccountRef) error {
	cred, ok := m.Sessions.Credential(ref)
	if !ok {
		return errors.Wrap(session.ErrUnknownAccount, ref.String())
	}
	m.RevokeBestEffort(ctx, cred)
	return m.Sessions.Remove(ctx, ref)
}

// InstanceInfo fetches the public metadata of an instance. Successful
// results are memoized for the life of the manager.
func (m *Manager) InstanceInfo(ctx context.Context, i mastodon.Instance) (*mastodon.InstanceInfo, error) {
	if info, ok := m.info.Get(i); ok {
		return info, nil
	}
	var extra []mastodon.ClientOption
	if m.InfoClient != nil {
		extra = append(extra, mastodon.WithHTTPClient(m.InfoClient))
	}
	info, err := m.client(i, "", extra...).Instance(ctx)
	if err != nil {
		return nil, err
	}
	m.info.Add(i, info)
	return info, nil
}
