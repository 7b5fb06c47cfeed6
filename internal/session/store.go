// Package session stores the logged in accounts of both protocols, which
// account of each protocol is active, and which protocol is current.
package session

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/harrybrwn/fedi/array"
	"github.com/harrybrwn/fedi/internal/kv"
	"github.com/harrybrwn/fedi/mastodon"
)

var (
	ErrUnknownAccount   = errors.New("unknown account")
	ErrNoActiveAccount  = errors.New("no active account")
	errInvalidPersisted = errors.New("invalid persisted session state")
)

const (
	KeyMastodonAccounts = "mastodon_accounts"
	KeyLemmyAccounts    = "lemmy_accounts"
	KeyMastodonMode     = "mastodon_mode"
)

func stateKey(k Kind) string {
	if k == KindMastodon {
		return KeyMastodonAccounts
	}
	return KeyLemmyAccounts
}

// State is the persisted account list of one protocol. Active is nil or the
// handle of an element of Accounts.
type State struct {
	Accounts []Credential `json:"accounts"`
	Active   *Handle      `json:"activeHandle,omitempty"`
}

func (s *State) find(h Handle) (*Credential, bool) {
	return array.Find(s.Accounts, func(c Credential) bool { return c.Handle() == h })
}

func (s *State) clone() *State {
	c := State{Accounts: append([]Credential(nil), s.Accounts...)}
	if s.Active != nil {
		h := *s.Active
		c.Active = &h
	}
	return &c
}

// Store owns the session state. All mutations are serialized and persisted
// before they return. A failed write leaves the in-memory state untouched.
type Store struct {
	// ClientOptions are applied to every client built by [Store.MastodonClient].
	ClientOptions []mastodon.ClientOption
	Logger        *slog.Logger

	mu    sync.Mutex
	kv    *kv.Store
	state map[Kind]*State
	// mode is nil until the mode flag has been written once.
	mode *bool
}

// NewStore loads the persisted session state.
func NewStore(ctx context.Context, store *kv.Store) (*Store, error) {
	s := Store{
		Logger: slog.Default(),
		kv:     store,
		state:  make(map[Kind]*State, len(kinds)),
	}
	for _, k := range kinds {
		var st State
		err := store.GetJSON(ctx, stateKey(k), &st)
		switch {
		case errors.Is(err, kv.ErrNotFound):
		case err != nil:
			return nil, err
		}
		if st.Active != nil {
			if _, ok := st.find(*st.Active); !ok {
				return nil, errors.Wrapf(errInvalidPersisted, "active %s account %s not in account list", k, st.Active)
			}
		}
		s.state[k] = &st
	}
	raw, err := store.Get(ctx, KeyMastodonMode)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		mode, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.Wrapf(errInvalidPersisted, "mode flag %q", raw)
		}
		s.mode = &mode
	}
	return &s, nil
}

// Add stores a new credential, replacing any account with the same handle,
// and makes it active. Adding a Mastodon account turns the mode flag on.
func (s *Store) Add(ctx context.Context, cred *Credential) error {
	if err := cred.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := cred.Handle()
	cur := s.state[cred.Kind]
	next := State{
		Accounts: array.Prepend(*cred, array.Filter(cur.Accounts, func(c Credential) bool {
			return c.Handle() != h
		})),
		Active: &h,
	}
	if err := s.persist(ctx, cred.Kind, &next); err != nil {
		return err
	}
	s.Logger.Debug("account added", "kind", cred.Kind, "handle", h, "accounts", len(next.Accounts))
	if cred.Kind == KindMastodon {
		return s.setMode(ctx, true)
	}
	return nil
}

// Remove deletes an account. When the active account is removed the first
// remaining account becomes active. Removing the last Mastodon account turns
// the mode flag off.
func (s *Store) Remove(ctx context.Context, ref AccountRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.state[ref.Kind]
	if _, ok := cur.find(ref.Handle); !ok {
		return errors.Wrap(ErrUnknownAccount, ref.String())
	}
	next := State{
		Accounts: array.Filter(cur.Accounts, func(c Credential) bool {
			return c.Handle() != ref.Handle
		}),
		Active: cur.Active,
	}
	if len(next.Accounts) == 0 {
		next.Active = nil
	} else if cur.Active != nil && *cur.Active == ref.Handle {
		h := next.Accounts[0].Handle()
		next.Active = &h
	}
	if err := s.persist(ctx, ref.Kind, &next); err != nil {
		return err
	}
	s.Logger.Debug("account removed", "ref", ref, "accounts", len(next.Accounts))
	if len(next.Accounts) == 0 && ref.Kind == KindMastodon {
		return s.setMode(ctx, false)
	}
	return nil
}

// SetActive makes an existing account the active account of its protocol.
func (s *Store) SetActive(ctx context.Context, ref AccountRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setActive(ctx, ref)
}

// Switch makes ref active and selects its protocol as the current one.
func (s *Store) Switch(ctx context.Context, ref AccountRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.setActive(ctx, ref); err != nil {
		return err
	}
	return s.setMode(ctx, ref.Kind == KindMastodon)
}

func (s *Store) setActive(ctx context.Context, ref AccountRef) error {
	cur := s.state[ref.Kind]
	if _, ok := cur.find(ref.Handle); !ok {
		return errors.Wrap(ErrUnknownAccount, ref.String())
	}
	if cur.Active != nil && *cur.Active == ref.Handle {
		return nil
	}
	next := cur.clone()
	h := ref.Handle
	next.Active = &h
	return s.persist(ctx, ref.Kind, next)
}

// Accounts returns a copy of the account list of one protocol, most
// recently added first.
func (s *Store) Accounts(kind Kind) []Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[kind]
	if !ok {
		return nil
	}
	return append([]Credential(nil), st.Accounts...)
}

// Credential looks up a stored account.
func (s *Store) Credential(ref AccountRef) (*Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[ref.Kind]
	if !ok {
		return nil, false
	}
	c, ok := st.find(ref.Handle)
	if !ok {
		return nil, false
	}
	cred := *c
	return &cred, true
}

// Active returns the active account of one protocol.
func (s *Store) Active(kind Kind) (*Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active(kind)
}

func (s *Store) active(kind Kind) (*Credential, bool) {
	st, ok := s.state[kind]
	if !ok || st.Active == nil {
		return nil, false
	}
	c, ok := st.find(*st.Active)
	if !ok {
		return nil, false
	}
	cred := *c
	return &cred, true
}

// Mode reports whether Mastodon is the current protocol. Before the flag is
// first written it follows whether a Mastodon account is active.
func (s *Store) Mode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modeLocked()
}

func (s *Store) modeLocked() bool {
	if s.mode != nil {
		return *s.mode
	}
	_, ok := s.active(KindMastodon)
	return ok
}

// Current returns the account that represents the user: the active Mastodon
// account when the mode flag is on, otherwise the active Lemmy account.
func (s *Store) Current() (*Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modeLocked() {
		if c, ok := s.active(KindMastodon); ok {
			return c, true
		}
	}
	return s.active(KindLemmy)
}

// MastodonClient returns a client for the active Mastodon account.
func (s *Store) MastodonClient() (*mastodon.Client, error) {
	cred, ok := s.Active(KindMastodon)
	if !ok {
		return nil, errors.Wrap(ErrNoActiveAccount, "mastodon")
	}
	return cred.Client(s.ClientOptions...)
}

func (s *Store) persist(ctx context.Context, kind Kind, next *State) error {
	key := stateKey(kind)
	var err error
	if len(next.Accounts) == 0 {
		err = s.kv.Delete(ctx, key)
	} else {
		err = s.kv.SetJSON(ctx, key, next)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to save %s accounts", kind)
	}
	s.state[kind] = next
	return nil
}

func (s *Store) setMode(ctx context.Context, on bool) error {
	if s.mode != nil && *s.mode == on {
		return nil
	}
	if err := s.kv.Set(ctx, KeyMastodonMode, strconv.FormatBool(on)); err != nil {
		return errors.Wrap(err, "failed to save mode flag")
	}
	s.mode = &on
	s.Logger.Debug("mode flag changed", "mastodon", on)
	return nil
}
