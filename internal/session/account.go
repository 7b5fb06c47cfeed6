package session

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/harrybrwn/fedi/mastodon"
)

// Kind is the protocol an account belongs to.
type Kind uint8

const (
	KindLemmy Kind = iota + 1
	KindMastodon
)

var kinds = []Kind{KindLemmy, KindMastodon}

func (k Kind) String() string {
	switch k {
	case KindLemmy:
		return "lemmy"
	case KindMastodon:
		return "mastodon"
	default:
		return "unknown"
	}
}

func (k Kind) valid() bool { return k == KindLemmy || k == KindMastodon }

func (k Kind) MarshalText() ([]byte, error) {
	if !k.valid() {
		return nil, errors.Errorf("invalid account kind %d", k)
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	kind, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "lemmy":
		return KindLemmy, nil
	case "mastodon":
		return KindMastodon, nil
	}
	return 0, errors.Errorf("unknown account kind %q", s)
}

// Handle identifies one account on one instance. It is rendered as
// "username@instance".
type Handle struct {
	Username string
	Instance mastodon.Instance
}

func (h Handle) String() string {
	if h.IsZero() {
		return ""
	}
	return h.Username + "@" + h.Instance.String()
}

func (h Handle) IsZero() bool { return len(h.Username) == 0 && len(h.Instance) == 0 }

func (h Handle) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Handle) UnmarshalText(b []byte) error {
	parsed, err := ParseHandle(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHandle parses "username@instance". A leading "@" is allowed.
func ParseHandle(s string) (Handle, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "@")
	i := strings.LastIndexByte(s, '@')
	if i <= 0 || i == len(s)-1 {
		return Handle{}, errors.Errorf("invalid handle %q: expected username@instance", s)
	}
	inst, err := mastodon.ParseInstance(s[i+1:])
	if err != nil {
		return Handle{}, errors.Wrapf(err, "invalid handle %q", s)
	}
	return Handle{Username: s[:i], Instance: inst}, nil
}

// AccountRef selects one account of either protocol.
type AccountRef struct {
	Kind   Kind
	Handle Handle
}

func Mastodon(h Handle) AccountRef { return AccountRef{Kind: KindMastodon, Handle: h} }
func Lemmy(h Handle) AccountRef    { return AccountRef{Kind: KindLemmy, Handle: h} }

func (r AccountRef) String() string { return r.Kind.String() + ":" + r.Handle.String() }

// ParseAccountRef reads the "kind:username@instance" form used on the
// command line. A bare handle defaults to Mastodon.
func ParseAccountRef(s string) (AccountRef, error) {
	kind := KindMastodon
	if k, rest, ok := strings.Cut(s, ":"); ok && !strings.Contains(k, "@") {
		parsed, err := ParseKind(k)
		if err != nil {
			return AccountRef{}, err
		}
		kind, s = parsed, rest
	}
	h, err := ParseHandle(s)
	if err != nil {
		return AccountRef{}, err
	}
	return AccountRef{Kind: kind, Handle: h}, nil
}

type LemmyProfile struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Credential is a stored login. Exactly one of Mastodon and Lemmy is set,
// matching Kind.
type Credential struct {
	Kind        Kind              `json:"kind"`
	Instance    mastodon.Instance `json:"instance"`
	AccessToken string            `json:"access_token"`
	Mastodon    *mastodon.Account `json:"mastodon,omitempty"`
	Lemmy       *LemmyProfile     `json:"lemmy,omitempty"`
}

func (c *Credential) Handle() Handle {
	h := Handle{Instance: c.Instance}
	switch {
	case c.Mastodon != nil:
		h.Username = c.Mastodon.Username
	case c.Lemmy != nil:
		h.Username = c.Lemmy.Name
	}
	return h
}

func (c *Credential) Ref() AccountRef { return AccountRef{Kind: c.Kind, Handle: c.Handle()} }

func (c *Credential) validate() error {
	if !c.Kind.valid() {
		return errors.Errorf("invalid account kind %d", c.Kind)
	}
	if len(c.Instance) == 0 {
		return errors.New("credential has no instance")
	}
	if len(c.AccessToken) == 0 {
		return errors.New("credential has no access token")
	}
	switch c.Kind {
	case KindMastodon:
		if c.Mastodon == nil || len(c.Mastodon.Username) == 0 {
			return errors.New("mastodon credential has no account")
		}
	case KindLemmy:
		if c.Lemmy == nil || len(c.Lemmy.Name) == 0 {
			return errors.New("lemmy credential has no profile")
		}
	}
	return nil
}

// Client returns an authenticated client for a Mastodon credential.
func (c *Credential) Client(opts ...mastodon.ClientOption) (*mastodon.Client, error) {
	if c.Kind != KindMastodon {
		return nil, errors.Errorf("%s accounts have no mastodon client", c.Kind)
	}
	opts = append([]mastodon.ClientOption{mastodon.WithInstance(c.Instance)}, opts...)
	opts = append(opts, mastodon.WithToken(c.AccessToken))
	return mastodon.NewClient(opts...), nil
}
