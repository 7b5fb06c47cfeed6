package mastodon

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/purell"
	"github.com/pkg/errors"
)

var ErrInvalidInstance = errors.New("invalid instance")

// Instance is the hostname of a single federated server, optionally with a
// port. The zero value is not a valid instance.
type Instance string

// ParseInstance validates and normalizes user input such as
// "Mastodon.Social", "https://mastodon.social/" or "localhost:3000".
func ParseInstance(raw string) (Instance, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return "", errors.Wrap(ErrInvalidInstance, "empty instance")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	clean, err := purell.NormalizeURLString(
		raw,
		purell.FlagsSafe|purell.FlagRemoveTrailingSlash|purell.FlagRemoveDotSegments,
	)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidInstance, "%q: %v", raw, err)
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidInstance, "%q: %v", raw, err)
	}
	switch {
	case u.Scheme != "https" && u.Scheme != "http":
		return "", errors.Wrapf(ErrInvalidInstance, "unsupported scheme %q", u.Scheme)
	case u.User != nil:
		return "", errors.Wrap(ErrInvalidInstance, "instance must not contain credentials")
	case len(u.Path) > 0 && u.Path != "/":
		return "", errors.Wrap(ErrInvalidInstance, "instance must not contain a path")
	case len(u.RawQuery) > 0 || len(u.Fragment) > 0:
		return "", errors.Wrap(ErrInvalidInstance, "instance must not contain a query")
	}
	if !validHost(u.Host) {
		return "", errors.Wrapf(ErrInvalidInstance, "invalid hostname %q", u.Host)
	}
	return Instance(strings.ToLower(u.Host)), nil
}

// MustParseInstance is like [ParseInstance] but panics on invalid input.
func MustParseInstance(raw string) Instance {
	i, err := ParseInstance(raw)
	if err != nil {
		panic(err)
	}
	return i
}

func (i Instance) String() string { return string(i) }

// URL returns the base url of the instance.
func (i Instance) URL(insecure bool) *url.URL {
	u := url.URL{Scheme: "https", Host: string(i)}
	if insecure {
		u.Scheme = "http"
	}
	return &u
}

func validHost(host string) bool {
	if len(host) == 0 || len(host) > 253 {
		return false
	}
	name, port, hasPort := strings.Cut(host, ":")
	if hasPort {
		if len(port) == 0 || len(port) > 5 {
			return false
		}
		for _, r := range port {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	for _, label := range strings.Split(name, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			default:
				return false
			}
		}
	}
	return true
}
