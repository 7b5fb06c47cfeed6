package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	adrg "github.com/adrg/xdg"
	"github.com/harrybrwn/env"
	"github.com/harrybrwn/xdg"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/harrybrwn/fedi/internal/httpcache"
	"github.com/harrybrwn/fedi/internal/httplog"
	"github.com/harrybrwn/fedi/internal/interaction"
	"github.com/harrybrwn/fedi/internal/kv"
	"github.com/harrybrwn/fedi/internal/oauth"
	"github.com/harrybrwn/fedi/internal/session"
	"github.com/harrybrwn/fedi/mastodon"
)

// Config is read from FEDI_* environment variables.
type Config struct {
	// StateFile is the sqlite database holding accounts and app
	// registrations.
	StateFile string `env:"STATE_FILE"`
	// CacheDir holds the http response cache.
	CacheDir string `env:"CACHE_DIR"`
	// CacheTTL is how long cached responses live, in seconds.
	CacheTTL int `env:"CACHE_TTL"`
	// RateLimit is the maximum number of requests per second sent to an
	// instance. Zero disables limiting.
	RateLimit int    `env:"RATE_LIMIT"`
	UserAgent string `env:"USER_AGENT"`
}

func defaultConfig() Config {
	return Config{
		CacheTTL:  60 * 60,
		RateLimit: 5,
	}
}

type Context struct {
	conf   Config
	logger *slog.Logger

	state       *kv.Store
	cacheDB     *sql.DB
	httpCache   *httpcache.Cache
	sessions    *session.Store
	auth        *oauth.Manager
	statuses    *interaction.Cache
	clientOpts  []mastodon.ClientOption
	initialized bool

	noCache bool
	json    bool
	limit   int
}

func newContext() *Context {
	return &Context{
		conf:   defaultConfig(),
		logger: slog.Default(),
		limit:  20,
	}
}

func (cx *Context) init(ctx context.Context) (err error) {
	if cx.initialized {
		return nil
	}
	if err = env.ReadEnvPrefixed("fedi", &cx.conf); err != nil {
		return errors.Wrap(err, "failed to read environment")
	}
	if len(cx.conf.StateFile) == 0 {
		cx.conf.StateFile, err = adrg.StateFile("fedi/state.db")
		if err != nil {
			return errors.Wrap(err, "failed to find state file location")
		}
	}
	if len(cx.conf.CacheDir) == 0 {
		cx.conf.CacheDir = xdg.Cache("fedi")
	}
	if err = os.MkdirAll(filepath.Dir(cx.conf.StateFile), 0700); err != nil {
		return errors.WithStack(err)
	}
	if err = os.MkdirAll(cx.conf.CacheDir, 0755); err != nil {
		return errors.WithStack(err)
	}

	cx.state, err = kv.Open(ctx, cx.conf.StateFile)
	if err != nil {
		return errors.Wrap(err, "failed to open state database")
	}
	cx.cacheDB, err = sql.Open("sqlite3", filepath.Join(cx.conf.CacheDir, "http.db"))
	if err != nil {
		return errors.WithStack(err)
	}
	if err = httpcache.Migrate(ctx, cx.cacheDB); err != nil {
		return err
	}

	client := mastodon.NewRobustHTTPClient(cx.logger)
	client.Transport = httplog.New(client.Transport, cx.logger)
	cx.httpCache = httpcache.New(cx.cacheDB, client.Transport, time.Duration(cx.conf.CacheTTL)*time.Second)
	cx.httpCache.Logger = cx.logger
	infoClient := &http.Client{Transport: cx.httpCache, Timeout: client.Timeout}
	if cx.noCache {
		infoClient = client
	}

	cx.clientOpts = []mastodon.ClientOption{
		mastodon.WithHTTPClient(client),
		mastodon.WithEnv(),
	}
	if len(cx.conf.UserAgent) > 0 {
		cx.clientOpts = append(cx.clientOpts, mastodon.WithUserAgent(cx.conf.UserAgent))
	}
	if cx.conf.RateLimit > 0 {
		limiter := rate.NewLimiter(rate.Limit(cx.conf.RateLimit), cx.conf.RateLimit)
		cx.clientOpts = append(cx.clientOpts, mastodon.WithRateLimit(limiter))
	}

	cx.sessions, err = session.NewStore(ctx, cx.state)
	if err != nil {
		return err
	}
	cx.sessions.ClientOptions = cx.clientOpts
	cx.sessions.Logger = cx.logger
	cx.auth = oauth.NewManager(cx.state, cx.sessions, cx.clientOpts...)
	cx.auth.Logger = cx.logger
	cx.auth.InfoClient = infoClient
	cx.statuses = interaction.New(interaction.SessionSource(cx.sessions))
	cx.statuses.Logger = cx.logger
	cx.initialized = true
	return nil
}

// client returns the client of the active Mastodon account.
func (cx *Context) client() (*mastodon.Client, error) {
	c, err := cx.sessions.MastodonClient()
	if err != nil {
		return nil, errors.Wrap(err, "log in with \"fedi login <instance>\" first")
	}
	return c, nil
}

func (cx *Context) cleanup() error {
	var errs []error
	if cx.statuses != nil {
		errs = append(errs, cx.statuses.Close())
	}
	if cx.state != nil {
		errs = append(errs, cx.state.Close())
	}
	if cx.cacheDB != nil {
		errs = append(errs, cx.cacheDB.Close())
	}
	cx.initialized = false
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
