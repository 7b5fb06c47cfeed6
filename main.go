package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/carlmjohnson/versioninfo"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/harrybrwn/fedi/array"
	"github.com/harrybrwn/fedi/internal/httpcache"
	"github.com/harrybrwn/fedi/internal/interaction"
	"github.com/harrybrwn/fedi/internal/session"
	"github.com/harrybrwn/fedi/mastodon"
)

func main() {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func NewRootCmd() *cobra.Command {
	var (
		cx          = newContext()
		logLevelStr = "warn"
		debug       bool
	)
	c := cobra.Command{
		Use:           "fedi",
		Short:         "A command line client for Mastodon and Lemmy accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) (err error) {
			var lvl slog.Level
			if err = lvl.UnmarshalText([]byte(logLevelStr)); err != nil {
				return err
			}
			if debug {
				lvl = slog.LevelDebug
			}
			l := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: lvl,
			}))
			slog.SetDefault(l)
			cx.logger = l
			if cmd.Annotations["skipInit"] == "true" {
				return nil
			}
			return cx.init(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return cx.cleanup()
		},
	}
	c.AddCommand(
		newLoginCmd(cx),
		newAccountsCmd(cx),
		newSwitchCmd(cx),
		newLogoutCmd(cx),
		newLemmyCmd(cx),
		newTimelineCmd(cx),
		newNotificationsCmd(cx),
		newStatusCmd(cx),
		newPostCmd(cx),
		newToggleCmd(cx, "fav", "Favourite or unfavourite a status", interaction.Favourite),
		newToggleCmd(cx, "boost", "Boost or unboost a status", interaction.Boost),
		newToggleCmd(cx, "bookmark", "Bookmark or unbookmark a status", interaction.Bookmark),
		newToggleCmd(cx, "mute", "Mute or unmute a conversation", interaction.Mute),
		newUploadCmd(cx),
		newInstanceCmd(cx),
		newStreamCmd(cx),
		newCacheCmd(cx),
		newVersionCmd(),
	)
	c.PersistentFlags().BoolVar(&cx.noCache, "no-cache", cx.noCache, "disable caching")
	c.PersistentFlags().BoolVar(&cx.json, "json", cx.json, "print raw json")
	c.PersistentFlags().IntVar(&cx.limit, "limit", cx.limit, "limit when fetching lists")
	c.PersistentFlags().StringVarP(&logLevelStr, "log-level", "l", logLevelStr, "set the log level (debug|info|warn|error)")
	c.PersistentFlags().BoolVarP(&debug, "debug", "d", debug, "turn on debug mode")
	return &c
}

func newLoginCmd(cx *Context) *cobra.Command {
	var code string
	c := cobra.Command{
		Use:   "login <instance>",
		Short: "Log in to a Mastodon instance",
		Long: "Log in to a Mastodon instance. The command prints an authorization url " +
			"and waits for the code shown after approving it, unless --code is given.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			instance, err := mastodon.ParseInstance(args[0])
			if err != nil {
				return err
			}
			u, err := cx.auth.BeginAuthorization(ctx, instance)
			if err != nil {
				return err
			}
			if len(code) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Open this url and approve access:\n\n  %s\n\nCode: ", u)
				code, err = readLine(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			cred, err := cx.auth.CompleteAuthorization(ctx, code)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", cred.Ref())
			return nil
		},
	}
	c.Flags().StringVar(&code, "code", "", "authorization code from a previous login attempt")
	return &c
}

func newAccountsCmd(cx *Context) *cobra.Command {
	return &cobra.Command{
		Use:     "accounts",
		Aliases: []string{"ls"},
		Short:   "List stored accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			current, _ := cx.sessions.Current()
			if cx.json {
				type account struct {
					Ref    string `json:"ref"`
					Active bool   `json:"active"`
				}
				var out []account
				for _, kind := range []session.Kind{session.KindMastodon, session.KindLemmy} {
					for _, cred := range cx.sessions.Accounts(kind) {
						out = append(out, account{
							Ref:    cred.Ref().String(),
							Active: current != nil && current.Ref() == cred.Ref(),
						})
					}
				}
				return jsonIndent(cmd.OutOrStdout(), out)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, kind := range []session.Kind{session.KindMastodon, session.KindLemmy} {
				active, _ := cx.sessions.Active(kind)
				for _, cred := range cx.sessions.Accounts(kind) {
					marker := " "
					if current != nil && current.Ref() == cred.Ref() {
						marker = "*"
					} else if active != nil && active.Ref() == cred.Ref() {
						marker = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", marker, kind, cred.Handle())
				}
			}
			return w.Flush()
		},
	}
}

func newSwitchCmd(cx *Context) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <[mastodon|lemmy:]user@instance>",
		Short: "Make an account the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := session.ParseAccountRef(args[0])
			if err != nil {
				return err
			}
			if err = cx.sessions.Switch(cmd.Context(), ref); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "switched to %s\n", ref)
			return nil
		},
	}
}

func newLogoutCmd(cx *Context) *cobra.Command {
	return &cobra.Command{
		Use:   "logout <[mastodon|lemmy:]user@instance>",
		Short: "Remove an account, revoking its token when possible",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := session.ParseAccountRef(args[0])
			if err != nil {
				return err
			}
			if ref.Kind == session.KindMastodon {
				err = cx.auth.Logout(cmd.Context(), ref)
			} else {
				err = cx.sessions.Remove(cmd.Context(), ref)
			}
			if err != nil {
				return err
			}
			remaining := array.MapStringers(array.Map(cx.sessions.Accounts(ref.Kind), func(c session.Credential) session.Handle {
				return c.Handle()
			}))
			cx.logger.Info("logged out", "account", ref.String(), "remaining", remaining)
			return nil
		},
	}
}

func newLemmyCmd(cx *Context) *cobra.Command {
	c := cobra.Command{
		Use:   "lemmy",
		Short: "Manage Lemmy accounts",
	}
	var (
		instance string
		username string
		token    string
		id       int64
	)
	add := cobra.Command{
		Use:   "add",
		Short: "Store a Lemmy login token",
		RunE: func(cmd *cobra.Command, args []string) error {
			i, err := mastodon.ParseInstance(instance)
			if err != nil {
				return err
			}
			if len(token) == 0 {
				token = os.Getenv("FEDI_LEMMY_TOKEN")
			}
			cred := session.Credential{
				Kind:        session.KindLemmy,
				Instance:    i,
				AccessToken: token,
				Lemmy:       &session.LemmyProfile{ID: id, Name: strings.TrimPrefix(username, "@")},
			}
			if err = cx.sessions.Add(cmd.Context(), &cred); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", cred.Ref())
			return nil
		},
	}
	add.Flags().StringVar(&instance, "instance", "", "lemmy instance host")
	add.Flags().StringVar(&username, "username", "", "lemmy username")
	add.Flags().StringVar(&token, "token", "", "jwt returned by the lemmy login endpoint (default $FEDI_LEMMY_TOKEN)")
	add.Flags().Int64Var(&id, "id", 0, "lemmy person id")
	_ = add.MarkFlagRequired("instance")
	_ = add.MarkFlagRequired("username")
	c.AddCommand(&add)
	return &c
}

func newCacheCmd(cx *Context) *cobra.Command {
	c := cobra.Command{
		Use:   "cache",
		Short: "Manage cached data.",
	}
	c.AddCommand(
		&cobra.Command{
			Use: "clear", Aliases: []string{"purge"}, Short: "Completely purge the cache",
			RunE: func(cmd *cobra.Command, args []string) error {
				return httpcache.Purge(cmd.Context(), cx.cacheDB)
			},
		},
		&cobra.Command{
			Use: "clean", Short: "Remove expired responses",
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := cx.httpCache.PurgeExpired(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d responses\n", n)
				return nil
			},
		},
	)
	return &c
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Annotations: map[string]string{"skipInit": "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fedi %s (%s, %s)\n",
				versioninfo.Version,
				versioninfo.Revision,
				versioninfo.LastCommit.Format("2006-01-02"))
		},
	}
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", errors.WithStack(err)
	}
	return strings.TrimSpace(line), nil
}

func jsonIndent(w io.Writer, v any) error {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(blob, '\n'))
	return err
}
