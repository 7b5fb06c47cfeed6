package main

import (
	"context"
	"fmt"
	"html"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/harrybrwn/fedi/internal/interaction"
	"github.com/harrybrwn/fedi/mastodon"
)

func newTimelineCmd(cx *Context) *cobra.Command {
	var (
		params mastodon.PageParams
		all    bool
		pages  int
		local  bool
	)
	c := cobra.Command{
		Use:   "timeline [home|public|tag <tag>|list <id>]",
		Short: "Show a timeline",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := cx.client()
			if err != nil {
				return err
			}
			path, extra, err := timelinePath(args, local)
			if err != nil {
				return err
			}
			params.Limit = cx.limit
			var statuses []mastodon.Status
			if all {
				pager := mastodon.Pager[mastodon.Status]{
					Client:   client,
					Path:     path,
					Params:   params,
					Extra:    extra,
					MaxPages: pages,
				}
				statuses, err = mastodon.Collect(ctx, &pager)
				if err != nil && len(statuses) == 0 {
					return err
				} else if err != nil {
					cx.logger.Warn("timeline was cut short", "error", err, "fetched", len(statuses))
				}
			} else {
				page, err := mastodon.FetchPage[mastodon.Status](ctx, client, path, &params, extra)
				if err != nil {
					return err
				}
				statuses = page.Data
				if page.HasMore() {
					defer fmt.Fprintf(cmd.ErrOrStderr(), "more: --max-id %s\n", page.Next)
				}
			}
			cx.statuses.ObserveAll(statuses)
			return cx.printStatuses(cmd.OutOrStdout(), statuses)
		},
	}
	c.Flags().StringVar(&params.MaxID, "max-id", "", "only show statuses older than this id")
	c.Flags().StringVar(&params.SinceID, "since-id", "", "only show statuses newer than this id")
	c.Flags().BoolVar(&all, "all", false, "follow pagination links")
	c.Flags().IntVar(&pages, "pages", 5, "maximum number of pages fetched with --all")
	c.Flags().BoolVar(&local, "local", false, "only show local statuses on the public timeline")
	return &c
}

func timelinePath(args []string, local bool) (string, url.Values, error) {
	extra := url.Values{}
	if len(args) == 0 {
		return "/api/v1/timelines/home", extra, nil
	}
	switch args[0] {
	case "home":
		return "/api/v1/timelines/home", extra, nil
	case "public":
		if local {
			extra.Set("local", "true")
		}
		return "/api/v1/timelines/public", extra, nil
	case "tag":
		if len(args) < 2 {
			return "", nil, errors.New("tag timeline needs a tag")
		}
		if local {
			extra.Set("local", "true")
		}
		return "/api/v1/timelines/tag/" + url.PathEscape(strings.TrimPrefix(args[1], "#")), extra, nil
	case "list":
		if len(args) < 2 {
			return "", nil, errors.New("list timeline needs a list id")
		}
		return "/api/v1/timelines/list/" + url.PathEscape(args[1]), extra, nil
	}
	return "", nil, errors.Errorf("unknown timeline %q", args[0])
}

func newNotificationsCmd(cx *Context) *cobra.Command {
	var (
		params   mastodon.PageParams
		types    []string
		clearAll bool
	)
	c := cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notifs"},
		Short:   "Show notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := cx.client()
			if err != nil {
				return err
			}
			if clearAll {
				return client.ClearNotifications(ctx)
			}
			params.Limit = cx.limit
			nt := make([]mastodon.NotificationType, len(types))
			for i, t := range types {
				nt[i] = mastodon.NotificationType(t)
			}
			page, err := client.Notifications(ctx, nt, &params)
			if err != nil {
				return err
			}
			if cx.json {
				return jsonIndent(cmd.OutOrStdout(), page.Data)
			}
			for _, n := range page.Data {
				cx.statuses.Observe(n.Status)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t@%s", n.CreatedAt, n.Type, n.Account.Acct)
				if n.Status != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "\t%s", summary(n.Status, 60))
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	c.Flags().StringVar(&params.MaxID, "max-id", "", "only show notifications older than this id")
	c.Flags().StringSliceVarP(&types, "type", "t", nil, "only show these notification types")
	c.Flags().BoolVar(&clearAll, "clear", false, "dismiss all notifications")
	return &c
}

func newStatusCmd(cx *Context) *cobra.Command {
	var (
		thread bool
		del    bool
	)
	c := cobra.Command{
		Use:   "status <id>",
		Short: "Show a status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := cx.client()
			if err != nil {
				return err
			}
			if del {
				return cx.deleteStatus(ctx, client, args[0])
			}
			status, err := client.Status(ctx, args[0])
			if err != nil {
				return err
			}
			statuses := []mastodon.Status{*status}
			if thread {
				tc, err := client.StatusContext(ctx, args[0])
				if err != nil {
					return err
				}
				statuses = append(append(tc.Ancestors, statuses...), tc.Descendants...)
			}
			cx.statuses.ObserveAll(statuses)
			return cx.printStatuses(cmd.OutOrStdout(), statuses)
		},
	}
	c.Flags().BoolVar(&thread, "thread", false, "show ancestors and replies")
	c.Flags().BoolVar(&del, "delete", false, "delete the status")
	return &c
}

func newPostCmd(cx *Context) *cobra.Command {
	var (
		post  mastodon.PostStatus
		media []string
		vis   string
	)
	c := cobra.Command{
		Use:   "post <text>",
		Short: "Publish a status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := cx.client()
			if err != nil {
				return err
			}
			post.Status = strings.Join(args, " ")
			post.Visibility = mastodon.Visibility(vis)
			for _, file := range media {
				att, err := uploadFile(ctx, client, file, "")
				if err != nil {
					return err
				}
				post.MediaIDs = append(post.MediaIDs, att.ID)
			}
			status, err := client.CreateStatus(ctx, &post)
			if err != nil {
				return err
			}
			return cx.printStatuses(cmd.OutOrStdout(), []mastodon.Status{*status})
		},
	}
	c.Flags().StringVar(&post.InReplyToID, "reply-to", "", "id of the status being replied to")
	c.Flags().StringVar(&post.SpoilerText, "cw", "", "content warning")
	c.Flags().StringVar(&vis, "visibility", "", "public, unlisted, private or direct")
	c.Flags().StringSliceVarP(&media, "media", "m", nil, "files to attach")
	return &c
}

func newToggleCmd(cx *Context, name, short string, kind interaction.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := cx.client()
			if err != nil {
				return err
			}
			id := args[0]
			status, err := client.Status(ctx, id)
			if err != nil {
				return err
			}
			cx.statuses.Observe(status)
			value, err := cx.statuses.Toggle(ctx, id, kind)
			if err != nil {
				return err
			}
			count, _ := cx.statuses.Count(id, kind)
			if cx.json {
				return jsonIndent(cmd.OutOrStdout(), map[string]any{
					"id": id, "kind": kind.String(), "value": value, "count": count,
				})
			}
			if count >= 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %v (%d)\n", kind, id, value, count)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %v\n", kind, id, value)
			}
			return nil
		},
	}
}

func newUploadCmd(cx *Context) *cobra.Command {
	var description string
	c := cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a media attachment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cx.client()
			if err != nil {
				return err
			}
			att, err := uploadFile(cmd.Context(), client, args[0], description)
			if err != nil {
				return err
			}
			if cx.json {
				return jsonIndent(cmd.OutOrStdout(), att)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", att.ID, att.Type, att.URL)
			return nil
		},
	}
	c.Flags().StringVar(&description, "description", "", "alt text")
	return &c
}

func uploadFile(ctx context.Context, client *mastodon.Client, file, description string) (*mastodon.MediaAttachment, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	return client.UploadMedia(ctx, &mastodon.MediaUpload{
		Filename:    filepath.Base(file),
		ContentType: mime.TypeByExtension(filepath.Ext(file)),
		Body:        f,
		Description: description,
	})
}

// deleteStatus deletes a status and drops it from the interaction cache.
func (cx *Context) deleteStatus(ctx context.Context, client *mastodon.Client, id string) error {
	if _, err := client.DeleteStatus(ctx, id); err != nil {
		return err
	}
	cx.statuses.Remove(id)
	return nil
}

func newInstanceCmd(cx *Context) *cobra.Command {
	return &cobra.Command{
		Use:   "instance [host]",
		Short: "Show information about an instance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var host mastodon.Instance
			if len(args) > 0 {
				i, err := mastodon.ParseInstance(args[0])
				if err != nil {
					return err
				}
				host = i
			} else if cred, ok := cx.sessions.Current(); ok {
				host = cred.Instance
			} else {
				return errors.New("no instance given and no account logged in")
			}
			info, err := cx.auth.InstanceInfo(cmd.Context(), host)
			if err != nil {
				return err
			}
			if cx.json {
				return jsonIndent(cmd.OutOrStdout(), info)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", info.Title, info.Domain)
			fmt.Fprintf(out, "version: %s\n", info.Version)
			fmt.Fprintf(out, "active users: %d\n", info.Usage.Users.ActiveMonth)
			if len(info.Description) > 0 {
				fmt.Fprintf(out, "\n%s\n", info.Description)
			}
			return nil
		},
	}
}

func newStreamCmd(cx *Context) *cobra.Command {
	var opts mastodon.StreamOptions
	c := cobra.Command{
		Use:   "stream",
		Short: "Follow a streaming timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := cx.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for ev, err := range client.Stream(ctx, &opts) {
				if err != nil {
					return err
				}
				if err = cx.statuses.Apply(ev); err != nil {
					cx.logger.Warn("bad stream event", "event", ev.Event, "error", err)
					continue
				}
				if cx.json {
					if err = jsonIndent(out, ev); err != nil {
						return err
					}
					continue
				}
				switch ev.Event {
				case mastodon.EventUpdate, mastodon.EventStatusUpdate:
					s, _ := ev.Status()
					if err = cx.printStatuses(out, []mastodon.Status{*s}); err != nil {
						return err
					}
				case mastodon.EventNotification:
					n, _ := ev.Notification()
					fmt.Fprintf(out, "notification: %s from @%s\n", n.Type, n.Account.Acct)
				case mastodon.EventDelete:
					fmt.Fprintf(out, "deleted: %s\n", ev.Payload)
				}
			}
			return nil
		},
	}
	c.Flags().StringVar(&opts.Stream, "stream", mastodon.StreamUser, "stream name")
	c.Flags().StringVar(&opts.Tag, "tag", "", "hashtag for the hashtag stream")
	c.Flags().StringVar(&opts.List, "list", "", "list id for the list stream")
	return &c
}

func (cx *Context) printStatuses(w io.Writer, statuses []mastodon.Status) error {
	if cx.json {
		return jsonIndent(w, statuses)
	}
	for i := range statuses {
		s := &statuses[i]
		prefix := ""
		if s.Reblog != nil {
			prefix = fmt.Sprintf("@%s boosted ", s.Account.Acct)
			s = s.Reblog
		}
		fav, _ := cx.statuses.Count(s.ID, interaction.Favourite)
		boosts, _ := cx.statuses.Count(s.ID, interaction.Boost)
		if fav < 0 {
			fav = s.FavouritesCount
		}
		if boosts < 0 {
			boosts = s.ReblogsCount
		}
		fmt.Fprintf(w, "%s%s @%s  [%s]\n", prefix, s.ID, s.Account.Acct, s.CreatedAt)
		if len(s.SpoilerText) > 0 {
			fmt.Fprintf(w, "  CW: %s\n", s.SpoilerText)
		}
		fmt.Fprintf(w, "  %s\n", summary(s, 0))
		fmt.Fprintf(w, "  replies %d  boosts %d  favourites %d\n\n", s.RepliesCount, boosts, fav)
	}
	return nil
}

var tags = regexp.MustCompile(`<[^>]*>`)

// summary strips html from a status and cuts it to n runes when n > 0.
func summary(s *mastodon.Status, n int) string {
	text := s.Content
	text = strings.ReplaceAll(text, "</p><p>", "\n  ")
	text = strings.ReplaceAll(text, "<br>", "\n  ")
	text = strings.ReplaceAll(text, "<br />", "\n  ")
	text = html.UnescapeString(tags.ReplaceAllString(text, ""))
	if n > 0 {
		text = strings.ReplaceAll(text, "\n  ", " ")
		if r := []rune(text); len(r) > n {
			text = string(r[:n-1]) + "…"
		}
	}
	return text
}
