package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"digestbot/internal/app"
	"digestbot/internal/config"
	"digestbot/internal/digest"
	"digestbot/internal/schedule"
	"digestbot/internal/storage"
	kit "digestbot/internal/transport"
	telegram "digestbot/internal/transport/telegram/adapter"
	logx "digestbot/pkg/logx"
)

// withCore opens the delivery stack for one command. sender is nil unless the command sends.
func withCore(ctx context.Context, needSender bool, fn func(*app.Core) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logx.NewConsole("WARN")

	var sender kit.Sender
	if needSender {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is empty (set it in %s or %s)", flagConfig, config.EnvToken)
		}
		ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token}, log)
		if err != nil {
			return fmt.Errorf("connecting to telegram: %w", err)
		}
		sender = ad
	}

	core, err := app.NewCore(ctx, cfg, sender, log)
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(core)
}

func table() *tabwriter.Writer { return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0) }

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func previewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview",
		Short: "Fetch feeds and print the digest without sending it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), false, func(c *app.Core) error {
				built, err := c.Preview(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Println(built.Text)
				fmt.Fprintf(os.Stderr, "\n%d entries, partial=%v\n", len(built.Entries), built.Partial)
				return nil
			})
		},
	}
}

func sendCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Broadcast a digest to all active subscribers now",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to broadcast without --yes")
			}
			return withCore(cmd.Context(), true, func(c *app.Core) error {
				rep, err := c.Pipeline.Run(cmd.Context(), digest.KindManual)
				if err != nil {
					return err
				}
				if rep.Skipped != "" {
					fmt.Printf("Skipped: %s\n", rep.Skipped)
					return nil
				}
				fmt.Printf("Delivered %d/%d (%d gone), %d entries, partial=%v, took %s\n",
					rep.Outcome.Succeeded, rep.Outcome.Attempted, rep.Outcome.Gone,
					rep.Entries, rep.Partial, rep.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the broadcast")
	return cmd
}

func feedCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "feed", Short: "Manage feed sources"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List feed sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), false, func(c *app.Core) error {
				feeds, err := c.Store.ListFeeds(cmd.Context())
				if err != nil {
					return err
				}
				w := table()
				fmt.Fprintln(w, "ID\tACTIVE\tNAME\tURL")
				for _, f := range feeds {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", f.ID, yesNo(f.Active), f.Name, f.URL)
				}
				return w.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add NAME URL",
		Short: "Add a feed source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), false, func(c *app.Core) error {
				f, err := c.Store.AddFeed(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Printf("Added feed %d: %s\n", f.ID, f.URL)
				return nil
			})
		},
	})
	cmd.AddCommand(toggleCmd("enable", "Enable a feed source", true, func(c *app.Core) func(context.Context, int64, bool) error {
		return c.Store.SetFeedActive
	}))
	cmd.AddCommand(toggleCmd("disable", "Disable a feed source", false, func(c *app.Core) func(context.Context, int64, bool) error {
		return c.Store.SetFeedActive
	}))
	return cmd
}

func timeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "time", Short: "Manage additional daily send times"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List send times",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), false, func(c *app.Core) error {
				ctx := cmd.Context()
				st, err := c.Store.Settings(ctx)
				if err != nil {
					return err
				}
				times, err := c.Store.SendTimes(ctx)
				if err != nil {
					return err
				}
				w := table()
				fmt.Fprintln(w, "ID\tACTIVE\tTIME")
				fmt.Fprintf(w, "-\t%s\t%s (primary)\n", yesNo(true), schedule.Entry{Hour: st.SendHour, Minute: st.SendMinute}.Key())
				for _, t := range times {
					fmt.Fprintf(w, "%d\t%s\t%s\n", t.ID, yesNo(t.Active), schedule.Entry{Hour: t.Hour, Minute: t.Minute}.Key())
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Printf("\nEffective: ")
				for i, e := range c.Registry.ActiveEntries(ctx) {
					if i > 0 {
						fmt.Print(", ")
					}
					fmt.Print(e.Key())
				}
				fmt.Printf(" (%s)\n", c.Clock.Label())
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add HH:MM",
		Short: "Add a send time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := schedule.ParseEntry(args[0])
			if err != nil {
				return err
			}
			return withCore(cmd.Context(), false, func(c *app.Core) error {
				t, err := c.Store.AddSendTime(cmd.Context(), e.Hour, e.Minute)
				if err != nil {
					return err
				}
				fmt.Printf("Added send time %d: %s\n", t.ID, e.Key())
				return nil
			})
		},
	})
	cmd.AddCommand(toggleCmd("enable", "Enable a send time", true, func(c *app.Core) func(context.Context, int64, bool) error {
		return c.Store.SetSendTimeActive
	}))
	cmd.AddCommand(toggleCmd("disable", "Disable a send time", false, func(c *app.Core) func(context.Context, int64, bool) error {
		return c.Store.SetSendTimeActive
	}))
	return cmd
}

func toggleCmd(use, short string, active bool, pick func(*app.Core) func(context.Context, int64, bool) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withCore(cmd.Context(), false, func(c *app.Core) error {
				if err := pick(c)(cmd.Context(), id, active); err != nil {
					return err
				}
				fmt.Printf("%d: active=%v\n", id, active)
				return nil
			})
		},
	}
}

func subscriberCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "subscriber", Short: "Manage subscribers"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), false, func(c *app.Core) error {
				subs, err := c.Store.ListSubscribers(cmd.Context())
				if err != nil {
					return err
				}
				w := table()
				fmt.Fprintln(w, "USER ID\tACTIVE\tUSERNAME\tNAME\tSINCE")
				for _, s := range subs {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", s.UserID, yesNo(s.Active), s.Username,
						strings.TrimSpace(s.FirstName+" "+s.LastName), s.CreatedAt.Format("2006-01-02"))
				}
				return w.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add USER_ID",
		Short: "Subscribe a Telegram user id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withCore(cmd.Context(), false, func(c *app.Core) error {
				changed, err := c.Store.AddSubscriber(cmd.Context(), storage.Subscriber{UserID: id})
				if err != nil {
					return err
				}
				fmt.Printf("%d: subscribed (changed=%v)\n", id, changed)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove USER_ID",
		Short: "Unsubscribe a Telegram user id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withCore(cmd.Context(), false, func(c *app.Core) error {
				changed, err := c.Store.RemoveSubscriber(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Printf("%d: unsubscribed (changed=%v)\n", id, changed)
				return nil
			})
		},
	})
	return cmd
}

func settingsCmd() *cobra.Command {
	var (
		active   string
		perSrc   int
		sendTime string
	)
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change global settings",
		Long: `Without flags, print the global settings.

--active on|off switches delivery and public commands; --send-time sets the primary time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), false, func(c *app.Core) error {
				ctx := cmd.Context()
				st, err := c.Store.Settings(ctx)
				if err != nil {
					return err
				}
				dirty := false
				switch strings.ToLower(active) {
				case "":
				case "on", "true", "yes":
					st.Active, dirty = true, true
				case "off", "false", "no":
					st.Active, dirty = false, true
				default:
					return fmt.Errorf("--active must be on or off, got %q", active)
				}
				if perSrc != 0 {
					st.NewsPerSource, dirty = perSrc, true
				}
				if sendTime != "" {
					e, err := schedule.ParseEntry(sendTime)
					if err != nil {
						return err
					}
					st.SendHour, st.SendMinute, dirty = e.Hour, e.Minute, true
				}
				if dirty {
					if err := c.Store.SaveSettings(ctx, st); err != nil {
						return err
					}
				}
				fmt.Printf("active:          %v\nnews_per_source: %d\nsend_time:       %s\n",
					st.Active, st.NewsPerSource, schedule.Entry{Hour: st.SendHour, Minute: st.SendMinute}.Key())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&active, "active", "", "on or off")
	cmd.Flags().IntVar(&perSrc, "news-per-source", 0, "entries taken from each feed (1..50)")
	cmd.Flags().StringVar(&sendTime, "send-time", "", "primary daily send time, HH:MM")
	return cmd
}

func historyCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent delivery runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), false, func(c *app.Core) error {
				recs, err := c.Store.RecentDeliveries(cmd.Context(), n)
				if err != nil {
					return err
				}
				loc := c.Clock.Location()
				w := table()
				fmt.Fprintln(w, "STARTED\tKIND\tENTRIES\tSENT\tPARTIAL\tRESULT")
				for _, r := range recs {
					result := "ok"
					switch {
					case r.Error != "":
						result = "error: " + r.Error
					case r.Skipped != "":
						result = "skipped: " + r.Skipped
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%s\t%s\n", r.StartedAt.In(loc).Format("2006-01-02 15:04"),
						r.Kind, r.Entries, r.Succeeded, r.Attempted, yesNo(r.Partial), result)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "number of runs to show")
	return cmd
}
