// digestbot delivers a daily RSS news digest to Telegram subscribers.
//
// Usage:
//
//	digestbot run                  # start the bot
//	digestbot preview              # print the digest a scheduled run would send
//	digestbot send                 # broadcast a digest now
//	digestbot feed|time|subscriber # manage stored data
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"digestbot/internal/app"
	"digestbot/internal/config"
	rtsup "digestbot/internal/runtime/supervisor"
	logx "digestbot/pkg/logx"
)

var version = "dev"

var flagConfig string

func main() {
	rootCmd := &cobra.Command{
		Use:           "digestbot",
		Short:         "Telegram RSS news digest bot",
		Long:          "digestbot fetches RSS feeds and delivers a formatted news digest to subscribers at configured times of day.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "./config.yaml", "path to config file (YAML or JSON)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(previewCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(feedCmd())
	rootCmd.AddCommand(timeCmd())
	rootCmd.AddCommand(subscriberCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(versionCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var restarts int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bot and the delivery scheduler",
		Long: `Start polling Telegram, serving commands and delivering digests on schedule.

A fatal error restarts the whole bot with backoff, up to --max-restarts times.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logx.NewConsole("INFO").With(logx.String("comp", "main"))
			err := rtsup.Retry(ctx, log, "digestbot", restarts+1,
				rtsup.Backoff{Min: 5 * time.Second, Max: time.Minute},
				func(ctx context.Context) error { return runOnce(ctx, log) })
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVar(&restarts, "max-restarts", 5, "restarts after a fatal error before giving up")
	return cmd
}

// runOnce runs the bot until ctx ends (nil) or a component fails fatally (its error).
func runOnce(ctx context.Context, log logx.Logger) error {
	a, err := app.New(ctx, flagConfig)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if ctx.Err() == nil {
			reason = app.StopFatalError
		}
	}
	fatal := a.Err()
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		if fatal == nil {
			fatal = errors.New("stopped unexpectedly")
		}
		log.Error("bot stopped after a fatal error", logx.Err(fatal))
		return fatal
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("digestbot %s\n", version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewManager(flagConfig).Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
