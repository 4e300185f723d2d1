package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dhcgn/imap-to-telegram/app"
	"github.com/dhcgn/imap-to-telegram/cmd"
	"github.com/dhcgn/imap-to-telegram/config"
	"github.com/dhcgn/imap-to-telegram/credential"
	"github.com/dhcgn/imap-to-telegram/runner"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "imap-to-telegram",
		Short:        "Forward unread mail from an IMAP inbox to Telegram or Matrix chats",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting imap-to-telegram",
				"source", sourceName(cfg),
				"channel", cfg.Channel,
				"recipients", len(cfg.Recipients.Valid()),
				"interval", cfg.CheckInterval,
			)

			return run(cmd.Context(), cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(
		cmd.NewCheckCommand(setupLogger),
		cmd.NewPreviewCommand(),
		cmd.NewMboxStatsCommand(),
		cmd.NewSecretCommand(func() (*credential.Store, error) {
			return credential.Open(credential.DefaultConfig())
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := runner.New(ctx, logger)
	if cfg.MetricsAddr != "" {
		r.AddService("metrics", func(ctx context.Context) error {
			return app.ServeMetrics(ctx, cfg.MetricsAddr, reg, logger)
		})
	}
	r.AddStage("poller", func(ctx context.Context) error {
		return app.Run(ctx, cfg, logger, reg)
	})

	return r.Wait()
}

func sourceName(cfg config.Config) string {
	if cfg.IMAPEnabled() {
		return fmt.Sprintf("imap://%s@%s:%d/%s", cfg.IMAPUser, cfg.IMAPHost, cfg.IMAPPort, cfg.Mailbox)
	}
	return "mbox://" + cfg.MboxPath
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		}
		out = io.MultiWriter(os.Stdout, file)
		cleanup = file.Close
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), cleanup, nil
}
