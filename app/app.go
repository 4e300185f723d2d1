// Package app wires a Config into a running bridge.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dhcgn/imap-to-telegram/channel"
	"github.com/dhcgn/imap-to-telegram/config"
	"github.com/dhcgn/imap-to-telegram/dispatch"
	"github.com/dhcgn/imap-to-telegram/filter"
	"github.com/dhcgn/imap-to-telegram/imap"
	"github.com/dhcgn/imap-to-telegram/mbox"
	"github.com/dhcgn/imap-to-telegram/poller"
	"github.com/dhcgn/imap-to-telegram/state"
	"github.com/dhcgn/imap-to-telegram/stats"
)

// Sender is a chat channel after a successful handshake.
type Sender interface {
	dispatch.Sender
	Name() string
}

// NewSource returns the mail source for cfg and a cleanup func that must be
// called once the source is no longer used.
func NewSource(cfg config.Config, logger *slog.Logger) (poller.MailSource, func() error, error) {
	noop := func() error { return nil }

	if cfg.IMAPEnabled() {
		src, err := imap.NewSource(imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Mailbox:            cfg.Mailbox,
		}, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("imap.NewSource: %w", err)
		}
		return src, src.Disconnect, nil
	}

	tracker, err := state.NewFileTracker(cfg.StateDir, trackerName(cfg.MboxPath))
	if err != nil {
		return nil, noop, fmt.Errorf("state tracker: %w", err)
	}
	src, err := mbox.NewSource(mbox.Options{Path: cfg.MboxPath}, tracker, logger)
	if err != nil {
		_ = tracker.Close()
		return nil, noop, fmt.Errorf("mbox.NewSource: %w", err)
	}
	return src, tracker.Close, nil
}

func trackerName(mboxPath string) string {
	base := filepath.Base(mboxPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// NewSender performs the channel handshake. Failure is a startup error.
func NewSender(ctx context.Context, cfg config.Config, logger *slog.Logger) (Sender, error) {
	if cfg.Channel == config.ChannelMatrix {
		m, err := channel.NewMatrix(ctx, channel.MatrixOptions{
			Homeserver:  cfg.MatrixHomeserver,
			UserID:      cfg.MatrixUser,
			AccessToken: cfg.MatrixToken,
		}, logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	}

	tg, err := channel.NewTelegram(channel.TelegramOptions{
		Token:         cfg.TelegramToken,
		Endpoint:      cfg.TelegramAPI,
		RatePerSecond: cfg.TelegramRate,
	}, logger)
	if err != nil {
		return nil, err
	}
	return tg, nil
}

// Run polls until ctx is cancelled, or for one cycle with cfg.Once.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) error {
	sender, err := NewSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	source, cleanup, err := NewSource(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := cleanup(); err != nil {
			logger.Warn("mail source cleanup failed", "err", err)
		}
	}()

	f, err := filter.New(cfg.Filter)
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}
	collector, err := stats.NewCollector(reg)
	if err != nil {
		return fmt.Errorf("stats.NewCollector: %w", err)
	}

	p, err := poller.New(source, dispatch.New(sender, logger), poller.Options{
		Interval:   cfg.CheckInterval,
		Recipients: cfg.Recipients,
		Filter:     f,
		Collector:  collector,
		Once:       cfg.Once,
		OnTransition: func(s poller.State) {
			logger.Debug("poller state", "state", s.String())
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("poller.New: %w", err)
	}

	return p.Run(ctx)
}

// Check verifies the mailbox and the chat channel and prints a short report
// to w without sending or marking anything.
func Check(ctx context.Context, cfg config.Config, logger *slog.Logger, w io.Writer) error {
	sender, err := NewSender(ctx, cfg, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "channel:    %s (%s)\n", cfg.Channel, sender.Name())
	fmt.Fprintf(w, "recipients: %d\n", len(cfg.Recipients.Valid()))

	source, cleanup, err := NewSource(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	if err := source.Connect(ctx); err != nil {
		_ = source.Disconnect()
		return fmt.Errorf("mailbox check: %w", err)
	}
	defer func() { _ = source.Disconnect() }()

	ids, err := source.ListUnread(ctx)
	if err != nil {
		return fmt.Errorf("mailbox check: %w", err)
	}

	if cfg.IMAPEnabled() {
		fmt.Fprintf(w, "mailbox:    %s@%s/%s\n", cfg.IMAPUser, cfg.IMAPHost, cfg.Mailbox)
	} else {
		fmt.Fprintf(w, "mailbox:    %s\n", cfg.MboxPath)
	}
	fmt.Fprintf(w, "unread:     %d\n", len(ids))
	return nil
}
