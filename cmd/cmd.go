// Package cmd holds the subcommands of the bridge binary.
package cmd

import (
	"log/slog"

	"github.com/dhcgn/imap-to-telegram/config"
)

// LoggerFactory builds the process logger from a loaded Config. The returned
// func releases the log file.
type LoggerFactory func(cfg config.Config) (*slog.Logger, func() error, error)
