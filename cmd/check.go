package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-to-telegram/app"
	"github.com/dhcgn/imap-to-telegram/config"
)

func NewCheckCommand(newLogger LoggerFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify mailbox login and chat channel, then report the unread count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			return app.Check(cmd.Context(), cfg, logger, cmd.OutOrStdout())
		},
	}
}
