package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-to-telegram/config"
	"github.com/dhcgn/imap-to-telegram/filter"
	"github.com/dhcgn/imap-to-telegram/mbox"
	"github.com/dhcgn/imap-to-telegram/model"
	"github.com/dhcgn/imap-to-telegram/normalize"
)

func NewPreviewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "preview [.eml or .mbox file]...",
		Short: "Print the notification text for local message files without sending",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filterOpts, err := config.FilterOptions(cmd.Flags())
			if err != nil {
				return err
			}
			f, err := filter.New(filterOpts)
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			for _, path := range args {
				if err := previewFile(cmd.Context(), cmd.OutOrStdout(), path, f); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func previewFile(ctx context.Context, w io.Writer, path string, f *filter.Filter) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	messages := []model.RawMessage{data}
	if isMbox(path, data) {
		messages, err = mbox.ReadAll(ctx, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("read mbox %s: %w", path, err)
		}
	}

	for i, raw := range messages {
		parsed, warnings := normalize.Parse(raw)

		marker := ""
		if !f.Allows(parsed) {
			marker = " [filtered]"
		}
		fmt.Fprintf(w, "==> %s #%d%s\n", path, i+1, marker)
		for _, warning := range warnings {
			fmt.Fprintf(w, "warning: %v\n", warning)
		}
		fmt.Fprintf(w, "%s\n\n", normalize.Render(parsed))
	}
	return nil
}

func isMbox(path string, data []byte) bool {
	if strings.EqualFold(filepath.Ext(path), ".mbox") {
		return true
	}
	return bytes.HasPrefix(data, []byte("From "))
}
