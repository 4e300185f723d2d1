package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-to-telegram/config"
	"github.com/dhcgn/imap-to-telegram/filter"
	"github.com/dhcgn/imap-to-telegram/mbox"
	"github.com/dhcgn/imap-to-telegram/model"
	"github.com/dhcgn/imap-to-telegram/normalize"
	"github.com/dhcgn/imap-to-telegram/progress"
	"github.com/dhcgn/imap-to-telegram/stats"
)

var trackedFields = []string{"From", "Subject"}

// NewMboxStatsCommand reports the most frequent decoded senders and subjects
// of an mbox file, which helps when writing filter patterns.
func NewMboxStatsCommand() *cobra.Command {
	var (
		reportDir    string
		topN         int
		showProgress bool
	)

	cmd := &cobra.Command{
		Use:   "mbox-stats [mbox file]",
		Short: "Analyse the mbox file and show statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mboxPath := args[0]
			out := cmd.OutOrStdout()

			filterOpts, err := config.FilterOptions(cmd.Flags())
			if err != nil {
				return err
			}
			f, err := filter.New(filterOpts)
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			file, err := os.Open(mboxPath)
			if err != nil {
				return fmt.Errorf("open mbox: %w", err)
			}
			defer file.Close()

			messages, err := mbox.ReadAll(cmd.Context(), file)
			if err != nil {
				return fmt.Errorf("error reading mbox file: %w", err)
			}

			counter := make(map[string]map[string]int)
			for _, field := range trackedFields {
				counter[field] = make(map[string]int)
			}

			bar := progress.New(cmd.ErrOrStderr(), len(messages), showProgress)
			for i, raw := range messages {
				id := model.MessageID(i + 1)
				bar.Update(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeFetched, MessageID: id})
				parsed, _ := normalize.Parse(raw)
				if !f.Allows(parsed) {
					bar.Update(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeFiltered, MessageID: id})
					continue
				}
				if parsed.Sender != "" {
					counter["From"][parsed.Sender]++
				}
				if parsed.Subject != "" {
					counter["Subject"][parsed.Subject]++
				}
			}

			bar.Stop()

			total, skippedCount := bar.Done()
			messageCount := total - skippedCount
			var filterPercent float64
			if total > 0 {
				filterPercent = float64(skippedCount) / float64(total) * 100
			}
			fmt.Fprintf(out, "Processed %d messages (skipped %d by filters, %.2f%%)\n\n", messageCount, skippedCount, filterPercent)

			for _, field := range trackedFields {
				fmt.Fprintf(out, "Top %d %s:\n", topN, field)
				stats.PrettyPrintTop(out, counter[field], topN)
				fmt.Fprintln(out)
			}

			if reportDir == "" {
				return nil
			}
			if err := saveCSVReports(counter, reportDir, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "Reports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reportDir, "output", "o", "", "Output directory for CSV reports (empty skips them)")
	cmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	cmd.Flags().BoolVar(&showProgress, "progress", false, "Show a progress bar on stderr while scanning")
	return cmd
}

func saveCSVReports(counter map[string]map[string]int, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, field := range trackedFields {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", strings.ToLower(field)))
		file, err := os.Create(filePath)
		if err != nil {
			return err
		}

		err = writeCSV(file, stats.Top(counter[field], limit))
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func writeCSV(w io.Writer, rows []stats.Count) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write([]string{row.Key, strconv.Itoa(row.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
