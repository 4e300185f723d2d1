package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-to-telegram/credential"
)

// StoreOpener opens the credential store used by the secret commands.
type StoreOpener func() (*credential.Store, error)

var secretKeys = []string{credential.KeyIMAPPassword, credential.KeyTelegramToken, credential.KeyMatrixToken}

// NewSecretCommand manages the secrets read with --keyring.
func NewSecretCommand(open StoreOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Store or remove secrets in the OS keyring",
	}

	cmd.AddCommand(&cobra.Command{
		Use:       "set <key> [value]",
		Short:     "Store a secret; the value is read from stdin when omitted",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: secretKeys,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validSecretKey(args[0]); err != nil {
				return err
			}

			var value string
			if len(args) == 2 {
				value = args[1]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read secret from stdin: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return fmt.Errorf("secret value is empty")
			}

			store, err := open()
			if err != nil {
				return err
			}
			if err := store.Set(args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:       "delete <key>",
		Short:     "Remove a stored secret",
		Args:      cobra.ExactArgs(1),
		ValidArgs: secretKeys,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validSecretKey(args[0]); err != nil {
				return err
			}
			store, err := open()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func validSecretKey(key string) error {
	for _, k := range secretKeys {
		if k == key {
			return nil
		}
	}
	return fmt.Errorf("unknown secret %q, expected one of %s", key, strings.Join(secretKeys, ", "))
}
