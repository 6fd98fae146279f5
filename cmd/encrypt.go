package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/repoautomator/prmirror/internal/vault"
)

func init() {
	var secret string

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a token read from stdin for use in configuration files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv("PRMIRROR_SECRET")
			}
			if secret == "" {
				return errors.New("secret required: set --secret or PRMIRROR_SECRET")
			}

			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return errors.New("no input on stdin")
			}

			ciphertext, err := vault.New(secret).Encrypt(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ciphertext)
			return nil
		},
	}

	encrypt.Flags().StringVar(&secret, "secret", "", "Application secret, defaults to $PRMIRROR_SECRET")
	RootCommand.AddCommand(encrypt)
}
