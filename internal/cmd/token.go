package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/switchyard-chat/switchyard/internal/auth"
	"github.com/switchyard-chat/switchyard/pkg/cli"
)

func newTokenCmd() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}
	tokenCmd.AddCommand(&cobra.Command{
		Use:   "hash",
		Short: "Prompt for an API token and print its bcrypt hash for api.auth.token_hash",
		Args:  cobra.NoArgs,
		RunE:  runTokenHash,
	})
	return tokenCmd
}

func runTokenHash(cmd *cobra.Command, args []string) error {
	p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr()}
	token, err := p.AskNewSecret("API token", auth.MinTokenLength)
	if err != nil {
		return err
	}
	hash, err := auth.HashToken(token)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
