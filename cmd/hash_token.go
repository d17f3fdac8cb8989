package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"ticket-queue/security"
)

// hashTokenCommand prints the INTERNAL_TOKEN_HASH value for a shared token.
func hashTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the bcrypt hash to use as INTERNAL_TOKEN_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := security.HashToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
