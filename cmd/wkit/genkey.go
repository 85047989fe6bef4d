package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahrdadan/wkit/internal/security"
)

func newGenKeyCmd() *cobra.Command {
	var hash bool
	cmd := &cobra.Command{
		Use:   "gen-key",
		Short: "Generate an API key for the server's --api-key flag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := security.GenerateAPIKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintln(out, key); err != nil {
				return err
			}
			if hash {
				_, err = fmt.Fprintln(out, security.HashAPIKey(key))
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&hash, "hash", false, "Also print the key's SHA-256 hash")
	return cmd
}
