package main

import (
	"fmt"

	"github.com/danmuck/swarmsync/internal/auth"
	"github.com/spf13/cobra"
)

var namespaceCmd = &cobra.Command{
	Use:   "namespace [secret]",
	Short: "Print the namespace hash a shared secret joins",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := auth.DeriveNamespace(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ns)
		return nil
	},
}
