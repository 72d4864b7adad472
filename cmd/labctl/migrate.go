package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onkernel/nodelab/lib/db"
	"github.com/onkernel/nodelab/lib/images"
	"github.com/onkernel/nodelab/lib/nodes"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := db.Migrate(cmd.Context(), s.db, &images.Image{}, &nodes.Node{}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
		return nil
	},
}
