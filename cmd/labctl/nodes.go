package main

import (
	"fmt"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/onkernel/nodelab/lib/nodes"
)

var (
	nodeStatus string
	nodeImage  string
)

var nodesCmd = &cobra.Command{
	Use:     "nodes",
	Aliases: []string{"node"},
	Short:   "Inspect node records",
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List node records",
	Long: `List nodes as recorded in the database.

This is a read-only view of the registry. It does not check whether the QEMU
processes of Running nodes are alive; the API server reconciles that.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		var list []nodes.Node
		if nodeStatus != "" {
			list, err = s.registry.ListByStatus(cmd.Context(), nodes.Status(nodeStatus))
		} else {
			list, err = s.registry.List(cmd.Context())
		}
		if err != nil {
			return fmt.Errorf("failed to list nodes: %w", err)
		}
		if nodeImage != "" {
			list = lo.Filter(list, func(n nodes.Node, _ int) bool { return n.ImageID == nodeImage })
		}

		formatter, err := newFormatter()
		if err != nil {
			return err
		}
		result, err := formatter.FormatNodeList(list)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), result)
		return nil
	},
}

func init() {
	nodesListCmd.Flags().StringVar(&nodeStatus, "status", "", "Only show nodes in this status (Stopped, Starting, Running, Stopping, Wiping)")
	nodesListCmd.Flags().StringVar(&nodeImage, "image", "", "Only show nodes using this image id")

	nodesCmd.AddCommand(nodesListCmd)
}
