package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"apocnode/core"
)

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "snapshot", Short: "export or import a shard's state"}
	cmd.AddCommand(snapshotExportCmd())
	cmd.AddCommand(snapshotImportCmd())
	return cmd
}

func snapshotExportCmd() *cobra.Command {
	var shardID uint16
	c := &cobra.Command{
		Use:   "export [file]",
		Short: "write a shard's state to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			an := newNodeFromConfig(rootConfig)
			node = an

			sm, ok := an.core.Shard(shardID)
			if !ok {
				return fmt.Errorf("shard %d not found", shardID)
			}
			snap := sm.ExportSnapshot()
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal snapshot: %w", err)
			}
			if err := os.WriteFile(args[0], data, 0600); err != nil {
				return fmt.Errorf("write snapshot: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote snapshot for shard %d to %s\n", shardID, args[0])
			return nil
		},
	}
	c.Flags().Uint16Var(&shardID, "shard", 0, "shard id to export")
	return c
}

func snapshotImportCmd() *cobra.Command {
	var shardID uint16
	c := &cobra.Command{
		Use:   "import [file]",
		Short: "replace a shard's state from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			an := newNodeFromConfig(rootConfig)
			node = an

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read snapshot: %w", err)
			}
			var snap core.Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return fmt.Errorf("unmarshal snapshot: %w", err)
			}

			sm, ok := an.core.Shard(shardID)
			if !ok {
				return fmt.Errorf("shard %d not found", shardID)
			}
			sm.ImportSnapshot(snap)
			fmt.Fprintf(cmd.OutOrStdout(), "imported snapshot for shard %d from %s\n", shardID, args[0])
			return nil
		},
	}
	c.Flags().Uint16Var(&shardID, "shard", 0, "shard id to import into")
	return c
}
