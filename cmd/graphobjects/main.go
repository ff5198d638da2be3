// Package main provides the graphobjects CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "graphobjects",
		Short: "graphobjects - schema-driven graph objects with transactional callbacks",
		Long: `graphobjects stores typed nodes and relationships described by a YAML
schema. Every write runs in a transaction that validates the touched
entities, keeps relation cardinalities and notifies listeners after commit.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "YAML config file")
	pf.String("data-dir", "", "Data directory (overrides config)")
	pf.String("schema", "", "Schema file (overrides config)")
	pf.Bool("in-memory", false, "Use a throwaway in-memory store")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("user", "", "Act as the user node with this uuid instead of the superuser")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "graphobjects v%s (%s)\n", version, commit)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a data directory and write the effective config",
		RunE:  runInit,
	}
	initCmd.Flags().String("write-config", "", "Write the effective config to this file")
	rootCmd.AddCommand(initCmd)

	rootCmd.AddCommand(nodeCommands()...)
	rootCmd.AddCommand(relationCommands()...)
	rootCmd.AddCommand(queryCommands()...)
	return rootCmd
}

func runInit(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if path, _ := cmd.Flags().GetString("write-config"); path != "" {
		if err := a.cfg.WriteFile(path); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}
	}
	stats, err := a.db.Engine().Stats()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initialized %s\n", a.cfg)
	fmt.Fprintf(out, "  types: %d  nodes: %d  relationships: %d\n", len(a.db.Registry().Types()), stats.Nodes, stats.Edges)
	return nil
}
