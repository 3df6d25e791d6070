// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the pluginhost CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pluginhost",
		Short: "pluginhost - standalone plugin runtime harness",
		Long: `pluginhost runs the VRCX plugin runtime outside an embedding
application: it loads Lua modules from a catalog, manages their lifecycle,
and exposes metrics and management endpoints over HTTP.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML)")

	// Add subcommands
	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewSchemaCmd())

	return cmd
}
