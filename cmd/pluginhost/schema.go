// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/plugin"
)

// NewSchemaCmd creates the schema subcommand.
func NewSchemaCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the module catalog JSON Schema",
		Long: `Generate the JSON Schema that catalog.yaml files are validated
against. Prints to stdout, or writes to a file with --out.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := plugin.GenerateSchema()
			if err != nil {
				return fmt.Errorf("failed to generate schema: %w", err)
			}

			if outPath == "" {
				cmd.Println(string(schema))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			if err := os.WriteFile(outPath, schema, 0o600); err != nil {
				return fmt.Errorf("failed to write schema: %w", err)
			}
			cmd.Printf("Generated %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "write the schema to this path instead of stdout")

	return cmd
}
