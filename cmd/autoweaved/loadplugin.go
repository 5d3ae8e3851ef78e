package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/autoweaved/autoweaved/internal/manifest"
)

var loadPluginCmd = &cobra.Command{
	Use:   "loadplugin <path>",
	Short: "Validate a plugin manifest without loading it into a running host",
	Long: `loadplugin reads <path>/autoweave.plugin.json, validates it against the
manifest schema, and prints the canonicalised result. It exits non-zero on
any validation failure, so it can be used as a CI check for plugin authors
before the manifest is ever handed to a running autoweaved serve process.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		raw, err := os.ReadFile(filepath.Join(dir, "autoweave.plugin.json"))
		if err != nil {
			return fmt.Errorf("failed to read manifest: %w", err)
		}

		var parsed map[string]interface{}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("manifest is not valid JSON: %w", err)
		}

		m, failure := manifest.Validate(parsed)
		if failure != nil {
			return fmt.Errorf("manifest validation failed:\n%s", failure.Error())
		}
		m = manifest.Canonicalise(m)

		canonical, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal canonical manifest: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(canonical))
		return nil
	},
}
