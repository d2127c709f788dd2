// commands.go contains the cobra command definitions and their flag
// configurations. Each builder wires a command to its handler.
package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the runtime.
func buildServeCmd() *cobra.Command {
	var (
		dataDir string
		debug   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the famulus runtime",
		Long: `Start the famulus runtime.

The runtime will:
1. Open the SQLite store in the data directory
2. Load settings and the secret-box key
3. Register built-in tools and discovered skills
4. Build the model router over the configured providers
5. Serve websocket sessions, health checks, and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the default data directory (~/.famulus)
  famulus serve

  # Keep state somewhere else
  famulus serve --data-dir /srv/famulus

  # Start with debug logging
  famulus serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveDataDir(dataDir), debug)
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "D", "",
		"Data directory (default ~/.famulus; or set FAMULUS_DATA_DIR)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildConfigCmd creates the "config" command group for the settings
// registry.
func buildConfigCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and change settings",
	}
	cmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "D", "",
		"Data directory (default ~/.famulus; or set FAMULUS_DATA_DIR)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all settings (secrets redacted)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigList(cmd, resolveDataDir(dataDir))
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print one setting",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigGet(cmd, resolveDataDir(dataDir), args[0])
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Change one setting",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSet(cmd, resolveDataDir(dataDir), args[0], args[1])
			},
		},
	)

	return cmd
}

// buildSkillsCmd creates the "skills" command group.
func buildSkillsCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect installed skills",
	}
	cmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "D", "",
		"Data directory (default ~/.famulus; or set FAMULUS_DATA_DIR)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List discovered skills and their usage counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsList(cmd, resolveDataDir(dataDir))
		},
	})

	return cmd
}
