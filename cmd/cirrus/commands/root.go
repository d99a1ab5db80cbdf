package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	serverURL  string
	tenantID   string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cirrus",
		Short: "Cirrus - cloud machine deployment orchestrator",
		Long: `Cirrus runs typed deployments against cloud machines on DigitalOcean,
AWS, GCP and Hetzner.

Features:
  - One deployment at a time per machine, queued in arrival order
  - Plan, policy-driven approval and retried apply
  - Live and persisted deployment logs
  - Desired versus actual status reconciliation
  - Machine specs validated with CUE`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CIRRUS_SERVER", "http://127.0.0.1:8080"), "API server URL")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", os.Getenv("CIRRUS_TENANT"), "tenant to act as")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newMachinesCommand())
	rootCmd.AddCommand(newHeartbeatCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newRestoreCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"version":    version,
					"commit":     commit,
					"build_date": buildDate,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cirrus %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
