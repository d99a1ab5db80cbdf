package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cirrusops/cirrus/pkg/config"
	"github.com/cirrusops/cirrus/pkg/stores"
)

func newBackupCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the server database",
		Long: `Write a consistent copy of the server's SQLite database.

The copy is taken with VACUUM INTO, so a running server keeps serving while
the backup is written. Provider secrets are never stored in the database and
are not part of the backup.`,
		Example: `  # Back up next to the database with a timestamped name
  cirrus backup --config /etc/cirrus/cirrus.yaml

  # Back up to a specific file
  cirrus backup --out /backups/cirrus.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if outFile == "" {
				outFile = fmt.Sprintf("%s.%s.bak", cfg.Database.Path, time.Now().UTC().Format("20060102T150405Z"))
			}

			store, err := stores.NewSQLiteStore(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			log.Info().Str("database", cfg.Database.Path).Str("out", outFile).Msg("Creating backup")
			if err := store.Backup(ctx, outFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup written: %s\n", outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "backup output file (must not exist)")

	return cmd
}
