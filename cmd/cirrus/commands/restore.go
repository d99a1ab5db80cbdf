package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cirrusops/cirrus/pkg/config"
	"github.com/cirrusops/cirrus/pkg/stores"
)

func newRestoreCommand() *cobra.Command {
	var (
		backupFile string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the server database from a backup",
		Long: `Replace the server's SQLite database with a backup taken by "cirrus backup".

WARNING: This replaces the current database. Stop the server first.

The backup is opened and migrated to the current schema before it is copied
into place, so a corrupt or foreign file never replaces a working database.`,
		Example: `  # Restore into an empty data directory
  cirrus restore --from /backups/cirrus.db

  # Replace an existing database
  cirrus restore --from /backups/cirrus.db --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			target := cfg.Database.Path

			if _, err := os.Stat(target); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", target)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			log.Info().Str("from", backupFile).Str("database", target).Msg("Restoring from backup")

			// Work on a copy so the backup itself is never modified by migrations.
			staged := target + ".restore"
			if err := copyFile(backupFile, staged); err != nil {
				return err
			}
			if err := verifyDatabase(cmd, staged); err != nil {
				_ = os.Remove(staged)
				return fmt.Errorf("backup %s is not usable: %w", backupFile, err)
			}

			// Stale WAL files would be replayed on top of the restored database.
			for _, suffix := range []string{"-wal", "-shm"} {
				if err := os.Remove(target + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}
			if err := os.Rename(staged, target); err != nil {
				return fmt.Errorf("failed to move restored database into place: %w", err)
			}

			log.Info().Str("database", target).Msg("Restore complete")
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s from %s\n", target, backupFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&backupFile, "from", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing database")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}

func verifyDatabase(cmd *cobra.Command, path string) error {
	ctx := cmd.Context()
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	return store.HealthCheck(ctx)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy backup: %w", err)
	}
	return out.Close()
}
