package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/cirrusops/cirrus/pkg/config"
	"github.com/cirrusops/cirrus/pkg/credentials"
	"github.com/cirrusops/cirrus/pkg/engine"
	"github.com/cirrusops/cirrus/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a cirrus server workspace",
		Long: `Initialize a server workspace: a data directory with the SQLite database,
a deploy SSH key for bootstrap scripts and service restarts, and a starter
configuration file.`,
		Example: `  # Initialize in ./data with ./cirrus.yaml
  cirrus init

  # Initialize with a custom config path
  cirrus init --config /etc/cirrus/cirrus.yaml --data-dir /var/lib/cirrus`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if configPath == "" {
				configPath = "./cirrus.yaml"
			}
			if dataDir == "" {
				dataDir = filepath.Join(filepath.Dir(configPath), "data")
			}
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			}

			log.Info().Str("config", configPath).Str("data_dir", dataDir).Msg("Initializing workspace")

			keysDir := filepath.Join(dataDir, "keys")
			for _, dir := range []string{dataDir, keysDir} {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
			}

			cfg := config.Default()
			cfg.Database.Path = filepath.Join(dataDir, "cirrus.db")

			store, err := stores.NewSQLiteStore(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Fprintf(out, "Initialized database: %s\n", cfg.Database.Path)

			keyPath := filepath.Join(keysDir, "deploy-ed25519")
			created, err := ensureDeployKey(keyPath)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(out, "Generated SSH keypair: %s\n", keyPath)
			} else {
				fmt.Fprintf(out, "SSH keypair already exists: %s\n", keyPath)
			}

			cfg.Accounts = []credentials.AccountConfig{{
				ID:         "hetzner-default",
				Provider:   engine.ProviderHetzner,
				TokenEnv:   "HCLOUD_TOKEN",
				SSHUser:    "root",
				SSHKeyFile: keyPath,
			}}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			header := []byte("# cirrus server configuration. Environment variables prefixed with\n# " +
				config.EnvPrefix + " override these values.\n")
			if err := os.WriteFile(configPath, append(header, data...), 0o600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(out, "Created config file: %s\n", configPath)

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  1. Add the public key %s.pub to your provider accounts\n", keyPath)
			fmt.Fprintf(out, "  2. Start the server:\n")
			fmt.Fprintf(out, "     cirrus serve --config %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default: next to the config file)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}

// ensureDeployKey writes an ed25519 keypair at path unless one exists.
func ensureDeployKey(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}

	block, err := sshpkg.MarshalPrivateKey(privKey, "cirrus deploy key")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(path+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}
	return true, nil
}
