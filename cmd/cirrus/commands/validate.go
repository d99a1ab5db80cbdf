package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cirrusops/cirrus/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var (
		schemaFile string
		schemaPath string
		serverCfg  bool
	)

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate machine spec files",
		Long: `Validate machine spec files against the built-in provider schemas.

This command checks:
  - CUE, JSON or YAML syntax
  - Required fields and provider names
  - Provider-specific region, size, image and tag rules

With --server-config it validates a server configuration file instead.`,
		Example: `  # Validate a spec file
  cirrus validate web.cue

  # Validate a CUE package directory with an extra schema
  cirrus validate ./machines --schema ./team.cue --schema-path '#Machine'

  # Validate the server configuration
  cirrus validate --server-config /etc/cirrus/cirrus.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if serverCfg {
				path := configPath
				if len(args) > 0 {
					path = args[0]
				}
				if _, err := config.Load(path); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: valid\n", path)
				return nil
			}

			if len(args) == 0 {
				return errors.New("at least one spec file is required")
			}

			validator := config.NewSpecValidator()
			if schemaFile != "" {
				if err := registerSchemaFile(validator, schemaFile, schemaPath); err != nil {
					return err
				}
			}
			parser := config.NewSpecParser(validator)

			var failed int
			for _, path := range args {
				specs, err := parser.ParseFile(cmd.Context(), path)
				if err != nil {
					failed++
					var verrs config.ValidationErrors
					if errors.As(err, &verrs) {
						for _, v := range verrs {
							fmt.Fprintln(out, badStyle.Render(v.String()))
						}
					} else {
						fmt.Fprintf(out, "%s: %s\n", path, badStyle.Render(err.Error()))
					}
					continue
				}
				log.Debug().Str("path", path).Int("machines", len(specs)).Msg("Validated spec file")
				for _, s := range specs {
					fmt.Fprintf(out, "%s: %s %s\n", path, goodStyle.Render("ok"), fmt.Sprintf("%s (%s %s %s)", s.Name, s.Provider, s.Region, s.Size))
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed validation", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&schemaFile, "schema", "", "extra CUE schema every spec must also satisfy")
	cmd.Flags().StringVar(&schemaPath, "schema-path", "", "definition within the schema file, e.g. #Machine")
	cmd.Flags().BoolVar(&serverCfg, "server-config", false, "validate a server configuration file")

	return cmd
}

func registerSchemaFile(v *config.SpecValidator, file, path string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	return v.Require(filepath.Base(file), string(data), path)
}
