package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cirrusops/cirrus/pkg/config"
	"github.com/cirrusops/cirrus/pkg/engine"
)

type watchFlags struct {
	wait   bool
	follow bool
}

func (f *watchFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.wait, "wait", "w", false, "wait for the deployment to finish")
	cmd.Flags().BoolVarP(&f.follow, "follow", "f", false, "stream the deployment log until it finishes")
}

func newDeployCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Enqueue deployments",
		Long: `Enqueue a deployment against a machine.

Deployments on the same machine run one at a time in the order they were
enqueued. Destructive plans may wait for approval (see "cirrus approve").`,
	}

	cmd.AddCommand(newDeployCreateCommand())
	cmd.AddCommand(newDeployMachineCommand(engine.DeploymentReboot, "reboot", "Reboot a machine"))
	cmd.AddCommand(newDeployMachineCommand(engine.DeploymentDestroy, "destroy", "Destroy a machine"))
	cmd.AddCommand(newDeployRestartCommand())

	return cmd
}

func newDeployCreateCommand() *cobra.Command {
	var (
		file  string
		watch watchFlags
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create machines from a spec file",
		Long: `Create one machine per spec in a CUE, JSON or YAML file.

The file holds either a single machine spec or a "machines" list or map.
Specs are validated locally before anything is sent to the server.`,
		Example: `  # Create the machines in web.cue
  cirrus deploy create -F web.cue --tenant team-a

  # Create and stream the logs
  cirrus deploy create -F web.yaml --follow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			specs, err := config.NewSpecParser(nil).ParseFile(ctx, file)
			if err != nil {
				return err
			}

			client, err := newAPIClient(serverURL, tenantID)
			if err != nil {
				return err
			}

			var failed error
			for _, spec := range specs {
				log.Debug().Str("name", spec.Name).Str("provider", string(spec.Provider)).Msg("Enqueueing create")
				d, err := client.enqueue(ctx, engine.EnqueueRequest{Type: engine.DeploymentCreate, Spec: &spec})
				if err != nil {
					return fmt.Errorf("create %s: %w", spec.Name, err)
				}
				if err := watchDeployment(ctx, cmd, client, d, watch); err != nil {
					failed = errors.Join(failed, err)
				}
			}
			return failed
		},
	}

	cmd.Flags().StringVarP(&file, "file", "F", "", "machine spec file or CUE package directory")
	_ = cmd.MarkFlagRequired("file")
	watch.register(cmd)

	return cmd
}

func newDeployMachineCommand(typ engine.DeploymentType, use, short string) *cobra.Command {
	var watch watchFlags

	cmd := &cobra.Command{
		Use:     use + " MACHINE_ID",
		Short:   short,
		Example: fmt.Sprintf("  cirrus deploy %s 3f2b9c1e --tenant team-a --follow", use),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL, tenantID)
			if err != nil {
				return err
			}
			d, err := client.enqueue(cmd.Context(), engine.EnqueueRequest{Type: typ, MachineID: args[0]})
			if err != nil {
				return err
			}
			return watchDeployment(cmd.Context(), cmd, client, d, watch)
		},
	}
	watch.register(cmd)

	return cmd
}

func newDeployRestartCommand() *cobra.Command {
	var watch watchFlags

	cmd := &cobra.Command{
		Use:     "restart MACHINE_ID SERVICE",
		Short:   "Restart a systemd service on a machine",
		Example: `  cirrus deploy restart 3f2b9c1e nginx.service --follow`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL, tenantID)
			if err != nil {
				return err
			}
			d, err := client.enqueue(cmd.Context(), engine.EnqueueRequest{
				Type:      engine.DeploymentServiceRestart,
				MachineID: args[0],
				Service:   args[1],
			})
			if err != nil {
				return err
			}
			return watchDeployment(cmd.Context(), cmd, client, d, watch)
		},
	}
	watch.register(cmd)

	return cmd
}

// watchDeployment prints the enqueued deployment and, when asked, follows it
// until it finishes or stops for approval. A deployment that finishes without
// completing is an error.
func watchDeployment(ctx context.Context, cmd *cobra.Command, client *apiClient, d *engine.Deployment, watch watchFlags) error {
	out := cmd.OutOrStdout()
	if !watch.wait && !watch.follow {
		return printDeployment(out, d)
	}

	if !jsonOutput {
		fmt.Fprintf(out, "Deployment %s enqueued (%s on %s)\n", d.ID, d.Type, d.MachineID)
	}

	if watch.follow {
		err := client.logs(ctx, d.ID, 0, true, func(line engine.LogLine) error {
			return printLogLine(out, line)
		})
		if err != nil {
			return err
		}
	}

	final, err := client.wait(ctx, d.ID, time.Second)
	if err != nil {
		return err
	}
	if err := printDeployment(out, final); err != nil {
		return err
	}
	if final.State.IsTerminal() && final.State != engine.DeploymentCompleted {
		return fmt.Errorf("deployment %s %s", final.ID, final.State)
	}
	return nil
}

func newApproveCommand() *cobra.Command {
	var watch watchFlags

	cmd := &cobra.Command{
		Use:   "approve DEPLOYMENT_ID",
		Short: "Approve a deployment awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL, tenantID)
			if err != nil {
				return err
			}
			d, err := client.deploymentAction(cmd.Context(), args[0], "approve")
			if err != nil {
				return err
			}
			return watchDeployment(cmd.Context(), cmd, client, d, watch)
		},
	}
	watch.register(cmd)

	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel DEPLOYMENT_ID",
		Short: "Cancel a deployment",
		Long: `Cancel a deployment. Queued deployments are cancelled immediately; a
running apply stops at its next checkpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL, tenantID)
			if err != nil {
				return err
			}
			d, err := client.deploymentAction(cmd.Context(), args[0], "cancel")
			if err != nil {
				return err
			}
			return printDeployment(cmd.OutOrStdout(), d)
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get DEPLOYMENT_ID",
		Short: "Show a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL, tenantID)
			if err != nil {
				return err
			}
			d, err := client.deployment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printDeployment(cmd.OutOrStdout(), d)
		},
	}
}

func newListCommand() *cobra.Command {
	var machineID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL, tenantID)
			if err != nil {
				return err
			}
			deployments, err := client.deployments(cmd.Context(), machineID)
			if err != nil {
				return err
			}
			return printDeployments(cmd.OutOrStdout(), deployments)
		},
	}
	cmd.Flags().StringVarP(&machineID, "machine", "m", "", "only deployments of this machine")

	return cmd
}

func newLogsCommand() *cobra.Command {
	var (
		follow bool
		after  int64
	)

	cmd := &cobra.Command{
		Use:   "logs DEPLOYMENT_ID",
		Short: "Print a deployment's log",
		Example: `  # Print the whole log
  cirrus logs 7d1e...

  # Resume from a cursor and keep streaming
  cirrus logs 7d1e... --after 120 --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL, tenantID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return client.logs(cmd.Context(), args[0], after, follow, func(line engine.LogLine) error {
				return printLogLine(out, line)
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming until the deployment finishes")
	cmd.Flags().Int64Var(&after, "after", 0, "only lines after this cursor")

	return cmd
}
