package commands

import (
	"github.com/spf13/cobra"

	"github.com/cirrusops/cirrus/pkg/engine"
)

func newMachinesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "machines",
		Aliases: []string{"machine"},
		Short:   "Inspect and reconcile machines",
		Long: `List machines and manage their desired status.

Each machine has a desired status set by operators and deployments, and an
actual status read from the provider by the reconciler. A difference between
the two is reported as drift.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listMachines(cmd)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List machines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listMachines(cmd)
		},
	})
	cmd.AddCommand(newMachineGetCommand())
	cmd.AddCommand(newMachineDesiredCommand())
	cmd.AddCommand(newMachineReconcileCommand())

	return cmd
}

func listMachines(cmd *cobra.Command) error {
	client, err := newAPIClient(serverURL, tenantID)
	if err != nil {
		return err
	}
	machines, err := client.machines(cmd.Context())
	if err != nil {
		return err
	}
	return printMachines(cmd.OutOrStdout(), machines)
}

func newMachineGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get MACHINE_ID",
		Short: "Show a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL, tenantID)
			if err != nil {
				return err
			}
			m, err := client.machine(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printMachine(cmd.OutOrStdout(), m)
		},
	}
}

func newMachineDesiredCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "desired MACHINE_ID STATUS",
		Short: "Set a machine's desired status",
		Long: `Record the status a machine should be in. The reconciler reports drift
when the provider disagrees; it does not act on the difference itself.`,
		Example: `  cirrus machines desired 3f2b9c1e stopped`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := engine.MachineStatus(args[1])
			if err := status.Validate(); err != nil {
				return err
			}
			client, err := newAPIClient(serverURL, tenantID)
			if err != nil {
				return err
			}
			m, err := client.setDesired(cmd.Context(), args[0], status)
			if err != nil {
				return err
			}
			return printMachine(cmd.OutOrStdout(), m)
		},
	}
}

func newMachineReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile MACHINE_ID",
		Short: "Refresh a machine's actual status from its provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL, tenantID)
			if err != nil {
				return err
			}
			m, err := client.reconcile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printMachine(cmd.OutOrStdout(), m)
		},
	}
}
