package commands

import (
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cirrusops/cirrus/pkg/agents"
	"github.com/cirrusops/cirrus/pkg/bus"
)

func newHeartbeatCommand() *cobra.Command {
	var (
		natsURL   string
		subject   string
		machineID string
		interval  time.Duration
		once      bool
	)

	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Publish agent heartbeats for a machine",
		Long: `Run on a managed machine to report its agent as connected.

Heartbeats are published on NATS; the server marks the agent disconnected
when no heartbeat arrived within its stale window.`,
		Example: `  # Publish every 30 seconds
  cirrus heartbeat --machine 3f2b9c1e --nats nats://10.0.0.5:4222

  # Publish a single heartbeat
  cirrus heartbeat --machine 3f2b9c1e --once`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if machineID == "" {
				return errors.New("--machine is required")
			}
			if strings.Count(subject, "*") != 1 {
				return errors.New("subject must contain one wildcard for the machine id")
			}
			target := strings.Replace(subject, "*", machineID, 1)

			conn, err := bus.Connect(natsURL, "cirrus-agent-"+machineID, log.Logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx := cmd.Context()
			publish := func() error {
				return conn.PublishJSON(ctx, target, agents.Heartbeat{
					MachineID: machineID,
					Timestamp: time.Now().UTC(),
					Version:   cmd.Root().Version,
				})
			}

			if err := publish(); err != nil {
				return err
			}
			log.Info().Str("subject", target).Dur("interval", interval).Msg("Publishing heartbeats")
			if once {
				return nil
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := publish(); err != nil {
						log.Warn().Err(err).Msg("Heartbeat publish failed")
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", envOr("CIRRUS_NATS_URL", "nats://127.0.0.1:4222"), "NATS server URL")
	cmd.Flags().StringVar(&subject, "subject", agents.DefaultSubject, "heartbeat subject; * is replaced by the machine id")
	cmd.Flags().StringVarP(&machineID, "machine", "m", "", "machine id to report")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "time between heartbeats")
	cmd.Flags().BoolVar(&once, "once", false, "publish one heartbeat and exit")

	return cmd
}
