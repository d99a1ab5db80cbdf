package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cirrusops/cirrus/pkg/agents"
	"github.com/cirrusops/cirrus/pkg/api"
	"github.com/cirrusops/cirrus/pkg/archive"
	"github.com/cirrusops/cirrus/pkg/audit"
	"github.com/cirrusops/cirrus/pkg/bus"
	"github.com/cirrusops/cirrus/pkg/config"
	"github.com/cirrusops/cirrus/pkg/credentials"
	"github.com/cirrusops/cirrus/pkg/engine"
	"github.com/cirrusops/cirrus/pkg/executor"
	"github.com/cirrusops/cirrus/pkg/policy"
	"github.com/cirrusops/cirrus/pkg/providers"
	"github.com/cirrusops/cirrus/pkg/providers/aws"
	"github.com/cirrusops/cirrus/pkg/providers/digitalocean"
	"github.com/cirrusops/cirrus/pkg/providers/gcp"
	"github.com/cirrusops/cirrus/pkg/providers/hetzner"
	"github.com/cirrusops/cirrus/pkg/providers/simulated"
	"github.com/cirrusops/cirrus/pkg/stores"
	"github.com/cirrusops/cirrus/pkg/telemetry"
)

// devTokenEnv holds the placeholder token of the shared dev accounts.
const devTokenEnv = "CIRRUS_DEV_TOKEN"

func newServeCommand() *cobra.Command {
	var (
		dev  bool
		addr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and orchestrator",
		Long: `Run the deployment orchestrator with its HTTP API, drift detection
loop and metrics endpoint.

In --dev mode every provider is simulated in memory, state is kept in memory
and one shared account per provider is available to all tenants
(dev-digitalocean, dev-aws, dev-gcp, dev-hetzner).`,
		Example: `  # Serve with a config file
  cirrus serve --config /etc/cirrus/cirrus.yaml

  # Try it out without cloud accounts
  cirrus serve --dev`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if dev {
				cfg.Dev = true
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().BoolVar(&dev, "dev", false, "simulate providers and keep state in memory")
	cmd.Flags().StringVar(&addr, "addr", "", "API listen address (overrides server.addr)")

	return cmd
}

// runServer wires every component from cfg and blocks until ctx is done.
func runServer(ctx context.Context, cfg *config.Config) error {
	if cfg.Dev {
		cfg.Accounts = append(cfg.Accounts, devAccounts()...)
		if _, ok := os.LookupEnv(devTokenEnv); !ok {
			_ = os.Setenv(devTokenEnv, "dev")
		}
	}

	tel, err := telemetry.NewTelemetry(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()
	log.Logger = logger
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	var (
		store     engine.Store
		accounts  credentials.Store
		auditSink = []engine.AuditSink{audit.NewLogSink(logger)}
		ready     func(context.Context) error
	)
	if cfg.Dev {
		store = engine.NewMemoryStore()
		logger.Warn().Msg("Development mode: state is kept in memory and providers are simulated")
	} else {
		sqlite, err := openStore(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer sqlite.Close()
		store, accounts, ready = sqlite, sqlite, sqlite.HealthCheck
		auditSink = append(auditSink, sqlite)
	}

	registry := providers.NewRegistry()
	if err := registerProviders(registry, cfg.Dev); err != nil {
		return err
	}
	registry.Wrap(tel.InstrumentAdapter())

	creds, err := credentials.NewStaticProvider(cfg.Accounts, accounts, logger)
	if err != nil {
		return fmt.Errorf("failed to load provider accounts: %w", err)
	}
	invalid, err := creds.Verify(ctx, func(ctx context.Context, account engine.ProviderAccount, c engine.Credentials) error {
		_, err := registry.New(ctx, account, c)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record credential status: %w", err)
	}
	logger.Info().Int("accounts", len(cfg.Accounts)).Int("invalid", invalid).Msg("Provider accounts verified")

	approvals, err := policy.NewEngine(ctx, logger, cfg.Policy)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	defer approvals.Close()
	if cfg.Policy.Watch {
		if err := approvals.Watch(ctx); err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}

	exec, err := executor.New(cfg.Executor, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize executor: %w", err)
	}

	var heartbeats engine.HeartbeatSource
	var tracker *agents.Tracker
	if cfg.NATS.Enabled {
		conn, err := bus.Connect(cfg.NATS.URL, cfg.NATS.Name, logger)
		if err != nil {
			return err
		}
		defer conn.Close()

		auditSink = append(auditSink, audit.NewNATSSink(conn, cfg.NATS.AuditSubjectPrefix))

		tracker, err = agents.NewTracker(cfg.NATS.HeartbeatSubject, logger)
		if err != nil {
			return err
		}
		if err := tracker.Start(conn); err != nil {
			return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
		}
		defer tracker.Stop()
		heartbeats = tracker
	}

	var archiver engine.LogArchiver
	if cfg.Archive.Enabled {
		a, err := archive.New(ctx, cfg.Archive, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize log archive: %w", err)
		}
		archiver = a
	}

	engineCfg := cfg.EngineConfig()
	engineCfg.Store = store
	engineCfg.Credentials = creds
	engineCfg.Adapters = registry.New
	engineCfg.Executor = exec
	engineCfg.Approval = approvals
	engineCfg.Specs = config.NewSpecValidator()
	engineCfg.Audit = audit.NewMultiSink(logger, auditSink...)
	engineCfg.Events = tel.Events
	engineCfg.Heartbeats = heartbeats
	engineCfg.Archiver = archiver
	engineCfg.Metrics = tel.Metrics
	engineCfg.Logger = tel.Logger.NewComponentLogger("orchestrator").Zerolog()

	orch, err := engine.New(engineCfg)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	defer func() {
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := orch.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("Orchestrator did not stop cleanly")
		}
	}()

	opts := api.Options{Ready: ready}
	if cfg.Telemetry.Metrics.ListenAddress == "" {
		opts.Metrics = tel.Metrics.Handler()
	}
	server, err := api.NewServer(cfg.Server, api.FromEngine(orch), tel.Logger.NewComponentLogger("api").Zerolog(), opts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	g.Go(func() error {
		return tel.Metrics.Serve(gctx, logger)
	})
	g.Go(func() error {
		orch.RunDriftDetection(gctx, cfg.Orchestrator.DriftInterval)
		return nil
	})
	if tracker != nil {
		g.Go(func() error {
			pruneHeartbeats(gctx, tracker, cfg.Orchestrator.AgentStaleAfter, logger)
			return nil
		})
	}

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Bool("dev", cfg.Dev).
		Str("executor", string(cfg.Executor.Backend)).
		Msg("Cirrus server started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("Cirrus server stopped")
	return nil
}

func openStore(ctx context.Context, cfg stores.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func registerProviders(registry *providers.Registry, dev bool) error {
	factories := map[engine.ProviderType]engine.AdapterFactory{
		engine.ProviderDigitalOcean: digitalocean.New,
		engine.ProviderAWS:          aws.New,
		engine.ProviderGCP:          gcp.New,
		engine.ProviderHetzner:      hetzner.New,
	}
	if dev {
		sim := simulated.Factory(500 * time.Millisecond)
		for provider := range factories {
			factories[provider] = sim
		}
	}
	for provider, factory := range factories {
		if err := registry.Register(provider, factory); err != nil {
			return err
		}
	}
	return nil
}

func devAccounts() []credentials.AccountConfig {
	types := []engine.ProviderType{
		engine.ProviderDigitalOcean,
		engine.ProviderAWS,
		engine.ProviderGCP,
		engine.ProviderHetzner,
	}
	accounts := make([]credentials.AccountConfig, 0, len(types))
	for _, p := range types {
		accounts = append(accounts, credentials.AccountConfig{
			ID:        "dev-" + string(p),
			Provider:  p,
			TokenEnv:  devTokenEnv,
			Region:    "dev-1",
			ProjectID: "dev",
		})
	}
	return accounts
}

// pruneHeartbeats forgets agents that have been silent for ten stale windows.
func pruneHeartbeats(ctx context.Context, tracker *agents.Tracker, staleAfter time.Duration, logger zerolog.Logger) {
	if staleAfter <= 0 {
		return
	}
	ticker := time.NewTicker(staleAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := tracker.Prune(10 * staleAfter); n > 0 {
				logger.Debug().Int("machines", n).Msg("Pruned stale heartbeats")
			}
		}
	}
}
