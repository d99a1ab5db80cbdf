package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cirrusops/cirrus/pkg/api"
	"github.com/cirrusops/cirrus/pkg/archive"
	"github.com/cirrusops/cirrus/pkg/credentials"
	"github.com/cirrusops/cirrus/pkg/engine"
	"github.com/cirrusops/cirrus/pkg/executor"
	"github.com/cirrusops/cirrus/pkg/policy"
	"github.com/cirrusops/cirrus/pkg/stores"
	"github.com/cirrusops/cirrus/pkg/telemetry"
)

// EnvPrefix prefixes every environment variable the config reads.
const EnvPrefix = "CIRRUS_"

// Config is the configuration of a cirrus server.
type Config struct {
	// Dev runs against simulated providers and an in-memory store.
	Dev bool `yaml:"dev" env:"DEV"`

	// Server configures the HTTP API.
	Server api.Config `yaml:"server" envPrefix:"SERVER_"`

	// Database configures the SQLite store.
	Database stores.Config `yaml:"database" envPrefix:"DATABASE_"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry telemetry.Config `yaml:"telemetry" envPrefix:"TELEMETRY_"`

	// Policy configures the approval policy.
	Policy policy.Config `yaml:"policy" envPrefix:"POLICY_"`

	// Executor configures the provisioning executor.
	Executor executor.Config `yaml:"executor" envPrefix:"EXECUTOR_"`

	// Orchestrator configures the deployment engine.
	Orchestrator OrchestratorConfig `yaml:"orchestrator" envPrefix:"ORCHESTRATOR_"`

	// NATS configures the audit stream and agent heartbeats.
	NATS NATSConfig `yaml:"nats" envPrefix:"NATS_"`

	// Archive configures uploading finished deployment logs to S3.
	Archive archive.Config `yaml:"archive" envPrefix:"ARCHIVE_"`

	// Accounts are the provider accounts the server may use.
	Accounts []credentials.AccountConfig `yaml:"accounts" validate:"dive"`
}

// OrchestratorConfig configures the deployment engine.
type OrchestratorConfig struct {
	MaxWorkers        int           `yaml:"max_workers" env:"MAX_WORKERS" validate:"gte=0"`
	PlanTimeout       time.Duration `yaml:"plan_timeout" env:"PLAN_TIMEOUT" validate:"gte=0"`
	ApplyTimeout      time.Duration `yaml:"apply_timeout" env:"APPLY_TIMEOUT" validate:"gte=0"`
	LogBufferSize     int           `yaml:"log_buffer_size" env:"LOG_BUFFER_SIZE" validate:"gte=0"`
	AgentStaleAfter   time.Duration `yaml:"agent_stale_after" env:"AGENT_STALE_AFTER" validate:"gte=0"`
	DriftInterval     time.Duration `yaml:"drift_interval" env:"DRIFT_INTERVAL" validate:"gte=0"`
	Retry             RetryConfig   `yaml:"retry" envPrefix:"RETRY_"`
}

// RetryConfig bounds automatic retries of transient apply failures.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES" validate:"gte=0"`
	BaseDelay  time.Duration `yaml:"base_delay" env:"BASE_DELAY" validate:"gte=0"`
	MaxDelay   time.Duration `yaml:"max_delay" env:"MAX_DELAY" validate:"gtefield=BaseDelay"`
}

// Policy converts the retry settings to the engine's form.
func (r RetryConfig) Policy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxRetries: r.MaxRetries,
		BaseDelay:  r.BaseDelay,
		MaxDelay:   r.MaxDelay,
	}
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	URL     string `yaml:"url" env:"URL" validate:"required_if=Enabled true,omitempty,url"`
	Name    string `yaml:"name" env:"NAME"`

	// AuditSubjectPrefix is extended with .<tenant>.<action> per event.
	AuditSubjectPrefix string `yaml:"audit_subject_prefix" env:"AUDIT_SUBJECT_PREFIX"`

	// HeartbeatSubject is the wildcard subject agents publish heartbeats on.
	HeartbeatSubject string `yaml:"heartbeat_subject" env:"HEARTBEAT_SUBJECT"`
}

// Default returns the configuration used when no file or environment
// overrides are given.
func Default() *Config {
	retry := engine.DefaultRetryPolicy()
	return &Config{
		Server: api.DefaultConfig(),
		Database: stores.Config{
			Path: "cirrus.db",
		},
		Telemetry: *telemetry.DefaultConfig(),
		Policy: policy.Config{
			Settings: policy.DefaultSettings(),
		},
		Executor: executor.DefaultConfig(),
		Orchestrator: OrchestratorConfig{
			MaxWorkers:        8,
			PlanTimeout:       5 * time.Minute,
			ApplyTimeout:      30 * time.Minute,
			LogBufferSize:     1024,
			AgentStaleAfter:   90 * time.Second,
			DriftInterval:     5 * time.Minute,
			Retry: RetryConfig{
				MaxRetries: retry.MaxRetries,
				BaseDelay:  retry.BaseDelay,
				MaxDelay:   retry.MaxDelay,
			},
		},
		NATS: NATSConfig{
			URL:                "nats://127.0.0.1:4222",
			Name:               "cirrus",
			AuditSubjectPrefix: "cirrus.audit",
			HeartbeatSubject:   "cirrus.agents.*.heartbeat",
		},
		Archive: archive.DefaultConfig(),
	}
}

// Load reads the configuration file at path (if not empty), applies
// CIRRUS_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	return load(path, nil)
}

// load is Load with an explicit environment; a nil environ reads the process
// environment.
func load(path string, environ map[string]string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML decodes data into cfg, rejecting unknown keys.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks struct constraints and the rules that span sections.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(yamlFieldName)

	var errs ValidationErrors
	if err := v.Struct(c); err != nil {
		if verr, ok := convertValidatorErrors(err).(ValidationErrors); ok {
			errs = append(errs, verr...)
		} else {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "telemetry", Message: err.Error()})
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		errs = append(errs, ValidationError{Path: "archive.bucket", Message: "is required when the archive is enabled"})
	}
	if c.Policy.Watch && c.Policy.Dir == "" {
		errs = append(errs, ValidationError{Path: "policy.dir", Message: "is required when watching policies"})
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, acct := range c.Accounts {
		if seen[acct.ID] {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("accounts[%d].id", i),
				Message: fmt.Sprintf("duplicate account %q", acct.ID),
			})
		}
		seen[acct.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errs)
	}
	return nil
}

// EngineConfig returns the orchestrator settings in the engine's form. The
// caller fills in the collaborators.
func (c *Config) EngineConfig() engine.Config {
	o := c.Orchestrator
	return engine.Config{
		Retry:           o.Retry.Policy(),
		MaxWorkers:      o.MaxWorkers,
		PlanTimeout:     o.PlanTimeout,
		ApplyTimeout:    o.ApplyTimeout,
		LogBufferSize:   o.LogBufferSize,
		AgentStaleAfter: o.AgentStaleAfter,
	}
}

// yamlFieldName reports fields by their YAML key.
func yamlFieldName(fld reflect.StructField) string {
	tag := fld.Tag.Get("yaml")
	if tag == "" {
		return fld.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return ""
	}
	return name
}
