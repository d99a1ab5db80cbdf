package api

import (
	"errors"
	"time"
)

// Config holds the HTTP server settings.
type Config struct {
	// Addr is the listen address.
	Addr string `yaml:"addr" env:"ADDR" validate:"required,hostname_port"`

	// ReadTimeout bounds reading a whole request.
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" validate:"gte=0"`

	// ReadHeaderTimeout bounds reading request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT" validate:"gte=0"`

	// WriteTimeout bounds writing a response. Zero keeps log streams open.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" validate:"gte=0"`

	// ShutdownTimeout is how long in-flight requests get on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gte=0"`

	// RequestTimeout bounds non-streaming handlers.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" validate:"gt=0"`

	// RateLimit is the per-client request budget per minute; zero disables it.
	RateLimit int `yaml:"rate_limit" env:"RATE_LIMIT" validate:"gte=0"`

	// CORSOrigins enables CORS for the listed origins.
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`

	// Tracing wraps the router with OpenTelemetry instrumentation.
	Tracing bool `yaml:"tracing" env:"TRACING"`
}

// DefaultConfig returns the default server settings.
func DefaultConfig() Config {
	return Config{
		Addr:              "127.0.0.1:8080",
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RequestTimeout:    30 * time.Second,
		RateLimit:         600,
		Tracing:           true,
	}
}

func (c Config) validate() error {
	if c.Addr == "" {
		return errors.New("listen address is required")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	return nil
}
