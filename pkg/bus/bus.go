// Package bus connects to NATS for the audit stream and agent heartbeats.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Conn is a NATS connection that publishes JSON payloads.
type Conn struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

// Connect dials url and keeps reconnecting for the life of the process.
func Connect(url, name string, logger zerolog.Logger) (*Conn, error) {
	logger = logger.With().Str("component", "bus").Logger()
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Conn{nc: nc, logger: logger}, nil
}

// Publish sends raw data on subject.
func (c *Conn) Publish(subject string, data []byte) error {
	if c == nil || c.nc == nil || c.nc.IsClosed() {
		return errors.New("nats not connected")
	}
	return c.nc.Publish(subject, data)
}

// PublishJSON encodes v as JSON and publishes it on subject.
func (c *Conn) PublishJSON(_ context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Publish(subject, data)
}

// Subscribe registers cb for messages on subject.
func (c *Conn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if c == nil || c.nc == nil {
		return nil, errors.New("nats not connected")
	}
	return c.nc.Subscribe(subject, cb)
}

// Close flushes and drains pending messages and closes the connection.
func (c *Conn) Close() {
	if c == nil || c.nc == nil {
		return
	}
	if err := c.nc.FlushTimeout(2 * time.Second); err != nil {
		c.logger.Debug().Err(err).Msg("NATS flush before close failed")
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
}
