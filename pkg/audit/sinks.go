// Package audit fans deployment audit events out to the store, NATS and the log.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cirrusops/cirrus/pkg/engine"
)

// Publisher sends raw messages on a subject. *bus.Conn implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each event as JSON on <prefix>.<tenant>.<action>.
type NATSSink struct {
	pub    Publisher
	prefix string
}

var _ engine.AuditSink = (*NATSSink)(nil)

// NewNATSSink creates a sink publishing under prefix, e.g. "cirrus.audit".
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	return &NATSSink{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject an event is published on. Action dots become
// subject token separators, so subscribers can filter on
// cirrus.audit.*.deployment.>.
func (s *NATSSink) Subject(event engine.AuditEvent) string {
	tenant := subjectToken(event.TenantID)
	if tenant == "" {
		tenant = "_"
	}
	parts := []string{s.prefix, tenant}
	for _, tok := range strings.Split(event.Action, ".") {
		if tok = subjectToken(tok); tok != "" {
			parts = append(parts, tok)
		}
	}
	return strings.Join(parts, ".")
}

// Record implements engine.AuditSink.
func (s *NATSSink) Record(_ context.Context, event engine.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.pub.Publish(s.Subject(event), data)
}

// subjectToken strips characters NATS treats as separators or wildcards.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

var _ engine.AuditSink = (*LogSink)(nil)

// NewLogSink creates a sink that logs at info level.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

// Record implements engine.AuditSink.
func (s *LogSink) Record(_ context.Context, event engine.AuditEvent) error {
	e := s.logger.Info().
		Str("action", event.Action).
		Str("outcome", event.Outcome).
		Str("tenant_id", event.TenantID)
	if event.DeploymentID != "" {
		e = e.Str("deployment_id", event.DeploymentID)
	}
	if event.MachineID != "" {
		e = e.Str("machine_id", event.MachineID)
	}
	if event.FromState != "" || event.ToState != "" {
		e = e.Str("from", string(event.FromState)).Str("to", string(event.ToState))
	}
	e.Msg(event.Message)
	return nil
}

// MultiSink records every event in each of its sinks. A failing sink does not
// stop the others.
type MultiSink struct {
	sinks  []engine.AuditSink
	logger zerolog.Logger
}

var _ engine.AuditSink = (*MultiSink)(nil)

// NewMultiSink combines sinks, skipping nil entries.
func NewMultiSink(logger zerolog.Logger, sinks ...engine.AuditSink) *MultiSink {
	m := &MultiSink{logger: logger.With().Str("component", "audit").Logger()}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *MultiSink) Len() int {
	return len(m.sinks)
}

// Record implements engine.AuditSink. It returns the joined errors of the
// sinks that failed.
func (m *MultiSink) Record(ctx context.Context, event engine.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var errs []error
	for _, s := range m.sinks {
		if err := s.Record(ctx, event); err != nil {
			m.logger.Warn().Err(err).Str("action", event.Action).Str("deployment_id", event.DeploymentID).
				Msg("Audit sink failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
