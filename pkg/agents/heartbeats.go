// Package agents tracks the heartbeats machine agents publish over NATS.
package agents

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/cirrusops/cirrus/pkg/engine"
)

// DefaultSubject is the subject agents publish on; the wildcard token is the
// machine ID.
const DefaultSubject = "cirrus.agents.*.heartbeat"

// Heartbeat is the optional JSON body of a heartbeat message.
type Heartbeat struct {
	MachineID string    `json:"machine_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Version   string    `json:"version,omitempty"`
}

// Subscriber registers NATS message handlers. *bus.Conn implements it.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Tracker remembers when each machine's agent was last heard from. It
// implements engine.HeartbeatSource.
type Tracker struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time

	subject string
	idToken int
	sub     *nats.Subscription
	now     func() time.Time
	maxSkew time.Duration
	logger  zerolog.Logger
}

var _ engine.HeartbeatSource = (*Tracker)(nil)

// NewTracker creates a tracker for heartbeats on subject, which must contain
// exactly one "*" token standing for the machine ID.
func NewTracker(subject string, logger zerolog.Logger) (*Tracker, error) {
	if subject == "" {
		subject = DefaultSubject
	}

	idToken := -1
	for i, tok := range strings.Split(subject, ".") {
		if tok == "*" {
			if idToken >= 0 {
				return nil, errors.New("heartbeat subject must contain a single wildcard")
			}
			idToken = i
		}
	}
	if idToken < 0 {
		return nil, errors.New("heartbeat subject must contain a wildcard for the machine id")
	}

	return &Tracker{
		lastSeen: make(map[string]time.Time),
		subject:  subject,
		idToken:  idToken,
		now:      time.Now,
		maxSkew:  time.Minute,
		logger:   logger.With().Str("component", "agents").Logger(),
	}, nil
}

// Start subscribes to the heartbeat subject.
func (t *Tracker) Start(conn Subscriber) error {
	sub, err := conn.Subscribe(t.subject, t.handle)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
	t.logger.Info().Str("subject", t.subject).Msg("Listening for agent heartbeats")
	return nil
}

// Stop unsubscribes.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (t *Tracker) handle(msg *nats.Msg) {
	tokens := strings.Split(msg.Subject, ".")
	if len(tokens) <= t.idToken {
		return
	}
	machineID := tokens[t.idToken]

	at := t.now()
	if len(msg.Data) > 0 {
		var hb Heartbeat
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			t.logger.Debug().Err(err).Str("machine_id", machineID).Msg("Ignoring malformed heartbeat body")
		} else if !hb.Timestamp.IsZero() && hb.Timestamp.Sub(at) < t.maxSkew {
			at = hb.Timestamp
		}
	}
	t.Observe(machineID, at)
}

// Observe records a heartbeat. Older heartbeats than the latest are ignored.
func (t *Tracker) Observe(machineID string, at time.Time) {
	if machineID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.lastSeen[machineID]; !ok || at.After(prev) {
		t.lastSeen[machineID] = at
	}
}

// LastSeen implements engine.HeartbeatSource.
func (t *Tracker) LastSeen(machineID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.lastSeen[machineID]
	return at, ok
}

// Prune forgets machines not heard from within olderThan and returns how
// many were removed.
func (t *Tracker) Prune(olderThan time.Duration) int {
	cutoff := t.now().Add(-olderThan)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, at := range t.lastSeen {
		if at.Before(cutoff) {
			delete(t.lastSeen, id)
			n++
		}
	}
	return n
}
