package agents

import (
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type fakeSubscriber struct {
	subject string
	cb      nats.MsgHandler
	err     error
}

func (f *fakeSubscriber) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subject = subject
	f.cb = cb
	return nil, nil
}

func newTestTracker(t *testing.T, now time.Time) *Tracker {
	t.Helper()
	tr, err := NewTracker("", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}
	tr.now = func() time.Time { return now }
	return tr
}

func TestNewTrackerSubjects(t *testing.T) {
	tests := []struct {
		subject string
		wantErr bool
	}{
		{"", false},
		{"fleet.*.hb", false},
		{"fleet.hb", true},
		{"fleet.*.*", true},
	}
	for _, tt := range tests {
		_, err := NewTracker(tt.subject, zerolog.Nop())
		if (err != nil) != tt.wantErr {
			t.Errorf("NewTracker(%q) error = %v, wantErr %v", tt.subject, err, tt.wantErr)
		}
	}
}

func TestTrackerHandlesHeartbeats(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, now)
	sub := &fakeSubscriber{}
	if err := tr.Start(sub); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sub.subject != DefaultSubject {
		t.Fatalf("subscribed to %q", sub.subject)
	}

	// Empty body: receive time.
	sub.cb(&nats.Msg{Subject: "cirrus.agents.m-1.heartbeat"})
	if at, ok := tr.LastSeen("m-1"); !ok || !at.Equal(now) {
		t.Errorf("expected m-1 seen at %v, got %v %v", now, at, ok)
	}

	// Body timestamp is used when it is not in the future.
	sent := now.Add(-10 * time.Second)
	sub.cb(&nats.Msg{Subject: "cirrus.agents.m-2.heartbeat", Data: []byte(`{"timestamp":"` + sent.Format(time.RFC3339) + `"}`)})
	if at, _ := tr.LastSeen("m-2"); !at.Equal(sent) {
		t.Errorf("expected body timestamp %v, got %v", sent, at)
	}

	// A clock far ahead falls back to receive time.
	future := now.Add(time.Hour)
	sub.cb(&nats.Msg{Subject: "cirrus.agents.m-3.heartbeat", Data: []byte(`{"timestamp":"` + future.Format(time.RFC3339) + `"}`)})
	if at, _ := tr.LastSeen("m-3"); !at.Equal(now) {
		t.Errorf("expected receive time for skewed heartbeat, got %v", at)
	}

	// Malformed bodies still count.
	sub.cb(&nats.Msg{Subject: "cirrus.agents.m-4.heartbeat", Data: []byte("{")})
	if _, ok := tr.LastSeen("m-4"); !ok {
		t.Error("expected malformed heartbeat to be recorded")
	}

	if _, ok := tr.LastSeen("m-unknown"); ok {
		t.Error("expected unknown machine to be unseen")
	}
}

func TestObserveKeepsLatest(t *testing.T) {
	now := time.Now()
	tr := newTestTracker(t, now)

	tr.Observe("m-1", now)
	tr.Observe("m-1", now.Add(-time.Minute))
	if at, _ := tr.LastSeen("m-1"); !at.Equal(now) {
		t.Errorf("older heartbeat replaced newer one: %v", at)
	}
	tr.Observe("", now)
	if _, ok := tr.LastSeen(""); ok {
		t.Error("expected empty machine id to be ignored")
	}
}

func TestPrune(t *testing.T) {
	now := time.Now()
	tr := newTestTracker(t, now)
	tr.Observe("fresh", now.Add(-time.Minute))
	tr.Observe("stale", now.Add(-time.Hour))

	if n := tr.Prune(10 * time.Minute); n != 1 {
		t.Errorf("expected one pruned machine, got %d", n)
	}
	if _, ok := tr.LastSeen("stale"); ok {
		t.Error("expected stale machine to be forgotten")
	}
	if _, ok := tr.LastSeen("fresh"); !ok {
		t.Error("expected fresh machine to remain")
	}
}

func TestStartError(t *testing.T) {
	tr := newTestTracker(t, time.Now())
	if err := tr.Start(&fakeSubscriber{err: errors.New("nats not connected")}); err == nil {
		t.Fatal("expected subscribe error")
	}
	if err := tr.Stop(); err != nil {
		t.Errorf("Stop without subscription failed: %v", err)
	}
}
