package simulated

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cirrusops/cirrus/pkg/engine"
)

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	a := New(engine.ProviderHetzner)

	id, ip, err := a.CreateMachine(ctx, engine.MachineSpec{Name: "web-1"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if id == "" || ip == "" {
		t.Fatalf("expected id and ip, got %q %q", id, ip)
	}

	state, err := a.FetchStatus(ctx, id)
	if err != nil || state.Status != engine.MachineStatusRunning {
		t.Fatalf("expected running, got %+v %v", state, err)
	}

	if err := a.Reboot(ctx, id); err != nil {
		t.Fatalf("reboot failed: %v", err)
	}
	if err := a.Destroy(ctx, id); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if a.Count() != 0 {
		t.Errorf("expected no machines, got %d", a.Count())
	}

	state, _ = a.FetchStatus(ctx, id)
	if state.Status != engine.MachineStatusTerminated {
		t.Errorf("expected terminated after destroy, got %s", state.Status)
	}
	if err := a.Reboot(ctx, id); engine.AsDeploymentError(err).Code != engine.ErrCodeNotFound {
		t.Errorf("expected not found on reboot, got %v", err)
	}
	if len(a.Calls()) != 6 {
		t.Errorf("unexpected calls: %v", a.Calls())
	}
}

func TestScriptedFailures(t *testing.T) {
	ctx := context.Background()
	a := New(engine.ProviderAWS)
	a.FailTransient(OpCreate, 2)

	for i := 0; i < 2; i++ {
		if _, _, err := a.CreateMachine(ctx, engine.MachineSpec{Name: "web"}); !engine.IsTransient(err) {
			t.Fatalf("attempt %d: expected transient error, got %v", i+1, err)
		}
	}
	if _, _, err := a.CreateMachine(ctx, engine.MachineSpec{Name: "web"}); err != nil {
		t.Fatalf("expected third attempt to succeed, got %v", err)
	}

	boom := errors.New("boom")
	a.Fail(OpStatus, boom)
	if _, err := a.FetchStatus(ctx, "sim-1"); !errors.Is(err, boom) {
		t.Errorf("expected scripted error, got %v", err)
	}
}

func TestDrift(t *testing.T) {
	ctx := context.Background()
	a := New(engine.ProviderGCP)
	id, _, _ := a.CreateMachine(ctx, engine.MachineSpec{Name: "db"})

	a.SetStatus(id, engine.MachineStatusStopped)
	state, _ := a.FetchStatus(ctx, id)
	if state.Status != engine.MachineStatusStopped {
		t.Errorf("expected stopped, got %s", state.Status)
	}

	a.Remove(id)
	state, _ = a.FetchStatus(ctx, id)
	if state.Status != engine.MachineStatusTerminated {
		t.Errorf("expected terminated, got %s", state.Status)
	}
}

func TestLatencyHonoursContext(t *testing.T) {
	a := New(engine.ProviderDigitalOcean).WithLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, _, err := a.CreateMachine(ctx, engine.MachineSpec{Name: "web"}); !engine.IsTransient(err) {
		t.Errorf("expected transient timeout, got %v", err)
	}
}

func TestFactorySharesAdapterPerAccount(t *testing.T) {
	factory := Factory(0)
	account := engine.ProviderAccount{ID: "acct-1", ProviderType: engine.ProviderAWS}

	first, _ := factory(context.Background(), account, engine.Credentials{})
	second, _ := factory(context.Background(), account, engine.Credentials{})
	if first != second {
		t.Error("expected the same adapter for one account")
	}
	if first.Type() != engine.ProviderAWS {
		t.Errorf("expected aws, got %s", first.Type())
	}
}
