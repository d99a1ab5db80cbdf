package providers

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/cirrusops/cirrus/pkg/engine"
	"github.com/cirrusops/cirrus/pkg/providers/simulated"
)

type wrapped struct {
	engine.ProviderAdapter
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(engine.ProviderType("vultr"), simulated.Factory(0)); err == nil {
		t.Error("expected unknown provider type to be rejected")
	}
	if err := r.Register(engine.ProviderHetzner, nil); err == nil {
		t.Error("expected nil factory to be rejected")
	}
	if err := r.Register(engine.ProviderHetzner, simulated.Factory(0)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register(engine.ProviderAWS, simulated.Factory(0)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	providers := r.Providers()
	if len(providers) != 2 || providers[0] != engine.ProviderAWS || providers[1] != engine.ProviderHetzner {
		t.Errorf("unexpected providers: %v", providers)
	}

	ctx := context.Background()
	if _, err := r.New(ctx, engine.ProviderAccount{ID: "a", ProviderType: engine.ProviderGCP}, engine.Credentials{}); err == nil {
		t.Error("expected error for unregistered provider")
	}

	r.Wrap(func(a engine.ProviderAdapter) engine.ProviderAdapter { return wrapped{a} })
	adapter, err := r.New(ctx, engine.ProviderAccount{ID: "a", ProviderType: engine.ProviderHetzner}, engine.Credentials{})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	if _, ok := adapter.(wrapped); !ok {
		t.Errorf("expected wrapped adapter, got %T", adapter)
	}
	if adapter.Type() != engine.ProviderHetzner {
		t.Errorf("expected hetzner, got %s", adapter.Type())
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		class  engine.ErrorClass
		code   string
	}{
		{429, engine.ErrorClassTransient, engine.ErrCodeRateLimited},
		{504, engine.ErrorClassTransient, engine.ErrCodeTimeout},
		{500, engine.ErrorClassTransient, engine.ErrCodeProviderFailed},
		{404, engine.ErrorClassPermanent, engine.ErrCodeNotFound},
		{403, engine.ErrorClassPermanent, engine.ErrCodeAccountInvalid},
		{422, engine.ErrorClassPermanent, engine.ErrCodeProviderFailed},
	}
	for _, tt := range tests {
		derr := ClassifyStatus(engine.ProviderDigitalOcean, "create", tt.status, "failed", nil)
		if derr.Class != tt.class || derr.Code != tt.code {
			t.Errorf("status %d: expected %s/%s, got %s/%s", tt.status, tt.class, tt.code, derr.Class, derr.Code)
		}
		if derr.Details["status"] != tt.status {
			t.Errorf("status %d: expected status detail, got %v", tt.status, derr.Details)
		}
	}
	if !IsNotFound(ClassifyStatus(engine.ProviderAWS, "status", 404, "gone", nil)) {
		t.Error("expected 404 to be not found")
	}
}

func TestClassifyTransport(t *testing.T) {
	if derr := ClassifyTransport(engine.ProviderAWS, "create", context.DeadlineExceeded); derr.Class != engine.ErrorClassTransient {
		t.Errorf("expected deadline to be transient, got %s", derr.Class)
	}
	if derr := ClassifyTransport(engine.ProviderAWS, "create", context.Canceled); derr.Class != engine.ErrorClassCancelled {
		t.Errorf("expected cancellation, got %s", derr.Class)
	}
	opErr := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	if derr := ClassifyTransport(engine.ProviderAWS, "create", opErr); derr.Class != engine.ErrorClassTransient {
		t.Errorf("expected network error to be transient, got %s", derr.Class)
	}
	if derr := ClassifyTransport(engine.ProviderAWS, "create", errors.New("bad")); derr.Class != engine.ErrorClassPermanent {
		t.Errorf("expected unknown error to be permanent, got %s", derr.Class)
	}

	existing := engine.NewPreconditionError("invalid id", nil)
	if derr := ClassifyTransport(engine.ProviderAWS, "create", existing); derr != existing {
		t.Error("expected classified errors to pass through")
	}
}
