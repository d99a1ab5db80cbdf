package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cirrusops/cirrus/pkg/api"
	"github.com/cirrusops/cirrus/pkg/engine"
)

func newTestClient(t *testing.T, handler http.Handler) *apiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := newAPIClient(srv.URL+"/", "team-a")
	if err != nil {
		t.Fatalf("newAPIClient failed: %v", err)
	}
	return client
}

func TestNewAPIClient(t *testing.T) {
	if _, err := newAPIClient("http://localhost:8080", ""); err == nil {
		t.Error("expected error without tenant")
	}
	if _, err := newAPIClient("localhost:8080", "team-a"); err == nil {
		t.Error("expected error for URL without scheme")
	}
	c, err := newAPIClient("http://localhost:8080/", "team-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.base.String() != "http://localhost:8080" {
		t.Errorf("base = %s", c.base)
	}
}

func TestClientEnqueue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/deployments", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(api.TenantHeader); got != "team-a" {
			t.Errorf("tenant header = %q", got)
		}
		var req engine.EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Type != engine.DeploymentReboot || req.MachineID != "m-1" {
			t.Errorf("unexpected request %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(engine.Deployment{
			ID: "dep-1", TenantID: "team-a", MachineID: "m-1",
			Type: engine.DeploymentReboot, State: engine.DeploymentPending,
		})
	})
	client := newTestClient(t, mux)

	d, err := client.enqueue(context.Background(), engine.EnqueueRequest{Type: engine.DeploymentReboot, MachineID: "m-1"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if d.ID != "dep-1" || d.State != engine.DeploymentPending {
		t.Errorf("unexpected deployment %+v", d)
	}
}

func TestClientErrorResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/deployments/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"deployment not found"}`)
	})
	mux.HandleFunc("GET /v1/machines", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})
	client := newTestClient(t, mux)

	_, err := client.deployment(context.Background(), "missing")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Message != "deployment not found" {
		t.Errorf("unexpected error %+v", apiErr)
	}

	_, err = client.machines(context.Background())
	if !errors.As(err, &apiErr) || apiErr.Message != "upstream exploded" {
		t.Errorf("expected plain-text message, got %v", err)
	}
}

func TestClientDeploymentsFilter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/deployments", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("machine_id"); got != "m-1" {
			t.Errorf("machine_id = %q", got)
		}
		fmt.Fprint(w, `{"deployments":[{"deployment_id":"dep-1"},{"deployment_id":"dep-2"}]}`)
	})
	client := newTestClient(t, mux)

	list, err := client.deployments(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("deployments failed: %v", err)
	}
	if len(list) != 2 || list[1].ID != "dep-2" {
		t.Errorf("unexpected list %+v", list)
	}
}

func TestClientLogs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/deployments/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") != "1" || r.URL.Query().Get("follow") != "true" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		for i := int64(2); i <= 3; i++ {
			_ = enc.Encode(engine.LogLine{Cursor: i, Stream: engine.LogStdout, Text: fmt.Sprintf("line %d", i)})
		}
	})
	client := newTestClient(t, mux)

	var got []int64
	err := client.logs(context.Background(), "dep-1", 1, true, func(line engine.LogLine) error {
		got = append(got, line.Cursor)
		return nil
	})
	if err != nil {
		t.Fatalf("logs failed: %v", err)
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("cursors = %v", got)
	}

	stop := errors.New("stop")
	err = client.logs(context.Background(), "dep-1", 1, true, func(engine.LogLine) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("expected callback error, got %v", err)
	}
}

func TestClientWait(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/deployments/{id}", func(w http.ResponseWriter, r *http.Request) {
		state := engine.DeploymentInProgress
		if calls.Add(1) >= 3 {
			state = engine.DeploymentAwaitingApproval
		}
		_ = json.NewEncoder(w).Encode(engine.Deployment{ID: r.PathValue("id"), State: state})
	})
	client := newTestClient(t, mux)

	d, err := client.wait(context.Background(), "dep-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if d.State != engine.DeploymentAwaitingApproval {
		t.Errorf("state = %s", d.State)
	}
	if calls.Load() != 3 {
		t.Errorf("polled %d times, want 3", calls.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	calls.Store(-1000)
	if _, err := client.wait(ctx, "dep-1", 10*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestClientMachines(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /v1/machines/{id}/desired", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(engine.Machine{ID: r.PathValue("id"), DesiredStatus: engine.MachineStatus(body["status"])})
	})
	mux.HandleFunc("POST /v1/machines/{id}/reconcile", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(engine.Machine{ID: r.PathValue("id"), ActualStatus: engine.MachineStatusRunning})
	})
	client := newTestClient(t, mux)

	m, err := client.setDesired(context.Background(), "m-1", engine.MachineStatusStopped)
	if err != nil {
		t.Fatalf("setDesired failed: %v", err)
	}
	if m.ID != "m-1" || m.DesiredStatus != engine.MachineStatusStopped {
		t.Errorf("unexpected machine %+v", m)
	}

	m, err = client.reconcile(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if m.ActualStatus != engine.MachineStatusRunning {
		t.Errorf("actual = %s", m.ActualStatus)
	}
}
