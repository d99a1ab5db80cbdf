package hetzner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/cirrusops/cirrus/pkg/engine"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewWithClient(NewClient("test-token", hcloud.WithEndpoint(server.URL)))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{"code": code, "message": message},
	})
}

func serverJSON(id int, status, ip string) map[string]interface{} {
	return map[string]interface{}{
		"id":     id,
		"name":   "web-1",
		"status": status,
		"public_net": map[string]interface{}{
			"ipv4": map[string]interface{}{"ip": ip},
		},
		"private_net": []map[string]interface{}{{"ip": "10.0.0.2"}},
	}
}

func TestCreateMachine(t *testing.T) {
	var got map[string]interface{}
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/servers" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"server": serverJSON(1001, "initializing", "198.51.100.4"),
			"action": map[string]interface{}{"id": 1, "command": "create_server", "status": "running"},
		})
	}))

	id, ip, err := adapter.CreateMachine(context.Background(), engine.MachineSpec{
		Name:      "web-1",
		Region:    "fsn1",
		Size:      "cx22",
		Image:     "ubuntu-24.04",
		Tags:      map[string]string{"env": "prod"},
		SSHKeys:   []string{"77", "deploy"},
		Bootstrap: "#cloud-config",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "1001" || ip != "198.51.100.4" {
		t.Errorf("unexpected result id=%s ip=%s", id, ip)
	}
	if got["server_type"] != "cx22" || got["image"] != "ubuntu-24.04" || got["location"] != "fsn1" {
		t.Errorf("unexpected request body: %v", got)
	}
	if got["user_data"] != "#cloud-config" {
		t.Errorf("expected user data, got %v", got["user_data"])
	}
	if keys, ok := got["ssh_keys"].([]interface{}); !ok || len(keys) != 2 {
		t.Errorf("unexpected ssh keys: %v", got["ssh_keys"])
	}
}

func TestCreateMachineErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		class  engine.ErrorClass
		want   string
	}{
		{"invalid input", http.StatusUnprocessableEntity, "invalid_input", engine.ErrorClassPermanent, engine.ErrCodeProviderFailed},
		{"unauthorized", http.StatusUnauthorized, "unauthorized", engine.ErrorClassPermanent, engine.ErrCodeAccountInvalid},
		{"unavailable", http.StatusServiceUnavailable, "unavailable", engine.ErrorClassTransient, engine.ErrCodeProviderFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, tt.status, tt.code, "request failed")
			}))

			_, _, err := adapter.CreateMachine(context.Background(), engine.MachineSpec{
				Name: "web-1", Size: "cx22", Image: "ubuntu-24.04", Region: "fsn1",
			})
			derr := engine.AsDeploymentError(err)
			if derr.Class != tt.class || derr.Code != tt.want {
				t.Errorf("expected %s/%s, got %s/%s", tt.class, tt.want, derr.Class, derr.Code)
			}
			if derr.Provider != engine.ProviderHetzner {
				t.Errorf("expected hetzner provider, got %s", derr.Provider)
			}
		})
	}
}

func TestCreateMachineRetryAfterTimeout(t *testing.T) {
	var (
		mu      sync.Mutex
		posts   int
		servers []map[string]interface{}
	)
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/servers":
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			posts++
			for _, srv := range servers {
				if srv["name"] == body["name"] {
					writeError(w, http.StatusConflict, "uniqueness_error", "server name is already used")
					return
				}
			}
			srv := serverJSON(2000+posts, "initializing", "198.51.100.9")
			srv["labels"] = body["labels"]
			servers = append(servers, srv)
			// The server exists but the response is lost.
			writeError(w, http.StatusGatewayTimeout, "timeout", "gateway timeout")
		case r.Method == http.MethodGet && r.URL.Path == "/servers":
			var matched []map[string]interface{}
			for _, srv := range servers {
				if srv["name"] == r.URL.Query().Get("name") {
					matched = append(matched, srv)
				}
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"servers": matched})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.String())
		}
	}))

	spec := engine.MachineSpec{Name: "web-1", Size: "cx22", Image: "ubuntu-24.04", Region: "fsn1", MachineID: "m-1"}
	if _, _, err := adapter.CreateMachine(context.Background(), spec); !engine.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	id, ip, err := adapter.CreateMachine(context.Background(), spec)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if id != "2001" || ip != "198.51.100.9" {
		t.Errorf("expected the server from the first attempt, got id=%s ip=%s", id, ip)
	}

	// A different machine with the same name is still a conflict.
	other := spec
	other.MachineID = "m-2"
	_, _, err = adapter.CreateMachine(context.Background(), other)
	if derr := engine.AsDeploymentError(err); derr.Class != engine.ErrorClassPermanent {
		t.Errorf("expected permanent conflict, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(servers) != 1 {
		t.Errorf("expected one server, got %d", len(servers))
	}
}

func TestFetchStatus(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/servers/1001" {
			writeJSON(w, http.StatusOK, map[string]interface{}{"server": serverJSON(1001, "running", "198.51.100.4")})
			return
		}
		writeError(w, http.StatusNotFound, "not_found", "server not found")
	}))

	state, err := adapter.FetchStatus(context.Background(), "1001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Status != engine.MachineStatusRunning || state.PublicIP != "198.51.100.4" || state.PrivateIP != "10.0.0.2" {
		t.Errorf("unexpected state: %+v", state)
	}

	state, err = adapter.FetchStatus(context.Background(), "2002")
	if err != nil {
		t.Fatalf("expected missing server to be reported as terminated, got %v", err)
	}
	if state.Status != engine.MachineStatusTerminated {
		t.Errorf("expected terminated, got %s", state.Status)
	}
}

func TestRebootAndDestroy(t *testing.T) {
	var calls []string
	action := map[string]interface{}{"action": map[string]interface{}{"id": 5, "status": "running"}}
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/servers/1001/actions/reboot":
			writeJSON(w, http.StatusCreated, action)
		case r.Method == http.MethodDelete && r.URL.Path == "/servers/1001":
			writeJSON(w, http.StatusOK, action)
		default:
			writeError(w, http.StatusNotFound, "not_found", "server not found")
		}
	}))

	if err := adapter.Reboot(context.Background(), "1001"); err != nil {
		t.Fatalf("reboot failed: %v", err)
	}
	if err := adapter.Destroy(context.Background(), "1001"); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if err := adapter.Destroy(context.Background(), "2002"); err != nil {
		t.Errorf("destroying a missing server should succeed, got %v", err)
	}
	if err := adapter.Reboot(context.Background(), "abc"); !engine.IsPrecondition(err) {
		t.Errorf("expected precondition error for invalid id, got %v", err)
	}
	if len(calls) != 3 {
		t.Errorf("unexpected calls: %v", calls)
	}
}

func TestMapStatus(t *testing.T) {
	cases := map[hcloud.ServerStatus]engine.MachineStatus{
		hcloud.ServerStatusInitializing: engine.MachineStatusProvisioning,
		hcloud.ServerStatusRunning:      engine.MachineStatusRunning,
		hcloud.ServerStatusStopping:     engine.MachineStatusStopping,
		hcloud.ServerStatusOff:          engine.MachineStatusStopped,
		hcloud.ServerStatusDeleting:     engine.MachineStatusTerminating,
		hcloud.ServerStatusUnknown:      engine.MachineStatusError,
	}
	for in, want := range cases {
		if got := mapStatus(in); got != want {
			t.Errorf("mapStatus(%q) = %s, want %s", in, got, want)
		}
	}
}
