package digitalocean

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/digitalocean/godo"

	"github.com/cirrusops/cirrus/pkg/engine"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient("test-token")
	base, err := url.Parse(server.URL + "/")
	if err != nil {
		t.Fatalf("invalid server url: %v", err)
	}
	client.BaseURL = base
	return NewWithClient(client)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCreateMachine(t *testing.T) {
	var got godo.DropletCreateRequest
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/droplets" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"droplet": map[string]interface{}{"id": 3164494, "name": "web-1", "status": "new"},
		})
	}))

	id, ip, err := adapter.CreateMachine(context.Background(), engine.MachineSpec{
		Name:      "web-1",
		Region:    "ams3",
		Size:      "s-1vcpu-1gb",
		Image:     "ubuntu-24-04-x64",
		Tags:      map[string]string{"env": "prod", "team": "web"},
		SSHKeys:   []string{"512189", "3b:16:bf:e4:8b:00:8b:b8:59:8c:a9:d3:f0:19:45:fa"},
		Bootstrap: "#cloud-config",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "3164494" || ip != "" {
		t.Errorf("unexpected result id=%s ip=%s", id, ip)
	}
	if got.Image.Slug != "ubuntu-24-04-x64" || got.UserData != "#cloud-config" {
		t.Errorf("unexpected request: %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "env:prod" || got.Tags[1] != "team:web" {
		t.Errorf("unexpected tags: %v", got.Tags)
	}
	if len(got.SSHKeys) != 2 || got.SSHKeys[0].ID != 512189 || got.SSHKeys[1].Fingerprint == "" {
		t.Errorf("unexpected ssh keys: %+v", got.SSHKeys)
	}
}

func TestCreateMachineErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		class  engine.ErrorClass
		code   string
	}{
		{"rate limited", http.StatusTooManyRequests, engine.ErrorClassTransient, engine.ErrCodeRateLimited},
		{"server error", http.StatusInternalServerError, engine.ErrorClassTransient, engine.ErrCodeProviderFailed},
		{"unprocessable", http.StatusUnprocessableEntity, engine.ErrorClassPermanent, engine.ErrCodeProviderFailed},
		{"unauthorized", http.StatusUnauthorized, engine.ErrorClassPermanent, engine.ErrCodeAccountInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]string{"id": "error", "message": "request failed"})
			}))

			_, _, err := adapter.CreateMachine(context.Background(), engine.MachineSpec{Name: "web-1"})
			derr := engine.AsDeploymentError(err)
			if derr.Class != tt.class {
				t.Errorf("expected class %s, got %s", tt.class, derr.Class)
			}
			if derr.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, derr.Code)
			}
			if derr.Provider != engine.ProviderDigitalOcean || derr.Operation != "create" {
				t.Errorf("expected provider context, got %+v", derr)
			}
		})
	}
}

func TestCreateMachineRetryAfterTimeout(t *testing.T) {
	var (
		mu       sync.Mutex
		posts    int
		droplets []map[string]interface{}
	)
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v2/droplets":
			tag := r.URL.Query().Get("tag_name")
			var matched []map[string]interface{}
			for _, d := range droplets {
				for _, t := range d["tags"].([]string) {
					if t == tag {
						matched = append(matched, d)
					}
				}
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"droplets": matched,
				"meta":     map[string]interface{}{"total": len(matched)},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/v2/droplets":
			var req godo.DropletCreateRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			posts++
			droplet := map[string]interface{}{"id": 100 + posts, "name": req.Name, "status": "new", "tags": req.Tags}
			droplets = append(droplets, droplet)
			if posts == 1 {
				// The droplet exists but the response is lost.
				writeJSON(w, http.StatusGatewayTimeout, map[string]string{"id": "timeout", "message": "gateway timeout"})
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]interface{}{"droplet": droplet})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.String())
		}
	}))

	spec := engine.MachineSpec{Name: "web-1", Region: "ams3", Size: "s-1vcpu-1gb", Image: "ubuntu-24-04-x64", MachineID: "m-1"}
	_, _, err := adapter.CreateMachine(context.Background(), spec)
	if !engine.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	id, _, err := adapter.CreateMachine(context.Background(), spec)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if id != "101" {
		t.Errorf("expected the droplet from the first attempt, got %s", id)
	}
	mu.Lock()
	defer mu.Unlock()
	if posts != 1 {
		t.Errorf("expected a single create request, got %d", posts)
	}
	if tags := droplets[0]["tags"].([]string); len(tags) != 1 || tags[0] != "cirrus-machine:m-1" {
		t.Errorf("expected machine tag, got %v", tags)
	}
}

func TestFetchStatus(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/droplets/42":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"droplet": map[string]interface{}{
					"id":     42,
					"status": "active",
					"networks": map[string]interface{}{
						"v4": []map[string]interface{}{
							{"ip_address": "10.110.0.2", "type": "private"},
							{"ip_address": "203.0.113.10", "type": "public"},
						},
					},
				},
			})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"id": "not_found", "message": "The resource you were accessing could not be found."})
		}
	}))

	state, err := adapter.FetchStatus(context.Background(), "42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Status != engine.MachineStatusRunning || state.PublicIP != "203.0.113.10" || state.PrivateIP != "10.110.0.2" {
		t.Errorf("unexpected state: %+v", state)
	}

	state, err = adapter.FetchStatus(context.Background(), "43")
	if err != nil {
		t.Fatalf("expected missing droplet to be reported as terminated, got %v", err)
	}
	if state.Status != engine.MachineStatusTerminated {
		t.Errorf("expected terminated, got %s", state.Status)
	}

	if _, err := adapter.FetchStatus(context.Background(), "not-a-number"); !engine.IsPrecondition(err) {
		t.Errorf("expected precondition error for invalid id, got %v", err)
	}
}

func TestRebootAndDestroy(t *testing.T) {
	var calls []string
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/droplets/42/actions":
			writeJSON(w, http.StatusCreated, map[string]interface{}{
				"action": map[string]interface{}{"id": 1, "status": "in-progress", "type": "reboot"},
			})
		case r.Method == http.MethodDelete && r.URL.Path == "/v2/droplets/42":
			w.WriteHeader(http.StatusNoContent)
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"id": "not_found", "message": "not found"})
		}
	}))

	if err := adapter.Reboot(context.Background(), "42"); err != nil {
		t.Fatalf("reboot failed: %v", err)
	}
	if err := adapter.Destroy(context.Background(), "42"); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if err := adapter.Destroy(context.Background(), "99"); err != nil {
		t.Errorf("destroying a missing droplet should succeed, got %v", err)
	}
	if len(calls) != 3 {
		t.Errorf("unexpected calls: %v", calls)
	}
}

func TestMapStatus(t *testing.T) {
	cases := map[string]engine.MachineStatus{
		"new":     engine.MachineStatusProvisioning,
		"active":  engine.MachineStatusRunning,
		"off":     engine.MachineStatusStopped,
		"archive": engine.MachineStatusTerminated,
		"weird":   engine.MachineStatusError,
	}
	for in, want := range cases {
		if got := mapStatus(in); got != want {
			t.Errorf("mapStatus(%q) = %s, want %s", in, got, want)
		}
	}
}
