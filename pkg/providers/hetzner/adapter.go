// Package hetzner manages Hetzner Cloud servers.
package hetzner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/cirrusops/cirrus/pkg/engine"
	"github.com/cirrusops/cirrus/pkg/providers"
)

const provider = engine.ProviderHetzner

// Adapter implements engine.ProviderAdapter for Hetzner Cloud.
type Adapter struct {
	client *hcloud.Client
}

// New builds an adapter from the account's API token. Retries are left to
// the orchestrator's retry policy.
func New(_ context.Context, account engine.ProviderAccount, creds engine.Credentials) (engine.ProviderAdapter, error) {
	if creds.Token == "" {
		return nil, fmt.Errorf("hetzner account %s has no api token", account.ID)
	}
	return NewWithClient(NewClient(creds.Token)), nil
}

// NewClient creates an hcloud client that does not retry on its own.
func NewClient(token string, opts ...hcloud.ClientOption) *hcloud.Client {
	opts = append([]hcloud.ClientOption{
		hcloud.WithToken(token),
		hcloud.WithApplication("cirrus", ""),
		hcloud.WithBackoffFunc(func(int) time.Duration { return 0 }),
	}, opts...)
	return hcloud.NewClient(opts...)
}

// NewWithClient wraps an existing hcloud client.
func NewWithClient(client *hcloud.Client) *Adapter {
	return &Adapter{client: client}
}

// Type returns the provider type.
func (a *Adapter) Type() engine.ProviderType { return provider }

// CreateMachine creates a server. Spec region is a Hetzner location such as fsn1.
//
// Server names are unique per project. When a retried create conflicts with a
// server labelled with the same machine ID, that server is returned.
func (a *Adapter) CreateMachine(ctx context.Context, spec engine.MachineSpec) (string, string, error) {
	opts := hcloud.ServerCreateOpts{
		Name:       spec.Name,
		ServerType: &hcloud.ServerType{Name: spec.Size},
		Image:      &hcloud.Image{Name: spec.Image},
		Location:   &hcloud.Location{Name: spec.Region},
		UserData:   spec.Bootstrap,
		Labels:     providers.WithMachineLabel(spec.Tags, spec.MachineID),
	}
	for _, key := range spec.SSHKeys {
		if id, err := strconv.ParseInt(key, 10, 64); err == nil {
			opts.SSHKeys = append(opts.SSHKeys, &hcloud.SSHKey{ID: id})
		} else {
			opts.SSHKeys = append(opts.SSHKeys, &hcloud.SSHKey{Name: key})
		}
	}

	result, resp, err := a.client.Server.Create(ctx, opts)
	if err != nil {
		if spec.MachineID != "" && hcloud.IsError(err, hcloud.ErrorCodeUniquenessError) {
			return a.adoptExisting(ctx, spec, classify("create", resp, err))
		}
		return "", "", classify("create", resp, err)
	}
	return strconv.FormatInt(result.Server.ID, 10), publicIP(result.Server), nil
}

// adoptExisting returns the server named spec.Name when it belongs to the
// same machine, and conflict otherwise.
func (a *Adapter) adoptExisting(ctx context.Context, spec engine.MachineSpec, conflict error) (string, string, error) {
	server, resp, err := a.client.Server.GetByName(ctx, spec.Name)
	if err != nil {
		return "", "", classify("create", resp, err)
	}
	if server == nil || server.Labels[providers.MachineLabel] != providers.LabelValue(spec.MachineID) {
		return "", "", conflict
	}
	return strconv.FormatInt(server.ID, 10), publicIP(server), nil
}

// Reboot performs a soft reboot of a server.
func (a *Adapter) Reboot(ctx context.Context, providerMachineID string) error {
	server, err := serverRef(providerMachineID)
	if err != nil {
		return err
	}
	if _, resp, err := a.client.Server.Reboot(ctx, server); err != nil {
		return classify("reboot", resp, err)
	}
	return nil
}

// Destroy deletes a server. A server that is already gone is not an error.
func (a *Adapter) Destroy(ctx context.Context, providerMachineID string) error {
	server, err := serverRef(providerMachineID)
	if err != nil {
		return err
	}
	if _, resp, err := a.client.Server.DeleteWithResult(ctx, server); err != nil {
		derr := classify("destroy", resp, err)
		if providers.IsNotFound(derr) {
			return nil
		}
		return derr
	}
	return nil
}

// FetchStatus reads a server's status and addresses.
func (a *Adapter) FetchStatus(ctx context.Context, providerMachineID string) (engine.MachineState, error) {
	ref, err := serverRef(providerMachineID)
	if err != nil {
		return engine.MachineState{}, err
	}
	server, resp, err := a.client.Server.GetByID(ctx, ref.ID)
	if err != nil {
		return engine.MachineState{}, classify("status", resp, err)
	}
	if server == nil {
		return engine.MachineState{Status: engine.MachineStatusTerminated}, nil
	}

	state := engine.MachineState{
		Status:   mapStatus(server.Status),
		PublicIP: publicIP(server),
	}
	if len(server.PrivateNet) > 0 && server.PrivateNet[0].IP != nil {
		state.PrivateIP = server.PrivateNet[0].IP.String()
	}
	return state, nil
}

// mapStatus maps server states onto machine statuses.
func mapStatus(status hcloud.ServerStatus) engine.MachineStatus {
	switch status {
	case hcloud.ServerStatusInitializing, hcloud.ServerStatusStarting, hcloud.ServerStatusRebuilding, hcloud.ServerStatusMigrating:
		return engine.MachineStatusProvisioning
	case hcloud.ServerStatusRunning:
		return engine.MachineStatusRunning
	case hcloud.ServerStatusStopping:
		return engine.MachineStatusStopping
	case hcloud.ServerStatusOff:
		return engine.MachineStatusStopped
	case hcloud.ServerStatusDeleting:
		return engine.MachineStatusTerminating
	default:
		return engine.MachineStatusError
	}
}

func publicIP(server *hcloud.Server) string {
	if server == nil || server.PublicNet.IPv4.IP == nil || server.PublicNet.IPv4.IP.IsUnspecified() {
		return ""
	}
	return server.PublicNet.IPv4.IP.String()
}

func classify(operation string, resp *hcloud.Response, err error) *engine.DeploymentError {
	message := err.Error()
	var herr hcloud.Error
	if errors.As(err, &herr) {
		message = herr.Message
		if herr.Code == hcloud.ErrorCodeNotFound {
			return providers.ClassifyStatus(provider, operation, 404, message, err)
		}
	}
	if resp != nil && resp.Response != nil {
		return providers.ClassifyStatus(provider, operation, resp.StatusCode, message, err)
	}
	return providers.ClassifyTransport(provider, operation, err)
}

func serverRef(providerMachineID string) (*hcloud.Server, error) {
	id, err := strconv.ParseInt(providerMachineID, 10, 64)
	if err != nil {
		return nil, engine.NewPreconditionError(fmt.Sprintf("invalid server id %q", providerMachineID), err).
			WithCode(engine.ErrCodeValidation).
			WithProvider(provider)
	}
	return &hcloud.Server{ID: id}, nil
}
