// Package digitalocean manages droplets through the DigitalOcean API.
package digitalocean

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/digitalocean/godo"
	"golang.org/x/oauth2"

	"github.com/cirrusops/cirrus/pkg/engine"
	"github.com/cirrusops/cirrus/pkg/providers"
)

const provider = engine.ProviderDigitalOcean

// Adapter implements engine.ProviderAdapter for DigitalOcean.
type Adapter struct {
	client *godo.Client
}

// New builds an adapter from the account's API token.
func New(_ context.Context, account engine.ProviderAccount, creds engine.Credentials) (engine.ProviderAdapter, error) {
	if creds.Token == "" {
		return nil, fmt.Errorf("digitalocean account %s has no api token", account.ID)
	}
	return NewWithClient(NewClient(creds.Token)), nil
}

// NewClient creates a godo client that does not retry on its own. Retries
// are left to the orchestrator's retry policy.
func NewClient(token string) *godo.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return godo.NewClient(oauth2.NewClient(context.Background(), ts))
}

// NewWithClient wraps an existing godo client.
func NewWithClient(client *godo.Client) *Adapter {
	return &Adapter{client: client}
}

// Type returns the provider type.
func (a *Adapter) Type() engine.ProviderType { return provider }

// CreateMachine creates a droplet. Droplets report no address until they are
// active, so the returned IP is usually empty.
//
// The droplet is tagged with its machine ID. A droplet already carrying the
// tag, left by an earlier attempt whose response was lost, is returned
// instead of creating another.
func (a *Adapter) CreateMachine(ctx context.Context, spec engine.MachineSpec) (string, string, error) {
	if spec.MachineID != "" {
		droplet, err := a.findByMachine(ctx, spec.MachineID)
		if err != nil {
			return "", "", err
		}
		if droplet != nil {
			ip, _ := droplet.PublicIPv4()
			return strconv.Itoa(droplet.ID), ip, nil
		}
	}

	req := &godo.DropletCreateRequest{
		Name:     spec.Name,
		Region:   spec.Region,
		Size:     spec.Size,
		Image:    godo.DropletCreateImage{Slug: spec.Image},
		UserData: spec.Bootstrap,
		Tags:     tagList(providers.WithMachineLabel(spec.Tags, spec.MachineID)),
	}
	for _, key := range spec.SSHKeys {
		if id, err := strconv.Atoi(key); err == nil {
			req.SSHKeys = append(req.SSHKeys, godo.DropletCreateSSHKey{ID: id})
		} else {
			req.SSHKeys = append(req.SSHKeys, godo.DropletCreateSSHKey{Fingerprint: key})
		}
	}

	droplet, _, err := a.client.Droplets.Create(ctx, req)
	if err != nil {
		return "", "", classify("create", err)
	}
	ip, _ := droplet.PublicIPv4()
	return strconv.Itoa(droplet.ID), ip, nil
}

// findByMachine returns the droplet tagged with machineID, or nil.
func (a *Adapter) findByMachine(ctx context.Context, machineID string) (*godo.Droplet, error) {
	tag := providers.MachineLabel + ":" + providers.LabelValue(machineID)
	droplets, _, err := a.client.Droplets.ListByTag(ctx, tag, &godo.ListOptions{PerPage: 2})
	if err != nil {
		return nil, classify("create", err)
	}
	if len(droplets) == 0 {
		return nil, nil
	}
	return &droplets[0], nil
}

// Reboot reboots a droplet.
func (a *Adapter) Reboot(ctx context.Context, providerMachineID string) error {
	id, err := dropletID(providerMachineID)
	if err != nil {
		return err
	}
	if _, _, err := a.client.DropletActions.Reboot(ctx, id); err != nil {
		return classify("reboot", err)
	}
	return nil
}

// Destroy deletes a droplet. A droplet that is already gone is not an error.
func (a *Adapter) Destroy(ctx context.Context, providerMachineID string) error {
	id, err := dropletID(providerMachineID)
	if err != nil {
		return err
	}
	if _, err := a.client.Droplets.Delete(ctx, id); err != nil {
		derr := classify("destroy", err)
		if providers.IsNotFound(derr) {
			return nil
		}
		return derr
	}
	return nil
}

// FetchStatus reads a droplet's status and addresses.
func (a *Adapter) FetchStatus(ctx context.Context, providerMachineID string) (engine.MachineState, error) {
	id, err := dropletID(providerMachineID)
	if err != nil {
		return engine.MachineState{}, err
	}
	droplet, _, err := a.client.Droplets.Get(ctx, id)
	if err != nil {
		derr := classify("status", err)
		if providers.IsNotFound(derr) {
			return engine.MachineState{Status: engine.MachineStatusTerminated}, nil
		}
		return engine.MachineState{}, derr
	}

	state := engine.MachineState{Status: mapStatus(droplet.Status)}
	state.PublicIP, _ = droplet.PublicIPv4()
	state.PrivateIP, _ = droplet.PrivateIPv4()
	return state, nil
}

// mapStatus maps droplet states onto machine statuses.
func mapStatus(status string) engine.MachineStatus {
	switch status {
	case "new":
		return engine.MachineStatusProvisioning
	case "active":
		return engine.MachineStatusRunning
	case "off":
		return engine.MachineStatusStopped
	case "archive":
		return engine.MachineStatusTerminated
	default:
		return engine.MachineStatusError
	}
}

func classify(operation string, err error) *engine.DeploymentError {
	var errResp *godo.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return providers.ClassifyStatus(provider, operation, errResp.Response.StatusCode, errResp.Message, err)
	}
	return providers.ClassifyTransport(provider, operation, err)
}

func dropletID(providerMachineID string) (int, error) {
	id, err := strconv.Atoi(providerMachineID)
	if err != nil {
		return 0, engine.NewPreconditionError(fmt.Sprintf("invalid droplet id %q", providerMachineID), err).
			WithCode(engine.ErrCodeValidation).
			WithProvider(provider)
	}
	return id, nil
}

// tagList renders labels as DigitalOcean "key:value" tags in a stable order.
func tagList(tags map[string]string) []string {
	if len(tags) == 0 {
		return nil
	}
	list := make([]string, 0, len(tags))
	for k, v := range tags {
		if v == "" {
			list = append(list, k)
		} else {
			list = append(list, k+":"+v)
		}
	}
	sort.Strings(list)
	return list
}
