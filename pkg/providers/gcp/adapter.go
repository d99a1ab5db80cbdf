// Package gcp manages Compute Engine instances.
//
// Compute Engine instances are addressed by zone and name, so the provider
// machine ID has the form "<zone>/<name>".
package gcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/cirrusops/cirrus/pkg/engine"
	"github.com/cirrusops/cirrus/pkg/providers"
)

const provider = engine.ProviderGCP

// Adapter implements engine.ProviderAdapter for Compute Engine.
type Adapter struct {
	service *compute.Service
	project string
}

// New builds an adapter from a service account key.
func New(ctx context.Context, account engine.ProviderAccount, creds engine.Credentials) (engine.ProviderAdapter, error) {
	if len(creds.ServiceAccountJSON) == 0 {
		return nil, fmt.Errorf("gcp account %s has no service account key", account.ID)
	}
	if creds.ProjectID == "" {
		return nil, fmt.Errorf("gcp account %s has no project id", account.ID)
	}
	return NewAdapter(ctx, creds.ProjectID, option.WithCredentialsJSON(creds.ServiceAccountJSON))
}

// NewAdapter creates a compute client for a project with explicit client options.
func NewAdapter(ctx context.Context, project string, opts ...option.ClientOption) (*Adapter, error) {
	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute client: %w", err)
	}
	return &Adapter{service: service, project: project}, nil
}

// Type returns the provider type.
func (a *Adapter) Type() engine.ProviderType { return provider }

// CreateMachine inserts an instance with an ephemeral external address in
// the zone given as spec region.
//
// The insert carries a request ID derived from the machine ID, and an
// "already exists" answer for an instance labelled with the same machine is
// treated as success, so a retried create never fails on its own instance.
func (a *Adapter) CreateMachine(ctx context.Context, spec engine.MachineSpec) (string, string, error) {
	zone := spec.Region
	instance := &compute.Instance{
		Name:        spec.Name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", zone, spec.Size),
		Labels:      providers.WithMachineLabel(spec.Tags, spec.MachineID),
		Disks: []*compute.AttachedDisk{{
			Boot:       true,
			AutoDelete: true,
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: spec.Image,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{{
			Network: "global/networks/default",
			AccessConfigs: []*compute.AccessConfig{{
				Name: "External NAT",
				Type: "ONE_TO_ONE_NAT",
			}},
		}},
		Metadata: metadata(spec),
	}

	call := a.service.Instances.Insert(a.project, zone, instance).Context(ctx)
	if spec.MachineID != "" {
		call = call.RequestId(providers.RequestID(spec.MachineID))
	}
	if _, err := call.Do(); err != nil {
		var apiErr *googleapi.Error
		if spec.MachineID != "" && errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
			return a.adoptExisting(ctx, zone, spec, classify("create", err))
		}
		return "", "", classify("create", err)
	}
	return zone + "/" + spec.Name, "", nil
}

// adoptExisting returns the instance named spec.Name when it belongs to the
// same machine, and conflict otherwise.
func (a *Adapter) adoptExisting(ctx context.Context, zone string, spec engine.MachineSpec, conflict error) (string, string, error) {
	existing, err := a.service.Instances.Get(a.project, zone, spec.Name).Context(ctx).Do()
	if err != nil {
		return "", "", classify("create", err)
	}
	if existing.Labels[providers.MachineLabel] != providers.LabelValue(spec.MachineID) {
		return "", "", conflict
	}
	var ip string
	if len(existing.NetworkInterfaces) > 0 && len(existing.NetworkInterfaces[0].AccessConfigs) > 0 {
		ip = existing.NetworkInterfaces[0].AccessConfigs[0].NatIP
	}
	return zone + "/" + spec.Name, ip, nil
}

// Reboot resets an instance.
func (a *Adapter) Reboot(ctx context.Context, providerMachineID string) error {
	zone, name, err := splitID(providerMachineID)
	if err != nil {
		return err
	}
	if _, err := a.service.Instances.Reset(a.project, zone, name).Context(ctx).Do(); err != nil {
		return classify("reboot", err)
	}
	return nil
}

// Destroy deletes an instance. An instance that is already gone is not an error.
func (a *Adapter) Destroy(ctx context.Context, providerMachineID string) error {
	zone, name, err := splitID(providerMachineID)
	if err != nil {
		return err
	}
	if _, err := a.service.Instances.Delete(a.project, zone, name).Context(ctx).Do(); err != nil {
		derr := classify("destroy", err)
		if providers.IsNotFound(derr) {
			return nil
		}
		return derr
	}
	return nil
}

// FetchStatus reads an instance's status and addresses.
func (a *Adapter) FetchStatus(ctx context.Context, providerMachineID string) (engine.MachineState, error) {
	zone, name, err := splitID(providerMachineID)
	if err != nil {
		return engine.MachineState{}, err
	}
	instance, err := a.service.Instances.Get(a.project, zone, name).Context(ctx).Do()
	if err != nil {
		derr := classify("status", err)
		if providers.IsNotFound(derr) {
			return engine.MachineState{Status: engine.MachineStatusTerminated}, nil
		}
		return engine.MachineState{}, derr
	}

	state := engine.MachineState{Status: mapStatus(instance.Status)}
	if len(instance.NetworkInterfaces) > 0 {
		nic := instance.NetworkInterfaces[0]
		state.PrivateIP = nic.NetworkIP
		if len(nic.AccessConfigs) > 0 {
			state.PublicIP = nic.AccessConfigs[0].NatIP
		}
	}
	return state, nil
}

// mapStatus maps instance states onto machine statuses. Compute Engine reports
// a stopped instance as TERMINATED.
func mapStatus(status string) engine.MachineStatus {
	switch status {
	case "PROVISIONING", "STAGING":
		return engine.MachineStatusProvisioning
	case "RUNNING":
		return engine.MachineStatusRunning
	case "STOPPING", "SUSPENDING":
		return engine.MachineStatusStopping
	case "STOPPED", "SUSPENDED", "TERMINATED":
		return engine.MachineStatusStopped
	default:
		return engine.MachineStatusError
	}
}

// metadata carries bootstrap user data and SSH keys in instance metadata.
func metadata(spec engine.MachineSpec) *compute.Metadata {
	var items []*compute.MetadataItems
	if spec.Bootstrap != "" && spec.BootstrapKind != "ssh-script" {
		value := spec.Bootstrap
		items = append(items, &compute.MetadataItems{Key: "user-data", Value: &value})
	}
	if len(spec.SSHKeys) > 0 {
		keys := append([]string(nil), spec.SSHKeys...)
		sort.Strings(keys)
		value := strings.Join(keys, "\n")
		items = append(items, &compute.MetadataItems{Key: "ssh-keys", Value: &value})
	}
	if len(items) == 0 {
		return nil
	}
	return &compute.Metadata{Items: items}
}

func classify(operation string, err error) *engine.DeploymentError {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return providers.ClassifyStatus(provider, operation, apiErr.Code, apiErr.Message, err)
	}
	return providers.ClassifyTransport(provider, operation, err)
}

func splitID(providerMachineID string) (string, string, error) {
	zone, name, ok := strings.Cut(providerMachineID, "/")
	if !ok || zone == "" || name == "" {
		return "", "", engine.NewPreconditionError(fmt.Sprintf("invalid instance id %q, expected zone/name", providerMachineID), nil).
			WithCode(engine.ErrCodeValidation).
			WithProvider(provider)
	}
	return zone, name, nil
}
