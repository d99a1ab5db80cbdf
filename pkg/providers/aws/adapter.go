// Package aws manages EC2 instances.
//
// Instances are regional, so the provider machine ID has the form
// "<region>/<instance-id>". A bare instance ID is looked up in the
// account's default region.
package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/cirrusops/cirrus/pkg/engine"
	"github.com/cirrusops/cirrus/pkg/providers"
)

const provider = engine.ProviderAWS

// transientCodes are EC2 error codes worth retrying regardless of HTTP status.
var transientCodes = map[string]string{
	"RequestLimitExceeded":         engine.ErrCodeRateLimited,
	"Throttling":                   engine.ErrCodeRateLimited,
	"InsufficientInstanceCapacity": engine.ErrCodeProviderFailed,
	"InternalError":                engine.ErrCodeProviderFailed,
	"Unavailable":                  engine.ErrCodeProviderFailed,
	"RequestTimeout":               engine.ErrCodeTimeout,
}

// Adapter implements engine.ProviderAdapter for EC2.
type Adapter struct {
	client *ec2.Client
	region string
}

// New builds an adapter from static access keys. The SDK's own retryer is
// disabled; the orchestrator's retry policy handles transient failures.
func New(ctx context.Context, account engine.ProviderAccount, creds engine.Credentials) (engine.ProviderAdapter, error) {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, fmt.Errorf("aws account %s has no access keys", account.ID)
	}
	if creds.Region == "" {
		return nil, fmt.Errorf("aws account %s has no default region", account.ID)
	}
	return NewAdapter(ctx, creds, "")
}

// NewAdapter builds an adapter, optionally against a custom endpoint.
func NewAdapter(ctx context.Context, creds engine.Credentials, endpoint string) (*Adapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(creds.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
		)),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := ec2.NewFromConfig(cfg, func(o *ec2.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Adapter{client: client, region: creds.Region}, nil
}

// Type returns the provider type.
func (a *Adapter) Type() engine.ProviderType { return provider }

// CreateMachine launches one instance. Only the first SSH key is used since
// EC2 accepts a single key pair name. The client token is derived from the
// machine ID, so EC2 answers a retried launch with the instance the first
// attempt started.
func (a *Adapter) CreateMachine(ctx context.Context, spec engine.MachineSpec) (string, string, error) {
	region := spec.Region
	if region == "" {
		region = a.region
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.Image),
		InstanceType: types.InstanceType(spec.Size),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags(spec),
		}},
	}
	if spec.MachineID != "" {
		input.ClientToken = aws.String(providers.ClientToken(spec.MachineID))
	}
	if len(spec.SSHKeys) > 0 {
		input.KeyName = aws.String(spec.SSHKeys[0])
	}
	if spec.Bootstrap != "" && spec.BootstrapKind != "ssh-script" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(spec.Bootstrap)))
	}

	out, err := a.client.RunInstances(ctx, input, withRegion(region))
	if err != nil {
		return "", "", classify("create", err)
	}
	if len(out.Instances) == 0 {
		return "", "", engine.NewPermanentError("run instances returned no instance", nil).
			WithCode(engine.ErrCodeProviderFailed).
			WithProvider(provider).
			WithOperation("create")
	}
	instance := out.Instances[0]
	return region + "/" + aws.ToString(instance.InstanceId), aws.ToString(instance.PublicIpAddress), nil
}

// Reboot reboots an instance.
func (a *Adapter) Reboot(ctx context.Context, providerMachineID string) error {
	region, id := a.splitID(providerMachineID)
	_, err := a.client.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: []string{id}}, withRegion(region))
	if err != nil {
		return classify("reboot", err)
	}
	return nil
}

// Destroy terminates an instance. An instance that is already gone is not an error.
func (a *Adapter) Destroy(ctx context.Context, providerMachineID string) error {
	region, id := a.splitID(providerMachineID)
	_, err := a.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}}, withRegion(region))
	if err != nil {
		derr := classify("destroy", err)
		if providers.IsNotFound(derr) {
			return nil
		}
		return derr
	}
	return nil
}

// FetchStatus reads an instance's state and addresses.
func (a *Adapter) FetchStatus(ctx context.Context, providerMachineID string) (engine.MachineState, error) {
	region, id := a.splitID(providerMachineID)
	out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, withRegion(region))
	if err != nil {
		derr := classify("status", err)
		if providers.IsNotFound(derr) {
			return engine.MachineState{Status: engine.MachineStatusTerminated}, nil
		}
		return engine.MachineState{}, derr
	}

	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			if aws.ToString(instance.InstanceId) != id {
				continue
			}
			state := engine.MachineState{
				Status:    engine.MachineStatusError,
				PublicIP:  aws.ToString(instance.PublicIpAddress),
				PrivateIP: aws.ToString(instance.PrivateIpAddress),
			}
			if instance.State != nil {
				state.Status = mapStatus(instance.State.Name)
			}
			return state, nil
		}
	}
	return engine.MachineState{Status: engine.MachineStatusTerminated}, nil
}

// mapStatus maps instance states onto machine statuses.
func mapStatus(name types.InstanceStateName) engine.MachineStatus {
	switch name {
	case types.InstanceStateNamePending:
		return engine.MachineStatusProvisioning
	case types.InstanceStateNameRunning:
		return engine.MachineStatusRunning
	case types.InstanceStateNameStopping:
		return engine.MachineStatusStopping
	case types.InstanceStateNameStopped:
		return engine.MachineStatusStopped
	case types.InstanceStateNameShuttingDown:
		return engine.MachineStatusTerminating
	case types.InstanceStateNameTerminated:
		return engine.MachineStatusTerminated
	default:
		return engine.MachineStatusError
	}
}

// tags converts labels to EC2 tags, with Name set from the machine name.
func tags(spec engine.MachineSpec) []types.Tag {
	out := []types.Tag{{Key: aws.String("Name"), Value: aws.String(spec.Name)}}
	labels := providers.WithMachineLabel(spec.Tags, spec.MachineID)
	keys := make([]string, 0, len(labels))
	for k := range labels {
		if k != "Name" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(labels[k])})
	}
	return out
}

func classify(operation string, err error) *engine.DeploymentError {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return providers.ClassifyTransport(provider, operation, err)
	}

	code := apiErr.ErrorCode()
	message := code + ": " + apiErr.ErrorMessage()
	switch {
	case strings.HasSuffix(code, ".NotFound"):
		return engine.NewPermanentError(message, err).
			WithCode(engine.ErrCodeNotFound).
			WithProvider(provider).
			WithOperation(operation)
	case transientCodes[code] != "":
		return engine.NewTransientError(message, err).
			WithCode(transientCodes[code]).
			WithProvider(provider).
			WithOperation(operation)
	case code == "AuthFailure" || code == "UnauthorizedOperation":
		return engine.NewPermanentError(message, err).
			WithCode(engine.ErrCodeAccountInvalid).
			WithProvider(provider).
			WithOperation(operation)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return providers.ClassifyStatus(provider, operation, respErr.HTTPStatusCode(), message, err)
	}
	return engine.NewPermanentError(message, err).
		WithCode(engine.ErrCodeProviderFailed).
		WithProvider(provider).
		WithOperation(operation)
}

func (a *Adapter) splitID(providerMachineID string) (string, string) {
	if region, id, ok := strings.Cut(providerMachineID, "/"); ok {
		return region, id
	}
	return a.region, providerMachineID
}

func withRegion(region string) func(*ec2.Options) {
	return func(o *ec2.Options) {
		if region != "" {
			o.Region = region
		}
	}
}
