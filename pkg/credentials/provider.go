package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cirrusops/cirrus/pkg/engine"
)

// AccountConfig declares a provider account. Secrets are never written in the
// config file; the *_env fields name the environment variables that hold
// them and the *_file fields name files to read.
type AccountConfig struct {
	// ID is the account identifier machines refer to.
	ID string `yaml:"id" validate:"required"`

	// TenantID owns the account. Empty shares the account with every tenant.
	TenantID string `yaml:"tenant_id"`

	// Provider is the cloud the account belongs to.
	Provider engine.ProviderType `yaml:"provider" validate:"required,oneof=digitalocean aws gcp hetzner"`

	// Status forces the credential status. Empty derives it from Verify.
	Status engine.CredentialStatus `yaml:"status" validate:"omitempty,oneof=valid invalid unchecked"`

	TokenEnv        string `yaml:"token_env"`
	AccessKeyEnv    string `yaml:"access_key_env"`
	SecretKeyEnv    string `yaml:"secret_key_env"`
	SessionTokenEnv string `yaml:"session_token_env"`

	// CredentialsFile is a GCP service account key.
	CredentialsFile string `yaml:"credentials_file"`

	Region    string `yaml:"region"`
	ProjectID string `yaml:"project_id"`

	SSHUser    string `yaml:"ssh_user"`
	SSHKeyFile string `yaml:"ssh_key_file"`
}

// Store persists account records and their credential status.
type Store interface {
	UpsertAccount(ctx context.Context, account *engine.ProviderAccount) error
	GetAccount(ctx context.Context, accountID string) (*engine.ProviderAccount, error)
}

// CheckFunc verifies credentials against the provider. A nil CheckFunc only
// checks that the secrets the provider needs are present.
type CheckFunc func(ctx context.Context, account engine.ProviderAccount, creds engine.Credentials) error

// StaticProvider serves accounts declared in configuration. Credential
// status lives in the store when one is given, so operators can revoke an
// account without a restart.
type StaticProvider struct {
	accounts map[string]AccountConfig
	store    Store
	logger   zerolog.Logger

	lookupEnv func(string) (string, bool)
	readFile  func(string) ([]byte, error)

	mu     sync.RWMutex
	status map[string]engine.CredentialStatus
}

var _ engine.CredentialProvider = (*StaticProvider)(nil)

// NewStaticProvider creates a provider for accounts. store may be nil.
func NewStaticProvider(accounts []AccountConfig, store Store, logger zerolog.Logger) (*StaticProvider, error) {
	p := &StaticProvider{
		accounts:  make(map[string]AccountConfig, len(accounts)),
		store:     store,
		logger:    logger.With().Str("component", "credentials").Logger(),
		lookupEnv: os.LookupEnv,
		readFile:  os.ReadFile,
		status:    make(map[string]engine.CredentialStatus, len(accounts)),
	}

	for _, acct := range accounts {
		if acct.ID == "" {
			return nil, errors.New("account id is required")
		}
		if err := acct.Provider.Validate(); err != nil {
			return nil, fmt.Errorf("account %s: %w", acct.ID, err)
		}
		if _, dup := p.accounts[acct.ID]; dup {
			return nil, fmt.Errorf("duplicate account %s", acct.ID)
		}
		p.accounts[acct.ID] = acct
		p.status[acct.ID] = engine.CredentialStatusUnchecked
	}

	return p, nil
}

// IDs returns the configured account IDs in sorted order.
func (p *StaticProvider) IDs() []string {
	ids := make([]string, 0, len(p.accounts))
	for id := range p.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Account implements engine.CredentialProvider.
func (p *StaticProvider) Account(ctx context.Context, accountID string) (*engine.ProviderAccount, error) {
	acct, ok := p.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("provider account %s: %w", accountID, engine.ErrNotFound)
	}

	account := &engine.ProviderAccount{
		ID:               acct.ID,
		TenantID:         acct.TenantID,
		ProviderType:     acct.Provider,
		CredentialStatus: p.currentStatus(accountID),
	}

	if p.store != nil && acct.Status == "" {
		stored, err := p.store.GetAccount(ctx, accountID)
		switch {
		case err == nil:
			account.CredentialStatus = stored.CredentialStatus
		case !errors.Is(err, engine.ErrNotFound):
			return nil, err
		}
	}
	return account, nil
}

// Resolve implements engine.CredentialProvider.
func (p *StaticProvider) Resolve(_ context.Context, accountID string) (engine.Credentials, error) {
	acct, ok := p.accounts[accountID]
	if !ok {
		return engine.Credentials{}, fmt.Errorf("provider account %s: %w", accountID, engine.ErrNotFound)
	}

	var (
		creds   engine.Credentials
		missing []string
	)
	env := func(name string, required bool) string {
		if name == "" {
			if required {
				missing = append(missing, "environment variable name")
			}
			return ""
		}
		v, ok := p.lookupEnv(name)
		if (!ok || v == "") && required {
			missing = append(missing, name)
		}
		return v
	}

	switch acct.Provider {
	case engine.ProviderDigitalOcean, engine.ProviderHetzner:
		creds.Token = env(acct.TokenEnv, true)
	case engine.ProviderAWS:
		// Without static keys the SDK's default chain is used.
		if acct.AccessKeyEnv != "" || acct.SecretKeyEnv != "" {
			creds.AccessKeyID = env(acct.AccessKeyEnv, true)
			creds.SecretAccessKey = env(acct.SecretKeyEnv, true)
			creds.SessionToken = env(acct.SessionTokenEnv, false)
		}
	case engine.ProviderGCP:
		if acct.ProjectID == "" {
			missing = append(missing, "project_id")
		}
		if acct.CredentialsFile != "" {
			data, err := p.readFile(acct.CredentialsFile)
			if err != nil {
				return engine.Credentials{}, fmt.Errorf("account %s: failed to read credentials file: %w", accountID, err)
			}
			creds.ServiceAccountJSON = data
		}
	}

	if len(missing) > 0 {
		return engine.Credentials{}, fmt.Errorf("account %s: missing %s", accountID, strings.Join(missing, ", "))
	}

	creds.Region = acct.Region
	creds.ProjectID = acct.ProjectID
	creds.SSHUser = acct.SSHUser
	if acct.SSHKeyFile != "" {
		key, err := p.readFile(acct.SSHKeyFile)
		if err != nil {
			return engine.Credentials{}, fmt.Errorf("account %s: failed to read ssh key: %w", accountID, err)
		}
		creds.SSHPrivateKey = key
	}
	return creds, nil
}

// Verify resolves every account, runs check on it and records the resulting
// status. Accounts with a forced status are recorded as configured. It
// returns the number of accounts found invalid.
func (p *StaticProvider) Verify(ctx context.Context, check CheckFunc) (int, error) {
	invalid := 0
	for _, id := range p.IDs() {
		acct := p.accounts[id]
		status := acct.Status

		if status == "" {
			status = engine.CredentialStatusValid
			creds, err := p.Resolve(ctx, id)
			if err == nil && check != nil {
				err = check(ctx, engine.ProviderAccount{ID: id, TenantID: acct.TenantID, ProviderType: acct.Provider}, creds)
			}
			if err != nil {
				status = engine.CredentialStatusInvalid
				p.logger.Warn().Err(err).Str("account_id", id).Msg("Provider account credentials are invalid")
			}
		}
		if status == engine.CredentialStatusInvalid {
			invalid++
		}

		if err := p.record(ctx, acct, status); err != nil {
			return invalid, err
		}
	}
	return invalid, nil
}

// SetStatus records a credential status for an account, for example after the
// provider rejected its credentials.
func (p *StaticProvider) SetStatus(ctx context.Context, accountID string, status engine.CredentialStatus) error {
	if err := status.Validate(); err != nil {
		return err
	}
	acct, ok := p.accounts[accountID]
	if !ok {
		return fmt.Errorf("provider account %s: %w", accountID, engine.ErrNotFound)
	}
	return p.record(ctx, acct, status)
}

func (p *StaticProvider) record(ctx context.Context, acct AccountConfig, status engine.CredentialStatus) error {
	p.mu.Lock()
	p.status[acct.ID] = status
	p.mu.Unlock()

	if p.store == nil {
		return nil
	}
	err := p.store.UpsertAccount(ctx, &engine.ProviderAccount{
		ID:               acct.ID,
		TenantID:         acct.TenantID,
		ProviderType:     acct.Provider,
		CredentialStatus: status,
	})
	if err != nil {
		return fmt.Errorf("failed to record account %s: %w", acct.ID, err)
	}
	return nil
}

func (p *StaticProvider) currentStatus(accountID string) engine.CredentialStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if acct := p.accounts[accountID]; acct.Status != "" {
		return acct.Status
	}
	return p.status[accountID]
}
