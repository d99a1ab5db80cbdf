package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used for development mode and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	machines    map[string]*Machine
	deployments map[string]*Deployment
	logs        map[string][]LogLine
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		machines:    make(map[string]*Machine),
		deployments: make(map[string]*Deployment),
		logs:        make(map[string][]LogLine),
	}
}

// CreateMachine inserts a new machine.
func (s *MemoryStore) CreateMachine(_ context.Context, m *Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.machines[m.ID]; ok {
		return fmt.Errorf("machine already exists: %s", m.ID)
	}
	s.machines[m.ID] = m.Clone()
	return nil
}

// GetMachine returns a machine owned by the tenant.
func (s *MemoryStore) GetMachine(_ context.Context, tenantID, machineID string) (*Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.machines[machineID]
	if !ok || (tenantID != "" && m.TenantID != tenantID) {
		return nil, fmt.Errorf("machine %s: %w", machineID, ErrNotFound)
	}
	return m.Clone(), nil
}

// UpdateMachine replaces a machine record.
func (s *MemoryStore) UpdateMachine(_ context.Context, m *Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.machines[m.ID]; !ok {
		return fmt.Errorf("machine %s: %w", m.ID, ErrNotFound)
	}
	s.machines[m.ID] = m.Clone()
	return nil
}

// ListMachines returns the tenant's machines ordered by creation time.
func (s *MemoryStore) ListMachines(_ context.Context, tenantID string) ([]*Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Machine
	for _, m := range s.machines {
		if tenantID == "" || m.TenantID == tenantID {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CreateDeployment inserts a new deployment.
func (s *MemoryStore) CreateDeployment(_ context.Context, d *Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deployments[d.ID]; ok {
		return fmt.Errorf("deployment already exists: %s", d.ID)
	}
	s.deployments[d.ID] = d.Clone()
	return nil
}

// GetDeployment returns a deployment owned by the tenant.
func (s *MemoryStore) GetDeployment(_ context.Context, tenantID, deploymentID string) (*Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deployments[deploymentID]
	if !ok || (tenantID != "" && d.TenantID != tenantID) {
		return nil, fmt.Errorf("deployment %s: %w", deploymentID, ErrNotFound)
	}
	return d.Clone(), nil
}

// UpdateDeployment replaces a deployment record.
func (s *MemoryStore) UpdateDeployment(_ context.Context, d *Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deployments[d.ID]; !ok {
		return fmt.Errorf("deployment %s: %w", d.ID, ErrNotFound)
	}
	s.deployments[d.ID] = d.Clone()
	return nil
}

// ListDeployments returns matching deployments, newest first.
func (s *MemoryStore) ListDeployments(_ context.Context, tenantID string, filter DeploymentFilter) ([]*Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Deployment
	for _, d := range s.deployments {
		if tenantID != "" && d.TenantID != tenantID {
			continue
		}
		if filter.MachineID != "" && d.MachineID != filter.MachineID {
			continue
		}
		if filter.ActiveOnly && d.State.IsTerminal() {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AppendLog stores one log line.
func (s *MemoryStore) AppendLog(_ context.Context, deploymentID string, line LogLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[deploymentID] = append(s.logs[deploymentID], line)
	return nil
}

// ReadLogs returns up to limit lines after the cursor.
func (s *MemoryStore) ReadLogs(_ context.Context, deploymentID string, after int64, limit int) ([]LogLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := s.logs[deploymentID]
	i := sort.Search(len(lines), func(i int) bool { return lines[i].Cursor > after })
	end := len(lines)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	return append([]LogLine(nil), lines[i:end]...), nil
}
