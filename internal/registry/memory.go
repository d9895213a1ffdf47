package registry

import (
	"context"
	"sync"
	"time"

	"github.com/nestgraph/nestgraph/internal/errdefs"
	"github.com/nestgraph/nestgraph/internal/ident"
)

// now is a clock hook for tests.
var now = time.Now

// Memory is an in-process Client for tests and single-node deployments.
type Memory struct {
	mu        sync.RWMutex
	owners    map[ident.GraphID]string
	instances map[string]*Instance
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		owners:    make(map[ident.GraphID]string),
		instances: make(map[string]*Instance),
	}
}

func (m *Memory) Get(ctx context.Context, graphID ident.GraphID) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	instanceID, ok := m.owners[graphID]
	if !ok {
		return nil, errdefs.ErrNotFound
	}
	inst, ok := m.instances[instanceID]
	if !ok {
		return nil, errdefs.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *Memory) Put(ctx context.Context, graphID ident.GraphID, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.owners[graphID] = instanceID
	if inst, ok := m.instances[instanceID]; ok {
		inst.GraphIDs = appendUnique(inst.GraphIDs, graphID.String())
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, graphID ident.GraphID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	instanceID, ok := m.owners[graphID]
	if ok {
		delete(m.owners, graphID)
		if inst, exists := m.instances[instanceID]; exists {
			inst.GraphIDs = remove(inst.GraphIDs, graphID.String())
		}
	}
	return nil
}

func (m *Memory) ListInstances(ctx context.Context) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) Heartbeat(ctx context.Context, instanceID string, metrics Metrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID]
	if !ok {
		return errdefs.ErrNotFound
	}
	inst.LastHeartbeat = now()
	inst.CPUPercent = metrics.CPUPercent
	inst.MemoryPercent = metrics.MemoryPercent
	inst.DatabaseCount = metrics.DatabaseCount
	return nil
}

func (m *Memory) RegisterInstance(ctx context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *inst
	if cp.LastHeartbeat.IsZero() {
		cp.LastHeartbeat = now()
	}
	m.instances[inst.ID] = &cp
	return nil
}

func (m *Memory) DeregisterInstance(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.instances, instanceID)
	for graphID, owner := range m.owners {
		if owner == instanceID {
			delete(m.owners, graphID)
		}
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, existing := range list {
		if existing != v {
			out = append(out, existing)
		}
	}
	return out
}

var _ Client = (*Memory)(nil)
