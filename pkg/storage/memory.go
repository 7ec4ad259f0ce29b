package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/agentns/ans/pkg/anserr"
	"github.com/agentns/ans/pkg/models"
)

// Memory is an in-process Store backed by maps under a single RWMutex.
// It is the default backend and the one used by tests.
type Memory struct {
	mu          sync.RWMutex
	byName      map[string]*models.Agent
	byID        map[string]map[string]struct{} // agent_id -> set of ans_names
	revocations map[string]*models.RevocationEntry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byName:      make(map[string]*models.Agent),
		byID:        make(map[string]map[string]struct{}),
		revocations: make(map[string]*models.RevocationEntry),
	}
}

func (m *Memory) PutAgent(ctx context.Context, a *models.Agent) error {
	const op = "storage.Memory.PutAgent"
	if err := ctx.Err(); err != nil {
		return anserr.E(op, anserr.KindStorageError, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[a.ANSName]; ok {
		return anserr.E(op, anserr.KindAlreadyRegistered, "ans_name already registered: "+a.ANSName)
	}
	m.byName[a.ANSName] = a.Clone()
	if m.byID[a.AgentID] == nil {
		m.byID[a.AgentID] = make(map[string]struct{})
	}
	m.byID[a.AgentID][a.ANSName] = struct{}{}
	return nil
}

func (m *Memory) GetByANSName(ctx context.Context, ansName string) (*models.Agent, error) {
	const op = "storage.Memory.GetByANSName"
	if err := ctx.Err(); err != nil {
		return nil, anserr.E(op, anserr.KindStorageError, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byName[ansName]
	if !ok {
		return nil, anserr.E(op, anserr.KindNotFound, "ans_name not found: "+ansName)
	}
	return a.Clone(), nil
}

func (m *Memory) GetByID(ctx context.Context, agentID string) ([]*models.Agent, error) {
	const op = "storage.Memory.GetByID"
	if err := ctx.Err(); err != nil {
		return nil, anserr.E(op, anserr.KindStorageError, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	names, ok := m.byID[agentID]
	if !ok || len(names) == 0 {
		return nil, anserr.E(op, anserr.KindNotFound, "agent not found: "+agentID)
	}
	out := make([]*models.Agent, 0, len(names))
	for name := range names {
		out = append(out, m.byName[name].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ANSName < out[j].ANSName })
	return out, nil
}

func (m *Memory) Query(ctx context.Context, f Filter, limit int) ([]*models.Agent, error) {
	const op = "storage.Memory.Query"
	if err := ctx.Err(); err != nil {
		return nil, anserr.E(op, anserr.KindStorageError, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Agent
	for _, a := range m.byName {
		if !matches(a, f) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ANSName < out[j].ANSName })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(a *models.Agent, f Filter) bool {
	if !f.IncludeInactive && !a.IsActive {
		return false
	}
	return field(f.Protocol, a.Protocol) &&
		field(f.Capability, a.Capability) &&
		field(f.Provider, a.Provider) &&
		field(f.AgentID, a.AgentID)
}

func field(want, got string) bool {
	return want == "" || want == "*" || want == got
}

func (m *Memory) UpdateAgent(ctx context.Context, a *models.Agent) error {
	const op = "storage.Memory.UpdateAgent"
	if err := ctx.Err(); err != nil {
		return anserr.E(op, anserr.KindStorageError, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[a.ANSName]; !ok {
		return anserr.E(op, anserr.KindNotFound, "ans_name not found: "+a.ANSName)
	}
	m.byName[a.ANSName] = a.Clone()
	return nil
}

func (m *Memory) PutRevocation(ctx context.Context, e *models.RevocationEntry) error {
	const op = "storage.Memory.PutRevocation"
	if err := ctx.Err(); err != nil {
		return anserr.E(op, anserr.KindStorageError, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.revocations[e.Serial]; ok {
		return nil
	}
	cp := *e
	m.revocations[e.Serial] = &cp
	return nil
}

func (m *Memory) GetRevocation(ctx context.Context, serial string) (*models.RevocationEntry, error) {
	const op = "storage.Memory.GetRevocation"
	if err := ctx.Err(); err != nil {
		return nil, anserr.E(op, anserr.KindStorageError, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.revocations[serial]
	if !ok {
		return nil, anserr.E(op, anserr.KindNotFound, "no revocation for serial "+serial)
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) ListRevocations(ctx context.Context) ([]*models.RevocationEntry, error) {
	const op = "storage.Memory.ListRevocations"
	if err := ctx.Err(); err != nil {
		return nil, anserr.E(op, anserr.KindStorageError, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.RevocationEntry, 0, len(m.revocations))
	for _, e := range m.revocations {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}
