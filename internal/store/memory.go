package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/finrisklabs/finrisk/internal/checkpoint"
	"github.com/finrisklabs/finrisk/internal/study"
)

// MemoryStore keeps everything in process memory behind one lock. Reads
// and writes exchange deep copies, so callers can never alias rows.
type MemoryStore struct {
	mu sync.RWMutex

	definitions   map[string]*checkpoint.Definition
	controlTypes  map[string]string // control_type -> definition id
	instances     map[string]*checkpoint.Instance
	instanceByKey map[string]string // task_id + definition_id -> instance id

	participants map[string]*study.Participant
	sessions     map[string]*study.Session
	tasks        map[string]*study.Task
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions:   make(map[string]*checkpoint.Definition),
		controlTypes:  make(map[string]string),
		instances:     make(map[string]*checkpoint.Instance),
		instanceByKey: make(map[string]string),
		participants:  make(map[string]*study.Participant),
		sessions:      make(map[string]*study.Session),
		tasks:         make(map[string]*study.Task),
	}
}

func instanceKey(taskID, definitionID string) string {
	return taskID + "\x00" + definitionID
}

func (m *MemoryStore) CreateDefinition(_ context.Context, d *checkpoint.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.controlTypes[d.ControlType]; exists {
		return checkpoint.ErrDuplicateControlType
	}
	m.definitions[d.ID] = d.Clone()
	m.controlTypes[d.ControlType] = d.ID
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, id string) (*checkpoint.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.definitions[id]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) GetDefinitionByControlType(_ context.Context, controlType string) (*checkpoint.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.controlTypes[controlType]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return m.definitions[id].Clone(), nil
}

func (m *MemoryStore) ListDefinitions(_ context.Context, filter checkpoint.DefinitionFilter) ([]*checkpoint.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*checkpoint.Definition, 0, len(m.definitions))
	for _, d := range m.definitions {
		if filter.Position != "" && d.PipelinePosition != filter.Position {
			continue
		}
		if filter.EnabledOnly && !d.Enabled {
			continue
		}
		if filter.Mode != "" && !d.AppliesTo(filter.Mode) {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return lessDefinitions(out[i], out[j]) })
	return out, nil
}

// lessDefinitions orders by (pipeline_position, sort_order, created_at),
// position compared as text so SQL and memory stores agree.
func lessDefinitions(a, b *checkpoint.Definition) bool {
	if a.PipelinePosition != b.PipelinePosition {
		return a.PipelinePosition < b.PipelinePosition
	}
	if a.SortOrder != b.SortOrder {
		return a.SortOrder < b.SortOrder
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *MemoryStore) UpdateDefinition(_ context.Context, d *checkpoint.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.definitions[d.ID]
	if !ok {
		return checkpoint.ErrNotFound
	}
	if otherID, exists := m.controlTypes[d.ControlType]; exists && otherID != d.ID {
		return checkpoint.ErrDuplicateControlType
	}
	if prev.ControlType != d.ControlType {
		delete(m.controlTypes, prev.ControlType)
		m.controlTypes[d.ControlType] = d.ID
	}
	m.definitions[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) CreateInstance(_ context.Context, inst *checkpoint.Instance) (*checkpoint.Instance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := instanceKey(inst.TaskID, inst.DefinitionID)
	if existingID, ok := m.instanceByKey[key]; ok {
		return m.instances[existingID].Clone(), false, nil
	}
	m.instances[inst.ID] = inst.Clone()
	m.instanceByKey[key] = inst.ID
	return inst.Clone(), true, nil
}

func (m *MemoryStore) GetInstance(_ context.Context, id string) (*checkpoint.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return inst.Clone(), nil
}

func (m *MemoryStore) FindInstance(_ context.Context, taskID, definitionID string) (*checkpoint.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.instanceByKey[instanceKey(taskID, definitionID)]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return m.instances[id].Clone(), nil
}

func (m *MemoryStore) ListInstances(_ context.Context, taskID string) ([]*checkpoint.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*checkpoint.Instance
	for _, inst := range m.instances {
		if inst.TaskID == taskID {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) UpdateInstance(_ context.Context, inst *checkpoint.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.ID]; !ok {
		return checkpoint.ErrNotFound
	}
	m.instances[inst.ID] = inst.Clone()
	return nil
}

func (m *MemoryStore) CountRecentExhaustedFailures(_ context.Context, definitionID string, cutoff time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, inst := range m.instances {
		if inst.DefinitionID != definitionID || !inst.RetriesExhausted() {
			continue
		}
		// Validation failures never consume an attempt, so rows that sit
		// at zero attempts are not terminal failures even when
		// max_retries is zero.
		if inst.AttemptCount == 0 {
			continue
		}
		if inst.FailedAt != nil && !inst.FailedAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CreateParticipant(_ context.Context, p *study.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) GetParticipant(_ context.Context, id string) (*study.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[id]
	if !ok {
		return nil, study.ErrParticipantNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s *study.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*study.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, study.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, s *study.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return study.ErrSessionNotFound
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) CreateTask(_ context.Context, t *study.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*study.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, study.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, t *study.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return study.ErrTaskNotFound
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) CurrentTask(_ context.Context, sessionID string, phase int) (*study.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *study.Task
	for _, t := range m.tasks {
		if t.SessionID != sessionID || t.Phase != phase {
			continue
		}
		if latest == nil || t.StartedAt.After(latest.StartedAt) ||
			(t.StartedAt.Equal(latest.StartedAt) && t.ID > latest.ID) {
			latest = t
		}
	}
	if latest == nil {
		return nil, study.ErrTaskNotFound
	}
	return latest.Clone(), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
