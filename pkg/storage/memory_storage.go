package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leadflow/leadflow/pkg/models"
	"github.com/pkg/errors"
)

type memoryEntity struct {
	fields map[string]any
	tags   []string
}

// MemoryStore implements Store in process memory. It backs unit tests,
// the example program and single-process CLI runs.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  []models.Workflow
	executions []models.WorkflowExecution
	logs       []models.ActionLog
	entities   map[models.EntityKind]map[string]*memoryEntity
	nextID     int64 // For workflow IDs
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: map[models.EntityKind]map[string]*memoryEntity{
			models.OrganizationEntity: {},
			models.SubscriptionEntity: {},
			models.LeadEntity:         {},
		},
	}
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) SaveWorkflow(_ context.Context, wf models.Workflow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	wf.ID = m.nextID
	now := time.Now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	wf.Actions = slices.Clone(wf.Actions)
	m.workflows = append(m.workflows, wf)
	return wf.ID, nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id int64) (models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, wf := range m.workflows {
		if wf.ID == id {
			wf.Actions = slices.Clone(wf.Actions)
			return wf, nil
		}
	}
	return models.Workflow{}, ErrNotFound
}

func (m *MemoryStore) ListWorkflows(_ context.Context) ([]models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Workflow, 0, len(m.workflows))
	for i := len(m.workflows) - 1; i >= 0; i-- {
		out = append(out, m.workflows[i])
	}
	return out, nil
}

func (m *MemoryStore) SetWorkflowActive(_ context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, wf := range m.workflows {
		if wf.ID == id {
			m.workflows[i].IsActive = active
			m.workflows[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) CreateExecution(_ context.Context, e models.WorkflowExecution) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.NewString()
	e.TriggerData = e.TriggerData.Clone()
	m.executions = append(m.executions, e)
	return e.ID, nil
}

func (m *MemoryStore) CompleteExecution(_ context.Context, id string, status models.ExecutionStatus, result []byte, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.executions {
		if e.ID == id {
			now := time.Now()
			m.executions[i].Status = status
			m.executions[i].Result = slices.Clone(result)
			m.executions[i].ErrorMessage = errorMsg
			m.executions[i].CompletedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (models.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.executions {
		if e.ID == id {
			return e, nil
		}
	}
	return models.WorkflowExecution{}, ErrNotFound
}

func (m *MemoryStore) ListExecutions(_ context.Context, workflowID int64, limit int) ([]models.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.WorkflowExecution{}
	for i := len(m.executions) - 1; i >= 0; i-- {
		if m.executions[i].WorkflowID != workflowID {
			continue
		}
		out = append(out, m.executions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateActionLog(_ context.Context, l models.ActionLog) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.logs {
		if existing.ExecutionID == l.ExecutionID && existing.ActionIndex == l.ActionIndex {
			return "", errors.Errorf("action log %d already exists for execution %s", l.ActionIndex, l.ExecutionID)
		}
	}
	l.ID = uuid.NewString()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	m.logs = append(m.logs, l)
	return l.ID, nil
}

func (m *MemoryStore) CompleteActionLog(_ context.Context, id string, status models.ActionLogStatus, result []byte, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.logs {
		if l.ID == id {
			now := time.Now()
			m.logs[i].Status = status
			m.logs[i].Result = slices.Clone(result)
			m.logs[i].ErrorMessage = errorMsg
			m.logs[i].CompletedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) ListActionLogs(_ context.Context, executionID string) ([]models.ActionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.ActionLog{}
	for _, l := range m.logs {
		if l.ExecutionID == executionID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionIndex < out[j].ActionIndex })
	return out, nil
}

// PutEntity creates or replaces an entity record.
func (m *MemoryStore) PutEntity(kind models.EntityKind, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.entities[kind]
	if !ok {
		return errors.Errorf("unknown entity kind %q", kind)
	}
	e := &memoryEntity{fields: map[string]any{}}
	for k, v := range fields {
		if k == "tags" {
			if tags, ok := v.([]string); ok {
				e.tags = slices.Clone(tags)
				continue
			}
		}
		e.fields[k] = v
	}
	table[id] = e
	return nil
}

// GetField returns a single field of an entity.
func (m *MemoryStore) GetField(kind models.EntityKind, id, field string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.entity(kind, id)
	if err != nil {
		return nil, err
	}
	return e.fields[field], nil
}

func (m *MemoryStore) UpdateField(_ context.Context, kind models.EntityKind, id, field string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entity(kind, id)
	if err != nil {
		return err
	}
	if field == "" {
		return errors.New("empty field name")
	}
	e.fields[field] = value
	return nil
}

func (m *MemoryStore) AppendTag(_ context.Context, kind models.EntityKind, id, tag string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entity(kind, id)
	if err != nil {
		return false, err
	}
	if slices.Contains(e.tags, tag) {
		return false, nil
	}
	e.tags = append(e.tags, tag)
	return true, nil
}

func (m *MemoryStore) GetTags(_ context.Context, kind models.EntityKind, id string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.entity(kind, id)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(e.tags)
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// entity must be called with m.mu held.
func (m *MemoryStore) entity(kind models.EntityKind, id string) (*memoryEntity, error) {
	table, ok := m.entities[kind]
	if !ok {
		return nil, errors.Errorf("unknown entity kind %q", kind)
	}
	e, ok := table[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s %s", kind, id)
	}
	return e, nil
}
