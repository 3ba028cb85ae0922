package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/pkg/errors"
)

// memoryStore implements Store with in-memory maps. Values are deep-copied
// through JSON on the way in and out so callers never share state with the store.
type memoryStore struct {
	mu             sync.RWMutex
	workflows      map[string][]byte
	executions     map[string][]byte
	tasks          map[string][]byte
	taskExecutions map[string][]byte
	allocations    map[string][]byte
	closed         bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() Store {
	return &memoryStore{
		workflows:      make(map[string][]byte),
		executions:     make(map[string][]byte),
		tasks:          make(map[string][]byte),
		taskExecutions: make(map[string][]byte),
		allocations:    make(map[string][]byte),
	}
}

func (m *memoryStore) put(table map[string][]byte, id string, v interface{}) error {
	if id == "" {
		return errors.New("empty id")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("store is closed")
	}
	table[id] = data
	return nil
}

func (m *memoryStore) get(table map[string][]byte, id string, v interface{}) error {
	m.mu.RLock()
	data, ok := table[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func (m *memoryStore) del(table map[string][]byte, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := table[id]; !ok {
		return ErrNotFound
	}
	delete(table, id)
	return nil
}

// values returns the raw documents of a table sorted by key so listings are stable.
func (m *memoryStore) values(table map[string][]byte) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, table[k])
	}
	return out
}

func (m *memoryStore) SaveWorkflow(_ context.Context, w models.WorkflowDefinition) error {
	return m.put(m.workflows, w.ID, w)
}

func (m *memoryStore) GetWorkflow(_ context.Context, id string) (models.WorkflowDefinition, error) {
	var w models.WorkflowDefinition
	err := m.get(m.workflows, id, &w)
	return w, err
}

func (m *memoryStore) ListWorkflows(_ context.Context) ([]models.WorkflowDefinition, error) {
	workflows := []models.WorkflowDefinition{}
	for _, data := range m.values(m.workflows) {
		var w models.WorkflowDefinition
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, nil
}

func (m *memoryStore) DeleteWorkflow(_ context.Context, id string) error {
	return m.del(m.workflows, id)
}

func (m *memoryStore) SaveExecution(_ context.Context, e models.WorkflowExecution) error {
	return m.put(m.executions, e.ID, e)
}

func (m *memoryStore) GetExecution(_ context.Context, id string) (models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	err := m.get(m.executions, id, &e)
	return e, err
}

func (m *memoryStore) ListExecutions(_ context.Context, workflowID string) ([]models.WorkflowExecution, error) {
	executions := []models.WorkflowExecution{}
	for _, data := range m.values(m.executions) {
		var e models.WorkflowExecution
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if workflowID == "" || e.WorkflowID == workflowID {
			executions = append(executions, e)
		}
	}
	return executions, nil
}

func (m *memoryStore) SaveTask(_ context.Context, t models.TaskDefinition) error {
	return m.put(m.tasks, t.ID, t)
}

func (m *memoryStore) GetTask(_ context.Context, id string) (models.TaskDefinition, error) {
	var t models.TaskDefinition
	err := m.get(m.tasks, id, &t)
	return t, err
}

func (m *memoryStore) ListTasks(_ context.Context) ([]models.TaskDefinition, error) {
	tasks := []models.TaskDefinition{}
	for _, data := range m.values(m.tasks) {
		var t models.TaskDefinition
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (m *memoryStore) DeleteTask(_ context.Context, id string) error {
	return m.del(m.tasks, id)
}

func (m *memoryStore) SaveTaskExecution(_ context.Context, e models.TaskExecution) error {
	return m.put(m.taskExecutions, e.ID, e)
}

func (m *memoryStore) ListTaskExecutions(_ context.Context, taskID string) ([]models.TaskExecution, error) {
	executions := []models.TaskExecution{}
	for _, data := range m.values(m.taskExecutions) {
		var e models.TaskExecution
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if taskID == "" || e.TaskID == taskID {
			executions = append(executions, e)
		}
	}
	return executions, nil
}

func (m *memoryStore) SaveAllocation(_ context.Context, a models.ResourceAllocation) error {
	return m.put(m.allocations, a.ID, a)
}

func (m *memoryStore) ListAllocations(_ context.Context) ([]models.ResourceAllocation, error) {
	allocations := []models.ResourceAllocation{}
	for _, data := range m.values(m.allocations) {
		var a models.ResourceAllocation
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, nil
}

func (m *memoryStore) DeleteAllocation(_ context.Context, id string) error {
	return m.del(m.allocations, id)
}

func (m *memoryStore) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("store is closed")
	}
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
