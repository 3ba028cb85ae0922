package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/storage"
	"github.com/pkg/errors"
)

const (
	workflowsDir      = "workflows"
	executionsDir     = "executions"
	tasksDir          = "tasks"
	taskExecutionsDir = "task_executions"
	allocationsDir    = "allocations"
)

// FileStore writes one JSON document per entity under
// <root>/<collection>/<id>.json. Writes go through a temp file and rename.
type FileStore struct {
	root string
	mu   sync.RWMutex
}

var _ storage.Store = (*FileStore)(nil)

func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{workflowsDir, executionsDir, tasksDir, taskExecutionsDir, allocationsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create %s", dir)
		}
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(collection, id string) (string, error) {
	if id == "" {
		return "", errors.New("empty id")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", errors.Errorf("invalid id %q", id)
	}
	return filepath.Join(s.root, collection, id+".json"), nil
}

func (s *FileStore) put(collection, id string, v interface{}) error {
	path, err := s.path(collection, id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "rename into %s", path)
	}
	return nil
}

func (s *FileStore) get(collection, id string, v interface{}) error {
	path, err := s.path(collection, id)
	if err != nil {
		return storage.ErrNotFound
	}
	s.mu.RLock()
	data, err := os.ReadFile(path)
	s.mu.RUnlock()
	if os.IsNotExist(err) {
		return storage.ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	return errors.Wrapf(json.Unmarshal(data, v), "decode %s", path)
}

func (s *FileStore) del(collection, id string) error {
	path, err := s.path(collection, id)
	if err != nil {
		return storage.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return storage.ErrNotFound
	}
	return err
}

// list returns the documents of a collection ordered by id.
func (s *FileStore) list(collection string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dir := filepath.Join(s.root, collection)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	docs := make([][]byte, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", name)
		}
		docs = append(docs, data)
	}
	return docs, nil
}

func (s *FileStore) SaveWorkflow(_ context.Context, w models.WorkflowDefinition) error {
	return s.put(workflowsDir, w.ID, w)
}

func (s *FileStore) GetWorkflow(_ context.Context, id string) (models.WorkflowDefinition, error) {
	var w models.WorkflowDefinition
	err := s.get(workflowsDir, id, &w)
	return w, err
}

func (s *FileStore) ListWorkflows(_ context.Context) ([]models.WorkflowDefinition, error) {
	docs, err := s.list(workflowsDir)
	if err != nil {
		return nil, err
	}
	return decodeDocs[models.WorkflowDefinition](docs)
}

func (s *FileStore) DeleteWorkflow(_ context.Context, id string) error {
	return s.del(workflowsDir, id)
}

func (s *FileStore) SaveExecution(_ context.Context, e models.WorkflowExecution) error {
	return s.put(executionsDir, e.ID, e)
}

func (s *FileStore) GetExecution(_ context.Context, id string) (models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	err := s.get(executionsDir, id, &e)
	return e, err
}

func (s *FileStore) ListExecutions(_ context.Context, workflowID string) ([]models.WorkflowExecution, error) {
	docs, err := s.list(executionsDir)
	if err != nil {
		return nil, err
	}
	all, err := decodeDocs[models.WorkflowExecution](docs)
	if err != nil {
		return nil, err
	}
	executions := []models.WorkflowExecution{}
	for _, e := range all {
		if workflowID == "" || e.WorkflowID == workflowID {
			executions = append(executions, e)
		}
	}
	return executions, nil
}

func (s *FileStore) SaveTask(_ context.Context, t models.TaskDefinition) error {
	return s.put(tasksDir, t.ID, t)
}

func (s *FileStore) GetTask(_ context.Context, id string) (models.TaskDefinition, error) {
	var t models.TaskDefinition
	err := s.get(tasksDir, id, &t)
	return t, err
}

func (s *FileStore) ListTasks(_ context.Context) ([]models.TaskDefinition, error) {
	docs, err := s.list(tasksDir)
	if err != nil {
		return nil, err
	}
	return decodeDocs[models.TaskDefinition](docs)
}

func (s *FileStore) DeleteTask(_ context.Context, id string) error {
	return s.del(tasksDir, id)
}

func (s *FileStore) SaveTaskExecution(_ context.Context, e models.TaskExecution) error {
	return s.put(taskExecutionsDir, e.ID, e)
}

func (s *FileStore) ListTaskExecutions(_ context.Context, taskID string) ([]models.TaskExecution, error) {
	docs, err := s.list(taskExecutionsDir)
	if err != nil {
		return nil, err
	}
	all, err := decodeDocs[models.TaskExecution](docs)
	if err != nil {
		return nil, err
	}
	executions := []models.TaskExecution{}
	for _, e := range all {
		if taskID == "" || e.TaskID == taskID {
			executions = append(executions, e)
		}
	}
	return executions, nil
}

func (s *FileStore) SaveAllocation(_ context.Context, a models.ResourceAllocation) error {
	return s.put(allocationsDir, a.ID, a)
}

func (s *FileStore) ListAllocations(_ context.Context) ([]models.ResourceAllocation, error) {
	docs, err := s.list(allocationsDir)
	if err != nil {
		return nil, err
	}
	return decodeDocs[models.ResourceAllocation](docs)
}

func (s *FileStore) DeleteAllocation(_ context.Context, id string) error {
	return s.del(allocationsDir, id)
}

func (s *FileStore) Ping(_ context.Context) error {
	_, err := os.Stat(s.root)
	return err
}

func (s *FileStore) Close() error { return nil }
