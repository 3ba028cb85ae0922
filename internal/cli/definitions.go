package cli

import (
	"bytes"
	"context"
	"os"

	"github.com/alexchuang650730/aicore0707-sub001/internal/log"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/service"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Definitions is the content of a definitions file. A file holding a single
// workflow document (top-level steps) is read as one workflow.
type Definitions struct {
	Workflows []models.WorkflowDefinition `yaml:"workflows"`
	Tasks     []models.TaskDefinition     `yaml:"tasks"`
}

func LoadDefinitions(path string) (Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, errors.Wrapf(err, "read %s", path)
	}
	return ParseDefinitions(data)
}

func ParseDefinitions(data []byte) (Definitions, error) {
	var shape map[string]interface{}
	if err := yaml.Unmarshal(data, &shape); err != nil {
		return Definitions{}, errors.Wrap(err, "parse yaml")
	}

	var defs Definitions
	if _, single := shape["steps"]; single {
		var wf models.WorkflowDefinition
		if err := decodeStrict(data, &wf); err != nil {
			return Definitions{}, err
		}
		defs.Workflows = []models.WorkflowDefinition{wf}
		return defs, nil
	}
	if err := decodeStrict(data, &defs); err != nil {
		return Definitions{}, err
	}
	if len(defs.Workflows) == 0 && len(defs.Tasks) == 0 {
		return Definitions{}, errors.New("no workflows or tasks defined")
	}
	return defs, nil
}

func decodeStrict(data []byte, v interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return errors.Wrap(dec.Decode(v), "decode definitions")
}

// Validate checks every definition without a running core. Task dependencies
// must name tasks of the same file.
func (d Definitions) Validate() error {
	for i, wf := range d.Workflows {
		if err := service.ValidateWorkflow(wf); err != nil {
			return errors.Wrapf(err, "workflows[%d] %s", i, wf.Name)
		}
	}
	ids := make(map[string]bool, len(d.Tasks))
	for _, task := range d.Tasks {
		if task.ID != "" {
			ids[task.ID] = true
		}
	}
	for i, task := range d.Tasks {
		if err := service.ValidateTask(task); err != nil {
			return errors.Wrapf(err, "tasks[%d] %s", i, task.Name)
		}
		for _, dep := range task.Dependencies {
			if !ids[dep] {
				return errors.Errorf("tasks[%d] %s depends on unknown task %q", i, task.Name, dep)
			}
		}
	}
	return nil
}

// Apply creates the workflows, then schedules the tasks in file order.
// Definitions already known to the core are skipped.
func (d Definitions) Apply(ctx context.Context, core *service.AutomationCore) error {
	logger := log.GetLogger()
	for _, wf := range d.Workflows {
		id, err := core.CreateWorkflow(ctx, wf)
		if errors.Is(err, service.ErrAlreadyExists) {
			logger.Debugf("Workflow %s already exists, skipping", wf.ID)
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "create workflow %s", wf.Name)
		}
		logger.Infof("Loaded workflow '%s' (%s)", wf.Name, id)
	}
	for _, task := range d.Tasks {
		id, err := core.ScheduleTask(ctx, task)
		if errors.Is(err, service.ErrAlreadyExists) {
			logger.Debugf("Task %s already exists, skipping", task.ID)
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "schedule task %s", task.Name)
		}
		logger.Infof("Scheduled task '%s' (%s)", task.Name, id)
	}
	return nil
}
