package service

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	// SystemMCPID is the MCP that serves command steps unless config.mcp_id says otherwise.
	SystemMCPID          = "system"
	ExecuteCommandMethod = "execute_command"
	defaultMaxIterations = 1000
)

// dispatch runs a single attempt of step with an already rendered config.
func (e *WorkflowEngine) dispatch(ctx context.Context, step models.WorkflowStep, config, vars map[string]interface{}) (interface{}, error) {
	switch step.Type {
	case models.CommandStepType:
		return e.runCommandStep(ctx, config)
	case models.MCPCallStepType:
		return e.runMCPCallStep(ctx, config)
	case models.ConditionStepType:
		return runConditionStep(config, vars)
	case models.LoopStepType:
		return e.runLoopStep(ctx, step, config, vars)
	case models.ParallelStepType:
		return e.runParallelStep(ctx, config, vars)
	case models.DelayStepType:
		return runDelayStep(ctx, config)
	case models.ScriptStepType:
		return runScriptStep(config, vars)
	}
	return nil, validationErrorf("unknown step type %q", step.Type)
}

func (e *WorkflowEngine) runCommandStep(ctx context.Context, config map[string]interface{}) (interface{}, error) {
	command := stringValue(config, "command")
	if command == "" {
		return nil, validationErrorf("command step requires config.command")
	}
	mcpID := stringValue(config, "mcp_id")
	if mcpID == "" {
		mcpID = SystemMCPID
	}
	params := map[string]interface{}{"command": command}
	for _, key := range []string{"args", "env", "dir"} {
		if v, ok := config[key]; ok {
			params[key] = v
		}
	}
	return e.callMCP(ctx, mcpID, ExecuteCommandMethod, params)
}

func (e *WorkflowEngine) runMCPCallStep(ctx context.Context, config map[string]interface{}) (interface{}, error) {
	mcpID := stringValue(config, "mcp_id")
	method := stringValue(config, "method")
	if mcpID == "" || method == "" {
		return nil, validationErrorf("mcp_call step requires config.mcp_id and config.method")
	}
	params, _ := config["params"].(map[string]interface{})
	return e.callMCP(ctx, mcpID, method, params)
}

func (e *WorkflowEngine) callMCP(ctx context.Context, id, method string, params map[string]interface{}) (interface{}, error) {
	if e.mcp == nil {
		return nil, errors.Wrap(ErrUnavailable, "no MCP coordinator configured")
	}
	return e.mcp.CallMCP(ctx, id, method, params)
}

func runConditionStep(config, vars map[string]interface{}) (interface{}, error) {
	expression := stringValue(config, "expression")
	if expression == "" {
		return nil, validationErrorf("condition step requires config.expression")
	}
	out, err := evalExpression(expression, vars)
	if err != nil {
		return nil, err
	}
	b, ok := out.(bool)
	if !ok {
		return nil, errors.Wrapf(ErrExecution, "condition %q evaluated to %T, want bool", expression, out)
	}
	return b, nil
}

func runScriptStep(config, vars map[string]interface{}) (interface{}, error) {
	expression := stringValue(config, "expression")
	if expression == "" {
		expression = stringValue(config, "script")
	}
	if expression == "" {
		return nil, validationErrorf("script step requires config.expression")
	}
	return evalExpression(expression, vars)
}

func evalExpression(expression string, vars map[string]interface{}) (interface{}, error) {
	program, err := expr.Compile(expression, expr.Env(vars))
	if err != nil {
		return nil, errors.Wrapf(ErrExecution, "compile %q: %v", expression, err)
	}
	out, err := expr.Run(program, vars)
	if err != nil {
		return nil, errors.Wrapf(ErrExecution, "evaluate %q: %v", expression, err)
	}
	return out, nil
}

func runDelayStep(ctx context.Context, config map[string]interface{}) (interface{}, error) {
	d, err := delayDuration(config)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]interface{}{"delayed": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func delayDuration(config map[string]interface{}) (time.Duration, error) {
	if raw, ok := config["duration"]; ok {
		switch v := raw.(type) {
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return 0, validationErrorf("invalid delay duration %q", v)
			}
			return d, nil
		default:
			if secs, ok := toFloat(v); ok {
				return time.Duration(secs * float64(time.Second)), nil
			}
		}
		return 0, validationErrorf("invalid delay duration %v", raw)
	}
	if secs, ok := toFloat(config["seconds"]); ok && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, validationErrorf("delay step requires config.duration or config.seconds")
}

// runLoopStep runs the nested step once per item, sequentially. Each iteration
// sees item and index in its variables.
func (e *WorkflowEngine) runLoopStep(ctx context.Context, step models.WorkflowStep, config, vars map[string]interface{}) (interface{}, error) {
	items, err := loopItems(config, vars)
	if err != nil {
		return nil, err
	}
	limit := e.cfg.LoopMaxIterations
	if n, ok := toFloat(config["max_iterations"]); ok && n > 0 {
		limit = int(n)
	}
	if limit <= 0 {
		limit = defaultMaxIterations
	}
	if len(items) > limit {
		return nil, validationErrorf("loop step %s has %d items, more than max_iterations %d", step.ID, len(items), limit)
	}
	nested, err := decodeNestedStep(config["step"])
	if err != nil {
		return nil, err
	}

	results := make([]interface{}, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		iterVars := copyParams(vars)
		iterVars["item"] = item
		iterVars["index"] = i
		res, err := e.dispatch(ctx, nested, renderStepConfig(nested, iterVars), iterVars)
		if err != nil {
			return nil, errors.Wrapf(err, "loop iteration %d", i)
		}
		results = append(results, res)
	}
	return results, nil
}

func loopItems(config, vars map[string]interface{}) ([]interface{}, error) {
	raw, ok := config["items"]
	if !ok {
		return nil, validationErrorf("loop step requires config.items")
	}
	if s, ok := raw.(string); ok {
		out, err := evalExpression(s, vars)
		if err != nil {
			return nil, err
		}
		raw = out
	}
	items, ok := toSlice(raw)
	if !ok {
		return nil, validationErrorf("loop items must be a list, got %T", raw)
	}
	return items, nil
}

// runParallelStep runs every branch concurrently and joins the results by
// branch id. A failed critical branch fails the step.
func (e *WorkflowEngine) runParallelStep(ctx context.Context, config, vars map[string]interface{}) (interface{}, error) {
	branches, err := decodeBranches(config["branches"])
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	results := make(map[string]interface{}, len(branches))
	g, gctx := errgroup.WithContext(ctx)
	for _, branch := range branches {
		branch := branch
		g.Go(func() error {
			res, err := e.dispatch(gctx, branch, renderStepConfig(branch, vars), vars)
			if err != nil {
				if branch.IsCritical() {
					return errors.Wrapf(err, "branch %s", branch.ID)
				}
				res = map[string]interface{}{"error": err.Error()}
			}
			mu.Lock()
			results[branch.ID] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func decodeNestedStep(raw interface{}) (models.WorkflowStep, error) {
	var step models.WorkflowStep
	if raw == nil {
		return step, validationErrorf("nested step definition is missing")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return step, validationErrorf("nested step: %v", err)
	}
	if err := json.Unmarshal(data, &step); err != nil {
		return step, validationErrorf("nested step: %v", err)
	}
	if !step.Type.Valid() {
		return step, validationErrorf("nested step has unknown type %q", step.Type)
	}
	return step, nil
}

func decodeBranches(raw interface{}) ([]models.WorkflowStep, error) {
	list, ok := toSlice(raw)
	if !ok || len(list) == 0 {
		return nil, validationErrorf("parallel step requires a non-empty config.branches list")
	}
	seen := make(map[string]bool, len(list))
	branches := make([]models.WorkflowStep, 0, len(list))
	for i, item := range list {
		branch, err := decodeNestedStep(item)
		if err != nil {
			return nil, errors.Wrapf(err, "branch %d", i)
		}
		if branch.ID == "" {
			branch.ID = strconv.Itoa(i)
		}
		if seen[branch.ID] {
			return nil, validationErrorf("duplicate branch id %q", branch.ID)
		}
		seen[branch.ID] = true
		branches = append(branches, branch)
	}
	return branches, nil
}

// checkStepConfig validates what can be known about a step before it runs:
// expressions compile and nested steps are well formed.
func checkStepConfig(step models.WorkflowStep) error {
	switch step.Type {
	case models.ConditionStepType, models.ScriptStepType:
		expression := stringValue(step.Config, "expression")
		if expression == "" && step.Type == models.ScriptStepType {
			expression = stringValue(step.Config, "script")
		}
		if expression == "" {
			return validationErrorf("step %s: %s step requires config.expression", step.ID, step.Type)
		}
		if _, err := expr.Compile(expression); err != nil {
			return validationErrorf("step %s: invalid expression %q: %v", step.ID, expression, err)
		}
	case models.LoopStepType:
		if _, ok := step.Config["items"]; !ok {
			return validationErrorf("step %s: loop step requires config.items", step.ID)
		}
		nested, err := decodeNestedStep(step.Config["step"])
		if err != nil {
			return errors.Wrapf(err, "step %s", step.ID)
		}
		return checkStepConfig(nested)
	case models.ParallelStepType:
		branches, err := decodeBranches(step.Config["branches"])
		if err != nil {
			return errors.Wrapf(err, "step %s", step.ID)
		}
		for _, b := range branches {
			if err := checkStepConfig(b); err != nil {
				return errors.Wrapf(err, "step %s", step.ID)
			}
		}
	case models.DelayStepType:
		if _, err := delayDuration(step.Config); err != nil {
			return errors.Wrapf(err, "step %s", step.ID)
		}
	case models.CommandStepType, models.MCPCallStepType:
	default:
		return validationErrorf("step %s has unknown type %q", step.ID, step.Type)
	}
	return nil
}

func stringValue(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toSlice(v interface{}) ([]interface{}, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.([]interface{}); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
