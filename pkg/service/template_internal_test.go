package service

import (
	"testing"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestRenderConfig(t *testing.T) {
	vars := map[string]interface{}{
		"name":  "world",
		"count": 3,
		"steps": map[string]interface{}{
			"fetch": map[string]interface{}{"status": 200, "body": "ok"},
		},
		"dotted.key": "direct",
	}
	config := map[string]interface{}{
		"whole":    "${count}",
		"embedded": "hello ${name}, ${count} times",
		"nested":   "${steps.fetch.status}",
		"unknown":  "${missing}",
		"mixed":    "${name} and ${missing}",
		"literal":  "no placeholders",
		"direct":   "${dotted.key}",
		"list":     []interface{}{"${name}", 7},
		"strings":  []string{"${count}"},
		"map":      map[string]interface{}{"inner": "${steps.fetch.body}"},
		"number":   42,
	}

	out := renderConfig(config, vars)
	assert.Equal(t, 3, out["whole"])
	assert.Equal(t, "hello world, 3 times", out["embedded"])
	assert.Equal(t, 200, out["nested"])
	assert.Equal(t, "${missing}", out["unknown"])
	assert.Equal(t, "world and ${missing}", out["mixed"])
	assert.Equal(t, "no placeholders", out["literal"])
	assert.Equal(t, "direct", out["direct"])
	assert.Equal(t, []interface{}{"world", 7}, out["list"])
	assert.Equal(t, []interface{}{3}, out["strings"])
	assert.Equal(t, map[string]interface{}{"inner": "ok"}, out["map"])
	assert.Equal(t, 42, out["number"])

	// the source config is untouched
	assert.Equal(t, "${count}", config["whole"])
	assert.Empty(t, renderConfig(nil, vars))
}

func TestDelayDuration(t *testing.T) {
	cases := []struct {
		config map[string]interface{}
		want   string
		ok     bool
	}{
		{map[string]interface{}{"duration": "150ms"}, "150ms", true},
		{map[string]interface{}{"duration": 2}, "2s", true},
		{map[string]interface{}{"seconds": 0.5}, "500ms", true},
		{map[string]interface{}{"duration": "soon"}, "", false},
		{map[string]interface{}{"duration": true}, "", false},
		{map[string]interface{}{}, "", false},
	}
	for _, tc := range cases {
		d, err := delayDuration(tc.config)
		if !tc.ok {
			assert.ErrorIs(t, err, ErrValidation, "config %v", tc.config)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, tc.want, d.String())
	}
}

func TestToSlice(t *testing.T) {
	s, ok := toSlice([]int{1, 2})
	assert.True(t, ok)
	assert.Equal(t, []interface{}{1, 2}, s)

	_, ok = toSlice("nope")
	assert.False(t, ok)
	_, ok = toSlice(nil)
	assert.False(t, ok)
}

func TestRenderStepConfigLeavesNestedStepsForLater(t *testing.T) {
	vars := map[string]interface{}{
		"item":  "workflow-level",
		"hosts": []interface{}{"a", "b"},
	}
	nested := map[string]interface{}{
		"type":   "mcp_call",
		"config": map[string]interface{}{"method": "echo", "params": map[string]interface{}{"host": "${item}"}},
	}
	loop := models.WorkflowStep{ID: "each", Type: models.LoopStepType, Config: map[string]interface{}{
		"items": "${hosts}",
		"step":  nested,
	}}

	out := renderStepConfig(loop, vars)
	assert.Equal(t, []interface{}{"a", "b"}, out["items"])
	assert.Equal(t, nested, out["step"])

	branches := []interface{}{map[string]interface{}{"id": "x", "type": "script", "config": map[string]interface{}{"script": "${item}"}}}
	parallel := models.WorkflowStep{ID: "fan", Type: models.ParallelStepType, Config: map[string]interface{}{
		"branches": branches,
		"label":    "${item}",
	}}
	out = renderStepConfig(parallel, vars)
	assert.Equal(t, "workflow-level", out["label"])
	assert.Equal(t, branches, out["branches"])

	plain := models.WorkflowStep{ID: "p", Type: models.CommandStepType, Config: map[string]interface{}{"step": "${item}"}}
	assert.Equal(t, "workflow-level", renderStepConfig(plain, vars)["step"])
}
