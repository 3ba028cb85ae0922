package service

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
)

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.\-]*)\}`)

// renderValue substitutes ${name} placeholders in v using vars. A string that
// is exactly one placeholder is replaced by the typed value; placeholders
// embedded in longer strings are formatted. Unknown names are left intact so
// an inner scope (a loop iteration) can resolve them later.
func renderValue(v interface{}, vars map[string]interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return renderString(t, vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = renderValue(val, vars)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = renderValue(val, vars)
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = renderString(val, vars)
		}
		return out
	default:
		return v
	}
}

func renderConfig(config map[string]interface{}, vars map[string]interface{}) map[string]interface{} {
	if config == nil {
		return map[string]interface{}{}
	}
	return renderValue(config, vars).(map[string]interface{})
}

// renderStepConfig renders the config of step. The nested step definitions of
// loop and parallel steps are left as written: they are rendered per
// iteration or branch, where item and index are in scope.
func renderStepConfig(step models.WorkflowStep, vars map[string]interface{}) map[string]interface{} {
	var nestedKey string
	switch step.Type {
	case models.LoopStepType:
		nestedKey = "step"
	case models.ParallelStepType:
		nestedKey = "branches"
	}
	nested, hasNested := step.Config[nestedKey]
	if nestedKey == "" || !hasNested {
		return renderConfig(step.Config, vars)
	}
	rest := make(map[string]interface{}, len(step.Config))
	for k, v := range step.Config {
		if k != nestedKey {
			rest[k] = v
		}
	}
	out := renderConfig(rest, vars)
	out[nestedKey] = nested
	return out
}

func renderString(s string, vars map[string]interface{}) interface{} {
	if !strings.Contains(s, "${") {
		return s
	}
	if m := placeholderRe.FindStringSubmatch(s); m != nil && m[0] == s {
		if val, ok := lookupPath(vars, m[1]); ok {
			return val
		}
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(ph string) string {
		name := ph[2 : len(ph)-1]
		if val, ok := lookupPath(vars, name); ok {
			return fmt.Sprint(val)
		}
		return ph
	})
}

// lookupPath resolves a dotted path such as steps.fetch.body through nested maps.
func lookupPath(vars map[string]interface{}, path string) (interface{}, bool) {
	if val, ok := vars[path]; ok {
		return val, true
	}
	parts := strings.Split(path, ".")
	var cur interface{} = vars
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
