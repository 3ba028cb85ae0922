// Package builtin provides the MCPs every automation core ships with: the
// system MCP that runs command steps and an echo MCP for smoke tests.
package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"

	"github.com/alexchuang650730/aicore0707-sub001/internal/log"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/service"
	"github.com/pkg/errors"
)

const (
	EchoMCPID = "echo"

	SystemInfoMethod = "system_info"
	EchoMethod       = "echo"
	PingMethod       = "ping"

	// maxOutput caps the bytes of stdout and stderr kept per command.
	maxOutput = 1 << 20
)

// SystemMCP executes host commands on behalf of command steps and actions.
type SystemMCP struct {
	// Shell runs commands given without args, e.g. "sh -c".
	Shell []string
	// Env is appended to the process environment of every command.
	Env []string
}

func NewSystemMCP() *SystemMCP {
	shell := []string{"sh", "-c"}
	if runtime.GOOS == "windows" {
		shell = []string{"cmd", "/C"}
	}
	return &SystemMCP{Shell: shell}
}

func (s *SystemMCP) Info() models.MCPInfo {
	return models.MCPInfo{
		ID:           service.SystemMCPID,
		Name:         "System",
		Version:      "1.0.0",
		Endpoint:     "internal://" + service.SystemMCPID,
		Capabilities: []string{service.ExecuteCommandMethod, SystemInfoMethod},
	}
}

func (s *SystemMCP) Call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	switch method {
	case service.ExecuteCommandMethod:
		return s.executeCommand(ctx, params)
	case SystemInfoMethod:
		hostname, _ := os.Hostname()
		return map[string]interface{}{
			"hostname": hostname,
			"os":       runtime.GOOS,
			"arch":     runtime.GOARCH,
			"cpus":     runtime.NumCPU(),
			"pid":      os.Getpid(),
		}, nil
	}
	return nil, errors.Wrapf(service.ErrUnsupportedOperation, "system MCP has no method %q", method)
}

func (s *SystemMCP) Ping(_ context.Context) error {
	return nil
}

// CommandResult is what execute_command returns.
type CommandResult struct {
	Command  string `json:"command"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

func (r CommandResult) toMap() map[string]interface{} {
	return map[string]interface{}{
		"command":   r.Command,
		"stdout":    r.Stdout,
		"stderr":    r.Stderr,
		"exit_code": r.ExitCode,
	}
}

func (s *SystemMCP) executeCommand(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	command, _ := params["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil, errors.Wrap(service.ErrValidation, "execute_command requires a command")
	}
	args, err := stringList(params["args"])
	if err != nil {
		return nil, errors.Wrap(service.ErrValidation, "args: "+err.Error())
	}
	env, err := envList(params["env"])
	if err != nil {
		return nil, errors.Wrap(service.ErrValidation, "env: "+err.Error())
	}

	var cmd *exec.Cmd
	if len(args) > 0 {
		cmd = exec.CommandContext(ctx, command, args...)
	} else {
		shellArgs := append(append([]string(nil), s.Shell[1:]...), command)
		cmd = exec.CommandContext(ctx, s.Shell[0], shellArgs...)
	}
	if dir, ok := params["dir"].(string); ok {
		cmd.Dir = dir
	}
	cmd.Env = append(append(os.Environ(), s.Env...), env...)

	stdout := &cappedBuffer{limit: maxOutput}
	stderr := &cappedBuffer{limit: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log.GetLogger().WithField("command", command).Debug("Executing command")
	runErr := cmd.Run()
	result := CommandResult{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if runErr == nil {
		return result.toMap(), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, errors.Wrapf(ctxErr, "command %q interrupted", command)
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		msg := strings.TrimSpace(result.Stderr)
		if msg == "" {
			msg = exitErr.Error()
		}
		return nil, errors.Wrapf(service.ErrExecution, "command %q exited with code %d: %s", command, result.ExitCode, msg)
	}
	return nil, errors.Wrapf(service.ErrExecution, "command %q: %v", command, runErr)
}

func stringList(v interface{}) ([]string, error) {
	switch vals := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return vals, nil
	case []interface{}:
		out := make([]string, len(vals))
		for i, item := range vals {
			switch item := item.(type) {
			case string:
				out[i] = item
			case float64, int, int64, bool:
				out[i] = fmt.Sprint(item)
			default:
				return nil, errors.Errorf("item %d has type %T", i, item)
			}
		}
		return out, nil
	}
	return nil, errors.Errorf("expected a list, got %T", v)
}

// envList accepts either a KEY: value map or a list of KEY=value strings.
func envList(v interface{}) ([]string, error) {
	if m, ok := v.(map[string]interface{}); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, k+"="+fmt.Sprint(m[k]))
		}
		return out, nil
	}
	list, err := stringList(v)
	if err != nil {
		return nil, err
	}
	for _, kv := range list {
		if !strings.Contains(kv, "=") {
			return nil, errors.Errorf("%q is not KEY=value", kv)
		}
	}
	return list, nil
}

// cappedBuffer keeps the first limit bytes written and drops the rest.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}

// Echo returns its params together with the method name.
func Echo() service.MCPHandler {
	return service.MCPHandlerFunc(func(_ context.Context, method string, params map[string]interface{}) (interface{}, error) {
		out := make(map[string]interface{}, len(params)+1)
		for k, v := range params {
			out[k] = v
		}
		out["method"] = method
		return out, nil
	})
}

func EchoInfo() models.MCPInfo {
	return models.MCPInfo{
		ID:           EchoMCPID,
		Name:         "Echo",
		Version:      "1.0.0",
		Endpoint:     "internal://" + EchoMCPID,
		Capabilities: []string{EchoMethod, PingMethod},
	}
}

// Register installs the handlers and registers the built-in MCPs with a
// started core.
func Register(ctx context.Context, core *service.AutomationCore) error {
	system := NewSystemMCP()
	core.RegisterMCPHandler(service.SystemMCPID, system)
	core.RegisterMCPHandler(EchoMCPID, Echo())
	for _, info := range []models.MCPInfo{system.Info(), EchoInfo()} {
		if err := core.RegisterMCP(ctx, info); err != nil {
			return errors.Wrapf(err, "register %s MCP", info.ID)
		}
	}
	return nil
}
