package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"taskpilot/pkg/task"
)

// CommandTool is the tool name the command executor is registered under.
const CommandTool = "system"

// Command runs whitelisted system commands. Steps carry the binary in
// params.command and its arguments in params.args.
type Command struct {
	allowed map[string]struct{}
	dir     string
}

// NewCommand creates a command executor that only runs the named binaries.
func NewCommand(allowed []string, dir string) *Command {
	c := &Command{allowed: make(map[string]struct{}, len(allowed)), dir: dir}
	for _, name := range allowed {
		c.allowed[name] = struct{}{}
	}
	return c
}

// Execute runs the step's command, or describes it when dryRun is set.
func (c *Command) Execute(ctx context.Context, step task.Step, dryRun bool) (Result, error) {
	name, args, err := commandParams(step.Params)
	if err != nil {
		return Result{}, err
	}
	if _, ok := c.allowed[name]; !ok {
		return Result{Success: false, Error: fmt.Sprintf("command %q is not allowed", name)}, nil
	}

	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	if dryRun {
		return Result{Success: true, Output: "would run: " + line}, nil
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = c.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	res := Result{
		Duration: time.Since(start),
		Output: map[string]any{
			"stdout": stdout.String(),
			"stderr": stderr.String(),
		},
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Error = fmt.Sprintf("%s exited with code %d: %s", line, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
			return res, nil
		}
		return Result{}, fmt.Errorf("run %s: %w", name, err)
	}
	res.Success = true
	return res, nil
}

func commandParams(params map[string]any) (string, []string, error) {
	name, _ := params["command"].(string)
	if name == "" {
		return "", nil, errors.New("params.command is required")
	}
	var args []string
	switch v := params["args"].(type) {
	case nil:
	case []string:
		args = v
	case []any:
		for _, a := range v {
			args = append(args, fmt.Sprint(a))
		}
	case string:
		args = strings.Fields(v)
	default:
		return "", nil, fmt.Errorf("params.args: unsupported type %T", v)
	}
	return name, args, nil
}
