package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// cliResult holds the output from a planning CLI invocation.
type cliResult struct {
	Result   string
	Stderr   string
	Duration time.Duration
	ExitCode int
}

// invokeFn is swapped in tests.
var invokeFn = invokeCLI

// planningPrompt instructs the model to answer with a JSON plan.
const planningPrompt = `You are the planner for a personal assistant. Turn the user's request into a short list of steps.

Rules:
1. Use only the tools listed below.
2. Each step needs "step_id", "action", "tool", "params", "requires_approval" and "permissions".
3. List in "permissions" every capability the step needs.
4. Keep the plan as short as possible.

Respond with a single JSON object and nothing else:
{"intent": "...", "steps": [{"step_id": 1, "action": "...", "tool": "...", "params": {}, "requires_approval": false, "permissions": []}]}`

// CLIPlanner asks an external planning command for a plan.
type CLIPlanner struct {
	command string
	workDir string
	timeout time.Duration
}

// NewCLIPlanner creates a planner that runs command with -p <prompt>.
func NewCLIPlanner(command, workDir string, timeout time.Duration) *CLIPlanner {
	return &CLIPlanner{command: command, workDir: workDir, timeout: timeout}
}

// Plan runs the planning command and validates its answer.
func (p *CLIPlanner) Plan(ctx context.Context, text string, pc Context) (*Plan, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	pcJSON, _ := json.Marshal(pc)
	prompt := fmt.Sprintf("%s\n\n---\n\nAvailable tools: %s\nContext: %s\n\nRequest:\n%s",
		planningPrompt, strings.Join(pc.Tools, ", "), pcJSON, text)

	result, err := invokeFn(ctx, p.command, p.workDir, prompt)
	if err != nil {
		return nil, fmt.Errorf("plan invocation: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("plan failed (exit %d): %s", result.ExitCode, truncate(result.Result+result.Stderr, 500))
	}

	plan, err := parsePlan(result.Result)
	if err != nil {
		return nil, err
	}
	if err := Validate(plan); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return plan, nil
}

// parsePlan extracts the JSON plan object from a response that may carry
// prose or code fences around it.
func parsePlan(response string) (*Plan, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in response: %s", ErrNoPlan, truncate(response, 200))
	}
	var plan Plan
	if err := json.Unmarshal([]byte(response[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &plan, nil
}

func invokeCLI(ctx context.Context, command, workDir, prompt string) (*cliResult, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, command, "-p", prompt, "--output-format", "json")
	cmd.Dir = workDir
	// Drop CLAUDECODE so the planner does not detect a nested session.
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "CLAUDECODE=") {
			cmd.Env = append(cmd.Env, env)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("run %s: %w (stderr: %s)", command, err, stderr.String())
		}
	}

	// --output-format json wraps the answer in an object with a "result" field.
	var parsed struct {
		Result string `json:"result"`
	}
	out := stdout.String()
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err == nil && parsed.Result != "" {
		out = parsed.Result
	}

	return &cliResult{
		Result:   out,
		Stderr:   stderr.String(),
		Duration: duration,
		ExitCode: exitCode,
	}, nil
}
