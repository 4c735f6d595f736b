// Package planner turns free text into a validated step list.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskpilot/pkg/task"
)

// ErrNoPlan is returned when nothing could be planned for the request.
var ErrNoPlan = errors.New("no plan for request")

// Context is what a planner may consider besides the request text.
type Context struct {
	Permissions []string       `json:"permissions"`
	Preferences map[string]any `json:"preferences,omitempty"`
	Tools       []string       `json:"tools,omitempty"`
}

// Plan is a planner's answer: a summary of the goal and the steps to reach it.
type Plan struct {
	Intent string      `json:"intent" yaml:"intent"`
	Steps  []task.Step `json:"steps" yaml:"steps"`
}

// Planner produces a plan for a request.
type Planner interface {
	Plan(ctx context.Context, text string, pc Context) (*Plan, error)
}

// Validate checks a plan and assigns sequential step ids when none are set.
func Validate(p *Plan) error {
	if p == nil {
		return ErrNoPlan
	}
	if len(p.Steps) == 0 {
		return errors.New("plan has no steps")
	}
	if strings.TrimSpace(p.Intent) == "" {
		p.Intent = p.Steps[0].Action
	}

	unset := true
	for _, s := range p.Steps {
		if s.StepID != 0 {
			unset = false
			break
		}
	}
	seen := make(map[int]bool, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if unset {
			s.StepID = i + 1
		}
		if strings.TrimSpace(s.Tool) == "" {
			return fmt.Errorf("step %d: tool is required", s.StepID)
		}
		if strings.TrimSpace(s.Action) == "" {
			return fmt.Errorf("step %d: action is required", s.StepID)
		}
		if s.StepID <= 0 {
			return fmt.Errorf("step %d: step_id must be positive", s.StepID)
		}
		if seen[s.StepID] {
			return fmt.Errorf("step %d: duplicate step_id", s.StepID)
		}
		seen[s.StepID] = true
		if s.Params == nil {
			s.Params = map[string]any{}
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
