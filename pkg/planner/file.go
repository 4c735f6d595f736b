package planner

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"taskpilot/pkg/task"
)

// Entry is one canned plan in a plan catalog.
type Entry struct {
	Match  string      `yaml:"match"`
	Intent string      `yaml:"intent"`
	Steps  []task.Step `yaml:"steps"`
}

// FilePlanner answers from a YAML catalog of canned plans. The first entry
// whose match string occurs in the request (case-insensitive) wins.
type FilePlanner struct {
	entries []Entry
}

// NewFilePlanner creates a planner from already-parsed entries.
func NewFilePlanner(entries []Entry) *FilePlanner {
	return &FilePlanner{entries: entries}
}

// LoadFile reads a plan catalog:
//
//	plans:
//	  - match: "git status"
//	    intent: Show repository status
//	    steps:
//	      - action: Run git status
//	        tool: system
//	        params: {command: git, args: [status]}
//	        permissions: [run_command]
func LoadFile(path string) (*FilePlanner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes catalog YAML.
func ParseCatalog(data []byte) (*FilePlanner, error) {
	var doc struct {
		Plans []Entry `yaml:"plans"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse plans: %w", err)
	}
	for i, e := range doc.Plans {
		if strings.TrimSpace(e.Match) == "" {
			return nil, fmt.Errorf("plans[%d]: match is required", i)
		}
	}
	return NewFilePlanner(doc.Plans), nil
}

// Plan returns a copy of the first matching entry's plan.
func (p *FilePlanner) Plan(_ context.Context, text string, _ Context) (*Plan, error) {
	lower := strings.ToLower(text)
	for _, e := range p.entries {
		if !strings.Contains(lower, strings.ToLower(e.Match)) {
			continue
		}
		plan := &Plan{Intent: e.Intent, Steps: make([]task.Step, len(e.Steps))}
		for i, s := range e.Steps {
			s.Permissions = append([]string(nil), s.Permissions...)
			params := make(map[string]any, len(s.Params))
			for k, v := range s.Params {
				params[k] = v
			}
			s.Params = params
			plan.Steps[i] = s
		}
		if err := Validate(plan); err != nil {
			return nil, fmt.Errorf("plan %q: %w", e.Match, err)
		}
		return plan, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoPlan, truncate(text, 80))
}
