package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"taskpilot/pkg/audit"
	"taskpilot/pkg/permission"
	"taskpilot/pkg/task"
)

func TestPrintTasks(t *testing.T) {
	var buf bytes.Buffer
	printTasks(&buf, nil)
	if !strings.Contains(buf.String(), "no tasks") {
		t.Errorf("empty output = %q", buf.String())
	}

	buf.Reset()
	printTasks(&buf, []task.Task{{
		ID:     "0191b6c2-aaaa-7000-8000-00000000beef",
		Status: task.Pending,
		Intent: "Show repository status",
		Plan:   []task.Step{{StepID: 1}, {StepID: 2}},
	}})
	out := buf.String()
	for _, want := range []string{"0000beef", "pending", "2 step(s)", "Show repository status"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

func TestPrintTaskShowsPlanAndOutcome(t *testing.T) {
	var buf bytes.Buffer
	printTask(&buf, &task.Task{
		ID:           "t1",
		Status:       task.Failed,
		ErrorMessage: "step 2: permission denied",
		Plan: []task.Step{
			{StepID: 1, Tool: "system", Action: "Run git status", Permissions: []string{"run_command"}},
			{StepID: 2, Tool: "notification", Action: "Notify"},
		},
	})
	out := buf.String()
	for _, want := range []string{"failed", "permission denied", "[system] Run git status", "run_command", "[notification] Notify"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

func TestPrintCountsSorted(t *testing.T) {
	var buf bytes.Buffer
	printCounts(&buf, map[task.Status]int{task.Pending: 2, task.Completed: 5})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "completed") || !strings.Contains(lines[1], "pending") {
		t.Errorf("lines = %q", lines)
	}
}

func TestPrintGrantsMarksInactive(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	var buf bytes.Buffer
	printGrants(&buf, []permission.Grant{
		{Permission: "run_command", Active: true, GrantedBy: "admin"},
		{Permission: "speak", Active: true, ExpiresAt: &past},
	}, now)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(lines[0], "live") || !strings.Contains(lines[0], "*") {
		t.Errorf("first grant = %q", lines[0])
	}
	if !strings.Contains(lines[1], "inactive") {
		t.Errorf("expired grant = %q", lines[1])
	}
}

func TestPrintEventsAndChain(t *testing.T) {
	var buf bytes.Buffer
	printEvents(&buf, []audit.Event{{
		Action:    audit.ActionTaskExecuted,
		TaskID:    "0191b6c2-aaaa-7000-8000-0000abcdef12",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Details:   map[string]any{"errors_count": 0},
	}})
	if out := buf.String(); !strings.Contains(out, "task_executed") || !strings.Contains(out, "abcdef12 ") || strings.Contains(out, "0191b6c2") || !strings.Contains(out, `"errors_count":0`) {
		t.Errorf("events = %q", out)
	}

	buf.Reset()
	printChain(&buf, nil)
	if !strings.Contains(buf.String(), "ok") {
		t.Errorf("chain ok = %q", buf.String())
	}
	buf.Reset()
	printChain(&buf, errors.New("event 3: hash mismatch"))
	if !strings.Contains(buf.String(), "BROKEN") {
		t.Errorf("chain broken = %q", buf.String())
	}
}

func TestShortIDsDistinguishCloseTasks(t *testing.T) {
	// Two v7 ids from the same millisecond share their first 8 characters.
	a := "0191b6c2-1d4e-7a01-8c3f-5b2e9d7a1c40"
	b := "0191b6c2-1d4e-7b77-9e10-03f4aa6b82d1"
	if shortID(a) == shortID(b) {
		t.Errorf("shortID(%s) == shortID(%s) == %s", a, b, shortID(a))
	}
	if shortID("t1") != "t1" {
		t.Errorf("short ids should pass through")
	}
}

func TestTruncStrKeepsRunesWhole(t *testing.T) {
	got := truncStr("Grüße an alle", 4)
	if got != "Grüß" {
		t.Errorf("truncStr = %q", got)
	}
	if !utf8.ValidString(truncStr("日本語のテキスト", 3)) {
		t.Error("truncation split a rune")
	}
}
