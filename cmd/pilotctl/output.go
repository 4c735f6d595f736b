package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"taskpilot/pkg/audit"
	"taskpilot/pkg/permission"
	"taskpilot/pkg/principal"
	"taskpilot/pkg/task"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	labelStyle = lipgloss.NewStyle().Bold(true)
)

func statusStyle(s task.Status) lipgloss.Style {
	switch s {
	case task.Completed:
		return okStyle
	case task.Failed, task.Rejected:
		return errStyle
	case task.Executing, task.Approved:
		return warnStyle
	default:
		return dimStyle
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncStr shortens s to at most n runes.
func truncStr(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}

// shortID returns the last 8 characters of a UUID. The leading characters of
// a v7 UUID are its timestamp and repeat across tasks created close together.
func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

func printTasks(w io.Writer, tasks []task.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no tasks"))
		return
	}
	for _, t := range tasks {
		status := statusStyle(t.Status).Render(fmt.Sprintf("%-10s", t.Status))
		fmt.Fprintf(w, "%-8s  %s  %-16s  %d step(s)  %s\n",
			shortID(t.ID), status, t.CreatedAt.Format("01-02 15:04:05"), len(t.Plan), truncStr(t.Intent, 60))
	}
}

func printTask(w io.Writer, t *task.Task) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("task"), t.ID)
	fmt.Fprintf(w, "  status   %s\n", statusStyle(t.Status).Render(string(t.Status)))
	fmt.Fprintf(w, "  owner    %s\n", t.UserID)
	fmt.Fprintf(w, "  intent   %s\n", t.Intent)
	fmt.Fprintf(w, "  request  %s\n", t.UserText)
	if t.ApprovedBy != "" {
		fmt.Fprintf(w, "  approved %s\n", t.ApprovedBy)
	}
	if t.RejectedBy != "" {
		fmt.Fprintf(w, "  rejected %s (%s)\n", t.RejectedBy, t.RejectionReason)
	}
	if t.ErrorMessage != "" {
		fmt.Fprintf(w, "  error    %s\n", errStyle.Render(t.ErrorMessage))
	}
	for _, s := range t.Plan {
		fmt.Fprintf(w, "  %2d. [%s] %s", s.StepID, s.Tool, s.Action)
		if len(s.Permissions) > 0 {
			fmt.Fprintf(w, " %s", dimStyle.Render(fmt.Sprint(s.Permissions)))
		}
		fmt.Fprintln(w)
	}
}

func printCounts(w io.Writer, counts map[task.Status]int) {
	statuses := make([]task.Status, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	for _, s := range statuses {
		fmt.Fprintf(w, "%s %d\n", statusStyle(s).Render(fmt.Sprintf("%-12s", s)), counts[s])
	}
}

func printPrincipals(w io.Writer, ps []principal.Principal) {
	for _, p := range ps {
		fmt.Fprintf(w, "%-36s  %-16s  %-6s  %d default(s)\n", p.ID, truncStr(p.Name, 16), p.Role, len(p.Permissions))
	}
}

func printGrants(w io.Writer, grants []permission.Grant, now time.Time) {
	for _, g := range grants {
		state := okStyle.Render("live")
		if !g.Live(now) {
			state = dimStyle.Render("inactive")
		}
		resource := g.Resource
		if resource == "" {
			resource = "*"
		}
		expires := "never"
		if g.ExpiresAt != nil {
			expires = g.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%-20s  %-20s  %-8s  expires %s  by %s\n", g.Permission, truncStr(resource, 20), state, expires, g.GrantedBy)
	}
}

func printEvents(w io.Writer, events []audit.Event) {
	for _, e := range events {
		details := ""
		if b, err := json.Marshal(e.Details); err == nil {
			details = string(b)
		}
		fmt.Fprintf(w, "%-19s  %-24s  %-8s  %s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, shortID(e.TaskID), truncStr(details, 80))
	}
}

func printChain(w io.Writer, err error) {
	if err != nil {
		fmt.Fprintln(w, errStyle.Render("audit chain BROKEN: "+err.Error()))
		return
	}
	fmt.Fprintln(w, okStyle.Render("audit chain ok"))
}
