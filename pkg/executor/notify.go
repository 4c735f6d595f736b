package executor

import (
	"context"
	"errors"
	"fmt"

	"taskpilot/pkg/task"
)

// NotificationTool is the tool name the notification executor is registered under.
const NotificationTool = "notification"

// Notifier delivers a notification to a principal's connected clients and
// reports how many received it.
type Notifier interface {
	Notify(ctx context.Context, principalID, title, message string) int
}

// Notify sends params.message (and optional params.title) to the clients of
// the principal the step runs for.
type Notify struct {
	to Notifier
}

// NewNotify creates a notification executor delivering through to.
func NewNotify(to Notifier) *Notify {
	return &Notify{to: to}
}

// Execute delivers the notification, or describes it when dryRun is set.
func (n *Notify) Execute(ctx context.Context, step task.Step, dryRun bool) (Result, error) {
	msg, _ := step.Params["message"].(string)
	if msg == "" {
		return Result{}, errors.New("params.message is required")
	}
	title, _ := step.Params["title"].(string)
	if title == "" {
		title = "taskpilot"
	}
	if dryRun {
		return Result{Success: true, Output: fmt.Sprintf("would notify: %s: %s", title, msg)}, nil
	}

	inv := InvocationFrom(ctx)
	if inv.UserID == "" {
		return Result{Error: "no recipient for notification"}, nil
	}
	delivered := n.to.Notify(ctx, inv.UserID, title, msg)
	if delivered == 0 {
		return Result{Error: "no connected clients", Output: map[string]any{"delivered": 0}}, nil
	}
	return Result{Success: true, Output: map[string]any{"delivered": delivered}}, nil
}
