package broadcast

import "encoding/json"

// Inbound message types.
const (
	TypeAuthenticate   = "authenticate"
	TypeSubscribeTasks = "subscribe_tasks"
	TypeApproveTask    = "approve_task"
	TypeRejectTask     = "reject_task"
	TypePing           = "ping"
)

// Outbound message types.
const (
	TypeAuthenticated     = "authenticated"
	TypeTasks             = "tasks"
	TypeTaskResult        = "task_result"
	TypeTaskStatusChanged = "task_status_changed"
	TypeTaskUpdate        = "task_update"
	TypeNotification      = "notification"
	TypePong              = "pong"
	TypeError             = "error"
)

// Message is an inbound frame. Data is decoded per Type.
type Message struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Envelope is an outbound frame.
type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"` // echoes the request ID for replies
	Data any    `json:"data,omitempty"`
}

type authenticateData struct {
	Token string `json:"token"`
}

type approveData struct {
	TaskID string `json:"task_id"`
	DryRun bool   `json:"dry_run"`
}

type rejectData struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

type errorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type notificationData struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}
