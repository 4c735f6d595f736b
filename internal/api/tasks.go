package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"taskpilot/pkg/task"
)

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	caller := principalFromContext(r.Context())
	status := task.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, 400, "unknown status: "+string(status))
		return
	}
	tasks, err := s.orch.ListForUser(r.Context(), caller.ID, status, queryInt(r, "limit", 50))
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, 200, nonNil(tasks))
}

func (s *Server) handleTaskPending(w http.ResponseWriter, r *http.Request) {
	caller := principalFromContext(r.Context())
	tasks, err := s.orch.ListPending(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	if !isAdmin(caller) {
		mine := tasks[:0]
		for _, t := range tasks {
			if t.UserID == caller.ID {
				mine = append(mine, t)
			}
		}
		tasks = mine
	}
	writeJSON(w, 200, nonNil(tasks))
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text        string         `json:"text"`
		Preferences map[string]any `json:"preferences"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, 400, "text is required")
		return
	}
	caller := principalFromContext(r.Context())
	t, err := s.orch.PlanAndCreate(r.Context(), req.Text, caller.ID, req.Preferences)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, 201, t)
}

func (s *Server) handleTaskApprove(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	caller := principalFromContext(r.Context())
	res, err := s.orch.Approve(r.Context(), t.ID, caller.ID, queryBool(r, "dry_run"))
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

func (s *Server) handleTaskReject(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	caller := principalFromContext(r.Context())
	if err := s.orch.Reject(r.Context(), t.ID, caller.ID, req.Reason); err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"task_id": t.ID, "status": task.Rejected})
}

func (s *Server) handleTaskExecute(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	caller := principalFromContext(r.Context())
	res, err := s.orch.Execute(r.Context(), t.ID, caller.ID, queryBool(r, "dry_run"))
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

// ownedTask loads the task named in the path. Only its owner or an admin may see it.
func (s *Server) ownedTask(w http.ResponseWriter, r *http.Request) (*task.Task, bool) {
	t, err := s.orch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeTaskError(w, err)
		return nil, false
	}
	caller := principalFromContext(r.Context())
	if t.UserID != caller.ID && !isAdmin(caller) {
		// Indistinguishable from a missing task.
		writeError(w, 404, "task not found")
		return nil, false
	}
	return t, true
}

func nonNil(tasks []task.Task) []task.Task {
	if tasks == nil {
		return []task.Task{}
	}
	return tasks
}
