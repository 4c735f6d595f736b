package api

import (
	"net/http"

	"taskpilot/pkg/audit"
)

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		TaskID: q.Get("task_id"),
		UserID: q.Get("user_id"),
		Action: q.Get("action"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	// Non-admins only see their own trail.
	if caller := principalFromContext(r.Context()); !isAdmin(caller) {
		f.UserID = caller.ID
	}

	events, err := s.audit.Query(r.Context(), f)
	if err != nil {
		s.log.Error("query audit", "error", err)
		writeError(w, 500, "audit store unavailable")
		return
	}
	total, err := s.audit.Count(r.Context(), f)
	if err != nil {
		s.log.Error("count audit", "error", err)
		writeError(w, 500, "audit store unavailable")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, 200, map[string]any{
		"events": events,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(principalFromContext(r.Context())) {
		writeError(w, 403, "forbidden")
		return
	}
	if err := s.audit.VerifyChain(r.Context()); err != nil {
		writeJSON(w, 200, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"valid": true})
}
