package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"taskpilot/pkg/audit"
	"taskpilot/pkg/permission"
	"taskpilot/pkg/principal"
)

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	caller := principalFromContext(r.Context())
	if id != caller.ID && !isAdmin(caller) {
		writeError(w, 403, "forbidden")
		return
	}
	grants, err := s.perms.Grants(r.Context(), id)
	if err != nil {
		s.log.Error("list grants", "principal", id, "error", err)
		writeError(w, 500, "permission store unavailable")
		return
	}
	if grants == nil {
		grants = []permission.Grant{}
	}
	effective := s.perms.Effective(r.Context(), id)
	resp := map[string]any{
		"principal_id": id,
		"effective":    effective.Sorted(),
		"grants":       grants,
	}
	// ?permission=&resource= answers a single check. With a resource, an
	// exact live grant row is required on top of the permission itself.
	if perm := r.URL.Query().Get("permission"); perm != "" {
		resource := r.URL.Query().Get("resource")
		allowed := effective.Has(perm)
		if resource != "" {
			allowed = s.perms.HasResource(r.Context(), id, perm, resource)
		}
		resp["check"] = map[string]any{
			"permission": perm,
			"resource":   resource,
			"allowed":    allowed,
		}
	}
	writeJSON(w, 200, resp)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireManager(w, r)
	if !ok {
		return
	}
	var req struct {
		Permission string     `json:"permission"`
		Resource   string     `json:"resource"`
		ExpiresAt  *time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	g, err := s.perms.Grant(r.Context(), &permission.Grant{
		PrincipalID: id,
		Permission:  req.Permission,
		Resource:    req.Resource,
		ExpiresAt:   req.ExpiresAt,
		GrantedBy:   caller.ID,
	})
	switch {
	case errors.Is(err, permission.ErrUnknownPermission):
		writeError(w, 400, err.Error())
		return
	case errors.Is(err, principal.ErrNotFound):
		writeError(w, 404, "principal not found")
		return
	case err != nil:
		s.log.Error("grant permission", "principal", id, "error", err)
		writeError(w, 500, "permission store unavailable")
		return
	}
	s.audit.Record(r.Context(), audit.Event{
		UserID: caller.ID,
		Action: audit.ActionPermissionGranted,
		Source: "api",
		Details: map[string]any{
			"principal_id": id,
			"permission":   g.Permission,
			"resource":     g.Resource,
		},
	})
	writeJSON(w, 201, g)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireManager(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	perm := chi.URLParam(r, "permission")
	resource := r.URL.Query().Get("resource")
	n, err := s.perms.Revoke(r.Context(), id, perm, resource)
	if err != nil {
		s.log.Error("revoke permission", "principal", id, "error", err)
		writeError(w, 500, "permission store unavailable")
		return
	}
	if n == 0 {
		writeError(w, 404, "no active grant")
		return
	}
	s.audit.Record(r.Context(), audit.Event{
		UserID: caller.ID,
		Action: audit.ActionPermissionRevoked,
		Source: "api",
		Details: map[string]any{
			"principal_id": id,
			"permission":   perm,
			"resource":     resource,
			"revoked":      n,
		},
	})
	writeJSON(w, 200, map[string]any{"revoked": n})
}

// requireManager admits admins holding manage_permissions.
func (s *Server) requireManager(w http.ResponseWriter, r *http.Request) (*principal.Principal, bool) {
	caller := principalFromContext(r.Context())
	if !isAdmin(caller) || !s.perms.Effective(r.Context(), caller.ID).Has(permission.ManagePermissions) {
		writeError(w, 403, "forbidden")
		return nil, false
	}
	return caller, true
}
