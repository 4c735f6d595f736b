package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"taskpilot/pkg/audit"
	"taskpilot/pkg/broadcast"
	"taskpilot/pkg/executor"
	"taskpilot/pkg/orchestrator"
	"taskpilot/pkg/permission"
	"taskpilot/pkg/planner"
	"taskpilot/pkg/principal"
	"taskpilot/pkg/task"
)

const catalog = `
plans:
  - match: greet
    intent: Greet the user
    steps:
      - action: Say hello
        tool: speech
        permissions: [speak]
      - action: Show a notification
        tool: notification
        permissions: [send_notification]
  - match: status
    intent: Show repository status
    steps:
      - action: Run git status
        tool: system
        params: {command: git, args: [status]}
        permissions: [run_command]
`

type env struct {
	srv        *Server
	auditStore *audit.MemStore
	userKey    string
	otherKey   string
	adminKey   string
	user       *principal.Principal
	calls      map[string]int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := &env{auditStore: audit.NewMemStore(), calls: map[string]int{}}
	users := principal.NewMemStore()
	checker := permission.NewChecker(users, permission.NewMemStore(), log)
	rec := audit.NewRecorder(e.auditStore, log)

	var err error
	e.user, e.userKey, err = users.Register(ctx, "alice", principal.RoleUser, permission.DefaultsFor(principal.RoleUser))
	if err != nil {
		t.Fatal(err)
	}
	_, e.otherKey, _ = users.Register(ctx, "bob", principal.RoleUser, permission.DefaultsFor(principal.RoleUser))
	_, e.adminKey, _ = users.Register(ctx, "root", principal.RoleAdmin, permission.DefaultsFor(principal.RoleAdmin))

	reg := executor.NewRegistry()
	for _, tool := range []string{"speech", "notification", "system"} {
		tool := tool
		reg.Register(tool, executor.Func(func(_ context.Context, s task.Step, dryRun bool) (executor.Result, error) {
			if !dryRun {
				e.calls[tool]++
			}
			return executor.Result{Success: true, Output: s.Action}, nil
		}))
	}

	fp, err := planner.ParseCatalog([]byte(catalog))
	if err != nil {
		t.Fatal(err)
	}
	orch := orchestrator.New(orchestrator.Deps{
		Tasks:       task.NewMemStore(),
		Permissions: checker,
		Executors:   reg,
		Planner:     fp,
		Audit:       rec,
		Logger:      log,
	}, orchestrator.Options{PersistRetries: 1})
	hub := broadcast.NewHub(orch, users, log, broadcast.DefaultOptions())

	e.srv = New(Deps{
		Orchestrator: orch,
		Principals:   users,
		Permissions:  checker,
		Audit:        rec,
		Hub:          hub,
		Logger:       log,
	})
	return e
}

func (e *env) do(t *testing.T, method, path, key string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	var out map[string]any
	json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func (e *env) createTask(t *testing.T, text string) string {
	t.Helper()
	w, body := e.do(t, "POST", "/api/tasks", e.userKey, map[string]any{"text": text})
	if w.Code != 201 {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	return body["id"].(string)
}

func TestHealthIsPublic(t *testing.T) {
	e := newEnv(t)
	if w, _ := e.do(t, "GET", "/health", "", nil); w.Code != 200 {
		t.Errorf("health = %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)
	if w, _ := e.do(t, "GET", "/api/tasks", "", nil); w.Code != 401 {
		t.Errorf("no token = %d", w.Code)
	}
	if w, _ := e.do(t, "GET", "/api/tasks", "tp_bogus", nil); w.Code != 401 {
		t.Errorf("bad token = %d", w.Code)
	}
}

func TestCreateApproveFlow(t *testing.T) {
	e := newEnv(t)
	id := e.createTask(t, "please greet me")

	w, body := e.do(t, "POST", "/api/tasks/"+id+"/approve?dry_run=true", e.userKey, nil)
	if w.Code != 200 || body["dry_run"] != true {
		t.Fatalf("dry approve: %d %s", w.Code, w.Body.String())
	}
	if preview := body["preview"].([]any); len(preview) != 2 {
		t.Errorf("preview = %v", preview)
	}
	if len(e.calls) != 0 {
		t.Errorf("executors called during dry run: %v", e.calls)
	}

	w, body = e.do(t, "POST", "/api/tasks/"+id+"/execute", e.userKey, nil)
	if w.Code != 200 || body["status"] != "completed" || body["success"] != true {
		t.Fatalf("execute: %d %s", w.Code, w.Body.String())
	}
	if e.calls["speech"] != 1 || e.calls["notification"] != 1 {
		t.Errorf("calls = %v", e.calls)
	}

	if w, _ := e.do(t, "POST", "/api/tasks/"+id+"/execute", e.userKey, nil); w.Code != 409 {
		t.Errorf("second execute = %d", w.Code)
	}

	w, body = e.do(t, "GET", "/api/tasks/"+id, e.userKey, nil)
	if w.Code != 200 || body["status"] != "completed" {
		t.Errorf("get: %d %v", w.Code, body)
	}
}

func TestMissingPermissionFailsTask(t *testing.T) {
	e := newEnv(t)
	id := e.createTask(t, "git status please")

	w, body := e.do(t, "POST", "/api/tasks/"+id+"/approve", e.userKey, nil)
	if w.Code != 200 || body["status"] != "failed" {
		t.Fatalf("approve: %d %s", w.Code, w.Body.String())
	}
	if e.calls["system"] != 0 {
		t.Error("denied step reached executor")
	}
}

func TestPlanningFailureIs422(t *testing.T) {
	e := newEnv(t)
	if w, _ := e.do(t, "POST", "/api/tasks", e.userKey, map[string]any{"text": "book a flight"}); w.Code != 422 {
		t.Errorf("code = %d", w.Code)
	}
	if w, _ := e.do(t, "POST", "/api/tasks", e.userKey, map[string]any{}); w.Code != 400 {
		t.Errorf("empty text = %d", w.Code)
	}
}

func TestRejectAndConflict(t *testing.T) {
	e := newEnv(t)
	id := e.createTask(t, "greet")

	w, _ := e.do(t, "POST", "/api/tasks/"+id+"/reject", e.userKey, map[string]any{"reason": "not needed"})
	if w.Code != 200 {
		t.Fatalf("reject = %d", w.Code)
	}
	_, body := e.do(t, "GET", "/api/tasks/"+id, e.userKey, nil)
	if body["status"] != "rejected" || body["rejection_reason"] != "not needed" {
		t.Errorf("task = %v", body)
	}
	if _, ok := body["approved_by"]; ok {
		t.Error("approved_by should be unset")
	}
	if w, _ := e.do(t, "POST", "/api/tasks/"+id+"/approve", e.userKey, nil); w.Code != 409 {
		t.Errorf("approve after reject = %d", w.Code)
	}
}

func TestOtherUsersCannotSeeTask(t *testing.T) {
	e := newEnv(t)
	id := e.createTask(t, "greet")

	if w, _ := e.do(t, "GET", "/api/tasks/"+id, e.otherKey, nil); w.Code != 404 {
		t.Errorf("other get = %d", w.Code)
	}
	if w, _ := e.do(t, "POST", "/api/tasks/"+id+"/approve", e.otherKey, nil); w.Code != 404 {
		t.Errorf("other approve = %d", w.Code)
	}
	if w, _ := e.do(t, "GET", "/api/tasks/"+id, e.adminKey, nil); w.Code != 200 {
		t.Errorf("admin get = %d", w.Code)
	}
	if w, _ := e.do(t, "GET", "/api/tasks/nope", e.userKey, nil); w.Code != 404 {
		t.Errorf("missing = %d", w.Code)
	}
}

func TestGrantRevokeRequiresAdmin(t *testing.T) {
	e := newEnv(t)
	path := "/api/principals/" + e.user.ID + "/grants"

	if w, _ := e.do(t, "POST", path, e.userKey, map[string]any{"permission": "run_command"}); w.Code != 403 {
		t.Errorf("self grant = %d", w.Code)
	}
	if w, _ := e.do(t, "POST", path, e.adminKey, map[string]any{"permission": "fly"}); w.Code != 400 {
		t.Errorf("unknown permission = %d", w.Code)
	}
	if w, _ := e.do(t, "POST", path, e.adminKey, map[string]any{"permission": "run_command"}); w.Code != 201 {
		t.Fatalf("grant = %d", w.Code)
	}

	_, body := e.do(t, "GET", "/api/principals/"+e.user.ID+"/permissions", e.userKey, nil)
	if !contains(body["effective"].([]any), "run_command") {
		t.Errorf("effective = %v", body["effective"])
	}

	// Now the git status plan completes.
	id := e.createTask(t, "status")
	_, res := e.do(t, "POST", "/api/tasks/"+id+"/approve", e.userKey, nil)
	if res["status"] != "completed" {
		t.Errorf("after grant: %v", res)
	}

	if w, _ := e.do(t, "DELETE", path+"/run_command", e.adminKey, nil); w.Code != 200 {
		t.Errorf("revoke = %d", w.Code)
	}
	if w, _ := e.do(t, "DELETE", path+"/run_command", e.adminKey, nil); w.Code != 404 {
		t.Errorf("second revoke = %d", w.Code)
	}

	n, _ := e.auditStore.Count(context.Background(), audit.Filter{Action: audit.ActionPermissionGranted})
	if n != 1 {
		t.Errorf("permission_granted events = %d", n)
	}
}

func TestAuditScopedToCaller(t *testing.T) {
	e := newEnv(t)
	id := e.createTask(t, "greet")
	e.do(t, "POST", "/api/tasks/"+id+"/approve", e.userKey, nil)

	_, body := e.do(t, "GET", "/api/audit?task_id="+id+"&action=task_executed", e.userKey, nil)
	if body["total"].(float64) != 1 {
		t.Errorf("audit = %v", body)
	}
	_, body = e.do(t, "GET", "/api/audit", e.otherKey, nil)
	if body["total"].(float64) != 0 {
		t.Errorf("other user sees %v events", body["total"])
	}

	if w, _ := e.do(t, "GET", "/api/audit/verify", e.userKey, nil); w.Code != 403 {
		t.Errorf("verify as user = %d", w.Code)
	}
	_, body = e.do(t, "GET", "/api/audit/verify", e.adminKey, nil)
	if body["valid"] != true {
		t.Errorf("verify = %v", body)
	}
}

func TestStatusAndExecutors(t *testing.T) {
	e := newEnv(t)
	e.createTask(t, "greet")
	w, body := e.do(t, "GET", "/api/status", e.userKey, nil)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if body["tasks"].(map[string]any)["pending"].(float64) != 1 {
		t.Errorf("status = %v", body)
	}

	req := httptest.NewRequest("GET", "/api/executors", nil)
	req.Header.Set("Authorization", "Bearer "+e.userKey)
	rw := httptest.NewRecorder()
	e.srv.ServeHTTP(rw, req)
	var tools []string
	json.Unmarshal(rw.Body.Bytes(), &tools)
	if len(tools) != 3 || tools[0] != "notification" {
		t.Errorf("executors = %v", tools)
	}
}

func TestResourceScopedPermissionCheck(t *testing.T) {
	e := newEnv(t)
	base := "/api/principals/" + e.user.ID
	check := func(query string) map[string]any {
		t.Helper()
		w, body := e.do(t, "GET", base+"/permissions?"+query, e.userKey, nil)
		if w.Code != 200 {
			t.Fatalf("%s: %d", query, w.Code)
		}
		return body["check"].(map[string]any)
	}

	if c := check("permission=speak"); c["allowed"] != true {
		t.Errorf("default permission without resource = %v", c)
	}
	if c := check("permission=speak&resource=speaker:kitchen"); c["allowed"] != false {
		t.Errorf("resource check without a grant row = %v", c)
	}

	if w, _ := e.do(t, "POST", base+"/grants", e.adminKey, map[string]any{"permission": "send_message", "resource": "chat:family"}); w.Code != 201 {
		t.Fatalf("grant = %d", w.Code)
	}
	if c := check("permission=send_message&resource=chat:family"); c["allowed"] != true {
		t.Errorf("granted resource = %v", c)
	}
	if c := check("permission=send_message&resource=chat:work"); c["allowed"] != false {
		t.Errorf("other resource = %v", c)
	}

	if w, _ := e.do(t, "GET", base+"/permissions?permission=speak", e.otherKey, nil); w.Code != 403 {
		t.Errorf("other user check = %d", w.Code)
	}
}

func contains(list []any, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var _ http.Handler = (*Server)(nil)
