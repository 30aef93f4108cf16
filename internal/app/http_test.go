package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"collabhub/api/internal/auth"
	"collabhub/api/internal/filestore"
	"collabhub/api/internal/ledger"
	"collabhub/api/internal/registry"
	"collabhub/api/internal/relay"
	"collabhub/api/internal/review"
	"collabhub/api/internal/search"
	"collabhub/api/internal/session"
	"collabhub/api/internal/store"
)

type testEnv struct {
	handler http.Handler
	files   *filestore.Memory
	reg     *registry.Registry
}

func newTestEnv(t *testing.T, options ...func(*Deps)) *testEnv {
	t.Helper()
	ctx := context.Background()
	db, err := store.Connect(ctx, "sqlite://"+filepath.Join(t.TempDir(), "collabhub.db"), "", false)
	if err != nil {
		t.Fatalf("connect sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	files := filestore.NewMemory()
	changes := ledger.New(db)
	hub := relay.New(16)
	reg := registry.New(nil)
	searchSvc := search.NewService(nil, search.NewScan(changes))
	gate := review.New(changes, files, db, hub, searchSvc)

	deps := Deps{
		Projects: db,
		Changes:  changes,
		Gate:     gate,
		Files:    files,
		Registry: reg,
		Relay:    hub,
		Search:   searchSvc,
		Tickets:  session.NewTickets(session.NewMemoryStore(), time.Minute),
		Issuer:   auth.NewIssuer("test-secret", time.Hour),
	}
	for _, option := range options {
		option(&deps)
	}
	svc := New(deps)
	server := NewHTTPServer(svc, "*", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	return &testEnv{handler: server.Handler(), files: files, reg: reg}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)

	payload := map[string]any{}
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response %s %s: %v body=%s", method, path, err, rr.Body.String())
		}
	}
	return rr, payload
}

// login signs in by display name; the participant id is its slug.
func (e *testEnv) login(t *testing.T, name string) string {
	t.Helper()
	rr, payload := e.do(t, http.MethodPost, "/api/session/login", "", map[string]string{"name": name})
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body=%s", name, rr.Code, rr.Body.String())
	}
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatalf("login %s: missing token", name)
	}
	return token
}

// seedProject creates p1 owned by "owner" with "writer" as a write collaborator.
func (e *testEnv) seedProject(t *testing.T) (owner, writer string) {
	t.Helper()
	owner = e.login(t, "Owner")
	writer = e.login(t, "Writer")
	if rr, _ := e.do(t, http.MethodPost, "/api/projects", owner, map[string]string{"id": "p1", "name": "Project One"}); rr.Code != http.StatusCreated {
		t.Fatalf("create project: status %d body=%s", rr.Code, rr.Body.String())
	}
	if rr, _ := e.do(t, http.MethodPut, "/api/projects/p1/collaborators/writer", owner, map[string]string{"role": "write"}); rr.Code != http.StatusOK {
		t.Fatalf("grant writer: status %d body=%s", rr.Code, rr.Body.String())
	}
	return owner, writer
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	rr, payload := env.do(t, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK || payload["ok"] != true {
		t.Fatalf("health: status %d payload=%v", rr.Code, payload)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}

	rr, payload = env.do(t, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("ready: status %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["status"] != "ready" {
		t.Fatalf("expected ready status, got %v", payload["status"])
	}
	checks, _ := payload["checks"].(map[string]any)
	realtime, _ := checks["realtime"].(map[string]any)
	if realtime["activeSessions"] != float64(0) || realtime["droppedEvents"] != float64(0) {
		t.Fatalf("unexpected realtime check %v", checks["realtime"])
	}
}

func TestSessionLoginAndLookup(t *testing.T) {
	env := newTestEnv(t)

	rr, payload := env.do(t, http.MethodPost, "/api/session/login", "", map[string]string{"name": "  Avery Quinn "})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: status %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["userId"] != "avery-quinn" || payload["userName"] != "Avery Quinn" {
		t.Fatalf("unexpected login payload %v", payload)
	}

	token, _ := payload["token"].(string)
	_, payload = env.do(t, http.MethodGet, "/api/session", token, nil)
	if payload["authenticated"] != true || payload["userId"] != "avery-quinn" {
		t.Fatalf("unexpected session payload %v", payload)
	}

	_, payload = env.do(t, http.MethodGet, "/api/session", "garbage", nil)
	if payload["authenticated"] != false {
		t.Fatalf("expected unauthenticated session for bad token, got %v", payload)
	}
}

func TestSessionLoginValidation(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/session/login", bytes.NewBufferString(`{"name":`))
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for broken JSON, got %d", rr.Code)
	}

	rr, payload := env.do(t, http.MethodPost, "/api/session/login", "", map[string]string{"name": "   "})
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected 422 VALIDATION_ERROR, got %d %v", rr.Code, payload)
	}
}

func TestLoginIgnoresCallerChosenID(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)

	rr, payload := env.do(t, http.MethodPost, "/api/session/login", "", map[string]string{"participantId": "owner", "name": "Mallory"})
	if rr.Code != http.StatusOK || payload["userId"] != "mallory" {
		t.Fatalf("expected id derived from the name, got %d %v", rr.Code, payload)
	}
	token, _ := payload["token"].(string)
	rr, payload = env.do(t, http.MethodGet, "/api/projects/p1", token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected outsider to be forbidden, got %d %v", rr.Code, payload)
	}
}

func TestLoginCanBeDisabled(t *testing.T) {
	env := newTestEnv(t, func(deps *Deps) { deps.LoginDisabled = true })

	rr, payload := env.do(t, http.MethodPost, "/api/session/login", "", map[string]string{"name": "Avery"})
	if rr.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
		t.Fatalf("expected 403 FORBIDDEN, got %d %v", rr.Code, payload)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/projects/p1", "/api/changes/p1/main", "/api/changes/search?projectId=p1&q=x"} {
		rr, payload := env.do(t, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
			t.Fatalf("%s: expected 401 UNAUTHORIZED, got %d %v", path, rr.Code, payload)
		}
	}
}

func TestRealtimeRouteBypassesBearerAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/realtime/ws?ticket=x", nil)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected request to reach the realtime handler, got %d", rr.Code)
	}
}

func TestCreateProjectRefusesTakenID(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	intruder := env.login(t, "Mallory")

	rr, payload := env.do(t, http.MethodPost, "/api/projects", intruder, map[string]string{"id": "p1"})
	if rr.Code != http.StatusConflict || payload["code"] != "CONFLICT" {
		t.Fatalf("expected 409 CONFLICT, got %d %v", rr.Code, payload)
	}

	rr, payload = env.do(t, http.MethodGet, "/api/projects/p1", intruder, nil)
	if rr.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
		t.Fatalf("expected outsider to be forbidden, got %d %v", rr.Code, payload)
	}
}

func TestCreateProjectRejectsUnsafeID(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "Mallory")

	for _, id := range []string{"../../escaped", "..", "a/b", ".git"} {
		rr, payload := env.do(t, http.MethodPost, "/api/projects", token, map[string]string{"id": id})
		if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
			t.Fatalf("create %q: expected 422 VALIDATION_ERROR, got %d %v", id, rr.Code, payload)
		}
	}
	rr, payload := env.do(t, http.MethodPost, "/api/changes", token, ProposeChangeInput{ProjectID: "../../escaped", Branch: "main", FilePath: "/pwn.txt", NewContent: "owned"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a project that was never created, got %d %v", rr.Code, payload)
	}
	if tree, _ := env.files.ListTree(context.Background(), "../../escaped", "main"); len(tree) != 0 {
		t.Fatalf("unexpected write %v", tree)
	}
}

func TestProposeApproveFlow(t *testing.T) {
	env := newTestEnv(t)
	owner, writer := env.seedProject(t)

	rr, payload := env.do(t, http.MethodPost, "/api/changes", writer, ProposeChangeInput{
		ProjectID:  "p1",
		Branch:     "main",
		FilePath:   "src/app.js",
		ChangeType: "create",
		NewContent: "console.log('hi')\n",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("propose: status %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["applied"] != false {
		t.Fatalf("expected writer edit to stay pending, got %v", payload)
	}
	changeID, _ := payload["changeId"].(string)
	if changeID == "" {
		t.Fatalf("expected changeId")
	}
	if _, err := env.files.ReadFile(context.Background(), "p1", "main", "src/app.js"); err == nil {
		t.Fatalf("pending change must not touch storage")
	}

	rr, payload = env.do(t, http.MethodPost, "/api/changes/"+changeID+"/approve", writer, map[string]any{})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected writer approval to be forbidden, got %d %v", rr.Code, payload)
	}

	rr, payload = env.do(t, http.MethodPost, "/api/changes/"+changeID+"/approve", owner, map[string]string{"comment": "ship it"})
	if rr.Code != http.StatusOK {
		t.Fatalf("approve: status %d body=%s", rr.Code, rr.Body.String())
	}
	change, _ := payload["change"].(map[string]any)
	if change["status"] != "approved" || change["reviewComment"] != "ship it" {
		t.Fatalf("unexpected approved change %v", change)
	}

	rr, payload = env.do(t, http.MethodGet, "/api/projects/p1/files/main/src/app.js", writer, nil)
	if rr.Code != http.StatusOK || payload["content"] != "console.log('hi')\n" {
		t.Fatalf("read file: status %d payload=%v", rr.Code, payload)
	}

	rr, payload = env.do(t, http.MethodPost, "/api/changes/"+changeID+"/reject", owner, map[string]any{})
	if rr.Code != http.StatusConflict || payload["code"] != "INVALID_STATE" {
		t.Fatalf("expected 409 INVALID_STATE on second review, got %d %v", rr.Code, payload)
	}

	rr, payload = env.do(t, http.MethodGet, "/api/changes/p1/main?status=approved", writer, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list changes: status %d body=%s", rr.Code, rr.Body.String())
	}
	if items, _ := payload["changes"].([]any); len(items) != 1 {
		t.Fatalf("expected one approved change, got %v", payload["changes"])
	}

	rr, payload = env.do(t, http.MethodGet, "/api/changes/"+changeID, writer, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get change: status %d body=%s", rr.Code, rr.Body.String())
	}

	rr, payload = env.do(t, http.MethodGet, "/api/changes/search?projectId=p1&q=APP.JS", writer, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("search: status %d body=%s", rr.Code, rr.Body.String())
	}
	if results, _ := payload["results"].([]any); len(results) != 1 {
		t.Fatalf("expected one search hit, got %v", payload)
	}
}

func TestOwnerEditCommitsDirectly(t *testing.T) {
	env := newTestEnv(t)
	owner, _ := env.seedProject(t)

	rr, payload := env.do(t, http.MethodPost, "/api/changes", owner, ProposeChangeInput{
		ProjectID:  "p1",
		Branch:     "feature/x",
		FilePath:   "README.md",
		NewContent: "# hello\n",
	})
	if rr.Code != http.StatusOK || payload["applied"] != true {
		t.Fatalf("expected direct commit, got %d %v", rr.Code, payload)
	}

	rr, payload = env.do(t, http.MethodGet, "/api/projects/p1/files/feature%2Fx", owner, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list files: status %d body=%s", rr.Code, rr.Body.String())
	}
	if files, _ := payload["files"].([]any); len(files) != 1 || files[0] != "/README.md" {
		t.Fatalf("unexpected tree %v", payload["files"])
	}

	rr, payload = env.do(t, http.MethodGet, "/api/changes/p1/feature%2Fx", owner, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list changes: status %d body=%s", rr.Code, rr.Body.String())
	}
	if items, _ := payload["changes"].([]any); len(items) != 0 {
		t.Fatalf("owner commits leave no change records, got %v", items)
	}
}

func TestReaderCannotPropose(t *testing.T) {
	env := newTestEnv(t)
	owner, _ := env.seedProject(t)
	reader := env.login(t, "Reader")
	if rr, _ := env.do(t, http.MethodPut, "/api/projects/p1/collaborators/reader", owner, map[string]string{"role": "read"}); rr.Code != http.StatusOK {
		t.Fatalf("grant reader: %d", rr.Code)
	}

	rr, payload := env.do(t, http.MethodPost, "/api/changes", reader, ProposeChangeInput{ProjectID: "p1", Branch: "main", FilePath: "a.txt", NewContent: "x"})
	if rr.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
		t.Fatalf("expected 403 FORBIDDEN, got %d %v", rr.Code, payload)
	}

	rr, payload = env.do(t, http.MethodPut, "/api/projects/p1/collaborators/reader", reader, map[string]string{"role": "admin"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("reader must not grant roles, got %d %v", rr.Code, payload)
	}

	rr, payload = env.do(t, http.MethodGet, "/api/projects/p1/collaborators", reader, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list collaborators: %d %v", rr.Code, payload)
	}
}

func TestProposeValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	_, writer := env.seedProject(t)

	cases := []struct {
		name   string
		input  ProposeChangeInput
		status int
		code   string
	}{
		{"unknown type", ProposeChangeInput{ProjectID: "p1", Branch: "main", FilePath: "a", ChangeType: "explode"}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"path escape", ProposeChangeInput{ProjectID: "p1", Branch: "main", FilePath: "../etc/passwd"}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"unknown project", ProposeChangeInput{ProjectID: "nope", Branch: "main", FilePath: "a"}, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr, payload := env.do(t, http.MethodPost, "/api/changes", writer, tc.input)
			if rr.Code != tc.status || payload["code"] != tc.code {
				t.Fatalf("expected %d %s, got %d %v", tc.status, tc.code, rr.Code, payload)
			}
		})
	}

	rr, _ := env.do(t, http.MethodPost, "/api/changes", writer, ProposeChangeInput{ProjectID: "p1", Branch: "main", FilePath: "a", NewContent: "1"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("first proposal: %d", rr.Code)
	}
	rr, payload := env.do(t, http.MethodPost, "/api/changes", writer, ProposeChangeInput{ProjectID: "p1", Branch: "main", FilePath: "a", NewContent: "2"})
	if rr.Code != http.StatusConflict || payload["code"] != "CONFLICT" {
		t.Fatalf("expected second pending proposal to conflict, got %d %v", rr.Code, payload)
	}
}

func TestPresenceAndTickets(t *testing.T) {
	env := newTestEnv(t)
	owner, _ := env.seedProject(t)
	if _, err := env.reg.Join(registry.Participant{ID: "writer", DisplayName: "Wes"}, "p1", "main"); err != nil {
		t.Fatalf("join: %v", err)
	}

	rr, payload := env.do(t, http.MethodGet, "/api/projects/p1/branches/main/presence", owner, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("presence: %d %v", rr.Code, payload)
	}
	if users, _ := payload["activeUsers"].([]any); len(users) != 1 {
		t.Fatalf("expected one active user, got %v", payload["activeUsers"])
	}

	rr, payload = env.do(t, http.MethodPost, "/api/realtime/ticket", owner, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("ticket: %d %v", rr.Code, payload)
	}
	if ticket, _ := payload["ticket"].(string); ticket == "" {
		t.Fatalf("expected ticket, got %v", payload)
	}
}

func TestHistoryWithoutGitBackend(t *testing.T) {
	env := newTestEnv(t)
	owner, _ := env.seedProject(t)

	rr, payload := env.do(t, http.MethodGet, "/api/projects/p1/history/main", owner, nil)
	if rr.Code != http.StatusNotImplemented || payload["code"] != "NOT_SUPPORTED" {
		t.Fatalf("expected 501 NOT_SUPPORTED, got %d %v", rr.Code, payload)
	}

	rr, payload = env.do(t, http.MethodGet, "/api/projects/p1/history/main?limit=abc", owner, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad limit, got %d %v", rr.Code, payload)
	}
}

func TestSplitPathKeepsEscapedSlashes(t *testing.T) {
	parts, err := splitPath("/api/changes/p1/feature%2Fx")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	want := []string{"api", "changes", "p1", "feature/x"}
	if len(parts) != len(want) {
		t.Fatalf("expected %v, got %v", want, parts)
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, parts)
		}
	}
	if _, err := splitPath("/api/%zz"); err == nil {
		t.Fatalf("expected error for malformed escape")
	}
}
