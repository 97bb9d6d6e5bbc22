package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/rs/zerolog"

	"formflow/internal/config"
	"formflow/internal/db"
	"formflow/internal/domain"
	"formflow/internal/engine"
	"formflow/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("Test University")
	e := engine.New(conn, cfg, zerolog.Nop())
	seedOrg(t, e)

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:             "test-secret",
			AllowLegacyUserHeader: true,
			Logger:                zerolog.Nop(),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
}

func seedOrg(t *testing.T, e engine.Engine) {
	t.Helper()
	ctx := context.Background()
	ts := "2026-03-01T10:00:00Z"
	roles := []domain.Role{
		{ID: "admin", Name: "Administrator", Category: domain.CategoryEmployee, ScopeLevel: domain.ScopeUnrestricted,
			Permissions: []string{"org.manage", "workflow.manage", "form.manage", "request.read", "delegation.manage", "audit.read"}},
		{ID: "supervisor", Name: "Supervisor", Category: domain.CategoryEmployee, ScopeLevel: domain.ScopeDepartment},
		{ID: "dean", Name: "Dean", Category: domain.CategoryEmployee, ScopeLevel: domain.ScopeCollege},
		{ID: "student", Name: "Student", Category: domain.CategoryStudent, ScopeLevel: domain.ScopeNone},
	}
	for _, role := range roles {
		if err := e.Repo.UpsertRole(ctx, nil, role); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Repo.InsertCollege(ctx, domain.College{ID: "col-1", Name: "Engineering", CreatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	col := "col-1"
	if err := e.Repo.InsertDepartment(ctx, domain.Department{ID: "dept-1", Name: "CS", CollegeID: &col, CreatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	dept := "dept-1"
	users := []domain.User{
		{ID: "admin-1", Name: "Admin", RoleID: "admin", Active: true, CreatedAt: ts},
		{ID: "sup-1", Name: "Supervisor", RoleID: "supervisor", DepartmentID: &dept, Active: true, CreatedAt: ts},
		{ID: "dean-1", Name: "Dean", RoleID: "dean", DepartmentID: &dept, Active: true, CreatedAt: ts},
		{ID: "stu-1", Name: "Student", RoleID: "student", DepartmentID: &dept, Active: true, CreatedAt: ts},
	}
	for _, u := range users {
		if err := e.Repo.InsertUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Repo.SetCollegeDean(ctx, "col-1", "dean-1"); err != nil {
		t.Fatal(err)
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asUser(id string) map[string]string {
	return map[string]string{"X-User-Id": id}
}

func TestSubmitAndApproveOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows", map[string]any{
		"name": "Leave Request",
		"steps": []map[string]any{
			{"order": 1, "approver_kind": "role", "approver_id": "supervisor"},
			{"order": 2, "approver_kind": "role", "approver_id": "dean", "is_final": true},
		},
	}, asUser("admin-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create workflow status %d: %s", res.StatusCode, string(data))
	}
	var wf domain.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/forms", map[string]any{
		"name": "Leave Application",
		"fields": []map[string]any{
			{"name": "reason", "type": "text", "required": true},
			{"name": "days", "type": "number", "required": true},
		},
	}, asUser("admin-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create form status %d: %s", res.StatusCode, string(data))
	}
	var form domain.FormTemplate
	_ = json.Unmarshal(data, &form)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/request-types", map[string]any{
		"name": "Leave", "form_id": form.ID, "workflow_id": wf.ID,
	}, asUser("admin-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create request type status %d: %s", res.StatusCode, string(data))
	}
	var rt domain.RequestType
	_ = json.Unmarshal(data, &rt)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"request_type_id": rt.ID,
		"fields":          map[string]any{"reason": "exam", "days": 2},
	}, asUser("stu-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var req domain.Request
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.Status != domain.StatusPending || req.CurrentStepID == nil {
		t.Fatalf("submitted request = %+v", req)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+req.ID+"/actions", map[string]any{
		"action": "approve",
	}, asUser("sup-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("supervisor approve status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+req.ID+"/actions", map[string]any{
		"action": "approve",
	}, asUser("dean-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dean approve status %d: %s", res.StatusCode, string(data))
	}
	var final RequestResponse
	if err := json.Unmarshal(data, &final); err != nil {
		t.Fatalf("unmarshal final: %v", err)
	}
	if final.Status != domain.StatusApproved {
		t.Fatalf("status = %s, want approved", final.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/"+req.ID+"/actions", nil, asUser("stu-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("trail status %d: %s", res.StatusCode, string(data))
	}
	var trail []domain.RequestAction
	if err := json.Unmarshal(data, &trail); err != nil {
		t.Fatalf("unmarshal trail: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("trail rows = %d, want 3", len(trail))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	// unknown request → 404 envelope
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/nope", nil, asUser("admin-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}

	// non-admin mutation → 403 forbidden
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows", map[string]any{
		"name":  "x",
		"steps": []map[string]any{{"order": 1, "approver_kind": "role", "approver_id": "dean", "is_final": true}},
	}, asUser("stu-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	// inverted delegation window → 422 validation_failed
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/delegations", map[string]any{
		"grantee_id": "sup-1",
		"starts_at":  "2026-03-10T00:00:00Z",
		"ends_at":    "2026-03-01T00:00:00Z",
	}, asUser("dean-1"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestAuthRequiredAndDevLogin(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous /me status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id": "dean-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("/me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if who.UserID != "dean-1" || who.Scope != "college" {
		t.Fatalf("whoami = %+v", who)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}
