package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"formflow/internal/config"
	"formflow/internal/db"
	"formflow/internal/domain"
	"formflow/internal/engine"
	"formflow/internal/migrate"
	"formflow/internal/repo"
	"formflow/internal/storage"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("Test University")
	eng := engine.New(conn, cfg, zerolog.Nop())
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	eng.Attachments = storage.New("file://" + dir + "/store")
	eng.Attachments.Now = eng.Now
	return testEnv{Engine: eng, Ctx: context.Background()}
}

// fixture ids used across the lifecycle tests.
type chainFixture struct {
	Student       string
	Supervisor    string
	Dean          string
	Admin         string
	Outsider      string
	WorkflowID    string
	FormID        string
	RequestTypeID string
}

func seedApprovalChain(t *testing.T, env testEnv) chainFixture {
	t.Helper()
	r := env.Engine.Repo
	ctx := env.Ctx
	ts := "2026-03-01T10:00:00Z"

	roles := []domain.Role{
		{ID: "student", Name: "Student", Category: domain.CategoryStudent, ScopeLevel: domain.ScopeNone},
		{ID: "supervisor", Name: "Supervisor", Category: domain.CategoryEmployee, ScopeLevel: domain.ScopeDepartment},
		{ID: "dean", Name: "Dean", Category: domain.CategoryEmployee, ScopeLevel: domain.ScopeCollege},
		{ID: "admin", Name: "Administrator", Category: domain.CategoryEmployee, ScopeLevel: domain.ScopeUnrestricted},
	}
	for _, role := range roles {
		if err := r.UpsertRole(ctx, nil, role); err != nil {
			t.Fatalf("seed role %s: %v", role.ID, err)
		}
	}
	if err := r.InsertCollege(ctx, domain.College{ID: "col-eng", Name: "Engineering", CreatedAt: ts}); err != nil {
		t.Fatalf("seed college: %v", err)
	}
	collegeID := "col-eng"
	if err := r.InsertDepartment(ctx, domain.Department{ID: "dept-cs", Name: "Computer Science", CollegeID: &collegeID, CreatedAt: ts}); err != nil {
		t.Fatalf("seed department: %v", err)
	}
	dept := "dept-cs"
	users := []domain.User{
		{ID: "stu-1", Name: "Student One", RoleID: "student", DepartmentID: &dept, Active: true, CreatedAt: ts},
		{ID: "sup-1", Name: "Supervisor One", RoleID: "supervisor", DepartmentID: &dept, Active: true, CreatedAt: ts},
		{ID: "dean-1", Name: "Dean One", RoleID: "dean", DepartmentID: &dept, Active: true, CreatedAt: ts},
		{ID: "admin-1", Name: "Admin One", RoleID: "admin", Active: true, CreatedAt: ts},
		{ID: "out-1", Name: "Outsider", RoleID: "student", Active: true, CreatedAt: ts},
	}
	for _, u := range users {
		if err := r.InsertUser(ctx, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	if err := r.SetCollegeDean(ctx, "col-eng", "dean-1"); err != nil {
		t.Fatalf("seed dean: %v", err)
	}

	wf, err := env.Engine.CreateWorkflow(ctx, "admin-1", "Leave Request", []domain.WorkflowStep{
		{Order: 1, Approver: domain.ApproverBinding{Kind: domain.BindRole, ID: "supervisor"}},
		{Order: 2, Approver: domain.ApproverBinding{Kind: domain.BindRole, ID: "dean"}, IsFinal: true},
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	form, err := env.Engine.CreateForm(ctx, "admin-1", domain.FormTemplate{
		Name: "Leave Application",
		Fields: []domain.FormField{
			{Name: "reason", Type: "text", Required: true},
			{Name: "days", Type: "number", Required: true},
			{Name: "start", Type: "date"},
		},
	})
	if err != nil {
		t.Fatalf("create form: %v", err)
	}
	rt, err := env.Engine.CreateRequestType(ctx, "admin-1", domain.RequestType{
		Name: "Leave", FormID: form.ID, WorkflowID: &wf.ID,
	})
	if err != nil {
		t.Fatalf("create request type: %v", err)
	}
	return chainFixture{
		Student: "stu-1", Supervisor: "sup-1", Dean: "dean-1", Admin: "admin-1", Outsider: "out-1",
		WorkflowID: wf.ID, FormID: form.ID, RequestTypeID: rt.ID,
	}
}

func submitLeave(t *testing.T, env testEnv, fix chainFixture) domain.Request {
	t.Helper()
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		RequesterID:   fix.Student,
		RequestTypeID: fix.RequestTypeID,
		Fields:        map[string]any{"reason": "exam leave", "days": 3},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return req
}

func TestApprovalChainToTerminal(t *testing.T) {
	env := newTestEnv(t)
	fix := seedApprovalChain(t, env)
	req := submitLeave(t, env, fix)

	if req.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
	if req.CurrentStepID == nil {
		t.Fatalf("current step not set on submit")
	}
	if req.ReferenceNo != "REQ-2026-0001" {
		t.Fatalf("reference = %s", req.ReferenceNo)
	}

	res, err := env.Engine.Act(env.Ctx, engine.ActOptions{RequestID: req.ID, ActorID: fix.Supervisor, Action: domain.ActionApprove})
	if err != nil {
		t.Fatalf("supervisor approve: %v", err)
	}
	if res.Request.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", res.Request.Status)
	}
	if res.Request.CurrentStepID == nil || *res.Request.CurrentStepID == *req.CurrentStepID {
		t.Fatalf("step pointer did not advance")
	}

	res, err = env.Engine.Act(env.Ctx, engine.ActOptions{RequestID: req.ID, ActorID: fix.Dean, Action: domain.ActionApprove})
	if err != nil {
		t.Fatalf("dean approve: %v", err)
	}
	if res.Request.Status != domain.StatusApproved {
		t.Fatalf("status = %s, want approved", res.Request.Status)
	}
	if res.Request.CurrentStepID != nil {
		t.Fatalf("current step should be null on terminal approval")
	}
	if res.Request.DecidedAt == nil {
		t.Fatalf("decided_at not set")
	}

	// one approve row per step, in step order
	actions, err := env.Engine.Repo.ListActions(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	var approves []domain.RequestAction
	for _, a := range actions {
		if a.Action == domain.ActionApprove {
			approves = append(approves, a)
		}
	}
	if len(approves) != 2 {
		t.Fatalf("approve actions = %d, want 2", len(approves))
	}
	if approves[0].ActorID != fix.Supervisor || approves[1].ActorID != fix.Dean {
		t.Fatalf("approve order wrong: %s then %s", approves[0].ActorID, approves[1].ActorID)
	}

	// the request is terminal; a late approve has no active step
	_, err = env.Engine.Act(env.Ctx, engine.ActOptions{RequestID: req.ID, ActorID: fix.Supervisor, Action: domain.ActionApprove})
	var unauthorized engine.UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("late approve: got %v, want UnauthorizedError", err)
	}
}

func TestUnauthorizedActorHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	fix := seedApprovalChain(t, env)
	req := submitLeave(t, env, fix)

	// the dean is bound to step 2, not step 1
	_, err := env.Engine.Act(env.Ctx, engine.ActOptions{RequestID: req.ID, ActorID: fix.Dean, Action: domain.ActionApprove})
	var unauthorized engine.UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("got %v, want UnauthorizedError", err)
	}
	got, err := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending || got.Version != 1 {
		t.Fatalf("request mutated by unauthorized action: status=%s version=%d", got.Status, got.Version)
	}
	actions, _ := env.Engine.Repo.ListActions(env.Ctx, req.ID)
	if len(actions) != 1 {
		t.Fatalf("trail grew on unauthorized action: %d rows", len(actions))
	}
}

func TestRejectFreezesStep(t *testing.T) {
	env := newTestEnv(t)
	fix := seedApprovalChain(t, env)
	req := submitLeave(t, env, fix)

	res, err := env.Engine.Act(env.Ctx, engine.ActOptions{
		RequestID: req.ID, ActorID: fix.Supervisor, Action: domain.ActionReject, Comment: "not eligible",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Request.Status != domain.StatusRejected {
		t.Fatalf("status = %s, want rejected", res.Request.Status)
	}
	if res.Request.CurrentStepID == nil || *res.Request.CurrentStepID != *req.CurrentStepID {
		t.Fatalf("reject must freeze the step pointer")
	}
	// terminal: requester cannot resubmit a rejected request
	_, err = env.Engine.Resubmit(env.Ctx, engine.ResubmitOptions{
		RequestID: req.ID, ActorID: fix.Student,
		Fields: map[string]any{"reason": "retry", "days": 1},
	})
	var validation engine.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("resubmit rejected request: got %v, want ValidationError", err)
	}
}

func TestCommentMandatoryOnRejectAndReturn(t *testing.T) {
	env := newTestEnv(t)
	fix := seedApprovalChain(t, env)
	req := submitLeave(t, env, fix)

	for _, action := range []string{domain.ActionReject, domain.ActionRejectWithChanges, domain.ActionApproveWithChanges} {
		_, err := env.Engine.Act(env.Ctx, engine.ActOptions{RequestID: req.ID, ActorID: fix.Supervisor, Action: action})
		var validation engine.ValidationError
		if !errors.As(err, &validation) {
			t.Fatalf("%s without comment: got %v, want ValidationError", action, err)
		}
	}
}

func TestReturnAndResubmitPreservesStep(t *testing.T) {
	env := newTestEnv(t)
	fix := seedApprovalChain(t, env)
	req := submitLeave(t, env, fix)

	// advance to the dean's step, then return for changes
	if _, err := env.Engine.Act(env.Ctx, engine.ActOptions{RequestID: req.ID, ActorID: fix.Supervisor, Action: domain.ActionApprove}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	res, err := env.Engine.Act(env.Ctx, engine.ActOptions{
		RequestID: req.ID, ActorID: fix.Dean, Action: domain.ActionRejectWithChanges, Comment: "attach transcript",
	})
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if res.Request.Status != domain.StatusReturned {
		t.Fatalf("status = %s, want returned", res.Request.Status)
	}
	deanStep := *res.Request.CurrentStepID

	// an approver cannot act while the request is with the requester
	_, err = env.Engine.Act(env.Ctx, engine.ActOptions{RequestID: req.ID, ActorID: fix.Dean, Action: domain.ActionApprove})
	var validation engine.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("act on returned request: got %v, want ValidationError", err)
	}

	// only the original requester may resubmit
	_, err = env.Engine.Resubmit(env.Ctx, engine.ResubmitOptions{
		RequestID: req.ID, ActorID: fix.Outsider,
		Fields: map[string]any{"reason": "hijack", "days": 1},
	})
	var unauthorized engine.UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("resubmit by non-requester: got %v, want UnauthorizedError", err)
	}

	resub, err := env.Engine.Resubmit(env.Ctx, engine.ResubmitOptions{
		RequestID: req.ID, ActorID: fix.Student,
		Fields: map[string]any{"reason": "exam leave, transcript attached", "days": 3},
	})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if resub.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", resub.Status)
	}
	if resub.CurrentStepID == nil || *resub.CurrentStepID != deanStep {
		t.Fatalf("resubmit must route back to the same step, not step 1")
	}

	// the dean can now finish the chain
	final, err := env.Engine.Act(env.Ctx, engine.ActOptions{RequestID: req.ID, ActorID: fix.Dean, Action: domain.ActionApprove})
	if err != nil {
		t.Fatalf("final approve: %v", err)
	}
	if final.Request.Status != domain.StatusApproved {
		t.Fatalf("status = %s, want approved", final.Request.Status)
	}
}

func TestInactiveRequesterCannotResubmit(t *testing.T) {
	env := newTestEnv(t)
	fix := seedApprovalChain(t, env)
	req := submitLeave(t, env, fix)

	if _, err := env.Engine.Act(env.Ctx, engine.ActOptions{
		RequestID: req.ID, ActorID: fix.Supervisor, Action: domain.ActionRejectWithChanges, Comment: "fix dates",
	}); err != nil {
		t.Fatalf("return: %v", err)
	}
	if _, err := env.Engine.DB.Exec(`UPDATE users SET active=0 WHERE id=?`, fix.Student); err != nil {
		t.Fatalf("deactivate requester: %v", err)
	}

	_, err := env.Engine.Resubmit(env.Ctx, engine.ResubmitOptions{
		RequestID: req.ID, ActorID: fix.Student,
		Fields: map[string]any{"reason": "corrected dates", "days": 3},
	})
	var unauthorized engine.UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("resubmit by inactive requester: got %v, want UnauthorizedError", err)
	}
	got, err := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusReturned {
		t.Fatalf("status = %s, want returned untouched", got.Status)
	}
}

func TestApproveWithChangesAdvancesPointerButReturns(t *testing.T) {
	env := newTestEnv(t)
	fix := seedApprovalChain(t, env)
	req := submitLeave(t, env, fix)
	firstStep := *req.CurrentStepID

	res, err := env.Engine.Act(env.Ctx, engine.ActOptions{
		RequestID: req.ID, ActorID: fix.Supervisor, Action: domain.ActionApproveWithChanges, Comment: "ok, but fix dates",
	})
	if err != nil {
		t.Fatalf("approve_with_changes: %v", err)
	}
	if res.Request.Status != domain.StatusReturned {
		t.Fatalf("status = %s, want returned", res.Request.Status)
	}
	if res.Request.CurrentStepID == nil || *res.Request.CurrentStepID == firstStep {
		t.Fatalf("pointer must advance to the next step")
	}
}

func TestStaleVersionLosesRace(t *testing.T) {
	env := newTestEnv(t)
	fix := seedApprovalChain(t, env)
	req := submitLeave(t, env, fix)

	// a second writer committed after the load we simulate below
	loaded, err := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Act(env.Ctx, engine.ActOptions{RequestID: req.ID, ActorID: fix.Supervisor, Action: domain.ActionApprove}); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	loaded.Status = domain.StatusApproved
	updated, err := env.Engine.Repo.UpdateRequestTx(env.Ctx, tx, loaded, loaded.Version)
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if updated {
		t.Fatalf("stale version committed; lost update")
	}
}

func TestSubmissionSchemaValidation(t *testing.T) {
	env := newTestEnv(t)
	fix := seedApprovalChain(t, env)

	cases := []struct {
		name   string
		fields map[string]any
	}{
		{"missing required", map[string]any{"days": 3}},
		{"undeclared field", map[string]any{"reason": "x", "days": 3, "extra": true}},
		{"wrong number type", map[string]any{"reason": "x", "days": "many"}},
		{"bad date", map[string]any{"reason": "x", "days": 3, "start": "soon"}},
	}
	for _, tc := range cases {
		_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
			RequesterID: fix.Student, RequestTypeID: fix.RequestTypeID, Fields: tc.fields,
		})
		var validation engine.ValidationError
		if !errors.As(err, &validation) {
			t.Fatalf("%s: got %v, want ValidationError", tc.name, err)
		}
	}

	if _, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		RequesterID: fix.Student, RequestTypeID: fix.RequestTypeID,
		Fields: map[string]any{"reason": "x", "days": 3, "start": "2026-04-01"},
	}); err != nil {
		t.Fatalf("valid submission rejected: %v", err)
	}
}

func TestUnboundWorkflowStaysPending(t *testing.T) {
	env := newTestEnv(t)
	fix := seedApprovalChain(t, env)

	form, err := env.Engine.CreateForm(env.Ctx, fix.Admin, domain.FormTemplate{
		Name:   "Feedback",
		Fields: []domain.FormField{{Name: "text", Type: "text", Required: true}},
	})
	if err != nil {
		t.Fatal(err)
	}
	rt, err := env.Engine.CreateRequestType(env.Ctx, fix.Admin, domain.RequestType{Name: "Feedback", FormID: form.ID})
	if err != nil {
		t.Fatal(err)
	}
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		RequesterID: fix.Student, RequestTypeID: rt.ID, Fields: map[string]any{"text": "hello"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.CurrentStepID != nil {
		t.Fatalf("unbound request must have no step")
	}
	if req.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
	_, err = env.Engine.Act(env.Ctx, engine.ActOptions{RequestID: req.ID, ActorID: fix.Supervisor, Action: domain.ActionApprove})
	var validation engine.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("act on stepless request: got %v, want ValidationError", err)
	}
}

func TestAudienceTargeting(t *testing.T) {
	env := newTestEnv(t)
	fix := seedApprovalChain(t, env)
	no := false

	employeesOnly, err := env.Engine.CreateForm(env.Ctx, fix.Admin, domain.FormTemplate{
		Name:     "Employees Only",
		Fields:   []domain.FormField{{Name: "note", Type: "text"}},
		Audience: domain.AudienceConfig{Students: &no},
	})
	if err != nil {
		t.Fatal(err)
	}
	csOnly, err := env.Engine.CreateForm(env.Ctx, fix.Admin, domain.FormTemplate{
		Name:     "CS Department",
		Fields:   []domain.FormField{{Name: "note", Type: "text"}},
		Audience: domain.AudienceConfig{DepartmentIDs: []string{"dept-cs"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	ids := func(forms []domain.FormTemplate) map[string]bool {
		m := map[string]bool{}
		for _, f := range forms {
			m[f.ID] = true
		}
		return m
	}

	studentForms, err := env.Engine.VisibleForms(env.Ctx, fix.Student)
	if err != nil {
		t.Fatal(err)
	}
	sv := ids(studentForms)
	if sv[employeesOnly.ID] {
		t.Fatalf("student sees an employees-only form")
	}
	if !sv[csOnly.ID] {
		t.Fatalf("cs student should see the cs-scoped form")
	}
	if !sv[fix.FormID] {
		t.Fatalf("unrestricted form hidden from student")
	}

	supervisorForms, err := env.Engine.VisibleForms(env.Ctx, fix.Supervisor)
	if err != nil {
		t.Fatal(err)
	}
	if !ids(supervisorForms)[employeesOnly.ID] {
		t.Fatalf("employee cannot see the employees-only form")
	}

	// outsider has no department: a declared department list excludes them
	outsiderForms, err := env.Engine.VisibleForms(env.Ctx, fix.Outsider)
	if err != nil {
		t.Fatal(err)
	}
	if ids(outsiderForms)[csOnly.ID] {
		t.Fatalf("user without a department sees a department-scoped form")
	}

	// a college list admits any member of that college and nobody else
	r := env.Engine.Repo
	ts := "2026-03-01T10:00:00Z"
	if err := r.InsertCollege(env.Ctx, domain.College{ID: "col-sci", Name: "Science", CreatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	sciCollege := "col-sci"
	if err := r.InsertDepartment(env.Ctx, domain.Department{ID: "dept-bio", Name: "Biology", CollegeID: &sciCollege, CreatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	bioDept := "dept-bio"
	if err := r.InsertUser(env.Ctx, domain.User{ID: "stu-sci", Name: "Science Student", RoleID: "student", DepartmentID: &bioDept, Active: true, CreatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	engOnly, err := env.Engine.CreateForm(env.Ctx, fix.Admin, domain.FormTemplate{
		Name:     "Engineering College",
		Fields:   []domain.FormField{{Name: "note", Type: "text"}},
		Audience: domain.AudienceConfig{CollegeIDs: []string{"col-eng"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	engStudentForms, err := env.Engine.VisibleForms(env.Ctx, fix.Student)
	if err != nil {
		t.Fatal(err)
	}
	if !ids(engStudentForms)[engOnly.ID] {
		t.Fatalf("engineering student should see the engineering-college form")
	}
	sciStudentForms, err := env.Engine.VisibleForms(env.Ctx, "stu-sci")
	if err != nil {
		t.Fatal(err)
	}
	if ids(sciStudentForms)[engOnly.ID] {
		t.Fatalf("science student sees a form restricted to the engineering college")
	}
}

func TestScopedRequestListing(t *testing.T) {
	env := newTestEnv(t)
	fix := seedApprovalChain(t, env)
	req := submitLeave(t, env, fix)

	admin, err := env.Engine.ListRequests(env.Ctx, fix.Admin, repo.RequestFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(admin) != 1 {
		t.Fatalf("admin sees %d requests, want 1", len(admin))
	}
	dean, err := env.Engine.ListRequests(env.Ctx, fix.Dean, repo.RequestFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(dean) != 1 {
		t.Fatalf("dean sees %d requests, want 1 (own college)", len(dean))
	}
	// a role with no scope resolves to the impossible predicate
	student, err := env.Engine.ListRequests(env.Ctx, fix.Student, repo.RequestFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(student) != 0 {
		t.Fatalf("unscoped role sees %d requests, want 0", len(student))
	}
	// own submissions remain reachable regardless of scope
	mine, err := env.Engine.MyRequests(env.Ctx, fix.Student)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].ID != req.ID {
		t.Fatalf("requester cannot see own submission")
	}
}

func TestInboxFollowsStepPointer(t *testing.T) {
	env := newTestEnv(t)
	fix := seedApprovalChain(t, env)
	req := submitLeave(t, env, fix)

	inbox, err := env.Engine.Inbox(env.Ctx, fix.Supervisor)
	if err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 1 || inbox[0].ID != req.ID {
		t.Fatalf("supervisor inbox = %d items", len(inbox))
	}
	deanInbox, err := env.Engine.Inbox(env.Ctx, fix.Dean)
	if err != nil {
		t.Fatal(err)
	}
	if len(deanInbox) != 0 {
		t.Fatalf("dean inbox should be empty before the step advances")
	}
	if _, err := env.Engine.Act(env.Ctx, engine.ActOptions{RequestID: req.ID, ActorID: fix.Supervisor, Action: domain.ActionApprove}); err != nil {
		t.Fatal(err)
	}
	deanInbox, err = env.Engine.Inbox(env.Ctx, fix.Dean)
	if err != nil {
		t.Fatal(err)
	}
	if len(deanInbox) != 1 {
		t.Fatalf("dean inbox should hold the advanced request")
	}
}

func TestDelegationWindowValidation(t *testing.T) {
	env := newTestEnv(t)
	fix := seedApprovalChain(t, env)

	_, err := env.Engine.GrantDelegation(env.Ctx, engine.DelegationOptions{
		GrantorID: fix.Dean, GranteeID: fix.Supervisor,
		StartsAt: "2026-03-10T00:00:00Z", EndsAt: "2026-03-01T00:00:00Z",
	})
	var validation engine.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("inverted window: got %v, want ValidationError", err)
	}

	d, err := env.Engine.GrantDelegation(env.Ctx, engine.DelegationOptions{
		GrantorID: fix.Dean, GranteeID: fix.Supervisor,
		StartsAt: "2026-03-01T00:00:00Z", EndsAt: "2026-03-10T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !d.Active {
		t.Fatalf("new delegation must be active")
	}

	if _, err := env.Engine.UpdateDelegationWindow(env.Ctx, fix.Dean, d.ID, "2026-03-05T00:00:00Z", "2026-03-05T00:00:00Z"); !errors.As(err, &validation) {
		t.Fatalf("zero-length window: got %v, want ValidationError", err)
	}

	if err := env.Engine.RevokeDelegation(env.Ctx, fix.Dean, d.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	got, err := env.Engine.Repo.GetDelegation(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("revoked delegation hard-deleted: %v", err)
	}
	if got.Active {
		t.Fatalf("revoke must deactivate")
	}

	// delegation is registry data only: the grantee gains no step authority
	req := submitLeave(t, env, fix)
	if _, err := env.Engine.Act(env.Ctx, engine.ActOptions{RequestID: req.ID, ActorID: fix.Supervisor, Action: domain.ActionApprove}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GrantDelegation(env.Ctx, engine.DelegationOptions{
		GrantorID: fix.Dean, GranteeID: fix.Supervisor,
		StartsAt: "2026-02-01T00:00:00Z", EndsAt: "2026-04-01T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Act(env.Ctx, engine.ActOptions{RequestID: req.ID, ActorID: fix.Supervisor, Action: domain.ActionApprove})
	var unauthorized engine.UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("delegation must not grant step authority: got %v", err)
	}
}

func TestActionTrailVisibility(t *testing.T) {
	env := newTestEnv(t)
	fix := seedApprovalChain(t, env)
	req := submitLeave(t, env, fix)

	trail, err := env.Engine.RequestTrail(env.Ctx, fix.Student, req.ID)
	if err != nil {
		t.Fatalf("requester trail: %v", err)
	}
	if len(trail) != 1 || trail[0].Action != domain.ActionSubmit {
		t.Fatalf("trail = %+v", trail)
	}
	if _, err := env.Engine.RequestTrail(env.Ctx, fix.Outsider, req.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("outsider trail: got %v, want ErrNotFound", err)
	}
}

func TestAttachmentNameLandsInComment(t *testing.T) {
	env := newTestEnv(t)
	fix := seedApprovalChain(t, env)
	req := submitLeave(t, env, fix)

	res, err := env.Engine.Act(env.Ctx, engine.ActOptions{
		RequestID: req.ID, ActorID: fix.Supervisor, Action: domain.ActionReject,
		Comment:    "see policy",
		Attachment: &engine.Attachment{Name: "policy.pdf", Data: []byte("pdf-bytes")},
	})
	if err != nil {
		t.Fatalf("reject with attachment: %v", err)
	}
	if res.Notice != "" {
		t.Fatalf("unexpected degraded notice: %s", res.Notice)
	}
	actions, err := env.Engine.Repo.ListActions(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := actions[len(actions)-1]
	if last.Comment == "see policy" || last.Comment == "" {
		t.Fatalf("attachment name missing from comment: %q", last.Comment)
	}
}
