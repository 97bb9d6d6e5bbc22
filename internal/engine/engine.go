// Package engine is the request lifecycle core: submission, step
// transitions, resubmission, and the admin mutations around them.
// Every transition is one transaction over the request row and its
// action trail; notifications, audit, and document rendering run
// post-commit and never roll a committed transition back.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"formflow/internal/audit"
	"formflow/internal/config"
	"formflow/internal/docrender"
	"formflow/internal/domain"
	"formflow/internal/engine/scope"
	"formflow/internal/notify"
	"formflow/internal/repo"
	"formflow/internal/storage"
)

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Scopes      scope.Resolver
	Audit       audit.Recorder
	Notify      notify.Dispatcher
	Attachments *storage.Attachments
	Docs        docrender.Renderer
	Config      *config.Config
	Log         zerolog.Logger
	Now         func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log zerolog.Logger) Engine {
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Scopes: scope.Resolver{DB: db},
		Audit:  audit.Recorder{DB: db, Log: log},
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
	backends := []notify.Notifier{notify.LogNotifier{Log: log}}
	var templates map[string]string
	if cfg != nil {
		templates = cfg.Notifications.Templates
		hook := cfg.Notifications.Webhook
		if hook.URL != "" && (hook.Enabled == nil || *hook.Enabled) {
			backends = append(backends, notify.NewWebhookNotifier(hook))
		}
		e.Docs = docrender.Renderer{Template: cfg.Documents.ApprovalTemplate}
	}
	e.Notify = notify.Dispatcher{Repo: e.Repo, Templates: templates, Backends: backends, Log: log}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ScopeFor resolves the organizational boundary for an actor. Unknown
// actors are unauthorized, not an internal error.
func (e Engine) ScopeFor(ctx context.Context, userID string) (scope.Scope, error) {
	s, err := e.Scopes.Resolve(ctx, userID)
	if errors.Is(err, scope.ErrUnknownUser) {
		return scope.Scope{}, UnauthorizedError{Reason: "unknown user " + userID}
	}
	if err != nil {
		return scope.Scope{}, err
	}
	return s, nil
}

// --- forms and audience ---

// VisibleForms returns the active forms whose audience includes the
// user: category flag not explicitly false, and membership in any
// declared college and department lists.
func (e Engine) VisibleForms(ctx context.Context, userID string) ([]domain.FormTemplate, error) {
	_, category, collegeID, departmentID, err := e.userAudience(ctx, userID)
	if err != nil {
		return nil, err
	}
	forms, err := e.Repo.ListForms(ctx, true)
	if err != nil {
		return nil, err
	}
	var visible []domain.FormTemplate
	for _, f := range forms {
		if audienceMatch(f.Audience, category, collegeID, departmentID) {
			visible = append(visible, f)
		}
	}
	return visible, nil
}

func (e Engine) userAudience(ctx context.Context, userID string) (domain.User, string, string, string, error) {
	user, err := e.Repo.GetUser(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, "", "", "", UnauthorizedError{Reason: "unknown user " + userID}
	}
	if err != nil {
		return domain.User{}, "", "", "", err
	}
	role, err := e.Repo.GetRole(ctx, user.RoleID)
	if err != nil {
		return domain.User{}, "", "", "", fmt.Errorf("role %s: %w", user.RoleID, err)
	}
	var departmentID, collegeID string
	if user.DepartmentID != nil {
		departmentID = *user.DepartmentID
		dept, err := e.Repo.GetDepartment(ctx, departmentID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, "", "", "", err
		}
		if err == nil && dept.CollegeID != nil {
			collegeID = *dept.CollegeID
		}
	}
	return user, role.Category, collegeID, departmentID, nil
}

// audienceMatch evaluates the conjunctive audience filters. Absent
// flags and empty lists impose no restriction at their level.
func audienceMatch(a domain.AudienceConfig, category, collegeID, departmentID string) bool {
	switch category {
	case domain.CategoryStudent:
		if a.Students != nil && !*a.Students {
			return false
		}
	case domain.CategoryEmployee:
		if a.Employees != nil && !*a.Employees {
			return false
		}
	}
	if len(a.CollegeIDs) > 0 && !contains(a.CollegeIDs, collegeID) {
		return false
	}
	if len(a.DepartmentIDs) > 0 && !contains(a.DepartmentIDs, departmentID) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// ValidateSubmission checks a payload against the form's declared
// field list: required fields present and non-empty, no undeclared
// fields, values coercible to the declared type.
func ValidateSubmission(form domain.FormTemplate, payload map[string]any) error {
	declared := make(map[string]domain.FormField, len(form.Fields))
	for _, f := range form.Fields {
		declared[f.Name] = f
	}
	for name := range payload {
		if _, ok := declared[name]; !ok {
			return ValidationError{Reason: fmt.Sprintf("field %q is not declared on form %s", name, form.ID)}
		}
	}
	for _, f := range form.Fields {
		v, present := payload[f.Name]
		if !present || v == nil || v == "" {
			if f.Required {
				return ValidationError{Reason: fmt.Sprintf("field %q is required", f.Name)}
			}
			continue
		}
		if err := checkFieldType(f, v); err != nil {
			return err
		}
	}
	return nil
}

func checkFieldType(f domain.FormField, v any) error {
	switch f.Type {
	case "number":
		switch n := v.(type) {
		case float64, int, int64:
			return nil
		case string:
			if _, err := strconv.ParseFloat(n, 64); err == nil {
				return nil
			}
		}
		return ValidationError{Reason: fmt.Sprintf("field %q must be a number", f.Name)}
	case "date":
		s, ok := v.(string)
		if !ok {
			return ValidationError{Reason: fmt.Sprintf("field %q must be a date string", f.Name)}
		}
		if _, err := time.Parse("2006-01-02", s); err == nil {
			return nil
		}
		if _, err := time.Parse(time.RFC3339, s); err == nil {
			return nil
		}
		return ValidationError{Reason: fmt.Sprintf("field %q must be YYYY-MM-DD or RFC3339", f.Name)}
	default: // text, choice
		if _, ok := v.(string); !ok {
			return ValidationError{Reason: fmt.Sprintf("field %q must be a string", f.Name)}
		}
		return nil
	}
}

// --- submission ---

type SubmitOptions struct {
	RequesterID   string
	RequestTypeID string
	Fields        map[string]any
}

// Submit validates audience and payload, assigns a reference number,
// points the request at the first workflow step (or leaves it
// stepless when the type is unbound), and notifies the first
// approver cohort.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.Request, error) {
	user, category, collegeID, departmentID, err := e.userAudience(ctx, opts.RequesterID)
	if err != nil {
		return domain.Request{}, err
	}
	if !user.Active {
		return domain.Request{}, UnauthorizedError{Reason: "user " + user.ID + " is inactive"}
	}
	rt, err := e.Repo.GetRequestType(ctx, opts.RequestTypeID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Request{}, ValidationError{Reason: "unknown request type " + opts.RequestTypeID}
	}
	if err != nil {
		return domain.Request{}, err
	}
	form, err := e.Repo.GetForm(ctx, rt.FormID)
	if err != nil {
		return domain.Request{}, fmt.Errorf("form %s: %w", rt.FormID, err)
	}
	if !form.Active {
		return domain.Request{}, ValidationError{Reason: "form " + form.ID + " is not active"}
	}
	if !audienceMatch(form.Audience, category, collegeID, departmentID) {
		return domain.Request{}, UnauthorizedError{Reason: "form " + form.ID + " is not available to this user"}
	}
	if opts.Fields == nil {
		opts.Fields = map[string]any{}
	}
	if err := ValidateSubmission(form, opts.Fields); err != nil {
		return domain.Request{}, err
	}
	payload, err := json.Marshal(opts.Fields)
	if err != nil {
		return domain.Request{}, fmt.Errorf("encode submission: %w", err)
	}

	var firstStep *domain.WorkflowStep
	if rt.WorkflowID != nil {
		wf, err := e.Repo.GetWorkflow(ctx, *rt.WorkflowID)
		if err != nil {
			return domain.Request{}, fmt.Errorf("workflow %s: %w", *rt.WorkflowID, err)
		}
		if !wf.Active {
			return domain.Request{}, ValidationError{Reason: "workflow " + wf.ID + " is not active"}
		}
		step, err := e.Repo.FirstStep(ctx, wf.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Request{}, ValidationError{Reason: "workflow " + wf.ID + " has no steps"}
		}
		if err != nil {
			return domain.Request{}, err
		}
		firstStep = &step
	}

	now := e.timestamp()
	req := domain.Request{
		ID:             uuid.NewString(),
		RequesterID:    user.ID,
		RequestTypeID:  rt.ID,
		FormID:         form.ID,
		Status:         domain.StatusPending,
		SubmissionJSON: string(payload),
		Version:        1,
		SubmittedAt:    now,
		UpdatedAt:      now,
	}
	if firstStep != nil {
		req.CurrentStepID = &firstStep.ID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	ref, err := e.Repo.NextReferenceTx(ctx, tx, fmt.Sprintf("REQ-%d", e.now().UTC().Year()))
	if err != nil {
		return domain.Request{}, fmt.Errorf("allocate reference: %w", err)
	}
	req.ReferenceNo = ref
	if err := e.Repo.InsertRequestTx(ctx, tx, req); err != nil {
		return domain.Request{}, fmt.Errorf("insert request: %w", err)
	}
	action := domain.RequestAction{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		ActorID:   user.ID,
		Action:    domain.ActionSubmit,
		StepID:    req.CurrentStepID,
		CreatedAt: now,
	}
	if err := e.Repo.InsertActionTx(ctx, tx, action); err != nil {
		return domain.Request{}, fmt.Errorf("insert action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}

	e.Audit.Record(ctx, user.ID, "request.submit", "request", req.ID, audit.Details{
		"reference_no":    req.ReferenceNo,
		"request_type_id": rt.ID,
	})
	if firstStep != nil {
		e.notifyStep(ctx, "request.submitted", *firstStep, req, user.Name)
	}
	return req, nil
}

// --- step transitions ---

type Attachment struct {
	Name string
	Data []byte
}

type ActOptions struct {
	RequestID  string
	ActorID    string
	Action     string
	Comment    string
	Attachment *Attachment
}

// ActResult carries the post-transition request and a degraded-mode
// notice when a best-effort post-commit collaborator failed.
type ActResult struct {
	Request domain.Request
	Notice  string
}

var actionKinds = map[string]bool{
	domain.ActionApprove:            true,
	domain.ActionReject:             true,
	domain.ActionApproveWithChanges: true,
	domain.ActionRejectWithChanges:  true,
}

func commentRequired(action string) bool {
	switch action {
	case domain.ActionReject, domain.ActionRejectWithChanges, domain.ActionApproveWithChanges:
		return true
	}
	return false
}

// Act applies one approver decision to the request's current step.
// Authorization, state, and input checks abort before any mutation;
// the transition itself is one transaction guarded by the request
// version, so one of two racing approvers observes ConflictError.
func (e Engine) Act(ctx context.Context, opts ActOptions) (ActResult, error) {
	if !actionKinds[opts.Action] {
		return ActResult{}, ValidationError{Reason: "unknown action " + opts.Action}
	}
	actor, err := e.Repo.GetUser(ctx, opts.ActorID)
	if errors.Is(err, repo.ErrNotFound) {
		return ActResult{}, UnauthorizedError{Reason: "unknown user " + opts.ActorID}
	}
	if err != nil {
		return ActResult{}, err
	}
	if !actor.Active {
		return ActResult{}, UnauthorizedError{Reason: "user " + actor.ID + " is inactive"}
	}
	req, err := e.Repo.GetRequest(ctx, opts.RequestID)
	if err != nil {
		return ActResult{}, err
	}
	if domain.Terminal(req.Status) {
		return ActResult{}, UnauthorizedError{Reason: "request " + req.ID + " has no active step"}
	}
	if req.Status == domain.StatusReturned {
		return ActResult{}, ValidationError{Reason: "request " + req.ID + " is awaiting resubmission"}
	}
	if req.CurrentStepID == nil {
		return ActResult{}, ValidationError{Reason: "request " + req.ID + " has no workflow step"}
	}
	step, err := e.Repo.GetStep(ctx, *req.CurrentStepID)
	if err != nil {
		return ActResult{}, fmt.Errorf("step %s: %w", *req.CurrentStepID, err)
	}
	if !step.Approver.Matches(actor.ID, actor.RoleID) {
		return ActResult{}, UnauthorizedError{Reason: "user " + actor.ID + " is not bound to the current step"}
	}
	comment := strings.TrimSpace(opts.Comment)
	if commentRequired(opts.Action) && comment == "" {
		return ActResult{}, ValidationError{Reason: "a comment is required for " + opts.Action}
	}

	// Blocking I/O stays outside the transaction: the attachment is
	// stored first and only its name travels with the comment.
	if opts.Attachment != nil {
		if e.Attachments == nil {
			return ActResult{}, DependencyError{Op: "attachment", Err: errors.New("no attachment store configured")}
		}
		key, err := e.Attachments.Save(ctx, req.ID, opts.Attachment.Name, opts.Attachment.Data)
		if err != nil {
			return ActResult{}, DependencyError{Op: "attachment", Err: err}
		}
		if comment != "" {
			comment += " "
		}
		comment += "[attachment: " + key + "]"
	}

	loadedVersion := req.Version
	now := e.timestamp()
	var nextStep *domain.WorkflowStep
	switch opts.Action {
	case domain.ActionReject:
		req.Status = domain.StatusRejected
		req.DecidedAt = &now
	case domain.ActionRejectWithChanges:
		req.Status = domain.StatusReturned
	case domain.ActionApprove, domain.ActionApproveWithChanges:
		next, err := e.Repo.NextStep(ctx, step.WorkflowID, step.Order)
		last := errors.Is(err, repo.ErrNotFound)
		if err != nil && !last {
			return ActResult{}, err
		}
		if !last {
			nextStep = &next
			req.CurrentStepID = &next.ID
		}
		if opts.Action == domain.ActionApproveWithChanges {
			// Pointer advances when a successor exists, but the request
			// routes back to the requester either way.
			req.Status = domain.StatusReturned
		} else if last {
			req.Status = domain.StatusApproved
			req.CurrentStepID = nil
			req.DecidedAt = &now
		} else {
			req.Status = domain.StatusInProgress
		}
	}
	req.UpdatedAt = now
	req.Version = loadedVersion + 1

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ActResult{}, err
	}
	defer tx.Rollback()
	action := domain.RequestAction{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		ActorID:   actor.ID,
		Action:    opts.Action,
		Comment:   comment,
		StepID:    &step.ID,
		CreatedAt: now,
	}
	if err := e.Repo.InsertActionTx(ctx, tx, action); err != nil {
		return ActResult{}, fmt.Errorf("insert action: %w", err)
	}
	updated, err := e.Repo.UpdateRequestTx(ctx, tx, req, loadedVersion)
	if err != nil {
		return ActResult{}, fmt.Errorf("update request: %w", err)
	}
	if !updated {
		return ActResult{}, ConflictError{RequestID: req.ID}
	}
	if err := tx.Commit(); err != nil {
		return ActResult{}, err
	}

	notice := e.afterTransition(ctx, req, actor, opts.Action, step, nextStep, comment)
	return ActResult{Request: req, Notice: notice}, nil
}

// afterTransition runs the best-effort post-commit phase. Failures
// are logged and folded into a degraded notice, never an error.
func (e Engine) afterTransition(ctx context.Context, req domain.Request, actor domain.User, actionKind string, step domain.WorkflowStep, nextStep *domain.WorkflowStep, comment string) string {
	e.Audit.Record(ctx, actor.ID, "request."+actionKind, "request", req.ID, audit.Details{
		"reference_no": req.ReferenceNo,
		"status":       req.Status,
		"step_id":      step.ID,
	})

	var degraded []string
	event := map[string]string{
		domain.StatusApproved:   "request.approved",
		domain.StatusRejected:   "request.rejected",
		domain.StatusReturned:   "request.returned",
		domain.StatusInProgress: "request.advanced",
	}[req.Status]
	data := map[string]any{
		"request_id":   req.ID,
		"reference_no": req.ReferenceNo,
		"status":       req.Status,
		"actor":        actor.Name,
		"comment":      comment,
	}
	if err := e.Notify.Send(ctx, event, []notify.Recipient{{UserID: req.RequesterID}}, data); err != nil {
		e.Log.Warn().Err(err).Str("request_id", req.ID).Msg("requester notification failed")
		degraded = append(degraded, "requester notification failed")
	}
	if req.Status == domain.StatusInProgress && nextStep != nil {
		if err := e.Notify.Send(ctx, "request.advanced", []notify.Recipient{recipientFor(nextStep.Approver)}, data); err != nil {
			e.Log.Warn().Err(err).Str("request_id", req.ID).Msg("next approver notification failed")
			degraded = append(degraded, "approver notification failed")
		}
	}
	if req.Status == domain.StatusApproved {
		if err := e.renderApprovalDocument(ctx, req); err != nil {
			e.Log.Warn().Err(err).Str("request_id", req.ID).Msg("approval document generation failed")
			degraded = append(degraded, "approval document generation failed")
		}
	}
	if len(degraded) == 0 {
		return ""
	}
	return "transition committed; " + strings.Join(degraded, "; ")
}

func recipientFor(b domain.ApproverBinding) notify.Recipient {
	if b.Kind == domain.BindUser {
		return notify.Recipient{UserID: b.ID}
	}
	return notify.Recipient{RoleID: b.ID}
}

func (e Engine) notifyStep(ctx context.Context, event string, step domain.WorkflowStep, req domain.Request, actorName string) {
	data := map[string]any{
		"request_id":   req.ID,
		"reference_no": req.ReferenceNo,
		"status":       req.Status,
		"actor":        actorName,
	}
	if err := e.Notify.Send(ctx, event, []notify.Recipient{recipientFor(step.Approver)}, data); err != nil {
		e.Log.Warn().Err(err).Str("request_id", req.ID).Msg("approver notification failed")
	}
}

// renderApprovalDocument builds the official document for a fully
// approved request and stores it next to the request's attachments.
func (e Engine) renderApprovalDocument(ctx context.Context, req domain.Request) error {
	if e.Attachments == nil {
		return nil
	}
	requester, err := e.Repo.GetUser(ctx, req.RequesterID)
	if err != nil {
		return err
	}
	rt, err := e.Repo.GetRequestType(ctx, req.RequestTypeID)
	if err != nil {
		return err
	}
	actions, err := e.Repo.ListActions(ctx, req.ID)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(req.SubmissionJSON), &fields); err != nil {
		return err
	}
	data := docrender.Data{
		ReferenceNo: req.ReferenceNo,
		RequestID:   req.ID,
		RequestType: rt.Name,
		Requester:   requester.Name,
		SubmittedAt: req.SubmittedAt,
		Fields:      fields,
	}
	if req.DecidedAt != nil {
		data.ApprovedAt = *req.DecidedAt
	}
	if e.Config != nil {
		data.Organization = e.Config.Organization.Name
	}
	for _, a := range actions {
		if a.Action == domain.ActionSubmit || a.Action == domain.ActionResubmit {
			continue
		}
		approval := docrender.Approval{Action: a.Action, Comment: a.Comment, ActedAt: a.CreatedAt}
		if u, err := e.Repo.GetUser(ctx, a.ActorID); err == nil {
			approval.Approver = u.Name
		} else {
			approval.Approver = a.ActorID
		}
		if a.StepID != nil {
			approval.Step = *a.StepID
		}
		data.Approvals = append(data.Approvals, approval)
	}
	doc, err := e.Docs.Render(data)
	if err != nil {
		return err
	}
	key, err := e.Attachments.SaveDocument(ctx, req.ID, req.ReferenceNo, doc)
	if err != nil {
		return err
	}
	e.Audit.Record(ctx, req.RequesterID, "request.document", "request", req.ID, audit.Details{"key": key})
	return nil
}

// --- resubmission ---

type ResubmitOptions struct {
	RequestID string
	ActorID   string
	Fields    map[string]any
}

// Resubmit replaces the payload of a returned request. Only the
// original requester may resubmit; the step pointer is preserved so
// the request routes back to the approver who returned it.
func (e Engine) Resubmit(ctx context.Context, opts ResubmitOptions) (domain.Request, error) {
	req, err := e.Repo.GetRequest(ctx, opts.RequestID)
	if err != nil {
		return domain.Request{}, err
	}
	if req.Status != domain.StatusReturned {
		return domain.Request{}, ValidationError{Reason: "request " + req.ID + " is not awaiting resubmission"}
	}
	if req.RequesterID != opts.ActorID {
		return domain.Request{}, UnauthorizedError{Reason: "only the original requester may resubmit"}
	}
	actor, err := e.Repo.GetUser(ctx, opts.ActorID)
	if err != nil {
		return domain.Request{}, err
	}
	if !actor.Active {
		return domain.Request{}, UnauthorizedError{Reason: "user " + actor.ID + " is inactive"}
	}
	form, err := e.Repo.GetForm(ctx, req.FormID)
	if err != nil {
		return domain.Request{}, fmt.Errorf("form %s: %w", req.FormID, err)
	}
	if opts.Fields == nil {
		opts.Fields = map[string]any{}
	}
	if err := ValidateSubmission(form, opts.Fields); err != nil {
		return domain.Request{}, err
	}
	payload, err := json.Marshal(opts.Fields)
	if err != nil {
		return domain.Request{}, fmt.Errorf("encode submission: %w", err)
	}

	loadedVersion := req.Version
	now := e.timestamp()
	req.SubmissionJSON = string(payload)
	req.Status = domain.StatusPending
	req.UpdatedAt = now
	req.Version = loadedVersion + 1

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	action := domain.RequestAction{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		ActorID:   actor.ID,
		Action:    domain.ActionResubmit,
		StepID:    req.CurrentStepID,
		CreatedAt: now,
	}
	if err := e.Repo.InsertActionTx(ctx, tx, action); err != nil {
		return domain.Request{}, fmt.Errorf("insert action: %w", err)
	}
	updated, err := e.Repo.UpdateRequestTx(ctx, tx, req, loadedVersion)
	if err != nil {
		return domain.Request{}, fmt.Errorf("update request: %w", err)
	}
	if !updated {
		return domain.Request{}, ConflictError{RequestID: req.ID}
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}

	e.Audit.Record(ctx, actor.ID, "request.resubmit", "request", req.ID, audit.Details{
		"reference_no": req.ReferenceNo,
	})
	if req.CurrentStepID != nil {
		if step, err := e.Repo.GetStep(ctx, *req.CurrentStepID); err == nil {
			e.notifyStep(ctx, "request.resubmitted", step, req, actor.Name)
		}
	}
	return req, nil
}

// --- scoped reads ---

// ListRequests is the scoped report read for an actor.
func (e Engine) ListRequests(ctx context.Context, actorID string, f repo.RequestFilters) ([]domain.Request, error) {
	s, err := e.ScopeFor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListRequests(ctx, s, f)
}

// MyRequests lists an actor's own submissions regardless of scope.
func (e Engine) MyRequests(ctx context.Context, actorID string) ([]domain.Request, error) {
	return e.Repo.ListRequestsByRequester(ctx, actorID)
}

// Inbox lists the requests whose current step binds the actor,
// directly or through their role.
func (e Engine) Inbox(ctx context.Context, actorID string) ([]domain.Request, error) {
	actor, err := e.Repo.GetUser(ctx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, UnauthorizedError{Reason: "unknown user " + actorID}
	}
	if err != nil {
		return nil, err
	}
	return e.Repo.ListRequestsAwaiting(ctx, actor.ID, actor.RoleID)
}

// GetRequest returns a single request when the actor may see it: own
// submission, current-step approver, or a request inside the actor's
// organizational scope.
func (e Engine) GetRequest(ctx context.Context, actorID, requestID string) (domain.Request, error) {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	ok, err := e.canView(ctx, actorID, req)
	if err != nil {
		return domain.Request{}, err
	}
	if !ok {
		return domain.Request{}, repo.ErrNotFound
	}
	return req, nil
}

// RequestTrail returns the ordered action history of a request,
// subject to the same visibility rule as GetRequest.
func (e Engine) RequestTrail(ctx context.Context, actorID, requestID string) ([]domain.RequestAction, error) {
	if _, err := e.GetRequest(ctx, actorID, requestID); err != nil {
		return nil, err
	}
	return e.Repo.ListActions(ctx, requestID)
}

func (e Engine) canView(ctx context.Context, actorID string, req domain.Request) (bool, error) {
	if req.RequesterID == actorID {
		return true, nil
	}
	actor, err := e.Repo.GetUser(ctx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, UnauthorizedError{Reason: "unknown user " + actorID}
	}
	if err != nil {
		return false, err
	}
	if req.CurrentStepID != nil {
		step, err := e.Repo.GetStep(ctx, *req.CurrentStepID)
		if err == nil && step.Approver.Matches(actor.ID, actor.RoleID) {
			return true, nil
		}
	}
	s, err := e.ScopeFor(ctx, actorID)
	if err != nil {
		return false, err
	}
	if s.Denied() {
		return false, nil
	}
	visible, err := e.Repo.ListRequests(ctx, s, repo.RequestFilters{})
	if err != nil {
		return false, err
	}
	for _, r := range visible {
		if r.ID == req.ID {
			return true, nil
		}
	}
	return false, nil
}

// AuditTrail is the scoped audit log read.
func (e Engine) AuditTrail(ctx context.Context, actorID string, f audit.Filters) ([]audit.Entry, error) {
	s, err := e.ScopeFor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return e.Audit.List(ctx, s, f)
}

// --- delegation registry ---

type DelegationOptions struct {
	GrantorID string
	GranteeID string
	StartsAt  string
	EndsAt    string
}

func parseWindow(startsAt, endsAt string) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, startsAt)
	if err != nil {
		return time.Time{}, time.Time{}, ValidationError{Reason: "starts_at must be RFC3339"}
	}
	end, err := time.Parse(time.RFC3339, endsAt)
	if err != nil {
		return time.Time{}, time.Time{}, ValidationError{Reason: "ends_at must be RFC3339"}
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, ValidationError{Reason: "ends_at must be after starts_at"}
	}
	return start, end, nil
}

// GrantDelegation records a time-bounded grantor-to-grantee authority
// window. The registry is bookkeeping only; step authorization does
// not consult it.
func (e Engine) GrantDelegation(ctx context.Context, opts DelegationOptions) (domain.Delegation, error) {
	if _, _, err := parseWindow(opts.StartsAt, opts.EndsAt); err != nil {
		return domain.Delegation{}, err
	}
	if opts.GrantorID == opts.GranteeID {
		return domain.Delegation{}, ValidationError{Reason: "grantor and grantee must differ"}
	}
	for _, id := range []string{opts.GrantorID, opts.GranteeID} {
		if _, err := e.Repo.GetUser(ctx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Delegation{}, ValidationError{Reason: "unknown user " + id}
			}
			return domain.Delegation{}, err
		}
	}
	d := domain.Delegation{
		ID:        uuid.NewString(),
		GrantorID: opts.GrantorID,
		GranteeID: opts.GranteeID,
		StartsAt:  opts.StartsAt,
		EndsAt:    opts.EndsAt,
		Active:    true,
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertDelegation(ctx, d); err != nil {
		return domain.Delegation{}, err
	}
	e.Audit.Record(ctx, opts.GrantorID, "delegation.grant", "delegation", d.ID, audit.Details{
		"grantee_id": d.GranteeID,
		"starts_at":  d.StartsAt,
		"ends_at":    d.EndsAt,
	})
	return d, nil
}

// UpdateDelegationWindow moves an existing delegation's time bounds.
func (e Engine) UpdateDelegationWindow(ctx context.Context, actorID, id, startsAt, endsAt string) (domain.Delegation, error) {
	if _, _, err := parseWindow(startsAt, endsAt); err != nil {
		return domain.Delegation{}, err
	}
	if _, err := e.Repo.GetDelegation(ctx, id); err != nil {
		return domain.Delegation{}, err
	}
	if err := e.Repo.UpdateDelegationWindow(ctx, id, startsAt, endsAt); err != nil {
		return domain.Delegation{}, err
	}
	e.Audit.Record(ctx, actorID, "delegation.update", "delegation", id, audit.Details{
		"starts_at": startsAt,
		"ends_at":   endsAt,
	})
	return e.Repo.GetDelegation(ctx, id)
}

// RevokeDelegation deactivates a delegation; records are never hard
// deleted.
func (e Engine) RevokeDelegation(ctx context.Context, actorID, id string) error {
	if err := e.Repo.DeactivateDelegation(ctx, id); err != nil {
		return err
	}
	e.Audit.Record(ctx, actorID, "delegation.revoke", "delegation", id, nil)
	return nil
}

// --- admin mutations ---

// fillSteps assigns ids and the owning workflow to a step chain.
func fillSteps(workflowID string, steps []domain.WorkflowStep) []domain.WorkflowStep {
	out := make([]domain.WorkflowStep, len(steps))
	for i, s := range steps {
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		s.WorkflowID = workflowID
		out[i] = s
	}
	return out
}

// CreateWorkflow persists a workflow with its ordered step chain in
// one transaction.
func (e Engine) CreateWorkflow(ctx context.Context, actorID, name string, steps []domain.WorkflowStep) (domain.Workflow, error) {
	if name == "" {
		return domain.Workflow{}, ValidationError{Reason: "workflow name is required"}
	}
	workflowID := uuid.NewString()
	w := domain.Workflow{
		ID:        workflowID,
		Name:      name,
		Active:    true,
		Steps:     fillSteps(workflowID, steps),
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkflowTx(ctx, tx, w); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	e.Audit.Record(ctx, actorID, "workflow.create", "workflow", w.ID, audit.Details{
		"name":  w.Name,
		"steps": len(steps),
	})
	return e.Repo.GetWorkflow(ctx, w.ID)
}

// ReplaceWorkflowSteps swaps a workflow's step chain wholesale. The
// repo refuses while live requests point at the old steps.
func (e Engine) ReplaceWorkflowSteps(ctx context.Context, actorID, workflowID string, steps []domain.WorkflowStep) (domain.Workflow, error) {
	if _, err := e.Repo.GetWorkflow(ctx, workflowID); err != nil {
		return domain.Workflow{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceStepsTx(ctx, tx, workflowID, fillSteps(workflowID, steps)); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	e.Audit.Record(ctx, actorID, "workflow.steps.replace", "workflow", workflowID, audit.Details{
		"steps": len(steps),
	})
	return e.Repo.GetWorkflow(ctx, workflowID)
}

// CreateForm persists a form template after checking its declared
// fields and audience references.
func (e Engine) CreateForm(ctx context.Context, actorID string, f domain.FormTemplate) (domain.FormTemplate, error) {
	if f.Name == "" {
		return domain.FormTemplate{}, ValidationError{Reason: "form name is required"}
	}
	seen := map[string]bool{}
	for _, field := range f.Fields {
		if field.Name == "" {
			return domain.FormTemplate{}, ValidationError{Reason: "form field name is required"}
		}
		if seen[field.Name] {
			return domain.FormTemplate{}, ValidationError{Reason: "duplicate form field " + field.Name}
		}
		seen[field.Name] = true
		switch field.Type {
		case "text", "number", "date", "choice":
		default:
			return domain.FormTemplate{}, ValidationError{Reason: "invalid field type " + field.Type}
		}
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.Active = true
	f.CreatedAt = e.timestamp()
	if err := e.Repo.InsertForm(ctx, f); err != nil {
		return domain.FormTemplate{}, err
	}
	e.Audit.Record(ctx, actorID, "form.create", "form", f.ID, audit.Details{"name": f.Name})
	return f, nil
}

// CreateRequestType binds a form to an optional workflow.
func (e Engine) CreateRequestType(ctx context.Context, actorID string, rt domain.RequestType) (domain.RequestType, error) {
	if rt.Name == "" {
		return domain.RequestType{}, ValidationError{Reason: "request type name is required"}
	}
	if _, err := e.Repo.GetForm(ctx, rt.FormID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.RequestType{}, ValidationError{Reason: "unknown form " + rt.FormID}
		}
		return domain.RequestType{}, err
	}
	if rt.WorkflowID != nil {
		if _, err := e.Repo.GetWorkflow(ctx, *rt.WorkflowID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.RequestType{}, ValidationError{Reason: "unknown workflow " + *rt.WorkflowID}
			}
			return domain.RequestType{}, err
		}
	}
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	rt.CreatedAt = e.timestamp()
	if err := e.Repo.InsertRequestType(ctx, rt); err != nil {
		return domain.RequestType{}, err
	}
	e.Audit.Record(ctx, actorID, "request_type.create", "request_type", rt.ID, audit.Details{"name": rt.Name})
	return rt, nil
}
