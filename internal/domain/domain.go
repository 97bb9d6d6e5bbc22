package domain

// Request lifecycle statuses. Approved and rejected are terminal;
// returned waits on the requester and admits only a resubmission.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusApproved   = "approved"
	StatusRejected   = "rejected"
	StatusReturned   = "returned"
)

// Action kinds recorded on the approval trail.
const (
	ActionSubmit             = "submit"
	ActionResubmit           = "resubmit"
	ActionApprove            = "approve"
	ActionReject             = "reject"
	ActionApproveWithChanges = "approve_with_changes"
	ActionRejectWithChanges  = "reject_with_changes"
)

// Terminal reports whether a request status admits no further action.
func Terminal(status string) bool {
	return status == StatusApproved || status == StatusRejected
}

type College struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	DeanUserID *string `json:"dean_user_id,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Department struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	CollegeID *string `json:"college_id,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// Role categories drive the coarse audience split; scope levels drive
// the organizational query boundary.
const (
	CategoryStudent  = "student"
	CategoryEmployee = "employee"
)

const (
	ScopeUnrestricted = "unrestricted"
	ScopeCollege      = "college"
	ScopeDepartment   = "department"
	ScopeNone         = "none"
)

type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Category    string   `json:"category" enum:"student,employee"`
	ScopeLevel  string   `json:"scope_level" enum:"unrestricted,college,department,none"`
	Permissions []string `json:"permissions,omitempty"`
}

type User struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Email        string  `json:"email,omitempty"`
	RoleID       string  `json:"role_id"`
	DepartmentID *string `json:"department_id,omitempty"`
	Active       bool    `json:"active"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// BindingKind discriminates an ApproverBinding.
type BindingKind string

const (
	BindRole BindingKind = "role"
	BindUser BindingKind = "user"
)

// ApproverBinding names who may act on a workflow step: exactly one
// role or one specific user. The zero value is invalid.
type ApproverBinding struct {
	Kind BindingKind `json:"kind" enum:"role,user"`
	ID   string      `json:"id"`
}

// Matches reports whether the given actor satisfies the binding.
func (b ApproverBinding) Matches(userID, roleID string) bool {
	switch b.Kind {
	case BindUser:
		return b.ID == userID
	case BindRole:
		return b.ID == roleID
	}
	return false
}

type Workflow struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Active    bool           `json:"active"`
	Steps     []WorkflowStep `json:"steps,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type WorkflowStep struct {
	ID               string          `json:"id"`
	WorkflowID       string          `json:"workflow_id"`
	Order            int             `json:"order"`
	Approver         ApproverBinding `json:"approver"`
	SLAHours         int             `json:"sla_hours,omitempty"`
	EscalationRoleID *string         `json:"escalation_role_id,omitempty"`
	IsFinal          bool            `json:"is_final"`
}

// FormField is one declared field of a form schema. Submissions are
// validated against the declared list.
type FormField struct {
	Name     string `json:"name"`
	Label    string `json:"label,omitempty"`
	Type     string `json:"type" enum:"text,number,date,choice"`
	Required bool   `json:"required,omitempty"`
}

// AudienceConfig governs who sees a form. A nil base flag or an empty
// id list imposes no restriction at that level.
type AudienceConfig struct {
	Students      *bool    `json:"students,omitempty"`
	Employees     *bool    `json:"employees,omitempty"`
	CollegeIDs    []string `json:"college_ids,omitempty"`
	DepartmentIDs []string `json:"department_ids,omitempty"`
}

type FormTemplate struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Fields    []FormField    `json:"fields"`
	Audience  AudienceConfig `json:"audience"`
	Active    bool           `json:"active"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

// RequestType binds a form to its approval workflow. WorkflowID may be
// nil; requests of such a type stay pending with no active step.
type RequestType struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	FormID     string  `json:"form_id"`
	WorkflowID *string `json:"workflow_id,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Request struct {
	ID             string  `json:"id"`
	ReferenceNo    string  `json:"reference_no"`
	RequesterID    string  `json:"requester_id"`
	RequestTypeID  string  `json:"request_type_id"`
	FormID         string  `json:"form_id"`
	Status         string  `json:"status" enum:"pending,in_progress,approved,rejected,returned"`
	CurrentStepID  *string `json:"current_step_id,omitempty"`
	SubmissionJSON string  `json:"submission_json"`
	Version        int     `json:"version"`
	SubmittedAt    string  `json:"submitted_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	DecidedAt      *string `json:"decided_at,omitempty" format:"date-time"`
}

// RequestAction is one append-only entry of the approval trail.
// StepID captures the step pointer at the time of the action.
type RequestAction struct {
	ID        string  `json:"id"`
	RequestID string  `json:"request_id"`
	ActorID   string  `json:"actor_id"`
	Action    string  `json:"action"`
	Comment   string  `json:"comment,omitempty"`
	StepID    *string `json:"step_id,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// Delegation is a time-bounded grantor-to-grantee authority record.
// Registry data only; step authorization does not consult it.
type Delegation struct {
	ID        string `json:"id"`
	GrantorID string `json:"grantor_id"`
	GranteeID string `json:"grantee_id"`
	StartsAt  string `json:"starts_at" format:"date-time"`
	EndsAt    string `json:"ends_at" format:"date-time"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AuditEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	ActorID    string `json:"actor_id"`
	Action     string `json:"action"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id,omitempty"`
	Details    string `json:"details_json,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
