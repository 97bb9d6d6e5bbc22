package server

import (
	"formflow/internal/domain"
)

type DevLoginRequest struct {
	UserID string `json:"user_id" example:"u-1042"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	UserID      string   `json:"user_id"`
	Name        string   `json:"name"`
	RoleID      string   `json:"role_id"`
	Scope       string   `json:"scope"`
	Permissions []string `json:"permissions"`
}

type SubmitRequestBody struct {
	RequestTypeID string         `json:"request_type_id"`
	Fields        map[string]any `json:"fields"`
}

type ActRequestBody struct {
	Action           string `json:"action" enum:"approve,reject,approve_with_changes,reject_with_changes"`
	Comment          string `json:"comment,omitempty"`
	AttachmentName   string `json:"attachment_name,omitempty"`
	AttachmentBase64 string `json:"attachment_base64,omitempty"`
}

type ResubmitRequestBody struct {
	Fields map[string]any `json:"fields"`
}

// RequestResponse decorates a request with its degraded-mode notice
// when a post-commit collaborator failed.
type RequestResponse struct {
	domain.Request
	Notice string `json:"notice,omitempty"`
}

type CreateWorkflowBody struct {
	Name  string             `json:"name"`
	Steps []WorkflowStepBody `json:"steps"`
}

type WorkflowStepBody struct {
	Order            int     `json:"order"`
	ApproverKind     string  `json:"approver_kind" enum:"role,user"`
	ApproverID       string  `json:"approver_id"`
	SLAHours         int     `json:"sla_hours,omitempty"`
	EscalationRoleID *string `json:"escalation_role_id,omitempty"`
	IsFinal          bool    `json:"is_final,omitempty"`
}

func stepsFromBody(steps []WorkflowStepBody) []domain.WorkflowStep {
	out := make([]domain.WorkflowStep, len(steps))
	for i, s := range steps {
		out[i] = domain.WorkflowStep{
			Order:            s.Order,
			Approver:         domain.ApproverBinding{Kind: domain.BindingKind(s.ApproverKind), ID: s.ApproverID},
			SLAHours:         s.SLAHours,
			EscalationRoleID: s.EscalationRoleID,
			IsFinal:          s.IsFinal,
		}
	}
	return out
}

type CreateFormBody struct {
	Name     string                `json:"name"`
	Fields   []domain.FormField    `json:"fields"`
	Audience domain.AudienceConfig `json:"audience,omitempty"`
}

type CreateRequestTypeBody struct {
	Name       string  `json:"name"`
	FormID     string  `json:"form_id"`
	WorkflowID *string `json:"workflow_id,omitempty"`
}

type CreateDelegationBody struct {
	GranteeID string `json:"grantee_id"`
	StartsAt  string `json:"starts_at" format:"date-time"`
	EndsAt    string `json:"ends_at" format:"date-time"`
}

type UpdateDelegationBody struct {
	StartsAt string `json:"starts_at" format:"date-time"`
	EndsAt   string `json:"ends_at" format:"date-time"`
}

type CreateCollegeBody struct {
	ID         string  `json:"id,omitempty"`
	Name       string  `json:"name"`
	DeanUserID *string `json:"dean_user_id,omitempty"`
}

type CreateDepartmentBody struct {
	ID        string  `json:"id,omitempty"`
	Name      string  `json:"name"`
	CollegeID *string `json:"college_id,omitempty"`
}

type CreateUserBody struct {
	ID           string  `json:"id,omitempty"`
	Name         string  `json:"name"`
	Email        string  `json:"email,omitempty"`
	RoleID       string  `json:"role_id"`
	DepartmentID *string `json:"department_id,omitempty"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
