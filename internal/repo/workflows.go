package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"formflow/internal/domain"
)

// InsertWorkflowTx writes a workflow and its ordered steps in one unit.
// Step orders must be dense and strictly increasing from 1.
func (r Repo) InsertWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	if err := validateSteps(w.Steps); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(id,name,active,created_at) VALUES (?,?,?,?)`,
		w.ID, w.Name, boolInt(w.Active), w.CreatedAt)
	if err != nil {
		return err
	}
	for _, s := range w.Steps {
		if err := insertStep(ctx, tx, s); err != nil {
			return err
		}
	}
	return nil
}

func validateSteps(steps []domain.WorkflowStep) error {
	if len(steps) == 0 {
		return errors.New("workflow requires at least one step")
	}
	for i, s := range steps {
		if s.Order != i+1 {
			return fmt.Errorf("step orders must be dense starting at 1; got %d at position %d", s.Order, i+1)
		}
		if s.Approver.ID == "" || (s.Approver.Kind != domain.BindRole && s.Approver.Kind != domain.BindUser) {
			return fmt.Errorf("step %d approver binding must be exactly one role or user", s.Order)
		}
		if s.IsFinal != (i == len(steps)-1) {
			return fmt.Errorf("is_final must be set on the last step only")
		}
	}
	return nil
}

func insertStep(ctx context.Context, tx *sql.Tx, s domain.WorkflowStep) error {
	var roleID, userID any
	switch s.Approver.Kind {
	case domain.BindRole:
		roleID = s.Approver.ID
	case domain.BindUser:
		userID = s.Approver.ID
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_steps(id,workflow_id,step_order,approver_role_id,approver_user_id,sla_hours,escalation_role_id,is_final)
VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.WorkflowID, s.Order, roleID, userID, s.SLAHours, nullableStringPtr(s.EscalationRoleID), boolInt(s.IsFinal))
	return err
}

// ReplaceStepsTx swaps a workflow's step chain wholesale. Used by the
// admin editing path; requests in flight keep their step pointers, so
// callers must not replace chains with live requests.
func (r Repo) ReplaceStepsTx(ctx context.Context, tx *sql.Tx, workflowID string, steps []domain.WorkflowStep) error {
	if err := validateSteps(steps); err != nil {
		return err
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests WHERE current_step_id IN (SELECT id FROM workflow_steps WHERE workflow_id=?)`, workflowID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("workflow %s has %d request(s) pointing at its steps", workflowID, n)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_steps WHERE workflow_id=?`, workflowID); err != nil {
		return err
	}
	for _, s := range steps {
		if err := insertStep(ctx, tx, s); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflows SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	var w domain.Workflow
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,active,created_at FROM workflows WHERE id=?`, id).
		Scan(&w.ID, &w.Name, &active, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Active = active != 0
	w.Steps, err = r.ListSteps(ctx, id)
	return w, err
}

func (r Repo) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,active,created_at FROM workflows ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		var w domain.Workflow
		var active int
		if err := rows.Scan(&w.ID, &w.Name, &active, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.Active = active != 0
		res = append(res, w)
	}
	return res, rows.Err()
}

const stepColumns = `id,workflow_id,step_order,approver_role_id,approver_user_id,sla_hours,escalation_role_id,is_final`

func scanStep(scan func(dest ...any) error) (domain.WorkflowStep, error) {
	var s domain.WorkflowStep
	var roleID, userID, escalation sql.NullString
	var isFinal int
	err := scan(&s.ID, &s.WorkflowID, &s.Order, &roleID, &userID, &s.SLAHours, &escalation, &isFinal)
	if err != nil {
		return s, err
	}
	switch {
	case roleID.Valid:
		s.Approver = domain.ApproverBinding{Kind: domain.BindRole, ID: roleID.String}
	case userID.Valid:
		s.Approver = domain.ApproverBinding{Kind: domain.BindUser, ID: userID.String}
	}
	if escalation.Valid {
		s.EscalationRoleID = &escalation.String
	}
	s.IsFinal = isFinal != 0
	return s, nil
}

func (r Repo) ListSteps(ctx context.Context, workflowID string) ([]domain.WorkflowStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE workflow_id=? ORDER BY step_order`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowStep
	for rows.Next() {
		s, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetStep(ctx context.Context, id string) (domain.WorkflowStep, error) {
	s, err := scanStep(r.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// FirstStep returns the lowest-ordered step of a workflow.
func (r Repo) FirstStep(ctx context.Context, workflowID string) (domain.WorkflowStep, error) {
	s, err := scanStep(r.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE workflow_id=? ORDER BY step_order LIMIT 1`, workflowID).Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// NextStep returns the sibling following the given order within the
// workflow, or ErrNotFound when the step is last. Position is computed
// against the ordered sibling list, never an absolute index.
func (r Repo) NextStep(ctx context.Context, workflowID string, afterOrder int) (domain.WorkflowStep, error) {
	s, err := scanStep(r.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE workflow_id=? AND step_order>? ORDER BY step_order LIMIT 1`, workflowID, afterOrder).Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}
