package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"formflow/internal/domain"
)

func (r Repo) InsertForm(ctx context.Context, f domain.FormTemplate) error {
	schema, err := json.Marshal(f.Fields)
	if err != nil {
		return err
	}
	audience, err := json.Marshal(f.Audience)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO form_templates(id,name,schema_json,audience_json,active,created_at) VALUES (?,?,?,?,?,?)`,
		f.ID, f.Name, string(schema), string(audience), boolInt(f.Active), f.CreatedAt)
	return err
}

func decodeForm(f *domain.FormTemplate, schema string, audience sql.NullString) error {
	if err := json.Unmarshal([]byte(schema), &f.Fields); err != nil {
		return fmt.Errorf("form %s schema: %w", f.ID, err)
	}
	if audience.Valid && audience.String != "" {
		if err := json.Unmarshal([]byte(audience.String), &f.Audience); err != nil {
			return fmt.Errorf("form %s audience: %w", f.ID, err)
		}
	}
	return nil
}

func (r Repo) GetForm(ctx context.Context, id string) (domain.FormTemplate, error) {
	var f domain.FormTemplate
	var schema string
	var audience sql.NullString
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,schema_json,audience_json,active,created_at FROM form_templates WHERE id=?`, id).
		Scan(&f.ID, &f.Name, &schema, &audience, &active, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.Active = active != 0
	return f, decodeForm(&f, schema, audience)
}

func (r Repo) ListForms(ctx context.Context, activeOnly bool) ([]domain.FormTemplate, error) {
	query := `SELECT id,name,schema_json,audience_json,active,created_at FROM form_templates`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY name`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FormTemplate
	for rows.Next() {
		var f domain.FormTemplate
		var schema string
		var audience sql.NullString
		var active int
		if err := rows.Scan(&f.ID, &f.Name, &schema, &audience, &active, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Active = active != 0
		if err := decodeForm(&f, schema, audience); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) SetFormActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE form_templates SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- request types ---

func (r Repo) InsertRequestType(ctx context.Context, rt domain.RequestType) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO request_types(id,name,form_id,workflow_id,created_at) VALUES (?,?,?,?,?)`,
		rt.ID, rt.Name, rt.FormID, nullableStringPtr(rt.WorkflowID), rt.CreatedAt)
	return err
}

func (r Repo) GetRequestType(ctx context.Context, id string) (domain.RequestType, error) {
	var rt domain.RequestType
	var workflow sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,form_id,workflow_id,created_at FROM request_types WHERE id=?`, id).
		Scan(&rt.ID, &rt.Name, &rt.FormID, &workflow, &rt.CreatedAt)
	if err == sql.ErrNoRows {
		return rt, ErrNotFound
	}
	if workflow.Valid {
		rt.WorkflowID = &workflow.String
	}
	return rt, err
}

// GetRequestTypeByForm returns the request type bound to a form.
func (r Repo) GetRequestTypeByForm(ctx context.Context, formID string) (domain.RequestType, error) {
	var rt domain.RequestType
	var workflow sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,form_id,workflow_id,created_at FROM request_types WHERE form_id=? LIMIT 1`, formID).
		Scan(&rt.ID, &rt.Name, &rt.FormID, &workflow, &rt.CreatedAt)
	if err == sql.ErrNoRows {
		return rt, ErrNotFound
	}
	if workflow.Valid {
		rt.WorkflowID = &workflow.String
	}
	return rt, err
}

func (r Repo) ListRequestTypes(ctx context.Context) ([]domain.RequestType, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,form_id,workflow_id,created_at FROM request_types ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RequestType
	for rows.Next() {
		var rt domain.RequestType
		var workflow sql.NullString
		if err := rows.Scan(&rt.ID, &rt.Name, &rt.FormID, &workflow, &rt.CreatedAt); err != nil {
			return nil, err
		}
		if workflow.Valid {
			rt.WorkflowID = &workflow.String
		}
		res = append(res, rt)
	}
	return res, rows.Err()
}
