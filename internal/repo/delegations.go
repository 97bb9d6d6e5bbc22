package repo

import (
	"context"
	"database/sql"
	"strings"

	"formflow/internal/domain"
)

func (r Repo) InsertDelegation(ctx context.Context, d domain.Delegation) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO delegations(id,grantor_id,grantee_id,starts_at,ends_at,active,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.GrantorID, d.GranteeID, d.StartsAt, d.EndsAt, boolInt(d.Active), d.CreatedAt)
	return err
}

func (r Repo) GetDelegation(ctx context.Context, id string) (domain.Delegation, error) {
	var d domain.Delegation
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,grantor_id,grantee_id,starts_at,ends_at,active,created_at FROM delegations WHERE id=?`, id).
		Scan(&d.ID, &d.GrantorID, &d.GranteeID, &d.StartsAt, &d.EndsAt, &active, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	d.Active = active != 0
	return d, err
}

// UpdateDelegationWindow rewrites the validity window of a record.
func (r Repo) UpdateDelegationWindow(ctx context.Context, id, startsAt, endsAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE delegations SET starts_at=?, ends_at=? WHERE id=?`, startsAt, endsAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateDelegation flips the active flag; records are never hard
// deleted.
func (r Repo) DeactivateDelegation(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE delegations SET active=0 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type DelegationFilters struct {
	GrantorID  string
	GranteeID  string
	ActiveOnly bool
}

func (r Repo) ListDelegations(ctx context.Context, f DelegationFilters) ([]domain.Delegation, error) {
	var clauses []string
	var args []any
	if f.GrantorID != "" {
		clauses = append(clauses, "grantor_id=?")
		args = append(args, f.GrantorID)
	}
	if f.GranteeID != "" {
		clauses = append(clauses, "grantee_id=?")
		args = append(args, f.GranteeID)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "active=1")
	}
	query := `SELECT id,grantor_id,grantee_id,starts_at,ends_at,active,created_at FROM delegations`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Delegation
	for rows.Next() {
		var d domain.Delegation
		var active int
		if err := rows.Scan(&d.ID, &d.GrantorID, &d.GranteeID, &d.StartsAt, &d.EndsAt, &active, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Active = active != 0
		res = append(res, d)
	}
	return res, rows.Err()
}
