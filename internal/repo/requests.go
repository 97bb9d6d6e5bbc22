package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"formflow/internal/domain"
	"formflow/internal/engine/scope"
)

const requestColumns = `id,reference_no,requester_id,request_type_id,form_id,status,current_step_id,submission_json,version,submitted_at,updated_at,decided_at`

func scanRequest(scan func(dest ...any) error) (domain.Request, error) {
	var req domain.Request
	var step, decided sql.NullString
	err := scan(&req.ID, &req.ReferenceNo, &req.RequesterID, &req.RequestTypeID, &req.FormID,
		&req.Status, &step, &req.SubmissionJSON, &req.Version, &req.SubmittedAt, &req.UpdatedAt, &decided)
	if err != nil {
		return req, err
	}
	if step.Valid {
		req.CurrentStepID = &step.String
	}
	if decided.Valid {
		req.DecidedAt = &decided.String
	}
	return req, nil
}

func (r Repo) InsertRequestTx(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.ReferenceNo, req.RequesterID, req.RequestTypeID, req.FormID, req.Status,
		nullableStringPtr(req.CurrentStepID), req.SubmissionJSON, req.Version, req.SubmittedAt, req.UpdatedAt,
		nullableStringPtr(req.DecidedAt))
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	req, err := scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	return req, err
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	req, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	return req, err
}

// UpdateRequestTx persists a transition guarded by the optimistic
// version the caller loaded. Zero rows affected means a concurrent
// transition won; the caller maps that to a conflict.
func (r Repo) UpdateRequestTx(ctx context.Context, tx *sql.Tx, req domain.Request, loadedVersion int) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, current_step_id=?, submission_json=?, version=?, updated_at=?, decided_at=? WHERE id=? AND version=?`,
		req.Status, nullableStringPtr(req.CurrentStepID), req.SubmissionJSON, req.Version, req.UpdatedAt,
		nullableStringPtr(req.DecidedAt), req.ID, loadedVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) InsertActionTx(ctx context.Context, tx *sql.Tx, a domain.RequestAction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO request_actions(id,request_id,actor_id,action,comment,step_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.RequestID, a.ActorID, a.Action, nullable(a.Comment), nullableStringPtr(a.StepID), a.CreatedAt)
	return err
}

// ListActions returns the approval trail in insertion order.
func (r Repo) ListActions(ctx context.Context, requestID string) ([]domain.RequestAction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,request_id,actor_id,action,comment,step_id,created_at FROM request_actions WHERE request_id=? ORDER BY created_at ASC, rowid ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RequestAction
	for rows.Next() {
		var a domain.RequestAction
		var comment, step sql.NullString
		if err := rows.Scan(&a.ID, &a.RequestID, &a.ActorID, &a.Action, &comment, &step, &a.CreatedAt); err != nil {
			return nil, err
		}
		if comment.Valid {
			a.Comment = comment.String
		}
		if step.Valid {
			a.StepID = &step.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

type RequestFilters struct {
	Status        string
	RequestTypeID string
	FormID        string
	Limit         int
}

// ListRequests is the scoped report read: the scope predicate is
// applied on the requester's home department and caller filters only
// narrow within it.
func (r Repo) ListRequests(ctx context.Context, s scope.Scope, f RequestFilters) ([]domain.Request, error) {
	clauses, args := scopeUserClauses(s, "u")
	if f.Status != "" {
		clauses = append(clauses, "r.status=?")
		args = append(args, f.Status)
	}
	if f.RequestTypeID != "" {
		clauses = append(clauses, "r.request_type_id=?")
		args = append(args, f.RequestTypeID)
	}
	if f.FormID != "" {
		clauses = append(clauses, "r.form_id=?")
		args = append(args, f.FormID)
	}
	query := `SELECT r.id,r.reference_no,r.requester_id,r.request_type_id,r.form_id,r.status,r.current_step_id,r.submission_json,r.version,r.submitted_at,r.updated_at,r.decided_at
FROM requests r JOIN users u ON u.id=r.requester_id`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY r.submitted_at DESC, r.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryRequests(ctx, query, args...)
}

// ListRequestsByRequester returns a requester's own submissions; this
// is self-access, not a scoped report read.
func (r Repo) ListRequestsByRequester(ctx context.Context, requesterID string) ([]domain.Request, error) {
	return r.queryRequests(ctx, `SELECT `+requestColumns+` FROM requests WHERE requester_id=? ORDER BY submitted_at DESC, id DESC`, requesterID)
}

// ListRequestsAwaiting returns non-terminal requests whose current step
// binding matches the given approver.
func (r Repo) ListRequestsAwaiting(ctx context.Context, userID, roleID string) ([]domain.Request, error) {
	return r.queryRequests(ctx, `SELECT r.id,r.reference_no,r.requester_id,r.request_type_id,r.form_id,r.status,r.current_step_id,r.submission_json,r.version,r.submitted_at,r.updated_at,r.decided_at
FROM requests r JOIN workflow_steps s ON s.id=r.current_step_id
WHERE r.status IN (?,?) AND (s.approver_user_id=? OR s.approver_role_id=?)
ORDER BY r.submitted_at ASC, r.id ASC`, domain.StatusPending, domain.StatusInProgress, userID, roleID)
}

func (r Repo) queryRequests(ctx context.Context, query string, args ...any) ([]domain.Request, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// NextReferenceTx allocates the next reference number for a prefix,
// e.g. REQ-2026-0007. The counter row serializes under the caller tx.
func (r Repo) NextReferenceTx(ctx context.Context, tx *sql.Tx, prefix string) (string, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO ref_counters(prefix,value) VALUES (?,0) ON CONFLICT(prefix) DO NOTHING`, prefix); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ref_counters SET value=value+1 WHERE prefix=?`, prefix); err != nil {
		return "", err
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT value FROM ref_counters WHERE prefix=?`, prefix).Scan(&n); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%04d", prefix, n), nil
}
