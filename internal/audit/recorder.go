// Package audit appends to the audit_log table. Recording is
// fire-and-forget: a failure is logged and never propagated back into
// the lifecycle engine.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"formflow/internal/engine/scope"
)

type Recorder struct {
	DB  *sql.DB
	Log zerolog.Logger
	Now func() time.Time
}

type Details map[string]any

// Record appends one audit row. Errors are absorbed.
func (r Recorder) Record(ctx context.Context, actorID, action, entityType, entityID string, details Details) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if details == nil {
		details = Details{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		r.Log.Warn().Err(err).Str("action", action).Msg("audit: marshal details failed")
		data = []byte("{}")
	}
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO audit_log(ts,actor_id,action,entity_type,entity_id,details_json) VALUES (?,?,?,?,?,?)`,
		ts, actorID, action, entityType, nullable(entityID), string(data)); err != nil {
		r.Log.Warn().Err(err).Str("action", action).Str("entity", entityID).Msg("audit: append failed")
	}
}

type Entry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	ActorID    string `json:"actor_id"`
	Action     string `json:"action"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id,omitempty"`
	Details    string `json:"details_json,omitempty"`
}

type Filters struct {
	Action     string
	EntityType string
	EntityID   string
	Limit      int
}

// List is a scoped read over the audit trail; the scope predicate is
// applied against the acting user's home department.
func (r Recorder) List(ctx context.Context, s scope.Scope, f Filters) ([]Entry, error) {
	clauses := []string{"1=1"}
	var args []any
	switch {
	case s.Denied():
		clauses = append(clauses, "1=0")
	case s.Level == scope.LevelCollege:
		clauses = append(clauses, "a.actor_id IN (SELECT id FROM users WHERE department_id IN (SELECT id FROM departments WHERE college_id=?))")
		args = append(args, s.CollegeID)
	case s.Level == scope.LevelDepartment:
		clauses = append(clauses, "a.actor_id IN (SELECT id FROM users WHERE department_id=?)")
		args = append(args, s.DepartmentID)
	}
	if f.Action != "" {
		clauses = append(clauses, "a.action=?")
		args = append(args, f.Action)
	}
	if f.EntityType != "" {
		clauses = append(clauses, "a.entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "a.entity_id=?")
		args = append(args, f.EntityID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT a.id,a.ts,a.actor_id,a.action,a.entity_type,a.entity_id,a.details_json FROM audit_log a WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY a.id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		var e Entry
		var entityID, details sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.ActorID, &e.Action, &e.EntityType, &entityID, &details); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if details.Valid {
			e.Details = details.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
