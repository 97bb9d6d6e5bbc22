package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"formflow/internal/domain"
	"formflow/internal/engine/scope"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- roles ---

func (r Repo) UpsertRole(ctx context.Context, tx *sql.Tx, role domain.Role) error {
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return err
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO roles(id,name,category,scope_level,permissions_json) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, category=excluded.category,
scope_level=excluded.scope_level, permissions_json=excluded.permissions_json`,
		role.ID, role.Name, role.Category, role.ScopeLevel, string(perms))
	return err
}

func scanRole(row *sql.Row) (domain.Role, error) {
	var role domain.Role
	var perms sql.NullString
	err := row.Scan(&role.ID, &role.Name, &role.Category, &role.ScopeLevel, &perms)
	if err == sql.ErrNoRows {
		return role, ErrNotFound
	}
	if err != nil {
		return role, err
	}
	if perms.Valid && perms.String != "" {
		_ = json.Unmarshal([]byte(perms.String), &role.Permissions)
	}
	return role, nil
}

func (r Repo) GetRole(ctx context.Context, id string) (domain.Role, error) {
	return scanRole(r.DB.QueryRowContext(ctx, `SELECT id,name,category,scope_level,permissions_json FROM roles WHERE id=?`, id))
}

func (r Repo) ListRoles(ctx context.Context) ([]domain.Role, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,category,scope_level,permissions_json FROM roles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Role
	for rows.Next() {
		var role domain.Role
		var perms sql.NullString
		if err := rows.Scan(&role.ID, &role.Name, &role.Category, &role.ScopeLevel, &perms); err != nil {
			return nil, err
		}
		if perms.Valid && perms.String != "" {
			_ = json.Unmarshal([]byte(perms.String), &role.Permissions)
		}
		res = append(res, role)
	}
	return res, rows.Err()
}

// --- colleges ---

func (r Repo) InsertCollege(ctx context.Context, c domain.College) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO colleges(id,name,dean_user_id,created_at) VALUES (?,?,?,?)`,
		c.ID, c.Name, nullableStringPtr(c.DeanUserID), c.CreatedAt)
	return err
}

func (r Repo) GetCollege(ctx context.Context, id string) (domain.College, error) {
	var c domain.College
	var dean sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,dean_user_id,created_at FROM colleges WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &dean, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if dean.Valid {
		c.DeanUserID = &dean.String
	}
	return c, err
}

func (r Repo) ListColleges(ctx context.Context) ([]domain.College, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,dean_user_id,created_at FROM colleges ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.College
	for rows.Next() {
		var c domain.College
		var dean sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &dean, &c.CreatedAt); err != nil {
			return nil, err
		}
		if dean.Valid {
			c.DeanUserID = &dean.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) SetCollegeDean(ctx context.Context, collegeID, userID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE colleges SET dean_user_id=? WHERE id=?`, nullable(userID), collegeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- departments ---

func (r Repo) InsertDepartment(ctx context.Context, d domain.Department) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO departments(id,name,college_id,created_at) VALUES (?,?,?,?)`,
		d.ID, d.Name, nullableStringPtr(d.CollegeID), d.CreatedAt)
	return err
}

func (r Repo) GetDepartment(ctx context.Context, id string) (domain.Department, error) {
	var d domain.Department
	var college sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,college_id,created_at FROM departments WHERE id=?`, id).
		Scan(&d.ID, &d.Name, &college, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if college.Valid {
		d.CollegeID = &college.String
	}
	return d, err
}

func (r Repo) ListDepartments(ctx context.Context, collegeID string) ([]domain.Department, error) {
	query := `SELECT id,name,college_id,created_at FROM departments`
	var args []any
	if collegeID != "" {
		query += ` WHERE college_id=?`
		args = append(args, collegeID)
	}
	query += ` ORDER BY name`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Department
	for rows.Next() {
		var d domain.Department
		var college sql.NullString
		if err := rows.Scan(&d.ID, &d.Name, &college, &d.CreatedAt); err != nil {
			return nil, err
		}
		if college.Valid {
			d.CollegeID = &college.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- users ---

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,email,role_id,department_id,active,created_at) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.Name, nullable(u.Email), u.RoleID, nullableStringPtr(u.DepartmentID), boolInt(u.Active), u.CreatedAt)
	return err
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var email, dept sql.NullString
	var active int
	err := row.Scan(&u.ID, &u.Name, &email, &u.RoleID, &dept, &active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if email.Valid {
		u.Email = email.String
	}
	if dept.Valid {
		u.DepartmentID = &dept.String
	}
	u.Active = active != 0
	return u, nil
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,name,email,role_id,department_id,active,created_at FROM users WHERE id=?`, id))
}

type UserFilters struct {
	RoleID       string
	DepartmentID string
	ActiveOnly   bool
}

// ListUsers composes the caller filters inside the scope predicate.
// Caller filters narrow within scope; they never escape it.
func (r Repo) ListUsers(ctx context.Context, s scope.Scope, f UserFilters) ([]domain.User, error) {
	clauses, args := scopeUserClauses(s, "u")
	if f.RoleID != "" {
		clauses = append(clauses, "u.role_id=?")
		args = append(args, f.RoleID)
	}
	if f.DepartmentID != "" {
		clauses = append(clauses, "u.department_id=?")
		args = append(args, f.DepartmentID)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "u.active=1")
	}
	query := `SELECT u.id,u.name,u.email,u.role_id,u.department_id,u.active,u.created_at FROM users u`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY u.name, u.id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var email, dept sql.NullString
		var active int
		if err := rows.Scan(&u.ID, &u.Name, &email, &u.RoleID, &dept, &active, &u.CreatedAt); err != nil {
			return nil, err
		}
		if email.Valid {
			u.Email = email.String
		}
		if dept.Valid {
			u.DepartmentID = &dept.String
		}
		u.Active = active != 0
		res = append(res, u)
	}
	return res, rows.Err()
}

// ListActiveUsersByRole returns the notification fan-out cohort for a
// role-bound step.
func (r Repo) ListActiveUsersByRole(ctx context.Context, roleID string) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,email,role_id,department_id,active,created_at FROM users WHERE role_id=? AND active=1 ORDER BY name, id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var email, dept sql.NullString
		var active int
		if err := rows.Scan(&u.ID, &u.Name, &email, &u.RoleID, &dept, &active, &u.CreatedAt); err != nil {
			return nil, err
		}
		if email.Valid {
			u.Email = email.String
		}
		if dept.Valid {
			u.DepartmentID = &dept.String
		}
		u.Active = active != 0
		res = append(res, u)
	}
	return res, rows.Err()
}

// scopeUserClauses maps a Scope onto the users table (aliased). The
// denied scope yields the impossible predicate.
func scopeUserClauses(s scope.Scope, alias string) ([]string, []any) {
	switch {
	case s.Denied():
		return []string{"1=0"}, nil
	case s.Level == scope.LevelUnrestricted:
		return nil, nil
	case s.Level == scope.LevelCollege:
		return []string{alias + ".department_id IN (SELECT id FROM departments WHERE college_id=?)"},
			[]any{s.CollegeID}
	case s.Level == scope.LevelDepartment:
		return []string{alias + ".department_id=?"}, []any{s.DepartmentID}
	}
	return []string{"1=0"}, nil
}
