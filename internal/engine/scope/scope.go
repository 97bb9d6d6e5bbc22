// Package scope resolves a requester identity to its organizational
// authorization boundary. Every scoped list read takes the resolved
// Scope value; consumers fail closed when resolution is incomplete.
package scope

import (
	"context"
	"database/sql"
	"errors"
)

// ErrUnknownUser is returned when the identity cannot be loaded.
var ErrUnknownUser = errors.New("unknown user")

// Level of an authorization boundary. The zero value denies.
type Level int

const (
	LevelNone Level = iota
	LevelDepartment
	LevelCollege
	LevelUnrestricted
)

func (l Level) String() string {
	switch l {
	case LevelDepartment:
		return "department"
	case LevelCollege:
		return "college"
	case LevelUnrestricted:
		return "unrestricted"
	default:
		return "none"
	}
}

// Scope is the resolved boundary for one requester. The zero value is
// the impossible predicate: every scoped query yields zero rows.
type Scope struct {
	Level        Level
	CollegeID    string
	DepartmentID string
}

// Unrestricted returns the admin sentinel scope.
func Unrestricted() Scope {
	return Scope{Level: LevelUnrestricted}
}

// Denied reports whether the scope resolves to the impossible predicate.
// A college or department scope missing its id is denied, never widened.
func (s Scope) Denied() bool {
	switch s.Level {
	case LevelUnrestricted:
		return false
	case LevelCollege:
		return s.CollegeID == ""
	case LevelDepartment:
		return s.DepartmentID == ""
	default:
		return true
	}
}

// Resolver derives scopes from the organization tables.
type Resolver struct {
	DB *sql.DB
}

// Resolve maps a user id to its Scope. Unknown users yield
// ErrUnknownUser; a known user whose boundary cannot be completed
// (dean without a college, head without a department) resolves to the
// denied scope rather than an error.
func (r Resolver) Resolve(ctx context.Context, userID string) (Scope, error) {
	var (
		scopeLevel   string
		departmentID sql.NullString
		collegeID    sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `
SELECT ro.scope_level, u.department_id, d.college_id
FROM users u
JOIN roles ro ON ro.id=u.role_id
LEFT JOIN departments d ON d.id=u.department_id
WHERE u.id=?`, userID).Scan(&scopeLevel, &departmentID, &collegeID)
	if err == sql.ErrNoRows {
		return Scope{}, ErrUnknownUser
	}
	if err != nil {
		return Scope{}, err
	}

	switch scopeLevel {
	case "unrestricted":
		return Unrestricted(), nil
	case "college":
		if collegeID.Valid && collegeID.String != "" {
			return Scope{Level: LevelCollege, CollegeID: collegeID.String}, nil
		}
		// A dean need not belong to a department; fall back to the
		// college's designated-dean reference.
		var id string
		err := r.DB.QueryRowContext(ctx, `SELECT id FROM colleges WHERE dean_user_id=? LIMIT 1`, userID).Scan(&id)
		if err == sql.ErrNoRows {
			return Scope{Level: LevelCollege}, nil
		}
		if err != nil {
			return Scope{}, err
		}
		return Scope{Level: LevelCollege, CollegeID: id}, nil
	case "department":
		if !departmentID.Valid || departmentID.String == "" {
			return Scope{Level: LevelDepartment}, nil
		}
		return Scope{Level: LevelDepartment, DepartmentID: departmentID.String}, nil
	default:
		return Scope{Level: LevelNone}, nil
	}
}
