package scope_test

import (
	"context"
	"errors"
	"testing"

	"formflow/internal/db"
	"formflow/internal/domain"
	"formflow/internal/engine/scope"
	"formflow/internal/migrate"
	"formflow/internal/repo"
)

func newResolver(t *testing.T) (scope.Resolver, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return scope.Resolver{DB: conn}, repo.Repo{DB: conn}
}

func seedOrg(t *testing.T, r repo.Repo) {
	t.Helper()
	ctx := context.Background()
	ts := "2026-03-01T00:00:00Z"
	roles := []domain.Role{
		{ID: "admin", Name: "Admin", Category: domain.CategoryEmployee, ScopeLevel: domain.ScopeUnrestricted},
		{ID: "dean", Name: "Dean", Category: domain.CategoryEmployee, ScopeLevel: domain.ScopeCollege},
		{ID: "head", Name: "Head", Category: domain.CategoryEmployee, ScopeLevel: domain.ScopeDepartment},
		{ID: "student", Name: "Student", Category: domain.CategoryStudent, ScopeLevel: domain.ScopeNone},
	}
	for _, role := range roles {
		if err := r.UpsertRole(ctx, nil, role); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.InsertCollege(ctx, domain.College{ID: "col-1", Name: "Science", CreatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	col := "col-1"
	if err := r.InsertDepartment(ctx, domain.Department{ID: "dept-1", Name: "Physics", CollegeID: &col, CreatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	dept := "dept-1"
	users := []domain.User{
		{ID: "u-admin", Name: "A", RoleID: "admin", Active: true, CreatedAt: ts},
		{ID: "u-dean", Name: "D", RoleID: "dean", DepartmentID: &dept, Active: true, CreatedAt: ts},
		{ID: "u-dean-lost", Name: "DL", RoleID: "dean", Active: true, CreatedAt: ts},
		{ID: "u-head", Name: "H", RoleID: "head", DepartmentID: &dept, Active: true, CreatedAt: ts},
		{ID: "u-head-lost", Name: "HL", RoleID: "head", Active: true, CreatedAt: ts},
		{ID: "u-student", Name: "S", RoleID: "student", DepartmentID: &dept, Active: true, CreatedAt: ts},
	}
	for _, u := range users {
		if err := r.InsertUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.SetCollegeDean(ctx, "col-1", "u-dean"); err != nil {
		t.Fatal(err)
	}
}

func TestResolveLevels(t *testing.T) {
	resolver, r := newResolver(t)
	seedOrg(t, r)
	ctx := context.Background()

	cases := []struct {
		user   string
		level  scope.Level
		denied bool
	}{
		{"u-admin", scope.LevelUnrestricted, false},
		{"u-dean", scope.LevelCollege, false},
		{"u-head", scope.LevelDepartment, false},
		{"u-student", scope.LevelNone, true},
	}
	for _, tc := range cases {
		s, err := resolver.Resolve(ctx, tc.user)
		if err != nil {
			t.Fatalf("%s: %v", tc.user, err)
		}
		if s.Level != tc.level {
			t.Fatalf("%s: level = %v, want %v", tc.user, s.Level, tc.level)
		}
		if s.Denied() != tc.denied {
			t.Fatalf("%s: denied = %v, want %v", tc.user, s.Denied(), tc.denied)
		}
	}

	s, err := resolver.Resolve(ctx, "u-dean")
	if err != nil {
		t.Fatal(err)
	}
	if s.CollegeID != "col-1" {
		t.Fatalf("dean college = %q", s.CollegeID)
	}
}

// Unresolvable boundaries deny instead of widening.
func TestResolveFailsClosed(t *testing.T) {
	resolver, r := newResolver(t)
	seedOrg(t, r)
	ctx := context.Background()

	for _, user := range []string{"u-dean-lost", "u-head-lost"} {
		s, err := resolver.Resolve(ctx, user)
		if err != nil {
			t.Fatalf("%s: %v", user, err)
		}
		if !s.Denied() {
			t.Fatalf("%s: expected denied scope", user)
		}
	}

	if _, err := resolver.Resolve(ctx, "nobody"); !errors.Is(err, scope.ErrUnknownUser) {
		t.Fatalf("unknown user: got %v", err)
	}

	var zero scope.Scope
	if !zero.Denied() {
		t.Fatalf("zero scope must deny")
	}
}

func TestDeniedScopeYieldsZeroRows(t *testing.T) {
	resolver, r := newResolver(t)
	seedOrg(t, r)
	ctx := context.Background()

	s, err := resolver.Resolve(ctx, "u-student")
	if err != nil {
		t.Fatal(err)
	}
	users, err := r.ListUsers(ctx, s, repo.UserFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 0 {
		t.Fatalf("denied scope returned %d users", len(users))
	}

	head, err := resolver.Resolve(ctx, "u-head")
	if err != nil {
		t.Fatal(err)
	}
	users, err = r.ListUsers(ctx, head, repo.UserFilters{})
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range users {
		if u.DepartmentID == nil || *u.DepartmentID != "dept-1" {
			t.Fatalf("department scope leaked user %s", u.ID)
		}
	}
	if len(users) == 0 {
		t.Fatalf("department scope should see its own roster")
	}
}
