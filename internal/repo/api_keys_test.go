package repo_test

import (
	"context"
	"errors"
	"testing"

	"formflow/internal/db"
	"formflow/internal/domain"
	"formflow/internal/migrate"
	"formflow/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	if err := r.UpsertRole(ctx, nil, domain.Role{ID: "admin", Name: "Admin", Category: domain.CategoryEmployee, ScopeLevel: domain.ScopeUnrestricted}); err != nil {
		t.Fatalf("seed role: %v", err)
	}
	if err := r.InsertUser(ctx, domain.User{ID: "u-1", Name: "User One", RoleID: "admin", Active: true, CreatedAt: "2026-03-01T10:00:00Z"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	hash := repo.HashAPIKey("ffk_secret")
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k-1", UserID: "u-1", KeyHash: hash}); err != nil {
		t.Fatalf("insert key: %v", err)
	}

	got, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.UserID != "u-1" || got.Name != "" {
		t.Fatalf("got %+v, want user u-1 with empty name", got)
	}

	// whitespace around the presented key must not change the digest
	if repo.HashAPIKey("  ffk_secret\n") != hash {
		t.Fatalf("hash is not trim-stable")
	}

	keys, err := r.ListAPIKeys(ctx, "u-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != "k-1" {
		t.Fatalf("list = %+v, want the one inserted key", keys)
	}

	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("wrong")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown hash: got %v, want ErrNotFound", err)
	}

	if err := r.DeleteAPIKey(ctx, "k-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, hash); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("after delete: got %v, want ErrNotFound", err)
	}
}
