// Package app wires the workspace together: it loads (or seeds) the
// YAML config and mirrors the configured role catalog into the
// database so scope resolution and permission checks can run on SQL.
package app

import (
	"context"
	"fmt"
	"os"

	"formflow/internal/config"
	"formflow/internal/domain"
	"formflow/internal/repo"
)

// Bootstrap loads the workspace config, writing the default one on
// first use, and syncs the role catalog into the roles table.
func Bootstrap(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("Formflow")
		path := config.Path(workspace)
		if err := os.WriteFile(path, []byte(config.GenerateDefault(cfg.Organization.Name)), 0o644); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}
	if err := SyncRoles(ctx, r, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SyncRoles upserts every configured role into the database in one
// transaction. Roles present in the DB but absent from config are left
// alone; users may still reference them.
func SyncRoles(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for id, spec := range cfg.Roles {
		role := domain.Role{
			ID:          id,
			Name:        spec.Name,
			Category:    spec.Category,
			ScopeLevel:  spec.Scope,
			Permissions: spec.Permissions,
		}
		if err := r.UpsertRole(ctx, tx, role); err != nil {
			return fmt.Errorf("sync role %s: %w", id, err)
		}
	}
	return tx.Commit()
}
