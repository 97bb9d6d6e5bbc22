// Package db opens the workspace SQLite database. All durable state
// lives in .formflow/formflow.db, next to the attachment store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const defaultDBName = "formflow.db"

// Approval chains serialize on short UPDATE transactions; WAL plus a
// busy timeout lets concurrent approvers retry instead of failing with
// SQLITE_BUSY.
var pragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"journal_mode(WAL)",
}

type Config struct {
	Workspace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".formflow", defaultDBName)
}

// EnsureWorkspace creates the workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".formflow")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with the formflow pragma set applied.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	opts := make([]string, 0, len(pragmas))
	for _, p := range pragmas {
		opts = append(opts, "_pragma="+p)
	}
	dsn := fmt.Sprintf("file:%s?%s", dbPath(cfg.Workspace), strings.Join(opts, "&"))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
