package migrate

import (
	"testing"

	"formflow/internal/db"
)

func TestMigrateRecordsEachStepAndIsRerunnable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	want, err := loadMigrations()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	var got int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&got); err != nil {
		t.Fatalf("count schema_migrations: %v", err)
	}
	if got != len(want) {
		t.Fatalf("schema_migrations rows = %d, want %d", got, len(want))
	}

	for _, table := range []string{"users", "workflows", "requests", "delegations", "api_keys"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing after migrate: %v", table, err)
		}
	}
}
