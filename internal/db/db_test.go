package db

import (
	"path/filepath"
	"testing"

	"github.com/terraskye/eventhub/internal/sqlutil"
)

func TestOpen_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventhub.db")
	db, dialect, err := Open(t.Context(), Config{Driver: "sqlite", DatabaseURL: path})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer db.Close()

	if dialect != sqlutil.SQLite {
		t.Errorf("expected sqlite dialect, got %s", dialect)
	}
	if n := db.Stats().MaxOpenConnections; n != 1 {
		t.Errorf("expected a single connection for sqlite, got %d", n)
	}
}

func TestOpen_Rejects(t *testing.T) {
	if _, _, err := Open(t.Context(), Config{Driver: "sqlite"}); err == nil {
		t.Error("expected an empty url to be rejected")
	}
	if _, _, err := Open(t.Context(), Config{Driver: "oracle", DatabaseURL: "x"}); err == nil {
		t.Error("expected an unknown driver to be rejected")
	}
}

func TestDriverName(t *testing.T) {
	for in, want := range map[string]string{"pgx": "pgx", "postgresql": "pgx", "pq": "postgres", "postgres": "postgres", "sqlite3": "sqlite", "mysql": "mysql"} {
		if got := driverName(in); got != want {
			t.Errorf("driverName(%q) = %q, want %q", in, got, want)
		}
	}
}
