package db

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func TestRebind(t *testing.T) {
	cases := []struct {
		name    string
		dialect Dialect
		in      string
		want    string
	}{
		{"sqlite untouched", DialectSQLite, "SELECT * FROM jobs WHERE id=? AND status=?", "SELECT * FROM jobs WHERE id=? AND status=?"},
		{"postgres numbered", DialectPostgres, "SELECT * FROM jobs WHERE id=? AND status=?", "SELECT * FROM jobs WHERE id=$1 AND status=$2"},
		{"quoted literal", DialectPostgres, "SELECT '?' FROM jobs WHERE title LIKE ? ESCAPE '\\'", "SELECT '?' FROM jobs WHERE title LIKE $1 ESCAPE '\\'"},
		{"no params", DialectPostgres, "SELECT 1", "SELECT 1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Rebind(tc.dialect, tc.in); got != tc.want {
				t.Fatalf("Rebind() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, dialect, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if dialect != DialectSQLite {
		t.Fatalf("expected sqlite dialect, got %s", dialect)
	}
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if got, want := Path(dir), filepath.Join(dir, ".moltjobs", "moltjobs.db"); got != want {
		t.Fatalf("Path() = %s, want %s", got, want)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, _, err := Open(Config{Driver: "oracle"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, _, err := Open(Config{Driver: "postgres"}); err == nil {
		t.Fatalf("expected error for missing dsn")
	}
}

func TestFoldFuncLowersUnicode(t *testing.T) {
	conn, _, err := Open(Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	var got string
	if err := conn.QueryRow("SELECT "+Lower(DialectSQLite)+"(?)", "ÉCOLE Ärzte").Scan(&got); err != nil {
		t.Fatalf("query: %v", err)
	}
	if got != "école ärzte" {
		t.Fatalf("fold = %q, want %q", got, "école ärzte")
	}
	var null sql.NullString
	if err := conn.QueryRow("SELECT " + FoldFunc + "(NULL)").Scan(&null); err != nil {
		t.Fatalf("query null: %v", err)
	}
	if null.Valid {
		t.Fatalf("fold(NULL) = %q, want NULL", null.String)
	}
	if Lower(DialectPostgres) != "LOWER" {
		t.Fatalf("postgres should use LOWER, got %s", Lower(DialectPostgres))
	}
}
