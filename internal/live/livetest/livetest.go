// Package livetest builds fake live-state directories for tests.
package livetest

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Seed creates storage.json and state.vscdb in dir for a user logged in
// as email and returns dir. An empty email leaves the user logged out.
func Seed(t testing.TB, dir, email string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("create live dir: %v", err)
	}

	storage := map[string]any{
		"telemetry.machineId":    uuid.NewString(),
		"telemetry.macMachineId": uuid.NewString(),
		"telemetry.devDeviceId":  uuid.NewString(),
		"theme":                  "dark",
	}
	data, err := json.MarshalIndent(storage, "", "  ")
	if err != nil {
		t.Fatalf("marshal storage.json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "storage.json"), data, 0o644); err != nil {
		t.Fatalf("write storage.json: %v", err)
	}

	db := Open(t, dir)
	defer db.Close()
	if _, err := db.Exec(`DROP TABLE IF EXISTS ItemTable`); err != nil {
		t.Fatalf("drop ItemTable: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE ItemTable (key TEXT UNIQUE ON CONFLICT REPLACE, value BLOB)`); err != nil {
		t.Fatalf("create ItemTable: %v", err)
	}
	if email != "" {
		Set(t, db, "cursorAuth/cachedEmail", email)
		Set(t, db, "cursorAuth/accessToken", "access-"+email)
		Set(t, db, "cursorAuth/refreshToken", "refresh-"+email)
		Set(t, db, "cursorAuth/stripeMembershipType", "pro")
	}
	Set(t, db, "workbench.panel.height", "300")
	return dir
}

// Open opens the state database in dir.
func Open(t testing.TB, dir string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(dir, "state.vscdb"))
	if err != nil {
		t.Fatalf("open state.vscdb: %v", err)
	}
	db.SetMaxOpenConns(1)
	return db
}

// Set writes one key into ItemTable.
func Set(t testing.TB, db *sql.DB, key, value string) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO ItemTable (key, value) VALUES (?, ?)`, key, value); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
}

// Get reads one key from the state database in dir; ok is false if absent.
func Get(t testing.TB, dir, key string) (string, bool) {
	t.Helper()
	db := Open(t, dir)
	defer db.Close()

	var value string
	err := db.QueryRow(`SELECT value FROM ItemTable WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	return value, true
}

// Storage returns the parsed storage.json in dir.
func Storage(t testing.TB, dir string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "storage.json"))
	if err != nil {
		t.Fatalf("read storage.json: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("parse storage.json: %v", err)
	}
	return out
}

// Read returns the raw bytes of the live files in dir.
func Read(t testing.TB, dir string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	for _, name := range []string{"storage.json", "state.vscdb"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		out[name] = data
	}
	return out
}
