package live

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// UnknownEmail is reported when the identity cannot be derived.
const UnknownEmail = "unknown"

const (
	emailKey  = "cursorAuth/cachedEmail"
	itemTable = "ItemTable"
)

// authKeys are removed from the database by Reset.
var authKeys = []string{
	"cursorAuth/accessToken",
	"cursorAuth/refreshToken",
	"cursorAuth/cachedEmail",
	"cursorAuth/stripeMembershipType",
}

// Identity is the best-effort summary of who is logged in.
type Identity struct {
	Email string `json:"email"`
}

// ReadIdentity derives the identity from the state database in dir.
func ReadIdentity(dir string) Identity {
	email, err := readEmail(filepath.Join(dir, DatabaseFile))
	if err != nil || email == "" {
		return Identity{Email: UnknownEmail}
	}
	return Identity{Email: email}
}

func openDB(path string, readOnly bool) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	dsn := "file:" + filepath.ToSlash(path) + "?_pragma=busy_timeout(2000)"
	if readOnly {
		dsn += "&mode=ro"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func readEmail(path string) (string, error) {
	db, err := openDB(path, true)
	if err != nil {
		return "", err
	}
	defer db.Close()

	var value sql.NullString
	err = db.QueryRow("SELECT value FROM "+itemTable+" WHERE key = ?", emailKey).Scan(&value)
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(value.String), `"`), nil
}

// foldWAL checkpoints a copied WAL into the copied database at path.
func foldWAL(path string) error {
	db, err := openDB(path, false)
	if err != nil {
		return err
	}
	defer db.Close()

	var busy, logFrames, checkpointed int
	if err := db.QueryRow("PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if busy != 0 {
		return fmt.Errorf("checkpoint blocked")
	}
	return nil
}

// purgeAuth deletes the login tokens from the database at path.
func purgeAuth(path string) error {
	db, err := openDB(path, false)
	if err != nil {
		return err
	}
	defer db.Close()

	var n int
	if err := db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", itemTable).Scan(&n); err != nil {
		return fmt.Errorf("inspect database: %w", err)
	}
	if n == 0 {
		return nil
	}

	args := make([]any, len(authKeys))
	placeholders := make([]string, len(authKeys))
	for i, k := range authKeys {
		args[i] = k
		placeholders[i] = "?"
	}
	query := "DELETE FROM " + itemTable + " WHERE key IN (" + strings.Join(placeholders, ",") + ")"
	if _, err := db.Exec(query, args...); err != nil {
		return fmt.Errorf("delete auth tokens: %w", err)
	}

	var busy, logFrames, checkpointed int
	db.QueryRow("PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed) //nolint:errcheck
	return nil
}

// HashFiles returns the sha256 of each named file in dir.
func HashFiles(dir string, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		h := sha256.New()
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", name, err)
		}
		out[name] = hex.EncodeToString(h.Sum(nil))
	}
	return out, nil
}
