package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	sq "github.com/Masterminds/squirrel"

	"github.com/cboard/portalclient/client"
)

func openTestStore(t *testing.T, path string) *CredentialStore {
	t.Helper()
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func countRows(t *testing.T, s *CredentialStore) int {
	t.Helper()
	query, args, err := s.qb.Select("COUNT(*)").From("kv").Where(sq.Eq{"key": []string{AccessTokenKey, RefreshTokenKey}}).ToSql()
	if err != nil {
		t.Fatal(err)
	}
	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestCredentialStore_SetAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portal.db")

	s := openTestStore(t, path)
	cred, err := s.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cred != (client.Credential{}) {
		t.Errorf("new store not empty: %+v", cred)
	}

	want := client.Credential{AccessToken: "access-1", RefreshToken: "refresh-1"}
	if err := s.Set(want); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got, _ := s.Get(); got != want {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
	s.Close()

	reopened := openTestStore(t, path)
	if got, _ := reopened.Get(); got != want {
		t.Errorf("after reopen Get() = %+v, want %+v", got, want)
	}
}

func TestCredentialStore_SetReplacesBothKeys(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "portal.db"))

	s.Set(client.Credential{AccessToken: "a1", RefreshToken: "r1"})
	if n := countRows(t, s); n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}

	// Access-only credential drops the refresh row
	s.Set(client.Credential{AccessToken: "a2"})
	if n := countRows(t, s); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}

	if err := s.load(context.Background()); err != nil {
		t.Fatalf("load() error = %v", err)
	}
	got, _ := s.Get()
	if got.AccessToken != "a2" || got.RefreshToken != "" {
		t.Errorf("reloaded = %+v", got)
	}
}

func TestCredentialStore_Clear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portal.db")
	s := openTestStore(t, path)

	s.Set(client.Credential{AccessToken: "a", RefreshToken: "r"})
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if got, _ := s.Get(); got != (client.Credential{}) {
		t.Errorf("Get() after Clear = %+v", got)
	}
	if n := countRows(t, s); n != 0 {
		t.Errorf("rows after Clear = %d, want 0", n)
	}
}

func TestCredentialStore_IgnoresOtherKeys(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "portal.db"))

	query, args, err := s.qb.Insert("kv").Columns("key", "value", "updated_at").Values("theme", "dark", "2026-01-01").ToSql()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		t.Fatalf("insert: %v", err)
	}

	s.Set(client.Credential{AccessToken: "a"})
	s.Clear()

	var value string
	if err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", "theme").Scan(&value); err != nil {
		t.Fatalf("unrelated key removed: %v", err)
	}
	if value != "dark" {
		t.Errorf("theme = %q, want dark", value)
	}
}

func TestCredentialStore_WithClient(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "portal.db"))
	s.Set(client.Credential{AccessToken: "a", RefreshToken: "r"})

	c := client.NewClient("http://localhost:1", s)
	if !c.IsLoggedIn() {
		t.Error("client should see the stored access token")
	}
}
