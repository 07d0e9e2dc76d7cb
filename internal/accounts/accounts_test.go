package accounts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeJSONFile(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	if !CheckPassword("correct horse battery staple", hash) {
		t.Fatal("expected correct password to verify")
	}
	if CheckPassword("wrong password", hash) {
		t.Fatal("expected wrong password to fail")
	}
}

func TestStoreResolveWildcardGroupWithUserDeny(t *testing.T) {
	dir := t.TempDir()
	writeJSONFile(t, filepath.Join(dir, "groups.json"), []map[string]interface{}{
		{"name": "admins", "permissions": "*"},
	})
	writeJSONFile(t, filepath.Join(dir, "users.json"), []map[string]interface{}{
		{
			"username":      "alice",
			"password_hash": "pbkdf2$1$00$00",
			"groups":        []string{"admins"},
			"permissions":   map[string]bool{"terminate_containers": false},
		},
	})

	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	profile, ok := store.Resolve("alice")
	if !ok {
		t.Fatal("expected alice to resolve")
	}
	if !profile.Permissions["manage_all_sessions"] {
		t.Fatal("expected wildcard group to grant manage_all_sessions")
	}
	if profile.Permissions["terminate_containers"] {
		t.Fatal("expected explicit user false to override group wildcard")
	}
}

func TestSetPasswordPersists(t *testing.T) {
	dir := t.TempDir()
	oldHash, _ := HashPassword("old")
	writeJSONFile(t, filepath.Join(dir, "users.json"), []map[string]interface{}{
		{"username": "bob", "password_hash": oldHash, "groups": []string{}},
	})

	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	newHash, _ := HashPassword("new")
	if err := store.SetPassword("bob", newHash); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.VerifyPassword("bob", "new") {
		t.Fatal("expected new password to verify after reload")
	}
	if reloaded.VerifyPassword("bob", "old") {
		t.Fatal("expected old password to no longer verify")
	}
}

func TestMissingFilesYieldEmptyStore(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Get("nobody"); ok {
		t.Fatal("expected no users in a fresh data directory")
	}
}
