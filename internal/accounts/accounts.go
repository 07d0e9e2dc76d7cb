// Package accounts loads the flat-file user/group store (users.json,
// groups.json) that backs RBAC identity resolution, and hashes/verifies
// passwords in the pbkdf2$<iter>$<salt_hex>$<hash_hex> wire format.
package accounts

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gluk-w/claworc/control-plane/internal/access"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 210_000
	pbkdf2KeyLength  = 32
	saltLength       = 16
)

// User is one entry of users.json.
type User struct {
	Username         string          `json:"username"`
	PasswordHash     string          `json:"password_hash"`
	Groups           []string        `json:"groups"`
	Permissions      map[string]bool `json:"permissions,omitempty"`
	PermissionsStar  bool            `json:"-"`
	Features         map[string]bool `json:"features,omitempty"`
	FeaturesStar     bool            `json:"-"`
	PromptForReset   bool            `json:"prompt_for_reset,omitempty"`
}

// rawUser mirrors User on disk, where permissions/features may be the
// literal sentinel string "*" instead of an object.
type rawUser struct {
	Username       string          `json:"username"`
	PasswordHash   string          `json:"password_hash"`
	Groups         []string        `json:"groups"`
	Permissions    json.RawMessage `json:"permissions,omitempty"`
	Features       json.RawMessage `json:"features,omitempty"`
	PromptForReset bool            `json:"prompt_for_reset,omitempty"`
}

// Group is one entry of groups.json.
type Group struct {
	Name            string
	Permissions     map[string]bool
	PermissionsStar bool
	Features        map[string]bool
	FeaturesStar    bool
}

type rawGroup struct {
	Name        string          `json:"name"`
	Permissions json.RawMessage `json:"permissions,omitempty"`
	Features    json.RawMessage `json:"features,omitempty"`
}

// Store holds the loaded users and groups, reloadable from disk.
type Store struct {
	mu     sync.RWMutex
	dir    string
	users  map[string]User
	groups map[string]Group
}

// NewStore loads users.json and groups.json from dir. Missing files are
// treated as empty stores rather than errors, so a fresh data directory
// starts with no accounts.
func NewStore(dir string) (*Store, error) {
	s := &Store{dir: dir}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) usersPath() string  { return filepath.Join(s.dir, "users.json") }
func (s *Store) groupsPath() string { return filepath.Join(s.dir, "groups.json") }

// Reload re-reads users.json and groups.json from disk.
func (s *Store) Reload() error {
	users, err := loadUsers(s.usersPath())
	if err != nil {
		return err
	}
	groups, err := loadGroups(s.groupsPath())
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.users = users
	s.groups = groups
	s.mu.Unlock()
	return nil
}

func loadUsers(path string) (map[string]User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]User{}, nil
		}
		return nil, fmt.Errorf("read users.json: %w", err)
	}

	var raws []rawUser
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("parse users.json: %w", err)
	}

	out := make(map[string]User, len(raws))
	for _, r := range raws {
		u := User{
			Username:       r.Username,
			PasswordHash:   r.PasswordHash,
			Groups:         r.Groups,
			PromptForReset: r.PromptForReset,
		}
		u.Permissions, u.PermissionsStar = decodeBoolMapOrStar(r.Permissions)
		u.Features, u.FeaturesStar = decodeBoolMapOrStar(r.Features)
		out[u.Username] = u
	}
	return out, nil
}

func loadGroups(path string) (map[string]Group, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Group{}, nil
		}
		return nil, fmt.Errorf("read groups.json: %w", err)
	}

	var raws []rawGroup
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("parse groups.json: %w", err)
	}

	out := make(map[string]Group, len(raws))
	for _, r := range raws {
		g := Group{Name: r.Name}
		g.Permissions, g.PermissionsStar = decodeBoolMapOrStar(r.Permissions)
		g.Features, g.FeaturesStar = decodeBoolMapOrStar(r.Features)
		out[g.Name] = g
	}
	return out, nil
}

func decodeBoolMapOrStar(raw json.RawMessage) (map[string]bool, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var star string
	if err := json.Unmarshal(raw, &star); err == nil {
		return nil, star == "*"
	}
	var m map[string]bool
	if err := json.Unmarshal(raw, &m); err == nil {
		return m, false
	}
	return nil, false
}

func toInput(values map[string]bool, star bool) access.Input {
	if star {
		return access.Wildcard()
	}
	return access.Explicit(values)
}

// Get returns a copy of the named user, if present.
func (s *Store) Get(username string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	return u, ok
}

// Profile is the resolved identity attached to an authenticated request:
// username plus the total permission and feature maps.
type Profile struct {
	Username       string
	Groups         []string
	Permissions    map[string]bool
	Features       map[string]bool
	PromptForReset bool
}

// PermissionKeys is the closed set of permission keys the access resolver
// is asked to compute for every profile.
var PermissionKeys = []string{
	"sandbox_login", "terminate_containers", "manage_all_sessions", "broadcast", "impersonate",
}

// FeatureKeys is the closed set of feature flag keys resolved per profile.
var FeatureKeys = []string{"notes_enabled", "password_reset_enabled"}

var defaultPermissions = map[string]bool{}
var defaultFeatures = map[string]bool{"notes_enabled": true, "password_reset_enabled": true}

// Resolve composes a Profile for username by feeding its groups (in the
// order listed on the user record) and its own overrides through the
// access resolver.
func (s *Store) Resolve(username string) (Profile, bool) {
	s.mu.RLock()
	u, ok := s.users[username]
	if !ok {
		s.mu.RUnlock()
		return Profile{}, false
	}
	var groupPerm, groupFeat []access.Input
	for _, gname := range u.Groups {
		g, ok := s.groups[gname]
		if !ok {
			continue
		}
		groupPerm = append(groupPerm, toInput(g.Permissions, g.PermissionsStar))
		groupFeat = append(groupFeat, toInput(g.Features, g.FeaturesStar))
	}
	s.mu.RUnlock()

	perms := access.Resolve(PermissionKeys, groupPerm, toInput(u.Permissions, u.PermissionsStar), defaultPermissions)
	feats := access.Resolve(FeatureKeys, groupFeat, toInput(u.Features, u.FeaturesStar), defaultFeatures)

	return Profile{
		Username:       u.Username,
		Groups:         u.Groups,
		Permissions:    perms,
		Features:       feats,
		PromptForReset: u.PromptForReset,
	}, true
}

// VerifyPassword checks a plaintext password against username's stored hash.
func (s *Store) VerifyPassword(username, password string) bool {
	u, ok := s.Get(username)
	if !ok {
		return false
	}
	return CheckPassword(password, u.PasswordHash)
}

// SetPassword rewrites the stored hash for username and persists users.json
// atomically. Returns an error if the username does not exist.
func (s *Store) SetPassword(username, newHash string) error {
	s.mu.Lock()
	u, ok := s.users[username]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown user %q", username)
	}
	u.PasswordHash = newHash
	s.users[username] = u
	snapshot := make([]User, 0, len(s.users))
	for _, v := range s.users {
		snapshot = append(snapshot, v)
	}
	s.mu.Unlock()

	return writeUsersAtomic(s.usersPath(), snapshot)
}

func writeUsersAtomic(path string, users []User) error {
	raws := make([]rawUser, 0, len(users))
	for _, u := range users {
		r := rawUser{
			Username:       u.Username,
			PasswordHash:   u.PasswordHash,
			Groups:         u.Groups,
			PromptForReset: u.PromptForReset,
		}
		if u.PermissionsStar {
			r.Permissions, _ = json.Marshal("*")
		} else if u.Permissions != nil {
			r.Permissions, _ = json.Marshal(u.Permissions)
		}
		if u.FeaturesStar {
			r.Features, _ = json.Marshal("*")
		} else if u.Features != nil {
			r.Features, _ = json.Marshal(u.Features)
		}
		raws = append(raws, r)
	}

	data, err := json.MarshalIndent(raws, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal users.json: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "users.json.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp users file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp users file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp users file: %w", err)
	}
	return os.Rename(tmpName, path)
}

// HashPassword produces a pbkdf2$<iter>$<salt_hex>$<hash_hex> string.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLength, sha256.New)
	return fmt.Sprintf("pbkdf2$%d$%s$%s", pbkdf2Iterations, hex.EncodeToString(salt), hex.EncodeToString(hash)), nil
}

// CheckPassword verifies password against a pbkdf2$... hash in
// constant time.
func CheckPassword(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != "pbkdf2" {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := hex.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[3])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}
