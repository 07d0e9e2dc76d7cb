package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
)

const (
	keyFileName         = "workspace-fernet.key"
	overridesFileName   = "template_parameters.json"
	overridesPermission = 0o600
)

// Store loads templates.yaml and resolves, per user, the effective
// parameters for a template: the template's defaults overlaid with that
// user's saved overrides, with sensitive values held encrypted on disk.
type Store struct {
	mu        sync.RWMutex
	templates map[string]Template
	key       *fernet.Key
	dataDir   string
	overrides map[string]map[string]map[string]string // user -> templateID -> params
}

// New loads templatesPath and the fernet key (generating one if absent) from
// dataDir, and loads any previously saved per-user overrides.
func New(templatesPath, dataDir string) (*Store, error) {
	templates, err := LoadTemplates(templatesPath)
	if err != nil {
		return nil, err
	}

	s := &Store{templates: templates, dataDir: dataDir, overrides: map[string]map[string]map[string]string{}}
	if err := s.loadOrGenerateKey(); err != nil {
		return nil, err
	}
	if err := s.loadOverrides(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) keyPath() string       { return filepath.Join(s.dataDir, keyFileName) }
func (s *Store) overridesPath() string { return filepath.Join(s.dataDir, overridesFileName) }

func (s *Store) loadOrGenerateKey() error {
	data, err := os.ReadFile(s.keyPath())
	if err == nil {
		key, derr := fernet.DecodeKey(string(data))
		if derr == nil {
			s.key = key
			return nil
		}
		// Fall through and regenerate if the stored key is malformed.
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read fernet key: %w", err)
	}

	var k fernet.Key
	if err := k.Generate(); err != nil {
		return fmt.Errorf("generate fernet key: %w", err)
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(s.keyPath(), []byte(k.Encode()), 0o600); err != nil {
		return fmt.Errorf("write fernet key: %w", err)
	}
	s.key = &k
	return nil
}

func (s *Store) encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), s.key)
	if err != nil {
		return "", fmt.Errorf("encrypt parameter: %w", err)
	}
	return string(tok), nil
}

func (s *Store) decrypt(ciphertext string) (string, error) {
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{s.key})
	if msg == nil {
		return "", fmt.Errorf("decrypt parameter: invalid or tampered value")
	}
	return string(msg), nil
}

// Template returns the named template definition, if it exists.
func (s *Store) Template(id string) (Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	return t, ok
}

// ResolvedSpec is the effective launch configuration for one session: a
// command, an isolation mode, and a fully merged parameter set with
// sensitive values decrypted for one-shot use.
type ResolvedSpec struct {
	Command        string
	Args           []string
	IsolationMode  string
	ContainerImage string
	Parameters     map[string]string
}

// Resolve merges templateID's defaults with username's saved overrides,
// decrypting any sensitive parameters.
func (s *Store) Resolve(templateID, username string) (ResolvedSpec, error) {
	s.mu.RLock()
	tmpl, ok := s.templates[templateID]
	userOverrides := map[string]string{}
	if byTemplate, ok := s.overrides[username]; ok {
		for k, v := range byTemplate[templateID] {
			userOverrides[k] = v
		}
	}
	s.mu.RUnlock()

	if !ok {
		return ResolvedSpec{}, fmt.Errorf("unknown template %q", templateID)
	}

	params := make(map[string]string, len(tmpl.DefaultParameters)+len(userOverrides))
	for k, v := range tmpl.DefaultParameters {
		params[k] = v
	}
	for k, v := range userOverrides {
		if tmpl.isSensitive(k) {
			plain, err := s.decrypt(v)
			if err != nil {
				return ResolvedSpec{}, err
			}
			params[k] = plain
			continue
		}
		params[k] = v
	}

	return ResolvedSpec{
		Command:        tmpl.Command,
		Args:           tmpl.Args,
		IsolationMode:  tmpl.IsolationMode,
		ContainerImage: tmpl.ContainerImage,
		Parameters:     params,
	}, nil
}

// SetParameters saves username's overrides for templateID, encrypting any
// key the template lists as sensitive before it ever reaches disk.
func (s *Store) SetParameters(username, templateID string, params map[string]string) error {
	s.mu.Lock()
	tmpl, ok := s.templates[templateID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown template %q", templateID)
	}

	stored := make(map[string]string, len(params))
	for k, v := range params {
		if tmpl.isSensitive(k) {
			enc, err := s.encrypt(v)
			if err != nil {
				s.mu.Unlock()
				return err
			}
			stored[k] = enc
			continue
		}
		stored[k] = v
	}

	if s.overrides[username] == nil {
		s.overrides[username] = map[string]map[string]string{}
	}
	s.overrides[username][templateID] = stored
	snapshot := s.cloneOverridesLocked()
	s.mu.Unlock()

	return s.persistOverrides(snapshot)
}

func (s *Store) cloneOverridesLocked() map[string]map[string]map[string]string {
	out := make(map[string]map[string]map[string]string, len(s.overrides))
	for user, byTemplate := range s.overrides {
		out[user] = make(map[string]map[string]string, len(byTemplate))
		for tid, params := range byTemplate {
			cp := make(map[string]string, len(params))
			for k, v := range params {
				cp[k] = v
			}
			out[user][tid] = cp
		}
	}
	return out
}

func (s *Store) loadOverrides() error {
	data, err := os.ReadFile(s.overridesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read template parameters: %w", err)
	}
	var loaded map[string]map[string]map[string]string
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parse template parameters: %w", err)
	}
	s.overrides = loaded
	return nil
}

func (s *Store) persistOverrides(snapshot map[string]map[string]map[string]string) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal template parameters: %w", err)
	}

	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dataDir, overridesFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(overridesPermission); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmpName, s.overridesPath())
}
