// Package workspace resolves a session's template_id into the command and
// isolation mode the Session Runtime should launch, merging in per-user
// template_parameters overrides. Sensitive parameters (anything listed in a
// template's sensitive_parameters) are encrypted at rest with fernet.
package workspace

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Template is one entry of templates.yaml.
type Template struct {
	ID                  string            `yaml:"id"`
	Command             string            `yaml:"command"`
	Args                []string          `yaml:"args"`
	IsolationMode       string            `yaml:"isolation_mode"`
	ContainerImage      string            `yaml:"container_image,omitempty"`
	DefaultParameters   map[string]string `yaml:"default_parameters,omitempty"`
	SensitiveParameters []string          `yaml:"sensitive_parameters,omitempty"`
}

type templatesFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplates reads and parses a templates.yaml document.
func LoadTemplates(path string) (map[string]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Template{}, nil
		}
		return nil, fmt.Errorf("read templates file: %w", err)
	}

	var doc templatesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse templates file: %w", err)
	}

	out := make(map[string]Template, len(doc.Templates))
	for _, t := range doc.Templates {
		if t.IsolationMode == "" {
			t.IsolationMode = "none"
		}
		out[t.ID] = t
	}
	return out, nil
}

// isSensitive reports whether key is listed as sensitive for this template.
func (t Template) isSensitive(key string) bool {
	for _, k := range t.SensitiveParameters {
		if k == key {
			return true
		}
	}
	return false
}
