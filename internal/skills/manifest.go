// Package skills loads YAML skill manifests, surfaces their actions as
// tools, and keeps the store's skill table in sync with the manifest
// directory.
package skills

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/famulus-ai/famulus/pkg/models"
)

// Action is one callable operation a skill declares. The command is a
// template; `{name}` placeholders are replaced by the parameter values
// before execution.
type Action struct {
	Name        string             `yaml:"name"`
	Description string             `yaml:"description"`
	Params      []models.ToolParam `yaml:"params"`
	Command     string             `yaml:"command"`

	// TimeoutSeconds overrides the invoker's default budget.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Manifest is the on-disk skill definition.
type Manifest struct {
	Name        string   `yaml:"name"`
	Domain      string   `yaml:"domain"`
	Description string   `yaml:"description"`
	Actions     []Action `yaml:"actions"`
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseManifestFile reads and parses one manifest file.
func ParseManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

func (m *Manifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	for _, r := range m.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_') {
			return fmt.Errorf("skill name must be lowercase alphanumeric: got %q", m.Name)
		}
	}
	if m.Description == "" {
		return fmt.Errorf("skill %s: description is required", m.Name)
	}
	if len(m.Actions) == 0 {
		return fmt.Errorf("skill %s: at least one action is required", m.Name)
	}
	seen := make(map[string]bool, len(m.Actions))
	for _, a := range m.Actions {
		if a.Name == "" {
			return fmt.Errorf("skill %s: action name is required", m.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("skill %s: duplicate action %s", m.Name, a.Name)
		}
		seen[a.Name] = true
		if a.Command == "" {
			return fmt.Errorf("skill %s: action %s has no command", m.Name, a.Name)
		}
	}
	return nil
}

// Plugin returns the tool namespace for this skill.
func (m *Manifest) Plugin() string {
	return "skill_" + m.Name
}

// toolDefinition exports one action under the skill's namespace.
func toolDefinition(manifest *Manifest, action Action) models.ToolDefinition {
	return models.ToolDefinition{
		Name:        action.Name,
		Plugin:      manifest.Plugin(),
		Description: action.Description,
		Params:      action.Params,
	}
}

// ToSkill converts the manifest to its store record.
func (m *Manifest) ToSkill(raw []byte) *models.Skill {
	return &models.Skill{
		Name:        m.Name,
		Domain:      m.Domain,
		Description: m.Description,
		Manifest:    string(raw),
	}
}
