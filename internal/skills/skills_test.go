package skills

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/famulus-ai/famulus/internal/store"
	"github.com/famulus-ai/famulus/internal/tools"
	"github.com/famulus-ai/famulus/pkg/models"
)

const notesManifest = `
name: notes
domain: productivity
description: Append and read quick notes.
actions:
  - name: add
    description: Append a note line.
    params:
      - name: text
        type: string
        description: The note text.
        required: true
    command: "echo {text}"
  - name: count
    description: Count stored notes.
    command: "echo 0"
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(notesManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Name != "notes" || m.Domain != "productivity" {
		t.Errorf("manifest = %+v", m)
	}
	if len(m.Actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(m.Actions))
	}
	if m.Plugin() != "skill_notes" {
		t.Errorf("Plugin = %q", m.Plugin())
	}
	if !m.Actions[0].Params[0].Required {
		t.Error("text param should be required")
	}
}

func TestParseManifestRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing name":        "description: x\nactions:\n  - name: a\n    command: echo",
		"bad name":            "name: Has Space\ndescription: x\nactions:\n  - name: a\n    command: echo",
		"no actions":          "name: empty\ndescription: x",
		"action sans command": "name: bad\ndescription: x\nactions:\n  - name: a",
		"duplicate action":    "name: dup\ndescription: x\nactions:\n  - name: a\n    command: echo\n  - name: a\n    command: echo",
	}
	for label, src := range cases {
		if _, err := ParseManifest([]byte(src)); err == nil {
			t.Errorf("%s: manifest accepted", label)
		}
	}
}

func TestRenderCommandQuotesValues(t *testing.T) {
	got := renderCommand("echo {text} {n}", map[string]any{"text": "it's fine", "n": 3})
	if !strings.Contains(got, `'it'\''s fine'`) || !strings.Contains(got, "'3'") {
		t.Errorf("renderCommand = %q", got)
	}
}

func newManager(t *testing.T, dir string) (*Manager, *tools.Registry, store.Store) {
	t.Helper()
	st := store.NewMemory()
	reg := tools.NewRegistry()
	m, err := NewManager(dir, st, reg, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, reg, st
}

func TestLoadAllRegistersTools(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.yaml"), []byte(notesManifest), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m, reg, st := newManager(t, dir)

	if err := m.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, _, ok := reg.Lookup("skill_notes__add"); !ok {
		t.Error("skill_notes__add not registered")
	}
	if _, _, ok := reg.Lookup("skill_notes__count"); !ok {
		t.Error("skill_notes__count not registered")
	}

	listed, err := st.ListSkills(context.Background())
	if err != nil {
		t.Fatalf("ListSkills: %v", err)
	}
	if len(listed) != 1 || listed[0].Name != "notes" {
		t.Errorf("skills = %+v", listed)
	}
	if len(m.Skills()) != 1 {
		t.Errorf("loaded = %d, want 1", len(m.Skills()))
	}
}

func TestLoadAllRemovesDeletedSkills(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.yaml")
	if err := os.WriteFile(path, []byte(notesManifest), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m, reg, st := newManager(t, dir)
	if err := m.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := m.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll after remove: %v", err)
	}
	if _, _, ok := reg.Lookup("skill_notes__add"); ok {
		t.Error("skill_notes__add survived manifest removal")
	}
	listed, err := st.ListSkills(context.Background())
	if err != nil {
		t.Fatalf("ListSkills: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("skills = %+v, want none", listed)
	}
}

func TestSkillActionExecutesAndCountsUsage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.yaml"), []byte(notesManifest), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m, reg, st := newManager(t, dir)
	if err := m.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	inv := tools.NewInvoker(reg, nil, tools.InvokerConfig{}, nil)
	res := inv.Invoke(context.Background(), &models.ToolCall{
		ID:    "c1",
		Name:  "skill_notes__add",
		Input: json.RawMessage(`{"text":"hello world"}`),
	})
	if res.IsError {
		t.Fatalf("invoke failed: %s", res.Content)
	}
	if res.Content != "hello world" {
		t.Errorf("Content = %q", res.Content)
	}

	listed, err := st.FindSkillsByDomain(context.Background(), "productivity")
	if err != nil {
		t.Fatalf("FindSkillsByDomain: %v", err)
	}
	if len(listed) != 1 || listed[0].UsageCount != 1 {
		t.Errorf("skills = %+v, want usage 1", listed)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	m, reg, _ := newManager(t, dir)
	defer m.Close()
	if err := m.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if err := m.Watch(context.Background()); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "notes.yaml"), []byte(notesManifest), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, ok := reg.Lookup("skill_notes__add"); ok {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("watcher never loaded the new manifest")
}
