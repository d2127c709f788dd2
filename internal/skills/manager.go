package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/famulus-ai/famulus/internal/store"
	"github.com/famulus-ai/famulus/internal/tools"
)

// reloadDebounce coalesces bursts of filesystem events into one scan.
const reloadDebounce = 300 * time.Millisecond

// Manager discovers skill manifests in a directory, registers their
// actions as tools, and mirrors them into the store. A watcher reloads
// on manifest changes.
type Manager struct {
	dir      string
	store    store.Store
	registry *tools.Registry
	logger   *slog.Logger

	mu     sync.Mutex
	loaded map[string]*Manifest // by skill name

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a manager over dir. The directory is created if
// missing.
func NewManager(dir string, st store.Store, registry *tools.Registry, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create skills dir: %w", err)
	}
	return &Manager{
		dir:      dir,
		store:    st,
		registry: registry,
		logger:   logger.With("component", "skills"),
		loaded:   make(map[string]*Manifest),
		done:     make(chan struct{}),
	}, nil
}

// LoadAll scans the directory and (re)loads every manifest. Skills
// whose manifest disappeared are unregistered and removed from the
// store.
func (m *Manager) LoadAll(ctx context.Context) error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("scan skills dir: %w", err)
	}

	present := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || !isManifestFile(e.Name()) {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		manifest, err := m.loadFile(ctx, path)
		if err != nil {
			m.logger.Warn("skill manifest rejected", "path", path, "error", err)
			continue
		}
		present[manifest.Name] = true
	}

	m.mu.Lock()
	var gone []string
	for name := range m.loaded {
		if !present[name] {
			gone = append(gone, name)
		}
	}
	m.mu.Unlock()

	for _, name := range gone {
		m.remove(ctx, name)
	}
	return nil
}

// loadFile parses one manifest, swaps its tool registrations, and
// upserts the store record.
func (m *Manager) loadFile(ctx context.Context, path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	manifest, err := ParseManifest(raw)
	if err != nil {
		return nil, err
	}

	m.registry.Unregister(manifest.Plugin())
	for _, action := range manifest.Actions {
		if err := m.registry.Register(m.buildTool(manifest, action)); err != nil {
			m.registry.Unregister(manifest.Plugin())
			return nil, fmt.Errorf("register %s: %w", action.Name, err)
		}
	}

	if err := m.store.SaveSkill(ctx, manifest.ToSkill(raw)); err != nil {
		m.logger.Warn("skill store sync failed", "skill", manifest.Name, "error", err)
	}

	m.mu.Lock()
	m.loaded[manifest.Name] = manifest
	m.mu.Unlock()

	m.logger.Info("skill loaded", "skill", manifest.Name, "actions", len(manifest.Actions))
	return manifest, nil
}

// remove unregisters a skill whose manifest was deleted.
func (m *Manager) remove(ctx context.Context, name string) {
	m.mu.Lock()
	manifest, ok := m.loaded[name]
	if ok {
		delete(m.loaded, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.registry.Unregister(manifest.Plugin())
	if err := m.store.DeleteSkill(ctx, name); err != nil {
		m.logger.Warn("skill delete failed", "skill", name, "error", err)
	}
	m.logger.Info("skill removed", "skill", name)
}

// buildTool wraps one action as a registry tool. Execution renders the
// command template and runs it through the shell; usage is counted per
// skill.
func (m *Manager) buildTool(manifest *Manifest, action Action) *tools.Tool {
	skillName := manifest.Name
	command := action.Command
	return &tools.Tool{
		Def: toolDefinition(manifest, action),
		Handler: func(ctx context.Context, params map[string]any) (string, error) {
			rendered := renderCommand(command, params)
			out, err := runCommand(ctx, rendered)
			if incErr := m.store.IncrementSkillUsage(ctx, skillName); incErr != nil {
				m.logger.Warn("usage increment failed", "skill", skillName, "error", incErr)
			}
			return out, err
		},
		Timeout: time.Duration(action.TimeoutSeconds) * time.Second,
	}
}

// Skills returns the loaded manifests sorted by name.
func (m *Manager) Skills() []*Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Manifest, 0, len(m.loaded))
	for _, manifest := range m.loaded {
		out = append(out, manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch starts the fsnotify watcher. Manifest changes trigger a
// debounced full rescan.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", m.dir, err)
	}
	m.watcher = watcher

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-m.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isManifestFile(filepath.Base(ev.Name)) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
					fire = timer.C
				} else {
					timer.Reset(reloadDebounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("skills watcher error", "error", err)
			case <-fire:
				timer = nil
				fire = nil
				if err := m.LoadAll(ctx); err != nil {
					m.logger.Warn("skills reload failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (m *Manager) Close() error {
	close(m.done)
	var err error
	if m.watcher != nil {
		err = m.watcher.Close()
	}
	m.wg.Wait()
	return err
}

func isManifestFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// renderCommand substitutes {param} placeholders with parameter values.
// Values are shell-quoted.
func renderCommand(template string, params map[string]any) string {
	out := template
	for key, val := range params {
		out = strings.ReplaceAll(out, "{"+key+"}", shellQuote(fmt.Sprint(val)))
	}
	return out
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes the rendered command through the shell, bounded
// by ctx.
func runCommand(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text != "" {
			return "", fmt.Errorf("command failed: %v: %s", err, text)
		}
		return "", fmt.Errorf("command failed: %w", err)
	}
	return text, nil
}
