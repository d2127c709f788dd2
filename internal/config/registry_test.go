package config

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/famulus-ai/famulus/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, store.Store) {
	t.Helper()
	st := store.NewMemory()
	cipher, err := LoadOrCreateCipher(filepath.Join(t.TempDir(), "secret.key"))
	if err != nil {
		t.Fatalf("LoadOrCreateCipher: %v", err)
	}
	reg, err := NewRegistry(context.Background(), st, cipher, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(reg.Close)
	return reg, st
}

func TestDefaultsApply(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if got := reg.Get(KeyHost); got != "127.0.0.1" {
		t.Errorf("host = %q, want 127.0.0.1", got)
	}
	if got := reg.GetInt(KeyComplexityThreshold); got != 60 {
		t.Errorf("complexity_threshold = %d, want 60", got)
	}
	if got := reg.GetInt(KeyMaxResearchTasks); got != 5 {
		t.Errorf("max_research_tasks = %d, want 5", got)
	}
}

func TestSetPersistsAndRejectsUnknownKeys(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Set(ctx, KeyOllamaModel, "llama3.2:3b"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := reg.Get(KeyOllamaModel); got != "llama3.2:3b" {
		t.Errorf("Get = %q", got)
	}
	v, ok, err := st.GetSetting(ctx, KeyOllamaModel)
	if err != nil || !ok {
		t.Fatalf("GetSetting = %q, %v, %v", v, ok, err)
	}
	if v != "llama3.2:3b" {
		t.Errorf("persisted = %q", v)
	}

	if err := reg.Set(ctx, "no_such_key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestGetIntFallsBackOnMalformedValue(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Set(context.Background(), KeyComplexityThreshold, "not-a-number"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := reg.GetInt(KeyComplexityThreshold); got != 60 {
		t.Errorf("GetInt = %d, want default 60", got)
	}
}

func TestSecretsEncryptedAtRestAndRedacted(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	const apiKey = "sk-ant-test-12345"
	if err := reg.Set(ctx, KeyAnthropicAPIKey, apiKey); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Plaintext never touches the store.
	raw, ok, err := st.GetSetting(ctx, KeyAnthropicAPIKey)
	if err != nil || !ok {
		t.Fatalf("GetSetting: %q, %v, %v", raw, ok, err)
	}
	if strings.Contains(raw, apiKey) {
		t.Error("secret stored in plaintext")
	}

	// But reads through the registry see it.
	if got := reg.Get(KeyAnthropicAPIKey); got != apiKey {
		t.Errorf("Get = %q, want plaintext", got)
	}

	// And listings never expose it.
	for _, entry := range reg.Snapshot() {
		if entry.Key == KeyAnthropicAPIKey {
			if entry.Value != Redacted {
				t.Errorf("snapshot value = %q, want redacted", entry.Value)
			}
			if !entry.Secret {
				t.Error("entry not marked secret")
			}
		}
	}
}

func TestRegistryReloadsPersistedSecrets(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	keyPath := filepath.Join(t.TempDir(), "secret.key")

	cipher, err := LoadOrCreateCipher(keyPath)
	if err != nil {
		t.Fatalf("LoadOrCreateCipher: %v", err)
	}
	reg, err := NewRegistry(ctx, st, cipher, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := reg.Set(ctx, KeyAnthropicAPIKey, "sk-ant-roundtrip"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	reg.Close()

	// Fresh registry, same key file and store.
	cipher2, err := LoadOrCreateCipher(keyPath)
	if err != nil {
		t.Fatalf("LoadOrCreateCipher (reload): %v", err)
	}
	reg2, err := NewRegistry(ctx, st, cipher2, nil)
	if err != nil {
		t.Fatalf("NewRegistry (reload): %v", err)
	}
	defer reg2.Close()
	if got := reg2.Get(KeyAnthropicAPIKey); got != "sk-ant-roundtrip" {
		t.Errorf("reloaded secret = %q", got)
	}
}

func TestSubscribeDeliversDistinctChanges(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	sub := reg.Subscribe()

	if err := reg.SetMany(ctx, map[string]string{
		KeyOllamaModel: "qwen3:8b", // unchanged, no event
		KeyClaudeModel: "claude-opus-4-1",
	}); err != nil {
		t.Fatalf("SetMany: %v", err)
	}

	select {
	case ch := <-sub:
		if ch.Key != KeyClaudeModel {
			t.Errorf("change key = %q, want %s", ch.Key, KeyClaudeModel)
		}
		if ch.Old != "claude-sonnet-4-5" || ch.New != "claude-opus-4-1" {
			t.Errorf("change = %+v", ch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}

	// The unchanged key produced no second event.
	select {
	case ch := <-sub:
		t.Errorf("unexpected change: %+v", ch)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCipherRoundTrip(t *testing.T) {
	cipher, err := LoadOrCreateCipher(filepath.Join(t.TempDir(), "k"))
	if err != nil {
		t.Fatalf("LoadOrCreateCipher: %v", err)
	}
	sealed, err := cipher.Seal("hello")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == "hello" {
		t.Fatal("value not encrypted")
	}
	plain, err := cipher.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if plain != "hello" {
		t.Errorf("round trip = %q", plain)
	}
	// Nonces differ per Seal.
	sealed2, err := cipher.Seal("hello")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == sealed2 {
		t.Error("two seals produced identical ciphertext")
	}
}
