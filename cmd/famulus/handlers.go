// handlers.go implements the command logic: the serve startup and
// teardown sequence, and the one-shot settings and skills commands.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/famulus-ai/famulus/internal/agent"
	agentctx "github.com/famulus-ai/famulus/internal/agent/context"
	"github.com/famulus-ai/famulus/internal/agent/providers"
	"github.com/famulus-ai/famulus/internal/agent/routing"
	"github.com/famulus-ai/famulus/internal/config"
	"github.com/famulus-ai/famulus/internal/gateway"
	"github.com/famulus-ai/famulus/internal/observability"
	"github.com/famulus-ai/famulus/internal/skills"
	"github.com/famulus-ai/famulus/internal/store"
	"github.com/famulus-ai/famulus/internal/tasks"
	"github.com/famulus-ai/famulus/internal/tools"
	"github.com/famulus-ai/famulus/internal/work"
)

// resolveDataDir picks the data directory: flag, then FAMULUS_DATA_DIR,
// then ~/.famulus.
func resolveDataDir(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("FAMULUS_DATA_DIR"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".famulus"
	}
	return filepath.Join(home, ".famulus")
}

// resolveUnder anchors a relative settings path in the data directory.
func resolveUnder(dataDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dataDir, path)
}

// runServe builds every service in dependency order, serves until a
// shutdown signal, and tears down in reverse order.
func runServe(ctx context.Context, dataDir string, debug bool) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	level := "info"
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{Level: level})
	slog.SetDefault(logger)

	logger.Info("starting famulus",
		"version", version,
		"commit", commit,
		"data_dir", dataDir,
		"debug", debug,
	)

	st, err := store.OpenSQLite(store.SQLiteConfig{Path: filepath.Join(dataDir, "famulus.db")})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	cipher, err := config.LoadOrCreateCipher(filepath.Join(dataDir, "secret.key"))
	if err != nil {
		return fmt.Errorf("load secret key: %w", err)
	}

	cfg, err := config.NewRegistry(ctx, st, cipher, logger)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	defer cfg.Close()

	// First-boot convenience: adopt the hosted key from the environment.
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Get(config.KeyAnthropicAPIKey) == "" {
		if err := cfg.Set(ctx, config.KeyAnthropicAPIKey, key); err != nil {
			return fmt.Errorf("seed hosted model key: %w", err)
		}
		logger.Info("seeded hosted model key from environment")
	}

	// The --debug flag wins over the stored log level.
	if !debug {
		if lvl := cfg.Get(config.KeyLogLevel); lvl != "" && lvl != "info" {
			logger = observability.NewLogger(observability.LogConfig{Level: lvl})
			slog.SetDefault(logger)
		}
	}

	metrics := observability.NewMetrics()

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, false); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	workspaceDir := resolveUnder(dataDir, cfg.Get(config.KeyWorkspaceDir))
	if err := os.MkdirAll(workspaceDir, 0o700); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	invoker := tools.NewInvoker(registry, st, tools.InvokerConfig{
		AllowedDirs: []string{workspaceDir},
		RateLimit:   cfg.GetInt(config.KeyToolRateLimit),
	}, logger)

	skillsDir := resolveUnder(dataDir, cfg.Get(config.KeySkillsDir))
	if err := os.MkdirAll(skillsDir, 0o700); err != nil {
		return fmt.Errorf("create skills dir: %w", err)
	}
	skillMgr, err := skills.NewManager(skillsDir, st, registry, logger)
	if err != nil {
		return fmt.Errorf("init skills: %w", err)
	}
	defer skillMgr.Close()
	if err := skillMgr.LoadAll(ctx); err != nil {
		logger.Warn("skill discovery failed", "error", err)
	}
	if err := skillMgr.Watch(ctx); err != nil {
		logger.Warn("skill watcher unavailable", "error", err)
	}

	wk := work.NewRegistry(st, logger)
	defer wk.Close()

	queue := tasks.NewQueue(st, cfg.GetInt(config.KeyMaxResearchTasks), logger)
	defer queue.Close()

	builder := agentctx.NewBuilder(st, queue, logger)
	runner := gateway.NewRunner(st, cfg, builder, registry, invoker, wk, metrics, logger)
	queue.Register(agentctx.TaskSummarize, agentctx.NewSummarizeHandler(st, currentRouter{runner}))

	server := gateway.NewServer(gateway.Options{
		Store:         st,
		Config:        cfg,
		Runner:        runner,
		Work:          wk,
		RouterFactory: func() *routing.Router { return buildRouter(cfg, logger) },
		Metrics:       metrics,
		Logger:        logger,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	logger.Info("famulus is up", "addr", server.Addr(), "skills", len(skillMgr.Skills()))

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	server.Stop(shutdownCtx)
	return nil
}

// buildRouter assembles the client set from current settings, local
// first so any-available selection prefers the cheap model.
func buildRouter(cfg *config.Registry, logger *slog.Logger) *routing.Router {
	clients := []agent.ModelClient{
		providers.NewOllama(providers.OllamaConfig{
			BaseURL: cfg.Get(config.KeyOllamaBaseURL),
			Model:   cfg.Get(config.KeyOllamaModel),
		}, logger),
	}
	if key := cfg.Get(config.KeyAnthropicAPIKey); key != "" {
		clients = append(clients, providers.NewAnthropic(providers.AnthropicConfig{
			APIKey: key,
			Model:  cfg.Get(config.KeyClaudeModel),
		}, logger))
	}
	return routing.NewRouter(routing.Config{
		ComplexityThreshold: cfg.GetInt(config.KeyComplexityThreshold),
	}, clients, logger)
}

// currentRouter adapts the runner's live router to the summarizer's
// client picker, so background summaries follow router swaps.
type currentRouter struct {
	runner *gateway.Runner
}

func (c currentRouter) Cheapest(ctx context.Context) agent.ModelClient {
	r := c.runner.Router()
	if r == nil {
		return nil
	}
	return r.Cheapest(ctx)
}

// openRegistry opens the store and settings registry for one-shot
// commands. The caller must invoke the returned cleanup.
func openRegistry(ctx context.Context, dataDir string) (*config.Registry, func(), error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.OpenSQLite(store.SQLiteConfig{Path: filepath.Join(dataDir, "famulus.db")})
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	cipher, err := config.LoadOrCreateCipher(filepath.Join(dataDir, "secret.key"))
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("load secret key: %w", err)
	}
	cfg, err := config.NewRegistry(ctx, st, cipher, slog.Default())
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("load settings: %w", err)
	}
	cleanup := func() {
		cfg.Close()
		_ = st.Close()
	}
	return cfg, cleanup, nil
}

func runConfigList(cmd *cobra.Command, dataDir string) error {
	cfg, cleanup, err := openRegistry(cmd.Context(), dataDir)
	if err != nil {
		return err
	}
	defer cleanup()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE")
	for _, entry := range cfg.Snapshot() {
		fmt.Fprintf(w, "%s\t%s\n", entry.Key, entry.Value)
	}
	return w.Flush()
}

func runConfigGet(cmd *cobra.Command, dataDir, key string) error {
	known := false
	for _, k := range config.KnownKeys() {
		if k == key {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown key %q", key)
	}

	cfg, cleanup, err := openRegistry(cmd.Context(), dataDir)
	if err != nil {
		return err
	}
	defer cleanup()

	value := cfg.Get(key)
	if config.IsSecret(key) && value != "" {
		value = config.Redacted
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func runConfigSet(cmd *cobra.Command, dataDir, key, value string) error {
	cfg, cleanup, err := openRegistry(cmd.Context(), dataDir)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := cfg.Set(cmd.Context(), key, value); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", key)
	return nil
}

func runSkillsList(cmd *cobra.Command, dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.OpenSQLite(store.SQLiteConfig{Path: filepath.Join(dataDir, "famulus.db")})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	list, err := st.ListSkills(cmd.Context())
	if err != nil {
		return fmt.Errorf("list skills: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no skills installed")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDOMAIN\tUSES\tDESCRIPTION")
	for _, skill := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", skill.Name, skill.Domain, skill.UsageCount, skill.Description)
	}
	return w.Flush()
}
