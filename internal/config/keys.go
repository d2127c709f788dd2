package config

// Keys recognized by the registry. Every key has a default so the
// system boots with an empty settings table. Unknown keys are rejected
// on write and ignored on read.
const (
	KeyHost                = "host"
	KeyPort                = "port"
	KeyOllamaBaseURL       = "ollama_base_url"
	KeyOllamaModel         = "ollama_model"
	KeyAnthropicAPIKey     = "anthropic_api_key"
	KeyClaudeModel         = "claude_model"
	KeyComplexityThreshold = "complexity_threshold"
	KeyMaxResearchTasks    = "max_research_tasks"
	KeyPersonaTone         = "persona_tone"
	KeyToolCallingMode     = "tool_calling_mode"
	KeyToolRateLimit       = "tool_rate_limit_per_min"
	KeySkillsDir           = "skills_dir"
	KeyWorkspaceDir        = "workspace_dir"
	KeyLogLevel            = "log_level"

	// Boundary-concern knobs. The auth middleware reads these; the
	// runtime core only stores and surfaces them.
	KeyAuthEnabled   = "auth_enabled"
	KeyJWTAccessTTL  = "jwt_access_ttl"
	KeyJWTRefreshTTL = "jwt_refresh_ttl"
)

// ToolCallingMode values. "native" uses each provider's structured
// tool-call format; "legacy" forces the text-based round format
// everywhere.
const (
	ToolModeNative = "native"
	ToolModeLegacy = "legacy"
)

// PersonaTone values.
const (
	ToneBalanced     = "balanced"
	ToneProfessional = "professional"
	ToneCasual       = "casual"
	ToneTechnical    = "technical"
)

// defaults maps every known key to its boot value.
var defaults = map[string]string{
	KeyHost:                "127.0.0.1",
	KeyPort:                "8484",
	KeyOllamaBaseURL:       "http://localhost:11434",
	KeyOllamaModel:         "qwen3:8b",
	KeyAnthropicAPIKey:     "",
	KeyClaudeModel:         "claude-sonnet-4-5",
	KeyComplexityThreshold: "60",
	KeyMaxResearchTasks:    "5",
	KeyPersonaTone:         ToneBalanced,
	KeyToolCallingMode:     ToolModeNative,
	KeyToolRateLimit:       "60",
	KeySkillsDir:           "skills",
	KeyWorkspaceDir:        "workspace",
	KeyLogLevel:            "info",
	KeyAuthEnabled:         "false",
	KeyJWTAccessTTL:        "15m",
	KeyJWTRefreshTTL:       "720h",
}

// secretKeys are stored encrypted and redacted when listed.
var secretKeys = map[string]bool{
	KeyAnthropicAPIKey: true,
}

// IsSecret reports whether the key's value is sensitive.
func IsSecret(key string) bool { return secretKeys[key] }

// ModelKeys are the keys whose changes require rebuilding the model
// router. The gateway subscribes to these and swaps in a fresh router;
// in-flight turns keep the router they captured.
var ModelKeys = []string{
	KeyOllamaBaseURL,
	KeyOllamaModel,
	KeyAnthropicAPIKey,
	KeyClaudeModel,
	KeyComplexityThreshold,
}

// IsModelKey reports whether a change to key affects router
// construction.
func IsModelKey(key string) bool {
	for _, k := range ModelKeys {
		if k == key {
			return true
		}
	}
	return false
}

// KnownKeys returns all recognized keys.
func KnownKeys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	return keys
}
