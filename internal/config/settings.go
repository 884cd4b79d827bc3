// Package config builds the construction-time Settings struct from the
// process environment. Settings is threaded through the kernel; nothing in
// the runtime reads os.Getenv after startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Settings holds every tunable the runtime reads at construction time.
type Settings struct {
	// Directories.
	ConfigDir      string // named configuration manifests (*.yaml)
	AgentsDir      string // optional extra agent manifests
	RuntimeDataDir string // oauth_creds.json, external_agents_registry.json

	// LLM provider.
	LLMModel    string
	LLMBaseURL  string
	LLMAPIKey   string
	LLMTimeout  time.Duration
	Temperature float32
	MaxTokens   int

	// Conversation bounds.
	MaxContextChars  int
	MaxHistoryLength int

	// Turn loop.
	MaxToolCalls int

	// OAuth device flow (Qwen-style providers).
	OAuthClientID   string
	OAuthAuthServer string

	// Timeouts; all have spec defaults and env overrides.
	MCPCallTimeout      time.Duration
	CredLockTimeout     time.Duration
	ApprovalTimeout     time.Duration
	HealthCheckInterval time.Duration

	// Global approval mode: "default", "auto", "plan", "yolo".
	ApprovalMode string

	WebPort string
}

// FromEnv reads Settings from the environment, applying defaults.
func FromEnv() (*Settings, error) {
	home, _ := os.UserHomeDir()
	dataDir := getEnvOrDefault("RUNTIME_DATA_DIR", filepath.Join(home, ".gcs"))

	s := &Settings{
		ConfigDir:      getEnvOrDefault("CONFIG_DIR", "configs"),
		AgentsDir:      os.Getenv("AGENTS_DIR"),
		RuntimeDataDir: dataDir,

		LLMModel:    getEnvOrDefault("LLM_MODEL", "gpt-4o"),
		LLMBaseURL:  getEnvOrDefault("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:   os.Getenv("LLM_API_KEY"),
		LLMTimeout:  getEnvSecondsOrDefault("LLM_TIMEOUT", 30*time.Second),
		Temperature: getEnvFloat32OrDefault("LLM_TEMPERATURE", 0.7),
		MaxTokens:   getEnvIntOrDefault("LLM_MAX_TOKENS", 0),

		MaxContextChars:  getEnvIntOrDefault("MAX_CONTEXT_SIZE", 8000),
		MaxHistoryLength: getEnvIntOrDefault("MAX_HISTORY_LENGTH", 20),
		MaxToolCalls:     getEnvIntOrDefault("MAX_TOOL_CALLS", 2),

		OAuthClientID:   os.Getenv("QWEN_CLIENT_ID"),
		OAuthAuthServer: getEnvOrDefault("QWEN_AUTHORIZATION_SERVER", "https://chat.qwen.ai"),

		MCPCallTimeout:      getEnvSecondsOrDefault("MCP_CALL_TIMEOUT", 30*time.Second),
		CredLockTimeout:     getEnvSecondsOrDefault("CRED_LOCK_TIMEOUT", 10*time.Second),
		ApprovalTimeout:     getEnvSecondsOrDefault("APPROVAL_TIMEOUT", 60*time.Second),
		HealthCheckInterval: getEnvSecondsOrDefault("HEALTH_CHECK_INTERVAL", 30*time.Second),

		ApprovalMode: getEnvOrDefault("APPROVAL_MODE", "default"),
		WebPort:      getEnvOrDefault("WEB_PORT", "8080"),
	}

	// COMPRESSION_THRESHOLD is the historical alias for MAX_CONTEXT_SIZE.
	if v := os.Getenv("COMPRESSION_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.MaxContextChars = n
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks cross-field constraints.
func (s *Settings) Validate() error {
	if s.LLMModel == "" {
		return fmt.Errorf("LLM_MODEL cannot be empty")
	}
	if s.Temperature < 0.0 || s.Temperature > 2.0 {
		return fmt.Errorf("LLM_TEMPERATURE must be between 0.0 and 2.0, got %f", s.Temperature)
	}
	if s.MaxToolCalls < 1 {
		return fmt.Errorf("MAX_TOOL_CALLS must be >= 1, got %d", s.MaxToolCalls)
	}
	switch s.ApprovalMode {
	case "default", "auto", "plan", "yolo":
	default:
		return fmt.Errorf("APPROVAL_MODE must be one of default/auto/plan/yolo, got %q", s.ApprovalMode)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat32OrDefault(key string, defaultValue float32) float32 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(parsed)
		}
	}
	return defaultValue
}

func getEnvSecondsOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return time.Duration(parsed) * time.Second
		}
	}
	return defaultValue
}
