// Package config loads orchestrator and session worker configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/workspace/agent-orchestrator/internal/container"
	"github.com/workspace/agent-orchestrator/internal/worker"
)

// Supported STORE_DRIVER values.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// AgentConfig describes how local ACP agents are launched.
type AgentConfig struct {
	Command       string
	Args          []string
	Env           []string
	ContainerID   string
	ContainerUser string
	// ContainerLabel (key=value) locates the container when no id is set.
	ContainerLabel string
	WorkDir        string
	InitTimeout    time.Duration
	PromptTimeout  time.Duration
	FileMaxSize    int
}

// Config holds all configuration values for the orchestrator.
type Config struct {
	// Server settings
	Host           string
	Port           int
	AllowedOrigins []string

	// Worker settings
	WorkerStrategy         worker.Strategy
	PoolManagementEndpoint string
	RemoteWorkerToken      string
	StatusPollInterval     time.Duration
	StatusPollTimeout      time.Duration
	ChatTimeout            time.Duration
	Agent                  AgentConfig

	// Store settings
	StoreDriver string
	StoreDSN    string

	// Session lifecycle
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Auth settings. Authentication is disabled when AuthJWKSURL is empty.
	AuthJWKSURL string
	JWTAudience string
	JWTIssuer   string

	// Error reporting. Disabled when ErrorReportURL is empty.
	ErrorReportURL           string
	ErrorReportToken         string
	ErrorReportFlushInterval time.Duration
}

// WorkerConfig holds configuration for the session worker process.
type WorkerConfig struct {
	Host          string
	Port          int
	Workspace     string
	UploadMaxSize int64
	ChatTimeout   time.Duration
	Agent         AgentConfig
}

// Load reads orchestrator configuration from environment variables.
func Load() (*Config, error) {
	strategy, err := worker.ParseStrategy(getEnv("WORKER_STRATEGY", ""), worker.StrategyLocal)
	if err != nil {
		return nil, fmt.Errorf("WORKER_STRATEGY: %w", err)
	}

	cfg := &Config{
		Host:           getEnv("ORCHESTRATOR_HOST", "0.0.0.0"),
		Port:           getEnvInt("ORCHESTRATOR_PORT", 8000),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"}),

		WorkerStrategy:         strategy,
		PoolManagementEndpoint: strings.TrimRight(getEnv("POOL_MANAGEMENT_ENDPOINT", ""), "/"),
		RemoteWorkerToken:      getEnv("REMOTE_WORKER_TOKEN", ""),
		StatusPollInterval:     getEnvDuration("STATUS_POLL_INTERVAL", 1500*time.Millisecond),
		StatusPollTimeout:      getEnvDuration("STATUS_POLL_TIMEOUT", 5*time.Second),
		ChatTimeout:            getEnvDuration("CHAT_TIMEOUT", 10*time.Minute),
		Agent:                  loadAgent(getEnv("WORKING_DIR", "")),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StoreSQLite)),
		StoreDSN:    getEnv("STORE_DSN", ""),

		SessionTTL:             getEnvDuration("SESSION_TTL", 30*time.Minute),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 60*time.Second),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		AuthJWKSURL: getEnv("AUTH_JWKS_URL", ""),
		JWTAudience: getEnv("JWT_AUDIENCE", ""),
		JWTIssuer:   getEnv("JWT_ISSUER", ""),

		ErrorReportURL:           getEnv("ERROR_REPORT_URL", ""),
		ErrorReportToken:         getEnv("ERROR_REPORT_TOKEN", ""),
		ErrorReportFlushInterval: getEnvDuration("ERROR_REPORT_FLUSH_INTERVAL", 10*time.Second),
	}

	if cfg.WorkerStrategy == worker.StrategyRemote && cfg.PoolManagementEndpoint == "" {
		return nil, fmt.Errorf("POOL_MANAGEMENT_ENDPOINT is required when WORKER_STRATEGY is remote")
	}
	switch cfg.StoreDriver {
	case StoreSQLite, StorePostgres, StoreMemory:
	case "postgresql":
		cfg.StoreDriver = StorePostgres
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.StoreDriver == StorePostgres && cfg.StoreDSN == "" {
		return nil, fmt.Errorf("STORE_DSN is required for the postgres store")
	}
	if cfg.SessionTTL <= 0 {
		return nil, fmt.Errorf("SESSION_TTL must be positive")
	}
	if cfg.SessionCleanupInterval <= 0 {
		return nil, fmt.Errorf("SESSION_CLEANUP_INTERVAL must be positive")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("ORCHESTRATOR_PORT %d is out of range", cfg.Port)
	}
	if err := validateAgent(cfg.Agent); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWorker reads session worker configuration from environment variables.
func LoadWorker() (*WorkerConfig, error) {
	workspace := getEnv("WORKSPACE", "/workspace")
	cfg := &WorkerConfig{
		Host:          getEnv("WORKER_HOST", "0.0.0.0"),
		Port:          getEnvInt("WORKER_PORT", 8080),
		Workspace:     workspace,
		UploadMaxSize: int64(getEnvInt("UPLOAD_MAX_SIZE", 50<<20)),
		ChatTimeout:   getEnvDuration("CHAT_TIMEOUT", 10*time.Minute),
		Agent:         loadAgent(workspace),
	}

	if cfg.Workspace == "" {
		return nil, fmt.Errorf("WORKSPACE is required")
	}
	if cfg.Agent.Command == "" {
		return nil, fmt.Errorf("ACP_COMMAND is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("WORKER_PORT %d is out of range", cfg.Port)
	}
	if err := validateAgent(cfg.Agent); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateAgent(a AgentConfig) error {
	if a.ContainerLabel == "" {
		return nil
	}
	if _, _, err := container.ParseLabel(a.ContainerLabel); err != nil {
		return fmt.Errorf("ACP_CONTAINER_LABEL: %w", err)
	}
	return nil
}

// LoadAgent reads the ACP agent settings alone, for tools that run an
// agent directly.
func LoadAgent() AgentConfig {
	return loadAgent(getEnv("WORKING_DIR", ""))
}

func loadAgent(workDir string) AgentConfig {
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	return AgentConfig{
		Command:        getEnv("ACP_COMMAND", "claude-code-acp"),
		Args:           strings.Fields(getEnv("ACP_ARGS", "")),
		Env:            getEnvStringSlice("ACP_ENV", nil),
		ContainerID:    getEnv("ACP_CONTAINER_ID", ""),
		ContainerUser:  getEnv("ACP_CONTAINER_USER", ""),
		ContainerLabel: getEnv("ACP_CONTAINER_LABEL", ""),
		WorkDir:        workDir,
		InitTimeout:    getEnvDuration("ACP_INIT_TIMEOUT", 30*time.Second),
		PromptTimeout:  getEnvDuration("ACP_PROMPT_TIMEOUT", 10*time.Minute),
		FileMaxSize:    getEnvInt("FILE_MAX_SIZE", 1<<20),
	}
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
