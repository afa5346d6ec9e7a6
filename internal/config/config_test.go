package config

import (
	"strings"
	"testing"
	"time"

	"github.com/workspace/agent-orchestrator/internal/worker"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != 8000 || cfg.Host != "0.0.0.0" {
		t.Fatalf("listen = %s:%d, want 0.0.0.0:8000", cfg.Host, cfg.Port)
	}
	if cfg.WorkerStrategy != worker.StrategyLocal {
		t.Fatalf("WorkerStrategy=%q, want local", cfg.WorkerStrategy)
	}
	if cfg.StoreDriver != StoreSQLite {
		t.Fatalf("StoreDriver=%q, want sqlite", cfg.StoreDriver)
	}
	if cfg.SessionTTL != 30*time.Minute || cfg.SessionCleanupInterval != time.Minute {
		t.Fatalf("ttl=%v interval=%v", cfg.SessionTTL, cfg.SessionCleanupInterval)
	}
	if cfg.StatusPollInterval != 1500*time.Millisecond || cfg.StatusPollTimeout != 5*time.Second {
		t.Fatalf("poll interval=%v timeout=%v", cfg.StatusPollInterval, cfg.StatusPollTimeout)
	}
	if cfg.Agent.Command != "claude-code-acp" || cfg.Agent.WorkDir == "" {
		t.Fatalf("Agent=%+v", cfg.Agent)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("AllowedOrigins=%v, want [*]", cfg.AllowedOrigins)
	}
	if cfg.AuthJWKSURL != "" || cfg.ErrorReportURL != "" {
		t.Fatal("auth and error reporting should be disabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ORCHESTRATOR_PORT", "9100")
	t.Setenv("WORKER_STRATEGY", "Remote")
	t.Setenv("POOL_MANAGEMENT_ENDPOINT", "https://pool.example.com/")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://*.example.com")
	t.Setenv("ACP_ARGS", "--experimental-acp  --verbose")
	t.Setenv("ACP_ENV", "ANTHROPIC_API_KEY=sk-test,DEBUG=1")
	t.Setenv("STORE_DRIVER", "postgresql")
	t.Setenv("STORE_DSN", "postgres://localhost/orch")
	t.Setenv("SESSION_TTL", "5m")
	t.Setenv("STATUS_POLL_INTERVAL", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Port != 9100 || cfg.WorkerStrategy != worker.StrategyRemote {
		t.Fatalf("port=%d strategy=%q", cfg.Port, cfg.WorkerStrategy)
	}
	if cfg.PoolManagementEndpoint != "https://pool.example.com" {
		t.Fatalf("PoolManagementEndpoint=%q, want trailing slash trimmed", cfg.PoolManagementEndpoint)
	}
	if strings.Join(cfg.AllowedOrigins, "|") != "https://app.example.com|https://*.example.com" {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if strings.Join(cfg.Agent.Args, " ") != "--experimental-acp --verbose" {
		t.Fatalf("Args=%q", cfg.Agent.Args)
	}
	if len(cfg.Agent.Env) != 2 || cfg.Agent.Env[1] != "DEBUG=1" {
		t.Fatalf("Env=%v", cfg.Agent.Env)
	}
	if cfg.StoreDriver != StorePostgres || cfg.SessionTTL != 5*time.Minute {
		t.Fatalf("driver=%q ttl=%v", cfg.StoreDriver, cfg.SessionTTL)
	}
	if cfg.StatusPollInterval != 1500*time.Millisecond {
		t.Fatalf("invalid duration should fall back to default, got %v", cfg.StatusPollInterval)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "unknown strategy", env: map[string]string{"WORKER_STRATEGY": "lambda"}, wantErr: "WORKER_STRATEGY"},
		{name: "remote without endpoint", env: map[string]string{"WORKER_STRATEGY": "remote"}, wantErr: "POOL_MANAGEMENT_ENDPOINT is required"},
		{name: "unknown store", env: map[string]string{"STORE_DRIVER": "mongo"}, wantErr: "unsupported STORE_DRIVER"},
		{name: "postgres without dsn", env: map[string]string{"STORE_DRIVER": "postgres"}, wantErr: "STORE_DSN is required"},
		{name: "zero ttl", env: map[string]string{"SESSION_TTL": "0s"}, wantErr: "SESSION_TTL must be positive"},
		{name: "bad port", env: map[string]string{"ORCHESTRATOR_PORT": "70000"}, wantErr: "out of range"},
		{name: "bad container label", env: map[string]string{"ACP_CONTAINER_LABEL": "devcontainer"}, wantErr: "ACP_CONTAINER_LABEL"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Load() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadWorker(t *testing.T) {
	t.Setenv("WORKSPACE", "/srv/workspace")
	t.Setenv("WORKER_PORT", "8081")

	cfg, err := LoadWorker()
	if err != nil {
		t.Fatalf("LoadWorker returned error: %v", err)
	}
	if cfg.Workspace != "/srv/workspace" || cfg.Agent.WorkDir != "/srv/workspace" {
		t.Fatalf("workspace=%q workdir=%q", cfg.Workspace, cfg.Agent.WorkDir)
	}
	if cfg.Port != 8081 || cfg.UploadMaxSize != 50<<20 {
		t.Fatalf("port=%d upload=%d", cfg.Port, cfg.UploadMaxSize)
	}
}

func TestGetEnvStringSliceSkipsBlanks(t *testing.T) {
	t.Setenv("LIST_UNDER_TEST", " a, ,b ,")
	got := getEnvStringSlice("LIST_UNDER_TEST", nil)
	if strings.Join(got, ",") != "a,b" {
		t.Fatalf("getEnvStringSlice = %v, want [a b]", got)
	}
	t.Setenv("LIST_UNDER_TEST", " , ")
	if got := getEnvStringSlice("LIST_UNDER_TEST", []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Fatalf("blank list should use default, got %v", got)
	}
}

func TestLoadAgent(t *testing.T) {
	t.Setenv("WORKING_DIR", "/tmp/rfp")
	t.Setenv("ACP_COMMAND", "my-agent")
	t.Setenv("ACP_ARGS", "--stdio  --verbose")
	t.Setenv("ACP_ENV", "A=1,B=2")
	t.Setenv("ACP_CONTAINER_LABEL", "devcontainer.local_folder=/tmp/rfp")

	agent := LoadAgent()
	if agent.Command != "my-agent" || agent.WorkDir != "/tmp/rfp" {
		t.Fatalf("agent = %+v", agent)
	}
	if strings.Join(agent.Args, " ") != "--stdio --verbose" || strings.Join(agent.Env, ";") != "A=1;B=2" {
		t.Fatalf("args=%v env=%v", agent.Args, agent.Env)
	}
	if agent.ContainerLabel != "devcontainer.local_folder=/tmp/rfp" {
		t.Fatalf("label = %q", agent.ContainerLabel)
	}
}
