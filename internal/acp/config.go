package acp

import (
	"github.com/workspace/agent-orchestrator/internal/config"
	"github.com/workspace/agent-orchestrator/internal/container"
)

// ConfigFromAgent converts loaded agent settings into a launch config. A
// container label without a pinned id is resolved through docker on each
// Open.
func ConfigFromAgent(a config.AgentConfig) (Config, error) {
	cfg := Config{
		Command:       a.Command,
		Args:          a.Args,
		Env:           a.Env,
		WorkDir:       a.WorkDir,
		ContainerID:   a.ContainerID,
		ContainerUser: a.ContainerUser,
		InitTimeout:   a.InitTimeout,
		PromptTimeout: a.PromptTimeout,
		FileMaxSize:   a.FileMaxSize,
	}
	if a.ContainerID == "" && a.ContainerLabel != "" {
		discovery, err := container.NewDiscovery(container.Config{Label: a.ContainerLabel})
		if err != nil {
			return Config{}, err
		}
		cfg.ResolveContainer = discovery.ContainerID
	}
	return cfg, nil
}
