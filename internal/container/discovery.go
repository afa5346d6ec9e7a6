// Package container finds the Docker container that hosts local agents,
// so agents can be started with docker exec without pinning a container id.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const defaultCacheTTL = 30 * time.Second

// runFunc executes a command and returns its stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Discovery looks up a running container by label and caches its id.
type Discovery struct {
	labelKey   string
	labelValue string
	cacheTTL   time.Duration
	run        runFunc

	mu          sync.Mutex
	containerID string
	lastCheck   time.Time
}

// Config holds configuration for container discovery.
type Config struct {
	// Label selects the container, as key=value.
	Label string
	// CacheTTL is how long a discovered id is reused before re-checking.
	CacheTTL time.Duration
}

// ParseLabel splits a key=value label selector.
func ParseLabel(label string) (string, string, error) {
	key, value, ok := strings.Cut(strings.TrimSpace(label), "=")
	if !ok || key == "" || value == "" {
		return "", "", fmt.Errorf("invalid container label %q, expected key=value", label)
	}
	return key, value, nil
}

// NewDiscovery validates cfg and returns a discovery instance.
func NewDiscovery(cfg Config) (*Discovery, error) {
	key, value, err := ParseLabel(cfg.Label)
	if err != nil {
		return nil, err
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	return &Discovery{
		labelKey:   key,
		labelValue: value,
		cacheTTL:   cfg.CacheTTL,
		run:        runCommand,
	}, nil
}

// ContainerID returns the id of the first running container carrying the
// label. A cached id is returned while it is fresh.
func (d *Discovery) ContainerID(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.containerID != "" && time.Since(d.lastCheck) < d.cacheTTL {
		return d.containerID, nil
	}

	filter := fmt.Sprintf("label=%s=%s", d.labelKey, d.labelValue)
	output, err := d.run(ctx, "docker", "ps", "-q", "--filter", filter)
	if err != nil {
		return "", fmt.Errorf("failed to query docker: %w", err)
	}

	first, _, _ := strings.Cut(strings.TrimSpace(string(output)), "\n")
	first = strings.TrimSpace(first)
	if first == "" {
		d.containerID = ""
		return "", fmt.Errorf("no running container found (label: %s=%s)", d.labelKey, d.labelValue)
	}

	if first != d.containerID {
		slog.Info("Discovered agent container", "containerID", first, "label", d.labelKey+"="+d.labelValue)
	}
	d.containerID = first
	d.lastCheck = time.Now()
	return first, nil
}

// Invalidate drops the cached id so the next call queries docker again.
func (d *Discovery) Invalidate() {
	d.mu.Lock()
	d.containerID = ""
	d.mu.Unlock()
}
