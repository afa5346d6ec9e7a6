// Package acp runs conversational workers as Agent Client Protocol agents.
// The agent is a subprocess speaking NDJSON over stdio, started either on
// the host or inside a container through docker exec.
package acp

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const stderrTailLimit = 4096

// ProcessConfig holds configuration for spawning an agent process.
type ProcessConfig struct {
	// Command is the ACP agent binary, e.g. "claude-code-acp".
	Command string
	Args    []string
	// Env entries are KEY=value pairs added to the agent environment.
	Env []string
	// WorkDir is the agent's working directory.
	WorkDir string
	// ContainerID, when set, runs the agent inside that container.
	ContainerID   string
	ContainerUser string
}

// AgentProcess is a running ACP agent subprocess.
type AgentProcess struct {
	command   string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	startTime time.Time
	exited    chan struct{}
	exitErr   error

	stderr *tailBuffer

	mu      sync.Mutex
	stopped bool
}

// commandLine builds the argv for cfg, wrapping it in docker exec when a
// container is configured.
func commandLine(cfg ProcessConfig) (string, []string) {
	if cfg.ContainerID == "" {
		return cfg.Command, cfg.Args
	}
	args := []string{"exec", "-i"}
	if cfg.ContainerUser != "" {
		args = append(args, "-u", cfg.ContainerUser)
	}
	if cfg.WorkDir != "" {
		args = append(args, "-w", cfg.WorkDir)
	}
	for _, env := range cfg.Env {
		args = append(args, "-e", env)
	}
	args = append(args, cfg.ContainerID, cfg.Command)
	return "docker", append(args, cfg.Args...)
}

// StartProcess spawns the agent and begins collecting its stderr.
func StartProcess(cfg ProcessConfig) (*AgentProcess, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("agent command is required")
	}

	name, args := commandLine(cfg)
	cmd := exec.Command(name, args...)
	if cfg.ContainerID == "" {
		cmd.Dir = cfg.WorkDir
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	slog.Info("ACP agent process started", "command", cfg.Command, "container", cfg.ContainerID, "pid", cmd.Process.Pid)

	p := &AgentProcess{
		command:   cfg.Command,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		startTime: time.Now(),
		exited:    make(chan struct{}),
		stderr:    newTailBuffer(stderrTailLimit),
	}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		p.collectStderr(stderr)
	}()
	go func() {
		<-stderrDone
		p.exitErr = cmd.Wait()
		close(p.exited)
		slog.Info("Agent process exited", "command", p.command,
			"uptime", time.Since(p.startTime).Round(time.Millisecond), "error", p.exitErr)
	}()
	return p, nil
}

func (p *AgentProcess) collectStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		slog.Warn("Agent stderr", "line", line)
		p.stderr.Write([]byte(line + "\n"))
	}
}

// Stdin returns the writer to the agent's stdin.
func (p *AgentProcess) Stdin() io.Writer { return p.stdin }

// Stdout returns the reader from the agent's stdout.
func (p *AgentProcess) Stdout() io.Reader { return p.stdout }

// Exited is closed once the process has exited.
func (p *AgentProcess) Exited() <-chan struct{} { return p.exited }

// ExitError describes how the process ended, including collected stderr.
func (p *AgentProcess) ExitError() error {
	select {
	case <-p.exited:
	default:
		return nil
	}
	tail := strings.TrimSpace(p.stderr.String())

	msg := "agent process exited"
	if p.exitErr != nil {
		msg = fmt.Sprintf("agent process exited: %v", p.exitErr)
	}
	if tail != "" {
		msg += ": " + lastBytes(tail, 500)
	}
	return fmt.Errorf("%s", msg)
}

// Stop closes stdin, kills the process and waits for it to exit.
func (p *AgentProcess) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	slog.Info("Stopping ACP agent process", "command", p.command)
	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.exited:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("agent process %s did not exit", p.command)
	}
	return nil
}

// lastBytes keeps the end of s, where the fatal error usually is.
func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
