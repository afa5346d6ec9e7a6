package acp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/workspace/agent-orchestrator/internal/events"
	"github.com/workspace/agent-orchestrator/internal/worker"
)

const (
	DefaultInitTimeout   = 30 * time.Second
	DefaultPromptTimeout = 10 * time.Minute
)

// ErrNotOpen is returned by RunTurn before Open has succeeded.
var ErrNotOpen = errors.New("agent is not open")

// Config describes how local agents are started.
type Config struct {
	Command       string
	Args          []string
	Env           []string
	WorkDir       string
	ContainerID   string
	ContainerUser string
	InitTimeout   time.Duration
	PromptTimeout time.Duration
	FileMaxSize   int
	// ResolveContainer looks up the container at Open time when
	// ContainerID is empty.
	ResolveContainer func(ctx context.Context) (string, error)
}

func (c Config) withDefaults() Config {
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.PromptTimeout <= 0 {
		c.PromptTimeout = DefaultPromptTimeout
	}
	if c.FileMaxSize <= 0 {
		c.FileMaxSize = DefaultFileMaxSize
	}
	return c
}

// agentConn is the part of the ACP client-side connection a Local uses.
type agentConn interface {
	Initialize(ctx context.Context, params acpsdk.InitializeRequest) (acpsdk.InitializeResponse, error)
	NewSession(ctx context.Context, params acpsdk.NewSessionRequest) (acpsdk.NewSessionResponse, error)
	LoadSession(ctx context.Context, params acpsdk.LoadSessionRequest) (acpsdk.LoadSessionResponse, error)
	Prompt(ctx context.Context, params acpsdk.PromptRequest) (acpsdk.PromptResponse, error)
}

// launcher starts an agent and connects client to it. The returned exit
// channel is closed when the agent dies; it may be nil.
type launcher func(cfg Config, client acpsdk.Client) (conn agentConn, exited <-chan struct{}, exitErr func() error, stop func() error, err error)

func launchProcess(cfg Config, client acpsdk.Client) (agentConn, <-chan struct{}, func() error, func() error, error) {
	process, err := StartProcess(ProcessConfig{
		Command:       cfg.Command,
		Args:          cfg.Args,
		Env:           cfg.Env,
		WorkDir:       cfg.WorkDir,
		ContainerID:   cfg.ContainerID,
		ContainerUser: cfg.ContainerUser,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	conn := acpsdk.NewClientSideConnection(client, process.Stdin(), process.Stdout())
	return conn, process.Exited(), process.ExitError, process.Stop, nil
}

// Local is a worker.Handle backed by an ACP agent subprocess.
type Local struct {
	cfg    Config
	spec   worker.Spec
	launch launcher
	client *turnClient

	mu        sync.Mutex
	conn      agentConn
	sessionID acpsdk.SessionId
	exited    <-chan struct{}
	exitErr   func() error
	stop      func() error

	running   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ worker.Handle = (*Local)(nil)

// NewFactory returns a worker.Factory building local ACP handles.
func NewFactory(cfg Config) (worker.Factory, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("ACP command is required")
	}
	cfg = cfg.withDefaults()
	return func(spec worker.Spec) (worker.Handle, error) {
		return NewLocal(cfg, spec), nil
	}, nil
}

// NewLocal returns an unopened handle.
func NewLocal(cfg Config, spec worker.Spec) *Local {
	cfg = cfg.withDefaults()
	return &Local{
		cfg:    cfg,
		spec:   spec,
		launch: launchProcess,
		client: newTurnClient(fileAccess{
			workDir:       cfg.WorkDir,
			containerID:   cfg.ContainerID,
			containerUser: cfg.ContainerUser,
			maxSize:       cfg.FileMaxSize,
		}),
	}
}

// Status returns the current activity label: idle, thinking, tool:<name>
// or error.
func (l *Local) Status() string {
	return l.client.currentStatus()
}

// SessionID returns the ACP session id once Open has succeeded.
func (l *Local) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return string(l.sessionID)
}

// Open starts the agent, performs the ACP handshake and establishes a
// session, resuming spec.WorkerSessionID when the agent supports it.
func (l *Local) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}

	if l.cfg.ContainerID == "" && l.cfg.ResolveContainer != nil {
		id, err := l.cfg.ResolveContainer(ctx)
		if err != nil {
			return fmt.Errorf("failed to resolve agent container: %w", err)
		}
		l.cfg.ContainerID = id
		l.client.files.containerID = id
	}

	conn, exited, exitErr, stop, err := l.launch(l.cfg, l.client)
	if err != nil {
		return err
	}
	l.conn, l.exited, l.exitErr, l.stop = conn, exited, exitErr, stop

	sessionID, err := l.handshake(ctx, conn)
	if err != nil {
		l.conn = nil
		if stop != nil {
			_ = stop()
		}
		return err
	}
	l.sessionID = sessionID
	if l.spec.OnWorkerSession != nil {
		l.spec.OnWorkerSession(string(sessionID))
	}
	return nil
}

func (l *Local) handshake(ctx context.Context, conn agentConn) (acpsdk.SessionId, error) {
	initCtx, cancel := context.WithTimeout(ctx, l.cfg.InitTimeout)
	defer cancel()

	initResp, err := conn.Initialize(initCtx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		return "", fmt.Errorf("ACP initialize failed: %w", err)
	}
	slog.Info("ACP: Initialize succeeded", "sessionID", l.spec.SessionID, "loadSession", initResp.AgentCapabilities.LoadSession)

	if prev := l.spec.WorkerSessionID; prev != "" {
		if initResp.AgentCapabilities.LoadSession {
			_, loadErr := conn.LoadSession(initCtx, acpsdk.LoadSessionRequest{
				SessionId:  acpsdk.SessionId(prev),
				Cwd:        l.cfg.WorkDir,
				McpServers: []acpsdk.McpServer{},
			})
			if loadErr == nil {
				slog.Info("ACP: LoadSession succeeded", "sessionID", l.spec.SessionID, "acpSessionID", prev)
				return acpsdk.SessionId(prev), nil
			}
			slog.Warn("ACP: LoadSession failed, falling back to NewSession", "sessionID", l.spec.SessionID, "error", loadErr)
		} else {
			slog.Info("ACP: agent does not support LoadSession, using NewSession instead", "sessionID", l.spec.SessionID)
		}
	}

	sessResp, err := conn.NewSession(initCtx, acpsdk.NewSessionRequest{
		Cwd:        l.cfg.WorkDir,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		return "", fmt.Errorf("ACP new session failed: %w", err)
	}
	slog.Info("ACP: NewSession succeeded", "sessionID", l.spec.SessionID, "acpSessionID", string(sessResp.SessionId))
	return sessResp.SessionId, nil
}

type promptResult struct {
	stopReason acpsdk.StopReason
	err        error
}

// RunTurn sends prompt to the agent. Session updates stream as events until
// the prompt returns, fails, times out or the agent process exits.
func (l *Local) RunTurn(ctx context.Context, prompt string) (*events.Stream, error) {
	l.mu.Lock()
	conn, sessionID, exited, exitErr := l.conn, l.sessionID, l.exited, l.exitErr
	l.mu.Unlock()
	if conn == nil {
		return nil, ErrNotOpen
	}
	if exited != nil {
		select {
		case <-exited:
			return nil, exitErr()
		default:
		}
	}
	if !l.running.CompareAndSwap(false, true) {
		return nil, worker.ErrBusy
	}

	stream := events.NewStream()
	l.client.beginTurn(stream)

	go func() {
		defer l.running.Store(false)

		promptCtx, cancel := context.WithTimeout(ctx, l.cfg.PromptTimeout)
		defer cancel()

		resultC := make(chan promptResult, 1)
		go func() {
			resp, err := conn.Prompt(promptCtx, acpsdk.PromptRequest{
				SessionId: sessionID,
				Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(prompt)},
			})
			resultC <- promptResult{stopReason: resp.StopReason, err: err}
		}()

		var err error
		select {
		case res := <-resultC:
			err = res.err
			if err != nil && errors.Is(promptCtx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("prompt timed out after %s", l.cfg.PromptTimeout)
			} else if err != nil {
				err = fmt.Errorf("prompt failed: %w", err)
			} else {
				slog.Debug("ACP: Prompt completed", "sessionID", l.spec.SessionID, "stopReason", string(res.stopReason))
			}
		case <-exited:
			err = exitErr()
		}

		if err != nil {
			l.client.endTurn(StatusError)
			slog.Warn("ACP turn failed", "sessionID", l.spec.SessionID, "error", err)
		} else {
			l.client.endTurn(StatusIdle)
		}
		stream.Finish(err)
	}()
	return stream, nil
}

// Close stops the agent process. It is safe to call more than once.
func (l *Local) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		stop := l.stop
		l.conn = nil
		l.mu.Unlock()
		if stop != nil {
			l.closeErr = stop()
		}
	})
	return l.closeErr
}
