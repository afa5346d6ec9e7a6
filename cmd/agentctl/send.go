package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/workspace/agent-orchestrator/internal/events"
)

const maxSSELine = 1 << 20

type sendOptions struct {
	server  string
	session string
	token   string
}

func newSendCmd() *cobra.Command {
	opts := sendOptions{
		server: envOr("ORCHESTRATOR_URL", "http://localhost:8000"),
		token:  os.Getenv("ORCHESTRATOR_TOKEN"),
	}

	cmd := &cobra.Command{
		Use:   "send <prompt>",
		Short: "Send a prompt to a running orchestrator and stream the reply",
		Long: `send drives an orchestrator over its SSE API. Without --session a new
session is created first and its id printed to stderr, so follow-up
prompts can continue the same conversation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			c := &orchestratorClient{
				base:  strings.TrimRight(opts.server, "/"),
				token: opts.token,
				http:  http.DefaultClient,
			}
			sessionID := opts.session
			if sessionID == "" {
				id, err := c.createSession(ctx)
				if err != nil {
					return err
				}
				sessionID = id
				fmt.Fprintf(cmd.ErrOrStderr(), "[Agent] Session: %s\n", sessionID)
			}

			p := printer{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
			return c.send(ctx, sessionID, args[0], p)
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", opts.server, "Orchestrator base URL (default $ORCHESTRATOR_URL)")
	cmd.Flags().StringVar(&opts.session, "session", "", "Existing session id; a new session is created when empty")
	cmd.Flags().StringVar(&opts.token, "token", opts.token, "Bearer token (default $ORCHESTRATOR_TOKEN)")
	return cmd
}

type orchestratorClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *orchestratorClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *orchestratorClient) createSession(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/sessions", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", responseError(resp)
	}

	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("orchestrator returned no session id")
	}
	return out.SessionID, nil
}

// send posts prompt and prints the SSE reply until its terminal event.
func (c *orchestratorClient) send(ctx context.Context, sessionID, prompt string, p printer) error {
	resp, err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/messages", map[string]string{"prompt": prompt})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxSSELine)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("malformed event %q: %w", data, err)
		}
		if p.print(ev) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return fmt.Errorf("event stream ended before the turn finished")
}

// responseError turns an {error, message} body into an error.
func responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		return fmt.Errorf("orchestrator returned %d: %s", resp.StatusCode, body.Message)
	}
	return fmt.Errorf("orchestrator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
