package workerserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/workspace/agent-orchestrator/internal/config"
	"github.com/workspace/agent-orchestrator/internal/events"
)

type fakeAgent struct {
	opens   atomic.Int32
	openErr error
	closed  atomic.Bool
	gate    chan struct{}
	script  []events.Event

	mu     sync.Mutex
	status string
}

func (a *fakeAgent) Open(context.Context) error {
	a.opens.Add(1)
	return a.openErr
}

func (a *fakeAgent) Close() error {
	a.closed.Store(true)
	return nil
}

func (a *fakeAgent) Status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *fakeAgent) setStatus(s string) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

func (a *fakeAgent) RunTurn(_ context.Context, _ string) (*events.Stream, error) {
	s := events.NewStream()
	a.setStatus("thinking")
	go func() {
		for _, ev := range a.script {
			if ev.Terminal() && a.gate != nil {
				<-a.gate
			}
			if ev.Terminal() {
				a.setStatus("idle")
			}
			s.Emit(ev)
		}
	}()
	return s, nil
}

func newTestServer(t *testing.T, agent *fakeAgent) (*httptest.Server, *Server) {
	t.Helper()
	cfg := &config.WorkerConfig{
		Host:          "127.0.0.1",
		Workspace:     t.TempDir(),
		UploadMaxSize: 1024,
		ChatTimeout:   5 * time.Second,
	}
	s, err := New(cfg, func() Agent { return agent })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, s
}

func postChat(t *testing.T, srv *httptest.Server, prompt string) (*http.Response, map[string]any) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"prompt": prompt})
	resp, err := srv.Client().Post(srv.URL+"/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /chat: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	return resp, out
}

func getStatus(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out["status"]
}

func TestChatCollectsTurn(t *testing.T) {
	t.Parallel()
	agent := &fakeAgent{script: []events.Event{
		events.ToolStart("glob"),
		events.ToolEnd("glob"),
		events.Delta("main.go "),
		events.Delta("go.mod"),
		events.Done(),
	}}
	srv, _ := newTestServer(t, agent)

	if got := getStatus(t, srv); got != "idle" {
		t.Fatalf("status before first turn = %q, want idle", got)
	}

	resp, out := postChat(t, srv, "list files")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, out)
	}
	if out["content"] != "main.go go.mod" {
		t.Fatalf("content = %v", out["content"])
	}
	tools, _ := out["tool_activity"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tool_activity = %v", out["tool_activity"])
	}
	if tool := tools[0].(map[string]any); tool["tool"] != "glob" || tool["status"] != "done" {
		t.Fatalf("tool = %v", tool)
	}

	postChat(t, srv, "again")
	if n := agent.opens.Load(); n != 1 {
		t.Fatalf("agent opened %d times, want 1", n)
	}
}

func TestChatErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		agent   *fakeAgent
		prompt  string
		want    int
		wantErr string
	}{
		{
			name:    "turn error",
			agent:   &fakeAgent{script: []events.Event{events.Delta("partial"), events.Error("model overloaded")}},
			prompt:  "hi",
			want:    http.StatusInternalServerError,
			wantErr: "model overloaded",
		},
		{
			name:    "open failure",
			agent:   &fakeAgent{openErr: errors.New("agent binary missing")},
			prompt:  "hi",
			want:    http.StatusInternalServerError,
			wantErr: "agent binary missing",
		},
		{
			name:    "empty prompt",
			agent:   &fakeAgent{},
			prompt:  " ",
			want:    http.StatusBadRequest,
			wantErr: "prompt is required",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := newTestServer(t, tc.agent)
			resp, out := postChat(t, srv, tc.prompt)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			if out["error"] != tc.wantErr {
				t.Fatalf("error = %v, want %q", out["error"], tc.wantErr)
			}
		})
	}
}

func TestChatIsSingleFlight(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	agent := &fakeAgent{gate: gate, script: []events.Event{events.Delta("ok"), events.Done()}}
	srv, _ := newTestServer(t, agent)

	firstDone := make(chan int, 1)
	go func() {
		resp, err := srv.Client().Post(srv.URL+"/chat", "application/json", strings.NewReader(`{"prompt":"long task"}`))
		if err != nil {
			firstDone <- 0
			return
		}
		resp.Body.Close()
		firstDone <- resp.StatusCode
	}()

	deadline := time.Now().Add(5 * time.Second)
	for getStatus(t, srv) != "thinking" {
		if time.Now().After(deadline) {
			t.Fatal("first turn never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, out := postChat(t, srv, "second")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("concurrent status = %d, want 409", resp.StatusCode)
	}
	if !strings.Contains(out["error"].(string), "busy") {
		t.Fatalf("error = %v", out["error"])
	}

	close(gate)
	if code := <-firstDone; code != http.StatusOK {
		t.Fatalf("first turn status = %d", code)
	}
	if got := getStatus(t, srv); got != "idle" {
		t.Fatalf("status after turn = %q, want idle", got)
	}
}

func upload(t *testing.T, srv *httptest.Server, filename string, content []byte) (*http.Response, map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Post(srv.URL+"/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestUpload(t *testing.T) {
	t.Parallel()
	srv, s := newTestServer(t, &fakeAgent{})

	resp, out := upload(t, srv, "rfp.txt", []byte("scope: everything"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, out)
	}
	want := filepath.Join(s.config.Workspace, "rfp.txt")
	if out["path"] != want {
		t.Fatalf("path = %q, want %q", out["path"], want)
	}
	data, err := os.ReadFile(want)
	if err != nil || string(data) != "scope: everything" {
		t.Fatalf("saved file = %q, %v", data, err)
	}
}

func TestUploadStaysInWorkspace(t *testing.T) {
	t.Parallel()
	srv, s := newTestServer(t, &fakeAgent{})

	resp, out := upload(t, srv, "../../escape.txt", []byte("x"))
	if resp.StatusCode == http.StatusOK && filepath.Dir(out["path"]) != filepath.Clean(s.config.Workspace) {
		t.Fatalf("upload escaped workspace: %q", out["path"])
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(s.config.Workspace), "escape.txt")); err == nil {
		t.Fatal("file written outside workspace")
	}

	resp, _ = upload(t, srv, "..", []byte("x"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("dot-dot name status = %d, want 400", resp.StatusCode)
	}
}

func TestUploadTooLarge(t *testing.T) {
	t.Parallel()
	srv, s := newTestServer(t, &fakeAgent{})

	resp, _ := upload(t, srv, "big.bin", bytes.Repeat([]byte("a"), 4096))
	if resp.StatusCode == http.StatusOK {
		t.Fatal("oversized upload accepted")
	}
	if _, err := os.Stat(filepath.Join(s.config.Workspace, "big.bin")); err == nil {
		t.Fatal("oversized upload was saved")
	}
}

func TestUploadPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		wantErr bool
	}{
		{name: "notes.md"},
		{name: "", wantErr: true},
		{name: ".", wantErr: true},
		{name: "..", wantErr: true},
		{name: "a/b.txt", wantErr: true},
		{name: `a\b.txt`, wantErr: true},
	}
	for _, tc := range tests {
		_, err := uploadPath("/workspace", tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("uploadPath(%q) err = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestHealthAndClose(t *testing.T) {
	t.Parallel()
	agent := &fakeAgent{script: []events.Event{events.Done()}}
	srv, s := newTestServer(t, agent)

	resp, err := srv.Client().Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	postChat(t, srv, "hi")
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !agent.closed.Load() {
		t.Fatal("agent not closed")
	}
	if got := getStatus(t, srv); got != "idle" {
		t.Fatalf("status after close = %q, want idle", got)
	}
}

func TestNewRejectsBadContainerLabel(t *testing.T) {
	t.Parallel()

	cfg := &config.WorkerConfig{
		Workspace: t.TempDir(),
		Agent:     config.AgentConfig{Command: "claude-code-acp", ContainerLabel: "no-separator"},
	}
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected label error")
	}
}
