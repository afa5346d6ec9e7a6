package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// These tests replace the process-wide logger, so none of them run in
// parallel.

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line %q is not JSON: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]slog.Level{
		"debug":     slog.LevelDebug,
		" DEBUG ":   slog.LevelDebug,
		"info":      slog.LevelInfo,
		"warn":      slog.LevelWarn,
		"Warning":   slog.LevelWarn,
		"error":     slog.LevelError,
		"":          slog.LevelInfo,
		"verbose":   slog.LevelInfo,
		"ERROR\n":   slog.LevelError,
		"trace-all": slog.LevelInfo,
	} {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestSetupWithConfigFormats(t *testing.T) {
	var buf bytes.Buffer
	SetupWithConfig("orchestrator", "info", "json", &buf)
	slog.Info("Session created", "sessionID", "s-1")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e["msg"] != "Session created" || e["sessionID"] != "s-1" || e["service"] != "orchestrator" {
		t.Fatalf("entry = %v", e)
	}

	buf.Reset()
	SetupWithConfig("agentctl", "info", "TEXT", &buf)
	slog.Info("Turn finished")
	out := buf.String()
	if !strings.Contains(out, `msg="Turn finished"`) || !strings.Contains(out, "service=agentctl") {
		t.Fatalf("text output = %q", out)
	}
}

func TestLevelFilteringFollowsRuntimeChanges(t *testing.T) {
	var buf bytes.Buffer
	SetupWithConfig("orchestrator", "warn", "json", &buf)

	slog.Info("dropped")
	slog.Warn("kept")
	if entries := decodeLines(t, &buf); len(entries) != 1 || entries[0]["msg"] != "kept" {
		t.Fatalf("entries at warn = %v", entries)
	}

	buf.Reset()
	Level.Set(slog.LevelDebug)
	slog.Debug("now visible")
	if entries := decodeLines(t, &buf); len(entries) != 1 {
		t.Fatalf("entries after lowering level = %v", entries)
	}
}

func TestStdlibLogIsBridged(t *testing.T) {
	var buf bytes.Buffer
	SetupWithConfig("session-worker", "info", "json", &buf)

	log.Print("DEBUG chatty detail")
	log.Print("plain message")
	log.Print("ERROR connection reset")

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("entries = %v, want 2 (debug filtered)", entries)
	}
	if entries[0]["level"] != "INFO" || entries[0]["msg"] != "plain message" || entries[0]["source"] != "stdlib" {
		t.Fatalf("plain entry = %v", entries[0])
	}
	if entries[1]["level"] != "ERROR" || entries[1]["msg"] != "connection reset" {
		t.Fatalf("error entry = %v", entries[1])
	}
}

func TestLevelHandler(t *testing.T) {
	var buf bytes.Buffer
	SetupWithConfig("orchestrator", "info", "json", &buf)
	h := LevelHandler()

	tests := []struct {
		method   string
		body     string
		wantCode int
		wantBody string
	}{
		{method: http.MethodGet, wantCode: http.StatusOK, wantBody: `"INFO"`},
		{method: http.MethodPut, body: `{"level":"warn"}`, wantCode: http.StatusOK, wantBody: `"WARN"`},
		{method: http.MethodGet, wantCode: http.StatusOK, wantBody: `"WARN"`},
		{method: http.MethodPut, body: `{"level":"  "}`, wantCode: http.StatusBadRequest, wantBody: "level is required"},
		{method: http.MethodPut, body: `not json`, wantCode: http.StatusBadRequest},
		{method: http.MethodPost, wantCode: http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, "/log-level", strings.NewReader(tc.body)))
		if rec.Code != tc.wantCode {
			t.Fatalf("%s %s: status = %d, want %d", tc.method, tc.body, rec.Code, tc.wantCode)
		}
		if !strings.Contains(rec.Body.String(), tc.wantBody) {
			t.Fatalf("%s %s: body = %q, want %q", tc.method, tc.body, rec.Body.String(), tc.wantBody)
		}
	}
	if Level.Level() != slog.LevelWarn {
		t.Fatalf("Level = %v, want WARN", Level.Level())
	}
}
