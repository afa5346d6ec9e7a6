// Package logging configures process-wide structured logging with log/slog.
package logging

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// Level is the process log level. It can be changed at runtime through
// LevelHandler.
var Level slog.LevelVar

// Setup installs the default slog logger for service, reading LOG_LEVEL
// (debug|info|warn|error, default info) and LOG_FORMAT (json|text, default
// json). Output from the standard library log package is bridged into it.
func Setup(service string) {
	SetupWithConfig(service, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)
}

// SetupWithConfig configures slog with explicit parameters.
func SetupWithConfig(service, levelStr, formatStr string, w io.Writer) {
	Level.Set(ParseLevel(levelStr))

	opts := &slog.HandlerOptions{Level: &Level}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(formatStr), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	if service != "" {
		logger = logger.With("service", service)
	}
	slog.SetDefault(logger)

	log.SetOutput(newSlogWriter(logger))
	log.SetFlags(0)
}

// ParseLevel converts a string to slog.Level. Defaults to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// slogWriter adapts slog.Logger to io.Writer for the stdlib log bridge.
// Lines prefixed with a level word are logged at that level.
type slogWriter struct {
	logger *slog.Logger
}

func newSlogWriter(logger *slog.Logger) *slogWriter {
	return &slogWriter{logger: logger}
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimRight(string(p), "\n")
	level := slog.LevelInfo
	for prefix, l := range map[string]slog.Level{"ERROR ": slog.LevelError, "WARN ": slog.LevelWarn, "DEBUG ": slog.LevelDebug} {
		if strings.HasPrefix(msg, prefix) {
			level = l
			msg = strings.TrimPrefix(msg, prefix)
			break
		}
	}
	w.logger.Log(context.Background(), level, msg, "source", "stdlib")
	return len(p), nil
}

// LevelHandler reports the current level on GET and changes it on PUT with
// a {"level": "..."} body.
func LevelHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
		case http.MethodPut:
			var body struct {
				Level string `json:"level"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Level) == "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "bad_request", "message": "level is required"})
				return
			}
			Level.Set(ParseLevel(body.Level))
			slog.Info("Log level changed", "level", Level.Level().String())
		default:
			w.Header().Set("Allow", "GET, PUT")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"level": Level.Level().String()})
	})
}
