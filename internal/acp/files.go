package acp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultFileMaxSize caps agent file reads and writes.
const DefaultFileMaxSize = 1 << 20

var errOutsideWorkDir = errors.New("path is outside the working directory")

// fileAccess serves the agent's file requests, either from the local
// filesystem or from inside a container.
type fileAccess struct {
	workDir       string
	containerID   string
	containerUser string
	maxSize       int
}

// resolve makes path absolute against the working directory and rejects
// anything that escapes it.
func (f fileAccess) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("file path is required")
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("file path contains null byte")
	}
	if f.workDir == "" {
		return filepath.Clean(path), nil
	}

	root := filepath.Clean(f.workDir)
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", path, errOutsideWorkDir)
	}
	return path, nil
}

func (f fileAccess) limit() int {
	if f.maxSize <= 0 {
		return DefaultFileMaxSize
	}
	return f.maxSize
}

func (f fileAccess) read(ctx context.Context, path string) (string, error) {
	path, err := f.resolve(path)
	if err != nil {
		return "", err
	}

	var data []byte
	if f.containerID != "" {
		var stderr string
		data, stderr, err = f.exec(ctx, nil, "cat", path)
		if err != nil {
			return "", fmt.Errorf("failed to read file %q: %v: %s", path, err, strings.TrimSpace(stderr))
		}
	} else {
		info, statErr := os.Stat(path)
		if statErr != nil {
			return "", fmt.Errorf("failed to read file %q: %w", path, statErr)
		}
		if info.Size() > int64(f.limit()) {
			return "", fmt.Errorf("file %q exceeds maximum size of %d bytes", path, f.limit())
		}
		data, err = os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read file %q: %w", path, err)
		}
	}
	if len(data) > f.limit() {
		return "", fmt.Errorf("file %q exceeds maximum size of %d bytes", path, f.limit())
	}
	return string(data), nil
}

func (f fileAccess) write(ctx context.Context, path, content string) error {
	if len(content) > f.limit() {
		return fmt.Errorf("content exceeds maximum size of %d bytes", f.limit())
	}
	path, err := f.resolve(path)
	if err != nil {
		return err
	}

	if f.containerID != "" {
		script := `mkdir -p "$(dirname "$1")" && cat > "$1"`
		if _, stderr, err := f.exec(ctx, strings.NewReader(content), "sh", "-c", script, "sh", path); err != nil {
			return fmt.Errorf("failed to write file %q: %v: %s", path, err, strings.TrimSpace(stderr))
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %q: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write file %q: %w", path, err)
	}
	return nil
}

func (f fileAccess) exec(ctx context.Context, stdin *strings.Reader, command ...string) ([]byte, string, error) {
	args := []string{"exec", "-i"}
	if f.containerUser != "" {
		args = append(args, "-u", f.containerUser)
	}
	args = append(args, f.containerID)
	args = append(args, command...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.String(), err
}

// applyLineLimit returns limit lines of content starting at the 1-based
// line. Nil arguments, or a zero limit, mean from the start and to the end.
func applyLineLimit(content string, line, limit *int) string {
	if line == nil && limit == nil {
		return content
	}
	lines := strings.Split(content, "\n")

	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit != nil && *limit > 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}
