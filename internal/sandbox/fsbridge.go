package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
)

// FsBridge reads files out of a running sandbox container via `docker exec`,
// resolving paths relative to the container's workspace mount.
type FsBridge struct {
	containerID string
	basePath    string
}

// NewFsBridge builds a bridge to containerID, resolving relative paths
// against basePath (the in-container workspace mount point).
func NewFsBridge(containerID, basePath string) *FsBridge {
	return &FsBridge{containerID: containerID, basePath: basePath}
}

// ReadFile returns the contents of path inside the container. Relative paths
// resolve against the bridge's base path.
func (b *FsBridge) ReadFile(ctx context.Context, path string) (string, error) {
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(b.basePath, target)
	}

	cmd := exec.CommandContext(ctx, "docker", "exec", b.containerID, "cat", target)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("sandbox read %s: %s", path, msg)
	}
	return stdout.String(), nil
}
