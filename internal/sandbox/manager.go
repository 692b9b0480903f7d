package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"time"
)

// ErrSandboxDisabled is returned by Manager.Get when the manager's configured
// Mode excludes the requesting key (e.g. Mode is ModeNonMain and key names the
// main session). Callers fall back to host execution on this error.
var ErrSandboxDisabled = errors.New("sandbox: disabled for this session")

// ExecResult is the captured outcome of a command run inside a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Sandbox is one running container, keyed by whatever identity Manager.Get
// was asked for.
type Sandbox interface {
	// ID returns the container ID (used by FsBridge to reach it via `docker cp`/`docker exec`).
	ID() string
	// Exec runs cmd inside the container with cwd as the working directory.
	Exec(ctx context.Context, cmd []string, cwd string) (ExecResult, error)
}

// Manager creates and reuses sandbox containers, keyed by a caller-supplied
// key (session key, agent ID, or a constant for Scope=shared).
type Manager interface {
	// Get returns the sandbox for key, creating (or reusing, per Config.Scope)
	// a container mounting workspace per Config.WorkspaceAccess. Returns
	// ErrSandboxDisabled if Config.Mode excludes key.
	Get(ctx context.Context, key, workspace string) (Sandbox, error)
	// Close tears down every container this manager owns (shutdown path).
	Close(ctx context.Context) error
}

// CheckDockerAvailable reports whether a working Docker daemon is reachable,
// so callers can decide to disable sandboxing instead of failing every exec.
func CheckDockerAvailable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}")
	if err := cmd.Run(); err != nil {
		return errors.New("docker not available: " + err.Error())
	}
	return nil
}
