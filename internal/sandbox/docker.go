package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// dockerSandbox is one container managed by DockerManager.
type dockerSandbox struct {
	id      string
	mu      sync.Mutex
	lastUse time.Time
	created time.Time
}

func (s *dockerSandbox) ID() string { return s.id }

func (s *dockerSandbox) Exec(ctx context.Context, cmdArgs []string, cwd string) (ExecResult, error) {
	s.mu.Lock()
	s.lastUse = time.Now()
	s.mu.Unlock()

	args := []string{"exec", "-w", cwd, s.id}
	args = append(args, cmdArgs...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("docker exec: %w", err)
}

// DockerManager creates and reuses sandbox containers by shelling out to the
// docker CLI — this module has no Docker Go SDK dependency, so container
// lifecycle (run/exec/rm) goes through os/exec the same way ExecTool drives
// the host shell.
type DockerManager struct {
	cfg Config

	mu         sync.Mutex
	sandboxes  map[string]*dockerSandbox // key -> container
	stopPruner chan struct{}
}

// NewDockerManager builds a DockerManager from cfg and starts its prune loop.
func NewDockerManager(cfg Config) Manager {
	m := &DockerManager{
		cfg:        cfg,
		sandboxes:  make(map[string]*dockerSandbox),
		stopPruner: make(chan struct{}),
	}
	if cfg.PruneIntervalMin > 0 {
		go m.pruneLoop()
	}
	return m
}

// isMainSession reports whether key names the agent's primary (non-subagent,
// non-cron) session. Session keys follow sessions.BuildSessionKey's
// "agent:{id}:..." shape; subagent and cron runs embed ":subagent:"/":cron:"
// segments, everything else is a main conversational session.
func isMainSession(key string) bool {
	return !strings.Contains(key, ":subagent:") && !strings.Contains(key, ":cron:")
}

func (m *DockerManager) scopeKey(key string) string {
	switch m.cfg.Scope {
	case ScopeShared:
		return "shared"
	case ScopeAgent:
		if idx := strings.Index(key, ":"); idx >= 0 {
			if next := strings.Index(key[idx+1:], ":"); next >= 0 {
				return key[:idx+1+next]
			}
		}
		return key
	default: // ScopeSession
		return key
	}
}

// Get returns (creating if necessary) the container backing key.
func (m *DockerManager) Get(ctx context.Context, key, workspace string) (Sandbox, error) {
	if m.cfg.Mode == ModeOff {
		return nil, ErrSandboxDisabled
	}
	if m.cfg.Mode == ModeNonMain && isMainSession(key) {
		return nil, ErrSandboxDisabled
	}

	scoped := m.scopeKey(key)

	m.mu.Lock()
	if sb, ok := m.sandboxes[scoped]; ok {
		m.mu.Unlock()
		sb.mu.Lock()
		sb.lastUse = time.Now()
		sb.mu.Unlock()
		return sb, nil
	}
	m.mu.Unlock()

	sb, err := m.create(ctx, scoped, workspace)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	// Another caller may have created the same scoped container concurrently;
	// keep whichever landed first and stop the loser.
	if existing, ok := m.sandboxes[scoped]; ok {
		m.mu.Unlock()
		m.stop(context.Background(), sb.id)
		return existing, nil
	}
	m.sandboxes[scoped] = sb
	m.mu.Unlock()

	return sb, nil
}

func (m *DockerManager) create(ctx context.Context, scoped, workspace string) (*dockerSandbox, error) {
	args := []string{
		"run", "-d",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", "256",
		"--memory", strconv.Itoa(m.cfg.MemoryMB) + "m",
		"--cpus", strconv.FormatFloat(m.cfg.CPUs, 'f', -1, 64),
	}
	if !m.cfg.NetworkEnabled {
		args = append(args, "--network", "none")
	}
	if m.cfg.ReadOnlyRoot {
		args = append(args, "--read-only")
	}
	if m.cfg.TmpfsSizeMB > 0 {
		args = append(args, "--tmpfs", fmt.Sprintf("/tmp:size=%dm", m.cfg.TmpfsSizeMB))
	}
	if m.cfg.User != "" {
		args = append(args, "--user", m.cfg.User)
	}
	for k, v := range m.cfg.Env {
		args = append(args, "-e", k+"="+v)
	}
	if workspace != "" && m.cfg.WorkspaceAccess != AccessNone {
		mount := workspace + ":/workspace"
		if m.cfg.WorkspaceAccess == AccessRO {
			mount += ":ro"
		}
		args = append(args, "-v", mount)
	}
	args = append(args, "--label", "goclaw-sandbox=1", "--label", "goclaw-sandbox-key="+scoped)
	args = append(args, m.cfg.Image, "sleep", "infinity")

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("docker run: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	id := strings.TrimSpace(stdout.String())
	if id == "" {
		return nil, errors.New("docker run: empty container id")
	}

	now := time.Now()
	sb := &dockerSandbox{id: id, created: now, lastUse: now}

	if m.cfg.SetupCommand != "" {
		setupCtx, setupCancel := context.WithTimeout(ctx, m.cfg.execTimeout())
		_, err := sb.Exec(setupCtx, []string{"sh", "-c", m.cfg.SetupCommand}, "/workspace")
		setupCancel()
		if err != nil {
			m.stop(context.Background(), id)
			return nil, fmt.Errorf("sandbox setup command: %w", err)
		}
	}

	return sb, nil
}

func (m *DockerManager) stop(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "rm", "-f", id).Run(); err != nil {
		slog.Warn("sandbox: failed to remove container", "id", id, "error", err)
	}
}

// Close stops every container this manager owns.
func (m *DockerManager) Close(ctx context.Context) error {
	close(m.stopPruner)
	m.mu.Lock()
	ids := make([]string, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		ids = append(ids, sb.id)
	}
	m.sandboxes = make(map[string]*dockerSandbox)
	m.mu.Unlock()

	for _, id := range ids {
		m.stop(ctx, id)
	}
	return nil
}

func (m *DockerManager) pruneLoop() {
	interval := time.Duration(m.cfg.PruneIntervalMin) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopPruner:
			return
		case <-ticker.C:
			m.pruneOnce()
		}
	}
}

func (m *DockerManager) pruneOnce() {
	now := time.Now()
	idleCutoff := time.Duration(m.cfg.IdleHours) * time.Hour
	ageCutoff := time.Duration(m.cfg.MaxAgeDays) * 24 * time.Hour

	var stale []string
	m.mu.Lock()
	for key, sb := range m.sandboxes {
		sb.mu.Lock()
		idle := m.cfg.IdleHours > 0 && now.Sub(sb.lastUse) > idleCutoff
		aged := m.cfg.MaxAgeDays > 0 && now.Sub(sb.created) > ageCutoff
		sb.mu.Unlock()
		if idle || aged {
			stale = append(stale, key)
		}
	}
	ids := make([]string, 0, len(stale))
	for _, key := range stale {
		ids = append(ids, m.sandboxes[key].id)
		delete(m.sandboxes, key)
	}
	m.mu.Unlock()

	for _, id := range ids {
		slog.Info("sandbox: pruning idle container", "id", id)
		m.stop(context.Background(), id)
	}
}
