// Package sandbox isolates tool execution (shell commands, file access) inside
// Docker containers instead of running directly on the gateway host.
//
// There is no Docker Go SDK in this module's dependency set, so Manager talks
// to the daemon the same way internal/tools.ExecTool talks to the host shell:
// os/exec against a CLI binary, here "docker" instead of "sh".
package sandbox

import "time"

// Mode controls which agent sessions get sandboxed.
type Mode string

const (
	ModeOff     Mode = "off"      // sandboxing disabled
	ModeNonMain Mode = "non-main" // only subagents/background sessions are sandboxed
	ModeAll     Mode = "all"      // every session, including the main one, is sandboxed
)

// Access controls how much of the host workspace a sandbox can see.
type Access string

const (
	AccessNone Access = "none" // no workspace mount
	AccessRO   Access = "ro"   // workspace mounted read-only
	AccessRW   Access = "rw"   // workspace mounted read-write
)

// Scope controls how sandbox containers are shared across sessions.
type Scope string

const (
	ScopeSession Scope = "session" // one container per session key
	ScopeAgent   Scope = "agent"   // one container shared across all sessions of an agent
	ScopeShared  Scope = "shared"  // a single container shared by every caller
)

// Config describes how sandbox containers are created and bounded.
// Mirrors config.SandboxConfig field-for-field; see ToSandboxConfig.
type Config struct {
	Mode            Mode
	Image           string
	WorkspaceAccess Access
	Scope           Scope
	MemoryMB        int
	CPUs            float64
	TimeoutSec      int
	NetworkEnabled  bool
	ReadOnlyRoot    bool
	SetupCommand    string
	Env             map[string]string

	User           string
	TmpfsSizeMB    int
	MaxOutputBytes int

	IdleHours        int
	MaxAgeDays       int
	PruneIntervalMin int
}

// DefaultConfig returns the baseline sandbox configuration. config.SandboxConfig
// layers non-zero overrides on top of this.
func DefaultConfig() Config {
	return Config{
		Mode:             ModeOff,
		Image:            "goclaw-sandbox:bookworm-slim",
		WorkspaceAccess:  AccessRW,
		Scope:            ScopeSession,
		MemoryMB:         512,
		CPUs:             1.0,
		TimeoutSec:       300,
		NetworkEnabled:   false,
		ReadOnlyRoot:     true,
		MaxOutputBytes:   1 << 20,
		IdleHours:        24,
		MaxAgeDays:       7,
		PruneIntervalMin: 5,
	}
}

func (c Config) execTimeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}
