// Package bootstrap loads workspace persona/context files (AGENTS.md,
// SOUL.md, USER.md, ...) and prepares them for injection into an agent's
// system prompt.
package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
)

// Bootstrap filenames recognized in an agent workspace.
const (
	AgentsFile    = "AGENTS.md"
	SoulFile      = "SOUL.md"
	ToolsFile     = "TOOLS.md"
	IdentityFile  = "IDENTITY.md"
	UserFile      = "USER.md"
	HeartbeatFile = "HEARTBEAT.md"
	BootstrapFile = "BOOTSTRAP.md"
	MemoryFile    = "MEMORY.md"
	MemoryAltFile = "memory.md"
)

// standardFiles is the ordered list of bootstrap files to load.
var standardFiles = []string{
	AgentsFile,
	SoulFile,
	ToolsFile,
	IdentityFile,
	UserFile,
	HeartbeatFile,
	BootstrapFile,
}

// minimalAllowlist is the set of files loaded for subagent/cron sessions.
var minimalAllowlist = map[string]bool{
	AgentsFile: true,
	ToolsFile:  true,
}

// File represents a workspace bootstrap file loaded from disk.
type File struct {
	Name    string // filename, e.g. "AGENTS.md"
	Path    string // absolute path
	Content string // file content (empty if missing)
	Missing bool
}

// ContextFile is the truncated form of a File, ready for system prompt
// injection.
type ContextFile struct {
	Path    string // display path, e.g. "SOUL.md"
	Content string // truncated content
}

// LoadWorkspaceFiles reads all recognized bootstrap files from a workspace
// directory. Missing files are returned with Missing=true and empty Content.
func LoadWorkspaceFiles(workspaceDir string) []File {
	var files []File
	for _, name := range standardFiles {
		files = append(files, loadFile(workspaceDir, name))
	}

	memFile := loadFile(workspaceDir, MemoryFile)
	if memFile.Missing {
		memFile = loadFile(workspaceDir, MemoryAltFile)
	}
	files = append(files, memFile)

	return files
}

// FilterForSession filters bootstrap files based on session type: subagent
// and cron sessions only get AGENTS.md and TOOLS.md.
func FilterForSession(files []File, sessionKey string) []File {
	if !IsSubagentSession(sessionKey) && !IsCronSession(sessionKey) {
		return files
	}

	var filtered []File
	for _, f := range files {
		if minimalAllowlist[f.Name] {
			filtered = append(filtered, f)
		}
	}
	return filtered
}

// TruncateConfig bounds how much bootstrap content is embedded in a system
// prompt.
type TruncateConfig struct {
	MaxCharsPerFile int
	TotalMaxChars   int
}

// Default truncation limits, used when a caller doesn't configure its own.
const (
	DefaultMaxCharsPerFile = 8000
	DefaultTotalMaxChars   = 24000
)

// BuildContextFiles converts loaded workspace files into ContextFiles,
// dropping missing files and truncating per-file and total content to fit
// within cfg.
func BuildContextFiles(files []File, cfg TruncateConfig) []ContextFile {
	maxPerFile := cfg.MaxCharsPerFile
	if maxPerFile <= 0 {
		maxPerFile = DefaultMaxCharsPerFile
	}
	totalMax := cfg.TotalMaxChars
	if totalMax <= 0 {
		totalMax = DefaultTotalMaxChars
	}

	var out []ContextFile
	remaining := totalMax
	for _, f := range files {
		if f.Missing || strings.TrimSpace(f.Content) == "" {
			continue
		}
		if remaining <= 0 {
			break
		}

		content := f.Content
		if len(content) > maxPerFile {
			content = content[:maxPerFile] + "\n...[truncated]"
		}
		if len(content) > remaining {
			content = content[:remaining] + "\n...[truncated]"
		}

		out = append(out, ContextFile{Path: f.Name, Content: content})
		remaining -= len(content)
	}
	return out
}

// IsSubagentSession reports whether a session key identifies a subagent
// session. Session keys have the form "agent:{agentId}:{rest}".
func IsSubagentSession(sessionKey string) bool {
	return strings.HasPrefix(strings.ToLower(sessionRest(sessionKey)), "subagent:")
}

// IsCronSession reports whether a session key identifies a cron session.
func IsCronSession(sessionKey string) bool {
	return strings.HasPrefix(strings.ToLower(sessionRest(sessionKey)), "cron:")
}

func sessionRest(sessionKey string) string {
	parts := strings.SplitN(sessionKey, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return ""
	}
	return parts[2]
}

func loadFile(dir, name string) File {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return File{Name: name, Path: path, Missing: true}
	}
	return File{Name: name, Path: path, Content: string(data)}
}
