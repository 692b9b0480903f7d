package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Skill is one loaded SKILL.md: frontmatter metadata plus body instructions.
type Skill struct {
	Name        string
	Description string
	Path        string // absolute path to the skill's directory
	Content     string // markdown body, frontmatter stripped
}

type skillFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Loader discovers SKILL.md files under a workspace's skills/ directory, a
// user-global skills directory (~/.goclaw/skills), and an optional extra
// directory, and keeps them in memory for the system prompt and
// skill_search tool. Safe for concurrent use; Reload can be called from a
// file-watcher goroutine while requests read the current snapshot.
type Loader struct {
	dirs []string

	mu     sync.RWMutex
	skills []Skill
}

// NewLoader creates a Loader rooted at workspace's "skills" subdirectory,
// the shared globalSkillsDir, and an optional extraSkillsDir (pass "" to
// skip it), then performs an initial load. Load errors are logged by the
// caller's slog setup, not returned, so a missing directory never prevents
// startup — it just means zero skills.
func NewLoader(workspace, globalSkillsDir, extraSkillsDir string) *Loader {
	dirs := []string{filepath.Join(workspace, "skills"), globalSkillsDir}
	if extraSkillsDir != "" {
		dirs = append(dirs, extraSkillsDir)
	}
	l := &Loader{dirs: dirs}
	_ = l.Reload()
	return l
}

// Reload re-scans every configured directory, replacing the in-memory skill
// list atomically. Skills from later directories override earlier ones by
// name, so a workspace-local skill can shadow a global one.
func (l *Loader) Reload() error {
	byName := make(map[string]Skill)
	var order []string

	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			skillPath := filepath.Join(dir, entry.Name())
			skill, err := loadSkillDir(skillPath)
			if err != nil {
				continue
			}
			if _, exists := byName[skill.Name]; !exists {
				order = append(order, skill.Name)
			}
			byName[skill.Name] = skill
		}
	}

	sort.Strings(order)
	loaded := make([]Skill, 0, len(order))
	for _, name := range order {
		loaded = append(loaded, byName[name])
	}

	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()
	return nil
}

func loadSkillDir(dir string) (Skill, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "SKILL.md"))
	if err != nil {
		return Skill{}, err
	}

	fm, body := splitFrontmatter(string(raw))
	var meta skillFrontmatter
	if fm != "" {
		if err := yaml.Unmarshal([]byte(fm), &meta); err != nil {
			return Skill{}, fmt.Errorf("skill %s: invalid frontmatter: %w", dir, err)
		}
	}

	name := meta.Name
	if name == "" {
		name = filepath.Base(dir)
	}

	return Skill{
		Name:        name,
		Description: meta.Description,
		Path:        dir,
		Content:     strings.TrimSpace(body),
	}, nil
}

// splitFrontmatter separates a "---\n...\n---\n" YAML header from the
// remaining markdown body. Returns ("", content) when there is no
// frontmatter block.
func splitFrontmatter(content string) (frontmatter, body string) {
	const delim = "---"
	if !strings.HasPrefix(content, delim) {
		return "", content
	}
	rest := content[len(delim):]
	end := strings.Index(rest, "\n"+delim)
	if end == -1 {
		return "", content
	}
	frontmatter = strings.TrimSpace(rest[:end])
	body = rest[end+1+len(delim):]
	return frontmatter, body
}

// ListSkills returns every currently loaded skill.
func (l *Loader) ListSkills() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, len(l.skills))
	copy(out, l.skills)
	return out
}

// FilterSkills returns the loaded skills allowed by allowList: nil means
// every skill is allowed, an empty (non-nil) slice allows none, and a
// populated slice allows only the named skills.
func (l *Loader) FilterSkills(allowList []string) []Skill {
	l.mu.RLock()
	all := l.skills
	l.mu.RUnlock()

	if allowList == nil {
		out := make([]Skill, len(all))
		copy(out, all)
		return out
	}
	if len(allowList) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(allowList))
	for _, name := range allowList {
		allowed[name] = true
	}
	var out []Skill
	for _, s := range all {
		if allowed[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

// BuildSummary renders the allowed skills (per FilterSkills) as an
// <available_skills> XML block suitable for inlining into a system prompt.
func (l *Loader) BuildSummary(allowList []string) string {
	filtered := l.FilterSkills(allowList)
	if len(filtered) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, s := range filtered {
		b.WriteString(fmt.Sprintf("<skill name=%q>%s</skill>\n", s.Name, s.Description))
	}
	b.WriteString("</available_skills>")
	return b.String()
}

// Get returns the loaded skill with the given name, if any.
func (l *Loader) Get(name string) (Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.skills {
		if s.Name == name {
			return s, true
		}
	}
	return Skill{}, false
}
