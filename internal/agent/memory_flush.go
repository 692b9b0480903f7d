package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openclaw/openclaw/internal/bootstrap"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/providers"
)

// memoryFlushSettings are the resolved (defaulted) pre-compaction memory
// flush settings for a single maybeSummarize pass.
type memoryFlushSettings struct {
	Enabled             bool
	SoftThresholdTokens int
	Prompt              string
	SystemPrompt        string
}

const defaultMemoryFlushSoftThreshold = 4000

// ResolveMemoryFlushSettings applies defaults on top of a (possibly nil)
// config.MemoryFlushConfig.
func ResolveMemoryFlushSettings(cfg *config.CompactionConfig) memoryFlushSettings {
	settings := memoryFlushSettings{
		Enabled:             true,
		SoftThresholdTokens: defaultMemoryFlushSoftThreshold,
	}
	if cfg == nil || cfg.MemoryFlush == nil {
		return settings
	}
	mf := cfg.MemoryFlush
	if mf.Enabled != nil {
		settings.Enabled = *mf.Enabled
	}
	if mf.SoftThresholdTokens > 0 {
		settings.SoftThresholdTokens = mf.SoftThresholdTokens
	}
	settings.Prompt = mf.Prompt
	settings.SystemPrompt = mf.SystemPrompt
	return settings
}

// shouldRunMemoryFlush reports whether a memory flush turn should run before
// compaction: memory must be enabled for this agent, the flush must be
// enabled, the session must be within SoftThresholdTokens of the compaction
// threshold, and flush must not have already run for the current
// compaction cycle (GetMemoryFlushCompactionCount tracks that).
func (l *Loop) shouldRunMemoryFlush(sessionKey string, tokenEstimate int, settings memoryFlushSettings) bool {
	if !l.hasMemory || !settings.Enabled || l.workspace == "" {
		return false
	}
	if l.sessions.GetMemoryFlushCompactionCount(sessionKey) == l.sessions.GetCompactionCount(sessionKey) {
		return false
	}
	threshold := int(float64(l.contextWindow) * 0.75)
	if l.compactionCfg != nil && l.compactionCfg.MaxHistoryShare > 0 {
		threshold = int(float64(l.contextWindow) * l.compactionCfg.MaxHistoryShare)
	}
	return tokenEstimate >= threshold-settings.SoftThresholdTokens
}

// runMemoryFlush asks the model to extract durable facts worth remembering
// from the session so far and appends them to the workspace's MEMORY.md,
// ahead of the history being truncated by compaction.
func (l *Loop) runMemoryFlush(ctx context.Context, sessionKey string, settings memoryFlushSettings) {
	history := l.sessions.GetHistory(sessionKey)
	if len(history) == 0 {
		return
	}

	systemPrompt := settings.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = "Extract durable facts worth remembering long-term from this conversation " +
			"(user preferences, decisions, recurring context). Reply with short bullet points only. " +
			"If nothing is worth remembering, reply with exactly: NONE."
	}
	userPrompt := settings.Prompt
	if userPrompt == "" {
		userPrompt = "Conversation so far:\n"
		for _, m := range history {
			if m.Role == "user" || m.Role == "assistant" {
				userPrompt += fmt.Sprintf("%s: %s\n", m.Role, SanitizeAssistantContent(m.Content))
			}
		}
	}

	fctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	resp, err := l.provider.Chat(fctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Model:   l.model,
		Options: map[string]interface{}{providers.OptMaxTokens: 512, providers.OptTemperature: 0.2},
	})
	if err != nil {
		slog.Warn("memory flush failed", "session", sessionKey, "error", err)
		return
	}

	notes := SanitizeAssistantContent(resp.Content)
	if notes == "" || notes == "NONE" {
		return
	}

	path := filepath.Join(l.workspace, bootstrap.MemoryFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.Warn("memory flush: failed to open MEMORY.md", "path", path, "error", err)
		return
	}
	defer f.Close()

	entry := fmt.Sprintf("\n## %s\n%s\n", time.Now().UTC().Format("2006-01-02 15:04"), notes)
	if _, err := f.WriteString(entry); err != nil {
		slog.Warn("memory flush: failed to write MEMORY.md", "path", path, "error", err)
		return
	}

	l.sessions.SetMemoryFlushDone(sessionKey)
}
