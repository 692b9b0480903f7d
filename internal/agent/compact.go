package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openclaw/openclaw/internal/providers"
)

// ForceCompact synchronously summarizes and truncates sessionKey's history,
// regardless of whether the proactive thresholds in maybeSummarize are met.
// It is the reactive counterpart to maybeSummarize's proactive pass: callers
// outside this package (internal/runctl) use it when a provider reports a
// context-overflow error and the run must be retried with a smaller prompt.
func (l *Loop) ForceCompact(ctx context.Context, sessionKey string) error {
	muI, _ := l.summarizeMu.LoadOrStore(sessionKey, &sync.Mutex{})
	sessionMu := muI.(*sync.Mutex)
	sessionMu.Lock()
	defer sessionMu.Unlock()

	keepLast := 4
	if l.compactionCfg != nil && l.compactionCfg.KeepLastMessages > 0 {
		keepLast = l.compactionCfg.KeepLastMessages
	}

	history := l.sessions.GetHistory(sessionKey)
	if len(history) <= keepLast {
		return fmt.Errorf("agent: nothing left to compact for session %q", sessionKey)
	}

	sctx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	summary := l.sessions.GetSummary(sessionKey)
	toSummarize := history[:len(history)-keepLast]

	var sb string
	for _, m := range toSummarize {
		switch m.Role {
		case "user":
			sb += "user: " + m.Content + "\n"
		case "assistant":
			sb += "assistant: " + SanitizeAssistantContent(m.Content) + "\n"
		}
	}

	prompt := "Provide a concise summary of this conversation, preserving key context:\n"
	if summary != "" {
		prompt += "Existing context: " + summary + "\n"
	}
	prompt += "\n" + sb

	resp, err := l.provider.Chat(sctx, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: prompt}},
		Model:    l.model,
		Options:  map[string]interface{}{"max_tokens": 1024, "temperature": 0.3},
	})
	if err != nil {
		return fmt.Errorf("agent: forced compaction failed for session %q: %w", sessionKey, err)
	}

	l.sessions.SetSummary(sessionKey, SanitizeAssistantContent(resp.Content))
	l.sessions.TruncateHistory(sessionKey, keepLast)
	l.sessions.IncrementCompaction(sessionKey)
	l.sessions.Save(sessionKey)
	return nil
}
