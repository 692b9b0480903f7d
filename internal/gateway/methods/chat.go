package methods

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/gateway"
	"github.com/openclaw/openclaw/internal/transcript"
	"github.com/openclaw/openclaw/pkg/protocol"
)

// RunParams is what ChatMethods hands to RunFunc for one agent run.
type RunParams struct {
	SessionKey string
	RunID      string
	Text       string
}

// RunFunc executes one agent run to completion (or until ctx is cancelled)
// and returns the final assistant text. The caller supplies this closure so
// ChatMethods stays decoupled from provider/profile/tool wiring; a real
// implementation wraps an internal/runctl.Controller bound to a concrete
// internal/agent.Loop factory.
type RunFunc func(ctx context.Context, req RunParams) (content string, err error)

// pendingSend is one chat.send call queued behind a still-running run for
// the same session key.
type pendingSend struct {
	runID          string
	text           string
	idempotencyKey string
}

// ChatMethods implements the web-chat RPC surface: chat.send, chat.history,
// chat.abort, chat.inject. Exactly one non-terminal run is ever in flight
// per session key; a chat.send that arrives while one is running is queued
// and dequeued FIFO once the active run finishes — this is a purpose-built
// gate rather than internal/queue.Manager, since that package's debounce
// timer would incorrectly delay a session's very first message, and
// web-chat callers expect an immediate run when nothing is in flight.
type ChatMethods struct {
	Transcript *transcript.Store
	RunAgent   RunFunc
	Events     bus.EventPublisher
	Cwd        string

	mu         sync.Mutex
	busy       map[string]bool
	pending    map[string][]pendingSend
	cancels    map[string]context.CancelFunc
	runSession map[string]string // runID -> sessionKey, for abort-by-session
	seenIdem   map[string]map[string]bool
	seq        map[string]*int64
}

// NewChatMethods builds a ChatMethods handler. run supplies the actual
// agent-run execution; events (may be nil) broadcasts chat.* lifecycle
// events to connected clients.
func NewChatMethods(store *transcript.Store, run RunFunc, events bus.EventPublisher, cwd string) *ChatMethods {
	return &ChatMethods{
		Transcript: store,
		RunAgent:   run,
		Events:     events,
		Cwd:        cwd,
		busy:       make(map[string]bool),
		pending:    make(map[string][]pendingSend),
		cancels:    make(map[string]context.CancelFunc),
		runSession: make(map[string]string),
		seenIdem:   make(map[string]map[string]bool),
		seq:        make(map[string]*int64),
	}
}

// Register binds chat.* methods onto router.
func (m *ChatMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodChatSend, m.handleSend)
	router.Register(protocol.MethodChatHistory, m.handleHistory)
	router.Register(protocol.MethodChatAbort, m.handleAbort)
	router.Register(protocol.MethodChatInject, m.handleInject)
}

// sanitizeMessage normalizes inbound chat text to NFC, strips any embedded
// NUL byte, and drops C0 control characters other than tab/CR/LF.
func sanitizeMessage(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == 0 {
			continue
		}
		if r < 0x20 && r != '\t' && r != '\r' && r != '\n' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type sendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (m *ChatMethods) handleSend(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var p sendParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
			return
		}
	}
	if p.SessionKey == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "sessionKey is required"))
		return
	}

	text := sanitizeMessage(p.Message)

	if strings.TrimSpace(text) == "/stop" {
		n := m.abortSession(p.SessionKey, "stop-command")
		client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"status": "stopped", "aborted": n}))
		return
	}

	if p.IdempotencyKey != "" && m.markSeenIdem(p.SessionKey, p.IdempotencyKey) {
		client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"status": "duplicate"}))
		return
	}

	runID := uuid.NewString()
	if m.Transcript != nil {
		if _, err := m.Transcript.Append(p.SessionKey, m.Cwd, transcript.Entry{
			Role:           "user",
			Content:        text,
			IdempotencyKey: p.IdempotencyKey,
		}); err != nil {
			slog.Error("chat.send.transcript_append", "error", err)
		}
	}

	item := pendingSend{runID: runID, text: text, idempotencyKey: p.IdempotencyKey}

	m.mu.Lock()
	if m.busy[p.SessionKey] {
		m.pending[p.SessionKey] = append(m.pending[p.SessionKey], item)
		m.mu.Unlock()
		client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"runId": runID, "status": "queued"}))
		return
	}
	m.busy[p.SessionKey] = true
	m.mu.Unlock()

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"runId": runID, "status": "started"}))
	go m.runOne(p.SessionKey, item)
}

// runOne drives one run to completion, persists the result, broadcasts a
// terminal chat event, then dequeues the next pending item (if any) for
// the same session key.
func (m *ChatMethods) runOne(sessionKey string, item pendingSend) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[item.runID] = cancel
	m.runSession[item.runID] = sessionKey
	m.mu.Unlock()

	var content string
	var runErr error
	if m.RunAgent != nil {
		content, runErr = m.RunAgent(ctx, RunParams{SessionKey: sessionKey, RunID: item.runID, Text: item.text})
	}

	m.mu.Lock()
	delete(m.cancels, item.runID)
	delete(m.runSession, item.runID)
	m.mu.Unlock()

	switch {
	case ctx.Err() != nil:
		if m.Transcript != nil {
			if _, err := m.Transcript.AppendAbort(sessionKey, m.Cwd, item.runID, content, "rpc"); err != nil {
				slog.Error("chat.abort.transcript_append", "error", err)
			}
		}
		m.broadcastChatState(sessionKey, item.runID, protocol.ChatStateError, "aborted")
	case runErr != nil:
		m.broadcastChatState(sessionKey, item.runID, protocol.ChatStateError, runErr.Error())
	default:
		if m.Transcript != nil {
			if _, err := m.Transcript.AppendAssistant(sessionKey, m.Cwd, item.runID, content); err != nil {
				slog.Error("chat.send.transcript_append", "error", err)
			}
		}
		m.broadcastChatState(sessionKey, item.runID, protocol.ChatStateFinal, "")
	}

	m.mu.Lock()
	next, ok := m.popPendingLocked(sessionKey)
	m.mu.Unlock()
	if ok {
		m.runOne(sessionKey, next)
	}
}

func (m *ChatMethods) popPendingLocked(sessionKey string) (pendingSend, bool) {
	items := m.pending[sessionKey]
	if len(items) == 0 {
		delete(m.busy, sessionKey)
		return pendingSend{}, false
	}
	next := items[0]
	rest := items[1:]
	if len(rest) == 0 {
		delete(m.pending, sessionKey)
	} else {
		m.pending[sessionKey] = rest
	}
	return next, true
}

func (m *ChatMethods) broadcastChatState(sessionKey, runID, state, errMsg string) {
	if m.Events == nil {
		return
	}
	seq := m.nextSeq(sessionKey)
	payload := map[string]interface{}{
		"type":       state,
		"runId":      runID,
		"sessionKey": sessionKey,
		"seq":        seq,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	m.Events.Broadcast(bus.Event{Name: protocol.EventChat, Payload: payload})
}

func (m *ChatMethods) nextSeq(sessionKey string) int64 {
	m.mu.Lock()
	counter, ok := m.seq[sessionKey]
	if !ok {
		counter = new(int64)
		m.seq[sessionKey] = counter
	}
	m.mu.Unlock()
	return atomic.AddInt64(counter, 1)
}

func (m *ChatMethods) markSeenIdem(sessionKey, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys, ok := m.seenIdem[sessionKey]
	if !ok {
		keys = make(map[string]bool)
		m.seenIdem[sessionKey] = keys
	}
	if keys[key] {
		return true
	}
	keys[key] = true
	return false
}

// abortSession cancels every in-flight run for sessionKey and discards its
// pending queue, returning the count of runs cancelled.
func (m *ChatMethods) abortSession(sessionKey, origin string) int {
	m.mu.Lock()
	var cancelled []context.CancelFunc
	for runID, sk := range m.runSession {
		if sk != sessionKey {
			continue
		}
		if c, ok := m.cancels[runID]; ok {
			cancelled = append(cancelled, c)
		}
	}
	delete(m.pending, sessionKey)
	m.mu.Unlock()

	for _, c := range cancelled {
		c()
	}
	_ = origin
	return len(cancelled)
}

type abortParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
}

func (m *ChatMethods) handleAbort(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var p abortParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
			return
		}
	}
	if p.SessionKey == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "sessionKey is required"))
		return
	}

	if p.RunID != "" {
		m.mu.Lock()
		c, ok := m.cancels[p.RunID]
		m.mu.Unlock()
		if !ok {
			client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"status": "not_running"}))
			return
		}
		c()
		client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"status": "aborted", "runId": p.RunID}))
		return
	}

	n := m.abortSession(p.SessionKey, "rpc")
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"status": "aborted", "count": n}))
}

type historyParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

func (m *ChatMethods) handleHistory(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var p historyParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
			return
		}
	}
	if p.SessionKey == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "sessionKey is required"))
		return
	}
	if m.Transcript == nil {
		client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"entries": []transcript.Entry{}}))
		return
	}

	entries, err := m.Transcript.History(p.SessionKey, p.Limit)
	if err != nil {
		slog.Error("chat.history", "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "failed to load history"))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"entries": entries}))
}

type injectParams struct {
	SessionKey string `json:"sessionKey"`
	Role       string `json:"role"`
	Content    string `json:"content"`
}

// handleInject appends a transcript entry (e.g. a system note, or a prior
// assistant message carried over from another surface) without starting a
// run.
func (m *ChatMethods) handleInject(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var p injectParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
			return
		}
	}
	if p.SessionKey == "" || p.Content == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "sessionKey and content are required"))
		return
	}
	role := p.Role
	if role == "" {
		role = "system"
	}
	if m.Transcript == nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "transcript store not configured"))
		return
	}

	ok, err := m.Transcript.Append(p.SessionKey, m.Cwd, transcript.Entry{Role: role, Content: sanitizeMessage(p.Content)})
	if err != nil {
		slog.Error("chat.inject", "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "failed to inject message"))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"status": "injected", "appended": ok}))
}
