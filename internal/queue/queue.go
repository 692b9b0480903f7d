// Package queue implements the per-session follow-up queue and drain loop:
// debounce, dedupe, cross-channel collapse, overflow summarization, and the
// idle/draining single-writer state machine.
//
// Grounded on cmd/gateway_consumer.go's inbound debounce/dedupe shape,
// generalized into a richer collect/followup state machine; collect-mode
// merging and overflow summaries have no direct prior art there.
package queue

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// Mode selects how the drain loop treats a batch of queued items.
type Mode string

const (
	ModeCollect  Mode = "collect"
	ModeFollowup Mode = "followup"
)

// DropPolicy governs what happens when the queue is at capacity.
type DropPolicy string

const (
	DropSummarize  DropPolicy = "summarize"
	DropNewest     DropPolicy = "drop-newest"
	DropOldest     DropPolicy = "drop-oldest"
)

// Target identifies the originating destination of an item, used to
// detect cross-channel collapse.
type Target struct {
	Channel string
	To      string
	Account string
	Thread  string
}

// Item is one queued follow-up message.
type Item struct {
	Prompt      string
	MessageID   string // optional
	Target      Target
	EnqueuedAt  time.Time
	ReplyPayload func(result RunOutcome) // optional closure invoked once the item is run
}

// RunOutcome is what a RunFunc reports back for one drained item/batch.
type RunOutcome struct {
	Err error
}

// RunFunc executes one drained item (or a synthesized collect/overflow
// prompt) outside any queue lock, concurrency model.
type RunFunc func(prompt string, carryForward bool) RunOutcome

// Config configures one queue's behavior.
type Config struct {
	Mode       Mode
	DebounceMs int
	Cap        int
	DropPolicy DropPolicy
	// DedupeByPrompt additionally dedupes on (channel,to,prompt) when
	// MessageID is absent.
	DedupeByPrompt bool
}

func (c Config) normalized() Config {
	if c.DebounceMs <= 0 {
		c.DebounceMs = 1000
	}
	if c.Cap <= 0 {
		c.Cap = 20
	}
	if c.DropPolicy == "" {
		c.DropPolicy = DropSummarize
	}
	if c.Mode == "" {
		c.Mode = ModeFollowup
	}
	return c
}

// droppedPreview is a short preview of a dropped item, used to build the
// overflow-summary prompt.
type droppedPreview struct {
	preview string
}

// Queue is one session-key's follow-up queue and drain loop.
type Queue struct {
	cfg   Config
	run   RunFunc
	clock func() time.Time

	mu             sync.Mutex
	items          []Item
	draining       bool
	lastEnqueuedAt time.Time
	droppedCount   int
	droppedPreview []droppedPreview
	forcedIndividual bool // sticky for the remainder of the current drain
	wake           chan struct{}
}

// New creates a queue for one session key. cfg is normalized with defaults.
func New(cfg Config, run RunFunc) *Queue {
	return &Queue{
		cfg:   cfg.normalized(),
		run:   run,
		clock: time.Now,
		wake:  make(chan struct{}, 1),
	}
}

// maxPreviewChars bounds how much of a dropped item's prompt is retained
// for the overflow summary.
const maxPreviewChars = 120

// Enqueue adds an item under the dedupe and cap/drop policy. Returns false if the item was
// dropped at enqueue time (deduped away). Starts (or wakes) the drain loop.
func (q *Queue) Enqueue(item Item) bool {
	q.mu.Lock()

	if q.isDuplicateLocked(item) {
		q.mu.Unlock()
		return false
	}

	item.EnqueuedAt = q.clock()
	q.items = append(q.items, item)
	q.lastEnqueuedAt = item.EnqueuedAt

	if len(q.items) > q.cfg.Cap {
		q.applyCapLocked()
	}

	shouldStart := !q.draining
	if shouldStart {
		q.draining = true
	}
	q.mu.Unlock()

	if shouldStart {
		go q.drainLoop()
	} else {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return true
}

func (q *Queue) isDuplicateLocked(item Item) bool {
	if item.MessageID != "" {
		for _, ex := range q.items {
			if ex.MessageID != "" && ex.MessageID == item.MessageID {
				return true
			}
		}
		return false
	}
	if q.cfg.DedupeByPrompt {
		for _, ex := range q.items {
			if ex.MessageID == "" && ex.Target == item.Target && ex.Prompt == item.Prompt {
				return true
			}
		}
	}
	return false
}

// applyCapLocked enforces the cap/drop policy.
// Caller holds q.mu.
func (q *Queue) applyCapLocked() {
	switch q.cfg.DropPolicy {
	case DropNewest:
		// Discard the item(s) that pushed us over cap — i.e. the tail.
		excess := len(q.items) - q.cfg.Cap
		q.items = q.items[:len(q.items)-excess]
	case DropOldest:
		excess := len(q.items) - q.cfg.Cap
		q.items = q.items[excess:]
	default: // summarize
		excess := len(q.items) - q.cfg.Cap
		for i := 0; i < excess; i++ {
			preview := q.items[i].Prompt
			if len(preview) > maxPreviewChars {
				preview = preview[:maxPreviewChars] + "…"
			}
			q.droppedPreview = append(q.droppedPreview, droppedPreview{preview: preview})
			q.droppedCount++
		}
		q.items = q.items[excess:]
	}
}

// drainLoop is the single owning task for this queue key.
func (q *Queue) drainLoop() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 && q.droppedCount == 0 {
			q.draining = false
			q.forcedIndividual = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		q.waitForDebounce()

		outcome, ok := q.drainOnce()
		if !ok {
			continue
		}
		if outcome.Err != nil {
			// Don't lose items on failure: bump lastEnqueuedAt so the
			// drain loop reschedules instead of dropping the batch.
			q.mu.Lock()
			q.lastEnqueuedAt = q.clock()
			q.mu.Unlock()
		}
	}
}

// waitForDebounce blocks until now - lastEnqueuedAt >= debounceMs or the
// queue empties.
func (q *Queue) waitForDebounce() {
	debounce := time.Duration(q.cfg.DebounceMs) * time.Millisecond
	for {
		q.mu.Lock()
		elapsed := q.clock().Sub(q.lastEnqueuedAt)
		empty := len(q.items) == 0 && q.droppedCount == 0
		q.mu.Unlock()
		if empty || elapsed >= debounce {
			return
		}
		select {
		case <-q.wake:
		case <-time.After(debounce - elapsed):
		}
	}
}

// drainOnce performs one iteration of the drain body.
// Returns ok=false when there is nothing to do this iteration (e.g. an
// overflow summary was just emitted and the loop should re-check).
func (q *Queue) drainOnce() (RunOutcome, bool) {
	q.mu.Lock()

	// Overflow summary takes priority once a drop has occurred, regardless
	// of mode — including collect mode once it has gone cross-target, since
	// the one-by-one pop path below never otherwise revisits droppedCount
	// and would spin forever with it stuck above zero.
	if q.droppedCount > 0 && (q.cfg.Mode == ModeFollowup || q.forcedIndividual) {
		text := overflowSummaryText(q.droppedCount, q.droppedPreview)
		q.droppedCount = 0
		q.droppedPreview = nil
		q.mu.Unlock()
		return q.run(text, false), true
	}

	if len(q.items) == 0 {
		q.mu.Unlock()
		return RunOutcome{}, false
	}

	if q.cfg.Mode == ModeCollect && !q.forcedIndividual {
		if !q.sameTargetLocked() {
			q.forcedIndividual = true
		} else {
			snapshot := q.items
			q.items = nil
			droppedCount, droppedPreview := q.droppedCount, q.droppedPreview
			q.droppedCount, q.droppedPreview = 0, nil
			q.mu.Unlock()
			prompt := buildCollectPrompt(snapshot, droppedCount, droppedPreview)
			outcome := q.run(prompt, true)
			if outcome.Err != nil {
				// Don't lose the batch: put it back at the front of the
				// queue for the next drain attempt.
				q.mu.Lock()
				q.items = append(append([]Item{}, snapshot...), q.items...)
				if q.droppedCount == 0 {
					q.droppedCount, q.droppedPreview = droppedCount, droppedPreview
				}
				q.mu.Unlock()
			}
			return outcome, true
		}
	}

	head := q.items[0]
	q.items = q.items[1:]
	q.mu.Unlock()
	outcome := q.run(head.Prompt, false)
	if outcome.Err != nil {
		q.mu.Lock()
		q.items = append([]Item{head}, q.items...)
		q.mu.Unlock()
	}
	return outcome, true
}

// sameTargetLocked reports whether all currently queued items share one
// originating target. Caller holds q.mu.
func (q *Queue) sameTargetLocked() bool {
	if len(q.items) == 0 {
		return true
	}
	first := q.items[0].Target
	for _, it := range q.items[1:] {
		if it.Target != first {
			return false
		}
	}
	return true
}

func buildCollectPrompt(items []Item, droppedCount int, previews []droppedPreview) string {
	out := "[Queued messages while agent was busy]\n"
	for i, it := range items {
		out += "---\nQueued #" + strconv.Itoa(i+1) + "\n" + it.Prompt + "\n"
	}
	if droppedCount > 0 {
		out += "\n" + overflowSummaryText(droppedCount, previews)
	}
	return out
}

func overflowSummaryText(droppedCount int, previews []droppedPreview) string {
	out := "[Queue overflow] Dropped " + strconv.Itoa(droppedCount) + " message(s) due to cap."
	for _, p := range previews {
		out += "\n- " + p.preview
	}
	return out
}

// Len reports the current queue length, for tests/diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Manager owns one Queue per session key.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*Queue
	cfg    func(sessionKey string) Config
	run    func(sessionKey string) RunFunc
}

func NewManager(cfgFor func(sessionKey string) Config, runFor func(sessionKey string) RunFunc) *Manager {
	return &Manager{queues: map[string]*Queue{}, cfg: cfgFor, run: runFor}
}

// Enqueue routes an item to (creating if needed) the queue for sessionKey.
func (m *Manager) Enqueue(sessionKey string, item Item) bool {
	m.mu.Lock()
	q, ok := m.queues[sessionKey]
	if !ok {
		q = New(m.cfg(sessionKey), m.run(sessionKey))
		m.queues[sessionKey] = q
	}
	m.mu.Unlock()
	return q.Enqueue(item)
}

// activeSessionKeys returns every session key that has had a queue created
// (queues are never removed from the Manager), sorted for deterministic
// iteration (diagnostics/tests only).
func (m *Manager) activeSessionKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.queues))
	for k := range m.queues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
