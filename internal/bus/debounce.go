package bus

import (
	"strings"
	"sync"
	"time"
)

// InboundDebouncer merges rapid-fire inbound messages from the same sender
// into a single flush, so a user's quick follow-up keystrokes ("wait,
// also...") land as one prompt instead of triggering two overlapping runs.
// Messages from different senders/chats debounce independently.
type InboundDebouncer struct {
	delay   time.Duration
	flush   func(InboundMessage)
	mu      sync.Mutex
	pending map[string]*pendingGroup
	stopped bool
}

type pendingGroup struct {
	timer    *time.Timer
	messages []InboundMessage
}

// NewInboundDebouncer creates a debouncer that flushes a sender's buffered
// messages delay after the last one arrives.
func NewInboundDebouncer(delay time.Duration, flush func(InboundMessage)) *InboundDebouncer {
	return &InboundDebouncer{
		delay:   delay,
		flush:   flush,
		pending: make(map[string]*pendingGroup),
	}
}

func debounceKey(msg InboundMessage) string {
	return msg.Channel + "|" + msg.ChatID + "|" + msg.SenderID
}

// Push enqueues msg under its sender's debounce group, resetting that
// group's timer. When the timer fires the buffered messages are merged
// (content joined with newlines, media concatenated) and handed to flush.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	key := debounceKey(msg)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	group, ok := d.pending[key]
	if !ok {
		group = &pendingGroup{}
		d.pending[key] = group
	}
	group.messages = append(group.messages, msg)

	if group.timer != nil {
		group.timer.Stop()
	}
	group.timer = time.AfterFunc(d.delay, func() { d.flushGroup(key) })
}

func (d *InboundDebouncer) flushGroup(key string) {
	d.mu.Lock()
	group, ok := d.pending[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	messages := group.messages
	delete(d.pending, key)
	d.mu.Unlock()

	if len(messages) == 0 {
		return
	}
	d.flush(mergeInbound(messages))
}

// mergeInbound collapses a run of same-sender messages into one, preserving
// the first message's routing/metadata and the last message's message-id
// metadata (so reply-to targets the most recent one).
func mergeInbound(messages []InboundMessage) InboundMessage {
	merged := messages[0]
	if len(messages) == 1 {
		return merged
	}

	var parts []string
	var media []string
	for _, m := range messages {
		if strings.TrimSpace(m.Content) != "" {
			parts = append(parts, m.Content)
		}
		media = append(media, m.Media...)
	}
	merged.Content = strings.Join(parts, "\n")
	merged.Media = media
	merged.Metadata = messages[len(messages)-1].Metadata
	return merged
}

// Stop flushes any groups with a buffered message immediately and prevents
// further pushes from being accepted.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	groups := d.pending
	d.pending = make(map[string]*pendingGroup)
	d.mu.Unlock()

	for _, group := range groups {
		if group.timer != nil {
			group.timer.Stop()
		}
		if len(group.messages) > 0 {
			d.flush(mergeInbound(group.messages))
		}
	}
}
