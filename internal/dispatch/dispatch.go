// Package dispatch implements the reply dispatcher:
// ordered, policy-filtered delivery of one AgentRun's tool/block/final
// payloads to the channel that originated the run.
//
// Grounded on internal/agent's existing sanitization helpers
// (SanitizeAssistantContent, IsSilentReply) which this package reuses
// rather than reimplementing, and on internal/bus.OutboundMessage/
// MediaAttachment as the delivered payload shape.
package dispatch

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/bus"
)

// HeartbeatToken, embedded in assistant text, marks a no-op "still working"
// ping: it is stripped before delivery and a lone heartbeat with no media
// is dropped entirely.
const HeartbeatToken = "HEARTBEAT_PING"

// SilentReplyToken mirrors internal/agent's NO_REPLY token; re-exported
// here so dispatch callers don't need to import internal/agent directly
// just to recognize it in a "<TOKEN> -- reason" tail.
const SilentReplyToken = "NO_REPLY"

// Kind distinguishes the three payload classes delivered by a dispatcher.
type Kind string

const (
	KindTool  Kind = "tool"
	KindBlock Kind = "block"
	KindFinal Kind = "final"
)

// Payload is one outbound reply candidate, pre-policy.
type Payload struct {
	Text         string
	MediaURL     string
	ReplyToID    string
	ReplyToTag   string
	Blocks       []string
	ChannelData  map[string]interface{}
}

// DeliverFunc performs the actual send to the originating channel. It is
// the "external collaborator" excludes from this core: provider
// SDK particulars live behind this closure.
type DeliverFunc func(ctx context.Context, kind Kind, p Payload) error

// HumanDelay configures post-first-block pacing.
type HumanDelay struct {
	Enabled bool
	MinMs   int
	MaxMs   int
	// Natural uses a skewed distribution favoring MinMs with an
	// occasional longer pause, instead of a flat uniform range.
	Natural bool
}

func (h HumanDelay) delay(rng *rand.Rand) time.Duration {
	minMs, maxMs := h.MinMs, h.MaxMs
	if minMs <= 0 {
		minMs = 800
	}
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	if h.Natural {
		// Skew toward the low end: square a uniform [0,1) sample.
		f := rng.Float64()
		f = f * f
		span := maxMs - minMs
		return time.Duration(minMs+int(f*float64(span))) * time.Millisecond
	}
	span := maxMs - minMs
	return time.Duration(minMs+rng.Intn(span+1)) * time.Millisecond
}

// Config configures one run's Dispatcher.
type Config struct {
	Deliver           DeliverFunc
	ResponsePrefix    string
	HumanDelay        HumanDelay
	OnError           func(kind Kind, p Payload, err error)
	OnIdle            func()
	OnHeartbeatStrip  func(text string)
}

type queueItem struct {
	kind Kind
	p    Payload
}

// Dispatcher serializes and filters outbound replies for one AgentRun.
// One Dispatcher per run; not reused across runs.
type Dispatcher struct {
	cfg Config
	rng *rand.Rand

	mu        sync.Mutex
	queue     []queueItem
	running   bool
	completed bool
	blockSent int // count of block sends so far; zero marks the first block, which skips human delay

	done chan struct{}
}

// New builds a Dispatcher for one run.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		done: make(chan struct{}),
	}
}

// SendTool enqueues a tool-kind payload. Tool sends are
// awaited fully before the next queued item starts.
func (d *Dispatcher) SendTool(ctx context.Context, p Payload) {
	d.enqueue(ctx, KindTool, p)
}

// SendBlock enqueues an incremental block-kind payload (e.g. one chunk of
// a streamed response).
func (d *Dispatcher) SendBlock(ctx context.Context, p Payload) {
	d.enqueue(ctx, KindBlock, p)
}

// SendFinalReply enqueues the terminal payload for the run. May be called
// any time up to and including the moment MarkComplete is invoked.
func (d *Dispatcher) SendFinalReply(ctx context.Context, p Payload) {
	d.enqueue(ctx, KindFinal, p)
}

// MarkComplete signals no further sends are coming. Once the queue drains,
// OnIdle fires exactly once.
func (d *Dispatcher) MarkComplete() {
	d.mu.Lock()
	d.completed = true
	idle := !d.running && len(d.queue) == 0
	d.mu.Unlock()
	if idle {
		d.fireIdle()
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, kind Kind, p Payload) {
	d.mu.Lock()
	d.queue = append(d.queue, queueItem{kind: kind, p: p})
	start := !d.running
	if start {
		d.running = true
	}
	d.mu.Unlock()

	if start {
		go d.drain(ctx)
	}
}

// drain processes the queue strictly FIFO across all three kinds, awaiting
// each send (including tool sends) fully before starting the next.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			idle := d.completed
			d.mu.Unlock()
			if idle {
				d.fireIdle()
			}
			return
		}
		item := d.queue[0]
		d.queue = d.queue[1:]
		isFirstBlock := item.kind == KindBlock && d.blockSent == 0
		if item.kind == KindBlock {
			d.blockSent++
		}
		d.mu.Unlock()

		d.deliverOne(ctx, item.kind, item.p, isFirstBlock)
	}
}

// deliverOne applies the filtering/prefixing policy then calls Deliver,
// reporting failures via OnError without aborting the drain loop (per-item
// failures must not lose the rest of the ordered queue).
func (d *Dispatcher) deliverOne(ctx context.Context, kind Kind, p Payload, isFirstBlock bool) {
	filtered, ok := d.applyPolicy(p)
	if !ok {
		return
	}

	if kind == KindBlock && !isFirstBlock && d.cfg.HumanDelay.Enabled {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.HumanDelay.delay(d.rng)):
		}
	}

	if d.cfg.Deliver == nil {
		return
	}
	if err := d.cfg.Deliver(ctx, kind, filtered); err != nil && d.cfg.OnError != nil {
		d.cfg.OnError(kind, filtered, err)
	}
}

// applyPolicy implements per-payload contract: drop empty
// payloads, strip silent/heartbeat tokens, apply the response prefix.
// Returns ok=false when the payload should be dropped entirely.
func (d *Dispatcher) applyPolicy(p Payload) (Payload, bool) {
	hasMedia := p.MediaURL != "" || len(p.Blocks) > 0
	text := p.Text

	if strings.TrimSpace(text) == "" && !hasMedia {
		return p, false
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == SilentReplyToken || strings.HasPrefix(trimmed, SilentReplyToken+" -- ") {
		if !hasMedia {
			return p, false
		}
		p.Text = ""
		return d.applyPrefix(p), true
	}

	if strings.Contains(text, HeartbeatToken) {
		stripped := strings.TrimSpace(strings.ReplaceAll(text, HeartbeatToken, ""))
		if d.cfg.OnHeartbeatStrip != nil {
			d.cfg.OnHeartbeatStrip(text)
		}
		if stripped == "" && !hasMedia {
			return p, false
		}
		p.Text = agent.SanitizeAssistantContent(stripped)
		return d.applyPrefix(p), true
	}

	if agent.IsSilentReply(text) && !hasMedia {
		return p, false
	}

	return d.applyPrefix(p), true
}

// applyPrefix prepends cfg.ResponsePrefix unless text already starts with
// it. Media-only deliveries keep
// empty text.
func (d *Dispatcher) applyPrefix(p Payload) Payload {
	if d.cfg.ResponsePrefix == "" || p.Text == "" {
		return p
	}
	if strings.HasPrefix(p.Text, d.cfg.ResponsePrefix) {
		return p
	}
	p.Text = d.cfg.ResponsePrefix + p.Text
	return p
}

func (d *Dispatcher) fireIdle() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
	if d.cfg.OnIdle != nil {
		d.cfg.OnIdle()
	}
}

// Wait blocks until the dispatcher has delivered everything queued at the
// time MarkComplete was called.
func (d *Dispatcher) Wait(ctx context.Context) {
	select {
	case <-d.done:
	case <-ctx.Done():
	}
}

// ToOutbound adapts a dispatch.Payload into a bus.OutboundMessage for
// delivery through the channel manager, keeping the channel-agnostic
// dispatcher decoupled from the bus package's concrete wire shape.
func ToOutbound(channel, chatID string, p Payload) bus.OutboundMessage {
	out := bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: p.Text,
	}
	if p.MediaURL != "" {
		out.Media = []bus.MediaAttachment{{URL: p.MediaURL}}
	}
	if len(p.ChannelData) > 0 {
		out.Metadata = make(map[string]string, len(p.ChannelData))
		for k, v := range p.ChannelData {
			if s, ok := v.(string); ok {
				out.Metadata[k] = s
			}
		}
	}
	return out
}
