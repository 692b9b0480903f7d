package dispatch

import "strings"

// StreamEventKind tags a provider streaming event.
type StreamEventKind string

const (
	StreamTextDelta StreamEventKind = "text_delta"
	StreamTextEnd   StreamEventKind = "text_end"
)

// StreamEvent is one provider streaming event, abstracted away from any
// specific provider's wire shape.
type StreamEvent struct {
	Kind    StreamEventKind
	Content string // delta text, or the full accumulated text for text_end
}

// BreakPreference controls where ChunkedSubscription prefers to cut a block.
type BreakPreference string

const (
	BreakNewline BreakPreference = "newline"
)

// ChunkConfig configures the chunked block-reply break mode.
type ChunkConfig struct {
	MinChars        int
	MaxChars        int
	BreakPreference BreakPreference
}

func (c ChunkConfig) normalized() ChunkConfig {
	if c.MinChars <= 0 {
		c.MinChars = 200
	}
	if c.MaxChars <= 0 {
		c.MaxChars = c.MinChars * 4
	}
	if c.BreakPreference == "" {
		c.BreakPreference = BreakNewline
	}
	return c
}

// StreamSubscription converts a provider's text_delta/text_end event stream
// into dispatcher block sends,: no duplicate emission on
// a trailing text_end, no overlapping emitted text.
type StreamSubscription struct {
	cfg    ChunkConfig
	onFunc func(chunk string)

	buffer   strings.Builder // unemitted accumulated text
	emitted  strings.Builder // total text emitted so far (for dedupe checks)
}

// NewStreamSubscription builds a subscription that calls onChunk with each
// block of text as it becomes ready to send.
func NewStreamSubscription(cfg ChunkConfig, onChunk func(chunk string)) *StreamSubscription {
	return &StreamSubscription{cfg: cfg.normalized(), onFunc: onChunk}
}

// Feed processes one StreamEvent.
func (s *StreamSubscription) Feed(evt StreamEvent) {
	switch evt.Kind {
	case StreamTextDelta:
		s.buffer.WriteString(evt.Content)
		s.maybeEmit(false)
	case StreamTextEnd:
		s.handleTextEnd(evt.Content)
	}
}

// handleTextEnd implements text_end dedupe rule: if the
// text_end's content equals what has already been emitted (emitted so far
// plus whatever's still buffered), this is a restatement of prior deltas —
// emit only the unseen remainder, and nothing at all if there is none.
func (s *StreamSubscription) handleTextEnd(content string) {
	alreadySeen := s.emitted.String() + s.buffer.String()
	if content == alreadySeen {
		s.maybeEmit(true)
		return
	}
	if strings.HasPrefix(content, alreadySeen) {
		s.buffer.WriteString(content[len(alreadySeen):])
		s.maybeEmit(true)
		return
	}
	// content diverges from what streaming already produced (e.g. a
	// provider that only sends a single text_end with no prior deltas):
	// treat unseen content as a fresh chunk.
	if len(content) > len(alreadySeen) {
		s.buffer.Reset()
		s.buffer.WriteString(content[len(alreadySeen):])
	}
	s.maybeEmit(true)
}

// maybeEmit flushes the buffer into one or more chunk emissions once it
// crosses MinChars at a preferred break, or MaxChars regardless. final
// forces emission of whatever remains (end of stream).
func (s *StreamSubscription) maybeEmit(final bool) {
	for {
		buf := s.buffer.String()
		if buf == "" {
			return
		}

		if len(buf) >= s.cfg.MaxChars {
			cut := s.cfg.MaxChars
			s.emit(buf[:cut])
			s.buffer.Reset()
			s.buffer.WriteString(buf[cut:])
			continue
		}

		if len(buf) >= s.cfg.MinChars {
			if cut, ok := s.preferredBreak(buf); ok {
				s.emit(buf[:cut])
				s.buffer.Reset()
				s.buffer.WriteString(buf[cut:])
				continue
			}
		}

		if final && buf != "" {
			s.emit(buf)
			s.buffer.Reset()
		}
		return
	}
}

// preferredBreak finds the last newline at or after MinChars, within the
// buffer, to use as a cut point.
func (s *StreamSubscription) preferredBreak(buf string) (int, bool) {
	if s.cfg.BreakPreference != BreakNewline {
		return 0, false
	}
	idx := strings.LastIndex(buf[s.cfg.MinChars:], "\n")
	if idx < 0 {
		return 0, false
	}
	return s.cfg.MinChars + idx + 1, true
}

func (s *StreamSubscription) emit(chunk string) {
	if chunk == "" {
		return
	}
	s.emitted.WriteString(chunk)
	if s.onFunc != nil {
		s.onFunc(chunk)
	}
}

// AssistantText returns the textual prefix emitted so far, the invariant
// requires ("assistantTexts accumulated by the subscription
// equals the textual prefix that has been emitted at any point").
func (s *StreamSubscription) AssistantText() string {
	return s.emitted.String()
}
