package dispatch

import "testing"

func TestStreamSubscription_TextEndNoDuplicate(t *testing.T) {
	var chunks []string
	s := NewStreamSubscription(ChunkConfig{MinChars: 1000, MaxChars: 2000}, func(c string) {
		chunks = append(chunks, c)
	})

	s.Feed(StreamEvent{Kind: StreamTextDelta, Content: "hello "})
	s.Feed(StreamEvent{Kind: StreamTextDelta, Content: "world"})
	s.Feed(StreamEvent{Kind: StreamTextEnd, Content: "hello world"})

	if len(chunks) != 1 || chunks[0] != "hello world" {
		t.Fatalf("expected single emission of the full text, got %v", chunks)
	}
	if s.AssistantText() != "hello world" {
		t.Fatalf("AssistantText mismatch: %q", s.AssistantText())
	}
}

func TestStreamSubscription_ChunkedByNewline(t *testing.T) {
	var chunks []string
	s := NewStreamSubscription(ChunkConfig{MinChars: 5, MaxChars: 100, BreakPreference: BreakNewline}, func(c string) {
		chunks = append(chunks, c)
	})

	s.Feed(StreamEvent{Kind: StreamTextDelta, Content: "abcdef\nghij"})
	if len(chunks) != 1 || chunks[0] != "abcdef\n" {
		t.Fatalf("expected one chunk cut at newline, got %v", chunks)
	}

	s.Feed(StreamEvent{Kind: StreamTextEnd, Content: "abcdef\nghij"})
	if len(chunks) != 2 || chunks[1] != "ghij" {
		t.Fatalf("expected remainder flushed on text_end, got %v", chunks)
	}
}

func TestStreamSubscription_MaxCharsForcesCut(t *testing.T) {
	var chunks []string
	s := NewStreamSubscription(ChunkConfig{MinChars: 1000, MaxChars: 10}, func(c string) {
		chunks = append(chunks, c)
	})

	s.Feed(StreamEvent{Kind: StreamTextDelta, Content: "0123456789ABCDEF"})
	if len(chunks) != 1 || chunks[0] != "0123456789" {
		t.Fatalf("expected max-chars cut, got %v", chunks)
	}
}

func TestStreamSubscription_NoOverlap(t *testing.T) {
	var chunks []string
	s := NewStreamSubscription(ChunkConfig{MinChars: 5, MaxChars: 8}, func(c string) {
		chunks = append(chunks, c)
	})

	for _, d := range []string{"ab", "cd", "ef", "gh", "ij", "kl"} {
		s.Feed(StreamEvent{Kind: StreamTextDelta, Content: d})
	}
	s.Feed(StreamEvent{Kind: StreamTextEnd, Content: "abcdefghijkl"})

	joined := ""
	for _, c := range chunks {
		joined += c
	}
	if joined != "abcdefghijkl" {
		t.Fatalf("expected concatenated chunks to equal full text with no overlap/gap, got %q", joined)
	}
}
