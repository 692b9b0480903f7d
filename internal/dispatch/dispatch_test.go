package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"
)

func waitForIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatal("timed out waiting for dispatcher to idle")
	}
}

func TestDispatcher_FIFOOrderAcrossKinds(t *testing.T) {
	var mu sync.Mutex
	var order []Kind

	d := New(Config{
		Deliver: func(ctx context.Context, kind Kind, p Payload) error {
			mu.Lock()
			order = append(order, kind)
			mu.Unlock()
			return nil
		},
	})

	ctx := context.Background()
	d.SendTool(ctx, Payload{Text: "tool-1"})
	d.SendBlock(ctx, Payload{Text: "block-1"})
	d.SendFinalReply(ctx, Payload{Text: "final-1"})
	d.MarkComplete()

	waitForIdle(t, d)

	mu.Lock()
	defer mu.Unlock()
	want := []Kind{KindTool, KindBlock, KindFinal}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestDispatcher_DropsEmptyAndSilent(t *testing.T) {
	var delivered []Payload
	var mu sync.Mutex

	d := New(Config{
		Deliver: func(ctx context.Context, kind Kind, p Payload) error {
			mu.Lock()
			delivered = append(delivered, p)
			mu.Unlock()
			return nil
		},
	})

	ctx := context.Background()
	d.SendBlock(ctx, Payload{Text: "   "})
	d.SendBlock(ctx, Payload{Text: "NO_REPLY"})
	d.SendBlock(ctx, Payload{Text: "real reply"})
	d.MarkComplete()

	waitForIdle(t, d)

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0].Text != "real reply" {
		t.Fatalf("expected only the real reply to be delivered, got %v", delivered)
	}
}

func TestDispatcher_SilentWithMediaStripsText(t *testing.T) {
	var delivered Payload
	var got bool

	d := New(Config{
		Deliver: func(ctx context.Context, kind Kind, p Payload) error {
			delivered = p
			got = true
			return nil
		},
	})

	d.SendFinalReply(context.Background(), Payload{Text: "NO_REPLY", MediaURL: "file://x.png"})
	d.MarkComplete()
	waitForIdle(t, d)

	if !got {
		t.Fatal("expected media-attached silent reply to still deliver")
	}
	if delivered.Text != "" {
		t.Fatalf("expected stripped text, got %q", delivered.Text)
	}
}

func TestDispatcher_HeartbeatStrippedLoneDropped(t *testing.T) {
	var deliveries int
	var strippedCalls int

	d := New(Config{
		Deliver: func(ctx context.Context, kind Kind, p Payload) error {
			deliveries++
			return nil
		},
		OnHeartbeatStrip: func(text string) { strippedCalls++ },
	})

	d.SendBlock(context.Background(), Payload{Text: HeartbeatToken})
	d.SendBlock(context.Background(), Payload{Text: "hello " + HeartbeatToken + " world"})
	d.MarkComplete()
	waitForIdle(t, d)

	if deliveries != 1 {
		t.Fatalf("expected 1 delivery (lone heartbeat dropped), got %d", deliveries)
	}
	if strippedCalls != 2 {
		t.Fatalf("expected OnHeartbeatStrip called for both, got %d", strippedCalls)
	}
}

func TestDispatcher_PrefixNotDoubled(t *testing.T) {
	var texts []string

	d := New(Config{
		ResponsePrefix: "[bot] ",
		Deliver: func(ctx context.Context, kind Kind, p Payload) error {
			texts = append(texts, p.Text)
			return nil
		},
	})

	d.SendBlock(context.Background(), Payload{Text: "hello"})
	d.SendBlock(context.Background(), Payload{Text: "[bot] already prefixed"})
	d.MarkComplete()
	waitForIdle(t, d)

	if len(texts) != 2 {
		t.Fatalf("expected 2 deliveries, got %v", texts)
	}
	if texts[0] != "[bot] hello" {
		t.Fatalf("expected prefix added, got %q", texts[0])
	}
	if texts[1] != "[bot] already prefixed" {
		t.Fatalf("expected no double prefix, got %q", texts[1])
	}
}
