package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestCollectAcrossChannels grounds scenario 4: two items with
// different originating targets run individually in order, producing no
// "[Queued messages …]" prompt; when both share one target, they collapse
// into a single collect prompt.
func TestCollectAcrossChannels_DifferentTargets(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	done := make(chan struct{}, 10)

	q := New(Config{Mode: ModeCollect, DebounceMs: 1}, func(prompt string, carry bool) RunOutcome {
		mu.Lock()
		prompts = append(prompts, prompt)
		mu.Unlock()
		done <- struct{}{}
		return RunOutcome{}
	})

	q.Enqueue(Item{Prompt: "hello from A", Target: Target{Channel: "slack", To: "channel:A"}})
	q.Enqueue(Item{Prompt: "hello from B", Target: Target{Channel: "slack", To: "channel:B"}})

	waitN(t, done, 2)

	mu.Lock()
	defer mu.Unlock()
	if len(prompts) != 2 {
		t.Fatalf("expected 2 individual runs, got %d: %v", len(prompts), prompts)
	}
	for _, p := range prompts {
		if contains(p, "[Queued messages") {
			t.Fatalf("expected no collect prompt for distinct targets, got %q", p)
		}
	}
}

func TestCollectAcrossChannels_SameTarget(t *testing.T) {
	done := make(chan struct{}, 10)
	var got string
	var mu sync.Mutex

	q := New(Config{Mode: ModeCollect, DebounceMs: 5}, func(prompt string, carry bool) RunOutcome {
		mu.Lock()
		got = prompt
		mu.Unlock()
		done <- struct{}{}
		return RunOutcome{}
	})

	tgt := Target{Channel: "slack", To: "channel:A"}
	q.Enqueue(Item{Prompt: "first", Target: tgt})
	q.Enqueue(Item{Prompt: "second", Target: tgt})

	waitN(t, done, 1)

	mu.Lock()
	defer mu.Unlock()
	if !contains(got, "[Queued messages while agent was busy]") {
		t.Fatalf("expected collect prompt, got %q", got)
	}
	if !contains(got, "first") || !contains(got, "second") {
		t.Fatalf("expected both items in collect prompt, got %q", got)
	}
}

// TestDedupeByMessageID grounds dedupe policy.
func TestDedupeByMessageID(t *testing.T) {
	done := make(chan struct{}, 10)
	q := New(Config{Mode: ModeFollowup, DebounceMs: 1}, func(prompt string, carry bool) RunOutcome {
		done <- struct{}{}
		return RunOutcome{}
	})
	if ok := q.Enqueue(Item{Prompt: "x", MessageID: "m1"}); !ok {
		t.Fatal("first enqueue should succeed")
	}
	if ok := q.Enqueue(Item{Prompt: "x-dup", MessageID: "m1"}); ok {
		t.Fatal("duplicate messageId should be dropped")
	}
	waitN(t, done, 1)
}

// TestOverflowSummarize checks that once the cap drops items, a subsequent
// drain emits exactly one overflow-summary prompt before the next real item.
func TestOverflowSummarize(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	done := make(chan struct{}, 10)

	q := New(Config{Mode: ModeFollowup, DebounceMs: 1, Cap: 2, DropPolicy: DropSummarize}, func(prompt string, carry bool) RunOutcome {
		mu.Lock()
		prompts = append(prompts, prompt)
		mu.Unlock()
		done <- struct{}{}
		return RunOutcome{}
	})

	q.Enqueue(Item{Prompt: "a"})
	q.Enqueue(Item{Prompt: "b"})
	q.Enqueue(Item{Prompt: "c"}) // triggers drop of "a" under cap=2

	waitN(t, done, 3)

	mu.Lock()
	defer mu.Unlock()
	if len(prompts) != 3 {
		t.Fatalf("expected overflow-summary + 2 real items, got %d: %v", len(prompts), prompts)
	}
	if !contains(prompts[0], "[Queue overflow] Dropped 1 message") {
		t.Fatalf("expected overflow summary first, got %q", prompts[0])
	}
}

// TestFailedRunRetainsItem grounds the "on failure of runFollowup: do not
// lose items" requirement — a failing run must not drop the item it popped.
func TestFailedRunRetainsItem(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	done := make(chan struct{}, 10)
	fail := true

	q := New(Config{Mode: ModeFollowup, DebounceMs: 1}, func(prompt string, carry bool) RunOutcome {
		mu.Lock()
		prompts = append(prompts, prompt)
		shouldFail := fail
		fail = false
		mu.Unlock()
		done <- struct{}{}
		if shouldFail {
			return RunOutcome{Err: errTest}
		}
		return RunOutcome{}
	})

	q.Enqueue(Item{Prompt: "retry-me"})
	waitN(t, done, 2) // first attempt fails, second (retry) succeeds

	mu.Lock()
	defer mu.Unlock()
	if len(prompts) != 2 || prompts[0] != "retry-me" || prompts[1] != "retry-me" {
		t.Fatalf("expected the same item run twice after a failure, got %v", prompts)
	}
}

// TestCollectOverflowThenCrossTarget grounds the livelock scenario: a
// collect-mode queue drops an item for being over cap, then receives a
// cross-target item forcing individual mode. The dropped-count summary must
// still flush instead of spinning forever.
func TestCollectOverflowThenCrossTarget(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	done := make(chan struct{}, 10)

	q := New(Config{Mode: ModeCollect, DebounceMs: 1, Cap: 2, DropPolicy: DropSummarize}, func(prompt string, carry bool) RunOutcome {
		mu.Lock()
		prompts = append(prompts, prompt)
		mu.Unlock()
		done <- struct{}{}
		return RunOutcome{}
	})

	tgtA := Target{Channel: "slack", To: "channel:A"}
	tgtB := Target{Channel: "slack", To: "channel:B"}

	q.Enqueue(Item{Prompt: "a1", Target: tgtA})
	q.Enqueue(Item{Prompt: "a2", Target: tgtA})
	q.Enqueue(Item{Prompt: "a3", Target: tgtA}) // drops "a1" under cap=2
	q.Enqueue(Item{Prompt: "b1", Target: tgtB}) // drops "a2"; leaves a3,b1 cross-target

	waitN(t, done, 3)

	mu.Lock()
	defer mu.Unlock()
	if len(prompts) != 3 {
		t.Fatalf("expected 2 individual runs + 1 overflow summary, got %d: %v", len(prompts), prompts)
	}
	sawOverflow := false
	for _, p := range prompts {
		if contains(p, "[Queue overflow] Dropped 2 message") {
			sawOverflow = true
		}
	}
	if !sawOverflow {
		t.Fatalf("expected overflow summary to flush instead of livelocking, got %v", prompts)
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue to drain fully, got len=%d", q.Len())
	}
}

var errTest = fmt.Errorf("queue: simulated run failure")

func waitN(t *testing.T, ch chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for run #%d", i+1)
		}
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
