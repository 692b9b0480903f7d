package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestSequentialPerSessionKey checks that at most one
// non-terminal AgentRun runs per SessionKey at any instant.
func TestSequentialPerSessionKey(t *testing.T) {
	s := New()
	var mu sync.Mutex
	var order []string
	var inFlight int
	var maxInFlight int

	run := func(label string) func(ctx context.Context) (interface{}, error) {
		return func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			order = append(order, label)
			inFlight--
			mu.Unlock()
			return nil, nil
		}
	}

	ch1 := s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "k1", RunID: "r1", Execute: run("r1")})
	ch2 := s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "k1", RunID: "r2", Execute: run("r2")})

	<-ch1
	<-ch2

	if maxInFlight > 1 {
		t.Fatalf("expected at most 1 concurrent run per session key, saw %d", maxInFlight)
	}
	if len(order) != 2 || order[0] != "r1" || order[1] != "r2" {
		t.Fatalf("expected sequential r1,r2 order, got %v", order)
	}
}

func TestConcurrentAcrossSessionKeys(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	start := make(chan struct{})
	var mu sync.Mutex
	concurrent := 0
	maxConcurrent := 0

	for i := 0; i < 5; i++ {
		key := "k" + string(rune('a'+i))
		wg.Add(1)
		ch := s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: key, RunID: key, Execute: func(ctx context.Context) (interface{}, error) {
			<-start
			mu.Lock()
			concurrent++
			if concurrent > maxConcurrent {
				maxConcurrent = concurrent
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			concurrent--
			mu.Unlock()
			return nil, nil
		}})
		go func() { <-ch; wg.Done() }()
	}
	close(start)
	wg.Wait()

	if maxConcurrent < 2 {
		t.Fatalf("expected concurrency across distinct session keys, max was %d", maxConcurrent)
	}
}

func TestCancelOneSession(t *testing.T) {
	s := New()
	started := make(chan struct{})
	ch := s.Schedule(context.Background(), LaneMain, RunRequest{SessionKey: "k1", RunID: "r1", Execute: func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	<-started
	if err := s.CancelOneSession("k1", "r1"); err != nil {
		t.Fatalf("CancelOneSession: %v", err)
	}
	res := <-ch
	if res.Err == nil {
		t.Fatal("expected cancellation error")
	}
	// A second cancel after the run finished reports an error, not a panic.
	if err := s.CancelOneSession("k1", "r1"); err == nil {
		t.Fatal("expected error cancelling an already-finished run")
	}
}
