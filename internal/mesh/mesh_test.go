package mesh

import (
	"context"
	"sync"
	"testing"
)

func TestValidate_DuplicateID(t *testing.T) {
	p := Plan{Steps: []Step{{ID: "a"}, {ID: "a"}}}
	if err := Validate(p); err == nil {
		t.Fatal("expected error for duplicate step id")
	}
}

func TestValidate_UnknownDependency(t *testing.T) {
	p := Plan{Steps: []Step{{ID: "a", DependsOn: []string{"ghost"}}}}
	if err := Validate(p); err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestValidate_Cycle(t *testing.T) {
	p := Plan{Steps: []Step{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}}
	if err := Validate(p); err == nil {
		t.Fatal("expected error for cyclic graph")
	}
}

func TestExecutor_SkipsDescendantOfFailure(t *testing.T) {
	p := Plan{Steps: []Step{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}}

	runner := func(ctx context.Context, s Step) (bool, string) {
		if s.ID == "a" {
			return false, "boom"
		}
		return true, ""
	}

	ex := NewExecutor(p, runner, 2, nil)
	results, err := ex.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if results["a"].Status != StatusFailed {
		t.Fatalf("expected a to fail, got %v", results["a"].Status)
	}
	if results["b"].Status != StatusSkipped {
		t.Fatalf("expected b to be skipped, got %v", results["b"].Status)
	}
}

func TestExecutor_ContinueOnErrorRuns(t *testing.T) {
	p := Plan{Steps: []Step{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}, ContinueOnError: true},
	}}

	runner := func(ctx context.Context, s Step) (bool, string) {
		if s.ID == "a" {
			return false, "boom"
		}
		return true, ""
	}

	ex := NewExecutor(p, runner, 2, nil)
	results, err := ex.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if results["b"].Status != StatusSucceeded {
		t.Fatalf("expected b to run despite a's failure, got %v", results["b"].Status)
	}
}

func TestExecutor_RespectsMaxParallel(t *testing.T) {
	p := Plan{Steps: []Step{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}}

	var mu sync.Mutex
	inFlight, maxSeen := 0, 0
	started := make(chan struct{}, 4)
	release := make(chan struct{})

	runner := func(ctx context.Context, s Step) (bool, string) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		started <- struct{}{}
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return true, ""
	}

	ex := NewExecutor(p, runner, 2, nil)
	done := make(chan struct{})
	go func() {
		ex.Run(context.Background())
		close(done)
	}()

	<-started
	<-started
	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if maxSeen > 2 {
		t.Fatalf("expected at most 2 concurrent steps, saw %d", maxSeen)
	}
}

func TestResetForRetry_MarksDescendantsPending(t *testing.T) {
	p := Plan{Steps: []Step{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	}}
	statuses := map[string]Status{"a": StatusFailed, "b": StatusSkipped, "c": StatusSkipped}

	next := ResetForRetry(p, statuses, []string{"a"})
	if next["a"] != StatusPending || next["b"] != StatusPending || next["c"] != StatusPending {
		t.Fatalf("expected all reset to pending, got %v", next)
	}
}

func TestExecutorFromState_SkipsAlreadySucceeded(t *testing.T) {
	p := Plan{Steps: []Step{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}}

	var ranA bool
	runner := func(ctx context.Context, s Step) (bool, string) {
		if s.ID == "a" {
			ranA = true
		}
		return true, ""
	}

	ex := NewExecutorFromState(p, runner, 2, nil, map[string]Status{"a": StatusSucceeded})
	results, err := ex.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ranA {
		t.Fatal("expected already-succeeded step a not to re-run")
	}
	if results["b"].Status != StatusSucceeded {
		t.Fatalf("expected b to run and succeed, got %v", results["b"].Status)
	}
}
