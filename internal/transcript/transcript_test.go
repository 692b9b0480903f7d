package transcript

import (
	"testing"
)

func TestAppendAssistant_IdempotentReappend(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	key := "agent:default:telegram:direct:1"

	ok, err := st.AppendAssistant(key, "/tmp/cwd", "run-1", "hello there")
	if err != nil || !ok {
		t.Fatalf("expected first append to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = st.AppendAssistant(key, "/tmp/cwd", "run-1", "hello there")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected re-append with same idempotency key to be a no-op")
	}

	entries, err := st.History(key, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one persisted entry, got %d", len(entries))
	}
}

func TestAppendAbort_DoubleAbortIsNoop(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	key := "agent:default:web:direct:u1"

	ok, err := st.AppendAbort(key, "/tmp", "r1", "Partial from run abort", "rpc")
	if err != nil || !ok {
		t.Fatalf("expected abort append to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = st.AppendAbort(key, "/tmp", "r1", "Partial from run abort", "rpc")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected second abort call to be a no-op")
	}

	entries, _ := st.History(key, 0)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one abort record, got %d", len(entries))
	}
	meta, ok := entries[0].Metadata["openclawAbort"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected openclawAbort metadata, got %#v", entries[0].Metadata)
	}
	if meta["origin"] != "rpc" {
		t.Fatalf("expected origin=rpc, got %v", meta["origin"])
	}
}

func TestAppend_ParentChain(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	key := "agent:default:web:direct:u2"

	ok1, err := st.Append(key, "/tmp", Entry{Role: "user", Content: "hi"})
	if err != nil || !ok1 {
		t.Fatal(err)
	}
	entries, _ := st.History(key, 0)
	first := entries[0]
	if first.ParentID != "" {
		t.Fatalf("expected first entry to have no parent, got %q", first.ParentID)
	}

	ok2, err := st.Append(key, "/tmp", Entry{Role: "assistant", Content: "hello"})
	if err != nil || !ok2 {
		t.Fatal(err)
	}
	entries, _ = st.History(key, 0)
	second := entries[1]
	if second.ParentID != first.ID {
		t.Fatalf("expected second entry's parent to be first's id, got parent=%q first=%q", second.ParentID, first.ID)
	}
}

func TestHistory_RespectsLimit(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	key := "agent:default:web:direct:u3"

	for i := 0; i < 5; i++ {
		if _, err := st.Append(key, "/tmp", Entry{Role: "user", Content: "msg"}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := st.History(key, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}
