package eventgraph

import (
	"testing"

	"requiem/internal/canon"
	"requiem/internal/cas"
)

func newStore(t *testing.T) *cas.Store {
	t.Helper()
	store, err := cas.New(t.TempDir())
	if err != nil {
		t.Fatalf("cas.New: %v", err)
	}
	return store
}

func putValue(t *testing.T, store *cas.Store, v map[string]interface{}) string {
	t.Helper()
	b, err := canon.Canonicalize(v)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	digest, err := store.Put(b, cas.EncodingIdentity)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	return digest
}

// buildLinkedChain stores three events (start, tool_call, tool_result)
// and an execution_root pointing at the last one, returning the root
// digest.
func buildLinkedChain(t *testing.T, store *cas.Store) string {
	t.Helper()
	startDigest := putValue(t, store, map[string]interface{}{
		"type": "start",
		"seq":  canon.IntNumber(1),
	})
	callDigest := putValue(t, store, map[string]interface{}{
		"type":         "tool_call",
		"seq":          canon.IntNumber(2),
		"parent_event": startDigest,
	})
	resultDigest := putValue(t, store, map[string]interface{}{
		"type":         "tool_result",
		"seq":          canon.IntNumber(3),
		"parent_event": callDigest,
		"state_after":  startDigest,
	})
	rootDigest := putValue(t, store, map[string]interface{}{
		"type":       "execution_root",
		"head_event": resultDigest,
	})
	return rootDigest
}

func TestLoadLinkedTimelineAscendingSeq(t *testing.T) {
	store := newStore(t)
	root := buildLinkedChain(t, store)

	g, err := Load(store, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	timeline := g.Timeline()
	if len(timeline) != 3 {
		t.Fatalf("len(timeline) = %d, want 3", len(timeline))
	}
	for i, ev := range timeline {
		if ev.Seq != int64(i+1) {
			t.Fatalf("timeline[%d].Seq = %d, want %d", i, ev.Seq, i+1)
		}
	}
	if timeline[0].Type != "start" || timeline[2].Type != "tool_result" {
		t.Fatalf("unexpected types: %+v", timeline)
	}
}

func TestSeekAndStepForwardBackward(t *testing.T) {
	store := newStore(t)
	root := buildLinkedChain(t, store)
	g, err := Load(store, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	snap := g.Seek(2)
	if !snap.Found || snap.Seq != 2 {
		t.Fatalf("Seek(2) = %+v", snap)
	}
	fwd := g.StepForward()
	if !fwd.Found || fwd.Seq != 3 {
		t.Fatalf("StepForward() = %+v, want seq 3", fwd)
	}
	back := g.StepBackward()
	if !back.Found || back.Seq != 2 {
		t.Fatalf("StepBackward() = %+v, want seq 2", back)
	}
}

func TestStepOverSkipsToolCall(t *testing.T) {
	store := newStore(t)
	root := buildLinkedChain(t, store)
	g, err := Load(store, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g.Seek(2) // tool_call
	over := g.StepOver()
	if !over.Found || over.Seq != 3 {
		t.Fatalf("StepOver() = %+v, want seq 3 (tool_result)", over)
	}
}

func TestStepOutFromToolCall(t *testing.T) {
	store := newStore(t)
	root := buildLinkedChain(t, store)
	g, err := Load(store, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g.Seek(2)
	out := g.StepOut()
	if !out.Found || out.Seq != 3 {
		t.Fatalf("StepOut() = %+v, want seq 3", out)
	}
}

func TestInspectMemoryWholeAndKeyed(t *testing.T) {
	store := newStore(t)
	stateDigest := putValue(t, store, map[string]interface{}{"balance": canon.IntNumber(42)})
	eventDigestVal := putValue(t, store, map[string]interface{}{
		"type":        "start",
		"seq":         canon.IntNumber(1),
		"state_after": stateDigest,
	})
	root := putValue(t, store, map[string]interface{}{
		"type":       "execution_root",
		"head_event": eventDigestVal,
	})

	g, err := Load(store, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g.Seek(1)

	whole, err := g.InspectMemory("")
	if err != nil {
		t.Fatalf("InspectMemory(\"\"): %v", err)
	}
	if _, ok := whole.([]byte); !ok {
		t.Fatalf("InspectMemory(\"\") = %T, want []byte", whole)
	}

	val, err := g.InspectMemory("balance")
	if err != nil {
		t.Fatalf("InspectMemory(balance): %v", err)
	}
	num, ok := val.(canon.Number)
	if !ok || num.Int64() != 42 {
		t.Fatalf("InspectMemory(balance) = %+v, want 42", val)
	}
}

func TestForkIsLinkedOnlyAndProducesNewRoot(t *testing.T) {
	store := newStore(t)
	root := buildLinkedChain(t, store)
	g, err := Load(store, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g.Seek(2)

	newRoot, err := g.Fork(map[string]interface{}{"injected": "value"})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if newRoot == root {
		t.Fatal("Fork produced the same root digest")
	}

	forked, err := Load(store, newRoot)
	if err != nil {
		t.Fatalf("Load forked root: %v", err)
	}
	timeline := forked.Timeline()
	last := timeline[len(timeline)-1]
	if last.Type != "fork" {
		t.Fatalf("last event type = %q, want fork", last.Type)
	}
	if last.Seq != 3 {
		t.Fatalf("fork seq = %d, want 3 (current+1)", last.Seq)
	}

	arrayRoot := putValue(t, store, map[string]interface{}{
		"type":         "result",
		"trace_events": []interface{}{map[string]interface{}{"type": "start", "seq": canon.IntNumber(1)}},
	})
	arrayGraph, err := Load(store, arrayRoot)
	if err != nil {
		t.Fatalf("Load array root: %v", err)
	}
	if _, err := arrayGraph.Fork(map[string]interface{}{}); err == nil {
		t.Fatal("expected Fork to fail in Array mode")
	}
}

func TestDiffStopsAtFirstDivergence(t *testing.T) {
	store := newStore(t)
	rootA := buildLinkedChain(t, store)

	// Build a second chain that shares seq 1-2 then diverges at seq 3.
	startDigest := putValue(t, store, map[string]interface{}{"type": "start", "seq": canon.IntNumber(1)})
	callDigest := putValue(t, store, map[string]interface{}{
		"type": "tool_call", "seq": canon.IntNumber(2), "parent_event": startDigest,
	})
	differentResult := putValue(t, store, map[string]interface{}{
		"type": "error", "seq": canon.IntNumber(3), "parent_event": callDigest,
	})
	rootB := putValue(t, store, map[string]interface{}{
		"type": "execution_root", "head_event": differentResult,
	})

	gA, err := Load(store, rootA)
	if err != nil {
		t.Fatalf("Load A: %v", err)
	}
	gB, err := Load(store, rootB)
	if err != nil {
		t.Fatalf("Load B: %v", err)
	}

	diff := gA.Diff(gB)
	if len(diff) != 1 || diff[0] != 3 {
		t.Fatalf("Diff = %+v, want [3]", diff)
	}
}

func TestDiffEmptyForIdenticalPrefix(t *testing.T) {
	store := newStore(t)
	root := buildLinkedChain(t, store)
	g1, err := Load(store, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g2, err := Load(store, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := g1.Diff(g2); diff != nil {
		t.Fatalf("Diff = %+v, want nil for identical timelines", diff)
	}
}

func TestLoadArrayMode(t *testing.T) {
	store := newStore(t)
	root := putValue(t, store, map[string]interface{}{
		"type": "result",
		"trace_events": []interface{}{
			map[string]interface{}{"type": "start", "seq": canon.IntNumber(1)},
			map[string]interface{}{"type": "end", "seq": canon.IntNumber(2)},
		},
	})
	g, err := Load(store, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if g.mode != ModeArray {
		t.Fatal("expected Array mode")
	}
	timeline := g.Timeline()
	if len(timeline) != 2 || timeline[0].Type != "start" || timeline[1].Type != "end" {
		t.Fatalf("unexpected array timeline: %+v", timeline)
	}
}
