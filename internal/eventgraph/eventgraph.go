// Package eventgraph reconstructs and walks an execution's trace as a
// timeline, in either of two CAS-native shapes: Linked mode (a chain of
// individually stored event objects reachable by following
// parent_event back from an execution_root's head_event) or Array mode
// (a flat trace_events list embedded in one result object).
//
// Modeled on internal/determinism for the canonical-hash discipline and
// internal/historical/drift_detector.go for the idea of a
// sequence-indexed timeline walk, generalized to a CAS-backed graph
// instead of an in-memory log.
package eventgraph

import (
	"requiem/internal/canon"
	"requiem/internal/cas"
	"requiem/internal/hashauthority"
	"requiem/internal/rerrors"
)

// Event is one entry in an execution's trace, as stored in CAS (Linked
// mode) or embedded inline (Array mode).
type Event struct {
	Type             string                 `json:"type"`
	Seq              int64                  `json:"seq"`
	ParentEvent      string                 `json:"parent_event,omitempty"`
	StateAfter       string                 `json:"state_after,omitempty"`
	StateBefore      string                 `json:"state_before,omitempty"`
	InjectionPayload map[string]interface{} `json:"injection_payload,omitempty"`
	Data             map[string]interface{} `json:"data,omitempty"`
}

// ExecutionRoot anchors a Linked-mode chain.
type ExecutionRoot struct {
	Type       string `json:"type"`
	HeadEvent  string `json:"head_event"`
	ForkedFrom string `json:"forked_from,omitempty"`
}

// Mode distinguishes the two CAS representations an execution root
// may take.
type Mode int

const (
	ModeLinked Mode = iota
	ModeArray
)

// entry pairs an Event with the digest it is (or would be) addressed
// by, so Diff and Fork can compare/reference individual events even in
// Array mode, where entries have no independent CAS key of their own.
type entry struct {
	digest string
	event  Event
}

// Graph is a loaded, timeline-ordered view of one execution's trace.
type Graph struct {
	store      *cas.Store
	mode       Mode
	rootDigest string
	entries    []entry // ascending by Seq
	pos        int
}

// Load fetches rootDigest from store and determines its mode by
// inspecting the object's shape: presence of head_event means Linked,
// presence of trace_events means Array.
func Load(store *cas.Store, rootDigest string) (*Graph, error) {
	raw, err := store.Get(rootDigest)
	if err != nil {
		return nil, rerrors.Wrapf(err, rerrors.CodeReplayFailed, "eventgraph: fetch root %s", rootDigest)
	}
	parsed, err := canon.Parse(raw)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeJSONParseError, "eventgraph: parse root object")
	}
	obj, ok := parsed.(map[string]interface{})
	if !ok {
		return nil, rerrors.New(rerrors.CodeJSONParseError, "eventgraph: root object is not a JSON object")
	}

	if _, hasHead := obj["head_event"]; hasHead {
		return loadLinked(store, rootDigest, obj)
	}
	if _, hasArray := obj["trace_events"]; hasArray {
		return loadArray(store, rootDigest, obj)
	}
	return nil, rerrors.New(rerrors.CodeReplayFailed, "eventgraph: root object has neither head_event nor trace_events")
}

func loadLinked(store *cas.Store, rootDigest string, obj map[string]interface{}) (*Graph, error) {
	head, _ := obj["head_event"].(string)

	var chain []entry
	digest := head
	for digest != "" {
		raw, err := store.Get(digest)
		if err != nil {
			return nil, rerrors.Wrapf(err, rerrors.CodeReplayFailed, "eventgraph: fetch event %s", digest)
		}
		ev, err := decodeEvent(raw)
		if err != nil {
			return nil, err
		}
		chain = append(chain, entry{digest: digest, event: ev})
		digest = ev.ParentEvent
	}
	// chain is newest-first (head, then its parent, ...); reverse to
	// ascending seq order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	return &Graph{store: store, mode: ModeLinked, rootDigest: rootDigest, entries: chain}, nil
}

func loadArray(store *cas.Store, rootDigest string, obj map[string]interface{}) (*Graph, error) {
	raw, _ := obj["trace_events"].([]interface{})
	entries := make([]entry, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		ev := eventFromValue(m)
		canonicalJSON, err := canon.Canonicalize(m)
		if err != nil {
			return nil, err
		}
		digest, err := eventDigest(canonicalJSON)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{digest: digest, event: ev})
	}
	return &Graph{store: store, mode: ModeArray, rootDigest: rootDigest, entries: entries}, nil
}

// Timeline returns the ordered sequence of events, earliest seq first.
func (g *Graph) Timeline() []Event {
	out := make([]Event, len(g.entries))
	for i, e := range g.entries {
		out[i] = e.event
	}
	return out
}

// StateSnapshot is what Seek returns for one position in the timeline.
type StateSnapshot struct {
	StateDigest        string
	Seq                int64
	ActivePolicies     []string
	ConsumptionMetrics map[string]interface{}
	Found              bool
}

// Seek returns the snapshot for the event with the given seq, or a
// zero-value StateSnapshot with Found=false if no such event exists.
func (g *Graph) Seek(seq int64) StateSnapshot {
	idx := g.indexOfSeq(seq)
	if idx < 0 {
		return StateSnapshot{}
	}
	g.pos = idx
	return g.snapshotAt(idx)
}

func (g *Graph) snapshotAt(idx int) StateSnapshot {
	ev := g.entries[idx].event
	snap := StateSnapshot{StateDigest: ev.StateAfter, Seq: ev.Seq, Found: true}
	if ev.Data != nil {
		if raw, ok := ev.Data["active_policies"].([]interface{}); ok {
			for _, p := range raw {
				if s, ok := p.(string); ok {
					snap.ActivePolicies = append(snap.ActivePolicies, s)
				}
			}
		}
		if metrics, ok := ev.Data["consumption_metrics"].(map[string]interface{}); ok {
			snap.ConsumptionMetrics = metrics
		}
	}
	return snap
}

func (g *Graph) indexOfSeq(seq int64) int {
	for i, e := range g.entries {
		if e.event.Seq == seq {
			return i
		}
	}
	return -1
}

// StepForward seeks to the event one seq after the current position.
func (g *Graph) StepForward() StateSnapshot {
	if g.pos+1 >= len(g.entries) {
		return StateSnapshot{}
	}
	return g.Seek(g.entries[g.pos+1].event.Seq)
}

// StepBackward seeks to the event one seq before the current position.
func (g *Graph) StepBackward() StateSnapshot {
	if g.pos-1 < 0 {
		return StateSnapshot{}
	}
	return g.Seek(g.entries[g.pos-1].event.Seq)
}

// StepInto behaves like StepForward: there is no call-depth distinction
// in a flat trace sequence.
func (g *Graph) StepInto() StateSnapshot {
	return g.StepForward()
}

// StepOver seeks past a tool_call to its matching tool_result; for any
// other current event type it behaves like StepForward.
func (g *Graph) StepOver() StateSnapshot {
	if g.currentType() == "tool_call" {
		return g.seekNextType("tool_result")
	}
	return g.StepForward()
}

// StepOut seeks out of the current call/process frame: tool_call to
// its tool_result, process_start to its process_end, anything else to
// the next terminal event (result, error, end).
func (g *Graph) StepOut() StateSnapshot {
	switch g.currentType() {
	case "tool_call":
		return g.seekNextType("tool_result")
	case "process_start":
		return g.seekNextType("process_end")
	default:
		return g.seekNextAnyType("result", "error", "end")
	}
}

func (g *Graph) currentType() string {
	if g.pos < 0 || g.pos >= len(g.entries) {
		return ""
	}
	return g.entries[g.pos].event.Type
}

func (g *Graph) seekNextType(t string) StateSnapshot {
	return g.seekNextAnyType(t)
}

func (g *Graph) seekNextAnyType(types ...string) StateSnapshot {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	for i := g.pos + 1; i < len(g.entries); i++ {
		if _, ok := set[g.entries[i].event.Type]; ok {
			return g.Seek(g.entries[i].event.Seq)
		}
	}
	return StateSnapshot{}
}

// InspectMemory looks up key inside the state object at the current
// position. An empty key returns the whole state object as raw []byte;
// a non-empty key returns the parsed value stored under that key (nil
// if absent).
func (g *Graph) InspectMemory(key string) (interface{}, error) {
	if g.pos < 0 || g.pos >= len(g.entries) {
		return nil, rerrors.New(rerrors.CodeMissingInput, "eventgraph: no current position to inspect")
	}
	stateDigest := g.entries[g.pos].event.StateAfter
	if stateDigest == "" {
		return nil, rerrors.New(rerrors.CodeMissingInput, "eventgraph: current event has no state_after")
	}
	raw, err := g.store.Get(stateDigest)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeReplayFailed, "eventgraph: fetch state object")
	}
	if key == "" {
		return raw, nil
	}
	parsed, err := canon.Parse(raw)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeJSONParseError, "eventgraph: parse state object")
	}
	obj, ok := parsed.(map[string]interface{})
	if !ok {
		return nil, rerrors.New(rerrors.CodeJSONParseError, "eventgraph: state object is not a JSON object")
	}
	return obj[key], nil
}

// Fork constructs a new fork event and a new execution_root pointing at
// it, writes both to CAS, and returns the new root's digest. Only valid
// in Linked mode: Array-mode traces have no independently addressable
// events to branch from. No state bytes are copied (GRAPH-3): the fork
// event merely records state_before, reusing the existing state
// object's digest.
func (g *Graph) Fork(payload map[string]interface{}) (string, error) {
	if g.mode != ModeLinked {
		return "", rerrors.New(rerrors.CodeReplayFailed, "eventgraph: fork requires Linked mode")
	}
	if g.pos < 0 || g.pos >= len(g.entries) {
		return "", rerrors.New(rerrors.CodeMissingInput, "eventgraph: no current position to fork from")
	}
	current := g.entries[g.pos]

	forkEvent := Event{
		Type:             "fork",
		Seq:              current.event.Seq + 1,
		ParentEvent:      current.digest,
		StateBefore:      current.event.StateAfter,
		InjectionPayload: payload,
	}
	forkDigest, err := putEvent(g.store, forkEvent)
	if err != nil {
		return "", err
	}

	newRoot := ExecutionRoot{Type: "execution_root", HeadEvent: forkDigest, ForkedFrom: g.rootDigest}
	rootValue := map[string]interface{}{
		"type":        newRoot.Type,
		"head_event":  newRoot.HeadEvent,
		"forked_from": newRoot.ForkedFrom,
	}
	canonicalJSON, err := canon.Canonicalize(rootValue)
	if err != nil {
		return "", err
	}
	return g.store.Put(canonicalJSON, cas.EncodingIdentity)
}

// Diff walks this graph and other in timeline order and returns the
// seq at which their event digests first disagree, as a one-element
// slice — nil if one is a
// prefix of the other up to the shorter length (GRAPH-4: it stops at
// the first divergence rather than reporting every later difference).
func (g *Graph) Diff(other *Graph) []int64 {
	n := len(g.entries)
	if len(other.entries) < n {
		n = len(other.entries)
	}
	for i := 0; i < n; i++ {
		if g.entries[i].digest != other.entries[i].digest {
			return []int64{g.entries[i].event.Seq}
		}
	}
	return nil
}

func eventFromValue(m map[string]interface{}) Event {
	ev := Event{}
	if t, ok := m["type"].(string); ok {
		ev.Type = t
	}
	if s, ok := m["seq"].(canon.Number); ok {
		ev.Seq = s.Int64()
	}
	if p, ok := m["parent_event"].(string); ok {
		ev.ParentEvent = p
	}
	if sa, ok := m["state_after"].(string); ok {
		ev.StateAfter = sa
	}
	if sb, ok := m["state_before"].(string); ok {
		ev.StateBefore = sb
	}
	if d, ok := m["data"].(map[string]interface{}); ok {
		ev.Data = d
	}
	if ip, ok := m["injection_payload"].(map[string]interface{}); ok {
		ev.InjectionPayload = ip
	}
	return ev
}

func decodeEvent(raw []byte) (Event, error) {
	parsed, err := canon.Parse(raw)
	if err != nil {
		return Event{}, rerrors.Wrap(err, rerrors.CodeJSONParseError, "eventgraph: parse event object")
	}
	obj, ok := parsed.(map[string]interface{})
	if !ok {
		return Event{}, rerrors.New(rerrors.CodeJSONParseError, "eventgraph: event object is not a JSON object")
	}
	return eventFromValue(obj), nil
}

func putEvent(store *cas.Store, ev Event) (string, error) {
	value := map[string]interface{}{
		"type": ev.Type,
		"seq":  canon.IntNumber(ev.Seq),
	}
	if ev.ParentEvent != "" {
		value["parent_event"] = ev.ParentEvent
	}
	if ev.StateAfter != "" {
		value["state_after"] = ev.StateAfter
	}
	if ev.StateBefore != "" {
		value["state_before"] = ev.StateBefore
	}
	if ev.Data != nil {
		value["data"] = ev.Data
	}
	if ev.InjectionPayload != nil {
		value["injection_payload"] = ev.InjectionPayload
	}
	canonicalJSON, err := canon.Canonicalize(value)
	if err != nil {
		return "", err
	}
	return store.Put(canonicalJSON, cas.EncodingIdentity)
}

// eventDigest computes an Array-mode entry's identity digest the same
// way CAS would key it, so Diff has something comparable even though
// the entry was never independently stored.
func eventDigest(canonicalJSON []byte) (string, error) {
	return hashauthority.HashCAS(canonicalJSON)
}
