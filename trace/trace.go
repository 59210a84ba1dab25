// Package trace records the effect and scheduling activity of a run in a
// canonical, hashable form. Two runs of the same module with the same
// inputs under deterministic scheduling produce byte-identical traces,
// which makes replay divergence detectable by comparing a single hash.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/lumenlang/lumen/vm"
)

// EventKind tags what a trace event records.
type EventKind string

const (
	KindEffect EventKind = "effect"
	KindResume EventKind = "resume"
	KindTool   EventKind = "tool"
	KindSpawn  EventKind = "spawn"
	KindExit   EventKind = "exit"
)

// Event is one entry of a run trace. Fields are ordered and encoded
// canonically; wall-clock time is deliberately absent so identical runs
// hash identically.
type Event struct {
	Seq    uint64    `cbor:"1,keyasint"`
	Kind   EventKind `cbor:"2,keyasint"`
	Proc   uint64    `cbor:"3,keyasint"`
	Name   string    `cbor:"4,keyasint,omitempty"`
	Args   []any     `cbor:"5,keyasint,omitempty"`
	Result any       `cbor:"6,keyasint,omitempty"`
	Err    string    `cbor:"7,keyasint,omitempty"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Recorder accumulates trace events for one run. It implements
// vm.EffectTracer and is safe for concurrent use by scheduler workers;
// sequence numbers define the single total order of the trace.
type Recorder struct {
	RunID uuid.UUID

	mu     sync.Mutex
	seq    uint64
	events []Event
	procs  map[uint64]uint64
}

// NewRecorder starts an empty trace with a fresh run id.
func NewRecorder() *Recorder {
	return &Recorder{RunID: uuid.New(), procs: make(map[uint64]uint64)}
}

func (r *Recorder) append(ev Event) {
	r.mu.Lock()
	r.seq++
	ev.Seq = r.seq
	// Process ids come from a VM-global counter and differ from run to
	// run; the trace stores per-run indices in first-appearance order so
	// identical runs encode identically.
	idx, ok := r.procs[ev.Proc]
	if !ok {
		idx = uint64(len(r.procs)) + 1
		r.procs[ev.Proc] = idx
	}
	ev.Proc = idx
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// EffectPerformed records a perform before its handler runs.
func (r *Recorder) EffectPerformed(procID uint64, name string, args []vm.Value) {
	r.append(Event{Kind: KindEffect, Proc: procID, Name: name, Args: flatten(args)})
}

// EffectResumed records the value a continuation was resumed with.
func (r *Recorder) EffectResumed(procID uint64, name string, result vm.Value) {
	r.append(Event{Kind: KindResume, Proc: procID, Name: name, Result: Flatten(result)})
}

// ToolDispatched records one crossing of the tool boundary, success or
// failure.
func (r *Recorder) ToolDispatched(procID uint64, name string, args []vm.Value, result vm.Value, err error) {
	ev := Event{Kind: KindTool, Proc: procID, Name: name, Args: flatten(args)}
	if err != nil {
		ev.Err = err.Error()
	} else {
		ev.Result = Flatten(result)
	}
	r.append(ev)
}

// ProcSpawned records a new process entering the scheduler.
func (r *Recorder) ProcSpawned(procID uint64, name string) {
	r.append(Event{Kind: KindSpawn, Proc: procID, Name: name})
}

// ProcExited records a process leaving the scheduler.
func (r *Recorder) ProcExited(procID uint64, err error) {
	ev := Event{Kind: KindExit, Proc: procID}
	if err != nil {
		ev.Err = err.Error()
	}
	r.append(ev)
}

// Events returns a snapshot of the trace so far, in sequence order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Encode serializes the trace as canonical CBOR.
func (r *Recorder) Encode() ([]byte, error) {
	return encMode.Marshal(r.Events())
}

// Hash returns the hex sha-256 of the canonical encoding. Equal hashes
// mean equal traces.
func (r *Recorder) Hash() (string, error) {
	raw, err := r.Encode()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Decode parses a canonical trace encoding back into events.
func Decode(raw []byte) ([]Event, error) {
	var events []Event
	if err := cbor.Unmarshal(raw, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Flatten renders a runtime value as a plain tree of Go primitives so it
// encodes canonically without depending on vm internals.
func Flatten(v vm.Value) any {
	switch v.Kind() {
	case vm.KindNull:
		return nil
	case vm.KindBool:
		return v.Bool()
	case vm.KindInt:
		return v.Int()
	case vm.KindBigInt:
		return v.BigInt().String()
	case vm.KindFloat:
		return v.Float()
	case vm.KindString:
		return v.Str()
	case vm.KindList:
		return flatten(v.List().Items)
	case vm.KindTuple:
		return flatten(v.Tuple().Items)
	case vm.KindMap:
		m := v.Map()
		out := make(map[string]any, len(m.Keys))
		for i, k := range m.Keys {
			out[k.String()] = Flatten(m.Vals[i])
		}
		return out
	case vm.KindSet:
		return flatten(v.Set().Items)
	case vm.KindRecord:
		r := v.Record()
		out := make(map[string]any, len(r.Names)+1)
		out["$type"] = r.TypeName
		for i, n := range r.Names {
			out[n] = Flatten(r.Fields[i])
		}
		return out
	case vm.KindUnion:
		u := v.Union()
		return map[string]any{"$type": u.TypeName, "$variant": u.Variant, "value": Flatten(u.Payload)}
	default:
		// Handles and control values have no stable cross-run identity;
		// record only their type.
		return map[string]any{"$opaque": v.Kind().String()}
	}
}

func flatten(vs []vm.Value) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = Flatten(v)
	}
	return out
}
