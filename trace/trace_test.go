package trace

import (
	"testing"

	"github.com/lumenlang/lumen/sched"
	"github.com/lumenlang/lumen/vm"
)

func TestHashEqualForIdenticalSequences(t *testing.T) {
	record := func() *Recorder {
		r := NewRecorder()
		r.ProcSpawned(100, "main")
		r.EffectPerformed(100, "io.read", []vm.Value{vm.FromString("stdin")})
		r.EffectResumed(100, "io.read", vm.FromString("line"))
		r.ProcExited(100, nil)
		return r
	}
	a, err := record().Hash()
	if err != nil {
		t.Fatal(err)
	}
	b, err := record().Hash()
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("identical sequences hash differently: %s vs %s", a, b)
	}
}

func TestHashIgnoresRawProcIDs(t *testing.T) {
	// The same activity under different VM-global process ids must
	// produce the same trace.
	a := NewRecorder()
	a.ProcSpawned(7, "main")
	a.ProcExited(7, nil)
	b := NewRecorder()
	b.ProcSpawned(9001, "main")
	b.ProcExited(9001, nil)

	ha, _ := a.Hash()
	hb, _ := b.Hash()
	if ha != hb {
		t.Error("raw process ids leaked into the hash")
	}
}

func TestHashDistinguishesDivergence(t *testing.T) {
	a := NewRecorder()
	a.EffectPerformed(1, "math.double", []vm.Value{vm.FromInt(2)})
	b := NewRecorder()
	b.EffectPerformed(1, "math.double", []vm.Value{vm.FromInt(3)})

	ha, _ := a.Hash()
	hb, _ := b.Hash()
	if ha == hb {
		t.Error("diverging traces hash identically")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := NewRecorder()
	r.ProcSpawned(1, "main")
	r.ToolDispatched(1, "http.get", []vm.Value{vm.FromString("u")}, vm.FromInt(200), nil)
	r.ProcExited(1, nil)

	raw, err := r.Encode()
	if err != nil {
		t.Fatal(err)
	}
	events, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("decoded %d events, want 3", len(events))
	}
	if events[1].Kind != KindTool || events[1].Name != "http.get" {
		t.Errorf("event 1 = %+v", events[1])
	}
	// Positive integers decode as uint64 under the default options.
	if events[1].Result != uint64(200) {
		t.Errorf("tool result = %v (%T)", events[1].Result, events[1].Result)
	}
}

func TestFlattenShapes(t *testing.T) {
	list := vm.NewList([]vm.Value{vm.FromInt(1), vm.FromString("x"), vm.Null})
	got := Flatten(list)
	items, ok := got.([]any)
	if !ok || len(items) != 3 {
		t.Fatalf("list flattened to %v", got)
	}
	if items[0] != int64(1) || items[1] != "x" || items[2] != nil {
		t.Errorf("list items = %v", items)
	}

	rec := vm.NewRecord("Point", []string{"x", "y"}, []vm.Value{vm.FromInt(3), vm.FromInt(4)})
	m, ok := Flatten(rec).(map[string]any)
	if !ok {
		t.Fatalf("record flattened to %T", Flatten(rec))
	}
	if m["$type"] != "Point" || m["x"] != int64(3) || m["y"] != int64(4) {
		t.Errorf("record = %v", m)
	}

	fut := vm.FromFuture(vm.NewFuture())
	o, ok := Flatten(fut).(map[string]any)
	if !ok || o["$opaque"] == nil {
		t.Errorf("handle flattened to %v, want opaque marker", Flatten(fut))
	}
}

// replayModule spawns two workers and awaits both, generating spawn,
// exit, and effect events on every run.
func replayModule() *vm.Module {
	double := vm.Cell{
		Name: "double", NumParams: 1, NumRegs: 2,
		Code: []vm.Instruction{
			vm.ASBx(vm.OpLoadInt, 1, 2),
			vm.ABC(vm.OpMul, 0, 0, 1),
			vm.ABC(vm.OpReturn, 0, 0, 0),
		},
	}
	main := vm.Cell{
		Name: "main", NumRegs: 8,
		Consts: []vm.Const{{Tag: vm.KindString, Str: "double"}},
		Code: []vm.Instruction{
			vm.ABx(vm.OpLoadConst, 1, 0),
			vm.ASBx(vm.OpLoadInt, 2, 3),
			vm.ABC(vm.OpSpawn, 3, 1, 1),
			vm.ABx(vm.OpLoadConst, 4, 0),
			vm.ASBx(vm.OpLoadInt, 5, 4),
			vm.ABC(vm.OpSpawn, 6, 4, 1),
			vm.ABC(vm.OpAwait, 3, 3, 0),
			vm.ABC(vm.OpAwait, 6, 6, 0),
			vm.ABC(vm.OpAdd, 7, 3, 6),
			vm.ABC(vm.OpReturn, 7, 0, 0),
		},
	}
	m := &vm.Module{Version: "test", Cells: []vm.Cell{double, main}}
	m.Index()
	return m
}

func TestDeterministicRunsHashIdentically(t *testing.T) {
	run := func() string {
		t.Helper()
		rec := NewRecorder()
		mach := vm.NewMachine(replayModule())
		mach.Tracer = rec
		s := sched.New(mach, sched.Config{Deterministic: true})
		s.Tracer = rec
		s.Start()
		defer s.Stop()

		v, err := s.RunMain("main", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if v.Int() != 14 {
			t.Fatalf("main() = %s, want 14", v)
		}
		h, err := rec.Hash()
		if err != nil {
			t.Fatal(err)
		}
		return h
	}

	first := run()
	second := run()
	if first != second {
		t.Errorf("deterministic runs diverged:\n  %s\n  %s", first, second)
	}
	if run() != first {
		t.Error("third run diverged")
	}
}
