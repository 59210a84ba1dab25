package vm

import (
	"errors"
	"strings"
	"testing"
)

// callExt invokes an "owner.method" name through the machine.
func callExt(t *testing.T, mach *Machine, name string, args ...Value) (Value, error) {
	t.Helper()
	decl, ok := mach.Module.ProcessByName(strings.SplitN(name, ".", 2)[0])
	if !ok {
		t.Fatalf("no process declaration for %s", name)
	}
	method := strings.SplitN(name, ".", 2)[1]
	return mach.ext.call(mach, decl, method, args)
}

func memoryModule() *Module {
	m := testModule()
	m.Processes = []ProcessDecl{{Name: "notes", Kind: StageMemory}}
	return m
}

func TestMemoryAppendAndRecent(t *testing.T) {
	mach := NewMachine(memoryModule())
	inst, err := callExt(t, mach, "notes.new")
	if err != nil {
		t.Fatal(err)
	}

	for i := int64(1); i <= 5; i++ {
		if _, err := callExt(t, mach, "notes.append", inst, FromInt(i)); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := callExt(t, mach, "notes.recent", inst, FromInt(3))
	if err != nil {
		t.Fatal(err)
	}
	items := recent.List().Items
	if len(items) != 3 {
		t.Fatalf("recent(3) returned %d items", len(items))
	}
	// Most recent last, matching append order.
	for i, want := range []int64{3, 4, 5} {
		if items[i].Int() != want {
			t.Errorf("recent(3)[%d] = %s, want %d", i, items[i], want)
		}
	}

	// Asking for more than stored returns everything.
	all, err := callExt(t, mach, "notes.recent", inst, FromInt(99))
	if err != nil {
		t.Fatal(err)
	}
	if len(all.List().Items) != 5 {
		t.Errorf("recent(99) returned %d items, want 5", len(all.List().Items))
	}
}

func TestMemoryInstanceIsolation(t *testing.T) {
	mach := NewMachine(memoryModule())
	a, _ := callExt(t, mach, "notes.new")
	b, _ := callExt(t, mach, "notes.new")

	if _, err := callExt(t, mach, "notes.append", a, FromString("only in a")); err != nil {
		t.Fatal(err)
	}
	if _, err := callExt(t, mach, "notes.remember", a, FromString("k"), FromInt(1)); err != nil {
		t.Fatal(err)
	}

	bRecent, err := callExt(t, mach, "notes.recent", b, FromInt(10))
	if err != nil {
		t.Fatal(err)
	}
	if len(bRecent.List().Items) != 0 {
		t.Error("append to one instance is visible in another")
	}
	bVal, err := callExt(t, mach, "notes.recall", b, FromString("k"))
	if err != nil {
		t.Fatal(err)
	}
	if !bVal.IsNull() {
		t.Error("remember in one instance is visible in another")
	}
}

func TestMemoryQuery(t *testing.T) {
	mach := NewMachine(memoryModule())
	inst, _ := callExt(t, mach, "notes.new")
	for _, s := range []string{"plan the launch", "buy milk", "launch day"} {
		callExt(t, mach, "notes.append", inst, FromString(s))
	}

	hits, err := callExt(t, mach, "notes.query", inst, FromString("launch"))
	if err != nil {
		t.Fatal(err)
	}
	items := hits.List().Items
	if len(items) != 2 {
		t.Fatalf("query matched %d entries, want 2", len(items))
	}
	// Matches come back in insertion order.
	if items[0].Str() != "plan the launch" || items[1].Str() != "launch day" {
		t.Errorf("query hits = %s, %s", items[0], items[1])
	}
}

func TestMemoryRememberRecallForget(t *testing.T) {
	mach := NewMachine(memoryModule())
	inst, _ := callExt(t, mach, "notes.new")

	callExt(t, mach, "notes.remember", inst, FromString("goal"), FromString("ship"))
	v, err := callExt(t, mach, "notes.recall", inst, FromString("goal"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Str() != "ship" {
		t.Errorf("recall = %s", v)
	}

	gone, _ := callExt(t, mach, "notes.forget", inst, FromString("goal"))
	if !gone.Bool() {
		t.Error("forget of existing key = false")
	}
	v, _ = callExt(t, mach, "notes.recall", inst, FromString("goal"))
	if !v.IsNull() {
		t.Error("recall after forget should be null")
	}
}

func machineModule() *Module {
	m := testModule(
		Cell{
			// even(state, event) -> true  (permissive guard)
			Name: "always", NumParams: 2, NumRegs: 3,
			Code: []Instruction{
				ABC(OpLoadBool, 2, 1, 0),
				ABC(OpReturn, 2, 0, 0),
			},
		},
		Cell{
			// never(state, event) -> false
			Name: "never", NumParams: 2, NumRegs: 3,
			Code: []Instruction{
				ABC(OpLoadBool, 2, 0, 0),
				ABC(OpReturn, 2, 0, 0),
			},
		},
	)
	m.Processes = []ProcessDecl{{
		Name: "order",
		Kind: StageMachine,
		Graph: &MachineGraph{
			Initial:  "draft",
			Terminal: []string{"shipped"},
			Transitions: []Transition{
				{From: "draft", Event: "submit", To: "review"},
				{From: "review", Event: "approve", To: "shipped", Guard: "always"},
				{From: "review", Event: "reject", To: "draft", Guard: "never"},
			},
		},
	}}
	return m
}

func TestMachineStepAndTerminal(t *testing.T) {
	mach := NewMachine(machineModule())
	inst, err := callExt(t, mach, "order.new")
	if err != nil {
		t.Fatal(err)
	}

	cur, _ := callExt(t, mach, "order.current", inst)
	if cur.Str() != "draft" {
		t.Errorf("initial state = %s", cur)
	}

	next, err := callExt(t, mach, "order.step", inst, FromString("submit"))
	if err != nil {
		t.Fatal(err)
	}
	if next.Str() != "review" {
		t.Errorf("after submit = %s", next)
	}

	next, err = callExt(t, mach, "order.step", inst, FromString("approve"))
	if err != nil {
		t.Fatal(err)
	}
	if next.Str() != "shipped" {
		t.Errorf("after approve = %s", next)
	}

	term, _ := callExt(t, mach, "order.is_terminal", inst)
	if !term.Bool() {
		t.Error("shipped should be terminal")
	}

	// Stepping a terminal machine fails.
	_, err = callExt(t, mach, "order.step", inst, FromString("submit"))
	var re *RuntimeError
	if !errors.As(err, &re) || re.Code != ErrGuard {
		t.Errorf("step past terminal = %v, want %s", err, ErrGuard)
	}
}

func TestMachineGuardBlocksTransition(t *testing.T) {
	mach := NewMachine(machineModule())
	inst, _ := callExt(t, mach, "order.new")
	callExt(t, mach, "order.step", inst, FromString("submit"))

	// reject's guard always refuses, so no transition matches.
	_, err := callExt(t, mach, "order.step", inst, FromString("reject"))
	var re *RuntimeError
	if !errors.As(err, &re) || re.Code != ErrGuard {
		t.Fatalf("guarded step = %v, want %s", err, ErrGuard)
	}
	cur, _ := callExt(t, mach, "order.current", inst)
	if cur.Str() != "review" {
		t.Errorf("state after refused step = %s, want review", cur)
	}
}

func TestMachineResumeFrom(t *testing.T) {
	mach := NewMachine(machineModule())
	inst, _ := callExt(t, mach, "order.new")

	if _, err := callExt(t, mach, "order.resume_from", inst, FromString("review")); err != nil {
		t.Fatal(err)
	}
	cur, _ := callExt(t, mach, "order.current", inst)
	if cur.Str() != "review" {
		t.Errorf("resumed state = %s", cur)
	}

	_, err := callExt(t, mach, "order.resume_from", inst, FromString("nowhere"))
	var re *RuntimeError
	if !errors.As(err, &re) || re.Code != ErrGuard {
		t.Errorf("resume to unknown state = %v, want %s", err, ErrGuard)
	}
}

func pipelineModule() *Module {
	m := testModule(
		Cell{
			// inc(x) = x + 1
			Name: "inc", NumParams: 1, NumRegs: 2,
			Code: []Instruction{
				ASBx(OpLoadInt, 1, 1),
				ABC(OpAdd, 0, 0, 1),
				ABC(OpReturn, 0, 0, 0),
			},
		},
		Cell{
			// fail(x) = halt
			Name: "fail", NumParams: 1, NumRegs: 2,
			Consts: []Const{strConst("stage exploded")},
			Code: []Instruction{
				ABx(OpLoadConst, 1, 0),
				ABC(OpHalt, 1, 0, 0),
			},
		},
	)
	m.Processes = []ProcessDecl{
		{Name: "good", Kind: StagePipeline, Stages: []string{"inc", "inc", "inc"}},
		{Name: "bad", Kind: StagePipeline, Stages: []string{"inc", "fail", "inc"}},
	}
	return m
}

func TestPipelineRunsStagesInOrder(t *testing.T) {
	mach := NewMachine(pipelineModule())
	v, err := callExt(t, mach, "good.run", FromInt(0))
	if err != nil {
		t.Fatal(err)
	}
	if v.Int() != 3 {
		t.Errorf("pipeline(0) = %s, want 3", v)
	}
}

func TestPipelineHaltsAtFailingStage(t *testing.T) {
	mach := NewMachine(pipelineModule())
	_, err := callExt(t, mach, "bad.run", FromInt(0))
	var re *RuntimeError
	if !errors.As(err, &re) || re.Code != ErrGuard {
		t.Fatalf("failing pipeline = %v, want %s", err, ErrGuard)
	}
	// The error names the position and stage that halted the pipeline.
	if !strings.Contains(re.Message, "stage 2") || !strings.Contains(re.Message, "fail") {
		t.Errorf("pipeline error = %q, want stage 2 (fail)", re.Message)
	}
}

func TestOrchestrationFansOut(t *testing.T) {
	m := testModule(
		Cell{
			Name: "twice", NumParams: 1, NumRegs: 2,
			Code: []Instruction{
				ASBx(OpLoadInt, 1, 2),
				ABC(OpMul, 0, 0, 1),
				ABC(OpReturn, 0, 0, 0),
			},
		},
		Cell{
			Name: "thrice", NumParams: 1, NumRegs: 2,
			Code: []Instruction{
				ASBx(OpLoadInt, 1, 3),
				ABC(OpMul, 0, 0, 1),
				ABC(OpReturn, 0, 0, 0),
			},
		},
	)
	m.Processes = []ProcessDecl{
		{Name: "fan", Kind: StageOrchestration, Stages: []string{"twice", "thrice"}},
	}
	mach := NewMachine(m)

	futs, err := callExt(t, mach, "fan.run", FromInt(10))
	if err != nil {
		t.Fatal(err)
	}
	items := futs.List().Items
	if len(items) != 2 {
		t.Fatalf("fan.run returned %d futures", len(items))
	}
	// Inline mode completes futures eagerly.
	want := []int64{20, 30}
	for i, f := range items {
		v, ferr, done := f.Future().Poll()
		if !done || ferr != nil {
			t.Fatalf("future %d not complete: %v", i, ferr)
		}
		if v.Int() != want[i] {
			t.Errorf("stage %d = %s, want %d", i, v, want[i])
		}
	}
}

func TestGuardrailChecks(t *testing.T) {
	m := testModule(
		Cell{
			// nonempty(s) = len(s) > 0
			Name: "nonempty", NumParams: 1, NumRegs: 4,
			Code: []Instruction{
				ABC(OpMove, 2, 0, 0),
				ABC(OpIntrinsic, 1, uint8(IntrLen), 1),
				ASBx(OpLoadInt, 2, 0),
				ABC(OpLt, 3, 2, 1),
				ABC(OpReturn, 3, 0, 0),
			},
		},
	)
	m.Processes = []ProcessDecl{{
		Name:   "output",
		Kind:   StageGuardrail,
		Stages: []string{"nonempty"},
		Config: map[string]string{"max_len": "10", "deny": "secret"},
	}}
	mach := NewMachine(m)

	ok, err := callExt(t, mach, "output.check", FromString("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if ok.Str() != "hello" {
		t.Errorf("passing check returned %s", ok)
	}

	cases := []struct {
		name string
		v    Value
	}{
		{"too long", FromString("this is far too long")},
		{"denied word", FromString("a secret")},
		{"predicate reject", FromString("")},
	}
	for _, tc := range cases {
		_, err := callExt(t, mach, "output.check", tc.v)
		var re *RuntimeError
		if !errors.As(err, &re) || re.Code != ErrGuard {
			t.Errorf("%s: err = %v, want %s", tc.name, err, ErrGuard)
		}
	}
}

func TestGuardrailTypeSchema(t *testing.T) {
	m := testModule()
	m.Processes = []ProcessDecl{{
		Name:   "strings_only",
		Kind:   StageGuardrail,
		Config: map[string]string{"type": "String"},
	}}
	mach := NewMachine(m)

	if _, err := callExt(t, mach, "strings_only.check", FromString("fine")); err != nil {
		t.Fatal(err)
	}
	_, err := callExt(t, mach, "strings_only.check", FromInt(7))
	var re *RuntimeError
	if !errors.As(err, &re) || re.Code != ErrGuard {
		t.Errorf("Int against String schema = %v, want %s", err, ErrGuard)
	}
}

func TestStaleInstanceRejected(t *testing.T) {
	mach := NewMachine(memoryModule())
	_, err := callExt(t, mach, "notes.recent", FromInstance(999), FromInt(1))
	var re *RuntimeError
	if !errors.As(err, &re) || re.Code != ErrType {
		t.Errorf("stale instance err = %v, want %s", err, ErrType)
	}
}
