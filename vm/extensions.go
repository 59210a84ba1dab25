package vm

import (
	"strconv"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Machine graphs
// ---------------------------------------------------------------------------

// Transition is one edge of a machine state graph. Guard, when set,
// names a cell invoked as (state, event); a falsy result skips the edge.
type Transition struct {
	From  string
	Event string
	To    string
	Guard string
}

// MachineGraph is the static state graph of a machine-kind process
// declaration.
type MachineGraph struct {
	Initial     string
	Terminal    []string
	Transitions []Transition
}

func (g *MachineGraph) isTerminal(state string) bool {
	for _, t := range g.Terminal {
		if t == state {
			return true
		}
	}
	return false
}

func (g *MachineGraph) hasState(state string) bool {
	if state == g.Initial || g.isTerminal(state) {
		return true
	}
	for _, t := range g.Transitions {
		if t.From == state || t.To == state {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Extension instances
// ---------------------------------------------------------------------------

// memState backs one memory instance: an append-only log plus a keyed
// store. Instances are isolated; writes to one never show in another.
type memState struct {
	log  []Value
	keys []string
	vals []Value
}

func (m *memState) find(key string) int {
	for i, k := range m.keys {
		if k == key {
			return i
		}
	}
	return -1
}

type extInstance struct {
	decl  *ProcessDecl
	mem   *memState
	state string // machine-kind current state
}

// extensionState holds every live extension instance of one Machine.
// Workers share it, so reads and writes go through the mutex; stage and
// guard cells run outside the lock since they re-enter the interpreter.
type extensionState struct {
	mu     sync.Mutex
	nextID uint64
	live   map[uint64]*extInstance
}

func newExtensionState(m *Module) *extensionState {
	return &extensionState{live: make(map[uint64]*extInstance)}
}

func (es *extensionState) create(decl *ProcessDecl) (uint64, *extInstance) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.nextID++
	inst := &extInstance{decl: decl}
	switch decl.Kind {
	case StageMemory:
		inst.mem = &memState{}
	case StageMachine:
		if decl.Graph == nil {
			panic(corrupt("machine declaration without graph: " + decl.Name))
		}
		inst.state = decl.Graph.Initial
	}
	es.live[es.nextID] = inst
	return es.nextID, inst
}

func (es *extensionState) lookup(decl *ProcessDecl, v Value) (*extInstance, error) {
	if v.Kind() != KindInstance {
		return nil, runtimeErr(ErrType, "%s method needs an instance, got %s", decl.Name, v.TypeName())
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	inst, ok := es.live[v.Handle()]
	if !ok || inst.decl != decl {
		return nil, runtimeErr(ErrType, "stale %s instance", decl.Name)
	}
	return inst, nil
}

// call dispatches "owner.method" invocations to the declared extension.
func (es *extensionState) call(mach *Machine, decl *ProcessDecl, method string, args []Value) (Value, error) {
	if method == "new" {
		id, _ := es.create(decl)
		return FromInstance(id), nil
	}
	switch decl.Kind {
	case StageMemory:
		return es.memoryCall(decl, method, args)
	case StageMachine:
		return es.machineCall(mach, decl, method, args)
	case StagePipeline:
		return es.pipelineCall(mach, decl, method, args)
	case StageOrchestration:
		return es.orchestrationCall(mach, decl, method, args)
	case StageGuardrail:
		return es.guardrailCall(mach, decl, method, args)
	default:
		panic(corrupt("process declaration " + decl.Name + " has kind " + string(decl.Kind)))
	}
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

func (es *extensionState) memoryCall(decl *ProcessDecl, method string, args []Value) (Value, error) {
	if len(args) == 0 {
		return Null, runtimeErr(ErrType, "%s.%s needs an instance", decl.Name, method)
	}
	inst, err := es.lookup(decl, args[0])
	if err != nil {
		return Null, err
	}
	mem := inst.mem
	rest := args[1:]

	es.mu.Lock()
	defer es.mu.Unlock()
	switch method {
	case "append":
		if len(rest) != 1 {
			return Null, runtimeErr(ErrType, "%s.append takes 1 value", decl.Name)
		}
		mem.log = append(mem.log, rest[0].Retain())
		return FromInt(int64(len(mem.log))), nil

	case "recent":
		if len(rest) != 1 {
			return Null, runtimeErr(ErrType, "%s.recent takes a count", decl.Name)
		}
		n, ok := rest[0].AsInt()
		if !ok || n < 0 {
			return Null, runtimeErr(ErrType, "%s.recent count is %s", decl.Name, displayString(rest[0]))
		}
		if n > int64(len(mem.log)) {
			n = int64(len(mem.log))
		}
		out := make([]Value, 0, n)
		for _, v := range mem.log[len(mem.log)-int(n):] {
			out = append(out, v.Retain())
		}
		return NewList(out), nil

	case "all":
		out := make([]Value, len(mem.log))
		for i, v := range mem.log {
			out[i] = v.Retain()
		}
		return NewList(out), nil

	case "remember":
		if len(rest) != 2 || rest[0].Kind() != KindString {
			return Null, runtimeErr(ErrType, "%s.remember takes (String, value)", decl.Name)
		}
		key := rest[0].Str()
		if i := mem.find(key); i >= 0 {
			mem.vals[i].Release()
			mem.vals[i] = rest[1].Retain()
		} else {
			mem.keys = append(mem.keys, key)
			mem.vals = append(mem.vals, rest[1].Retain())
		}
		return Null, nil

	case "recall":
		if len(rest) != 1 || rest[0].Kind() != KindString {
			return Null, runtimeErr(ErrType, "%s.recall takes a String key", decl.Name)
		}
		if i := mem.find(rest[0].Str()); i >= 0 {
			return mem.vals[i], nil
		}
		return Null, nil

	case "forget":
		if len(rest) != 1 || rest[0].Kind() != KindString {
			return Null, runtimeErr(ErrType, "%s.forget takes a String key", decl.Name)
		}
		if i := mem.find(rest[0].Str()); i >= 0 {
			mem.vals[i].Release()
			mem.keys = append(mem.keys[:i], mem.keys[i+1:]...)
			mem.vals = append(mem.vals[:i], mem.vals[i+1:]...)
			return True, nil
		}
		return False, nil

	case "query":
		if len(rest) != 1 || rest[0].Kind() != KindString {
			return Null, runtimeErr(ErrType, "%s.query takes a String needle", decl.Name)
		}
		needle := rest[0].Str()
		var out []Value
		for _, v := range mem.log {
			if strings.Contains(displayString(v), needle) {
				out = append(out, v.Retain())
			}
		}
		return NewList(out), nil

	case "size":
		return FromInt(int64(len(mem.log))), nil

	default:
		return Null, runtimeErr(ErrUndefinedCell, "memory %s has no method %q", decl.Name, method)
	}
}

// ---------------------------------------------------------------------------
// Machine (state graph)
// ---------------------------------------------------------------------------

func (es *extensionState) machineCall(mach *Machine, decl *ProcessDecl, method string, args []Value) (Value, error) {
	if len(args) == 0 {
		return Null, runtimeErr(ErrType, "%s.%s needs an instance", decl.Name, method)
	}
	inst, err := es.lookup(decl, args[0])
	if err != nil {
		return Null, err
	}
	g := decl.Graph
	rest := args[1:]

	switch method {
	case "current":
		es.mu.Lock()
		defer es.mu.Unlock()
		return FromString(inst.state), nil

	case "is_terminal":
		es.mu.Lock()
		defer es.mu.Unlock()
		return FromBool(g.isTerminal(inst.state)), nil

	case "resume_from":
		if len(rest) != 1 || rest[0].Kind() != KindString {
			return Null, runtimeErr(ErrType, "%s.resume_from takes a state name", decl.Name)
		}
		state := rest[0].Str()
		if !g.hasState(state) {
			return Null, runtimeErr(ErrGuard, "%s has no state %q", decl.Name, state)
		}
		es.mu.Lock()
		inst.state = state
		es.mu.Unlock()
		return FromString(state), nil

	case "step":
		if len(rest) != 1 || rest[0].Kind() != KindString {
			return Null, runtimeErr(ErrType, "%s.step takes an event name", decl.Name)
		}
		return es.machineStep(mach, decl, inst, rest[0].Str())

	case "run":
		if len(rest) != 1 || rest[0].Kind() != KindList {
			return Null, runtimeErr(ErrType, "%s.run takes a List of events", decl.Name)
		}
		var last Value = Null
		for _, ev := range rest[0].List().Items {
			if ev.Kind() != KindString {
				return Null, runtimeErr(ErrType, "%s.run event is %s", decl.Name, ev.TypeName())
			}
			v, err := es.machineStep(mach, decl, inst, ev.Str())
			if err != nil {
				return Null, err
			}
			last = v
		}
		return last, nil

	default:
		return Null, runtimeErr(ErrUndefinedCell, "machine %s has no method %q", decl.Name, method)
	}
}

// machineStep finds the first transition from the current state whose
// event matches and whose guard passes. Guards run unlocked since they
// re-enter the interpreter.
func (es *extensionState) machineStep(mach *Machine, decl *ProcessDecl, inst *extInstance, event string) (Value, error) {
	g := decl.Graph
	es.mu.Lock()
	from := inst.state
	es.mu.Unlock()

	if g.isTerminal(from) {
		return Null, runtimeErr(ErrGuard, "%s is terminal in state %q", decl.Name, from)
	}
	for _, t := range g.Transitions {
		if t.From != from || t.Event != event {
			continue
		}
		if t.Guard != "" {
			ok, err := mach.runCellInline(t.Guard, []Value{FromString(from), FromString(event)})
			if err != nil {
				return Null, err
			}
			if !ok.Truthy() {
				continue
			}
		}
		es.mu.Lock()
		inst.state = t.To
		es.mu.Unlock()
		return FromString(t.To), nil
	}
	return Null, runtimeErr(ErrGuard, "%s rejects event %q in state %q", decl.Name, event, from)
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

// pipelineCall runs the declared stage cells in order, feeding each
// stage's result to the next. The first failing stage halts the pipeline
// and its position is part of the error.
func (es *extensionState) pipelineCall(mach *Machine, decl *ProcessDecl, method string, args []Value) (Value, error) {
	if method != "run" {
		return Null, runtimeErr(ErrUndefinedCell, "pipeline %s has no method %q", decl.Name, method)
	}
	if len(args) != 1 {
		return Null, runtimeErr(ErrType, "%s.run takes 1 input", decl.Name)
	}
	v := args[0]
	for i, stage := range decl.Stages {
		out, err := mach.runCellInline(stage, []Value{v})
		if err != nil {
			return Null, runtimeErr(ErrGuard, "%s halted at stage %d (%s): %s", decl.Name, i+1, stage, err)
		}
		v = out
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Orchestration
// ---------------------------------------------------------------------------

// orchestrationCall fans the input out to every stage cell as its own
// process and returns the list of futures. Under a scheduler the stages
// run concurrently; inline they complete eagerly.
func (es *extensionState) orchestrationCall(mach *Machine, decl *ProcessDecl, method string, args []Value) (Value, error) {
	if method != "run" {
		return Null, runtimeErr(ErrUndefinedCell, "orchestration %s has no method %q", decl.Name, method)
	}
	futures := make([]Value, 0, len(decl.Stages))
	for _, stage := range decl.Stages {
		spawnArgs := make([]Value, len(args))
		for i, a := range args {
			spawnArgs[i] = a.Retain()
		}
		f, err := mach.spawn(nil, FromString(stage), spawnArgs)
		if err != nil {
			return Null, err
		}
		futures = append(futures, f)
	}
	return NewList(futures), nil
}

// ---------------------------------------------------------------------------
// Guardrail
// ---------------------------------------------------------------------------

// guardrailCall validates a value against the declared predicate cells
// and config limits. check returns the value unchanged when every check
// passes; any violation is a guard error naming the failed check.
func (es *extensionState) guardrailCall(mach *Machine, decl *ProcessDecl, method string, args []Value) (Value, error) {
	if method != "check" {
		return Null, runtimeErr(ErrUndefinedCell, "guardrail %s has no method %q", decl.Name, method)
	}
	if len(args) != 1 {
		return Null, runtimeErr(ErrType, "%s.check takes 1 value", decl.Name)
	}
	v := args[0]

	if want, ok := decl.Config["type"]; ok && v.TypeName() != want {
		return Null, runtimeErr(ErrGuard, "%s: value is %s, schema wants %s", decl.Name, v.TypeName(), want)
	}
	if raw, ok := decl.Config["max_len"]; ok {
		if limit, err := strconv.Atoi(raw); err == nil {
			if lv, lerr := intrLen([]Value{v}); lerr == nil && lv.Int() > int64(limit) {
				return Null, runtimeErr(ErrGuard, "%s: length %d exceeds %d", decl.Name, lv.Int(), limit)
			}
		}
	}
	if raw, ok := decl.Config["deny"]; ok && v.Kind() == KindString {
		for _, word := range strings.Split(raw, ",") {
			if word != "" && strings.Contains(v.Str(), word) {
				return Null, runtimeErr(ErrGuard, "%s: denied content %q", decl.Name, word)
			}
		}
	}
	for _, stage := range decl.Stages {
		ok, err := mach.runCellInline(stage, []Value{v})
		if err != nil {
			return Null, runtimeErr(ErrGuard, "%s: check %s failed: %s", decl.Name, stage, err)
		}
		if !ok.Truthy() {
			return Null, runtimeErr(ErrGuard, "%s: check %s rejected the value", decl.Name, stage)
		}
	}
	return v, nil
}

// runCellInline executes a cell synchronously with a fresh process,
// outside any scheduler. Extension stages and guards use it.
func (mach *Machine) runCellInline(name string, args []Value) (Value, error) {
	idx, ok := mach.Module.CellByName(name)
	if !ok {
		return Null, runtimeErr(ErrUndefinedCell, "undefined cell: %s", name)
	}
	p := NewProc(mach.Module, idx, args)
	out := mach.Run(p, -1)
	switch out.Kind {
	case Done:
		return out.Result, nil
	case Failed:
		return Null, out.Err
	default:
		return Null, runtimeErr(ErrType, "cell %s suspended inside an extension", name)
	}
}
