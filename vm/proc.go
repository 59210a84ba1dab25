package vm

import "sync/atomic"

// MaxCallDepth bounds the per-process frame stack so overflow fails
// deterministically instead of exhausting memory.
const MaxCallDepth = 256

// nextProcID mints process state ids.
var nextProcID atomic.Uint64

// ---------------------------------------------------------------------------
// Call frames
// ---------------------------------------------------------------------------

// callFrame is one activation on a process's call stack.
type callFrame struct {
	cellIdx int
	base    int // first register of this frame in the process register file
	ip      int
	retReg  int // absolute register receiving the call's result

	// handlerScope is non-nil while this frame runs an effect handler.
	// Popping it without the continuation having been resumed triggers the
	// decline path.
	handlerScope *EffectScope
	handlerCont  *Continuation
}

// EffectScope is one installed handler binding on a process's scope stack.
type EffectScope struct {
	Name       string  // effect-operation name, e.g. "Math.double"
	Handler    Value   // handler closure
	frameDepth int     // frame count when the scope was pushed (the boundary)
	baseReg    int     // register file length at the boundary frame
	retReg     int     // where a declined handler's result lands
}

// Continuation is a frozen snapshot of the control state needed to resume
// a performed effect exactly once. It captures frames, registers, and the
// scope stack; shared composites are retained, not deep-copied, so heap
// mutations made between capture and resume stay visible.
type Continuation struct {
	frames   []callFrame
	regs     []Value
	scopes   []EffectScope
	destReg  int // absolute register the perform result lands in
	effect   string
	consumed atomic.Bool
}

// Consumed reports whether the continuation has already been resumed.
func (c *Continuation) Consumed() bool { return c.consumed.Load() }

// ---------------------------------------------------------------------------
// Process state
// ---------------------------------------------------------------------------

// ProcStatus is the lifecycle state of a process.
type ProcStatus int32

const (
	StatusReady ProcStatus = iota
	StatusRunning
	StatusBlocked
	StatusDone
	StatusFailed
)

// Proc is the private execution state of one Lumen process: register
// file, call stack, and effect-scope stack. It is exclusively owned by
// whichever worker is running it and never touched cross-thread while
// running; the scheduler hands ownership over at well-defined points.
type Proc struct {
	ID     uint64
	Name   string
	Status ProcStatus

	regs   []Value
	frames []callFrame
	scopes []EffectScope

	// Grants is the declared capability set: which tool operations this
	// process may invoke. Checked before every tool dispatch.
	Grants map[string]bool

	// Result/FailReason are set once the process terminates.
	Result     Value
	FailReason error

	// Cancel is observed cooperatively at the next suspension point.
	Cancel atomic.Bool

	// block describes the pending suspension when the loop returned
	// Blocked; the scheduler completes it and deposits the result.
	block     *BlockReason
	delivered *Value
}

// NewProc creates a process positioned at the entry of the given cell
// with the arguments in place.
func NewProc(m *Module, cellIdx int, args []Value) *Proc {
	cell := &m.Cells[cellIdx]
	p := &Proc{
		ID:     nextProcID.Add(1),
		Name:   cell.Name,
		Status: StatusReady,
		regs:   make([]Value, max(cell.NumRegs, len(args))),
	}
	for i, a := range args {
		p.regs[i] = a.Retain()
	}
	p.frames = append(p.frames, callFrame{cellIdx: cellIdx, base: 0, ip: 0, retReg: 0})
	return p
}

// NewClosureProc creates a process that runs a closure with the given
// arguments (captures occupy the leading registers).
func NewClosureProc(m *Module, cl *Closure, args []Value) *Proc {
	cell := &m.Cells[cl.CellIdx]
	all := make([]Value, 0, len(cl.Captures)+len(args))
	all = append(all, cl.Captures...)
	all = append(all, args...)
	p := &Proc{
		ID:     nextProcID.Add(1),
		Name:   cell.Name,
		Status: StatusReady,
		regs:   make([]Value, max(cell.NumRegs, len(all))),
	}
	for i, a := range all {
		p.regs[i] = a.Retain()
	}
	p.frames = append(p.frames, callFrame{cellIdx: cl.CellIdx, base: 0, ip: 0, retReg: 0})
	return p
}

// Depth returns the current call-stack depth.
func (p *Proc) Depth() int { return len(p.frames) }

// StackTrace captures the current call chain, innermost last.
func (p *Proc) StackTrace(m *Module) []Frame {
	out := make([]Frame, len(p.frames))
	for i, f := range p.frames {
		out[i] = Frame{Cell: m.Cells[f.cellIdx].Name, IP: f.ip}
	}
	return out
}

// setReg writes a register, releasing the previous occupant. All register
// writes in the loop funnel through here so ownership stays balanced.
func (p *Proc) setReg(idx int, v Value) {
	p.regs[idx].Release()
	p.regs[idx] = v
}

// deliver completes a pending suspension with a value. Called by the
// scheduler (under its own synchronization) before re-readying the
// process.
func (p *Proc) Deliver(v Value) {
	p.delivered = &v
}

// PendingBlock returns the suspension reason set by the last Blocked
// outcome, or nil.
func (p *Proc) PendingBlock() *BlockReason { return p.block }

// ---------------------------------------------------------------------------
// Outcomes
// ---------------------------------------------------------------------------

// OutcomeKind tags what the dispatch loop returned control for. The
// scheduler switches on this instead of relying on interrupts.
type OutcomeKind int

const (
	// Done: the root frame returned; Result carries the value.
	Done OutcomeKind = iota
	// Failed: the process terminated with an error value.
	Failed
	// OutOfFuel: the cooperative budget ran out mid-execution.
	OutOfFuel
	// Yielded: the process yielded explicitly.
	Yielded
	// Blocked: the process suspended; Block describes what it waits on.
	Blocked
	// Paused: a debugger breakpoint fired at cell entry.
	Paused
)

// Outcome is the dispatch loop's explicit return to the scheduler.
type Outcome struct {
	Kind   OutcomeKind
	Result Value
	Err    error
	Block  *BlockReason
}

// BlockOp distinguishes suspension reasons.
type BlockOp int

const (
	BlockChanSend BlockOp = iota
	BlockChanRecv
	BlockAwait
	BlockMailRecv
)

// BlockReason describes a pending suspension for the scheduler to
// complete: which operation, its operands, and the register that receives
// the result on wakeup.
type BlockReason struct {
	Op      BlockOp
	Channel uint64 // channel handle for channel ops
	Future  *Future
	Value   Value // value being sent
	DestReg int   // absolute register receiving the result, -1 for none
}
