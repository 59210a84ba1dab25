package vm

import (
	"context"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Machine
// ---------------------------------------------------------------------------

// Host is the scheduler-side interface for non-suspending runtime
// requests issued from bytecode. Suspending operations (channel ops,
// await, mailbox receive) travel through Blocked outcomes instead.
type Host interface {
	// SpawnValue starts a new process for a closure or cell-name callee
	// and returns its future.
	SpawnValue(callee Value, args []Value, parent *Proc) (Value, error)
	// NewChannel creates a bounded channel and returns its handle.
	NewChannel(capacity int) (Value, error)
	// MailSend enqueues a message into a process's priority mailbox.
	MailSend(target uint64, msg Value, priority int) error
}

// EffectTracer observes effect and tool activity for deterministic
// replay. All methods are called from the worker running the process.
type EffectTracer interface {
	EffectPerformed(procID uint64, name string, args []Value)
	EffectResumed(procID uint64, name string, result Value)
	ToolDispatched(procID uint64, name string, args []Value, result Value, err error)
}

// Machine executes processes against one immutable module. A single
// Machine is shared by every worker; all mutable execution state lives in
// the Proc.
type Machine struct {
	Module *Module

	// Tools receives effect operations that cross the host boundary.
	// Grant checks happen before dispatch; policy beyond grants is the
	// dispatcher's concern.
	Tools ToolDispatcher

	// Host connects the machine to a scheduler. When nil the machine
	// runs in inline mode: spawn executes eagerly to completion and
	// channel operations fail.
	Host Host

	// Tracer, when set, observes effect and tool activity.
	Tracer EffectTracer

	// Debug, when set, pauses execution at cell-entry breakpoints.
	Debug *Debugger

	Ctx context.Context

	ext *extensionState
}

// NewMachine creates a machine for a module.
func NewMachine(m *Module) *Machine {
	if m.cellIndex == nil {
		m.Index()
	}
	return &Machine{
		Module: m,
		Ctx:    context.Background(),
		ext:    newExtensionState(m),
	}
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// Call runs a named cell to completion in inline mode and returns its
// result. It is the synchronous entry point for hosts and tests.
func (mach *Machine) Call(name string, args ...Value) (Value, error) {
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
		return Null, runtimeErr(ErrType, "cell %s suspended outside a scheduler", name)
	}
}

// Run executes one process until it terminates, yields, blocks, or
// exhausts the given fuel budget. A negative budget means unlimited.
// Fuel is the single cooperative-preemption primitive: the loop counts
// one unit per instruction and returns an explicit outcome tag instead
// of relying on asynchronous interrupts.
func (mach *Machine) Run(p *Proc, fuel int) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			if ce, ok := r.(*CorruptModuleError); ok {
				p.Status = StatusFailed
				p.FailReason = ce
				out = Outcome{Kind: Failed, Err: ce}
				return
			}
			panic(r)
		}
	}()

	p.Status = StatusRunning

	// Complete a pending suspension before fetching anything.
	if p.block != nil {
		if p.delivered == nil {
			p.Status = StatusBlocked
			return Outcome{Kind: Blocked, Block: p.block}
		}
		dest := p.block.DestReg
		v := *p.delivered
		p.block = nil
		p.delivered = nil
		if dest >= 0 {
			p.setReg(dest, v)
		} else {
			v.Release()
		}
	}

	if p.Cancel.Load() {
		return mach.fail(p, runtimeErr(ErrCancelled, "process cancelled"))
	}

	for {
		if fuel == 0 {
			p.Status = StatusReady
			return Outcome{Kind: OutOfFuel}
		}

		frame := &p.frames[len(p.frames)-1]
		cell := &mach.Module.Cells[frame.cellIdx]

		if frame.ip >= len(cell.Code) {
			// Implicit null return at end of cell body.
			if done, o := mach.returnValue(p, Null); done {
				return o
			}
			continue
		}

		ins := cell.Code[frame.ip]
		frame.ip++
		if fuel > 0 {
			fuel--
		}

		switch ins.Op() {
		case OpNop:
			// nothing

		// --- Load / move ---
		case OpLoadConst:
			p.setReg(frame.base+mach.checkReg(cell, ins.A()), cell.constValue(ins.Bx()))

		case OpLoadNil:
			a, n := ins.A(), ins.B()
			for i := 0; i <= n; i++ {
				p.setReg(frame.base+mach.checkReg(cell, a+i), Null)
			}

		case OpLoadBool:
			p.setReg(frame.base+mach.checkReg(cell, ins.A()), FromBool(ins.B() != 0))

		case OpLoadInt:
			p.setReg(frame.base+mach.checkReg(cell, ins.A()), FromInt(int64(ins.SBx())))

		case OpMove:
			v := p.regs[frame.base+mach.checkReg(cell, ins.B())]
			p.setReg(frame.base+mach.checkReg(cell, ins.A()), v.Retain())

		// --- Data construction ---
		case OpNewList:
			a, n := ins.A(), ins.B()
			items := make([]Value, n)
			for i := 0; i < n; i++ {
				items[i] = p.regs[frame.base+mach.checkReg(cell, a+1+i)].Retain()
			}
			p.setReg(frame.base+mach.checkReg(cell, a), NewList(items))

		case OpNewTuple:
			a, n := ins.A(), ins.B()
			items := make([]Value, n)
			for i := 0; i < n; i++ {
				items[i] = p.regs[frame.base+mach.checkReg(cell, a+1+i)].Retain()
			}
			p.setReg(frame.base+mach.checkReg(cell, a), NewTuple(items))

		case OpNewMap:
			a, n := ins.A(), ins.B()
			keys := make([]Value, n)
			vals := make([]Value, n)
			for i := 0; i < n; i++ {
				keys[i] = p.regs[frame.base+mach.checkReg(cell, a+1+2*i)].Retain()
				vals[i] = p.regs[frame.base+mach.checkReg(cell, a+2+2*i)].Retain()
			}
			p.setReg(frame.base+mach.checkReg(cell, a), NewMap(keys, vals))

		case OpNewSet:
			a, n := ins.A(), ins.B()
			items := make([]Value, n)
			for i := 0; i < n; i++ {
				items[i] = p.regs[frame.base+mach.checkReg(cell, a+1+i)].Retain()
			}
			p.setReg(frame.base+mach.checkReg(cell, a), NewSet(items))

		case OpNewRecord:
			a, n := ins.A(), ins.C()
			typeName := cell.constString(ins.B())
			names := make([]string, n)
			vals := make([]Value, n)
			for i := 0; i < n; i++ {
				nameVal := p.regs[frame.base+mach.checkReg(cell, a+1+2*i)]
				if nameVal.Kind() != KindString {
					panic(corrupt("record field name is not a string"))
				}
				names[i] = nameVal.Str()
				vals[i] = p.regs[frame.base+mach.checkReg(cell, a+2+2*i)].Retain()
			}
			p.setReg(frame.base+mach.checkReg(cell, a), NewRecord(typeName, names, vals))

		case OpNewUnion:
			a := ins.A()
			payload := p.regs[frame.base+mach.checkReg(cell, a+1)].Retain()
			v := NewUnion(cell.constString(ins.B()), cell.constString(ins.C()), payload)
			p.setReg(frame.base+mach.checkReg(cell, a), v)

		// --- Field / index access ---
		case OpGetField:
			src := p.regs[frame.base+mach.checkReg(cell, ins.B())]
			name := cell.constString(ins.C())
			v, err := getField(src, name)
			if err != nil {
				if done, o := mach.raiseError(p, err, frame.base+ins.A()); done {
					return o
				}
				continue
			}
			p.setReg(frame.base+mach.checkReg(cell, ins.A()), v.Retain())

		case OpSetField:
			dst := frame.base + mach.checkReg(cell, ins.A())
			name := cell.constString(ins.B())
			val := p.regs[frame.base+mach.checkReg(cell, ins.C())].Retain()
			nv, err := setField(p.regs[dst], name, val)
			if err != nil {
				if done, o := mach.raiseError(p, err, dst); done {
					return o
				}
				continue
			}
			p.regs[dst] = nv

		case OpGetIndex:
			src := p.regs[frame.base+mach.checkReg(cell, ins.B())]
			key := p.regs[frame.base+mach.checkReg(cell, ins.C())]
			v, err := getIndex(src, key)
			if err != nil {
				if done, o := mach.raiseError(p, err, frame.base+ins.A()); done {
					return o
				}
				continue
			}
			p.setReg(frame.base+mach.checkReg(cell, ins.A()), v.Retain())

		case OpSetIndex:
			dst := frame.base + mach.checkReg(cell, ins.A())
			key := p.regs[frame.base+mach.checkReg(cell, ins.B())]
			val := p.regs[frame.base+mach.checkReg(cell, ins.C())].Retain()
			nv, err := setIndex(p.regs[dst], key, val)
			if err != nil {
				if done, o := mach.raiseError(p, err, dst); done {
					return o
				}
				continue
			}
			p.regs[dst] = nv

		case OpAppend:
			dst := frame.base + mach.checkReg(cell, ins.A())
			if p.regs[dst].Kind() != KindList {
				err := runtimeErr(ErrType, "append to %s", p.regs[dst].TypeName())
				if done, o := mach.raiseError(p, err, dst); done {
					return o
				}
				continue
			}
			l, nv := p.regs[dst].listForWrite()
			l.Items = append(l.Items, p.regs[frame.base+mach.checkReg(cell, ins.B())].Retain())
			p.regs[dst] = nv

		// --- Arithmetic / comparison ---
		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow:
			x := p.regs[frame.base+mach.checkReg(cell, ins.B())]
			y := p.regs[frame.base+mach.checkReg(cell, ins.C())]
			v, err := arith(arithFor(ins.Op()), x, y)
			if err != nil {
				if done, o := mach.raiseError(p, err, frame.base+ins.A()); done {
					return o
				}
				continue
			}
			p.setReg(frame.base+mach.checkReg(cell, ins.A()), v)

		case OpNeg:
			v, err := neg(p.regs[frame.base+mach.checkReg(cell, ins.B())])
			if err != nil {
				if done, o := mach.raiseError(p, err, frame.base+ins.A()); done {
					return o
				}
				continue
			}
			p.setReg(frame.base+mach.checkReg(cell, ins.A()), v)

		case OpNot:
			v := p.regs[frame.base+mach.checkReg(cell, ins.B())]
			p.setReg(frame.base+mach.checkReg(cell, ins.A()), FromBool(!v.Truthy()))

		case OpConcat:
			x := p.regs[frame.base+mach.checkReg(cell, ins.B())]
			y := p.regs[frame.base+mach.checkReg(cell, ins.C())]
			p.setReg(frame.base+mach.checkReg(cell, ins.A()), concat(x, y))

		case OpEq:
			x := p.regs[frame.base+mach.checkReg(cell, ins.B())]
			y := p.regs[frame.base+mach.checkReg(cell, ins.C())]
			p.setReg(frame.base+mach.checkReg(cell, ins.A()), FromBool(Equal(x, y)))

		case OpLt:
			x := p.regs[frame.base+mach.checkReg(cell, ins.B())]
			y := p.regs[frame.base+mach.checkReg(cell, ins.C())]
			p.setReg(frame.base+mach.checkReg(cell, ins.A()), FromBool(Compare(x, y) < 0))

		case OpLe:
			x := p.regs[frame.base+mach.checkReg(cell, ins.B())]
			y := p.regs[frame.base+mach.checkReg(cell, ins.C())]
			p.setReg(frame.base+mach.checkReg(cell, ins.A()), FromBool(Compare(x, y) <= 0))

		// --- Control transfer ---
		case OpJump:
			frame.ip = mach.checkJump(cell, frame.ip, ins.SBx())

		case OpJumpIf:
			if p.regs[frame.base+mach.checkReg(cell, ins.A())].Truthy() {
				frame.ip = mach.checkJump(cell, frame.ip, ins.SBx())
			}

		case OpJumpIfNot:
			if !p.regs[frame.base+mach.checkReg(cell, ins.A())].Truthy() {
				frame.ip = mach.checkJump(cell, frame.ip, ins.SBx())
			}

		case OpCall:
			a, argc := ins.A(), ins.B()
			callee := p.regs[frame.base+mach.checkReg(cell, a)]
			args := make([]Value, argc)
			for i := 0; i < argc; i++ {
				args[i] = p.regs[frame.base+mach.checkReg(cell, a+1+i)]
			}
			if done, o := mach.dispatchCall(p, callee, args, frame.base+a); done {
				return o
			}

		case OpReturn:
			result := p.regs[frame.base+mach.checkReg(cell, ins.A())]
			if done, o := mach.returnValue(p, result); done {
				return o
			}

		case OpClosure:
			a, cellIdx, capc := ins.A(), ins.B(), ins.C()
			if cellIdx >= len(mach.Module.Cells) {
				panic(corrupt(fmt.Sprintf("closure over cell %d of %d", cellIdx, len(mach.Module.Cells))))
			}
			caps := make([]Value, capc)
			for i := 0; i < capc; i++ {
				caps[i] = p.regs[frame.base+mach.checkReg(cell, a+1+i)].Retain()
			}
			p.setReg(frame.base+mach.checkReg(cell, a), NewClosure(cellIdx, caps))

		case OpHalt:
			msg := displayString(p.regs[frame.base+mach.checkReg(cell, ins.A())])
			return mach.fail(p, runtimeErr(ErrHalt, "%s", msg))

		// --- Intrinsics ---
		case OpIntrinsic:
			a, id, argc := ins.A(), ins.B(), ins.C()
			args := make([]Value, argc)
			for i := 0; i < argc; i++ {
				args[i] = p.regs[frame.base+mach.checkReg(cell, a+1+i)]
			}
			v, err := mach.callIntrinsic(IntrinsicID(id), args)
			if err != nil {
				if done, o := mach.raiseError(p, err, frame.base+a); done {
					return o
				}
				continue
			}
			p.setReg(frame.base+mach.checkReg(cell, a), v.Retain())

		// --- Effects ---
		case OpHandlePush:
			handler := p.regs[frame.base+mach.checkReg(cell, ins.A())]
			if handler.Kind() != KindClosure {
				panic(corrupt("handler is not a closure"))
			}
			p.scopes = append(p.scopes, EffectScope{
				Name:       cell.constString(ins.Bx()),
				Handler:    handler.Retain(),
				frameDepth: len(p.frames),
				baseReg:    frame.base + cell.NumRegs,
				retReg:     frame.retReg,
			})

		case OpHandlePop:
			if len(p.scopes) == 0 {
				panic(corrupt("handler pop on empty scope stack"))
			}
			p.scopes[len(p.scopes)-1].Handler.Release()
			p.scopes = p.scopes[:len(p.scopes)-1]

		case OpPerform:
			a, argc := ins.A(), ins.C()
			name := cell.constString(ins.B())
			args := make([]Value, argc)
			for i := 0; i < argc; i++ {
				args[i] = p.regs[frame.base+mach.checkReg(cell, a+1+i)]
			}
			if mach.Tracer != nil {
				mach.Tracer.EffectPerformed(p.ID, name, args)
			}
			if done, o := mach.perform(p, name, args, frame.base+a); done {
				return o
			}

		case OpResume:
			contVal := p.regs[frame.base+mach.checkReg(cell, ins.A())]
			resumeVal := p.regs[frame.base+mach.checkReg(cell, ins.B())]
			if done, o := mach.resume(p, contVal, resumeVal); done {
				return o
			}

		case OpToolCall:
			a, argc := ins.A(), ins.C()
			name := cell.constString(ins.B())
			args := make([]Value, argc)
			for i := 0; i < argc; i++ {
				args[i] = p.regs[frame.base+mach.checkReg(cell, a+1+i)]
			}
			v, err := mach.dispatchTool(p, name, args)
			if err != nil {
				if done, o := mach.raiseError(p, err, frame.base+a); done {
					return o
				}
				continue
			}
			p.setReg(frame.base+mach.checkReg(cell, a), v.Retain())

		// --- Scheduling ---
		case OpSpawn:
			a, b, argc := ins.A(), ins.B(), ins.C()
			callee := p.regs[frame.base+mach.checkReg(cell, b)]
			args := make([]Value, argc)
			for i := 0; i < argc; i++ {
				args[i] = p.regs[frame.base+mach.checkReg(cell, b+1+i)].Retain()
			}
			v, err := mach.spawn(p, callee, args)
			if err != nil {
				if done, o := mach.raiseError(p, err, frame.base+a); done {
					return o
				}
				continue
			}
			p.setReg(frame.base+mach.checkReg(cell, a), v)

		case OpAwait:
			fv := p.regs[frame.base+mach.checkReg(cell, ins.B())]
			if fv.Kind() != KindFuture {
				err := runtimeErr(ErrType, "await on %s", fv.TypeName())
				if done, o := mach.raiseError(p, err, frame.base+ins.A()); done {
					return o
				}
				continue
			}
			fut := fv.Future()
			if result, ferr, ok := fut.Poll(); ok {
				if ferr != nil {
					if done, o := mach.raiseError(p, ferr, frame.base+ins.A()); done {
						return o
					}
					continue
				}
				p.setReg(frame.base+mach.checkReg(cell, ins.A()), result.Retain())
				continue
			}
			p.block = &BlockReason{Op: BlockAwait, Future: fut, DestReg: frame.base + ins.A()}
			p.Status = StatusBlocked
			return Outcome{Kind: Blocked, Block: p.block}

		case OpYield:
			p.Status = StatusReady
			return Outcome{Kind: Yielded}

		case OpChanNew:
			if mach.Host == nil {
				return mach.fail(p, runtimeErr(ErrType, "channel created outside a scheduler"))
			}
			ch, err := mach.Host.NewChannel(ins.Bx())
			if err != nil {
				return mach.fail(p, err)
			}
			p.setReg(frame.base+mach.checkReg(cell, ins.A()), ch)

		case OpChanSend:
			ch := p.regs[frame.base+mach.checkReg(cell, ins.A())]
			if ch.Kind() != KindChannel {
				return mach.fail(p, runtimeErr(ErrType, "send on %s", ch.TypeName()))
			}
			v := p.regs[frame.base+mach.checkReg(cell, ins.B())].Retain()
			// A send produces no value; the wakeup must not overwrite
			// the register holding the channel.
			p.block = &BlockReason{Op: BlockChanSend, Channel: ch.Handle(), Value: v, DestReg: -1}
			p.Status = StatusBlocked
			return Outcome{Kind: Blocked, Block: p.block}

		case OpChanRecv:
			ch := p.regs[frame.base+mach.checkReg(cell, ins.B())]
			if ch.Kind() != KindChannel {
				return mach.fail(p, runtimeErr(ErrType, "receive on %s", ch.TypeName()))
			}
			p.block = &BlockReason{Op: BlockChanRecv, Channel: ch.Handle(), DestReg: frame.base + mach.checkReg(cell, ins.A())}
			p.Status = StatusBlocked
			return Outcome{Kind: Blocked, Block: p.block}

		case OpMailSend:
			if mach.Host == nil {
				return mach.fail(p, runtimeErr(ErrType, "mailbox send outside a scheduler"))
			}
			target := p.regs[frame.base+mach.checkReg(cell, ins.A())]
			if target.Kind() != KindProcess {
				return mach.fail(p, runtimeErr(ErrType, "mailbox send to %s", target.TypeName()))
			}
			msg := p.regs[frame.base+mach.checkReg(cell, ins.B())].Retain()
			if err := mach.Host.MailSend(target.Handle(), msg, ins.C()); err != nil {
				return mach.fail(p, err)
			}

		case OpMailRecv:
			p.block = &BlockReason{Op: BlockMailRecv, DestReg: frame.base + mach.checkReg(cell, ins.A())}
			p.Status = StatusBlocked
			return Outcome{Kind: Blocked, Block: p.block}

		default:
			panic(corrupt(fmt.Sprintf("opcode %02X in cell %q at %d", uint8(ins.Op()), cell.Name, frame.ip-1)))
		}
	}
}

func arithFor(op Opcode) binOp {
	switch op {
	case OpAdd:
		return opAdd
	case OpSub:
		return opSub
	case OpMul:
		return opMul
	case OpDiv:
		return opDiv
	case OpMod:
		return opMod
	default:
		return opPow
	}
}

// checkReg validates a register operand against the owning cell. An
// out-of-range index means the module is corrupt.
func (mach *Machine) checkReg(cell *Cell, idx int) int {
	if idx < 0 || idx >= cell.NumRegs {
		panic(corrupt(fmt.Sprintf("register r%d in cell %q with %d registers", idx, cell.Name, cell.NumRegs)))
	}
	return idx
}

// checkJump validates a jump target stays inside the cell body. Jumping
// exactly to len(code) is the implicit-return position and is allowed.
func (mach *Machine) checkJump(cell *Cell, ip, offset int) int {
	target := ip + offset
	if target < 0 || target > len(cell.Code) {
		panic(corrupt(fmt.Sprintf("jump to %d in cell %q with %d instructions", target, cell.Name, len(cell.Code))))
	}
	return target
}

// ---------------------------------------------------------------------------
// Calls and returns
// ---------------------------------------------------------------------------

// dispatchCall invokes a callee value: closures and cell names push a
// frame; "owner.method" names route to the process runtime extensions.
// The boolean result reports whether the loop must return the outcome.
func (mach *Machine) dispatchCall(p *Proc, callee Value, args []Value, retReg int) (bool, Outcome) {
	switch callee.Kind() {
	case KindClosure:
		cl := callee.Closure()
		all := make([]Value, 0, len(cl.Captures)+len(args))
		all = append(all, cl.Captures...)
		all = append(all, args...)
		return mach.pushFrame(p, cl.CellIdx, all, retReg, nil, nil)

	case KindString:
		name := callee.Str()
		if idx, ok := mach.Module.CellByName(name); ok {
			return mach.pushFrame(p, idx, args, retReg, nil, nil)
		}
		if owner, method, ok := strings.Cut(name, "."); ok {
			if decl, found := mach.Module.ProcessByName(owner); found {
				v, err := mach.ext.call(mach, decl, method, args)
				if err != nil {
					return mach.raiseError(p, err, retReg)
				}
				p.setReg(retReg, v.Retain())
				return false, Outcome{}
			}
		}
		return mach.raiseError(p, runtimeErr(ErrUndefinedCell, "undefined cell: %s", name), retReg)

	default:
		return mach.raiseError(p, runtimeErr(ErrType, "call of %s", callee.TypeName()), retReg)
	}
}

// pushFrame activates a cell with arguments already evaluated. Call depth
// is bounded so overflow fails deterministically.
func (mach *Machine) pushFrame(p *Proc, cellIdx int, args []Value, retReg int, hs *EffectScope, hc *Continuation) (bool, Outcome) {
	if len(p.frames) >= MaxCallDepth {
		return true, mach.fail(p, runtimeErr(ErrStackOverflow, "call depth exceeded %d", MaxCallDepth))
	}
	cell := &mach.Module.Cells[cellIdx]
	base := len(p.regs)
	n := cell.NumRegs
	if len(args) > n {
		n = len(args)
	}
	for i := 0; i < n; i++ {
		if i < len(args) {
			p.regs = append(p.regs, args[i].Retain())
		} else {
			p.regs = append(p.regs, Null)
		}
	}
	p.frames = append(p.frames, callFrame{
		cellIdx:      cellIdx,
		base:         base,
		ip:           0,
		retReg:       retReg,
		handlerScope: hs,
	})
	if hc != nil {
		p.frames[len(p.frames)-1].handlerCont = hc
	}
	if mach.Debug != nil && mach.Debug.shouldBreak(cell.Name) {
		p.Status = StatusReady
		return true, Outcome{Kind: Paused}
	}
	return false, Outcome{}
}

// returnValue pops the current frame with a result. Returning from a
// handler frame whose continuation was never resumed takes the decline
// path: the handler's value becomes the result at the handler boundary.
func (mach *Machine) returnValue(p *Proc, result Value) (bool, Outcome) {
	frame := p.frames[len(p.frames)-1]
	result.Retain()

	// Drop this frame's registers.
	for i := frame.base; i < len(p.regs); i++ {
		p.regs[i].Release()
	}
	p.regs = p.regs[:frame.base]
	p.frames = p.frames[:len(p.frames)-1]

	if frame.handlerScope != nil && frame.handlerCont != nil && !frame.handlerCont.Consumed() {
		// Handler declined to resume: consume the continuation and make
		// the boundary frame return the handler's value.
		frame.handlerCont.consumed.Store(true)
		if len(p.frames) == 0 {
			p.Status = StatusDone
			p.Result = result
			return true, Outcome{Kind: Done, Result: result}
		}
		return mach.returnValue(p, result)
	}

	if len(p.frames) == 0 {
		p.Status = StatusDone
		p.Result = result
		return true, Outcome{Kind: Done, Result: result}
	}
	p.setReg(frame.retReg, result)
	return false, Outcome{}
}

// fail terminates the process with an error, attaching the stack trace
// to recoverable runtime errors.
func (mach *Machine) fail(p *Proc, err error) Outcome {
	if re, ok := err.(*RuntimeError); ok && len(re.Frames) == 0 {
		re.Frames = p.StackTrace(mach.Module)
	}
	if ue, ok := err.(*UnhandledEffectError); ok && len(ue.Frames) == 0 {
		ue.Frames = p.StackTrace(mach.Module)
	}
	p.Status = StatusFailed
	p.FailReason = err
	return Outcome{Kind: Failed, Err: err}
}

// ---------------------------------------------------------------------------
// Effects
// ---------------------------------------------------------------------------

// perform triggers an effect operation: search the scope stack innermost
// to outermost, capture a one-shot continuation, unwind to the handler
// boundary, and run the handler with (args..., continuation). No match is
// the distinct unhandled-effect failure, never a default value.
func (mach *Machine) perform(p *Proc, name string, args []Value, destReg int) (bool, Outcome) {
	scopeIdx := -1
	for i := len(p.scopes) - 1; i >= 0; i-- {
		if p.scopes[i].Name == name {
			scopeIdx = i
			break
		}
	}
	if scopeIdx < 0 {
		effect, op, _ := strings.Cut(name, ".")
		return true, mach.fail(p, &UnhandledEffectError{Effect: effect, Op: op})
	}
	scope := p.scopes[scopeIdx]

	// Freeze the control state. Values are retained, not deep-copied:
	// continuations capture control, not a heap snapshot.
	cont := &Continuation{
		frames:  append([]callFrame(nil), p.frames...),
		regs:    append([]Value(nil), p.regs...),
		scopes:  append([]EffectScope(nil), p.scopes...),
		destReg: destReg,
		effect:  name,
	}
	for _, v := range cont.regs {
		v.Retain()
	}

	// Unwind to the boundary; the frames above live on in the continuation.
	p.frames = p.frames[:scope.frameDepth]
	for i := scope.baseReg; i < len(p.regs); i++ {
		p.regs[i].Release()
	}
	p.regs = p.regs[:scope.baseReg]
	// The matched scope and everything inside it are inactive while the
	// handler runs; resume reinstates them.
	p.scopes = p.scopes[:scopeIdx]

	cl := scope.Handler.Closure()
	all := make([]Value, 0, len(cl.Captures)+len(args)+1)
	all = append(all, cl.Captures...)
	all = append(all, args...)
	all = append(all, Value{kind: KindContinuation, obj: cont})
	sc := scope
	return mach.pushFrame(p, cl.CellIdx, all, sc.retReg, &sc, cont)
}

// resume transfers control back into a captured continuation, exactly
// once. The perform that captured it evaluates to the resume value.
func (mach *Machine) resume(p *Proc, contVal, resumeVal Value) (bool, Outcome) {
	if contVal.Kind() != KindContinuation {
		return mach.raiseError(p, runtimeErr(ErrType, "resume of %s", contVal.TypeName()), 0)
	}
	cont := contVal.Continuation()
	if !cont.consumed.CompareAndSwap(false, true) {
		effect, op, _ := strings.Cut(cont.effect, ".")
		return true, mach.fail(p, &DoubleResumeError{Effect: effect, Op: op})
	}
	if mach.Tracer != nil {
		mach.Tracer.EffectResumed(p.ID, cont.effect, resumeVal)
	}
	resumeVal.Retain()
	// Drop the handler's own state and restore the captured control state
	// wholesale. Heap mutations made by the handler stay visible through
	// the shared containers.
	for _, v := range p.regs {
		v.Release()
	}
	p.frames = cont.frames
	p.regs = cont.regs
	p.scopes = cont.scopes
	p.setReg(cont.destReg, resumeVal)
	return false, Outcome{}
}

// raiseError routes a recoverable runtime error through the effect
// subsystem: a handler bound to "error.catch" receives the error value
// and a continuation whose resume value substitutes for the faulting
// instruction's result. Without such a handler the process fails.
func (mach *Machine) raiseError(p *Proc, err error, destReg int) (bool, Outcome) {
	for i := len(p.scopes) - 1; i >= 0; i-- {
		if p.scopes[i].Name == "error.catch" {
			return mach.perform(p, "error.catch", []Value{errorValue(err)}, destReg)
		}
	}
	return true, mach.fail(p, err)
}

// errorValue renders an error as a record for in-language handlers.
func errorValue(err error) Value {
	code := "error"
	switch e := err.(type) {
	case *RuntimeError:
		code = string(e.Code)
	case *UnhandledEffectError:
		code = "unhandled_effect"
	case *DoubleResumeError:
		code = "double_resume"
	case *ToolFailure:
		code = e.Code
	}
	return NewRecord("Error",
		[]string{"code", "message"},
		[]Value{FromString(code), FromString(err.Error())})
}

// ---------------------------------------------------------------------------
// Spawn
// ---------------------------------------------------------------------------

// spawn starts a child process for a closure or cell-name callee. With a
// scheduler attached the child runs concurrently; in inline mode it runs
// eagerly to completion, which keeps single-threaded execution and tests
// deterministic.
func (mach *Machine) spawn(p *Proc, callee Value, args []Value) (Value, error) {
	if mach.Host != nil {
		return mach.Host.SpawnValue(callee, args, p)
	}
	child, err := mach.ProcFor(callee, args)
	if err != nil {
		return Null, err
	}
	fut := NewFuture()
	out := mach.Run(child, -1)
	switch out.Kind {
	case Done:
		fut.Complete(out.Result, nil)
	case Failed:
		fut.Complete(Null, out.Err)
	default:
		fut.Complete(Null, runtimeErr(ErrType, "spawned process suspended outside a scheduler"))
	}
	return FromFuture(fut), nil
}

// ProcFor builds a fresh process for a closure or cell-name callee.
func (mach *Machine) ProcFor(callee Value, args []Value) (*Proc, error) {
	switch callee.Kind() {
	case KindClosure:
		return NewClosureProc(mach.Module, callee.Closure(), args), nil
	case KindString:
		idx, ok := mach.Module.CellByName(callee.Str())
		if !ok {
			return nil, runtimeErr(ErrUndefinedCell, "undefined cell: %s", callee.Str())
		}
		return NewProc(mach.Module, idx, args), nil
	default:
		return nil, runtimeErr(ErrType, "spawn of %s", callee.TypeName())
	}
}
