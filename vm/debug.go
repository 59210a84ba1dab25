package vm

import "sync"

// Debugger pauses processes at cell-entry breakpoints and exposes frame
// and register snapshots. Single-stepping reuses the fuel budget: one
// fuel unit is one instruction, so Step(p, 1) advances exactly one
// transition.
type Debugger struct {
	mu     sync.Mutex
	breaks map[string]bool
}

// NewDebugger creates an empty debugger. Attach it to a Machine's Debug
// field before running.
func NewDebugger() *Debugger {
	return &Debugger{breaks: make(map[string]bool)}
}

// BreakAt arms a breakpoint on entry to the named cell.
func (d *Debugger) BreakAt(cell string) {
	d.mu.Lock()
	d.breaks[cell] = true
	d.mu.Unlock()
}

// ClearBreak disarms a breakpoint.
func (d *Debugger) ClearBreak(cell string) {
	d.mu.Lock()
	delete(d.breaks, cell)
	d.mu.Unlock()
}

func (d *Debugger) shouldBreak(cell string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.breaks[cell]
}

// Step runs a paused or ready process for exactly n instructions.
func (d *Debugger) Step(mach *Machine, p *Proc, n int) Outcome {
	return mach.Run(p, n)
}

// FrameInfo is one snapshot entry of a paused process's call stack.
type FrameInfo struct {
	Cell string
	IP   int
	Regs []Value
}

// Snapshot captures the call stack and per-frame registers of a process
// that is not currently running. Values are not retained; the snapshot
// is for inspection, not for keeping.
func (d *Debugger) Snapshot(m *Module, p *Proc) []FrameInfo {
	out := make([]FrameInfo, len(p.frames))
	for i, fr := range p.frames {
		end := len(p.regs)
		if i+1 < len(p.frames) {
			end = p.frames[i+1].base
		}
		out[i] = FrameInfo{
			Cell: m.Cells[fr.cellIdx].Name,
			IP:   fr.ip,
			Regs: p.regs[fr.base:end],
		}
	}
	return out
}
