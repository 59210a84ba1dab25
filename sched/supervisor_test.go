package sched

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lumenlang/lumen/vm"
)

// spawnCounter tallies ProcSpawned calls by task name.
type spawnCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newSpawnCounter() *spawnCounter {
	return &spawnCounter{counts: make(map[string]int)}
}

func (c *spawnCounter) ProcSpawned(procID uint64, name string) {
	c.mu.Lock()
	c.counts[name]++
	c.mu.Unlock()
}

func (c *spawnCounter) ProcExited(procID uint64, err error) {}

func (c *spawnCounter) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// startTraced wires the tracer in before any worker can run.
func startTraced(t *testing.T, m *vm.Module, tr RunTracer) *Scheduler {
	t.Helper()
	mach := vm.NewMachine(m)
	s := New(mach, Config{})
	s.Tracer = tr
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func crasherCell() vm.Cell {
	return vm.Cell{
		Name: "crash", NumRegs: 1,
		Consts: []vm.Const{strConst("always down")},
		Code: []vm.Instruction{
			vm.ABx(vm.OpLoadConst, 0, 0),
			vm.ABC(vm.OpHalt, 0, 0, 0),
		},
	}
}

func spinCell() vm.Cell {
	return vm.Cell{
		Name: "spin", NumRegs: 1,
		Code: []vm.Instruction{
			vm.ABC(vm.OpYield, 0, 0, 0),
			vm.ASBx(vm.OpJump, 0, -2),
		},
	}
}

func okCell() vm.Cell {
	return vm.Cell{
		Name: "ok", NumRegs: 1,
		Code: []vm.Instruction{
			vm.ABC(vm.OpReturn, 0, 0, 0),
		},
	}
}

func awaitEscalation(t *testing.T, sup *Supervisor) *EscalationError {
	t.Helper()
	select {
	case <-sup.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor never escalated")
	}
	var esc *EscalationError
	if !errors.As(sup.Err(), &esc) {
		t.Fatalf("supervisor err = %v, want escalation", sup.Err())
	}
	return esc
}

func TestOneForOneRestartsUntilEscalation(t *testing.T) {
	counter := newSpawnCounter()
	s := startTraced(t, buildModule(crasherCell()), counter)

	sup, err := s.Supervise(SupervisorSpec{
		Strategy:    OneForOne,
		MaxRestarts: 3,
		Children: []ChildSpec{
			{Name: "crasher", Callee: vm.FromString("crash")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	esc := awaitEscalation(t, sup)
	if esc.Child != "crasher" {
		t.Errorf("escalated child = %s", esc.Child)
	}
	var re *vm.RuntimeError
	if !errors.As(esc.Cause, &re) || re.Code != vm.ErrHalt {
		t.Errorf("escalation cause = %v", esc.Cause)
	}
	// Initial start plus MaxRestarts restarts; the next failure escalates.
	if got := counter.count("crasher"); got != 4 {
		t.Errorf("crasher spawned %d times, want 4", got)
	}
}

// exitTracker records exit errors by task name.
type exitTracker struct {
	mu    sync.Mutex
	names map[uint64]string
	exits map[string][]error
}

func newExitTracker() *exitTracker {
	return &exitTracker{names: make(map[uint64]string), exits: make(map[string][]error)}
}

func (c *exitTracker) ProcSpawned(procID uint64, name string) {
	c.mu.Lock()
	c.names[procID] = name
	c.mu.Unlock()
}

func (c *exitTracker) ProcExited(procID uint64, err error) {
	c.mu.Lock()
	name := c.names[procID]
	c.exits[name] = append(c.exits[name], err)
	c.mu.Unlock()
}

func (c *exitTracker) spawned(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, nm := range c.names {
		if nm == name {
			n++
		}
	}
	return n
}

func (c *exitTracker) exited(name string) []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.exits[name]...)
}

func TestOneForOneLeavesSiblingAlone(t *testing.T) {
	tr := newExitTracker()
	s := startTraced(t, buildModule(crasherCell(), spinCell()), tr)

	sup, err := s.Supervise(SupervisorSpec{
		Strategy:    OneForOne,
		MaxRestarts: 1,
		Children: []ChildSpec{
			{Name: "crasher", Callee: vm.FromString("crash")},
			{Name: "steady", Callee: vm.FromString("spin")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	esc := awaitEscalation(t, sup)
	if esc.Child != "crasher" {
		t.Errorf("escalated child = %s", esc.Child)
	}
	// The crasher alone is restarted; the sibling is started once and
	// stays up until the supervisor itself gives up.
	if got := tr.spawned("crasher"); got != 2 {
		t.Errorf("crasher spawned %d times, want 2", got)
	}
	if got := tr.spawned("steady"); got != 1 {
		t.Errorf("steady spawned %d times, want 1", got)
	}
	deadline := time.After(5 * time.Second)
	for len(tr.exited("steady")) == 0 {
		select {
		case <-deadline:
			t.Fatal("steady never exited after escalation")
		case <-time.After(5 * time.Millisecond):
		}
	}
	exits := tr.exited("steady")
	var re *vm.RuntimeError
	if len(exits) != 1 || !errors.As(exits[0], &re) || re.Code != vm.ErrCancelled {
		t.Errorf("steady exits = %v, want one cancellation at escalation", exits)
	}
}

func TestNormalExitNotRestarted(t *testing.T) {
	counter := newSpawnCounter()
	s := startTraced(t, buildModule(okCell()), counter)

	sup, err := s.Supervise(SupervisorSpec{
		Strategy:    OneForOne,
		MaxRestarts: 3,
		Children:    []ChildSpec{{Name: "oneshot", Callee: vm.FromString("ok")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sup.Stop()

	// Give the child time to finish and any wrong restart to happen.
	time.Sleep(100 * time.Millisecond)
	if sup.Err() != nil {
		t.Fatalf("supervisor failed: %v", sup.Err())
	}
	if got := counter.count("oneshot"); got != 1 {
		t.Errorf("normal exit restarted: spawned %d times", got)
	}
}

func TestOneForAllRestartsSiblings(t *testing.T) {
	counter := newSpawnCounter()
	s := startTraced(t, buildModule(crasherCell(), spinCell()), counter)

	sup, err := s.Supervise(SupervisorSpec{
		Strategy:    OneForAll,
		MaxRestarts: 1,
		Children: []ChildSpec{
			{Name: "crasher", Callee: vm.FromString("crash")},
			{Name: "steady", Callee: vm.FromString("spin")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	// First crash restarts both children; the second escalates.
	awaitEscalation(t, sup)
	if got := counter.count("crasher"); got != 2 {
		t.Errorf("crasher spawned %d times, want 2", got)
	}
	if got := counter.count("steady"); got != 2 {
		t.Errorf("steady spawned %d times, want 2 (sibling restart)", got)
	}
}

func TestSupervisorStop(t *testing.T) {
	_, s := startScheduler(t, buildModule(spinCell()), Config{})

	sup, err := s.Supervise(SupervisorSpec{
		Strategy:    OneForOne,
		MaxRestarts: 1,
		Children:    []ChildSpec{{Name: "steady", Callee: vm.FromString("spin")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	sup.Stop()

	select {
	case <-sup.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not settle the supervisor")
	}
	if !errors.Is(sup.Err(), ErrStopped) {
		t.Errorf("stopped supervisor err = %v", sup.Err())
	}
}
