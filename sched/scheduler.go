// Package sched runs Lumen processes on a pool of OS-thread workers.
// Processes are cooperatively scheduled: the interpreter returns an
// explicit outcome at every fuel boundary and suspension point, and the
// scheduler decides what runs next. In deterministic mode a single
// worker drains one FIFO queue, so scheduling order is a pure function
// of program behavior.
package sched

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/lumenlang/lumen/vm"
)

// ErrStopped reports a spawn against a stopped scheduler.
var ErrStopped = errors.New("scheduler stopped")

func errCancelled() error {
	return &vm.RuntimeError{Code: vm.ErrCancelled, Message: "process cancelled"}
}

func errUnknownChannel(id uint64) error {
	return &vm.RuntimeError{Code: vm.ErrType, Message: fmt.Sprintf("unknown channel %d", id)}
}

// DefaultFuel is the instruction budget of one scheduling slice.
const DefaultFuel = 4096

// FutureMode selects where awaiters of a completed future are
// enqueued.
type FutureMode int

const (
	// FutureEager readies awaiters onto the finishing worker's local
	// queue, ahead of older global work.
	FutureEager FutureMode = iota
	// FutureDeferred appends awaiters to the back of the global queue
	// in completion order. Deterministic mode forces this.
	FutureDeferred
)

// Config controls a scheduler.
type Config struct {
	// Workers is the pool size. Zero means GOMAXPROCS. Deterministic
	// mode forces one.
	Workers int
	// Fuel is the per-slice instruction budget. Zero means DefaultFuel.
	Fuel int
	// Deterministic disables stealing and multi-worker dispatch so runs
	// replay identically.
	Deterministic bool
	// Futures is the awaiter wakeup policy.
	Futures FutureMode
}

// RunTracer observes process lifecycle for trace recording.
type RunTracer interface {
	ProcSpawned(procID uint64, name string)
	ProcExited(procID uint64, err error)
}

// Task is the scheduler's bookkeeping around one process: its future,
// mailbox, supervision link, and park state.
type Task struct {
	ID      uint64
	Name    string
	Proc    *vm.Proc
	Future  *vm.Future
	Mailbox *Mailbox

	// callee and args are kept for supervised restarts.
	callee vm.Value
	args   []vm.Value

	sup      *Supervisor
	childIdx int
	onExit   func(result vm.Value, err error)

	// park state, guarded by the scheduler lock
	parkedChan *Channel
	parkedSend bool
	parkedMail bool
}

// Scheduler owns the run queues and every live task. One queue per
// worker plus a global injection queue; idle workers steal from the
// back of other workers' queues.
type Scheduler struct {
	mach   *vm.Machine
	cfg    Config
	log    commonlog.Logger
	Tracer RunTracer

	mu       sync.Mutex
	cond     *sync.Cond
	tasks    map[uint64]*Task
	channels map[uint64]*Channel
	nextChan uint64
	global   []*Task
	locals   [][]*Task
	picks    []int
	live     int
	stopped  bool
	wg       sync.WaitGroup
}

// New creates a scheduler for a machine and installs itself as the
// machine's host.
func New(mach *vm.Machine, cfg Config) *Scheduler {
	if cfg.Deterministic {
		cfg.Workers = 1
		cfg.Futures = FutureDeferred
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Fuel <= 0 {
		cfg.Fuel = DefaultFuel
	}
	s := &Scheduler{
		mach:     mach,
		cfg:      cfg,
		log:      commonlog.GetLogger("lumen.sched"),
		tasks:    make(map[uint64]*Task),
		channels: make(map[uint64]*Channel),
		locals:   make([][]*Task, cfg.Workers),
		picks:    make([]int, cfg.Workers),
	}
	s.cond = sync.NewCond(&s.mu)
	mach.Host = s
	return s
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	s.log.Infof("starting %d workers (deterministic=%v)", s.cfg.Workers, s.cfg.Deterministic)
	for w := 0; w < s.cfg.Workers; w++ {
		s.wg.Add(1)
		go s.worker(w)
	}
}

// Stop cancels every live task and shuts the pool down.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for _, t := range s.tasks {
		t.Proc.Cancel.Store(true)
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

// Spawn creates and enqueues a process for a closure or cell-name
// callee. Grants, when nil, leave the process unable to call tools.
func (s *Scheduler) Spawn(name string, callee vm.Value, args []vm.Value, grants map[string]bool) (*Task, error) {
	return s.spawnWith(name, callee, args, grants, nil)
}

// spawnWith installs the exit callback before the task can run, so a
// fast child cannot settle ahead of its registration.
func (s *Scheduler) spawnWith(name string, callee vm.Value, args []vm.Value, grants map[string]bool, onExit func(vm.Value, error)) (*Task, error) {
	return s.spawnTask(name, callee, args, grants, func(t *Task) { t.onExit = onExit })
}

// spawnTask creates a task, runs setup before it becomes runnable, and
// enqueues it.
func (s *Scheduler) spawnTask(name string, callee vm.Value, args []vm.Value, grants map[string]bool, setup func(*Task)) (*Task, error) {
	p, err := s.mach.ProcFor(callee, args)
	if err != nil {
		return nil, err
	}
	p.Grants = grants
	if name != "" {
		p.Name = name
	}
	t := &Task{
		ID:      p.ID,
		Name:    p.Name,
		Proc:    p,
		Future:  vm.NewFuture(),
		Mailbox: NewMailbox(),
		callee:  callee.Retain(),
		args:    args,
	}
	if setup != nil {
		setup(t)
	}
	if s.Tracer != nil {
		s.Tracer.ProcSpawned(t.ID, t.Name)
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.tasks[t.ID] = t
	s.live++
	s.readyLocked(t, -1)
	s.mu.Unlock()
	s.log.Debugf("spawned %s as p%d", t.Name, t.ID)
	return t, nil
}

// RunMain spawns a root process and blocks until it finishes.
func (s *Scheduler) RunMain(cell string, args []vm.Value, grants map[string]bool) (vm.Value, error) {
	done := make(chan struct{})
	var result vm.Value
	var ferr error
	_, err := s.spawnWith("", vm.FromString(cell), args, grants, func(v vm.Value, err error) {
		result, ferr = v, err
		close(done)
	})
	if err != nil {
		return vm.Null, err
	}
	<-done
	return result, ferr
}

// ---------------------------------------------------------------------------
// vm.Host
// ---------------------------------------------------------------------------

// SpawnValue implements vm.Host: bytecode-level spawn. The child
// inherits the parent's grants.
func (s *Scheduler) SpawnValue(callee vm.Value, args []vm.Value, parent *vm.Proc) (vm.Value, error) {
	var grants map[string]bool
	if parent != nil {
		grants = parent.Grants
	}
	t, err := s.Spawn("", callee, args, grants)
	if err != nil {
		return vm.Null, err
	}
	return vm.FromFuture(t.Future), nil
}

// NewChannel implements vm.Host.
func (s *Scheduler) NewChannel(capacity int) (vm.Value, error) {
	if capacity < 0 {
		capacity = 0
	}
	s.mu.Lock()
	s.nextChan++
	id := s.nextChan
	s.channels[id] = &Channel{id: id, cap: capacity}
	s.mu.Unlock()
	return vm.FromChannel(id), nil
}

// MailSend implements vm.Host. Delivery to a process parked on its
// mailbox wakes it immediately.
func (s *Scheduler) MailSend(target uint64, msg vm.Value, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[target]
	if !ok {
		msg.Release()
		return nil // sends to dead processes are dropped, not errors
	}
	t.Mailbox.Push(msg, priority)
	if t.parkedMail {
		if v, ok := t.Mailbox.Pop(); ok {
			t.parkedMail = false
			t.Proc.Deliver(v)
			s.readyLocked(t, -1)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Run queues
// ---------------------------------------------------------------------------

// readyLocked enqueues a runnable task. Worker-local queues are used
// outside deterministic mode; -1 targets the global queue.
func (s *Scheduler) readyLocked(t *Task, worker int) {
	t.parkedChan = nil
	t.parkedMail = false
	if s.cfg.Deterministic || worker < 0 {
		s.global = append(s.global, t)
	} else {
		s.locals[worker] = append(s.locals[worker], t)
	}
	s.cond.Signal()
}

// globalPollEvery bounds how long a worker can run off its local queue
// before it must take from the global queue, so injected tasks cannot
// be starved by a busy worker.
const globalPollEvery = 8

// nextLocked picks the next runnable task for a worker: own queue
// first (with a periodic global-queue poll), then the global queue,
// then stealing from other workers' queues. The owner pushes and pops
// at the back of its queue; thieves take from the front. Blocks until
// work arrives or the scheduler stops.
func (s *Scheduler) nextLocked(worker int) *Task {
	for {
		s.picks[worker]++
		if s.picks[worker]%globalPollEvery == 0 {
			if t := s.popGlobalLocked(); t != nil {
				return t
			}
		}
		if q := s.locals[worker]; len(q) > 0 {
			t := q[len(q)-1]
			s.locals[worker] = q[:len(q)-1]
			return t
		}
		if t := s.popGlobalLocked(); t != nil {
			return t
		}
		if !s.cfg.Deterministic {
			for w := range s.locals {
				if w == worker {
					continue
				}
				if q := s.locals[w]; len(q) > 0 {
					t := q[0]
					s.locals[w] = q[1:]
					return t
				}
			}
		}
		if s.stopped {
			return nil
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) popGlobalLocked() *Task {
	if len(s.global) == 0 {
		return nil
	}
	t := s.global[0]
	s.global = s.global[1:]
	return t
}

// ---------------------------------------------------------------------------
// Worker loop
// ---------------------------------------------------------------------------

func (s *Scheduler) worker(w int) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		t := s.nextLocked(w)
		s.mu.Unlock()
		if t == nil {
			return
		}

		out := s.mach.Run(t.Proc, s.cfg.Fuel)
		switch out.Kind {
		case vm.Done:
			s.finish(t, w, out.Result, nil)
		case vm.Failed:
			s.finish(t, w, vm.Null, out.Err)
		case vm.OutOfFuel, vm.Yielded:
			s.mu.Lock()
			if t.Proc.Cancel.Load() {
				s.mu.Unlock()
				s.finish(t, w, vm.Null, errCancelled())
				continue
			}
			// Yields go to the back of the global queue; a loop that
			// burns its slice rotates behind everything else runnable.
			s.readyLocked(t, -1)
			s.mu.Unlock()
		case vm.Blocked:
			s.park(t, w, out.Block)
		case vm.Paused:
			// A debugger owns the task until it re-readies it.
		}
	}
}

// park completes a suspension immediately when the other side is
// already waiting, otherwise records where the task is parked.
func (s *Scheduler) park(t *Task, w int, b *vm.BlockReason) {
	if t.Proc.Cancel.Load() {
		s.finish(t, w, vm.Null, errCancelled())
		return
	}

	s.mu.Lock()
	switch b.Op {
	case vm.BlockChanSend:
		ch := s.channels[b.Channel]
		if ch == nil {
			s.mu.Unlock()
			s.finish(t, w, vm.Null, errUnknownChannel(b.Channel))
			return
		}
		if wake, ok := ch.trySend(b.Value); ok {
			if wake != 0 {
				if rt := s.tasks[wake]; rt != nil {
					rt.Proc.Deliver(b.Value)
					s.readyLocked(rt, w)
				}
			}
			t.Proc.Deliver(vm.Null)
			s.readyLocked(t, w)
		} else {
			t.parkedChan = ch
			t.parkedSend = true
			ch.parkSend(t.ID, b.Value)
		}

	case vm.BlockChanRecv:
		ch := s.channels[b.Channel]
		if ch == nil {
			s.mu.Unlock()
			s.finish(t, w, vm.Null, errUnknownChannel(b.Channel))
			return
		}
		if v, sender, haveSender, ok := ch.tryRecv(); ok {
			t.Proc.Deliver(v)
			s.readyLocked(t, w)
			if haveSender {
				if st := s.tasks[sender.task]; st != nil {
					st.parkedChan = nil
					st.parkedSend = false
					st.Proc.Deliver(vm.Null)
					s.readyLocked(st, w)
				}
			}
		} else {
			t.parkedChan = ch
			t.parkedSend = false
			ch.parkRecv(t.ID)
		}

	case vm.BlockAwait:
		if !b.Future.AddWaiter(t.ID) {
			v, err, _ := b.Future.Poll()
			s.mu.Unlock()
			if err != nil {
				s.finish(t, w, vm.Null, err)
			} else {
				t.Proc.Deliver(v)
				s.mu.Lock()
				s.readyLocked(t, w)
				s.mu.Unlock()
			}
			return
		}

	case vm.BlockMailRecv:
		if v, ok := t.Mailbox.Pop(); ok {
			t.Proc.Deliver(v)
			s.readyLocked(t, w)
		} else {
			t.parkedMail = true
		}
	}
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Completion
// ---------------------------------------------------------------------------

// finish settles a task: its future completes, awaiters wake (or fail,
// when the task failed), supervision is notified, and the task leaves
// the table. Failure of an awaited process propagates to its awaiters.
// The wakeup queue for awaiters follows the configured FutureMode.
func (s *Scheduler) finish(t *Task, w int, result vm.Value, err error) {
	type settled struct {
		t      *Task
		result vm.Value
		err    error
	}
	work := []settled{{t, result, err}}
	var exits []settled

	s.mu.Lock()
	for len(work) > 0 {
		cur := work[0]
		work = work[1:]
		waiters := cur.t.Future.Complete(cur.result, cur.err)
		for _, pid := range waiters {
			wt := s.tasks[pid]
			if wt == nil {
				continue
			}
			if cur.err != nil {
				work = append(work, settled{wt, vm.Null, cur.err})
			} else {
				wt.Proc.Deliver(cur.result)
				if s.cfg.Futures == FutureEager {
					s.readyLocked(wt, w)
				} else {
					s.readyLocked(wt, -1)
				}
			}
		}
		cur.t.Mailbox.Drain()
		delete(s.tasks, cur.t.ID)
		s.live--
		exits = append(exits, cur)
	}
	if s.live == 0 {
		s.cond.Broadcast()
	}
	s.mu.Unlock()

	for _, e := range exits {
		if e.err != nil {
			s.log.Debugf("p%d (%s) failed: %s", e.t.ID, e.t.Name, e.err)
		} else {
			s.log.Debugf("p%d (%s) done", e.t.ID, e.t.Name)
		}
		if s.Tracer != nil {
			s.Tracer.ProcExited(e.t.ID, e.err)
		}
		if e.t.sup != nil {
			e.t.sup.childExited(e.t, e.err)
		}
		if e.t.onExit != nil {
			e.t.onExit(e.result, e.err)
		}
	}
}

// cancelLocked marks a task cancelled and, when it is parked, wakes it
// so the flag is observed. Parked channel waiters are removed from
// their queues.
func (s *Scheduler) cancelLocked(t *Task) {
	t.Proc.Cancel.Store(true)
	if ch := t.parkedChan; ch != nil {
		if t.parkedSend {
			for i, sw := range ch.sendq {
				if sw.task == t.ID {
					ch.sendq = append(ch.sendq[:i], ch.sendq[i+1:]...)
					break
				}
			}
		} else {
			for i, pid := range ch.recvq {
				if pid == t.ID {
					ch.recvq = append(ch.recvq[:i], ch.recvq[i+1:]...)
					break
				}
			}
		}
		t.parkedChan = nil
		t.Proc.Deliver(vm.Null)
		s.readyLocked(t, -1)
	} else if t.parkedMail {
		t.parkedMail = false
		t.Proc.Deliver(vm.Null)
		s.readyLocked(t, -1)
	}
}
