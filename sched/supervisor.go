package sched

import (
	"fmt"
	"sync"
	"time"

	"github.com/lumenlang/lumen/vm"
)

// Strategy selects what a supervisor restarts when a child fails.
type Strategy int

const (
	// OneForOne restarts only the failed child.
	OneForOne Strategy = iota
	// OneForAll stops and restarts every child.
	OneForAll
)

func (s Strategy) String() string {
	if s == OneForAll {
		return "one_for_all"
	}
	return "one_for_one"
}

// ChildSpec declares one supervised child.
type ChildSpec struct {
	Name   string
	Callee vm.Value
	Args   []vm.Value
	Grants map[string]bool
}

// SupervisorSpec declares a supervisor: its children, strategy, and
// restart intensity. More than MaxRestarts failures inside Window
// escalate instead of restarting.
type SupervisorSpec struct {
	Strategy    Strategy
	MaxRestarts int
	Window      time.Duration
	Children    []ChildSpec
}

// EscalationError is the terminal failure of a supervisor whose restart
// intensity was exceeded. Cause is the child failure that tipped it.
type EscalationError struct {
	Child string
	Cause error
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("supervisor gave up restarting %s: %s", e.Child, e.Cause)
}

// Supervisor watches a set of child processes and restarts them per its
// strategy. Normal child exits are final; only failures restart.
type Supervisor struct {
	s    *Scheduler
	spec SupervisorSpec

	mu       sync.Mutex
	children []*Task
	restarts []time.Time
	err      error
	done     chan struct{}
}

// Supervise starts every child of the spec under a new supervisor.
func (s *Scheduler) Supervise(spec SupervisorSpec) (*Supervisor, error) {
	if spec.Window <= 0 {
		spec.Window = 5 * time.Second
	}
	sup := &Supervisor{
		s:        s,
		spec:     spec,
		children: make([]*Task, len(spec.Children)),
		done:     make(chan struct{}),
	}
	for i := range spec.Children {
		if err := sup.startChild(i); err != nil {
			return nil, err
		}
	}
	return sup, nil
}

func (sup *Supervisor) startChild(idx int) error {
	cs := sup.spec.Children[idx]
	_, err := sup.s.spawnTask(cs.Name, cs.Callee, cs.Args, cs.Grants, func(t *Task) {
		t.sup = sup
		t.childIdx = idx
		sup.mu.Lock()
		sup.children[idx] = t
		sup.mu.Unlock()
	})
	return err
}

// Err returns the escalation error, or nil while the supervisor is
// healthy.
func (sup *Supervisor) Err() error {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	return sup.err
}

// Done is closed when the supervisor escalates.
func (sup *Supervisor) Done() <-chan struct{} { return sup.done }

// Stop cancels every child without restarting.
func (sup *Supervisor) Stop() {
	sup.mu.Lock()
	if sup.err == nil {
		sup.err = ErrStopped
		close(sup.done)
	}
	children := append([]*Task(nil), sup.children...)
	sup.mu.Unlock()

	sup.s.mu.Lock()
	for _, t := range children {
		if t != nil {
			sup.s.cancelLocked(t)
		}
	}
	sup.s.mu.Unlock()
}

// childExited is called by the scheduler after a supervised task
// settles. Failures are counted against the restart intensity; crossing
// it stops all children and escalates.
func (sup *Supervisor) childExited(t *Task, err error) {
	sup.mu.Lock()
	if sup.err != nil {
		sup.mu.Unlock()
		return
	}
	if sup.children[t.childIdx] != t {
		// A stale exit from a child already replaced by a restart.
		sup.mu.Unlock()
		return
	}
	sup.children[t.childIdx] = nil
	if err == nil {
		sup.mu.Unlock()
		return
	}

	now := time.Now()
	sup.restarts = append(sup.restarts, now)
	cutoff := now.Add(-sup.spec.Window)
	for len(sup.restarts) > 0 && sup.restarts[0].Before(cutoff) {
		sup.restarts = sup.restarts[1:]
	}
	if len(sup.restarts) > sup.spec.MaxRestarts {
		sup.err = &EscalationError{Child: t.Name, Cause: err}
		close(sup.done)
		children := append([]*Task(nil), sup.children...)
		sup.mu.Unlock()

		sup.s.log.Errorf("supervisor escalating after %d restarts in %s: %s",
			len(sup.restarts), sup.spec.Window, err)
		sup.s.mu.Lock()
		for _, c := range children {
			if c != nil {
				sup.s.cancelLocked(c)
			}
		}
		sup.s.mu.Unlock()
		return
	}
	strategy := sup.spec.Strategy
	var toStop []*Task
	if strategy == OneForAll {
		for i, c := range sup.children {
			if c != nil && i != t.childIdx {
				toStop = append(toStop, c)
			}
		}
	}
	sup.mu.Unlock()

	sup.s.log.Infof("restarting %s (%s) after failure: %s", t.Name, strategy, err)
	if strategy == OneForAll {
		sup.s.mu.Lock()
		for _, c := range toStop {
			c.sup = nil // their exits must not count as failures
			sup.s.cancelLocked(c)
		}
		sup.s.mu.Unlock()
		for i := range sup.spec.Children {
			if rerr := sup.startChild(i); rerr != nil {
				sup.s.log.Errorf("restart of child %d failed: %s", i, rerr)
			}
		}
		return
	}
	if rerr := sup.startChild(t.childIdx); rerr != nil {
		sup.s.log.Errorf("restart of %s failed: %s", t.Name, rerr)
	}
}
