package sched

import (
	"sync"

	"github.com/lumenlang/lumen/vm"
)

// Nursery is a structured-concurrency scope: every process started in
// it finishes or is detached before Wait returns, and the first failure
// cancels the remaining siblings. Cancellation is cooperative; a
// sibling observes it at its next suspension point.
type Nursery struct {
	s *Scheduler

	mu        sync.Mutex
	wg        sync.WaitGroup
	children  []*nurseryChild
	err       error
	cancelled bool
}

type nurseryChild struct {
	t        *Task
	detached bool
	exited   bool
}

// NewNursery opens a scope on the scheduler.
func (s *Scheduler) NewNursery() *Nursery {
	return &Nursery{s: s}
}

// Go starts a child in the scope and returns its future.
func (n *Nursery) Go(name string, callee vm.Value, args []vm.Value, grants map[string]bool) (*vm.Future, error) {
	n.mu.Lock()
	if n.cancelled {
		n.mu.Unlock()
		return nil, ErrStopped
	}
	n.wg.Add(1)
	n.mu.Unlock()

	c := &nurseryChild{}
	t, err := n.s.spawnWith(name, callee, args, grants, func(_ vm.Value, err error) {
		n.mu.Lock()
		if c.detached {
			n.mu.Unlock()
			return
		}
		c.exited = true
		n.mu.Unlock()
		if err != nil {
			n.fail(err)
		}
		n.wg.Done()
	})
	if err != nil {
		n.wg.Done()
		return nil, err
	}
	c.t = t
	n.mu.Lock()
	n.children = append(n.children, c)
	n.mu.Unlock()
	return t.Future, nil
}

// Detach releases the child owning the future from the scope: Wait no
// longer blocks on it and its failure no longer cancels siblings. The
// child keeps running on the scheduler.
func (n *Nursery) Detach(fut *vm.Future) {
	n.mu.Lock()
	for i, c := range n.children {
		if c.t.Future != fut {
			continue
		}
		if c.detached || c.exited {
			n.mu.Unlock()
			return
		}
		c.detached = true
		n.children = append(n.children[:i], n.children[i+1:]...)
		n.mu.Unlock()
		n.wg.Done()
		return
	}
	n.mu.Unlock()
}

// Cancel cancels every child in the scope. Wait still blocks until the
// children observe the flag and settle.
func (n *Nursery) Cancel() {
	n.cancelAll()
}

// fail records the first error and cancels the siblings.
func (n *Nursery) fail(err error) {
	n.mu.Lock()
	if n.err == nil {
		n.err = err
	}
	n.mu.Unlock()
	n.cancelAll()
}

func (n *Nursery) cancelAll() {
	n.mu.Lock()
	if n.cancelled {
		n.mu.Unlock()
		return
	}
	n.cancelled = true
	var tasks []*Task
	for _, c := range n.children {
		if !c.detached && !c.exited {
			tasks = append(tasks, c.t)
		}
	}
	n.mu.Unlock()

	n.s.mu.Lock()
	for _, t := range tasks {
		n.s.cancelLocked(t)
	}
	n.s.mu.Unlock()
}

// Wait blocks until every child has settled or been detached and
// returns the first failure, if any.
func (n *Nursery) Wait() error {
	n.wg.Wait()
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}
