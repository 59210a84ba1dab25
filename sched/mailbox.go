package sched

import (
	"sync"

	"github.com/lumenlang/lumen/vm"
)

// message is one mailbox entry. seq breaks priority ties so delivery
// within a priority level stays first-in first-out.
type message struct {
	val      vm.Value
	priority int
	seq      uint64
}

// Mailbox is a process's incoming message queue. Higher priorities are
// delivered first; equal priorities deliver in arrival order. Senders
// never block.
type Mailbox struct {
	mu   sync.Mutex
	seq  uint64
	msgs []message
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Push enqueues a message at the given priority.
func (mb *Mailbox) Push(v vm.Value, priority int) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.seq++
	m := message{val: v, priority: priority, seq: mb.seq}
	// Insert behind every message of equal or higher priority.
	i := len(mb.msgs)
	for i > 0 && mb.msgs[i-1].priority < priority {
		i--
	}
	mb.msgs = append(mb.msgs, message{})
	copy(mb.msgs[i+1:], mb.msgs[i:])
	mb.msgs[i] = m
}

// Pop dequeues the highest-priority message.
func (mb *Mailbox) Pop() (vm.Value, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.msgs) == 0 {
		return vm.Null, false
	}
	m := mb.msgs[0]
	copy(mb.msgs, mb.msgs[1:])
	mb.msgs = mb.msgs[:len(mb.msgs)-1]
	return m.val, true
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.msgs)
}

// Drain empties the mailbox, releasing queued values. Called when a
// process exits or restarts.
func (mb *Mailbox) Drain() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for _, m := range mb.msgs {
		m.val.Release()
	}
	mb.msgs = nil
}
