package sched

import "github.com/lumenlang/lumen/vm"

// Channel is a bounded, VM-level channel. It is not a Go channel: all
// transfers are decided by the scheduler under its lock, which keeps
// delivery order reproducible in deterministic mode. Waiter queues are
// strictly first-in first-out.
type Channel struct {
	id  uint64
	cap int
	buf []vm.Value

	sendq []sendWaiter // parked senders, oldest first
	recvq []uint64     // parked receivers, oldest first
}

type sendWaiter struct {
	task uint64
	val  vm.Value
}

// trySend attempts a send without parking. It returns the receiver to
// wake (0 if none) and whether the send completed. Caller holds the
// scheduler lock.
func (ch *Channel) trySend(v vm.Value) (wake uint64, ok bool) {
	if len(ch.recvq) > 0 {
		wake = ch.recvq[0]
		ch.recvq = ch.recvq[1:]
		return wake, true
	}
	if len(ch.buf) < ch.cap {
		ch.buf = append(ch.buf, v)
		return 0, true
	}
	return 0, false
}

// tryRecv attempts a receive without parking. A buffered value is taken
// first; a parked sender then refills the freed slot, preserving send
// order. Caller holds the scheduler lock.
func (ch *Channel) tryRecv() (v vm.Value, sender sendWaiter, haveSender, ok bool) {
	if len(ch.buf) > 0 {
		v = ch.buf[0]
		copy(ch.buf, ch.buf[1:])
		ch.buf = ch.buf[:len(ch.buf)-1]
		if len(ch.sendq) > 0 {
			sender = ch.sendq[0]
			ch.sendq = ch.sendq[1:]
			ch.buf = append(ch.buf, sender.val)
			haveSender = true
		}
		return v, sender, haveSender, true
	}
	if len(ch.sendq) > 0 {
		// Rendezvous: unbuffered, or buffer momentarily empty.
		sender = ch.sendq[0]
		ch.sendq = ch.sendq[1:]
		return sender.val, sender, true, true
	}
	return vm.Null, sendWaiter{}, false, false
}

func (ch *Channel) parkSend(task uint64, v vm.Value) {
	ch.sendq = append(ch.sendq, sendWaiter{task: task, val: v})
}

func (ch *Channel) parkRecv(task uint64) {
	ch.recvq = append(ch.recvq, task)
}
