// Package tpl implements the task-priority-level scheduler: a small set of
// nested priority levels that gate interrupt delivery and event dispatch,
// built over an atomically-guarded, busy-wait-free critical section. There
// is no real CPU interrupt flag to flip here, so the scheduler's own
// interrupts flag plays that role in software.
package tpl

import (
	"sync"

	"ueficore/efi"
	"ueficore/internal/klog"
)

var log = klog.For("tpl")

// Dispatcher drains the pending-event queue for a single priority level.
// The event package implements this interface and registers itself with
// Scheduler.SetDispatcher; tpl does not know about events directly so the
// two packages don't form an import cycle.
type Dispatcher interface {
	// DispatchQueue runs every queued notify callback at the given TPL, in
	// FIFO order, with the scheduler's lock released.
	DispatchQueue(level efi.TPL)
}

// Scheduler tracks the single cooperative task's current priority and the
// bitmask of priorities with pending, undispatched event queues.
type Scheduler struct {
	mu sync.Mutex

	current     efi.TPL
	pendingMask uint32 // bit i set => priority i has a non-empty queue
	interrupts  bool   // true == interrupts currently enabled

	dispatcher Dispatcher
}

// New returns a Scheduler starting at TPLApplication with interrupts
// enabled, matching the state boot services are in before any driver runs.
func New() *Scheduler {
	return &Scheduler{current: efi.TPLApplication, interrupts: true}
}

// SetDispatcher wires the event package's queue-draining callback. Must be
// called once during firmware construction before any Raise/Restore.
func (s *Scheduler) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

// Current returns the active TPL.
func (s *Scheduler) Current() efi.TPL {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// InterruptsEnabled reports whether the scheduler currently permits
// interrupt delivery (i.e. current TPL is below TPLHighLevel).
func (s *Scheduler) InterruptsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// MarkPending records that priority level has a queued, undispatched
// notification. Called by the event package under its own lock before it
// releases control back to tpl.
func (s *Scheduler) MarkPending(level efi.TPL) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingMask |= 1 << uint(level)
}

// Raise moves the current TPL up to new and returns the prior value so the
// caller can later Restore it. new must be >= the current TPL; violating
// that is a contract breach and is fatal.
func (s *Scheduler) Raise(new efi.TPL) efi.TPL {
	s.mu.Lock()
	defer s.mu.Unlock()

	if new < s.current {
		log.Panicf("RaiseTPL: new level %s is below current level %s", new, s.current)
	}

	old := s.current
	s.current = new
	if new == efi.TPLHighLevel && s.interrupts {
		s.interrupts = false
	}
	return old
}

// Restore lowers the current TPL back to old, which must be <= the current
// TPL (restoring to a strictly higher level is a contract breach and is
// fatal). While any pending queue exists above old, Restore sets the
// current TPL to the highest such priority, re-enables interrupts if that
// drops the TPL below TPLHighLevel, dispatches that priority's queue with
// the lock released, and repeats before finally settling at old.
func (s *Scheduler) Restore(old efi.TPL) {
	s.mu.Lock()
	if old > s.current {
		level := s.current
		s.mu.Unlock()
		log.Panicf("RestoreTPL: restoring to %s above current level %s", old, level)
		return
	}

	for {
		level, ok := s.highestPendingAbove(old)
		if !ok {
			break
		}

		s.current = level
		s.pendingMask &^= 1 << uint(level)
		if level < efi.TPLHighLevel {
			s.interrupts = true
		}

		d := s.dispatcher
		s.mu.Unlock()
		if d != nil {
			d.DispatchQueue(level)
		}
		s.mu.Lock()
	}

	s.current = old
	if old < efi.TPLHighLevel {
		s.interrupts = true
	}
	s.mu.Unlock()
}

// highestPendingAbove returns the highest priority level with a pending
// queue that is still strictly above floor. Callers must hold s.mu.
func (s *Scheduler) highestPendingAbove(floor efi.TPL) (efi.TPL, bool) {
	for level := efi.TPLHighLevel; level > floor; level-- {
		if s.pendingMask&(1<<uint(level)) != 0 {
			return level, true
		}
	}
	return 0, false
}
