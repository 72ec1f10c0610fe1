// Package event implements the event and timer core: event objects, event
// groups, a due-time-ordered timer list, periodic-tick bookkeeping and the
// monotonic time counter, generalized from a single hardware interrupt
// driving a fixed handler set into a general-purpose event/timer list, and
// wired into tpl.Scheduler as its Dispatcher.
package event

import (
	"container/list"
	"sync"

	"ueficore/efi"
	"ueficore/internal/klog"
	"ueficore/tpl"
)

var log = klog.For("event")

// Type is a bitmask of an event's creation flags.
type Type uint32

const (
	TypeNotifySignal Type = 1 << iota
	TypeNotifyWait
	TypeTimer
	TypeRuntime
)

// NotifyFn is called with the event and its context when a notify-signal
// event is dispatched, or synchronously by Check for notify-wait events.
type NotifyFn func(e *Event, ctx interface{})

type state int

const (
	stateIdle state = iota
	stateQueued
	stateSignaled
)

// timerRecord tracks an armed timer's next due time and, for periodic
// timers, its repeat period.
type timerRecord struct {
	dueTicks    uint64
	periodTicks uint64
}

// Event is a registered event object: its creation flags, notify callback,
// optional group membership, and current signal/queue state.
type Event struct {
	id int

	typeFlags Type
	notifyTPL efi.TPL
	notifyFn  NotifyFn
	notifyCtx interface{}
	group     efi.GUID
	hasGroup  bool

	signalCount int
	state       state
	runtime     bool

	timer *timerRecord

	elem *list.Element // queue membership, nil if not queued
}

// ID returns a stable handle for this event, usable as the caller-visible
// identity (EFI_EVENT is an opaque pointer; here it's an opaque integer).
func (e *Event) ID() int { return e.id }

// validCreateFlags whitelists the type-flag combinations CreateEvent
// allows.
func validCreateFlags(t Type) bool {
	switch t &^ TypeRuntime {
	case TypeTimer,
		TypeTimer | TypeNotifySignal,
		TypeTimer | TypeNotifyWait,
		TypeNotifyWait,
		TypeNotifySignal,
		0:
		return true
	default:
		return false
	}
}

// Clock abstracts the platform hardware tick counter so tests can drive it
// deterministically instead of depending on wall-clock time.
type Clock interface {
	// FrequencyHz returns the counter's tick frequency.
	FrequencyHz() uint64
}

// Core is the singleton event/timer database: per-TPL FIFO queues, the
// timer list ordered by due time, event-group signal lists and the
// monotonic tick counter. It implements tpl.Dispatcher so the TPL scheduler
// can drain its queues on Restore.
type Core struct {
	mu sync.Mutex

	scheduler *tpl.Scheduler
	clock     Clock

	nextID int
	events map[int]*Event

	// queues[tpl] is the FIFO of events pending notification at that
	// priority.
	queues map[efi.TPL]*list.List

	// groups[guid] lists every event currently registered in that event
	// group, for SignalEvent's group-wide fan-out.
	groups map[efi.GUID][]*Event

	// timers is kept sorted ascending by dueTicks.
	timers []*Event

	nowTicks uint64

	// idleEvent is signaled by WaitForEvent between polling passes so that
	// platform power management can react.
	idleEvent *Event
}

// New constructs a Core wired to scheduler and clock, and registers itself
// as the scheduler's dispatcher.
func New(scheduler *tpl.Scheduler, clock Clock) *Core {
	c := &Core{
		scheduler: scheduler,
		clock:     clock,
		events:    make(map[int]*Event),
		queues:    make(map[efi.TPL]*list.List),
		groups:    make(map[efi.GUID][]*Event),
		nextID:    1,
	}
	scheduler.SetDispatcher(c)
	c.idleEvent, _ = c.CreateEvent(0, efi.TPLApplication, nil, nil, efi.NilGUID, false)
	return c
}

// CreateEvent validates the flag combination and registers a new Event.
// Supplying one of the two well-known event-group GUIDs implies
// notify-signal delivery for that event even if the caller didn't request
// it, since both groups are only ever driven by a group-wide signal, never
// by an individual SignalEvent call.
func (c *Core) CreateEvent(t Type, notifyTPL efi.TPL, fn NotifyFn, ctx interface{}, group efi.GUID, hasGroup bool) (*Event, *efi.Error) {
	if hasGroup && (group == efi.EventGroupExitBootServices || group == efi.EventGroupVirtualAddressChange) {
		t |= TypeNotifySignal
	}

	if !validCreateFlags(t) {
		return nil, efi.NewError("event", efi.ErrInvalidParameter, "unsupported event type flag combination")
	}

	if t&(TypeNotifySignal|TypeNotifyWait) != 0 {
		if fn == nil {
			return nil, efi.NewError("event", efi.ErrInvalidParameter, "notify event requires a notify function")
		}
		if !notifyTPL.Valid() || notifyTPL <= efi.TPLApplication || notifyTPL >= efi.TPLHighLevel {
			return nil, efi.NewError("event", efi.ErrInvalidParameter, "notify_tpl out of range")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := &Event{
		id:        c.nextID,
		typeFlags: t,
		notifyTPL: notifyTPL,
		notifyFn:  fn,
		notifyCtx: ctx,
		group:     group,
		hasGroup:  hasGroup,
		runtime:   t&TypeRuntime != 0,
	}
	c.nextID++
	c.events[e.id] = e

	if hasGroup {
		c.groups[group] = append(c.groups[group], e)
	}

	return e, nil
}

// CloseEvent cancels any active timer, unlinks e from its notify queue,
// group list and timer list, then discards it.
func (c *Core) CloseEvent(e *Event) *efi.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.events[e.id]; !ok {
		return efi.NewError("event", efi.ErrInvalidParameter, "unknown event")
	}

	c.cancelTimerLocked(e)
	c.dequeueLocked(e)

	if e.hasGroup {
		list := c.groups[e.group]
		for i, m := range list {
			if m == e {
				c.groups[e.group] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}

	delete(c.events, e.id)
	return nil
}

// dequeueLocked removes e from whichever per-TPL queue it currently
// occupies, if any. Callers must hold c.mu.
func (c *Core) dequeueLocked(e *Event) {
	if e.elem == nil {
		return
	}
	if q, ok := c.queues[e.notifyTPL]; ok {
		q.Remove(e.elem)
	}
	e.elem = nil
	e.state = stateIdle
}

// SignalEvent marks e signaled. It is idempotent within one cycle: a second
// SignalEvent before the count is cleared by Check/dispatch has no
// additional effect.
func (c *Core) SignalEvent(e *Event) *efi.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signalLocked(e)
	return nil
}

// SignalGroup signals every event currently registered under group through
// the same per-event path SignalEvent uses: every member's signal count is
// set, but only notify-signal members queue their notify (a grouped
// notify-signal member queues every member of its group). It exists because a
// group-wide signal (e.g. exit-boot-services) has no single representative
// event of its own to call SignalEvent on.
func (c *Core) SignalGroup(group efi.GUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, member := range c.groups[group] {
		c.signalLocked(member)
	}
}

func (c *Core) signalLocked(e *Event) {
	if e.signalCount == 0 {
		e.signalCount++
	}

	if e.typeFlags&TypeNotifySignal == 0 {
		return
	}

	if e.hasGroup {
		for _, member := range c.groups[e.group] {
			c.queueLocked(member)
		}
		return
	}
	c.queueLocked(e)
}

// queueLocked appends e to its notify-TPL queue if it is not already
// queued, and marks that priority pending on the scheduler. Callers must
// hold c.mu.
func (c *Core) queueLocked(e *Event) {
	if e.state == stateQueued {
		return
	}
	q, ok := c.queues[e.notifyTPL]
	if !ok {
		q = list.New()
		c.queues[e.notifyTPL] = q
	}
	e.elem = q.PushBack(e)
	e.state = stateQueued
	c.scheduler.MarkPending(e.notifyTPL)
}

// CheckEvent polls e's signal state. For notify-wait events the notify
// callback is invoked synchronously first. Returns success (nil) and
// clears signalCount to zero when signalCount > 0; otherwise returns
// ErrNotReady.
func (c *Core) CheckEvent(e *Event) *efi.Error {
	c.mu.Lock()

	if e.typeFlags&TypeNotifyWait != 0 {
		c.queueSynchronousLocked(e)
	}

	if e.signalCount > 0 {
		e.signalCount = 0
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return efi.NewError("event", efi.ErrNotReady, "event not signaled")
}

// queueSynchronousLocked invokes e's notify callback inline at its
// notify-TPL, released from the lock, mirroring the dispatch semantics used
// for queued notify-signal events but without going through the per-TPL
// queue (notify_wait events are driven by polling, not by SignalEvent).
func (c *Core) queueSynchronousLocked(e *Event) {
	fn, ctx, notifyTPL := e.notifyFn, e.notifyCtx, e.notifyTPL
	c.mu.Unlock()
	old := c.scheduler.Raise(notifyTPL)
	if fn != nil {
		fn(e, ctx)
	}
	c.scheduler.Restore(old)
	c.mu.Lock()
}

// DispatchQueue implements tpl.Dispatcher: it drains the FIFO queue for
// level, calling each event's notify function with the lock released and
// the caller (tpl.Scheduler) having already established level as current.
func (c *Core) DispatchQueue(level efi.TPL) {
	c.mu.Lock()
	q, ok := c.queues[level]
	if !ok {
		c.mu.Unlock()
		return
	}

	var toRun []*Event
	for el := q.Front(); el != nil; el = el.Next() {
		toRun = append(toRun, el.Value.(*Event))
	}
	q.Init()
	for _, e := range toRun {
		e.elem = nil
		e.state = stateIdle
		if e.typeFlags&TypeNotifySignal != 0 {
			e.signalCount = 0
		}
	}
	c.mu.Unlock()

	for _, e := range toRun {
		if e.notifyFn != nil {
			e.notifyFn(e, e.notifyCtx)
		}
	}
}

// WaitForEvent blocks until one of events is signaled; only permitted at
// TPLApplication. It polls the input events via Check in a loop, signaling
// the idle-loop event between passes, and returns the index of the first
// event found signaled.
func (c *Core) WaitForEvent(events []*Event) (int, *efi.Error) {
	if c.scheduler.Current() != efi.TPLApplication {
		return -1, efi.NewError("event", efi.ErrUnsupported, "WaitForEvent requires application TPL")
	}

	for {
		for i, e := range events {
			if c.CheckEvent(e) == nil {
				return i, nil
			}
		}
		c.SignalEvent(c.idleEvent)
	}
}
