package event

import (
	"sort"

	"ueficore/efi"
)

// TimerKind selects SetTimer's mode.
type TimerKind int

const (
	TimerCancel TimerKind = iota
	TimerPeriodic
	TimerRelative
)

// hundredNsPerSec is the fixed 100ns-unit conversion factor UEFI uses for
// timer trigger values.
const hundredNsPerSec = 10_000_000

// SetTimer arms, rearms, or cancels e's timer. triggerTime is expressed in
// 100ns units and is converted to hardware ticks via the platform counter
// frequency. If the resulting due time has already elapsed, expired timers
// are processed inline in this call: each is signaled, and its notify runs
// when the TPL is next restored below its notify level. There is no
// separate check-timer event.
func (c *Core) SetTimer(e *Event, kind TimerKind, triggerTime uint64) *efi.Error {
	if e.typeFlags&TypeTimer == 0 {
		return efi.NewError("event", efi.ErrInvalidParameter, "event was not created with the timer flag")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if kind == TimerCancel {
		c.cancelTimerLocked(e)
		return nil
	}

	ticks := c.ticksFromTriggerLocked(triggerTime)
	due := c.nowTicks + ticks

	period := uint64(0)
	if kind == TimerPeriodic {
		period = ticks
		if period == 0 {
			period = 1
		}
	}

	c.cancelTimerLocked(e)
	e.timer = &timerRecord{dueTicks: due, periodTicks: period}
	c.insertTimerLocked(e)

	if due <= c.nowTicks {
		c.checkExpirationsLocked()
	}
	return nil
}

// ticksFromTriggerLocked converts a 100ns trigger value to hardware ticks
// using the clock's frequency. Callers must hold c.mu.
func (c *Core) ticksFromTriggerLocked(triggerTime uint64) uint64 {
	freq := uint64(hundredNsPerSec)
	if c.clock != nil {
		if f := c.clock.FrequencyHz(); f > 0 {
			freq = f
		}
	}
	return (triggerTime * freq) / hundredNsPerSec
}

// cancelTimerLocked clears e's timer record and removes it from the sorted
// timer list. Callers must hold c.mu.
func (c *Core) cancelTimerLocked(e *Event) {
	if e.timer == nil {
		return
	}
	e.timer = nil
	for i, t := range c.timers {
		if t == e {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
	}
}

// insertTimerLocked inserts e into c.timers keeping ascending dueTicks
// order. Callers must hold c.mu and must have already set e.timer.
func (c *Core) insertTimerLocked(e *Event) {
	idx := sort.Search(len(c.timers), func(i int) bool {
		return c.timers[i].timer.dueTicks > e.timer.dueTicks
	})
	c.timers = append(c.timers, nil)
	copy(c.timers[idx+1:], c.timers[idx:])
	c.timers[idx] = e
}

// Tick is the platform-provided clock interrupt handler. elapsedTicks lets
// tests and real counter-extension logic both advance the monotonic
// counter by a caller-supplied delta; a platform with a narrower hardware
// counter is expected to extend it to 64 bits itself before calling Tick.
// Tick runs at TPLHighLevel and then restores the prior TPL, which
// dispatches any notifies its expirations queued.
func (c *Core) Tick(elapsedTicks uint64) {
	old := c.scheduler.Raise(efi.TPLHighLevel)
	c.mu.Lock()
	c.nowTicks += elapsedTicks
	c.checkExpirationsLocked()
	c.mu.Unlock()
	c.scheduler.Restore(old)
}

// checkExpirationsLocked pops every timer whose due time has passed,
// signals it, and reinserts periodic timers with their due time advanced
// by one period (snapped to now if it fell further behind). Callers must
// hold c.mu.
func (c *Core) checkExpirationsLocked() {
	for len(c.timers) > 0 && c.timers[0].timer.dueTicks <= c.nowTicks {
		e := c.timers[0]
		c.timers = c.timers[1:]

		period := e.timer.periodTicks
		c.signalLocked(e)

		if period > 0 {
			due := e.timer.dueTicks + period
			if due <= c.nowTicks {
				due = c.nowTicks
			}
			e.timer = &timerRecord{dueTicks: due, periodTicks: period}
			c.insertTimerLocked(e)
		} else {
			e.timer = nil
		}
	}
}

// NowTicks returns the current monotonic tick count.
func (c *Core) NowTicks() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowTicks
}
