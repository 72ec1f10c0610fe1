package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ueficore/efi"
	"ueficore/tpl"
)

func newTestCore() (*tpl.Scheduler, *Core) {
	s := tpl.New()
	return s, New(s, FixedClock{Hz: hundredNsPerSec})
}

func TestNotifySignalDispatchedExactlyOnceAcrossTwoSignals(t *testing.T) {
	s, c := newTestCore()

	calls := 0
	e, err := c.CreateEvent(TypeNotifySignal, efi.TPLNotify, func(*Event, interface{}) { calls++ }, nil, efi.NilGUID, false)
	require.Nil(t, err)

	old := s.Raise(efi.TPLHighLevel)
	require.Nil(t, c.SignalEvent(e))
	require.Nil(t, c.SignalEvent(e))
	s.Restore(old)

	assert.Equal(t, 1, calls)
}

func TestSignaledNotifyFiresOnlyOnRestore(t *testing.T) {
	s, c := newTestCore()
	fired := false
	e, err := c.CreateEvent(TypeNotifySignal, efi.TPLNotify, func(*Event, interface{}) { fired = true }, nil, efi.NilGUID, false)
	require.Nil(t, err)

	old := s.Raise(efi.TPLHighLevel)
	require.Nil(t, c.SignalEvent(e))
	assert.False(t, fired, "notify must not run until TPL is restored below notify level")
	s.Restore(old)
	assert.True(t, fired)
}

func TestCheckEventClearsSignalCount(t *testing.T) {
	_, c := newTestCore()
	e, err := c.CreateEvent(0, efi.TPLApplication, nil, nil, efi.NilGUID, false)
	require.Nil(t, err)

	assert.NotNil(t, c.CheckEvent(e))
	require.Nil(t, c.SignalEvent(e))
	assert.Nil(t, c.CheckEvent(e))
	assert.NotNil(t, c.CheckEvent(e))
}

func TestCreateEventRejectsBadFlagCombination(t *testing.T) {
	_, c := newTestCore()
	_, err := c.CreateEvent(TypeNotifySignal|TypeNotifyWait, efi.TPLNotify, func(*Event, interface{}) {}, nil, efi.NilGUID, false)
	assert.NotNil(t, err)
	assert.Equal(t, efi.ErrInvalidParameter, err.Status)
}

func TestCreateEventRejectsMissingNotifyFn(t *testing.T) {
	_, c := newTestCore()
	_, err := c.CreateEvent(TypeNotifySignal, efi.TPLNotify, nil, nil, efi.NilGUID, false)
	assert.NotNil(t, err)
}

func TestGroupSignalFansOutToEveryMember(t *testing.T) {
	s, c := newTestCore()
	group := efi.MustGUID("11111111-1111-1111-1111-111111111111")

	var fired [2]bool
	e1, _ := c.CreateEvent(TypeNotifySignal, efi.TPLNotify, func(*Event, interface{}) { fired[0] = true }, nil, group, true)
	e2, _ := c.CreateEvent(TypeNotifySignal, efi.TPLNotify, func(*Event, interface{}) { fired[1] = true }, nil, group, true)
	_ = e2

	old := s.Raise(efi.TPLHighLevel)
	require.Nil(t, c.SignalEvent(e1))
	s.Restore(old)

	assert.True(t, fired[0])
	assert.True(t, fired[1])
}

func TestCreateEventInWellKnownGroupUpgradesToNotifySignal(t *testing.T) {
	s, c := newTestCore()

	fired := false
	e, err := c.CreateEvent(0, efi.TPLNotify, func(*Event, interface{}) { fired = true }, nil, efi.EventGroupExitBootServices, true)
	require.Nil(t, err)
	assert.NotEqual(t, Type(0), e.typeFlags&TypeNotifySignal, "group membership in a well-known group must imply notify-signal delivery")

	c.SignalGroup(efi.EventGroupExitBootServices)
	old := s.Raise(efi.TPLHighLevel)
	s.Restore(old)

	assert.True(t, fired, "an upgraded group event must actually be dispatched by SignalGroup")
}

func TestSetTimerPeriodicFiresRepeatedlyAtPeriod(t *testing.T) {
	_, c := newTestCore()

	var fireTicks []uint64
	e, err := c.CreateEvent(TypeTimer|TypeNotifySignal, efi.TPLNotify, func(*Event, interface{}) {
		fireTicks = append(fireTicks, c.nowTicks)
	}, nil, efi.NilGUID, false)
	require.Nil(t, err)

	require.Nil(t, c.SetTimer(e, TimerPeriodic, hundredNsPerSec)) // 1 second period in ticks == Hz

	for i := 0; i < 3; i++ {
		c.Tick(hundredNsPerSec)
	}

	require.Len(t, fireTicks, 3)
	assert.Equal(t, uint64(hundredNsPerSec), fireTicks[1]-fireTicks[0])
	assert.Equal(t, uint64(hundredNsPerSec), fireTicks[2]-fireTicks[1])
}

func TestSetTimerCancelRemovesRecord(t *testing.T) {
	_, c := newTestCore()
	e, err := c.CreateEvent(TypeTimer, efi.TPLApplication, nil, nil, efi.NilGUID, false)
	require.Nil(t, err)

	require.Nil(t, c.SetTimer(e, TimerRelative, hundredNsPerSec))
	require.Nil(t, c.SetTimer(e, TimerCancel, 0))

	c.mu.Lock()
	assert.Nil(t, e.timer)
	assert.Len(t, c.timers, 0)
	c.mu.Unlock()
}

func TestCloseEventPreservesOtherQueueContents(t *testing.T) {
	s, c := newTestCore()
	e1, _ := c.CreateEvent(TypeNotifySignal, efi.TPLNotify, func(*Event, interface{}) {}, nil, efi.NilGUID, false)
	e2, _ := c.CreateEvent(TypeNotifySignal, efi.TPLNotify, func(*Event, interface{}) {}, nil, efi.NilGUID, false)

	old := s.Raise(efi.TPLHighLevel)
	require.Nil(t, c.SignalEvent(e1))
	require.Nil(t, c.SignalEvent(e2))

	require.Nil(t, c.CloseEvent(e1))

	c.mu.Lock()
	q := c.queues[efi.TPLNotify]
	assert.Equal(t, 1, q.Len())
	c.mu.Unlock()

	s.Restore(old)
}

func TestWaitForEventRejectsNonApplicationTPL(t *testing.T) {
	s, c := newTestCore()
	s.Raise(efi.TPLNotify)
	_, err := c.WaitForEvent(nil)
	assert.NotNil(t, err)
	assert.Equal(t, efi.ErrUnsupported, err.Status)
}
