package dispatch

import "ueficore/handle"

// FakePlatform is a deterministic in-memory Platform used by this
// package's own tests and by integrators exercising Firmware without real
// hardware.
type FakePlatform struct {
	Timer    TimerHandle
	Volumes  [][]byte
	Roots    []handle.ID
	Watchdog struct {
		TimeoutSeconds uint64
		Code           uint64
		Data           []byte
		Armed          bool
	}
	Phases []InitPhase

	TerminatedTimers bool
}

// NewFakePlatform returns a FakePlatform with a fixed 1MHz counter
// frequency and no firmware volumes or root devices; tests populate
// Volumes/Roots as needed before calling Firmware.Boot.
func NewFakePlatform() *FakePlatform {
	return &FakePlatform{
		Timer: TimerHandle{
			InterruptNumber: 0,
			FrequencyHz:     1_000_000,
			CounterBits:     32,
		},
	}
}

func (p *FakePlatform) InitializeTimers() (TimerHandle, error) {
	return p.Timer, nil
}

func (p *FakePlatform) TerminateTimers() {
	p.TerminatedTimers = true
}

func (p *FakePlatform) SetWatchdog(timeoutSeconds uint64, code uint64, data []byte) error {
	p.Watchdog.TimeoutSeconds = timeoutSeconds
	p.Watchdog.Code = code
	p.Watchdog.Data = data
	p.Watchdog.Armed = timeoutSeconds > 0
	return nil
}

func (p *FakePlatform) Initialize(phase InitPhase) error {
	p.Phases = append(p.Phases, phase)
	return nil
}

func (p *FakePlatform) EnumerateFirmwareVolumes() ([][]byte, error) {
	return p.Volumes, nil
}

func (p *FakePlatform) EnumerateDevices(db *handle.Database) ([]handle.ID, error) {
	return p.Roots, nil
}
