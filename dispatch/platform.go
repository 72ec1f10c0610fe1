package dispatch

import "ueficore/handle"

// InitPhase identifies one of the three platform-initialization phases a
// platform integrator hooks into, collapsed into a single numbered hook it
// implements however its hardware requires.
type InitPhase int

const (
	// InitPhaseEarly runs before any boot-services subsystem exists.
	InitPhaseEarly InitPhase = iota
	// InitPhaseMemoryReady runs once the physical and pool allocators are
	// constructed.
	InitPhaseMemoryReady
	// InitPhaseDispatchReady runs once every subsystem is wired and
	// immediately precedes Boot's driver dispatch loop.
	InitPhaseDispatchReady
)

// TimerHandle is the platform-specific interrupt/counter configuration
// InitializeTimers hands back, as a struct rather than named out-parameters
// so the hook fits Go's single-return-value idiom.
type TimerHandle struct {
	InterruptNumber int
	FrequencyHz     uint64
	CounterBits     uint8
	ReadCounter     func() uint64
}

// Platform is the set of hooks the core consumes from platform-specific
// code at link time. Concrete block/disk drivers, console rendering, and
// per-architecture trap glue are deliberately not part of this interface; a
// platform reaches the core only through these six hooks, declared as an
// interface so dispatch never imports a concrete platform package.
type Platform interface {
	// InitializeTimers returns the interrupt wiring the event core's tick
	// path needs; TerminateTimers reverses it at ExitBootServices.
	InitializeTimers() (TimerHandle, error)
	TerminateTimers()

	// SetWatchdog arms or (when timeoutSeconds == 0) disarms the platform
	// watchdog.
	SetWatchdog(timeoutSeconds uint64, code uint64, data []byte) error

	// Initialize runs platform-specific setup for the given phase.
	Initialize(phase InitPhase) error

	// EnumerateFirmwareVolumes returns the raw bytes of every firmware
	// volume the platform exposes, in search order; OpenFirmwareVolumes
	// opens each with fv.Open. Boot does not read these volumes.
	EnumerateFirmwareVolumes() ([][]byte, error)

	// EnumerateDevices returns the platform's root controller handles —
	// the handles Boot calls handle.ConnectController on once every driver
	// has registered its driver-binding protocol. Concrete device
	// enumeration is out of scope here; a real platform would walk
	// PCI/ACPI namespace to build this list.
	EnumerateDevices(db *handle.Database) ([]handle.ID, error)
}
