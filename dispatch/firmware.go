package dispatch

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"ueficore/acpi"
	"ueficore/cfgtable"
	"ueficore/efi"
	"ueficore/event"
	"ueficore/fv"
	"ueficore/handle"
	"ueficore/image"
	"ueficore/internal/klog"
	"ueficore/mm/pmm"
	"ueficore/mm/pool"
	"ueficore/tpl"
)

var log = klog.For("dispatch")

// Firmware wires every boot-services subsystem together with a single
// linear, fail-fast init sequence (scheduler → pages → pool → events →
// handles → cfgtable → acpi → loader) followed by driver dispatch.
type Firmware struct {
	mu sync.Mutex

	cfg      Config
	platform Platform

	Scheduler *tpl.Scheduler
	Pages     *pmm.Allocator
	Pool      *pool.Allocator
	Events    *event.Core
	Handles   *handle.Database
	CfgTable  *cfgtable.Table
	ACPI      *acpi.Manager
	Loader    *image.Loader

	timer TimerHandle

	bootServicesActive bool
	runtimeImagesLocked bool
}

// clockAdapter satisfies event.Clock by forwarding to the platform's
// negotiated timer frequency, keeping event's Clock interface free of any
// Platform import.
type clockAdapter struct{ hz uint64 }

func (c clockAdapter) FrequencyHz() uint64 { return c.hz }

// watchdogAdapter satisfies image.Watchdog by forwarding Arm/Disarm to the
// platform's SetWatchdog hook with the firmware's configured default
// timeout.
type watchdogAdapter struct {
	platform Platform
	seconds  uint64
}

func (w watchdogAdapter) Arm() {
	if err := w.platform.SetWatchdog(w.seconds, 0, nil); err != nil {
		log.WithError(err).Warn("failed to arm platform watchdog")
	}
}

func (w watchdogAdapter) Disarm() {
	if err := w.platform.SetWatchdog(0, 0, nil); err != nil {
		log.WithError(err).Warn("failed to disarm platform watchdog")
	}
}

// New constructs a Firmware backed by platform, running the linear init
// sequence to completion before returning. Any step's failure aborts
// construction and returns the offending error: a hosted firmware core
// reports failure to its caller rather than halting the machine.
func New(cfg Config, platform Platform) (*Firmware, *efi.Error) {
	if err := platform.Initialize(InitPhaseEarly); err != nil {
		return nil, efi.Wrap("dispatch", efi.ErrDeviceError, "platform early init failed", err)
	}

	f := &Firmware{cfg: cfg, platform: platform}

	f.Scheduler = tpl.New()
	f.Pages = pmm.New(cfg.TotalPages)
	f.Pool = pool.New(f.Pages, f.Scheduler)

	timer, err := platform.InitializeTimers()
	if err != nil {
		return nil, efi.Wrap("dispatch", efi.ErrDeviceError, "platform timer init failed", err)
	}
	f.timer = timer

	freq := cfg.TickFrequencyHz
	if freq == 0 {
		freq = timer.FrequencyHz
	}
	f.Events = event.New(f.Scheduler, clockAdapter{hz: freq})

	if err := platform.Initialize(InitPhaseMemoryReady); err != nil {
		return nil, efi.Wrap("dispatch", efi.ErrDeviceError, "platform memory-ready init failed", err)
	}

	f.Handles = handle.New()
	f.CfgTable = cfgtable.New()

	acpiMgr, aerr := acpi.New(f.Pages, f.CfgTable)
	if aerr != nil {
		return nil, aerr
	}
	f.ACPI = acpiMgr

	f.Loader = image.New(f.Pages, f.Handles, watchdogAdapter{platform: platform, seconds: cfg.WatchdogDefaultSeconds})

	if err := platform.Initialize(InitPhaseDispatchReady); err != nil {
		return nil, efi.Wrap("dispatch", efi.ErrDeviceError, "platform dispatch-ready init failed", err)
	}

	f.bootServicesActive = true
	return f, nil
}

// OpenFirmwareVolumes asks the platform for every firmware volume it
// exposes and opens each with fv.Open, skipping (and logging) any volume
// that fails to parse rather than aborting the whole boot, since a single
// malformed volume should not prevent drivers in other volumes from
// loading. Header parsing of independent volumes is parallelized with
// errgroup; this touches only host-side byte parsing before any
// boot-services subsystem is involved, never the single-threaded
// cooperative core itself.
func (f *Firmware) OpenFirmwareVolumes() ([]*fv.Volume, *efi.Error) {
	raw, err := f.platform.EnumerateFirmwareVolumes()
	if err != nil {
		return nil, efi.Wrap("dispatch", efi.ErrDeviceError, "platform volume enumeration failed", err)
	}

	opened := make([]*fv.Volume, len(raw))
	var g errgroup.Group
	for i, buf := range raw {
		i, buf := i, buf
		g.Go(func() error {
			v, verr := fv.Open(buf)
			if verr != nil {
				log.WithError(verr).Warnf("skipping unparseable firmware volume %d", i)
				return nil
			}
			opened[i] = v
			return nil
		})
	}
	_ = g.Wait()

	var volumes []*fv.Volume
	for _, v := range opened {
		if v != nil {
			volumes = append(volumes, v)
		}
	}
	return volumes, nil
}

// Boot drives the dispatch sequence: each entry of drivers is loaded and
// started in slice order (image.LoadImage then image.StartImage); Boot does
// not consult Config.DriverSearchOrder or read firmware volumes itself.
// Then handle.ConnectController is driven
// recursively over every root controller handle the platform reports, so
// that drivers which registered driver-binding protocols during their
// entry point get a chance to bind real controllers.
func (f *Firmware) Boot(drivers []DriverImage) *efi.Error {
	if !f.bootServicesActive {
		return efi.NewError("dispatch", efi.ErrNotReady, "boot services already exited")
	}

	for _, d := range drivers {
		rec, err := f.Loader.LoadImage(handle.InvalidID, d.DevicePath, d.Buf, d.Kind, d.Entry, d.LoadOptions)
		if err != nil {
			log.WithError(err).Errorf("failed to load driver image %s", d.DevicePath)
			continue
		}

		status, _, serr := f.Loader.StartImage(rec.Handle, f)
		if serr != nil {
			log.WithError(serr).Errorf("failed to start driver image %s", d.DevicePath)
			continue
		}
		if status != efi.Success {
			log.Warnf("driver image %s exited with status %s", d.DevicePath, status)
		}
	}

	roots, err := f.platform.EnumerateDevices(f.Handles)
	if err != nil {
		return efi.Wrap("dispatch", efi.ErrDeviceError, "platform device enumeration failed", err)
	}

	connected := false
	for _, root := range roots {
		if cerr := f.Handles.ConnectController(root, true); cerr == nil {
			connected = true
		}
	}
	if len(roots) > 0 && !connected {
		return efi.NewError("dispatch", efi.ErrNotFound, "no driver bound any root controller")
	}
	return nil
}

// ExitBootServices accepts only a mapKey equal to the allocator's latest
// map key, then signals the exit-boot-services event group, raises the TPL
// to high level (disabling interrupts permanently — there is no matching
// Restore, since this is a one-way transition), tears down the platform
// timer, and marks the firmware's runtime-image list read-only. On failure
// the firmware remains fully operational and the caller may re-snapshot
// and retry; disabling boot services is realized as bootServicesActive
// flipping to false, which Boot and a second ExitBootServices both check.
func (f *Firmware) ExitBootServices(imageHandle handle.ID, mapKey uint64) *efi.Error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.bootServicesActive {
		return efi.NewError("dispatch", efi.ErrNotReady, "boot services already exited")
	}
	if !f.Pages.ValidateMapKey(mapKey) {
		return efi.NewError("dispatch", efi.ErrInvalidParameter, "stale memory map key")
	}

	f.Events.SignalGroup(efi.EventGroupExitBootServices)

	// Drain every notify queued by the signal above before disabling
	// interrupts permanently: Restore(base) dispatches anything pending
	// above the current TPL and settles back at it, then the final Raise
	// with no matching Restore is the one-way transition to high-level.
	base := f.Scheduler.Current()
	f.Scheduler.Restore(base)
	f.Scheduler.Raise(efi.TPLHighLevel)

	f.platform.TerminateTimers()

	f.bootServicesActive = false
	f.runtimeImagesLocked = true
	return nil
}

// BootServicesActive reports whether ExitBootServices has already
// succeeded.
func (f *Firmware) BootServicesActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bootServicesActive
}

// RuntimeImagesLocked reports whether the runtime-image list has been
// frozen by a successful ExitBootServices.
func (f *Firmware) RuntimeImagesLocked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runtimeImagesLocked
}
