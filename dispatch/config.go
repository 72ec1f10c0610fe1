// Package dispatch wires tpl, mm/pmm, mm/pool, event, handle, cfgtable,
// image, fv and acpi into the firmware entry point: a linear, fail-fast
// initialization sequence followed by driver dispatch and the
// ExitBootServices terminal handoff.
package dispatch

import "ueficore/image"

// Config carries the knobs a platform integrator supplies at construction.
type Config struct {
	// TotalPages sizes the physical page allocator backing every other
	// subsystem (mm/pmm, mm/pool, image, acpi all draw from it).
	TotalPages uint64

	// TickFrequencyHz is the platform clock frequency handed to the event
	// core's Clock, used to convert SetTimer's 100ns trigger values to
	// hardware ticks.
	TickFrequencyHz uint64

	// WatchdogDefaultSeconds is the timeout StartImage arms for the
	// duration of a driver's entry call.
	WatchdogDefaultSeconds uint64

	// DriverSearchOrder names driver device paths in search order. It is
	// carried in the configuration only: Boot loads the DriverImage list
	// its caller passes and does not read this field.
	DriverSearchOrder []string
}

// DriverImage is one entry in the list Boot drives through the image
// loader: the raw PE/TE bytes plus the Go closure standing in for its
// native entry point (see image.EntryPoint's doc comment).
type DriverImage struct {
	DevicePath  string
	Buf         []byte
	Kind        image.Kind
	Entry       image.EntryPoint
	LoadOptions string
}
