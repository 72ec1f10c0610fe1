// Package handle implements the handle/protocol database: handles,
// per-GUID interface records, protocol-notify registrations, open
// reference tracking and driver-binding connect/disconnect. Handles are
// arena-allocated indices and OpenRef holds indices rather than pointers,
// so removal never leaves dangling back-edges even across the cyclic
// controller/child graphs driver binding can produce.
package handle

import "ueficore/efi"

// OpenAttr is the closed set of OpenProtocol access attributes.
type OpenAttr int

const (
	OpenByHandle OpenAttr = iota
	OpenGet
	OpenTest
	OpenByDriver
	OpenByDriverExclusive
	OpenExclusive
	OpenByChildController
)

// OpenRef records one caller's open access to an interface.
// ControllerHandle/AgentHandle are handle IDs (arena indices), never direct
// pointers, so an OpenRef never keeps a Handle alive past its own removal.
type OpenRef struct {
	ControllerHandle ID
	AgentHandle       ID
	Attributes        OpenAttr
}

// ID is a stable arena index identifying a Handle for its lifetime.
type ID uint64

// InvalidID is never assigned to a real handle.
const InvalidID ID = 0

// InterfaceRecord binds one protocol GUID on a handle to its concrete
// interface value and the open references currently held against it.
type InterfaceRecord struct {
	GUID      efi.GUID
	Interface interface{}
	OpenRefs  []OpenRef
}

// Handle is a stable identity owning a set of (GUID -> interface) bindings,
// destroyed only once every interface has been uninstalled.
type Handle struct {
	ID         ID
	generation uint64
	interfaces map[efi.GUID]*InterfaceRecord
}

func newHandle(id ID) *Handle {
	return &Handle{ID: id, interfaces: make(map[efi.GUID]*InterfaceRecord)}
}

// Interfaces returns the GUIDs currently installed on h, for
// ProtocolsPerHandle.
func (h *Handle) Interfaces() []efi.GUID {
	out := make([]efi.GUID, 0, len(h.interfaces))
	for g := range h.interfaces {
		out = append(out, g)
	}
	return out
}

// ProtocolNotify registers an event to be signaled whenever an interface
// with GUID is installed.
type ProtocolNotify struct {
	GUID  efi.GUID
	event Signaler
}

// Signaler is the surface the handle database needs from a notify target:
// something that can be handed to Database.RegisterProtocolNotify and later
// signaled. Declared as an interface (rather than importing *event.Event
// directly, which has no Signal method) so tests can register notify targets without
// constructing a full event core, and so handle has no import-time
// dependency on the concrete notify-dispatch mechanism.
type Signaler interface {
	Signal()
}
