package handle

import (
	"sort"

	"ueficore/efi"
)

// DriverBindingGUID is the well-known protocol GUID a driver-binding
// interface is installed under, mirroring EFI_DRIVER_BINDING_PROTOCOL_GUID.
var DriverBindingGUID = efi.MustGUID("18a031ab-b443-4d1a-a5c0-0c09261e9f71")

// DriverBinding is the protocol interface ConnectController drives:
// Supported probes whether this driver can manage controller, Start binds
// it, Stop releases it given the set of child handles it must internally
// close by_child_controller references for.
type DriverBinding interface {
	Supported(db *Database, controller ID) bool
	Start(db *Database, controller ID) *efi.Error
	Stop(db *Database, controller ID, children []ID) *efi.Error

	// Version and ImageHandle back ConnectController's tie-break order
	// (driver-binding-version then image-handle age).
	Version() uint32
	ImageHandle() ID
}

// driverBindingHandles returns every handle exposing a DriverBinding
// interface, sorted by (Version desc, ImageHandle asc).
func (db *Database) driverBindingHandles() []DriverBinding {
	ids, err := db.LocateHandlesByProtocol(DriverBindingGUID)
	if err != nil {
		return nil
	}

	var out []DriverBinding
	for _, id := range ids {
		h := db.Lookup(id)
		if h == nil {
			continue
		}
		iface, ierr := db.HandleProtocol(h, DriverBindingGUID)
		if ierr != nil {
			continue
		}
		if b, ok := iface.(DriverBinding); ok {
			out = append(out, b)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Version() != out[j].Version() {
			return out[i].Version() > out[j].Version()
		}
		return out[i].ImageHandle() < out[j].ImageHandle()
	})
	return out
}

// ChildrenOf returns the distinct child handles reported by
// by_child_controller OpenRefs across every interface installed on parent.
// Recursive ConnectController/DisconnectController calls walk this set to
// reach child controllers a driver created.
func (db *Database) ChildrenOf(parent ID) []ID {
	db.mu.Lock()
	defer db.mu.Unlock()

	h, ok := db.handles[parent]
	if !ok {
		return nil
	}

	seen := make(map[ID]bool)
	var out []ID
	for _, rec := range h.interfaces {
		for _, ref := range rec.OpenRefs {
			if ref.Attributes == OpenByChildController && !seen[ref.ControllerHandle] {
				seen[ref.ControllerHandle] = true
				out = append(out, ref.ControllerHandle)
			}
		}
	}
	return out
}

// ConnectController enumerates every driver-binding protocol in the system,
// calling Start on each whose Supported call succeeds for controller.
// Failures are per-driver: ConnectController returns success if at least
// one Start succeeded, ErrNotFound otherwise. When recursive is set, it
// repeats for every child handle controller gained.
func (db *Database) ConnectController(controller ID, recursive bool) *efi.Error {
	bindings := db.driverBindingHandles()

	startedAny := false
	for _, b := range bindings {
		if !b.Supported(db, controller) {
			continue
		}
		if err := b.Start(db, controller); err == nil {
			startedAny = true
		}
	}

	if !startedAny {
		return efi.NewError("handle", efi.ErrNotFound, "no driver could bind this controller")
	}

	if recursive {
		for _, child := range db.ChildrenOf(controller) {
			// Per-child failures don't abort the overall recursive
			// connect; a child controller's own driver search is
			// independent of its siblings'.
			_ = db.ConnectController(child, true)
		}
	}

	return nil
}

// DisconnectController finds every by_driver open on controller whose agent
// matches driverAgent (or every by_driver open when driverAgent is
// InvalidID) and calls that driver's Stop with the enumerated child
// handles, which must internally close their by_child_controller
// references.
func (db *Database) DisconnectController(controller ID, driverAgent ID) *efi.Error {
	h := db.Lookup(controller)
	if h == nil {
		return efi.NewError("handle", efi.ErrInvalidParameter, "unknown controller handle")
	}

	agents := make(map[ID]bool)
	db.mu.Lock()
	for _, rec := range h.interfaces {
		for _, ref := range rec.OpenRefs {
			if ref.Attributes != OpenByDriver && ref.Attributes != OpenByDriverExclusive {
				continue
			}
			if driverAgent == InvalidID || ref.AgentHandle == driverAgent {
				agents[ref.AgentHandle] = true
			}
		}
	}
	db.mu.Unlock()

	if len(agents) == 0 {
		return efi.NewError("handle", efi.ErrNotFound, "no matching by_driver open on this controller")
	}

	bindingsByAgent := make(map[ID]DriverBinding)
	for _, b := range db.driverBindingHandles() {
		bindingsByAgent[b.ImageHandle()] = b
	}

	children := db.ChildrenOf(controller)

	for agent := range agents {
		b, ok := bindingsByAgent[agent]
		if !ok {
			continue
		}
		if err := b.Stop(db, controller, children); err != nil {
			return err
		}
	}
	return nil
}
