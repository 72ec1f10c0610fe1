package handle

import (
	"sort"
	"sync"

	"ueficore/efi"
	"ueficore/internal/klog"
)

var log = klog.For("handle")

// NotifyReg is the token returned by RegisterProtocolNotify; LocateNext
// drains the handles queued for it since the caller last polled.
type NotifyReg struct {
	guid     efi.GUID
	notifier Signaler
	queue    []ID
}

// Database is the singleton handle/protocol database, encapsulated as a
// struct rather than package-level vars so a process can host more than one
// simulated firmware instance (e.g. in tests).
type Database struct {
	mu sync.Mutex

	handles map[ID]*Handle
	nextID  ID

	notifyRegs map[efi.GUID][]*NotifyReg
}

// New returns an empty handle database.
func New() *Database {
	return &Database{
		handles:    make(map[ID]*Handle),
		notifyRegs: make(map[efi.GUID][]*NotifyReg),
		nextID:     1,
	}
}

// NewHandle allocates a fresh, interface-less handle. InstallProtocolInterface
// calls this implicitly when passed a nil handle.
func (db *Database) NewHandle() *Handle {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.newHandleLocked()
}

func (db *Database) newHandleLocked() *Handle {
	id := db.nextID
	db.nextID++
	h := newHandle(id)
	db.handles[id] = h
	return h
}

// Lookup returns the Handle for id, or nil if it does not exist.
func (db *Database) Lookup(id ID) *Handle {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.handles[id]
}

// InstallProtocolInterface installs iface under guid on h. If h is nil a
// fresh handle is created. Fails if (h, guid) already exists. On success,
// every matching protocol-notify registration is signaled.
func (db *Database) InstallProtocolInterface(h *Handle, guid efi.GUID, iface interface{}) (*Handle, *efi.Error) {
	db.mu.Lock()

	if h == nil {
		h = db.newHandleLocked()
	} else if _, ok := db.handles[h.ID]; !ok {
		db.mu.Unlock()
		return nil, efi.NewError("handle", efi.ErrInvalidParameter, "unknown handle")
	}

	if _, exists := h.interfaces[guid]; exists {
		db.mu.Unlock()
		return nil, efi.NewError("handle", efi.ErrInvalidParameter, "interface already installed on this handle")
	}

	h.interfaces[guid] = &InterfaceRecord{GUID: guid, Interface: iface}
	regs := append([]*NotifyReg(nil), db.notifyRegs[guid]...)
	db.mu.Unlock()

	for _, reg := range regs {
		db.mu.Lock()
		reg.queue = append(reg.queue, h.ID)
		db.mu.Unlock()
		if reg.notifier != nil {
			reg.notifier.Signal()
		}
	}

	log.WithField("guid", guid).Debugf("installed interface on handle %d", h.ID)
	return h, nil
}

// ReinstallProtocolInterface atomically replaces the interface installed
// under guid on h in place, preserving handle identity. Re-driving driver
// binding on the affected handle is the dispatcher's responsibility
// (handle.Database has no notion of driver images); callers that need that
// re-drive should follow up with DisconnectController/ConnectController.
func (db *Database) ReinstallProtocolInterface(h *Handle, guid efi.GUID, newIface interface{}) *efi.Error {
	db.mu.Lock()
	defer db.mu.Unlock()

	rec, ok := h.interfaces[guid]
	if !ok {
		return efi.NewError("handle", efi.ErrNotFound, "interface not installed on this handle")
	}
	rec.Interface = newIface
	return nil
}

// UninstallProtocolInterface removes the interface installed under guid on
// h. It rejects removal while any OpenRef holds by_driver, exclusive or
// by_child_controller. Removing the last interface destroys the handle.
func (db *Database) UninstallProtocolInterface(h *Handle, guid efi.GUID) *efi.Error {
	db.mu.Lock()
	defer db.mu.Unlock()

	rec, ok := h.interfaces[guid]
	if !ok {
		return efi.NewError("handle", efi.ErrNotFound, "interface not installed on this handle")
	}

	for _, ref := range rec.OpenRefs {
		switch ref.Attributes {
		case OpenByDriver, OpenByDriverExclusive, OpenExclusive, OpenByChildController:
			return efi.NewError("handle", efi.ErrAccessDenied, "interface has outstanding driver/exclusive opens")
		}
	}

	delete(h.interfaces, guid)
	if len(h.interfaces) == 0 {
		delete(db.handles, h.ID)
	}
	return nil
}

// HandleProtocol returns the interface pointer for (h, guid) without
// recording an OpenRef; a read-only query with no bookkeeping side effect.
func (db *Database) HandleProtocol(h *Handle, guid efi.GUID) (interface{}, *efi.Error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rec, ok := h.interfaces[guid]
	if !ok {
		return nil, efi.NewError("handle", efi.ErrUnsupported, "interface not present")
	}
	return rec.Interface, nil
}

// ProtocolsPerHandle returns every GUID installed on h.
func (db *Database) ProtocolsPerHandle(h *Handle) []efi.GUID {
	db.mu.Lock()
	defer db.mu.Unlock()
	return h.Interfaces()
}

// RegisterProtocolNotify registers notifier to be signaled whenever an
// interface with guid is installed, and returns a token LocateNext can poll.
func (db *Database) RegisterProtocolNotify(guid efi.GUID, notifier Signaler) *NotifyReg {
	db.mu.Lock()
	defer db.mu.Unlock()
	reg := &NotifyReg{guid: guid, notifier: notifier}
	db.notifyRegs[guid] = append(db.notifyRegs[guid], reg)
	return reg
}

// LocateNext pops the next handle queued for reg since the caller last
// polled it.
func (db *Database) LocateNext(reg *NotifyReg) (ID, *efi.Error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if len(reg.queue) == 0 {
		return InvalidID, efi.NewError("handle", efi.ErrNotFound, "no handle queued for this registration")
	}
	id := reg.queue[0]
	reg.queue = reg.queue[1:]
	return id, nil
}

// LocateHandlesByProtocol returns every handle carrying an interface for
// guid, sorted by handle ID so repeated calls over an unchanged database
// return results in the same order. Returns ErrNotFound with an empty slice
// when the database holds no matching handle.
func (db *Database) LocateHandlesByProtocol(guid efi.GUID) ([]ID, *efi.Error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []ID
	for id, h := range db.handles {
		if _, ok := h.interfaces[guid]; ok {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil, efi.NewError("handle", efi.ErrNotFound, "no handle exposes this protocol")
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// LocateProtocol returns the interface for guid on the lowest-ID handle
// that exposes it, or ErrNotFound. Picking by ID rather than map iteration
// order keeps the result stable across repeated calls.
func (db *Database) LocateProtocol(guid efi.GUID) (interface{}, *efi.Error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var best ID
	var bestRec *InterfaceRecord
	for id, h := range db.handles {
		rec, ok := h.interfaces[guid]
		if !ok {
			continue
		}
		if bestRec == nil || id < best {
			best, bestRec = id, rec
		}
	}
	if bestRec == nil {
		return nil, efi.NewError("handle", efi.ErrNotFound, "no handle exposes this protocol")
	}
	return bestRec.Interface, nil
}
