package handle

import "ueficore/efi"

// OpenProtocol returns the interface pointer for (h, guid) and, depending
// on attr, appends an OpenRef reflecting the requested access. disconnect
// is used only for the by_driver|exclusive path, which must first evict
// every non-driver open by calling Disconnect on the controllers holding
// them.
func (db *Database) OpenProtocol(h *Handle, guid efi.GUID, agent ID, controller ID, attr OpenAttr, disconnect func(controller ID) *efi.Error) (interface{}, *efi.Error) {
	db.mu.Lock()

	rec, ok := h.interfaces[guid]
	if !ok {
		db.mu.Unlock()
		return nil, efi.NewError("handle", efi.ErrUnsupported, "interface not present")
	}

	switch attr {
	case OpenTest:
		db.mu.Unlock()
		return nil, nil

	case OpenByHandle, OpenGet:
		rec.OpenRefs = append(rec.OpenRefs, OpenRef{ControllerHandle: controller, AgentHandle: agent, Attributes: attr})
		iface := rec.Interface
		db.mu.Unlock()
		return iface, nil

	case OpenByDriver:
		if agent == InvalidID {
			db.mu.Unlock()
			return nil, efi.NewError("handle", efi.ErrInvalidParameter, "by_driver requires an agent handle")
		}
		for _, ref := range rec.OpenRefs {
			if ref.Attributes == OpenByDriver && ref.AgentHandle == agent {
				db.mu.Unlock()
				return nil, efi.NewError("handle", efi.ErrAlreadyStarted, "agent already opened this interface by_driver")
			}
		}
		rec.OpenRefs = append(rec.OpenRefs, OpenRef{ControllerHandle: controller, AgentHandle: agent, Attributes: attr})
		iface := rec.Interface
		db.mu.Unlock()
		return iface, nil

	case OpenExclusive:
		for _, ref := range rec.OpenRefs {
			if ref.Attributes == OpenByDriver || ref.Attributes == OpenByDriverExclusive {
				db.mu.Unlock()
				return nil, efi.NewError("handle", efi.ErrAccessDenied, "a driver already holds this interface")
			}
		}
		rec.OpenRefs = append(rec.OpenRefs, OpenRef{ControllerHandle: controller, AgentHandle: agent, Attributes: attr})
		iface := rec.Interface
		db.mu.Unlock()
		return iface, nil

	case OpenByDriverExclusive:
		toEvict := make(map[ID]bool)
		for _, ref := range rec.OpenRefs {
			switch ref.Attributes {
			case OpenByHandle, OpenGet, OpenExclusive:
				toEvict[ref.ControllerHandle] = true
			}
		}
		db.mu.Unlock()

		for c := range toEvict {
			if disconnect != nil {
				if err := disconnect(c); err != nil {
					return nil, efi.Wrap("handle", efi.ErrAccessDenied, "failed to evict existing opens", err)
				}
			}
		}

		db.mu.Lock()
		rec, ok = h.interfaces[guid]
		if !ok {
			db.mu.Unlock()
			return nil, efi.NewError("handle", efi.ErrUnsupported, "interface not present")
		}
		rec.OpenRefs = append(rec.OpenRefs, OpenRef{ControllerHandle: controller, AgentHandle: agent, Attributes: attr})
		iface := rec.Interface
		db.mu.Unlock()
		return iface, nil

	case OpenByChildController:
		rec.OpenRefs = append(rec.OpenRefs, OpenRef{ControllerHandle: controller, AgentHandle: agent, Attributes: attr})
		iface := rec.Interface
		db.mu.Unlock()
		return iface, nil

	default:
		db.mu.Unlock()
		return nil, efi.NewError("handle", efi.ErrInvalidParameter, "unknown open attribute")
	}
}

// CloseProtocol removes the first OpenRef matching (agent, controller) and
// fails ErrNotFound if none matches.
func (db *Database) CloseProtocol(h *Handle, guid efi.GUID, agent ID, controller ID) *efi.Error {
	db.mu.Lock()
	defer db.mu.Unlock()

	rec, ok := h.interfaces[guid]
	if !ok {
		return efi.NewError("handle", efi.ErrNotFound, "interface not present")
	}

	for i, ref := range rec.OpenRefs {
		if ref.AgentHandle == agent && ref.ControllerHandle == controller {
			rec.OpenRefs = append(rec.OpenRefs[:i], rec.OpenRefs[i+1:]...)
			return nil
		}
	}
	return efi.NewError("handle", efi.ErrNotFound, "no matching open reference")
}

// OpenProtocolInformation returns a copy of the current OpenRef list for
// (h, guid).
func (db *Database) OpenProtocolInformation(h *Handle, guid efi.GUID) ([]OpenRef, *efi.Error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rec, ok := h.interfaces[guid]
	if !ok {
		return nil, efi.NewError("handle", efi.ErrNotFound, "interface not present")
	}
	return append([]OpenRef(nil), rec.OpenRefs...), nil
}

// RemoveChildController removes exactly one by_child_controller OpenRef
// matching (parent, child, agent).
func (db *Database) RemoveChildController(h *Handle, guid efi.GUID, child ID, agent ID) *efi.Error {
	db.mu.Lock()
	defer db.mu.Unlock()

	rec, ok := h.interfaces[guid]
	if !ok {
		return efi.NewError("handle", efi.ErrNotFound, "interface not present")
	}
	for i, ref := range rec.OpenRefs {
		if ref.Attributes == OpenByChildController && ref.ControllerHandle == child && ref.AgentHandle == agent {
			rec.OpenRefs = append(rec.OpenRefs[:i], rec.OpenRefs[i+1:]...)
			return nil
		}
	}
	return efi.NewError("handle", efi.ErrNotFound, "no matching child-controller reference")
}
