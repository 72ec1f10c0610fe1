// Package cfgtable implements configuration-table publication: a
// GUID-keyed array of system-global tables (ACPI, SMBIOS, etc.) exposed
// inside the system table, as a mutable, ordered publication list rather
// than a read-only lookup.
package cfgtable

import (
	"sync"

	"ueficore/efi"
)

// Entry is one published configuration table: a GUID identifying its
// format plus an opaque pointer to its contents (a *acpi.RSDP, an SMBIOS
// entry-point structure, etc).
type Entry struct {
	GUID  efi.GUID
	Table interface{}
}

// Table is the ordered, GUID-keyed configuration-table array. Readers must
// accept a stale snapshot unless they themselves run at notify-TPL or
// above.
type Table struct {
	mu      sync.RWMutex
	entries []Entry
}

// New returns an empty configuration table.
func New() *Table {
	return &Table{}
}

// Install publishes or replaces the entry for guid.
func (t *Table) Install(guid efi.GUID, table interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if t.entries[i].GUID == guid {
			t.entries[i].Table = table
			return
		}
	}
	t.entries = append(t.entries, Entry{GUID: guid, Table: table})
}

// Uninstall removes the entry for guid, if present.
func (t *Table) Uninstall(guid efi.GUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.entries {
		if e.GUID == guid {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Lookup returns the table published under guid, if any.
func (t *Table) Lookup(guid efi.GUID) (interface{}, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, e := range t.entries {
		if e.GUID == guid {
			return e.Table, true
		}
	}
	return nil, false
}

// Snapshot returns a copy of every currently published entry, in
// publication order.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry(nil), t.entries...)
}
