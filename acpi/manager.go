package acpi

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"ueficore/cfgtable"
	"ueficore/efi"
	"ueficore/internal/klog"
	"ueficore/mm/pmm"
)

var log = klog.For("acpi")

// rsdpConfigTableGUID is the well-known configuration-table GUID the RSDP
// is published under, mirroring EFI_ACPI_20_TABLE_GUID.
var rsdpConfigTableGUID = efi.MustGUID("8868e871-e4f1-11d3-bc22-0080c73c8881")

// belowFourGiB is the upper-bound constraint RSDP/RSDT/XSDT allocations
// must satisfy so 32-bit-only OS loaders can still reach them.
const belowFourGiB = 0xFFFFFFFF

// rsdtXsdtGrowthIncrement is the fixed number of additional entry slots
// RSDT/XSDT gain each time growRSDTLocked/growXSDTLocked runs.
const rsdtXsdtGrowthIncrement = 8

// TableHandle identifies one table owned by a Manager, returned by every
// Install* method and consumed by Uninstall.
type TableHandle uint64

// owned is one table's backing allocation: a page range plus the live byte
// buffer that the allocation's contents mirror. Memory-type accounting
// lives in the pmm.Allocator (keyed by frame/pageCount); the actual bytes
// live here, the same split image.Record uses for loaded image content.
type owned struct {
	frame     pmm.Frame
	pageCount uint64
	buf       []byte
}

// Manager assembles and owns RSDP/RSDT/XSDT, the at-most-one
// FADT/FACS/DSDT special slots, and any number of additional tables (MADT,
// HPET, FPDT, ...), maintaining cross-links and checksums and publishing
// the RSDP through cfgtable after every successful mutation.
type Manager struct {
	mu sync.Mutex

	pages *pmm.Allocator
	cfg   *cfgtable.Table

	rsdp *owned
	rsdt *owned
	xsdt *owned

	rsdtCap, rsdtCount int
	xsdtCap, xsdtCount int

	fadt *owned
	facs *owned
	dsdt *owned

	tables     map[TableHandle]*owned
	entryOrder []TableHandle // handles listed in RSDT/XSDT, in slot order

	nextHandle TableHandle
}

// New allocates an empty RSDP/RSDT/XSDT and returns a ready Manager.
func New(pages *pmm.Allocator, cfg *cfgtable.Table) (*Manager, *efi.Error) {
	m := &Manager{pages: pages, cfg: cfg, tables: make(map[TableHandle]*owned)}

	rsdp, err := m.allocateOwnedLocked(int(unsafe.Sizeof(RSDP{})), efi.MemACPIReclaim, true)
	if err != nil {
		return nil, err
	}
	m.rsdp = rsdp
	r := overlay[RSDP](rsdp.buf, 0)
	r.Signature = rsdpSignature
	r.Revision = 2
	r.OEMID = oemID
	r.Length = uint32(unsafe.Sizeof(RSDP{}))

	if err := m.growRSDTLocked(); err != nil {
		return nil, err
	}
	if err := m.growXSDTLocked(); err != nil {
		return nil, err
	}

	m.afterMutationLocked()
	log.Debugf("initialized ACPI table manager")
	return m, nil
}

func (m *Manager) allocateOwnedLocked(size int, memType efi.MemoryType, belowFourGB bool) (*owned, *efi.Error) {
	pageCount := (uint64(size) + pmm.PageSize - 1) / pmm.PageSize
	if pageCount == 0 {
		pageCount = 1
	}
	kind := pmm.AllocateAnyPages
	var constraint uint64
	if belowFourGB {
		kind, constraint = pmm.AllocateMaxAddress, belowFourGiB
	}
	frame, err := m.pages.AllocatePages(kind, constraint, memType, pageCount)
	if err != nil {
		return nil, efi.Wrap("acpi", efi.ErrOutOfResources, "failed to allocate table pages", err)
	}
	return &owned{frame: frame, pageCount: pageCount, buf: make([]byte, size)}, nil
}

func (m *Manager) freeOwnedLocked(o *owned) {
	if o == nil {
		return
	}
	_ = m.pages.FreePages(o.frame, o.pageCount)
}

func addrOf(o *owned) uint64 {
	return uint64(o.frame) * pmm.PageSize
}

func checksum(buf []byte) uint8 {
	var sum uint8
	for _, b := range buf {
		sum += b
	}
	return sum
}

// fixupChecksum recomputes buf's single checksum byte at off so the 8-bit
// two's-complement sum of the whole buffer is zero, the standard ACPI
// table checksum algorithm.
func fixupChecksum(buf []byte, off int) {
	buf[off] = 0
	buf[off] = -checksum(buf)
}

// recomputeRSDPChecksumsLocked refreshes RSDP's two checksum fields: the
// legacy Checksum over the first 20 (ACPI 1.0) bytes, and ExtendedChecksum
// over the full extended structure.
func (m *Manager) recomputeRSDPChecksumsLocked() {
	buf := m.rsdp.buf
	buf[8] = 0
	buf[8] = -checksum(buf[:20])
	buf[32] = 0
	buf[32] = -checksum(buf)
}

func (m *Manager) setRSDTXSDTLengthLocked() {
	binary.LittleEndian.PutUint32(m.rsdt.buf[4:8], uint32(sdtHeaderSize+m.rsdtCount*4))
	binary.LittleEndian.PutUint32(m.xsdt.buf[4:8], uint32(sdtHeaderSize+m.xsdtCount*8))
}

func (m *Manager) relinkRSDPLocked() {
	r := overlay[RSDP](m.rsdp.buf, 0)
	r.RSDTAddress = uint32(addrOf(m.rsdt))
	r.XSDTAddress = addrOf(m.xsdt)
}

// afterMutationLocked runs after every install/uninstall: repoint RSDP at
// the (possibly relocated) RSDT/XSDT, recompute every checksum, and
// republish the RSDP so it becomes visible to the rest of the system.
func (m *Manager) afterMutationLocked() {
	m.relinkRSDPLocked()
	fixupChecksum(m.rsdt.buf, 9)
	fixupChecksum(m.xsdt.buf, 9)
	m.recomputeRSDPChecksumsLocked()
	m.cfg.Install(rsdpConfigTableGUID, overlay[RSDP](m.rsdp.buf, 0))
}

func (m *Manager) growRSDTLocked() *efi.Error {
	newCap := m.rsdtCap + rsdtXsdtGrowthIncrement
	next, err := m.allocateOwnedLocked(sdtHeaderSize+newCap*4, efi.MemACPIReclaim, true)
	if err != nil {
		return err
	}
	if m.rsdt != nil {
		// Growth: the copy below carries over whatever header fields (OEM
		// ID/table ID/revision, possibly already propagated from an
		// installed FADT) the old table already had; only Length changes.
		copy(next.buf, m.rsdt.buf[:sdtHeaderSize+m.rsdtCount*4])
		m.freeOwnedLocked(m.rsdt)
	} else {
		h := overlay[SDTHeader](next.buf, 0)
		h.Signature = [4]byte{'R', 'S', 'D', 'T'}
		h.Revision = 1
		h.OEMID = oemID
		h.OEMTableID = oemTableID
		h.CreatorID = binary.LittleEndian.Uint32(creatorID[:])
		h.CreatorRevision = 1
	}
	m.rsdt, m.rsdtCap = next, newCap
	m.setRSDTXSDTLengthLocked()
	return nil
}

func (m *Manager) growXSDTLocked() *efi.Error {
	newCap := m.xsdtCap + rsdtXsdtGrowthIncrement
	next, err := m.allocateOwnedLocked(sdtHeaderSize+newCap*8, efi.MemACPIReclaim, true)
	if err != nil {
		return err
	}
	if m.xsdt != nil {
		copy(next.buf, m.xsdt.buf[:sdtHeaderSize+m.xsdtCount*8])
		m.freeOwnedLocked(m.xsdt)
	} else {
		h := overlay[SDTHeader](next.buf, 0)
		h.Signature = [4]byte{'X', 'S', 'D', 'T'}
		h.Revision = 1
		h.OEMID = oemID
		h.OEMTableID = oemTableID
		h.CreatorID = binary.LittleEndian.Uint32(creatorID[:])
		h.CreatorRevision = 1
	}
	m.xsdt, m.xsdtCap = next, newCap
	m.setRSDTXSDTLengthLocked()
	return nil
}

// addEntryLocked appends o (addressed at addr) to both RSDT and XSDT,
// growing either array first if its capacity is exhausted: both arrays are
// reallocated with a fixed-increment growth, the RSDP is repointed, and
// contents are copied.
func (m *Manager) addEntryLocked(h TableHandle, addr uint64) *efi.Error {
	if m.rsdtCount == m.rsdtCap {
		if err := m.growRSDTLocked(); err != nil {
			return err
		}
	}
	if m.xsdtCount == m.xsdtCap {
		if err := m.growXSDTLocked(); err != nil {
			return err
		}
	}
	binary.LittleEndian.PutUint32(m.rsdt.buf[sdtHeaderSize+m.rsdtCount*4:], uint32(addr))
	m.rsdtCount++
	binary.LittleEndian.PutUint64(m.xsdt.buf[sdtHeaderSize+m.xsdtCount*8:], addr)
	m.xsdtCount++
	m.entryOrder = append(m.entryOrder, h)
	m.setRSDTXSDTLengthLocked()
	return nil
}

// removeEntryLocked collapses the RSDT/XSDT entries past the removed slot
// and updates the header lengths.
func (m *Manager) removeEntryLocked(h TableHandle) {
	idx := -1
	for i, id := range m.entryOrder {
		if id == h {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	m.entryOrder = append(m.entryOrder[:idx], m.entryOrder[idx+1:]...)

	rBase := sdtHeaderSize
	copy(m.rsdt.buf[rBase+idx*4:], m.rsdt.buf[rBase+(idx+1)*4:rBase+m.rsdtCount*4])
	m.rsdtCount--
	for i := rBase + m.rsdtCount*4; i < rBase+(m.rsdtCount+1)*4; i++ {
		m.rsdt.buf[i] = 0
	}

	xBase := sdtHeaderSize
	copy(m.xsdt.buf[xBase+idx*8:], m.xsdt.buf[xBase+(idx+1)*8:xBase+m.xsdtCount*8])
	m.xsdtCount--
	for i := xBase + m.xsdtCount*8; i < xBase+(m.xsdtCount+1)*8; i++ {
		m.xsdt.buf[i] = 0
	}

	m.setRSDTXSDTLengthLocked()
}

func (m *Manager) allocHandleLocked() TableHandle {
	m.nextHandle++
	return m.nextHandle
}

// InstallFADT fills the FADT special slot: at most one FADT, installing a
// second fails. Installing FADT cross-links it to FACS and DSDT if already
// present and copies its OEM ID into the RSDP and its OEM ID/table
// ID/revision into RSDT and XSDT (the RSDP has no table-ID or revision
// field).
func (m *Manager) InstallFADT(fadt FADT) (TableHandle, *efi.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fadt != nil {
		return 0, efi.NewError("acpi", efi.ErrAlreadyStarted, "a FADT is already installed")
	}

	o, err := m.allocateOwnedLocked(int(unsafe.Sizeof(FADT{})), efi.MemACPIReclaim, false)
	if err != nil {
		return 0, err
	}
	*overlay[FADT](o.buf, 0) = fadt
	f := overlay[FADT](o.buf, 0)
	f.Signature = [4]byte{'F', 'A', 'C', 'P'}
	f.Length = uint32(len(o.buf))
	if f.Revision == 0 {
		f.Revision = acpiRev2Plus
	}

	if m.facs != nil {
		addr := addrOf(m.facs)
		f.FirmwareCtrl = uint32(addr)
		f.Ext.FirmwareControl = addr
	}
	if m.dsdt != nil {
		addr := addrOf(m.dsdt)
		f.Dsdt = uint32(addr)
		f.Ext.Dsdt = addr
	}
	fixupChecksum(o.buf, 9)

	h := m.allocHandleLocked()
	m.tables[h] = o
	m.fadt = o

	m.propagateOEMFromFADTLocked(f)

	if err := m.addEntryLocked(h, addrOf(o)); err != nil {
		delete(m.tables, h)
		m.fadt = nil
		m.freeOwnedLocked(o)
		return 0, err
	}

	m.afterMutationLocked()
	log.Debugf("installed FADT")
	return h, nil
}

// propagateOEMFromFADTLocked copies FADT's OEMID into RSDP, and its
// OEMID/OEMTableID/OEMRevision into RSDT and XSDT.
func (m *Manager) propagateOEMFromFADTLocked(f *FADT) {
	r := overlay[RSDP](m.rsdp.buf, 0)
	r.OEMID = f.OEMID

	rh := overlay[SDTHeader](m.rsdt.buf, 0)
	rh.OEMID, rh.OEMTableID, rh.OEMRevision = f.OEMID, f.OEMTableID, f.OEMRevision

	xh := overlay[SDTHeader](m.xsdt.buf, 0)
	xh.OEMID, xh.OEMTableID, xh.OEMRevision = f.OEMID, f.OEMTableID, f.OEMRevision
}

// InstallFACS fills the FACS special slot: ACPI-NVS memory, no RSDT/XSDT
// entry (only reachable through the FADT), and a back-fill of the FADT's
// FirmwareControl/XFirmwareControl pair plus a FADT re-checksum when a
// FADT is already installed.
func (m *Manager) InstallFACS(facs FACS) (TableHandle, *efi.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.facs != nil {
		return 0, efi.NewError("acpi", efi.ErrAlreadyStarted, "a FACS is already installed")
	}

	o, err := m.allocateOwnedLocked(int(unsafe.Sizeof(FACS{})), efi.MemACPINvs, false)
	if err != nil {
		return 0, err
	}
	*overlay[FACS](o.buf, 0) = facs
	s := overlay[FACS](o.buf, 0)
	s.Signature = [4]byte{'F', 'A', 'C', 'S'}
	s.Length = uint32(len(o.buf))

	h := m.allocHandleLocked()
	m.tables[h] = o
	m.facs = o

	if m.fadt != nil {
		addr := addrOf(o)
		f := overlay[FADT](m.fadt.buf, 0)
		f.FirmwareCtrl = uint32(addr)
		f.Ext.FirmwareControl = addr
		fixupChecksum(m.fadt.buf, 9)
	}

	m.afterMutationLocked()
	log.Debugf("installed FACS")
	return h, nil
}

// InstallDSDT fills the DSDT special slot: a normal checksummed ACPI table
// (unlike FACS) carrying the AML definition block, with no RSDT/XSDT
// entry, and the same FADT back-fill/re-checksum as InstallFACS.
func (m *Manager) InstallDSDT(aml []byte, revision uint8) (TableHandle, *efi.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dsdt != nil {
		return 0, efi.NewError("acpi", efi.ErrAlreadyStarted, "a DSDT is already installed")
	}

	o, err := m.allocateOwnedLocked(sdtHeaderSize+len(aml), efi.MemACPIReclaim, false)
	if err != nil {
		return 0, err
	}
	copy(o.buf[sdtHeaderSize:], aml)
	h := overlay[SDTHeader](o.buf, 0)
	h.Signature = [4]byte{'D', 'S', 'D', 'T'}
	h.Length = uint32(len(o.buf))
	h.Revision = revision
	h.OEMID, h.OEMTableID = oemID, oemTableID
	fixupChecksum(o.buf, 9)

	hnd := m.allocHandleLocked()
	m.tables[hnd] = o
	m.dsdt = o

	if m.fadt != nil {
		addr := addrOf(o)
		f := overlay[FADT](m.fadt.buf, 0)
		f.Dsdt = uint32(addr)
		f.Ext.Dsdt = addr
		fixupChecksum(m.fadt.buf, 9)
	}

	m.afterMutationLocked()
	log.Debugf("installed DSDT")
	return hnd, nil
}

// InstallTable installs any ACPI table other than FADT/FACS/DSDT. body is
// the table's content after the standard 36-byte header, which this
// method fills in and checksums.
func (m *Manager) InstallTable(signature [4]byte, body []byte, revision uint8) (TableHandle, *efi.Error) {
	sig := string(signature[:])
	if sig == fadtSignature || sig == facsSignature || sig == dsdtSignature {
		return 0, efi.NewError("acpi", efi.ErrInvalidParameter, "use the dedicated Install method for this signature")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	o, err := m.allocateOwnedLocked(sdtHeaderSize+len(body), efi.MemACPIReclaim, false)
	if err != nil {
		return 0, err
	}
	copy(o.buf[sdtHeaderSize:], body)
	h := overlay[SDTHeader](o.buf, 0)
	h.Signature = signature
	h.Length = uint32(len(o.buf))
	h.Revision = revision
	h.OEMID, h.OEMTableID = oemID, oemTableID
	fixupChecksum(o.buf, 9)

	hnd := m.allocHandleLocked()
	m.tables[hnd] = o

	if err := m.addEntryLocked(hnd, addrOf(o)); err != nil {
		delete(m.tables, hnd)
		m.freeOwnedLocked(o)
		return 0, err
	}

	m.afterMutationLocked()
	log.WithField("signature", sig).Debugf("installed ACPI table")
	return hnd, nil
}

// Uninstall locates the entry by handle, removes it, collapses the
// RSDT/XSDT entries past the removed slot, and recomputes checksums.
// FACS/DSDT removal additionally zeros the corresponding FADT pointer
// pair.
func (m *Manager) Uninstall(h TableHandle) *efi.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.tables[h]
	if !ok {
		return efi.NewError("acpi", efi.ErrNotFound, "unknown table handle")
	}

	switch {
	case o == m.facs:
		if m.fadt != nil {
			f := overlay[FADT](m.fadt.buf, 0)
			f.FirmwareCtrl, f.Ext.FirmwareControl = 0, 0
			fixupChecksum(m.fadt.buf, 9)
		}
		m.facs = nil

	case o == m.dsdt:
		if m.fadt != nil {
			f := overlay[FADT](m.fadt.buf, 0)
			f.Dsdt, f.Ext.Dsdt = 0, 0
			fixupChecksum(m.fadt.buf, 9)
		}
		m.dsdt = nil

	default:
		m.removeEntryLocked(h)
		if o == m.fadt {
			m.fadt = nil
		}
	}

	delete(m.tables, h)
	m.freeOwnedLocked(o)
	m.afterMutationLocked()
	log.Debugf("uninstalled ACPI table")
	return nil
}

// RSDPAddress returns the physical address of the owned RSDP allocation,
// the value the platform's boot handoff path publishes to the OS loader
// independent of the cfgtable snapshot.
func (m *Manager) RSDPAddress() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return addrOf(m.rsdp)
}

// RSDPBytes, RSDTBytes and XSDTBytes expose the raw, currently-checksummed
// bytes of the three structures outside the handle-keyed table map, for
// inspection by tests and diagnostic tooling.
func (m *Manager) RSDPBytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.rsdp.buf...)
}

func (m *Manager) RSDTBytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.rsdt.buf[:sdtHeaderSize+m.rsdtCount*4]...)
}

func (m *Manager) XSDTBytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.xsdt.buf[:sdtHeaderSize+m.xsdtCount*8]...)
}

// TableBytes returns the raw, currently-checksummed bytes of the table
// identified by h, for inspection by tests and diagnostic tooling.
func (m *Manager) TableBytes(h TableHandle) ([]byte, *efi.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.tables[h]
	if !ok {
		return nil, efi.NewError("acpi", efi.ErrNotFound, "unknown table handle")
	}
	return append([]byte(nil), o.buf...), nil
}

// RSDTEntryCount and XSDTEntryCount expose the current live entry counts,
// used by tests to assert growth behavior.
func (m *Manager) RSDTEntryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rsdtCount
}

func (m *Manager) XSDTEntryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.xsdtCount
}
