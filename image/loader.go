package image

import (
	"sync"

	"ueficore/efi"
	"ueficore/handle"
	"ueficore/internal/klog"
	"ueficore/mm/pmm"
)

var log = klog.For("image")

// LoadedImageGUID is the well-known protocol GUID LoadImage installs on
// every image handle, mirroring EFI_LOADED_IMAGE_PROTOCOL_GUID.
var LoadedImageGUID = efi.MustGUID("5b1b31a1-9562-11d2-8e3f-00a0c969723b")

// Kind is the closed set of image kinds an image record can be loaded as.
type Kind int

const (
	Application Kind = iota
	BootServiceDriver
	RuntimeDriver
)

func (k Kind) String() string {
	switch k {
	case Application:
		return "application"
	case BootServiceDriver:
		return "boot_service_driver"
	case RuntimeDriver:
		return "runtime_driver"
	default:
		return "unknown"
	}
}

// EntryPoint is the Go stand-in for a native image entry point. ueficore is
// a hosted simulation with no machine code to jump into, so the bytes
// LoadImage parses and relocates are exercised faithfully (header
// validation, section placement, fixups) while the actual "code" executed
// by StartImage is the Go closure the caller supplies alongside the image
// bytes — the moral equivalent of a linked-in driver entry symbol.
type EntryPoint func(imageHandle handle.ID, systemTable interface{}) (efi.Status, interface{})

// Unloader is the optional callback an image may register (analogous to
// installing EFI_UNLOAD_IMAGE) for UnloadImage to invoke before releasing
// its pages.
type Unloader func() *efi.Error

// Watchdog abstracts the platform watchdog timer StartImage arms for the
// duration of the image's entry call. A nil Watchdog makes Arm/Disarm
// no-ops, which is sufficient for tests that don't care about watchdog
// behavior.
type Watchdog interface {
	Arm()
	Disarm()
}

// Record is the in-memory bookkeeping for one loaded image.
type Record struct {
	Handle        handle.ID
	Kind          Kind
	Machine       Machine
	Subsystem     Subsystem
	EntryPointRVA uint32
	BasePage      pmm.Frame
	PageCount     uint64
	LoadedBase    uint64
	RelocationLog []Fixup
	Started       bool
	ExitStatus    efi.Status
	ExitData      interface{}
	ParentHandle  handle.ID
	LoadOptions   string
	DevicePath    string

	entry   EntryPoint
	unload  Unloader
	content []byte
}

// exitSignal is the payload panic/recover carries so Exit can unwind back
// to StartImage without a hand-rolled jump buffer: Exit panics with
// exitSignal, and StartImage is the only frame that recovers it, so calling
// Exit from arbitrary depth inside the entry point unwinds cleanly back to
// StartImage exactly like a setjmp/longjmp pair.
type exitSignal struct {
	handle handle.ID
	status efi.Status
	data   interface{}
}

// Loader is the image loader: PE32/PE32+/TE parse, load, relocate, start,
// exit, unload, plus the runtime-image list consumed at
// SetVirtualAddressMap.
type Loader struct {
	mu       sync.Mutex
	pages    *pmm.Allocator
	handles  *handle.Database
	watchdog Watchdog

	records map[handle.ID]*Record
	runtime []handle.ID
}

// New returns a Loader backed by the given physical allocator and handle
// database. watchdog may be nil.
func New(pages *pmm.Allocator, handles *handle.Database, watchdog Watchdog) *Loader {
	return &Loader{
		pages:    pages,
		handles:  handles,
		watchdog: watchdog,
		records:  make(map[handle.ID]*Record),
	}
}

// LoadImage identifies and validates the header format, allocates pages
// sized to the image, copies each section to its RVA with tail zero-fill,
// and applies base relocations if not stripped. entry stands in for the
// native entry point (see
// EntryPoint's doc comment); parent is the calling image's handle, or
// handle.InvalidID for a platform-initiated load.
func (l *Loader) LoadImage(parent handle.ID, devicePath string, buf []byte, kind Kind, entry EntryPoint, loadOptions string) (*Record, *efi.Error) {
	hdr, err := parseHeaders(buf)
	if err != nil {
		return nil, err
	}

	imageSize := hdr.sizeOfImage
	if imageSize == 0 {
		// TE images carry no declared total size; derive one from the
		// furthest section extent.
		for _, s := range hdr.sections {
			if end := s.virtualAddress + s.virtualSize; end > imageSize {
				imageSize = end
			}
		}
	}
	if imageSize == 0 {
		return nil, efi.NewError("image", efi.ErrLoadError, "image declares no content")
	}

	pageCount := (uint64(imageSize) + pmm.PageSize - 1) / pmm.PageSize

	memType := efi.MemBootServicesCode
	if kind == RuntimeDriver {
		memType = efi.MemRuntimeServicesCode
	}

	frame, perr := l.pages.AllocatePages(pmm.AllocateAnyPages, 0, memType, pageCount)
	if perr != nil {
		return nil, efi.Wrap("image", efi.ErrOutOfResources, "failed to allocate image pages", perr)
	}

	dest := make([]byte, imageSize)
	for _, s := range hdr.sections {
		if int(s.virtualAddress)+len(s.rawData) > len(dest) {
			_ = l.pages.FreePages(frame, pageCount)
			return nil, efi.NewError("image", efi.ErrLoadError, "section does not fit within image size")
		}
		n := copy(dest[s.virtualAddress:], s.rawData)
		// VirtualSize may exceed SizeOfRawData (e.g. .bss); the remainder
		// of dest is already zero from make([]byte, ...), satisfying the
		// "zero-fill tail" requirement without an explicit pass.
		_ = n
	}

	loadedBase := uint64(frame) * pmm.PageSize
	delta := int64(loadedBase) - int64(hdr.imageBase)

	var relocLog []Fixup
	if !hdr.relocsStripped {
		relocLog, err = applyRelocations(dest, hdr.relocDir.virtualAddress, hdr.relocDir.size, delta)
		if err != nil {
			_ = l.pages.FreePages(frame, pageCount)
			return nil, err
		}
	}

	rec := &Record{
		Kind:          kind,
		Machine:       hdr.machine,
		Subsystem:     hdr.subsystem,
		EntryPointRVA: hdr.entryPointRVA,
		BasePage:      frame,
		PageCount:     pageCount,
		LoadedBase:    loadedBase,
		RelocationLog: relocLog,
		ParentHandle:  parent,
		LoadOptions:   loadOptions,
		DevicePath:    devicePath,
		entry:         entry,
		content:       dest,
	}

	h, ierr := l.handles.InstallProtocolInterface(nil, LoadedImageGUID, rec)
	if ierr != nil {
		_ = l.pages.FreePages(frame, pageCount)
		return nil, ierr
	}
	rec.Handle = h.ID

	l.mu.Lock()
	l.records[h.ID] = rec
	l.mu.Unlock()

	log.WithField("kind", kind).Debugf("loaded image %s at base 0x%x (%d pages)", devicePath, loadedBase, pageCount)
	return rec, nil
}

// SetUnloadCallback registers the unload callback an image's entry point
// installs for itself (analogous to publishing EFI_UNLOAD_IMAGE), used by
// UnloadImage.
func (l *Loader) SetUnloadCallback(imgHandle handle.ID, unload Unloader) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[imgHandle]; ok {
		rec.unload = unload
	}
}

// StartImage arms the watchdog, invokes the entry point with
// (image_handle, system_table), and recovers
// an exitSignal panic so that Exit, called from arbitrary depth within the
// entry point, unwinds back here exactly as a long-jump would. Runtime
// drivers are additionally linked into the runtime-image list.
func (l *Loader) StartImage(imgHandle handle.ID, systemTable interface{}) (status efi.Status, exitData interface{}, rerr *efi.Error) {
	l.mu.Lock()
	rec, ok := l.records[imgHandle]
	l.mu.Unlock()
	if !ok {
		return 0, nil, efi.NewError("image", efi.ErrInvalidParameter, "unknown image handle")
	}
	if rec.entry == nil {
		return 0, nil, efi.NewError("image", efi.ErrInvalidParameter, "image has no entry point bound")
	}

	if l.watchdog != nil {
		l.watchdog.Arm()
	}
	rec.Started = true

	defer func() {
		if l.watchdog != nil {
			l.watchdog.Disarm()
		}
		if p := recover(); p != nil {
			sig, ok := p.(exitSignal)
			if !ok || sig.handle != imgHandle {
				panic(p)
			}
			status, exitData = sig.status, sig.data
			rec.ExitStatus, rec.ExitData = status, exitData
		}
	}()

	status, exitData = rec.entry(imgHandle, systemTable)
	rec.ExitStatus, rec.ExitData = status, exitData

	if rec.Kind == RuntimeDriver {
		l.mu.Lock()
		l.runtime = append(l.runtime, imgHandle)
		l.mu.Unlock()
	}

	return status, exitData, nil
}

// Exit terminates imgHandle's entry point. When the image has already been
// started, it unwinds to StartImage via a recovered panic; otherwise it
// unloads the image immediately.
func (l *Loader) Exit(imgHandle handle.ID, status efi.Status, exitData interface{}, unloadOnExit bool) *efi.Error {
	l.mu.Lock()
	rec, ok := l.records[imgHandle]
	l.mu.Unlock()
	if !ok {
		return efi.NewError("image", efi.ErrInvalidParameter, "unknown image handle")
	}

	if rec.Started {
		panic(exitSignal{handle: imgHandle, status: status, data: exitData})
	}

	rec.ExitStatus, rec.ExitData = status, exitData
	if unloadOnExit {
		return l.UnloadImage(imgHandle)
	}
	return nil
}

// UnloadImage calls the image's unload callback if provided, then on
// success or absence releases its pages and uninstalls the loaded-image
// protocol.
func (l *Loader) UnloadImage(imgHandle handle.ID) *efi.Error {
	l.mu.Lock()
	rec, ok := l.records[imgHandle]
	l.mu.Unlock()
	if !ok {
		return efi.NewError("image", efi.ErrInvalidParameter, "unknown image handle")
	}

	if rec.unload != nil {
		if err := rec.unload(); err != nil {
			return err
		}
	}

	h := l.handles.Lookup(imgHandle)
	if h != nil {
		_ = l.handles.UninstallProtocolInterface(h, LoadedImageGUID)
	}
	if err := l.pages.FreePages(rec.BasePage, rec.PageCount); err != nil {
		return err
	}

	l.mu.Lock()
	delete(l.records, imgHandle)
	for i, id := range l.runtime {
		if id == imgHandle {
			l.runtime = append(l.runtime[:i], l.runtime[i+1:]...)
			break
		}
	}
	l.mu.Unlock()

	return nil
}

// RuntimeImages returns the handles of every runtime driver currently
// linked into the runtime-image list, consumed by the platform's
// SetVirtualAddressMap handoff.
func (l *Loader) RuntimeImages() []handle.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]handle.ID(nil), l.runtime...)
}

// Lookup returns the Record for imgHandle, or nil if unknown.
func (l *Loader) Lookup(imgHandle handle.ID) *Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records[imgHandle]
}
