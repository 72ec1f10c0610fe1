// Package pmm implements the typed physical page allocator and memory-map
// bookkeeping: a descriptor list of coalesced, typed page ranges rather
// than a flat allocated/free bitmap, since callers need to distinguish
// conventional, boot-services, runtime-services and reserved memory by
// range.
package pmm

import (
	"sort"
	"sync"

	"ueficore/efi"
	"ueficore/internal/klog"
)

var log = klog.For("pmm")

// PageShift/PageSize fix the allocator's granularity at the standard 4KiB
// page.
const (
	PageShift = 12
	PageSize  = uint64(1) << PageShift
)

// Frame is a physical page index.
type Frame uint64

// AllocateKind selects how AllocatePages interprets the address constraint.
type AllocateKind int

const (
	AllocateAnyPages AllocateKind = iota
	AllocateMaxAddress
	AllocateAddress
)

// descriptor is the mutable, in-memory form of a memory-map entry.
// Descriptors are kept sorted by StartPage and pairwise disjoint;
// adjacent same-type, same-attribute descriptors are coalesced on every
// mutation.
type descriptor struct {
	startPage uint64
	pageCount uint64
	memType   efi.MemoryType
	attr      efi.MemoryAttribute
}

func (d descriptor) endPage() uint64 { return d.startPage + d.pageCount }

// Allocator is the typed physical page allocator plus its memory map,
// encapsulated as a per-instance struct rather than package-level state so
// a process can host more than one simulated firmware instance.
type Allocator struct {
	mu      sync.Mutex
	entries []descriptor
	mapKey  uint64
}

// New creates an Allocator whose entire managed range is initially
// conventional memory, covering [0, totalPages) pages.
func New(totalPages uint64) *Allocator {
	a := &Allocator{
		entries: []descriptor{{startPage: 0, pageCount: totalPages, memType: efi.MemConventional}},
	}
	return a
}

// Reserve marks [startPage, startPage+pageCount) with memType before the
// allocator starts servicing requests — used to carve out firmware-owned
// regions (e.g. the loaded firmware image itself) at construction time.
func (a *Allocator) Reserve(startPage, pageCount uint64, memType efi.MemoryType, attr efi.MemoryAttribute) *efi.Error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.markRange(startPage, pageCount, memType, attr)
}

// AllocatePages locates a conventional range satisfying kind/constraint,
// marks it with memType, and returns the first Frame of the allocation.
func (a *Allocator) AllocatePages(kind AllocateKind, constraint uint64, memType efi.MemoryType, pageCount uint64) (Frame, *efi.Error) {
	if pageCount == 0 {
		return 0, efi.NewError("pmm", efi.ErrInvalidParameter, "page count must be > 0")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start, err := a.findRange(kind, constraint, pageCount)
	if err != nil {
		return 0, err
	}

	if err := a.markRange(start, pageCount, memType, 0); err != nil {
		return 0, err
	}
	a.mapKey++

	log.WithField("type", memType).Debugf("allocated %d pages at frame %d", pageCount, start)
	return Frame(start), nil
}

// findRange locates a conventional range of pageCount pages satisfying the
// allocation constraint. Callers must hold a.mu.
func (a *Allocator) findRange(kind AllocateKind, constraint uint64, pageCount uint64) (uint64, *efi.Error) {
	switch kind {
	case AllocateAnyPages:
		for _, d := range a.entries {
			if d.memType == efi.MemConventional && d.pageCount >= pageCount {
				return d.startPage, nil
			}
		}
		return 0, efi.NewError("pmm", efi.ErrOutOfResources, "no conventional range large enough")

	case AllocateMaxAddress:
		maxPage := constraint >> PageShift
		var best uint64
		found := false
		for _, d := range a.entries {
			if d.memType != efi.MemConventional || d.pageCount < pageCount {
				continue
			}
			candidate := d.endPage() - pageCount
			if candidate < d.startPage {
				continue
			}
			if candidate+pageCount > maxPage {
				if d.startPage+pageCount > maxPage {
					continue
				}
				candidate = d.startPage
			}
			if !found || candidate > best {
				best, found = candidate, true
			}
		}
		if !found {
			return 0, efi.NewError("pmm", efi.ErrOutOfResources, "no conventional range below max address")
		}
		return best, nil

	case AllocateAddress:
		startPage := constraint >> PageShift
		for _, d := range a.entries {
			if startPage >= d.startPage && startPage+pageCount <= d.endPage() {
				if d.memType != efi.MemConventional {
					return 0, efi.NewError("pmm", efi.ErrNotFound, "requested address is not conventional memory")
				}
				return startPage, nil
			}
		}
		return 0, efi.NewError("pmm", efi.ErrNotFound, "requested address out of range")

	default:
		return 0, efi.NewError("pmm", efi.ErrInvalidParameter, "unknown allocate kind")
	}
}

// FreePages returns [frame, frame+pageCount) to conventional memory. The
// entire extent must currently match one non-conventional type; otherwise
// the free fails without modifying the map.
func (a *Allocator) FreePages(frame Frame, pageCount uint64) *efi.Error {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := uint64(frame)
	memType, ok := a.uniformType(start, pageCount)
	if !ok {
		return efi.NewError("pmm", efi.ErrNotFound, "range is not a single non-conventional allocation")
	}
	if memType == efi.MemConventional {
		return efi.NewError("pmm", efi.ErrNotFound, "range is already conventional")
	}

	if err := a.markRange(start, pageCount, efi.MemConventional, 0); err != nil {
		return err
	}
	a.mapKey++
	return nil
}

// uniformType reports the single memory type covering [start, start+count)
// if (and only if) the whole range is covered by entries of that one type.
// Callers must hold a.mu.
func (a *Allocator) uniformType(start, count uint64) (efi.MemoryType, bool) {
	end := start + count
	var memType efi.MemoryType
	set := false
	covered := start
	for _, d := range a.entries {
		if d.endPage() <= start || d.startPage >= end {
			continue
		}
		if d.startPage > covered {
			return 0, false
		}
		if !set {
			memType, set = d.memType, true
		} else if d.memType != memType {
			return 0, false
		}
		covered = d.endPage()
	}
	if covered < end {
		return 0, false
	}
	return memType, set
}

// markRange splits existing descriptors as needed so that
// [start, start+count) carries memType/attr, then coalesces adjacent
// same-type, same-attribute descriptors. Callers must hold a.mu.
func (a *Allocator) markRange(start, count uint64, memType efi.MemoryType, attr efi.MemoryAttribute) *efi.Error {
	end := start + count
	var result []descriptor

	for _, d := range a.entries {
		switch {
		case d.endPage() <= start || d.startPage >= end:
			result = append(result, d)
		default:
			if d.startPage < start {
				result = append(result, descriptor{d.startPage, start - d.startPage, d.memType, d.attr})
			}
			if d.endPage() > end {
				result = append(result, descriptor{end, d.endPage() - end, d.memType, d.attr})
			}
		}
	}
	result = append(result, descriptor{start, count, memType, attr})

	sort.Slice(result, func(i, j int) bool { return result[i].startPage < result[j].startPage })
	a.entries = coalesce(result)
	return nil
}

// coalesce merges adjacent descriptors that share a type and attribute set.
func coalesce(entries []descriptor) []descriptor {
	if len(entries) == 0 {
		return entries
	}
	out := entries[:1]
	for _, d := range entries[1:] {
		last := &out[len(out)-1]
		if last.endPage() == d.startPage && last.memType == d.memType && last.attr == d.attr {
			last.pageCount += d.pageCount
			continue
		}
		out = append(out, d)
	}
	return out
}

// Snapshot is the caller-visible form of GetMemoryMap: a copy of the current
// descriptor list plus the map key that must be presented unchanged to
// ExitBootServices.
type Snapshot struct {
	Descriptors []efi.MemoryDescriptor
	MapKey      uint64
}

// GetMemoryMap returns a snapshot of the current descriptor list and map
// key. Any allocation or free strictly after this call invalidates MapKey.
func (a *Allocator) GetMemoryMap() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]efi.MemoryDescriptor, len(a.entries))
	for i, d := range a.entries {
		out[i] = efi.MemoryDescriptor{
			Type:          d.memType,
			PhysicalStart: d.startPage * PageSize,
			VirtualStart:  0,
			PageCount:     d.pageCount,
			Attribute:     d.attr,
		}
	}
	return Snapshot{Descriptors: out, MapKey: a.mapKey}
}

// ValidateMapKey reports whether key still matches the latest map key,
// i.e. whether no allocation/free has occurred since the snapshot that
// produced key was taken.
func (a *Allocator) ValidateMapKey(key uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return key == a.mapKey
}
