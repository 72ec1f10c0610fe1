// Package pool implements the small-block pool allocator: per-memory-type
// free lists bucketed by power-of-two size class, with oversize requests
// serviced directly from page allocations.
package pool

import (
	"sync"

	"ueficore/efi"
	"ueficore/internal/klog"
	"ueficore/mm/pmm"
	"ueficore/tpl"
)

var log = klog.For("pool")

// minClassShift/maxClassShift bound the power-of-two size classes serviced
// from the free lists; anything larger is an oversize request serviced
// directly from pages.
const (
	minClassShift = 4  // 16 bytes
	maxClassShift = 11 // 2048 bytes
	numClasses    = maxClassShift - minClassShift + 1
)

// header precedes every pool allocation in memory and lets Free recover the
// bookkeeping needed to return the block to the right place.
type header struct {
	ownerType efi.MemoryType
	class     int // -1 for oversize
	frame     pmm.Frame
	pageCount uint64
	payload   []byte
}

// block is a free-list node; in a hosted simulation the block's backing
// storage is a Go byte slice carried alongside the header, rather than a
// pointer chased through raw memory, since there is no raw address space to
// walk here.
type block struct {
	hdr  *header
	next *block
}

// Allocator is the per-firmware singleton pool allocator. Allocation and
// free both raise to TPLNotify for the duration of the call so that they
// cannot be preempted by event notification.
type Allocator struct {
	mu        sync.Mutex
	pages     *pmm.Allocator
	scheduler *tpl.Scheduler

	// freeLists[memType][class] is the head of the free list for that
	// (type, size class) bucket.
	freeLists map[efi.MemoryType][numClasses]*block

	// totals[memType] tracks live bytes outstanding for that type, used to
	// verify that AllocatePool/FreePool round-trips leave per-type totals
	// unchanged.
	totals map[efi.MemoryType]uint64

	live map[uintptr]*header
	next uintptr
}

// New builds a pool allocator backed by pages and gated by scheduler.
func New(pages *pmm.Allocator, scheduler *tpl.Scheduler) *Allocator {
	return &Allocator{
		pages:     pages,
		scheduler: scheduler,
		freeLists: make(map[efi.MemoryType][numClasses]*block),
		totals:    make(map[efi.MemoryType]uint64),
		live:      make(map[uintptr]*header),
		next:      1,
	}
}

func classFor(size uint64) (int, bool) {
	for shift := minClassShift; shift <= maxClassShift; shift++ {
		if size <= uint64(1)<<uint(shift) {
			return shift - minClassShift, true
		}
	}
	return 0, false
}

// AllocatePool services a payload-byte-sized request from the smallest
// class >= the request, or directly from pages when oversize. It returns an
// opaque handle standing in for the returned pointer, since this is a
// hosted simulation rather than a flat address space.
func (a *Allocator) AllocatePool(memType efi.MemoryType, size uint64) (uintptr, *efi.Error) {
	old := a.scheduler.Raise(efi.TPLNotify)
	defer a.scheduler.Restore(old)

	a.mu.Lock()
	defer a.mu.Unlock()

	class, ok := classFor(size)
	if !ok {
		return a.allocateOversize(memType, size)
	}

	lists := a.freeLists[memType]
	if head := lists[class]; head != nil {
		lists[class] = head.next
		a.freeLists[memType] = lists
		head.hdr.payload = head.hdr.payload[:size]
		return a.publish(head.hdr), nil
	}

	hdr := &header{ownerType: memType, class: class, payload: make([]byte, size, uint64(1)<<uint(class+minClassShift))}
	return a.publish(hdr), nil
}

// allocateOversize services a request too large for any size class
// directly from the page allocator, remembering the page count in the
// header so FreePool can release the right number of pages. Callers must
// hold a.mu and have already raised the TPL.
func (a *Allocator) allocateOversize(memType efi.MemoryType, size uint64) (uintptr, *efi.Error) {
	pageCount := (size + pmm.PageSize - 1) / pmm.PageSize
	if pageCount == 0 {
		pageCount = 1
	}
	frame, err := a.pages.AllocatePages(pmm.AllocateAnyPages, 0, memType, pageCount)
	if err != nil {
		return 0, efi.Wrap("pool", efi.ErrOutOfResources, "oversize pool allocation failed", err)
	}

	hdr := &header{ownerType: memType, class: -1, frame: frame, pageCount: pageCount, payload: make([]byte, size)}
	return a.publish(hdr), nil
}

// publish registers hdr under a fresh handle and updates per-type totals.
// Callers must hold a.mu.
func (a *Allocator) publish(hdr *header) uintptr {
	h := a.next
	a.next++
	a.live[h] = hdr
	a.totals[hdr.ownerType] += uint64(len(hdr.payload))
	return h
}

// Payload returns the backing storage for handle h, for callers that need
// to read/write the allocation (the moral equivalent of dereferencing the
// returned pointer).
func (a *Allocator) Payload(h uintptr) ([]byte, *efi.Error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	hdr, ok := a.live[h]
	if !ok {
		return nil, efi.NewError("pool", efi.ErrInvalidParameter, "unknown pool handle")
	}
	return hdr.payload, nil
}

// FreePool returns handle h to the free list for its class, or releases its
// pages if it was an oversize allocation.
func (a *Allocator) FreePool(h uintptr) *efi.Error {
	old := a.scheduler.Raise(efi.TPLNotify)
	defer a.scheduler.Restore(old)

	a.mu.Lock()
	defer a.mu.Unlock()

	hdr, ok := a.live[h]
	if !ok {
		return efi.NewError("pool", efi.ErrInvalidParameter, "unknown pool handle")
	}
	delete(a.live, h)
	a.totals[hdr.ownerType] -= uint64(len(hdr.payload))

	if hdr.class < 0 {
		if err := a.pages.FreePages(hdr.frame, hdr.pageCount); err != nil {
			return err
		}
		log.Debugf("released oversize pool allocation (%d pages)", hdr.pageCount)
		return nil
	}

	lists := a.freeLists[hdr.ownerType]
	lists[hdr.class] = &block{hdr: hdr, next: lists[hdr.class]}
	a.freeLists[hdr.ownerType] = lists
	return nil
}

// TotalBytes reports the live byte total currently attributed to memType,
// used by tests asserting pool-allocation round-trip invariants.
func (a *Allocator) TotalBytes(memType efi.MemoryType) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals[memType]
}
