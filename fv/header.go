// Package fv implements the firmware-volume reader: FFS file/section
// enumeration over a block-addressed volume image, a stream-handle cache
// for repeated section reads, and the protocol surface
// (GetVolumeAttributes/ReadFile/ReadSection/GetNextFile) that ACPI and
// driver dispatch consume. Headers are parsed by overlaying fixed Go
// structs onto the byte slice, the same tagged-list parsing idiom the
// image loader uses for PE/TE headers.
package fv

import (
	"unsafe"

	"ueficore/efi"
)

const fvhSignature = 0x4856465f // "_FVH" little-endian

// fvHeader mirrors EFI_FIRMWARE_VOLUME_HEADER's fixed-size prefix; the
// block map that follows is variable length and parsed separately.
type fvHeader struct {
	zeroVector      [16]byte
	fileSystemGUID  efi.GUID
	fvLength        uint64
	signature       uint32
	attributes      uint32
	headerLength    uint16
	checksum        uint16
	extHeaderOffset uint16
	reserved        uint8
	revision        uint8
}

// blockMapEntry mirrors EFI_FV_BLOCK_MAP_ENTRY; the block map is terminated
// by an all-zero entry.
type blockMapEntry struct {
	numBlocks uint32
	length    uint32
}

// Attributes is the closed set of capability bits GetVolumeAttributes
// exposes, mirroring the EFI_FV_ATTRIBUTES subset this package cares about.
type Attributes uint32

const (
	AttrReadDisableCap Attributes = 1 << iota
	AttrReadEnableCap
	AttrReadStatus
	AttrWriteDisableCap
	AttrWriteEnableCap
	AttrWriteStatus
	AttrLockCap
	AttrLockStatus
	AttrStickyWrite
	AttrMemoryMapped
	AttrEraseDisabled
	AttrAlignmentCap  = 1 << 15
)

func parseFVHeader(buf []byte) (*fvHeader, []blockMapEntry, *efi.Error) {
	if !fits(buf, 0, int(unsafe.Sizeof(fvHeader{}))) {
		return nil, nil, efi.NewError("fv", efi.ErrVolumeCorrupted, "firmware volume header truncated")
	}
	hdr := overlay[fvHeader](buf, 0)
	if hdr.signature != fvhSignature {
		return nil, nil, efi.NewError("fv", efi.ErrVolumeCorrupted, "bad firmware volume signature")
	}
	if uint64(len(buf)) < hdr.fvLength {
		return nil, nil, efi.NewError("fv", efi.ErrVolumeCorrupted, "volume shorter than declared FvLength")
	}

	entrySize := int(unsafe.Sizeof(blockMapEntry{}))
	off := int(unsafe.Sizeof(fvHeader{}))
	var blocks []blockMapEntry
	for {
		if !fits(buf, off, entrySize) {
			return nil, nil, efi.NewError("fv", efi.ErrVolumeCorrupted, "block map truncated")
		}
		e := overlay[blockMapEntry](buf, off)
		off += entrySize
		if e.numBlocks == 0 && e.length == 0 {
			break
		}
		blocks = append(blocks, *e)
	}
	if off != int(hdr.headerLength) {
		// Some implementations pad an extended header area between the
		// block map and HeaderLength; honor the declared length rather
		// than the computed one so file enumeration starts at the right
		// offset.
		off = int(hdr.headerLength)
	}

	return hdr, blocks, nil
}

func overlay[T any](buf []byte, off int) *T {
	return (*T)(unsafe.Pointer(&buf[off]))
}

func fits(buf []byte, off, n int) bool {
	if off < 0 || n < 0 {
		return false
	}
	end := off + n
	return end >= off && end <= len(buf)
}

func align8(off int) int {
	return (off + 7) &^ 7
}
