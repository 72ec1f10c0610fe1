package image

import (
	"encoding/binary"

	"ueficore/efi"
)

// RelocType is the high nibble (top 4 bits) of each fixup entry in a
// base-relocation block.
type RelocType uint8

const (
	RelocAbsolute RelocType = 0
	RelocHigh     RelocType = 1
	RelocLow      RelocType = 2
	RelocHighLow  RelocType = 3
	RelocDir64    RelocType = 10
)

// Fixup records one applied relocation so runtime drivers can replay it at
// SetVirtualAddressMap time.
type Fixup struct {
	RVA  uint32
	Type RelocType
}

// applyRelocations walks the base-relocation directory inside image
// (already placed at its load address) and applies each fixup using delta
// = loadedBase - preferredBase. It returns the ordered fixup log. An
// unknown fixup type aborts the whole load.
func applyRelocations(image []byte, relocDirRVA, relocDirSize uint32, delta int64) ([]Fixup, *efi.Error) {
	if relocDirSize == 0 || delta == 0 {
		return nil, nil
	}

	var log []Fixup
	off := int(relocDirRVA)
	end := off + int(relocDirSize)

	for off < end {
		if !fits(image, off, 8) {
			return nil, efi.NewError("image", efi.ErrLoadError, "relocation block header truncated")
		}
		pageRVA := binary.LittleEndian.Uint32(image[off:])
		blockSize := binary.LittleEndian.Uint32(image[off+4:])
		if blockSize < 8 || !fits(image, off, int(blockSize)) {
			return nil, efi.NewError("image", efi.ErrLoadError, "relocation block size invalid")
		}

		entries := (int(blockSize) - 8) / 2
		for i := 0; i < entries; i++ {
			entryOff := off + 8 + i*2
			raw := binary.LittleEndian.Uint16(image[entryOff:])
			typ := RelocType(raw >> 12)
			fixupOffset := uint32(raw & 0x0fff)
			rva := pageRVA + fixupOffset

			if typ == RelocAbsolute {
				// Padding entry; carries no fixup.
				continue
			}

			if err := applyFixup(image, rva, typ, delta); err != nil {
				return nil, err
			}
			log = append(log, Fixup{RVA: rva, Type: typ})
		}

		off += int(blockSize)
	}

	return log, nil
}

// applyFixup mutates the 16/32/64-bit value at RVA rva in image by delta,
// according to its fixup type (HIGH/LOW/HIGHLOW/DIR64). ABSOLUTE entries
// are padding skipped by applyRelocations; any other type is an error.
func applyFixup(image []byte, rva uint32, typ RelocType, delta int64) *efi.Error {
	switch typ {
	case RelocHigh:
		if !fits(image, int(rva), 2) {
			return efi.NewError("image", efi.ErrLoadError, "HIGH fixup out of range")
		}
		v := binary.LittleEndian.Uint16(image[rva:])
		v += uint16((delta >> 16) & 0xffff)
		binary.LittleEndian.PutUint16(image[rva:], v)

	case RelocLow:
		if !fits(image, int(rva), 2) {
			return efi.NewError("image", efi.ErrLoadError, "LOW fixup out of range")
		}
		v := binary.LittleEndian.Uint16(image[rva:])
		v += uint16(delta & 0xffff)
		binary.LittleEndian.PutUint16(image[rva:], v)

	case RelocHighLow:
		if !fits(image, int(rva), 4) {
			return efi.NewError("image", efi.ErrLoadError, "HIGHLOW fixup out of range")
		}
		v := binary.LittleEndian.Uint32(image[rva:])
		v += uint32(delta)
		binary.LittleEndian.PutUint32(image[rva:], v)

	case RelocDir64:
		if !fits(image, int(rva), 8) {
			return efi.NewError("image", efi.ErrLoadError, "DIR64 fixup out of range")
		}
		v := binary.LittleEndian.Uint64(image[rva:])
		v += uint64(delta)
		binary.LittleEndian.PutUint64(image[rva:], v)

	default:
		return efi.NewError("image", efi.ErrLoadError, "unknown base relocation type")
	}
	return nil
}
