package fv

import (
	"ueficore/efi"
)

// SectionType is the closed set of FFS section types ReadSection resolves
// against, mirroring EFI_SECTION_*.
type SectionType uint8

const (
	SectionCompression         SectionType = 0x01
	SectionGUIDDefined         SectionType = 0x02
	SectionPE32                SectionType = 0x10
	SectionPIC                 SectionType = 0x11
	SectionTE                  SectionType = 0x12
	SectionDXEDepex            SectionType = 0x13
	SectionVersion             SectionType = 0x14
	SectionUserInterface       SectionType = 0x15
	SectionCompatibility16     SectionType = 0x16
	SectionFirmwareVolumeImage SectionType = 0x17
	SectionFreeformSubtypeGUID SectionType = 0x18
	SectionRaw                 SectionType = 0x19
	SectionPEIDepex            SectionType = 0x1B
	SectionSMMDepex            SectionType = 0x1C
)

const sectionSizeSentinel = 0xFFFFFF

// Section is one parsed section within a file's section stream.
type Section struct {
	Type SectionType
	Data []byte
}

// parseSections walks a file's section stream (its data after the file
// header) into a slice of Section, each section individually 4-byte
// aligned per the FFS layout. Sections whose declared 24-bit size is the
// large-section sentinel carry a 4-byte extended size immediately after
// the common header, mirroring EFI_COMMON_SECTION_HEADER2.
func parseSections(buf []byte) ([]Section, *efi.Error) {
	var out []Section
	off := 0

	for off < len(buf) {
		off = (off + 3) &^ 3
		if off >= len(buf) {
			break
		}
		if !fits(buf, off, 4) {
			return nil, efi.NewError("fv", efi.ErrVolumeCorrupted, "section header truncated")
		}

		size24 := uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16
		typ := SectionType(buf[off+3])
		headerSize := 4
		size := size24

		if size24 == sectionSizeSentinel {
			if !fits(buf, off+4, 4) {
				return nil, efi.NewError("fv", efi.ErrVolumeCorrupted, "extended section size truncated")
			}
			size = uint32(buf[off+4]) | uint32(buf[off+5])<<8 | uint32(buf[off+6])<<16 | uint32(buf[off+7])<<24
			headerSize = 8
		}

		if size < uint32(headerSize) || !fits(buf, off, int(size)) {
			return nil, efi.NewError("fv", efi.ErrVolumeCorrupted, "section exceeds file bounds")
		}

		out = append(out, Section{Type: typ, Data: buf[off+headerSize : off+int(size)]})
		off += int(size)
	}

	return out, nil
}

// sections lazily parses and caches f's section stream, a stream-handle
// cache keyed to the file so that subsequent reads skip re-parsing.
func (f *File) sections() ([]Section, *efi.Error) {
	if f.sectionsOnce {
		return f.cachedSections, nil
	}
	secs, err := parseSections(f.data)
	if err != nil {
		return nil, err
	}
	f.cachedSections = secs
	f.sectionsOnce = true
	return secs, nil
}
