package fv

import (
	"unsafe"

	"ueficore/efi"
)

// FileType is the closed set of FFS file types, mirroring
// EFI_FV_FILETYPE_*.
type FileType uint8

const (
	FileTypeRaw               FileType = 0x01
	FileTypeFreeform          FileType = 0x02
	FileTypeSecurityCore      FileType = 0x03
	FileTypePEICore           FileType = 0x04
	FileTypeDXECore           FileType = 0x05
	FileTypePEIM              FileType = 0x06
	FileTypeDriver            FileType = 0x07
	FileTypeCombinedPEIMDrv   FileType = 0x08
	FileTypeApplication       FileType = 0x09
	FileTypeSMM               FileType = 0x0A
	FileTypeFVImage           FileType = 0x0B
	FileTypeCombinedSMMDXE    FileType = 0x0C
	FileTypeSMMCore           FileType = 0x0D
	FileTypePad               FileType = 0xF0
)

// fileHeader mirrors EFI_FFS_FILE_HEADER (the FFS2 layout). FFS3 files
// additionally carry an 8-byte ExtendedSize field immediately following
// this header when Size == ffs3SizeSentinel.
type fileHeader struct {
	name           efi.GUID
	integrityCheck uint16
	fileType       FileType
	attributes     uint8
	size           [3]byte
	state          uint8
}

const (
	ffs3SizeSentinel        = 0xFFFFFF
	fileStateValidBit uint8 = 0x08
)

func (h *fileHeader) size24() uint32 {
	return uint32(h.size[0]) | uint32(h.size[1])<<8 | uint32(h.size[2])<<16
}

// File is the parsed, in-memory form of one FFS file: its identity plus the
// raw bytes of its section stream (everything after the file header).
type File struct {
	Name       efi.GUID
	Type       FileType
	Attributes uint8
	data       []byte // raw section-stream bytes, header excluded

	sectionsOnce   bool
	cachedSections []Section
}

// enumerateFiles walks the FFS file list starting at off (immediately
// after the firmware volume header), skipping pad files; each file's
// header may be FFS2 or FFS3.
func enumerateFiles(buf []byte, off int) ([]*File, *efi.Error) {
	var files []*File
	hdrSize := int(unsafe.Sizeof(fileHeader{}))

	for {
		off = align8(off)
		if off >= len(buf) {
			break
		}
		// The remainder of the volume may be free space, either erased
		// (all 0xFF) or zero-filled; a file header is never all 0xFF and
		// never starts with a nil GUID plus a zero size.
		if !fits(buf, off, hdrSize) {
			break
		}
		erased := true
		for _, b := range buf[off : off+hdrSize] {
			if b != 0xFF {
				erased = false
				break
			}
		}
		if erased {
			break
		}
		h := overlay[fileHeader](buf, off)
		if h.name == efi.NilGUID && h.size24() == 0 {
			break
		}
		if h.state&fileStateValidBit == 0 {
			break
		}

		size := h.size24()
		headerSize := hdrSize
		if size == ffs3SizeSentinel {
			if !fits(buf, off+hdrSize, 8) {
				return nil, efi.NewError("fv", efi.ErrVolumeCorrupted, "FFS3 extended size truncated")
			}
			extSize := overlay[uint64](buf, off+hdrSize)
			size = uint32(*extSize)
			headerSize = hdrSize + 8
		}

		if !fits(buf, off, int(size)) {
			return nil, efi.NewError("fv", efi.ErrVolumeCorrupted, "FFS file exceeds volume bounds")
		}

		if h.fileType != FileTypePad {
			files = append(files, &File{
				Name:       h.name,
				Type:       h.fileType,
				Attributes: h.attributes,
				data:       buf[off+headerSize : off+int(size)],
			})
		}

		off += int(size)
	}

	return files, nil
}
