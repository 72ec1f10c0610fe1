// Package image implements the PE32/PE32+/TE image loader: header parsing,
// relocation, start/exit/unload and the runtime-image list. Headers are
// parsed by overlaying a fixed Go struct onto the byte slice with
// unsafe.Pointer rather than building values up through
// encoding/binary.Read call chains.
package image

import (
	"unsafe"

	"ueficore/efi"
)

// Machine identifies the target CPU architecture declared in a COFF file
// header or TE header. All multi-byte fields are little-endian.
type Machine uint16

const (
	MachineUnknown Machine = 0x0
	MachineI386    Machine = 0x14c
	MachineX64     Machine = 0x8664
	MachineARM     Machine = 0x1c0
	MachineAArch64 Machine = 0xaa64
)

func (m Machine) supported() bool {
	switch m {
	case MachineI386, MachineX64, MachineARM, MachineAArch64:
		return true
	default:
		return false
	}
}

// Subsystem mirrors the PE optional header Subsystem field values the
// loader cares about distinguishing.
type Subsystem uint16

const (
	SubsystemEFIApplication       Subsystem = 10
	SubsystemEFIBootServiceDriver Subsystem = 11
	SubsystemEFIRuntimeDriver     Subsystem = 12
)

const (
	dosMagic  = 0x5a4d   // "MZ"
	peMagic   = 0x00004550 // "PE\0\0"
	teMagic   = 0x5a56   // "VZ"
	pe32Magic = 0x10b
	pe32Plus  = 0x20b

	fileCharacteristicsRelocsStripped = 0x0001
)

// dosHeader mirrors IMAGE_DOS_HEADER's fields up to e_lfanew; ueficore does
// not need the MS-DOS stub fields in between.
type dosHeader struct {
	magic     uint16
	_         [58]byte
	lfanewOff int32
}

// coffFileHeader mirrors IMAGE_FILE_HEADER.
type coffFileHeader struct {
	machine              Machine
	numberOfSections     uint16
	timeDateStamp        uint32
	pointerToSymbolTable uint32
	numberOfSymbols      uint32
	sizeOfOptionalHeader uint16
	characteristics      uint16
}

// dataDirectory mirrors IMAGE_DATA_DIRECTORY.
type dataDirectory struct {
	virtualAddress uint32
	size           uint32
}

const (
	dirExport = iota
	dirImport
	dirResource
	dirException
	dirSecurity
	dirBaseRelocation
	dirDebug
	dirArchitecture
	dirGlobalPtr
	dirTLS
	dirLoadConfig
	numDataDirectories = 16
)

// optionalHeader32 mirrors the PE32 optional header fields the loader
// consults (field names collapsed to what's needed, not the full standard
// layout).
type optionalHeader32 struct {
	magic                   uint16
	_                       [2]byte // linker version
	sizeOfCode              uint32
	_                       [8]byte // size of initialized/uninitialized data
	addressOfEntryPoint     uint32
	baseOfCode              uint32
	baseOfData              uint32
	imageBase               uint32
	sectionAlignment        uint32
	fileAlignment           uint32
	_                       [16]byte // OS/image/subsystem version fields
	sizeOfImage             uint32
	sizeOfHeaders           uint32
	checkSum                uint32
	subsystem               Subsystem
	dllCharacteristics      uint16
	_                       [16]byte // stack/heap reserve+commit
	loaderFlags             uint32
	numberOfRvaAndSizes     uint32
	dataDirectory           [numDataDirectories]dataDirectory
}

// optionalHeader64 mirrors the PE32+ optional header; identical to
// optionalHeader32 except ImageBase and the reserve/commit fields widen to
// 64 bits and baseOfData is absent.
type optionalHeader64 struct {
	magic               uint16
	_                   [2]byte
	sizeOfCode          uint32
	_                   [8]byte
	addressOfEntryPoint uint32
	baseOfCode          uint32
	imageBase           uint64
	sectionAlignment    uint32
	fileAlignment       uint32
	_                   [16]byte
	sizeOfImage         uint32
	sizeOfHeaders       uint32
	checkSum            uint32
	subsystem           Subsystem
	dllCharacteristics  uint16
	_                   [32]byte
	loaderFlags         uint32
	numberOfRvaAndSizes uint32
	dataDirectory       [numDataDirectories]dataDirectory
}

// sectionHeader mirrors IMAGE_SECTION_HEADER.
type sectionHeader struct {
	name                 [8]byte
	virtualSize          uint32
	virtualAddress       uint32
	sizeOfRawData        uint32
	pointerToRawData     uint32
	pointerToRelocations uint32
	pointerToLineNumbers uint32
	numberOfRelocations  uint16
	numberOfLineNumbers  uint16
	characteristics      uint32
}

func (s *sectionHeader) nameString() string {
	n := 0
	for n < len(s.name) && s.name[n] != 0 {
		n++
	}
	return string(s.name[:n])
}

// teHeader mirrors EFI_TE_IMAGE_HEADER: a condensed header used by XIP
// (execute-in-place) firmware images that strips the MS-DOS stub and most
// of the PE optional header, keeping only the fields the loader needs.
type teHeader struct {
	signature           uint16
	machine             Machine
	numberOfSections    uint8
	subsystem           uint8
	strippedSize        uint16
	addressOfEntryPoint uint32
	baseOfCode          uint32
	imageBase           uint64
	relocDir            dataDirectory
	debugDir            dataDirectory
}

// overlay casts a fixed-size header type T onto buf starting at off.
// Callers must ensure buf is at least off+sizeof(T) bytes long.
func overlay[T any](buf []byte, off int) *T {
	return (*T)(unsafe.Pointer(&buf[off]))
}

// fits reports whether the half-open byte range [off, off+n) lies within
// buf, guarding every overlay call against a truncated or hostile image.
func fits(buf []byte, off, n int) bool {
	if off < 0 || n < 0 {
		return false
	}
	end := off + n
	return end >= off && end <= len(buf)
}

// section describes one parsed section ready for placement by the loader.
type section struct {
	name           string
	virtualAddress uint32
	virtualSize    uint32
	rawData        []byte
	characteristics uint32
}

// parsedHeader is the format-neutral result of parsing a PE32, PE32+, or TE
// image, produced by parseHeaders.
type parsedHeader struct {
	machine            Machine
	subsystem          Subsystem
	imageBase          uint64
	entryPointRVA      uint32
	sizeOfImage        uint32
	sizeOfHeaders       uint32
	relocsStripped     bool
	relocDir           dataDirectory
	sections           []section
	// fileOffsetAdjust is added to every RVA-derived file offset to account
	// for the TE header's strippedSize truncation: the TE form omits the
	// leading bytes of the PE headers actually present on disk.
	fileOffsetAdjust int64
}

// parseHeaders identifies and parses a TE, PE32, or PE32+ image from buf,
// refusing unsupported machine types.
func parseHeaders(buf []byte) (*parsedHeader, *efi.Error) {
	if len(buf) < 2 {
		return nil, efi.NewError("image", efi.ErrLoadError, "image too small to contain a header")
	}

	magic := uint16(buf[0]) | uint16(buf[1])<<8
	switch magic {
	case teMagic:
		return parseTE(buf)
	case dosMagic:
		return parsePE(buf)
	default:
		return nil, efi.NewError("image", efi.ErrLoadError, "unrecognized image magic")
	}
}

func parseTE(buf []byte) (*parsedHeader, *efi.Error) {
	if !fits(buf, 0, int(unsafe.Sizeof(teHeader{}))) {
		return nil, efi.NewError("image", efi.ErrLoadError, "TE header truncated")
	}
	hdr := overlay[teHeader](buf, 0)
	if hdr.signature != teMagic {
		return nil, efi.NewError("image", efi.ErrLoadError, "bad TE signature")
	}
	if !hdr.machine.supported() {
		return nil, efi.NewError("image", efi.ErrUnsupported, "unsupported TE machine type")
	}

	teHdrSize := int(unsafe.Sizeof(teHeader{}))
	sectionsOff := teHdrSize
	numSections := int(hdr.numberOfSections)
	if !fits(buf, sectionsOff, numSections*int(unsafe.Sizeof(sectionHeader{}))) {
		return nil, efi.NewError("image", efi.ErrLoadError, "TE section table truncated")
	}

	// TE images are stored with the first StrippedSize bytes of the
	// original PE removed; RVAs recorded in section/relocation data are
	// still relative to the *original* image base, so file offsets must
	// be shifted back by (StrippedSize - sizeof(teHeader)).
	adjust := int64(teHdrSize) - int64(hdr.strippedSize)

	secs, err := parseSections(buf, sectionsOff, numSections, adjust)
	if err != nil {
		return nil, err
	}

	return &parsedHeader{
		machine:          hdr.machine,
		subsystem:        Subsystem(hdr.subsystem),
		imageBase:        hdr.imageBase,
		entryPointRVA:    hdr.addressOfEntryPoint,
		sizeOfImage:      0, // TE carries no declared image size; computed from sections.
		sizeOfHeaders:    uint32(hdr.strippedSize),
		relocsStripped:   hdr.relocDir.size == 0,
		relocDir:         hdr.relocDir,
		sections:         secs,
		fileOffsetAdjust: adjust,
	}, nil
}

func parsePE(buf []byte) (*parsedHeader, *efi.Error) {
	if !fits(buf, 0, int(unsafe.Sizeof(dosHeader{}))) {
		return nil, efi.NewError("image", efi.ErrLoadError, "DOS header truncated")
	}
	dos := overlay[dosHeader](buf, 0)
	if dos.magic != dosMagic {
		return nil, efi.NewError("image", efi.ErrLoadError, "bad DOS signature")
	}

	peOff := int(dos.lfanewOff)
	if !fits(buf, peOff, 4) {
		return nil, efi.NewError("image", efi.ErrLoadError, "PE signature offset out of range")
	}
	sig := uint32(buf[peOff]) | uint32(buf[peOff+1])<<8 | uint32(buf[peOff+2])<<16 | uint32(buf[peOff+3])<<24
	if sig != peMagic {
		return nil, efi.NewError("image", efi.ErrLoadError, "bad PE signature")
	}

	coffOff := peOff + 4
	if !fits(buf, coffOff, int(unsafe.Sizeof(coffFileHeader{}))) {
		return nil, efi.NewError("image", efi.ErrLoadError, "COFF header truncated")
	}
	coff := overlay[coffFileHeader](buf, coffOff)
	if !coff.machine.supported() {
		return nil, efi.NewError("image", efi.ErrUnsupported, "unsupported PE machine type")
	}

	optOff := coffOff + int(unsafe.Sizeof(coffFileHeader{}))
	if !fits(buf, optOff, 2) {
		return nil, efi.NewError("image", efi.ErrLoadError, "optional header truncated")
	}
	optMagic := uint16(buf[optOff]) | uint16(buf[optOff+1])<<8

	var (
		imageBase        uint64
		entryRVA         uint32
		sizeOfImage      uint32
		sizeOfHeaders    uint32
		subsystem        Subsystem
		relocDir         dataDirectory
	)

	switch optMagic {
	case pe32Magic:
		if !fits(buf, optOff, int(unsafe.Sizeof(optionalHeader32{}))) {
			return nil, efi.NewError("image", efi.ErrLoadError, "PE32 optional header truncated")
		}
		opt := overlay[optionalHeader32](buf, optOff)
		imageBase = uint64(opt.imageBase)
		entryRVA = opt.addressOfEntryPoint
		sizeOfImage = opt.sizeOfImage
		sizeOfHeaders = opt.sizeOfHeaders
		subsystem = opt.subsystem
		relocDir = opt.dataDirectory[dirBaseRelocation]

	case pe32Plus:
		if !fits(buf, optOff, int(unsafe.Sizeof(optionalHeader64{}))) {
			return nil, efi.NewError("image", efi.ErrLoadError, "PE32+ optional header truncated")
		}
		opt := overlay[optionalHeader64](buf, optOff)
		imageBase = opt.imageBase
		entryRVA = opt.addressOfEntryPoint
		sizeOfImage = opt.sizeOfImage
		sizeOfHeaders = opt.sizeOfHeaders
		subsystem = opt.subsystem
		relocDir = opt.dataDirectory[dirBaseRelocation]

	default:
		return nil, efi.NewError("image", efi.ErrLoadError, "unrecognized optional header magic")
	}

	sectionsOff := optOff + int(coff.sizeOfOptionalHeader)
	numSections := int(coff.numberOfSections)
	if !fits(buf, sectionsOff, numSections*int(unsafe.Sizeof(sectionHeader{}))) {
		return nil, efi.NewError("image", efi.ErrLoadError, "section table truncated")
	}

	secs, serr := parseSections(buf, sectionsOff, numSections, 0)
	if serr != nil {
		return nil, serr
	}

	if sizeOfImage != 0 {
		for _, s := range secs {
			if uint64(s.virtualAddress)+uint64(s.virtualSize) > uint64(sizeOfImage) {
				return nil, efi.NewError("image", efi.ErrLoadError, "section exceeds declared image size")
			}
		}
	}

	return &parsedHeader{
		machine:        coff.machine,
		subsystem:      subsystem,
		imageBase:      imageBase,
		entryPointRVA:  entryRVA,
		sizeOfImage:    sizeOfImage,
		sizeOfHeaders:  sizeOfHeaders,
		relocsStripped: coff.characteristics&fileCharacteristicsRelocsStripped != 0 || relocDir.size == 0,
		relocDir:       relocDir,
		sections:       secs,
	}, nil
}

// parseSections reads numSections IMAGE_SECTION_HEADER entries starting at
// off and slices each section's raw file data out of buf, applying
// fileAdjust to translate the recorded PointerToRawData into an offset
// valid in buf (nonzero only for TE images).
func parseSections(buf []byte, off, numSections int, fileAdjust int64) ([]section, *efi.Error) {
	secs := make([]section, 0, numSections)
	hdrSize := int(unsafe.Sizeof(sectionHeader{}))

	for i := 0; i < numSections; i++ {
		sh := overlay[sectionHeader](buf, off+i*hdrSize)

		rawOff := int64(sh.pointerToRawData) + fileAdjust
		rawSize := int(sh.sizeOfRawData)
		var raw []byte
		if rawSize > 0 {
			if !fits(buf, int(rawOff), rawSize) {
				return nil, efi.NewError("image", efi.ErrLoadError, "section data out of range")
			}
			raw = buf[rawOff : rawOff+int64(rawSize)]
		}

		secs = append(secs, section{
			name:            sh.nameString(),
			virtualAddress:  sh.virtualAddress,
			virtualSize:     sh.virtualSize,
			rawData:         raw,
			characteristics: sh.characteristics,
		})
	}
	return secs, nil
}
