package image

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"ueficore/efi"
)

// buildPE64Image assembles a minimal, well-formed PE32+ (x64) EFI
// application image: a .text section holding one 32-bit self-relative
// "pointer" value, plus a .reloc section describing a single HIGHLOW
// fixup for it — enough to exercise header parsing, section placement,
// and the relocation walk end to end.
func buildPE64Image(t *testing.T) []byte {
	t.Helper()

	const (
		imageBase     = uint64(0x400000)
		textVA        = uint32(0x1000)
		textRawOff    = uint32(0x400)
		textRawSize   = uint32(0x200)
		relocVA       = uint32(0x2000)
		relocRawOff   = uint32(0x600)
		relocRawSize  = uint32(10)
		sizeOfHeaders = uint32(0x400)
		sizeOfImage   = uint32(0x3000)
		pointerRVAOff = uint32(0x10) // offset within .text where the fixup lives
	)

	buf := make([]byte, relocRawOff+relocRawSize)

	// DOS header.
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[60:], 64) // e_lfanew

	// PE signature.
	copy(buf[64:68], []byte{'P', 'E', 0, 0})

	// COFF file header.
	coff := buf[68:88]
	binary.LittleEndian.PutUint16(coff[0:], uint16(MachineX64))
	binary.LittleEndian.PutUint16(coff[2:], 2) // number of sections
	binary.LittleEndian.PutUint16(coff[16:], 240) // size of optional header
	binary.LittleEndian.PutUint16(coff[18:], 0x0002) // characteristics: executable, relocs not stripped

	// Optional header (PE32+).
	opt := buf[88:328]
	binary.LittleEndian.PutUint16(opt[0:], pe32Plus)
	binary.LittleEndian.PutUint32(opt[16:], textVA) // entry point RVA
	binary.LittleEndian.PutUint32(opt[20:], textVA) // base of code
	binary.LittleEndian.PutUint64(opt[24:], imageBase)
	binary.LittleEndian.PutUint32(opt[32:], 0x1000) // section alignment
	binary.LittleEndian.PutUint32(opt[36:], 0x200)  // file alignment
	binary.LittleEndian.PutUint32(opt[56:], sizeOfImage)
	binary.LittleEndian.PutUint32(opt[60:], sizeOfHeaders)
	binary.LittleEndian.PutUint16(opt[68:], uint16(SubsystemEFIApplication))
	binary.LittleEndian.PutUint32(opt[108:], numDataDirectories)
	ddOff := 112 + dirBaseRelocation*8
	binary.LittleEndian.PutUint32(opt[ddOff:], relocVA)
	binary.LittleEndian.PutUint32(opt[ddOff+4:], relocRawSize)

	// Section table.
	sec1 := buf[328:368]
	copy(sec1[0:8], ".text\x00\x00\x00")
	binary.LittleEndian.PutUint32(sec1[8:], textRawSize) // virtual size
	binary.LittleEndian.PutUint32(sec1[12:], textVA)
	binary.LittleEndian.PutUint32(sec1[16:], textRawSize)
	binary.LittleEndian.PutUint32(sec1[20:], textRawOff)
	binary.LittleEndian.PutUint32(sec1[36:], 0x60000020) // code | execute | read

	sec2 := buf[368:408]
	copy(sec2[0:8], ".reloc\x00\x00")
	binary.LittleEndian.PutUint32(sec2[8:], relocRawSize)
	binary.LittleEndian.PutUint32(sec2[12:], relocVA)
	binary.LittleEndian.PutUint32(sec2[16:], relocRawSize)
	binary.LittleEndian.PutUint32(sec2[20:], relocRawOff)
	binary.LittleEndian.PutUint32(sec2[36:], 0x42000040) // initialized data | discardable | read

	// .text raw content: one 4-byte "pointer" initialized to
	// imageBase + textVA + pointerRVAOff (its own preferred address), at
	// section-relative offset pointerRVAOff.
	binary.LittleEndian.PutUint32(buf[textRawOff+pointerRVAOff:], uint32(imageBase)+textVA+pointerRVAOff)

	// .reloc raw content: one base-relocation block, one HIGHLOW entry.
	reloc := buf[relocRawOff : relocRawOff+relocRawSize]
	binary.LittleEndian.PutUint32(reloc[0:], textVA)               // page RVA
	binary.LittleEndian.PutUint32(reloc[4:], relocRawSize)          // block size
	entry := uint16(RelocHighLow)<<12 | uint16(pointerRVAOff)
	binary.LittleEndian.PutUint16(reloc[8:], entry)

	require.Len(t, buf, int(relocRawOff+relocRawSize))
	return buf
}

func TestParsePE64HeadersAndSections(t *testing.T) {
	buf := buildPE64Image(t)

	hdr, err := parseHeaders(buf)
	require.Nil(t, err)
	require.Equal(t, MachineX64, hdr.machine)
	require.Equal(t, SubsystemEFIApplication, hdr.subsystem)
	require.Equal(t, uint64(0x400000), hdr.imageBase)
	require.False(t, hdr.relocsStripped)
	require.Len(t, hdr.sections, 2)
	require.Equal(t, ".text", hdr.sections[0].name)
	require.Equal(t, ".reloc", hdr.sections[1].name)
}

func TestParsePERejectsTruncatedImage(t *testing.T) {
	buf := buildPE64Image(t)
	_, err := parseHeaders(buf[:100])
	require.NotNil(t, err)
	require.Equal(t, efi.ErrLoadError, err.Status)
}

func TestApplyRelocationsShiftsPointerByDelta(t *testing.T) {
	buf := buildPE64Image(t)
	hdr, err := parseHeaders(buf)
	require.Nil(t, err)

	dest := make([]byte, 0x3000)
	for _, s := range hdr.sections {
		copy(dest[s.virtualAddress:], s.rawData)
	}

	const loadedBase = uint64(0x0) // simulate loading at a different address
	delta := int64(loadedBase) - int64(hdr.imageBase)

	log, rerr := applyRelocations(dest, hdr.relocDir.virtualAddress, hdr.relocDir.size, delta)
	require.Nil(t, rerr)
	require.Len(t, log, 1)
	require.Equal(t, RelocHighLow, log[0].Type)

	got := binary.LittleEndian.Uint32(dest[0x1010:])
	// spec invariant: original + (A - preferred_base)
	want := (uint32(hdr.imageBase) + 0x1010) + uint32(int32(delta))
	require.Equal(t, want, got)
	require.Equal(t, uint32(0x1010), got)
}
