package acpi

import "unsafe"

// fpdtSignature identifies the Firmware Performance Data Table, which
// records boot-timing milestones (reset, OS loader start, exit boot
// services) alongside the FADT/FACS/DSDT special-slot tables.
const fpdtSignature = "FPDT"

// fpdtRecordHeader is the 4-byte common header every FPDT performance
// record carries.
type fpdtRecordHeader struct {
	Type     uint16
	Length   uint8
	Revision uint8
}

// FPDTBootRecord is the "Firmware Basic Boot Performance Record": the five
// timestamps that let a consumer derive firmware and boot-loader duration,
// expressed in the same 100ns-tick units ACPI defines.
type FPDTBootRecord struct {
	ResetEnd                uint64
	OSLoaderLoadImageStart  uint64
	OSLoaderStartImageStart uint64
	ExitBootServicesEntry   uint64
	ExitBootServicesExit    uint64
}

const fpdtBasicBootPerfRecordType uint16 = 2

type fpdtBootRecordWire struct {
	Header   fpdtRecordHeader
	reserved uint32
	FPDTBootRecord
}

// EncodeFPDTBootRecord serializes rec as the body of an FPDT table — the
// bytes to pass as InstallTable's body for signature "FPDT". Real firmware
// additionally emits a pointer record indirecting to a separate Basic Boot
// Performance Table; this manager inlines the record directly in the FPDT
// body instead, since nothing in this codebase consumes the indirection.
func EncodeFPDTBootRecord(rec FPDTBootRecord) []byte {
	wire := fpdtBootRecordWire{
		Header: fpdtRecordHeader{
			Type:     fpdtBasicBootPerfRecordType,
			Length:   uint8(unsafe.Sizeof(fpdtBootRecordWire{})),
			Revision: 1,
		},
		FPDTBootRecord: rec,
	}
	buf := make([]byte, unsafe.Sizeof(wire))
	*overlay[fpdtBootRecordWire](buf, 0) = wire
	return buf
}
