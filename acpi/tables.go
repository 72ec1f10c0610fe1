// Package acpi implements the ACPI table manager: RSDP/RSDT/XSDT assembly,
// FADT/FACS/DSDT installation with cross-links, and checksum maintenance,
// published through the configuration-table array. Generalized from a
// read-only enumerator of tables already present in memory into a manager
// that assembles and owns them.
package acpi

import "unsafe"

const (
	acpiRev1     uint8 = 0
	acpiRev2Plus uint8 = 2
)

// sdtHeaderSize is reused throughout this package as both the RSDT/XSDT
// payload offset and the starting point of checksum calculation.
var sdtHeaderSize = int(unsafe.Sizeof(SDTHeader{}))

// SDTHeader is the standard 36-byte header shared by every ACPI table
// below the RSDP.
type SDTHeader struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       uint32
	CreatorRevision uint32
}

var (
	oemID       = [6]byte{'u', 'e', 'f', 'i', 'c', 'r'}
	oemTableID  = [8]byte{'U', 'E', 'F', 'I', 'C', 'O', 'R', 'E'}
	creatorID   = [4]byte{'U', 'E', 'F', 'I'}
)

// RSDP is the ACPI 2.0+ extended root system descriptor pointer, always
// installed at revision 2.
type RSDP struct {
	Signature        [8]byte
	Checksum         uint8
	OEMID            [6]byte
	Revision         uint8
	RSDTAddress      uint32
	Length           uint32
	XSDTAddress      uint64
	ExtendedChecksum uint8
	reserved         [3]byte
}

var rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}

// AddressSpace identifies the register access space a GenericAddress
// refers to.
type AddressSpace uint8

const (
	AddressSpaceSysMemory AddressSpace = iota
	AddressSpaceSysIO
	AddressSpacePCI
	AddressSpaceEmbController
	AddressSpaceSMBus
	AddressSpaceFuncFixedHW AddressSpace = 0x7f
)

// GenericAddress is the ACPI Generic Address Structure: a register
// location plus the address space and access width needed to read it.
type GenericAddress struct {
	Space      AddressSpace
	BitWidth   uint8
	BitOffset  uint8
	AccessSize uint8
	Address    uint64
}

// PowerProfileType is the FADT's PreferredPowerManagementProfile field.
type PowerProfileType uint8

const (
	PowerProfileUnspecified PowerProfileType = iota
	PowerProfileDesktop
	PowerProfileMobile
	PowerProfileWorkstation
	PowerProfileEnterpriseServer
	PowerProfileSOHOServer
	PowerProfileAppliancePC
	PowerProfilePerformanceServer
)

// FADT64 carries the ACPI 2.0+ 64-bit extensions to the FADT.
type FADT64 struct {
	FirmwareControl uint64
	Dsdt            uint64

	PM1aEventBlock   GenericAddress
	PM1bEventBlock   GenericAddress
	PM1aControlBlock GenericAddress
	PM1bControlBlock GenericAddress
	PM2ControlBlock  GenericAddress
	PMTimerBlock     GenericAddress
	GPE0Block        GenericAddress
	GPE1Block        GenericAddress
}

// FADT (Fixed ACPI Description Table) holds the fixed register blocks used
// for power management, plus the cross-links to FACS and DSDT that
// InstallFADT/InstallFACS/InstallDSDT maintain.
type FADT struct {
	SDTHeader

	FirmwareCtrl uint32
	Dsdt         uint32

	reserved uint8

	PreferredPowerManagementProfile PowerProfileType
	SCIInterrupt                    uint16
	SMICommandPort                  uint32
	AcpiEnable                      uint8
	AcpiDisable                     uint8
	S4BIOSReq                       uint8
	PSTATEControl                   uint8
	PM1aEventBlock                  uint32
	PM1bEventBlock                  uint32
	PM1aControlBlock                uint32
	PM1bControlBlock                uint32
	PM2ControlBlock                 uint32
	PMTimerBlock                    uint32
	GPE0Block                       uint32
	GPE1Block                       uint32
	PM1EventLength                  uint8
	PM1ControlLength                uint8
	PM2ControlLength                uint8
	PMTimerLength                   uint8
	GPE0Length                      uint8
	GPE1Length                      uint8
	GPE1Base                        uint8
	CStateControl                   uint8
	WorstC2Latency                  uint16
	WorstC3Latency                  uint16
	FlushSize                       uint16
	FlushStride                     uint16
	DutyOffset                      uint8
	DutyWidth                       uint8
	DayAlarm                        uint8
	MonthAlarm                      uint8
	Century                         uint8

	BootArchitectureFlags uint16

	reserved2 uint8
	Flags     uint32

	ResetReg GenericAddress

	ResetValue uint8
	reserved3  [3]uint8

	Ext FADT64
}

// FACS (Firmware ACPI Control Structure) has no standard SDTHeader and no
// checksum field — real firmware locates and validates it purely by
// signature and length, per the ACPI specification.
type FACS struct {
	Signature             [4]byte
	Length                uint32
	HardwareSignature     uint32
	FirmwareWakingVector  uint32
	GlobalLock            uint32
	Flags                 uint32
	XFirmwareWakingVector uint64
	Version               uint8
	reserved              [31]byte
}

// fadtSignature, facsSignature and dsdtSignature identify the three
// special-slot tables InstallFADT/InstallFACS/InstallDSDT manage.
const (
	fadtSignature = "FACP"
	facsSignature = "FACS"
	dsdtSignature = "DSDT"
)

func overlay[T any](buf []byte, off int) *T {
	return (*T)(unsafe.Pointer(&buf[off]))
}
