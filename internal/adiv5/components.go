package adiv5

// arch names which probe routine (if any) the ROM-table walker dispatches
// to once a component has been matched in componentLUT.
type arch uint8

const (
	archNoSupport arch = iota
	archCortexM
	archCortexA
)

// componentClass is the CIDR class nibble (bits 15:12), used both to parse
// the identification register and as the "expected class" column of
// componentLUT so a mismatch can be logged without aborting the walk.
type componentClass uint8

const (
	classGenericVerification componentClass = 0x0
	classROMTable            componentClass = 0x1
	classDebug               componentClass = 0x9
	classPeripheralTestBlock componentClass = 0xb
	classOptimoDE            componentClass = 0xd
	classGenericIP           componentClass = 0xe
	classSystem              componentClass = 0xf
	classUnknown             componentClass = 0x10
)

// component describes one entry of the static ARM-designer component
// lookup table: part number, ADIv6 DEVTYPE/ARCHID (zero if not applicable),
// which architecture family it identifies, the CIDR class a well-behaved
// implementation of it reports, and a human name for logs.
type component struct {
	partNumber uint16
	devType    uint8
	archID     uint16
	arch       arch
	class      componentClass
	name       string
}

// componentLUT is the ARM-designer (part_number, dev_type, arch_id) lookup
// table the ROM-table walker matches every non-ROM-table debug component
// against. Reproduced in full from the grounding ROM-table walker: adding
// or removing rows changes which parts this probe recognizes, so the
// table is kept as data, not logic.
var componentLUT = []component{
	{0x000, 0x00, 0, archCortexM, classGenericIP, "Cortex-M3 SCS"},
	{0x001, 0x00, 0, archNoSupport, classUnknown, "Cortex-M3 ITM"},
	{0x002, 0x00, 0, archNoSupport, classUnknown, "Cortex-M3 DWT"},
	{0x003, 0x00, 0, archNoSupport, classUnknown, "Cortex-M3 FBP"},
	{0x008, 0x00, 0, archCortexM, classGenericIP, "Cortex-M0 SCS"},
	{0x00a, 0x00, 0, archNoSupport, classUnknown, "Cortex-M0 DWT"},
	{0x00b, 0x00, 0, archNoSupport, classUnknown, "Cortex-M0 BPU"},
	{0x00c, 0x00, 0, archCortexM, classGenericIP, "Cortex-M4 SCS"},
	{0x00d, 0x00, 0, archNoSupport, classUnknown, "CoreSight ETM11"},
	{0x00e, 0x00, 0, archNoSupport, classUnknown, "Cortex-M7 FBP"},
	{0x101, 0x00, 0, archNoSupport, classUnknown, "System TSGEN"},
	{0x471, 0x00, 0, archNoSupport, classUnknown, "Cortex-M0 ROM"},
	{0x490, 0x00, 0, archNoSupport, classUnknown, "Cortex-A15 GIC"},
	{0x4c0, 0x00, 0, archNoSupport, classUnknown, "Cortex-M0+ ROM"},
	{0x4c3, 0x00, 0, archNoSupport, classUnknown, "Cortex-M3 ROM"},
	{0x4c4, 0x00, 0, archNoSupport, classUnknown, "Cortex-M4 ROM"},
	{0x4c7, 0x00, 0, archNoSupport, classUnknown, "Cortex-M7 PPB"},
	{0x4c8, 0x00, 0, archNoSupport, classUnknown, "Cortex-M7 ROM"},
	{0x906, 0x14, 0, archNoSupport, classUnknown, "CoreSight CTI"},
	{0x907, 0x21, 0, archNoSupport, classUnknown, "CoreSight ETB"},
	{0x908, 0x12, 0, archNoSupport, classUnknown, "CoreSight CSTF"},
	{0x910, 0x00, 0, archNoSupport, classUnknown, "CoreSight ETM9"},
	{0x912, 0x11, 0, archNoSupport, classUnknown, "CoreSight TPIU"},
	{0x913, 0x00, 0, archNoSupport, classUnknown, "CoreSight ITM"},
	{0x914, 0x11, 0, archNoSupport, classUnknown, "CoreSight SWO"},
	{0x917, 0x00, 0, archNoSupport, classUnknown, "CoreSight HTM"},
	{0x920, 0x00, 0, archNoSupport, classUnknown, "CoreSight ETM11"},
	{0x921, 0x00, 0, archNoSupport, classUnknown, "Cortex-A8 ETM"},
	{0x922, 0x00, 0, archNoSupport, classUnknown, "Cortex-A8 CTI"},
	{0x923, 0x11, 0, archNoSupport, classUnknown, "Cortex-M3 TPIU"},
	{0x924, 0x13, 0, archNoSupport, classUnknown, "Cortex-M3 ETM"},
	{0x925, 0x13, 0, archNoSupport, classUnknown, "Cortex-M4 ETM"},
	{0x930, 0x00, 0, archNoSupport, classUnknown, "Cortex-R4 ETM"},
	{0x932, 0x31, 0x0a31, archNoSupport, classUnknown, "CoreSight MTB-M0+"},
	{0x941, 0x00, 0, archNoSupport, classUnknown, "CoreSight TPIU-Lite"},
	{0x950, 0x00, 0, archNoSupport, classUnknown, "CoreSight Component (Cortex-A9)"},
	{0x955, 0x00, 0, archNoSupport, classUnknown, "CoreSight Component (Cortex-A5)"},
	{0x956, 0x13, 0, archNoSupport, classUnknown, "Cortex-A7 ETM"},
	{0x95f, 0x00, 0, archNoSupport, classUnknown, "Cortex-A15 PTM"},
	{0x961, 0x32, 0, archNoSupport, classUnknown, "CoreSight TMC"},
	{0x962, 0x00, 0, archNoSupport, classUnknown, "CoreSight STM"},
	{0x963, 0x63, 0x0a63, archNoSupport, classUnknown, "CoreSight STM"},
	{0x975, 0x13, 0x4a13, archNoSupport, classUnknown, "Cortex-M7 ETM"},
	{0x9a0, 0x00, 0, archNoSupport, classUnknown, "CoreSight PMU"},
	{0x9a1, 0x11, 0, archNoSupport, classUnknown, "Cortex-M4 TPIU"},
	{0x9a5, 0x00, 0, archNoSupport, classUnknown, "Cortex-A5 ETM"},
	{0x9a6, 0x14, 0x1a14, archNoSupport, classDebug, "Cortex-M0+ CTI"},
	{0x9a7, 0x16, 0, archNoSupport, classUnknown, "Cortex-A7 PMU"},
	{0x9a9, 0x11, 0, archNoSupport, classUnknown, "Cortex-M7 TPIU"},
	{0x9af, 0x00, 0, archNoSupport, classUnknown, "Cortex-A15 PMU"},
	{0xc05, 0x00, 0, archCortexA, classDebug, "Cortex-A5 Debug"},
	{0xc07, 0x15, 0, archCortexA, classDebug, "Cortex-A7 Debug"},
	{0xc08, 0x00, 0, archCortexA, classDebug, "Cortex-A8 Debug"},
	{0xc09, 0x00, 0, archCortexA, classDebug, "Cortex-A9 Debug"},
	{0xc0f, 0x00, 0, archNoSupport, classUnknown, "Cortex-A15 Debug"},
	{0xc14, 0x00, 0, archNoSupport, classUnknown, "Cortex-R4 Debug"},
	{0xcd0, 0x00, 0, archNoSupport, classUnknown, "Atmel DSU"},
	{0xd20, 0x00, 0x2a04, archCortexM, classDebug, "Cortex-M23 SCS"},
	{0xd20, 0x11, 0, archNoSupport, classDebug, "Cortex-M23 TPIU"},
	{0xd20, 0x13, 0, archNoSupport, classDebug, "Cortex-M23 ETM"},
	{0xd20, 0x31, 0x0a31, archNoSupport, classDebug, "Cortex-M23 MTB"},
	{0xd20, 0x00, 0x1a02, archNoSupport, classDebug, "Cortex-M23 DWT"},
	{0xd20, 0x00, 0x1a03, archNoSupport, classDebug, "Cortex-M23 BPU"},
	{0xd20, 0x14, 0x1a14, archNoSupport, classDebug, "Cortex-M23 CTI"},
	{0xd21, 0x00, 0x2a04, archCortexM, classDebug, "Cortex-M33 SCS"},
	{0xd21, 0x31, 0x0a31, archNoSupport, classDebug, "Cortex-M33 MTB"},
	{0xd21, 0x43, 0x1a01, archNoSupport, classDebug, "Cortex-M33 ITM"},
	{0xd21, 0x00, 0x1a02, archNoSupport, classDebug, "Cortex-M33 DWT"},
	{0xd21, 0x00, 0x1a03, archNoSupport, classDebug, "Cortex-M33 BPU"},
	{0xd21, 0x14, 0x1a14, archNoSupport, classDebug, "Cortex-M33 CTI"},
	{0xd21, 0x13, 0x4a13, archNoSupport, classDebug, "Cortex-M33 ETM"},
	{0xd21, 0x11, 0, archNoSupport, classDebug, "Cortex-M33 TPIU"},
}

// lookupComponent finds the componentLUT row matching (partNumber,
// devType, archID). ok is false if no row matches, the "Unknown" case the
// walker only logs.
func lookupComponent(partNum uint16, devType uint8, archID uint16) (component, bool) {
	for _, c := range componentLUT {
		if c.partNumber == partNum && c.devType == devType && c.archID == archID {
			return c, true
		}
	}
	return component{}, false
}
