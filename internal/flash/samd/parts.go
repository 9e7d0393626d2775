package samd

// part is one row of a family's devsel lookup table: pin count letter,
// flash size code and silicon variant letter, keyed by the DID.DEVSEL
// field.
type part struct {
	devsel  uint8
	pin     byte
	mem     uint8
	variant byte
}

var d21Parts = []part{
	{0x00, 'J', 18, 'A'}, {0x01, 'J', 17, 'A'}, {0x02, 'J', 16, 'A'}, {0x03, 'J', 15, 'A'},
	{0x05, 'G', 18, 'A'}, {0x06, 'G', 17, 'A'}, {0x07, 'G', 16, 'A'}, {0x08, 'G', 15, 'A'},
	{0x0A, 'E', 18, 'A'}, {0x0B, 'E', 17, 'A'}, {0x0C, 'E', 16, 'A'}, {0x0D, 'E', 15, 'A'},
	{0x0F, 'G', 18, 'A'}, {0x10, 'G', 17, 'A'},
	{0x20, 'J', 16, 'B'}, {0x21, 'J', 15, 'B'}, {0x23, 'G', 16, 'B'}, {0x24, 'G', 15, 'B'},
	{0x26, 'E', 16, 'B'}, {0x27, 'E', 15, 'B'}, {0x55, 'E', 16, 'B'}, {0x56, 'E', 15, 'B'},
	{0x62, 'E', 16, 'C'}, {0x63, 'E', 15, 'C'},
}

var l21Parts = []part{
	{0x00, 'J', 18, 'A'}, {0x01, 'J', 17, 'A'}, {0x02, 'J', 16, 'A'},
	{0x05, 'G', 18, 'A'}, {0x06, 'G', 17, 'A'}, {0x07, 'G', 16, 'A'},
	{0x0A, 'E', 18, 'A'}, {0x0B, 'E', 17, 'A'}, {0x0C, 'E', 16, 'A'}, {0x0D, 'E', 15, 'A'},
	{0x0F, 'J', 18, 'B'}, {0x10, 'J', 17, 'B'}, {0x11, 'J', 16, 'B'},
	{0x14, 'G', 18, 'B'}, {0x15, 'G', 17, 'B'}, {0x16, 'G', 16, 'B'},
	{0x19, 'E', 18, 'B'}, {0x1A, 'E', 17, 'B'}, {0x1B, 'E', 16, 'B'}, {0x1C, 'E', 15, 'B'},
}

var l22Parts = []part{
	{0x00, 'N', 18, 'A'}, {0x01, 'N', 17, 'A'}, {0x02, 'N', 16, 'A'},
	{0x05, 'J', 18, 'A'}, {0x06, 'J', 17, 'A'}, {0x07, 'J', 16, 'A'},
	{0x0A, 'G', 18, 'A'}, {0x0B, 'G', 17, 'A'}, {0x0C, 'G', 16, 'A'},
}

func lookupPart(parts []part, devsel uint8) (part, bool) {
	for _, p := range parts {
		if p.devsel == devsel {
			return p, true
		}
	}
	return part{}, false
}

// descr is the fully decoded identity of an attached SAM D/L/C part.
type descr struct {
	family   byte
	series   uint8
	revision byte
	pin      byte
	ramSize  uint32
	flashSize uint32
	mem      uint8
	variant  byte
	pkg      string
}

// parseDeviceID decodes a DSU DID register per the SAM D/L/C family DID
// bit layout (family/series/revision/devsel fields) and resolves the
// devsel field against the matching family's part table.
func parseDeviceID(did uint32) descr {
	d := descr{ramSize: 0x8000, flashSize: 0x40000}

	family := uint8((did >> didFamilyPos) & didFamilyMask)
	series := uint8((did >> didSeriesPos) & didSeriesMask)
	revision := uint8((did >> didRevisionPos) & didRevisionMask)
	devsel := uint8((did >> didDevselPos) & didDevselMask)

	parts := d21Parts
	switch family {
	case 0:
		d.family = 'D'
	case 1:
		d.family = 'L'
		parts = l21Parts
	case 2:
		d.family = 'C'
	}

	switch series {
	case 0:
		d.series = 20
	case 1:
		d.series = 21
	case 2:
		if family == 1 {
			d.series = 22
			parts = l22Parts
		} else {
			d.series = 10
		}
	case 3:
		d.series = 11
	case 4:
		d.series = 9
	}

	d.revision = byte('A' + revision)

	switch d.series {
	case 20:
		switch devsel / 5 {
		case 0:
			d.pin = 'J'
		case 1:
			d.pin = 'G'
		case 2:
			d.pin = 'E'
		default:
			d.pin = 'u'
		}
		d.mem = 18 - devsel%5
		d.variant = 'A'
	case 21, 22:
		if p, ok := lookupPart(parts, devsel); ok {
			d.pin, d.mem, d.variant = p.pin, p.mem, p.variant
		}
	case 10, 11:
		switch devsel / 3 {
		case 0:
			d.pkg = "M"
		case 1:
			d.pkg = "SS"
		}
		d.pin = 'D'
		d.mem = 14 - devsel%3
		d.variant = 'A'
	case 9:
		d.ramSize = 4096
		switch devsel {
		case 0:
			d.pin, d.mem, d.flashSize, d.pkg = 'D', 14, 16384, "M"
		case 7:
			d.pin, d.mem, d.flashSize = 'C', 13, 8192
		}
		d.variant = 'A'
	}

	return d
}
