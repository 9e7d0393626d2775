package samd

import "testing"

func TestParseDeviceIDSAMD21J18A(t *testing.T) {
	// family=0 (D), series=1 (21), revision=1 (B), devsel=0 (J18A)
	did := uint32(0)<<didFamilyPos | uint32(1)<<didSeriesPos | uint32(1)<<didRevisionPos | uint32(0)<<didDevselPos
	d := parseDeviceID(did)
	if d.family != 'D' || d.series != 21 || d.revision != 'B' {
		t.Fatalf("parseDeviceID() = %+v, want family D series 21 revision B", d)
	}
	if d.pin != 'J' || d.mem != 18 || d.variant != 'A' {
		t.Errorf("parseDeviceID() part = pin %c mem %d variant %c, want J 18 A", d.pin, d.mem, d.variant)
	}
}

func TestParseDeviceIDSAMD20(t *testing.T) {
	// series=0 (20), devsel=7 -> pin G (7/5=1), mem=18-7%5=16
	did := uint32(0)<<didSeriesPos | uint32(7)<<didDevselPos
	d := parseDeviceID(did)
	if d.series != 20 || d.pin != 'G' || d.mem != 16 {
		t.Fatalf("parseDeviceID() = %+v, want series 20 pin G mem 16", d)
	}
}

func TestParseDeviceIDSAML22(t *testing.T) {
	// family=1 (L), series=2 with family L -> 22, devsel=5 -> J18A
	did := uint32(1)<<didFamilyPos | uint32(2)<<didSeriesPos | uint32(5)<<didDevselPos
	d := parseDeviceID(did)
	if d.family != 'L' || d.series != 22 {
		t.Fatalf("parseDeviceID() = %+v, want family L series 22", d)
	}
	if d.pin != 'J' || d.mem != 18 {
		t.Errorf("parseDeviceID() part = pin %c mem %d, want J 18", d.pin, d.mem)
	}
}

func TestParseDeviceIDSAMD09(t *testing.T) {
	// series=4 (09), devsel=0
	did := uint32(4) << didSeriesPos
	d := parseDeviceID(did)
	if d.series != 9 || d.ramSize != 4096 || d.flashSize != 16384 {
		t.Fatalf("parseDeviceID() = %+v, want series 9, ram 4096, flash 16384", d)
	}
}

func TestLookupPartNotFound(t *testing.T) {
	if _, ok := lookupPart(d21Parts, 0xfe); ok {
		t.Errorf("lookupPart() found a part for an unlisted devsel")
	}
}
