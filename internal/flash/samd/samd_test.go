package samd

import "testing"

func TestDriverNameFormatsPartString(t *testing.T) {
	d := &Driver{descr: descr{
		family: 'D', series: 21, revision: 'B',
		pin: 'J', mem: 18, variant: 'A',
		flashSize: 256 * 1024,
	}}
	got := d.Name()
	want := "Atmel SAMD21J18A (rev B)"
	if got != want {
		t.Errorf("Name() = %q, want %q", got, want)
	}
}

func TestDriverNameMarksProtected(t *testing.T) {
	d := &Driver{Protected: true, descr: descr{
		family: 'D', series: 21, revision: 'B', pin: 'J', mem: 18, variant: 'A',
	}}
	got := d.Name()
	wantSuffix := " (PROT=1)"
	if len(got) < len(wantSuffix) || got[len(got)-len(wantSuffix):] != wantSuffix {
		t.Errorf("Name() = %q, want it to end with %q", got, wantSuffix)
	}
}

func TestFlashSizeReturnsParsedDescriptor(t *testing.T) {
	d := &Driver{descr: descr{flashSize: 256 * 1024}}
	if got := d.flashSize(); got != 256*1024 {
		t.Errorf("flashSize() = %d, want %d", got, 256*1024)
	}
}

func TestTwoDigitsPadsSingleDigit(t *testing.T) {
	if got := twoDigits(9); got != "09" {
		t.Errorf("twoDigits(9) = %q, want %q", got, "09")
	}
	if got := twoDigits(21); got != "21" {
		t.Errorf("twoDigits(21) = %q, want %q", got, "21")
	}
}

func TestItoaZero(t *testing.T) {
	if got := itoa(0); got != "0" {
		t.Errorf("itoa(0) = %q, want %q", got, "0")
	}
}
