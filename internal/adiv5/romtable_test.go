package adiv5

import (
	"context"
	"testing"

	"github.com/rojer/dbgprobe/internal/link"
)

// fakeLink is a minimal in-memory ADIv5 bus: a DP with one AP, whose debug
// base address points at a synthetic one-level ROM table containing a
// single Cortex-A5 Debug component. It exists to drive DP/AP/Walker end
// to end without a real probe.
type fakeLink struct {
	ctrlstat uint32
	selectV  uint32
	csw, tar uint32
	lastDRW  uint32
	mem      map[uint32]uint32

	dpidr uint32
	idr   uint32
	base  uint32
}

const (
	romBase   = 0x10000
	childBase = 0x11000
)

func newFakeLink() *fakeLink {
	f := &fakeLink{
		mem:   map[uint32]uint32{},
		dpidr: 0x1476, // version 1, designer ARM, partno 0
		idr:   0x24770011,
		base:  romBase,
	}
	// ROM table at romBase: one entry pointing at childBase, then terminator.
	f.mem[romBase+0xff0] = 0x0d
	f.mem[romBase+0xff4] = 0x10
	f.mem[romBase+0xff8] = 0x05
	f.mem[romBase+0xffc] = 0xb1
	f.mem[romBase+0x0] = uint32(childBase-romBase) | 0x3 // present, 32-bit format
	f.mem[romBase+0x4] = 0

	// Child component: CIDR class Debug (0x9), PIDR encodes designer ARM,
	// part number 0xc05 (Cortex-A5 Debug), DEVTYPE/DEVARCH both zero.
	f.mem[childBase+0xff0] = 0x0d
	f.mem[childBase+0xff4] = 0x90
	f.mem[childBase+0xff8] = 0x05
	f.mem[childBase+0xffc] = 0xb1
	f.mem[childBase+0xfe0] = 0x05
	f.mem[childBase+0xfe4] = 0xbc
	f.mem[childBase+0xfe8] = 0x0b
	f.mem[childBase+0xfec] = 0x00
	f.mem[childBase+0xfd0] = 0x02
	f.mem[childBase+0xfd4] = 0x00
	f.mem[childBase+0xfd8] = 0x00
	f.mem[childBase+0xfdc] = 0x00
	f.mem[childBase+0xfcc] = 0x00 // DEVTYPE
	f.mem[childBase+0xfbc] = 0x00 // DEVARCH
	return f
}

func (f *fakeLink) Transfer(ctx context.Context, reqs []link.Request) ([]uint32, error) {
	out := make([]uint32, 0, len(reqs))
	for _, r := range reqs {
		if !r.APnDP {
			switch r.A {
			case regDPIDR:
				if r.RnW {
					out = append(out, f.dpidr)
				}
			case regDPCTRLSTAT:
				if r.RnW {
					out = append(out, f.ctrlstat)
				} else {
					f.ctrlstat = r.Value
					if f.ctrlstat&ctrlstatCSYSPWRUPREQ != 0 {
						f.ctrlstat |= ctrlstatCSYSPWRUPACK
					}
					if f.ctrlstat&ctrlstatCDBGPWRUPREQ != 0 {
						f.ctrlstat |= ctrlstatCDBGPWRUPACK
					}
				}
			case regDPSELECT:
				f.selectV = r.Value
			case regDPRDBUFF:
				out = append(out, f.lastDRW)
			}
			continue
		}

		apsel := uint8(f.selectV >> 24)
		bank := uint8((f.selectV >> 4) & 0xf)
		_ = apsel
		reg := uint32(bank)*16 + uint32(r.A)
		switch reg {
		case uint32(regAPCSW):
			if r.RnW {
				out = append(out, f.csw)
			} else {
				f.csw = r.Value
			}
		case uint32(regAPTAR):
			if r.RnW {
				out = append(out, f.tar)
			} else {
				f.tar = r.Value
			}
		case uint32(regAPDRW):
			if r.RnW {
				f.lastDRW = f.mem[f.tar]
				out = append(out, f.lastDRW)
			} else {
				f.mem[f.tar] = r.Value
			}
		case uint32(regAPBASE):
			if r.RnW {
				out = append(out, f.base)
			}
		case uint32(regAPIDR):
			if r.RnW {
				out = append(out, f.idr)
			}
		case uint32(regAPCFG):
			if r.RnW {
				out = append(out, 0)
			}
		}
	}
	return out, nil
}

func (f *fakeLink) Connect(ctx context.Context) (uint32, error)      { return f.dpidr, nil }
func (f *fakeLink) Disconnect(ctx context.Context) error             { return nil }
func (f *fakeLink) SetClock(ctx context.Context, hz uint32) error    { return nil }
func (f *fakeLink) SetNRST(ctx context.Context, asserted bool) error { return nil }
func (f *fakeLink) GetNRST(ctx context.Context) (bool, error)        { return false, nil }
func (f *fakeLink) MaxBlockTransferSize() int                        { return 256 }
func (f *fakeLink) TransferBlockRead(ctx context.Context, apsel uint8, addr uint8, count int) ([]uint32, error) {
	return nil, nil
}
func (f *fakeLink) TransferBlockWrite(ctx context.Context, apsel uint8, addr uint8, data []uint32) error {
	return nil
}

func TestDPInitAndWalkFindsComponent(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLink()

	dp, err := Init(ctx, fl, 0x12345678 /* not the legacy DPv0 JTAG id */)
	if err != nil {
		t.Fatalf("Init() = %v", err)
	}
	if dp.Version != 1 || dp.Designer != DesignerARM {
		t.Fatalf("DP = version %d designer 0x%03x, want version 1 designer 0x%03x", dp.Version, dp.Designer, DesignerARM)
	}

	ap, err := NewAP(ctx, dp, 0)
	if err != nil {
		t.Fatalf("NewAP() = %v", err)
	}
	if ap.Base != romBase {
		t.Fatalf("AP.Base = 0x%x, want 0x%x", ap.Base, romBase)
	}

	components, err := Walk(ctx, ap)
	if err != nil {
		t.Fatalf("Walk() = %v", err)
	}
	if len(components) != 1 {
		t.Fatalf("Walk() found %d components, want 1", len(components))
	}
	c := components[0]
	if c.Base != childBase || c.Designer != DesignerARM || c.PartNumber != 0xc05 {
		t.Errorf("component = %+v, want base 0x%x designer 0x%03x part 0xc05", c, childBase, DesignerARM)
	}
	if c.Name != "Cortex-A5 Debug" {
		t.Errorf("component.Name = %q, want %q", c.Name, "Cortex-A5 Debug")
	}
}

func TestNewAPRejectsZeroIDR(t *testing.T) {
	fl := newFakeLink()
	fl.idr = 0
	ctx := context.Background()
	dp, err := Init(ctx, fl, 0x12345678)
	if err != nil {
		t.Fatalf("Init() = %v", err)
	}
	if _, err := NewAP(ctx, dp, 0); err != errAPNotPresent {
		t.Errorf("NewAP() with zero IDR = %v, want errAPNotPresent", err)
	}
}
