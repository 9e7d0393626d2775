package cortexm

import (
	"context"
	"testing"
	"time"
)

// fakeMem is a tiny in-memory register file used to drive Debug without a
// real AP/link, the same way the grounding package's tests stub out
// common.TargetMemReaderWriter.
type fakeMem struct {
	regs map[uint32]uint32

	// haltAfterWrites, when nonzero, makes a DHCSR halt request only take
	// effect (S_HALT observed on readback) after this many writes to
	// DHCSR have been issued -- enough to exercise InitialHalt's retry
	// loop without hanging the test on a core that never halts.
	haltAfterWrites int
	dhcsrWrites     int

	trncnt uint16
}

func newFakeMem() *fakeMem {
	return &fakeMem{regs: map[uint32]uint32{}}
}

func (m *fakeMem) ReadMem32(ctx context.Context, addr uint32) (uint32, error) {
	return m.regs[addr], nil
}

func (m *fakeMem) WriteMem32(ctx context.Context, addr, value uint32) error {
	if addr == regDHCSR {
		m.dhcsrWrites++
		if m.haltAfterWrites > 0 && m.dhcsrWrites >= m.haltAfterWrites {
			m.regs[regDHCSR] = dhcsrCDebugEn | dhcsrSHalt
		}
		return nil
	}
	m.regs[addr] = value
	// DCRSR writes complete "instantly" in this fake, so S_REGRDY is
	// always set -- good enough to exercise SetReg/GetReg without a
	// polling loop hanging the test.
	if addr == regDCRSR {
		m.regs[regDHCSR] |= dhcsrSRegRdy
	}
	return nil
}

func (m *fakeMem) SetTRNCNT(ctx context.Context, n uint16) error {
	m.trncnt = n
	return nil
}

func TestInitRejectsNonARMCPUID(t *testing.T) {
	mem := newFakeMem()
	mem.regs[regCPUID] = 0x00000000
	d := New(mem)
	if err := d.Init(context.Background()); err == nil {
		t.Fatalf("Init() with non-ARM CPUID should fail")
	}
}

func TestInitAcceptsCortexM4(t *testing.T) {
	mem := newFakeMem()
	mem.regs[regCPUID] = 0x410fc241 // ARM, Cortex-M4, r0p1
	d := New(mem)
	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("Init() = %v, want nil", err)
	}
}

func TestSetRegThenGetReg(t *testing.T) {
	mem := newFakeMem()
	mem.regs[regCPUID] = 0x410fc241
	d := New(mem)
	ctx := context.Background()
	if err := d.SetReg(ctx, 3, 0xdeadbeef); err != nil {
		t.Fatalf("SetReg() = %v", err)
	}
	if mem.regs[regDCRDR] != 0xdeadbeef {
		t.Errorf("DCRDR = 0x%x, want 0xdeadbeef", mem.regs[regDCRDR])
	}
	v, err := d.GetReg(ctx, 3)
	if err != nil {
		t.Fatalf("GetReg() = %v", err)
	}
	if v != 0xdeadbeef {
		t.Errorf("GetReg(3) = 0x%x, want 0xdeadbeef", v)
	}
}

func TestInitialHaltSucceedsOnceCoreHalts(t *testing.T) {
	mem := newFakeMem()
	mem.regs[regCPUID] = 0x410fc241
	mem.haltAfterWrites = 3
	d := New(mem)
	if err := d.InitialHalt(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("InitialHalt() = %v", err)
	}
	if mem.dhcsrWrites < 3 {
		t.Errorf("InitialHalt gave up after %d DHCSR writes, want at least 3", mem.dhcsrWrites)
	}
	if mem.trncnt == 0 {
		t.Errorf("InitialHalt never escalated TRNCNT via the trncntSetter bridge")
	}
}

func TestInitialHaltTimesOutOnCoreThatNeverHalts(t *testing.T) {
	mem := newFakeMem()
	mem.regs[regCPUID] = 0x410fc241
	d := New(mem)
	if err := d.InitialHalt(context.Background(), 30*time.Millisecond); err == nil {
		t.Fatalf("InitialHalt() = nil, want a timeout error")
	}
}

func TestTargetNameFormatsVendorAndPart(t *testing.T) {
	name := TargetName(0x410fc241, 0x0)
	if name != "ARM Cortex-M4 r0p1" {
		t.Fatalf("TargetName() = %q, want %q", name, "ARM Cortex-M4 r0p1")
	}
}
