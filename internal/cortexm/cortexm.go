// Package cortexm drives the ARMv6-M/v7-M/v8-M debug model (DHCSR/DCRSR/
// DCRDR/DEMCR/AIRCR) over a generic word-addressed memory interface, so it
// works identically whether that memory is reached through an ADIv5 AP or
// a rescue-mode stub.
package cortexm

import (
	"context"
	"fmt"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"
)

// MemAccess is the minimal word-addressed interface the debug engine
// needs from its transport; *adiv5.AP satisfies it directly.
type MemAccess interface {
	ReadMem32(ctx context.Context, addr uint32) (uint32, error)
	WriteMem32(ctx context.Context, addr, value uint32) error
}

// trncntSetter is implemented by transports (namely *adiv5.AP) that can
// escalate their wait-state count to win a race against a busy-looping
// core; InitialHalt uses it opportunistically.
type trncntSetter interface {
	SetTRNCNT(ctx context.Context, n uint16) error
}

// Debug register addresses, per the ARMv7-M/v8-M Architecture Reference
// Manual's System Control Space.
const (
	regCPUID uint32 = 0xe000ed00
	regAIRCR uint32 = 0xe000ed0c
	regAIRCRKey uint32 = 0x05fa0000

	regDHCSR    uint32 = 0xe000edf0
	regDHCSRKey uint32 = 0xa05f0000
	regDCRSR    uint32 = 0xe000edf4
	regDCRDR    uint32 = 0xe000edf8
	regDEMCR    uint32 = 0xe000edfc
	regPID0     uint32 = 0xe000efe0
)

// DHCSR bits.
const (
	dhcsrCDebugEn uint32 = 1 << 0
	dhcsrCHalt    uint32 = 1 << 1
	dhcsrSRegRdy  uint32 = 1 << 16
	dhcsrSHalt    uint32 = 1 << 17
	dhcsrSResetST uint32 = 1 << 25

	// dhcsrRAZMask covers the DHCSR bits that must read as zero; any of
	// them set marks the read as noise rather than a real sample (a bus
	// glitch, or a transfer that landed before the core powered up).
	dhcsrRAZMask uint32 = 0xf000fff0
)

// DEMCR vector-catch and trace-enable bits.
const (
	demcrVCCorereset uint32 = 1 << 0
	demcrVCHarderr   uint32 = 1 << 10
	demcrTrcena      uint32 = 1 << 24
)

// RegFile is the Cortex-M core register file the engine reads/writes via
// DCRSR/DCRDR.
type RegFile struct {
	R    [16]uint32
	XPSR uint32
	MSP  uint32
	PSP  uint32
}

const (
	SP = 13
	LR = 14
	PC = 15

	regXPSR = 0x10
	regMSP  = 0x11
	regPSP  = 0x12
)

func (r RegFile) String() string {
	return fmt.Sprintf(
		"[R0=0x%x R1=0x%x R2=0x%x R3=0x%x R4=0x%x R5=0x%x R6=0x%x R7=0x%x "+
			"R8=0x%x R9=0x%x R10=0x%x R11=0x%x R12=0x%x SP=0x%x LR=0x%x PC=0x%x xPSR=0x%x MSP=0x%x PSP=0x%x]",
		r.R[0], r.R[1], r.R[2], r.R[3], r.R[4], r.R[5], r.R[6], r.R[7], r.R[8], r.R[9], r.R[10], r.R[11], r.R[12],
		r.R[SP], r.R[LR], r.R[PC], r.XPSR, r.MSP, r.PSP)
}

// partNames maps a CPUID PARTNO field to a family name across the M0
// through M33 range; vendors outside ARM itself are not expected here
// since CPUID's IMPLEMENTER field is checked before this table is used.
var partNames = map[uint32]string{
	0xc20: "Cortex-M0",
	0xc60: "Cortex-M0+",
	0xc21: "Cortex-M1",
	0xc23: "Cortex-M3",
	0xc24: "Cortex-M4",
	0xc27: "Cortex-M7",
	0xd20: "Cortex-M23",
	0xd21: "Cortex-M33",
}

// TargetName formats a human-readable core identification string from the
// CPUID and PID0 registers.
func TargetName(cpuid, pid0 uint32) string {
	vendor := ""
	if cpuid>>24 == 0x41 {
		vendor = "ARM"
	}
	part := partNames[(cpuid>>4)&0xfff]
	fpu := ""
	if pid0 == 0xc {
		fpu = "F"
	}
	rev := (cpuid >> 20) & 0xf
	patch := cpuid & 0xf
	return fmt.Sprintf("%s %s%s r%dp%d", vendor, part, fpu, rev, patch)
}

// Debug drives one Cortex-M core's debug model over mem.
type Debug struct {
	mem MemAccess
}

// New returns a Debug engine bound to mem. Call Init before using it on a
// newly attached target to confirm the core is actually a Cortex-M and
// not something the ROM-table walker matched by mistake.
func New(mem MemAccess) *Debug {
	return &Debug{mem: mem}
}

// Init confirms the attached core reports a CPUID consistent with a
// Cortex-M implemented by ARM; it does not itself halt or reset the core.
func (d *Debug) Init(ctx context.Context) error {
	cpuid, err := d.mem.ReadMem32(ctx, regCPUID)
	if err != nil {
		return errors.Annotatef(err, "failed to read CPUID")
	}
	if cpuid>>24 != 0x41 {
		return errors.Errorf("target is not an ARM core (CPUID 0x%08x)", cpuid)
	}
	if _, ok := partNames[(cpuid>>4)&0xfff]; !ok {
		return errors.Errorf("unrecognized Cortex-M CPUID 0x%08x", cpuid)
	}
	return nil
}

// Name returns the human-readable core identification string.
func (d *Debug) Name(ctx context.Context) (string, error) {
	cpuid, err := d.mem.ReadMem32(ctx, regCPUID)
	if err != nil {
		return "", errors.Annotatef(err, "failed to get CPUID")
	}
	pid0, err := d.mem.ReadMem32(ctx, regPID0)
	if err != nil {
		return "", errors.Annotatef(err, "failed to get PID0")
	}
	return TargetName(cpuid, pid0), nil
}

func (d *Debug) reset(ctx context.Context, dhcsr, demcr uint32) error {
	if err := d.mem.WriteMem32(ctx, regDHCSR, dhcsr); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	if err := d.mem.WriteMem32(ctx, regDEMCR, demcr); err != nil {
		return errors.Annotatef(err, "failed to set DEMCR")
	}
	return errors.Trace(d.mem.WriteMem32(ctx, regAIRCR, regAIRCRKey|0x4 /* SYSRESETREQ */))
}

// ResetHalt issues a system reset with VC_CORERESET and VC_HARDERR vector
// catch armed, so the core halts at the very first instruction fetched
// out of reset, then waits for the halt to take.
func (d *Debug) ResetHalt(ctx context.Context) error {
	if err := d.reset(ctx, regDHCSRKey|dhcsrCDebugEn, demcrTrcena|demcrVCCorereset|demcrVCHarderr); err != nil {
		return errors.Annotatef(err, "failed to reset the core")
	}
	return errors.Trace(d.WaitHalt(ctx, 2*time.Second))
}

// ResetRun issues a system reset with debug and vector-catch disabled,
// letting the core run normally out of reset.
func (d *Debug) ResetRun(ctx context.Context) error {
	return errors.Trace(d.reset(ctx, regDHCSRKey, 0))
}

// WaitHalt polls DHCSR.C_HALT until it is set or timeout elapses.
func (d *Debug) WaitHalt(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		dhcsr, err := d.mem.ReadMem32(ctx, regDHCSR)
		if err != nil {
			return errors.Annotatef(err, "failed to get DHCSR")
		}
		glog.V(3).Infof("WaitHalt DHCSR 0x%08x", dhcsr)
		if dhcsr&dhcsrCHalt != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("timed out waiting for core to halt")
		}
	}
}

// InitialHalt is the halt-under-pressure path: a core already running --
// parked in WFI, or spinning in a bootloader -- cannot be caught by
// ResetHalt, which only halts coming out of a fresh reset and would just
// restart whatever loop it's stuck in. Instead this polls DHCSR directly
// with a plain halt request, escalating the AP's TRNCNT wait-state count
// (when the transport supports it) each iteration to improve the odds of
// landing the request inside the loop's window, without ever touching
// AIRCR.
func (d *Debug) InitialHalt(ctx context.Context, timeout time.Duration) error {
	setter, canEscalate := d.mem.(trncntSetter)
	start := time.Now()
	deadline := start.Add(timeout)
	trncnt := uint16(0x80)
	resetSeen := false
	var lastErr error

	for {
		if canEscalate {
			if err := setter.SetTRNCNT(ctx, trncnt); err != nil {
				return errors.Annotatef(err, "failed to escalate TRNCNT")
			}
		}
		if err := d.mem.WriteMem32(ctx, regDHCSR, regDHCSRKey|dhcsrCDebugEn|dhcsrCHalt); err != nil {
			lastErr = errors.Annotatef(err, "failed to request halt")
		} else if dhcsr, err := d.mem.ReadMem32(ctx, regDHCSR); err != nil {
			lastErr = errors.Annotatef(err, "failed to read DHCSR")
		} else if dhcsr == 0xffffffff || dhcsr&dhcsrRAZMask != 0 {
			lastErr = errors.Errorf("implausible DHCSR readback 0x%08x", dhcsr)
		} else if dhcsr&dhcsrSResetST != 0 {
			// Tolerated: the core briefly reports S_RESET_ST right after a
			// power-on or watchdog reset. Keep polling rather than bailing.
			if !resetSeen {
				glog.V(2).Infof("InitialHalt observed S_RESET_ST, tolerating")
			}
			resetSeen = true
			lastErr = errors.Errorf("core in reset (DHCSR 0x%08x)", dhcsr)
		} else if dhcsr&(dhcsrSHalt|dhcsrCDebugEn) == dhcsrSHalt|dhcsrCDebugEn {
			glog.V(2).Infof("InitialHalt succeeded after %s, TRNCNT=0x%x", time.Since(start), trncnt)
			return nil
		} else {
			lastErr = errors.Errorf("core still running (DHCSR 0x%08x)", dhcsr)
		}

		if time.Now().After(deadline) {
			return errors.Annotatef(lastErr, "failed to halt core within %s", timeout)
		}
		if trncnt < 0xfff {
			next := 0x80 + time.Since(start).Milliseconds()*8
			if next > 0xfff {
				next = 0xfff
			}
			trncnt = uint16(next)
		}
	}
}

func (d *Debug) waitRegReady(ctx context.Context) error {
	for {
		dhcsr, err := d.mem.ReadMem32(ctx, regDHCSR)
		if err != nil {
			return errors.Annotatef(err, "failed to get DHCSR")
		}
		if dhcsr&dhcsrSRegRdy != 0 {
			return nil
		}
	}
}

// SetReg writes one core register (0-15 for R0-R15, 0x10/0x11/0x12 for
// xPSR/MSP/PSP) via the DCRDR/DCRSR transfer pair.
func (d *Debug) SetReg(ctx context.Context, reg int, value uint32) error {
	glog.V(4).Infof("SetReg(%d, 0x%x)", reg, value)
	if err := d.mem.WriteMem32(ctx, regDCRDR, value); err != nil {
		return errors.Annotatef(err, "failed to set DCRDR")
	}
	return errors.Trace(d.mem.WriteMem32(ctx, regDCRSR, (1<<16)|uint32(reg)))
}

// SetRegs writes the full register file, per ARMv7-M Architecture
// Reference Manual C1.6.3.
func (d *Debug) SetRegs(ctx context.Context, regs *RegFile) error {
	glog.V(3).Infof("SetRegs(%s)", regs)
	for i := 0; i < 16; i++ {
		if err := d.SetReg(ctx, i, regs.R[i]); err != nil {
			return errors.Annotatef(err, "failed to set R%d", i)
		}
	}
	if err := d.SetReg(ctx, regXPSR, regs.XPSR); err != nil {
		return errors.Annotatef(err, "failed to set xPSR")
	}
	if err := d.SetReg(ctx, regMSP, regs.MSP); err != nil {
		return errors.Annotatef(err, "failed to set MSP")
	}
	return errors.Trace(d.SetReg(ctx, regPSP, regs.PSP))
}

func (d *Debug) getReg(ctx context.Context, reg uint32) (uint32, error) {
	if err := d.mem.WriteMem32(ctx, regDCRSR, reg); err != nil {
		return 0, errors.Annotatef(err, "failed to set DCRSR")
	}
	if err := d.waitRegReady(ctx); err != nil {
		return 0, errors.Annotatef(err, "failed to wait for reg read")
	}
	value, err := d.mem.ReadMem32(ctx, regDCRDR)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DCRDR")
	}
	glog.V(4).Infof("GetReg(%d) == 0x%x", reg, value)
	return value, nil
}

// GetReg reads one core register.
func (d *Debug) GetReg(ctx context.Context, reg int) (uint32, error) {
	return d.getReg(ctx, uint32(reg))
}

// GetRegs reads the full register file.
func (d *Debug) GetRegs(ctx context.Context, regs *RegFile) error {
	glog.V(3).Infof("GetRegs()")
	for i := 0; i < 16; i++ {
		v, err := d.getReg(ctx, uint32(i))
		if err != nil {
			return errors.Annotatef(err, "failed to get R%d", i)
		}
		regs.R[i] = v
	}
	var err error
	if regs.XPSR, err = d.getReg(ctx, regXPSR); err != nil {
		return errors.Annotatef(err, "failed to get xPSR")
	}
	if regs.MSP, err = d.getReg(ctx, regMSP); err != nil {
		return errors.Annotatef(err, "failed to get MSP")
	}
	if regs.PSP, err = d.getReg(ctx, regPSP); err != nil {
		return errors.Annotatef(err, "failed to get PSP")
	}
	glog.V(3).Infof("Regs: %s", regs)
	return nil
}

// Run clears C_HALT, resuming the core. It returns without waiting for the
// core to report that it is running.
func (d *Debug) Run(ctx context.Context) error {
	glog.V(3).Infof("Run()")
	return errors.Trace(d.mem.WriteMem32(ctx, regDHCSR, regDHCSRKey|dhcsrCDebugEn))
}
