// Package samd implements the Atmel/Microchip SAM D/L/C flash family
// driver: device identification via the Device Service Unit, the NVMC
// row-erase/page-write command sequences, mass erase, and the user-row
// lock-bit/bootprot mutations the upstream tooling exposes as monitor
// commands.
package samd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/rojer/dbgprobe/internal/target"
)

const (
	rowSize  = 256
	pageSize = 64
)

// NVMC registers.
const (
	nvmcBase    uint32 = 0x41004000
	nvmcCtrlA   uint32 = nvmcBase + 0x00
	nvmcIntflag uint32 = nvmcBase + 0x14
	nvmcAddress uint32 = nvmcBase + 0x1c
)

// CTRLA command field.
const (
	ctrlACmdKey          uint32 = 0xa500
	ctrlACmdEraseRow     uint32 = 0x0002
	ctrlACmdWritePage    uint32 = 0x0004
	ctrlACmdEraseAuxRow  uint32 = 0x0005
	ctrlACmdWriteAuxPage uint32 = 0x0006
	ctrlACmdLock         uint32 = 0x0040
	ctrlACmdUnlock       uint32 = 0x0041
	ctrlACmdSSB          uint32 = 0x0045
)

const nvmcReady uint32 = 1 << 0

// NVM calibration/auxiliary registers.
const (
	userRowLow  uint32 = 0x00804000
	userRowHigh uint32 = 0x00804004
)

func nvmSerial(n uint32) uint32 {
	return 0x0080a00c + 0x30*((n+3)/4) + n*4
}

// DSU registers.
const (
	dsuBase      uint32 = 0x41002000
	dsuExtAccess uint32 = dsuBase + 0x100
	dsuCtrlStat  uint32 = dsuExtAccess + 0x0
	dsuAddress   uint32 = dsuExtAccess + 0x4
	dsuLength    uint32 = dsuExtAccess + 0x8
	dsuDID       uint32 = dsuExtAccess + 0x18
	dsuPID       uint32 = dsuBase + 0x1000
	dsuCID       uint32 = dsuBase + 0x1010
)

// CTRLSTAT bits.
const (
	ctrlChipErase   uint32 = 1 << 4
	ctrlMBIST       uint32 = 1 << 3
	statusAPErr     uint32 = 1 << 12
	statusAFail     uint32 = 1 << 11
	statusACRSTExt  uint32 = 1 << 9
	statusADone     uint32 = 1 << 8
	statusBProt     uint32 = 1 << 16
)

// DID fields.
const (
	didMask         uint32 = 0xff380000
	didConstValue   uint32 = 0x10000000
	didDevselMask   uint32 = 0xff
	didDevselPos           = 0
	didRevisionMask uint32 = 0x0f
	didRevisionPos         = 8
	didSeriesMask   uint32 = 0x1f
	didSeriesPos           = 16
	didFamilyMask   uint32 = 0x3f
	didFamilyPos           = 23
)

// Peripheral/Component ID.
const (
	pidMask      uint32 = 0x00f7ffff
	pidConstValue uint32 = 0x0001fcd0
	cidValue     uint32 = 0xb105100d
)

// A minimal local view of the ARMv7-M debug registers the reset override
// needs; kept here rather than imported from cortexm since this is a
// different concern (family-specific reset quirk, not core bring-up).
const (
	regDHCSR        uint32 = 0xe000edf0
	dhcsrSResetST   uint32 = 1 << 25
	regAIRCR        uint32 = 0xe000ed0c
	aircrVectKey    uint32 = 0x05fa0000
	aircrSysResetReq uint32 = 1 << 2
)

// Driver drives one attached SAM D/L/C part's flash and DSU.
type Driver struct {
	t         *target.Target
	descr     descr
	Protected bool
}

// Probe checks the CoreSight Component/Peripheral ID at the DSU's fixed
// address and, if they match, reads the Device Identification register
// to confirm this really is a SAM D/L/C part before returning a Driver.
// A mismatch at either check means this family does not own the target;
// the caller should try the next family driver.
func Probe(ctx context.Context, t *target.Target) (*Driver, error) {
	cid, err := t.AP.ReadMem32(ctx, dsuCID)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read DSU CID")
	}
	pid, err := t.AP.ReadMem32(ctx, dsuPID)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read DSU PID")
	}
	if cid != cidValue || pid&pidMask != pidConstValue {
		return nil, nil
	}

	did, err := t.AP.ReadMem32(ctx, dsuDID)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read DSU DID")
	}
	if did&didMask != didConstValue {
		return nil, nil
	}

	ctrlstat, err := t.AP.ReadMem32(ctx, dsuCtrlStat)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read DSU CTRLSTAT")
	}

	d := &Driver{t: t, descr: parseDeviceID(did), Protected: ctrlstat&statusBProt != 0}
	glog.V(1).Infof("%s", d.Name())

	t.Flash = append(t.Flash, target.FlashRegion{
		Name: "main", Base: 0, Size: d.descr.flashSize, PageSize: pageSize,
	})

	if err := d.clearExtendedReset(ctx); err != nil {
		return nil, errors.Annotatef(err, "failed to clear extended reset")
	}

	return d, nil
}

// Name formats the same human-readable part string the grounding driver
// prints ("Atmel SAMD21J18A (rev B)"), appending a protection marker when
// the DSU reports the part locked.
func (d *Driver) Name() string {
	s := d.descr
	name := "Atmel SAM" + string(s.family) + twoDigits(s.series) + string(s.pin) +
		oneOrTwoDigits(s.mem) + string(s.variant) + s.pkg + " (rev " + string(s.revision) + ")"
	if d.Protected {
		name += " (PROT=1)"
	}
	return name
}

func twoDigits(v uint8) string {
	if v < 10 {
		return "0" + itoa(v)
	}
	return itoa(v)
}

func oneOrTwoDigits(v uint8) string { return itoa(v) }

func itoa(v uint8) string {
	if v == 0 {
		return "0"
	}
	var buf [3]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// clearExtendedReset exits the DSU's extended-reset state if the part
// came up in it -- required unconditionally on attach for SAM D11 parts
// (errata 38.2.5) and opportunistically elsewhere.
func (d *Driver) clearExtendedReset(ctx context.Context) error {
	ctrlstat, err := d.t.AP.ReadMem32(ctx, dsuCtrlStat)
	if err != nil {
		return errors.Trace(err)
	}
	if ctrlstat&statusACRSTExt == 0 {
		return nil
	}
	return errors.Trace(d.t.AP.WriteMem32(ctx, dsuCtrlStat, statusACRSTExt))
}

// AttachOverride applies the family's per-series attach quirks: SAM D11
// needs extended reset released before cortexm_attach runs at all, and a
// protected part can only be attached in a temporary, rescue-only mode
// (the caller must mass-erase before anything else will work).
func (d *Driver) AttachOverride(ctx context.Context) error {
	if d.descr.series == 11 {
		if err := d.clearExtendedReset(ctx); err != nil {
			return errors.Annotatef(err, "failed to release SAM D11 from extended reset")
		}
	}
	if d.Protected {
		glog.Warningf("attached in protected mode; issue a mass erase to regain chip access")
	}
	return nil
}

// Reset overrides the generic Cortex-M system reset with one that also
// exits the DSU's extended-reset state, required because nRST resets the
// ADIv5 link itself on this family and so cannot be used for a normal
// reset cycle.
func (d *Driver) Reset(ctx context.Context) error {
	if _, err := d.t.AP.ReadMem32(ctx, regDHCSR); err != nil { // clear S_RESET_ST
		return errors.Annotatef(err, "failed to read DHCSR")
	}
	if err := d.t.AP.WriteMem32(ctx, regAIRCR, aircrVectKey|aircrSysResetReq); err != nil {
		return errors.Annotatef(err, "failed to request system reset")
	}
	if err := d.clearExtendedReset(ctx); err != nil {
		return errors.Annotatef(err, "failed to exit extended reset")
	}
	for {
		dhcsr, err := d.t.AP.ReadMem32(ctx, regDHCSR)
		if err != nil {
			return errors.Annotatef(err, "failed to poll DHCSR")
		}
		if dhcsr&dhcsrSResetST == 0 {
			break
		}
	}
	return nil
}

func (d *Driver) unlockCurrentAddress(ctx context.Context) error {
	return errors.Trace(d.t.AP.WriteMem32(ctx, nvmcCtrlA, ctrlACmdKey|ctrlACmdUnlock))
}

func (d *Driver) lockCurrentAddress(ctx context.Context) error {
	return errors.Trace(d.t.AP.WriteMem32(ctx, nvmcCtrlA, ctrlACmdKey|ctrlACmdLock))
}

func (d *Driver) waitNVMReady(ctx context.Context) error {
	for {
		v, err := d.t.AP.ReadMem32(ctx, nvmcIntflag)
		if err != nil {
			return errors.Annotatef(err, "failed to poll NVMC ready")
		}
		if v&nvmcReady != 0 {
			return nil
		}
	}
}

// EraseRange erases addr..addr+len in row-sized (256-byte) steps.
func (d *Driver) EraseRange(ctx context.Context, addr, length uint32) error {
	for length > 0 {
		if err := d.t.AP.WriteMem32(ctx, nvmcAddress, addr>>1); err != nil {
			return errors.Annotatef(err, "failed to set erase address 0x%08x", addr)
		}
		if err := d.unlockCurrentAddress(ctx); err != nil {
			return errors.Trace(err)
		}
		if err := d.t.AP.WriteMem32(ctx, nvmcCtrlA, ctrlACmdKey|ctrlACmdEraseRow); err != nil {
			return errors.Annotatef(err, "failed to issue erase row at 0x%08x", addr)
		}
		if err := d.waitNVMReady(ctx); err != nil {
			return errors.Trace(err)
		}
		if err := d.lockCurrentAddress(ctx); err != nil {
			return errors.Trace(err)
		}
		if length > rowSize {
			addr += rowSize
			length -= rowSize
		} else {
			addr += length
			length = 0
		}
	}
	return nil
}

// WritePage writes one flash page (up to 64 bytes) at dest.
func (d *Driver) WritePage(ctx context.Context, dest uint32, data []byte) error {
	if len(data) > pageSize {
		return errors.Errorf("write of %d bytes exceeds page size %d", len(data), pageSize)
	}
	if err := d.t.AP.WriteMem(ctx, dest, data); err != nil {
		return errors.Annotatef(err, "failed to write page buffer at 0x%08x", dest)
	}
	if err := d.unlockCurrentAddress(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := d.t.AP.WriteMem32(ctx, nvmcCtrlA, ctrlACmdKey|ctrlACmdWritePage); err != nil {
		return errors.Annotatef(err, "failed to issue write page at 0x%08x", dest)
	}
	if err := d.waitNVMReady(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.lockCurrentAddress(ctx))
}

// MassErase erases the entire flash array via the DSU chip-erase command,
// polling CTRLSTAT for DONE/PERR/FAIL with a half-second timeout per the
// grounding driver.
func (d *Driver) MassErase(ctx context.Context) error {
	if err := d.t.AP.WriteMem32(ctx, dsuCtrlStat, statusADone|statusAPErr|statusAFail); err != nil {
		return errors.Annotatef(err, "failed to clear DSU status")
	}
	if err := d.t.AP.WriteMem32(ctx, dsuCtrlStat, ctrlChipErase); err != nil {
		return errors.Annotatef(err, "failed to issue chip erase")
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for {
		status, err := d.t.AP.ReadMem32(ctx, dsuCtrlStat)
		if err != nil {
			return errors.Annotatef(err, "failed to poll DSU status")
		}
		if status&(statusADone|statusAPErr|statusAFail) != 0 {
			if status&statusAPErr != 0 {
				return errors.Errorf("mass erase failed: protection error")
			}
			if status&statusAFail != 0 {
				return errors.Errorf("mass erase failed")
			}
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("timed out waiting for mass erase")
		}
	}
}

// SetFlashLock rewrites the NVM region lock bits in the user row (the
// high word). The change takes effect on the next reset, not immediately.
func (d *Driver) SetFlashLock(ctx context.Context, value uint16) error {
	high, low, err := d.eraseUserRowForWrite(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	high = (high & 0x0000ffff) | (uint32(value)<<16)&0xffff0000
	return errors.Trace(d.writeUserRow(ctx, low, high))
}

// SetBootProt rewrites the boot-protection field (bits 2:0 of the user
// row's low word); value must be in [0, 7].
func (d *Driver) SetBootProt(ctx context.Context, value uint16) error {
	high, low, err := d.eraseUserRowForWrite(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	low = (low & 0xfffffff8) | (uint32(value) & 0x7)
	return errors.Trace(d.writeUserRow(ctx, low, high))
}

func (d *Driver) eraseUserRowForWrite(ctx context.Context) (high, low uint32, err error) {
	high, err = d.t.AP.ReadMem32(ctx, userRowHigh)
	if err != nil {
		return 0, 0, errors.Annotatef(err, "failed to read user row high")
	}
	low, err = d.t.AP.ReadMem32(ctx, userRowLow)
	if err != nil {
		return 0, 0, errors.Annotatef(err, "failed to read user row low")
	}
	if err := d.t.AP.WriteMem32(ctx, nvmcAddress, userRowLow>>1); err != nil {
		return 0, 0, errors.Annotatef(err, "failed to set user row erase address")
	}
	if err := d.t.AP.WriteMem32(ctx, nvmcCtrlA, ctrlACmdKey|ctrlACmdEraseAuxRow); err != nil {
		return 0, 0, errors.Annotatef(err, "failed to issue user row erase")
	}
	if err := d.waitNVMReady(ctx); err != nil {
		return 0, 0, errors.Trace(err)
	}
	return high, low, nil
}

func (d *Driver) writeUserRow(ctx context.Context, low, high uint32) error {
	if err := d.t.AP.WriteMem32(ctx, userRowLow, low); err != nil {
		return errors.Annotatef(err, "failed to write user row low")
	}
	if err := d.t.AP.WriteMem32(ctx, userRowHigh, high); err != nil {
		return errors.Annotatef(err, "failed to write user row high")
	}
	return errors.Trace(d.t.AP.WriteMem32(ctx, nvmcCtrlA, ctrlACmdKey|ctrlACmdWriteAuxPage))
}

// ReadUserRow returns the raw 64-bit user row value.
func (d *Driver) ReadUserRow(ctx context.Context) (uint64, error) {
	high, err := d.t.AP.ReadMem32(ctx, userRowHigh)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read user row high")
	}
	low, err := d.t.AP.ReadMem32(ctx, userRowLow)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read user row low")
	}
	return uint64(high)<<32 | uint64(low), nil
}

// ReadSerial reads the 128-bit factory serial number from the NVM
// calibration area.
func (d *Driver) ReadSerial(ctx context.Context) ([4]uint32, error) {
	var sn [4]uint32
	for i := uint32(0); i < 4; i++ {
		v, err := d.t.AP.ReadMem32(ctx, nvmSerial(i))
		if err != nil {
			return sn, errors.Annotatef(err, "failed to read serial word %d", i)
		}
		sn[i] = v
	}
	return sn, nil
}

// flashSize returns the decoded flash size, used by RunMBIST to scope the
// built-in memory test to the full array.
func (d *Driver) flashSize() uint32 { return d.descr.flashSize }

// RunMBIST runs the DSU's built-in memory test over the whole flash
// array, returning whether it passed and, on failure, the address of the
// first mismatch.
func (d *Driver) RunMBIST(ctx context.Context) (pass bool, failAddr uint32, err error) {
	if err := d.t.AP.WriteMem32(ctx, dsuAddress, 0); err != nil {
		return false, 0, errors.Annotatef(err, "failed to set MBIST address")
	}
	if err := d.t.AP.WriteMem32(ctx, dsuLength, d.flashSize()); err != nil {
		return false, 0, errors.Annotatef(err, "failed to set MBIST length")
	}
	if err := d.t.AP.WriteMem32(ctx, dsuCtrlStat, statusAFail); err != nil {
		return false, 0, errors.Annotatef(err, "failed to clear DSU fail bit")
	}
	if err := d.t.AP.WriteMem32(ctx, dsuCtrlStat, ctrlMBIST); err != nil {
		return false, 0, errors.Annotatef(err, "failed to issue MBIST")
	}
	var status uint32
	for {
		status, err = d.t.AP.ReadMem32(ctx, dsuCtrlStat)
		if err != nil {
			return false, 0, errors.Annotatef(err, "failed to poll DSU status")
		}
		if status&(statusADone|statusAPErr|statusAFail) != 0 {
			break
		}
	}
	if status&statusAPErr != 0 {
		return false, 0, errors.Errorf("MBIST not run due to protection error")
	}
	if status&statusAFail != 0 {
		addr, err := d.t.AP.ReadMem32(ctx, dsuAddress)
		if err != nil {
			return false, 0, errors.Annotatef(err, "failed to read MBIST fail address")
		}
		return false, addr, nil
	}
	return true, 0, nil
}

// SetSecurityBit permanently sets the chip security bit. After this, only
// a mass erase can recover debug access; the caller must warn the user
// before invoking it.
func (d *Driver) SetSecurityBit(ctx context.Context) error {
	if err := d.t.AP.WriteMem32(ctx, nvmcCtrlA, ctrlACmdKey|ctrlACmdSSB); err != nil {
		return errors.Annotatef(err, "failed to issue set-security-bit")
	}
	return errors.Trace(d.waitNVMReady(ctx))
}

// MonitorCommand dispatches one of the family's eight CLI monitor
// commands by name, mirroring the upstream firmware's samd_cmd_list
// (target, argc, argv) -> bool shape: argv[0] is the command name, the
// rest are its arguments, any printed output goes to w, and the bool
// reports whether the command succeeded.
func (d *Driver) MonitorCommand(ctx context.Context, w io.Writer, argv []string) (bool, error) {
	if len(argv) == 0 {
		return false, errors.Errorf("missing monitor command")
	}
	cmd, args := argv[0], argv[1:]
	switch cmd {
	case "lock_flash":
		v, err := monitorArgUint16(args, 0x0000)
		if err != nil {
			return false, errors.Trace(err)
		}
		if err := d.SetFlashLock(ctx, v); err != nil {
			return false, errors.Trace(err)
		}
		return true, nil
	case "unlock_flash":
		if err := d.SetFlashLock(ctx, 0xffff); err != nil {
			return false, errors.Trace(err)
		}
		return true, nil
	case "lock_bootprot":
		v, err := monitorArgUint16(args, 0)
		if err != nil {
			return false, errors.Trace(err)
		}
		if err := d.SetBootProt(ctx, v); err != nil {
			return false, errors.Trace(err)
		}
		return true, nil
	case "unlock_bootprot":
		if err := d.SetBootProt(ctx, 7); err != nil {
			return false, errors.Trace(err)
		}
		return true, nil
	case "user_row":
		v, err := d.ReadUserRow(ctx)
		if err != nil {
			return false, errors.Trace(err)
		}
		fmt.Fprintf(w, "user row: 0x%016x\n", v)
		return true, nil
	case "serial":
		sn, err := d.ReadSerial(ctx)
		if err != nil {
			return false, errors.Trace(err)
		}
		fmt.Fprintf(w, "serial: %08x%08x%08x%08x\n", sn[0], sn[1], sn[2], sn[3])
		return true, nil
	case "mbist":
		pass, failAddr, err := d.RunMBIST(ctx)
		if err != nil {
			return false, errors.Trace(err)
		}
		if !pass {
			fmt.Fprintf(w, "mbist failed at 0x%08x\n", failAddr)
			return false, nil
		}
		fmt.Fprintf(w, "mbist passed\n")
		return true, nil
	case "set_security_bit":
		if err := d.SetSecurityBit(ctx); err != nil {
			return false, errors.Trace(err)
		}
		if err := d.Reset(ctx); err != nil {
			return false, errors.Trace(err)
		}
		return true, nil
	default:
		return false, errors.Errorf("unknown monitor command %q", cmd)
	}
}

// monitorArgUint16 parses an optional leading numeric argument, returning
// def when none was given.
func monitorArgUint16(args []string, def uint16) (uint16, error) {
	if len(args) == 0 {
		return def, nil
	}
	v, err := strconv.ParseUint(args[0], 0, 16)
	if err != nil {
		return 0, errors.Annotatef(err, "invalid argument %q", args[0])
	}
	return uint16(v), nil
}
