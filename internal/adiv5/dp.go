// Package adiv5 implements the ARM Debug Interface v5 Debug Port / Access
// Port engine: DP session bring-up, AP enumeration, the alignment-aware
// memory transfer loop, and the CoreSight ROM-table walker built on top of
// them. It is built against the narrow link.Link transport so it has no
// USB or HID dependency of its own.
package adiv5

import (
	"context"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/rojer/dbgprobe/internal/link"
	"github.com/rojer/dbgprobe/internal/platform"
)

// DP register addresses (bits 3:2 of the transfer address).
const (
	regDPIDR      uint8 = 0x0 // read-only
	regDPABORT    uint8 = 0x0 // write-only, shares the address with DPIDR
	regDPCTRLSTAT uint8 = 0x4
	regDPSELECT   uint8 = 0x8 // write-only
	regDPRDBUFF   uint8 = 0xc // read-only
)

// CTRL/STAT bits, per the ADIv5 architecture specification.
const (
	ctrlstatCSYSPWRUPACK uint32 = 1 << 31
	ctrlstatCSYSPWRUPREQ uint32 = 1 << 30
	ctrlstatCDBGPWRUPACK uint32 = 1 << 29
	ctrlstatCDBGPWRUPREQ uint32 = 1 << 28
	ctrlstatCDBGRSTACK   uint32 = 1 << 27
	ctrlstatCDBGRSTREQ   uint32 = 1 << 26

	// ctrlstatTRNCNTMask is CTRL/STAT bits 23:12, the transaction-count
	// field used to escalate wait states when racing a busy-looping core
	// during initial halt. It lives on the DP, not the AP's CSW.
	ctrlstatTRNCNTMask  uint32 = 0xfff << 12
	ctrlstatTRNCNTShift        = 12
)

// ABORT register bits.
const (
	abortDAPABORT    uint32 = 1 << 0
	abortSTKCMPCLR   uint32 = 1 << 1
	abortSTKERRCLR   uint32 = 1 << 2
	abortWDERRCLR    uint32 = 1 << 3
	abortORUNERRCLR  uint32 = 1 << 4
	abortClearAll           = abortSTKCMPCLR | abortSTKERRCLR | abortWDERRCLR | abortORUNERRCLR
)

const legacyJTAGIDCodeARMDPv0 = 0x0ba00477

// maxConsecutiveInvalidAPsDefault bounds AP enumeration: after this many
// APs in a row fail to probe, enumeration gives up rather than walking all
// 256 possible selectors on silicon with a sparse AP map.
const maxConsecutiveInvalidAPsDefault = 8

// DP is one debug-port session: everything below this object is reached
// only through it, and every AP access is serialized through its SELECT
// register shadow. A DP is not safe for concurrent use; exactly one
// goroutine drives an attach/flash session at a time (see the concurrency
// notes in the package-level design document).
type DP struct {
	Link link.Link

	Version    uint8
	Designer   Designer
	PartNumber uint16
	MinDP      bool
	Instance   uint8

	TargetDesigner Designer
	TargetPartNo   uint16
	TargetSel      uint32
	dpv2           bool

	MaxConsecutiveInvalidAPs int

	selectValue uint32
	fault       bool
	refcnt      int
}

// Fault reports whether a sticky transport fault (a *link.FaultError from
// the link) has been observed since the DP was created or Abort last
// cleared it.
func (dp *DP) Fault() bool { return dp.fault }

func newDP(l link.Link) *DP {
	return &DP{Link: l, MaxConsecutiveInvalidAPs: maxConsecutiveInvalidAPsDefault}
}

// Init brings up a DP session from a raw IDCODE (as returned by the link's
// line-reset/Connect sequence) following the ADIv5 init contract: decode
// DPIDR, handle the DPv2 TARGETID/TARGETSEL dance, special-case the
// Raspberry Pi RP2040 rescue DP, then power up the system and debug
// domains and release CDBGRSTREQ.
func Init(ctx context.Context, l link.Link, idcode uint32) (*DP, error) {
	dp := newDP(l)

	if idcode != legacyJTAGIDCodeARMDPv0 {
		dpidr, err := dp.readReg(ctx, regDPIDR, false)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to read DPIDR")
		}
		dp.Version = uint8((dpidr >> 12) & 0xf)
		dp.Designer = Designer((dpidr >> 1) & 0x7ff)
		dp.PartNumber = uint16((dpidr >> 20) & 0xff)
		dp.MinDP = (dpidr>>16)&1 != 0
		if dp.Designer == 0 {
			// Downgrade to a bare DPv0: some probes/targets report an
			// all-zero DPIDR on the very first access after power-on.
			dp.Version, dp.Designer, dp.PartNumber, dp.MinDP = 0, 0, 0, false
		}
	}

	if dp.Version >= 2 {
		dp.dpv2 = true
		if err := dp.writeReg(ctx, regDPSELECT, false, 2); err != nil {
			return nil, errors.Annotatef(err, "failed to select TARGETID bank")
		}
		targetID, err := dp.readReg(ctx, regDPCTRLSTAT /* aliases TARGETID in bank 2 */, false)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to read TARGETID")
		}
		if err := dp.writeReg(ctx, regDPSELECT, false, 0); err != nil {
			return nil, errors.Annotatef(err, "failed to restore SELECT bank")
		}
		dp.selectValue = 0
		dp.TargetDesigner = Designer((targetID >> 1) & 0x7ff)
		dp.TargetPartNo = uint16((targetID >> 12) & 0xffff)
		dp.TargetSel = uint32(dp.Instance)<<28 | (targetID & 0x0ffffffe) | 1
		glog.V(2).Infof("TARGETID 0x%08x designer 0x%03x partno 0x%04x", targetID, dp.TargetDesigner, dp.TargetPartNo)
	}

	if dp.Designer == DesignerRaspberry && dp.PartNumber == 2 {
		return dp, ErrRescueRequired
	}

	ctrlstat, err := dp.readCtrlStatRetrying(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read CTRL/STAT")
	}

	if err := dp.writeReg(ctx, regDPCTRLSTAT, false, ctrlstat|ctrlstatCSYSPWRUPREQ|ctrlstatCDBGPWRUPREQ); err != nil {
		return nil, errors.Annotatef(err, "failed to request power-up")
	}
	powerTimeout := platform.NewTimeout(201 * time.Millisecond)
	for {
		ctrlstat, err = dp.readReg(ctx, regDPCTRLSTAT, false)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to poll CTRL/STAT power-up ack")
		}
		if ctrlstat&(ctrlstatCSYSPWRUPACK|ctrlstatCDBGPWRUPACK) == ctrlstatCSYSPWRUPACK|ctrlstatCDBGPWRUPACK {
			break
		}
		if powerTimeout.Expired() {
			return nil, errors.Errorf("timed out waiting for power-up acknowledgement")
		}
	}

	if err := dp.writeReg(ctx, regDPCTRLSTAT, false, ctrlstat|ctrlstatCDBGRSTREQ); err != nil {
		return nil, errors.Annotatef(err, "failed to request debug reset")
	}
	if err := dp.writeReg(ctx, regDPCTRLSTAT, false, ctrlstat&^ctrlstatCDBGRSTREQ); err != nil {
		return nil, errors.Annotatef(err, "failed to clear debug reset request")
	}
	// Some silicon (notably STM32) never asserts CDBGRSTACK; a timeout here
	// is tolerated rather than fatal.
	rstTimeout := platform.NewTimeout(201 * time.Millisecond)
	for {
		cs, err := dp.readReg(ctx, regDPCTRLSTAT, false)
		if err == nil && cs&ctrlstatCDBGRSTACK == 0 {
			break
		}
		if rstTimeout.Expired() {
			glog.V(1).Infof("CDBGRSTACK not observed, continuing anyway")
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	return dp, nil
}

// ErrRescueRequired is returned by Init, alongside a usable *DP, when the
// device has identified itself as an RP2040-style rescue/bootrom DP: there
// is no real AP map to enumerate. Callers should pass the returned DP to
// NewRescueAP instead of the normal findAP/Walk sequence.
var ErrRescueRequired = errors.New("rescue DP: use NewRescueAP")

// readCtrlStatRetrying reads CTRL/STAT, issuing a DAPABORT and retrying
// once if the first read times out -- this mirrors a target that latched
// a transaction in progress from a previous, now-abandoned session.
func (dp *DP) readCtrlStatRetrying(ctx context.Context) (uint32, error) {
	v, err := dp.readReg(ctx, regDPCTRLSTAT, false)
	if err == nil {
		return v, nil
	}
	if err := dp.writeReg(ctx, regDPABORT, false, abortDAPABORT); err != nil {
		return 0, errors.Annotatef(err, "abort after CTRL/STAT read timeout")
	}
	return dp.readReg(ctx, regDPCTRLSTAT, false)
}

// Abort clears all sticky error flags and the local fault latch.
func (dp *DP) Abort(ctx context.Context) error {
	dp.fault = false
	return errors.Trace(dp.writeReg(ctx, regDPABORT, false, abortClearAll))
}

func (dp *DP) readReg(ctx context.Context, reg uint8, ap bool) (uint32, error) {
	vals, err := dp.Link.Transfer(ctx, []link.Request{{APnDP: ap, A: reg, RnW: true}})
	if err != nil {
		if _, ok := err.(*link.FaultError); ok {
			dp.fault = true
		}
		return 0, errors.Trace(err)
	}
	return vals[0], nil
}

func (dp *DP) writeReg(ctx context.Context, reg uint8, ap bool, value uint32) error {
	_, err := dp.Link.Transfer(ctx, []link.Request{{APnDP: ap, A: reg, RnW: false, Value: value}})
	if err != nil {
		if _, ok := err.(*link.FaultError); ok {
			dp.fault = true
		}
		return errors.Trace(err)
	}
	return nil
}

// selectAP programs SELECT only when the requested (apsel, bank) differs
// from the last value written, avoiding a redundant transfer on every
// register access -- the bulk of ADIv5 traffic stays within one bank.
func (dp *DP) selectAP(ctx context.Context, apsel, bank uint8) error {
	sv := (dp.selectValue & 0x00ffff0f) | uint32(apsel)<<24 | uint32(bank&0xf)<<4
	if sv == dp.selectValue {
		return nil
	}
	if err := dp.writeReg(ctx, regDPSELECT, false, sv); err != nil {
		return errors.Annotatef(err, "failed to select AP %d bank %d", apsel, bank)
	}
	dp.selectValue = sv
	return nil
}

func (dp *DP) readAPReg(ctx context.Context, apsel, reg uint8) (uint32, error) {
	if err := dp.selectAP(ctx, apsel, reg/16); err != nil {
		return 0, errors.Trace(err)
	}
	return dp.readReg(ctx, reg%16, true)
}

func (dp *DP) writeAPReg(ctx context.Context, apsel, reg uint8, value uint32) error {
	if err := dp.selectAP(ctx, apsel, reg/16); err != nil {
		return errors.Trace(err)
	}
	return dp.writeReg(ctx, reg%16, true, value)
}

// rdbuff completes the ADIv5 read pipeline: the value of the last posted
// AP read is only valid once RDBUFF has been read back.
func (dp *DP) rdbuff(ctx context.Context) (uint32, error) {
	return dp.readReg(ctx, regDPRDBUFF, false)
}

// blockReadAPReg pipelines count reads of reg on apsel through the link's
// block-transfer command: the transport completes the ADIv5 posted-read
// pipeline internally and returns count already-finished values, so the
// caller issues no RDBUFF read of its own.
func (dp *DP) blockReadAPReg(ctx context.Context, apsel, reg uint8, count int) ([]uint32, error) {
	if err := dp.selectAP(ctx, apsel, reg/16); err != nil {
		return nil, errors.Trace(err)
	}
	vals, err := dp.Link.TransferBlockRead(ctx, 1, reg%16, count)
	if err != nil {
		if _, ok := err.(*link.FaultError); ok {
			dp.fault = true
		}
		return nil, errors.Trace(err)
	}
	return vals, nil
}

func (dp *DP) blockWriteAPReg(ctx context.Context, apsel, reg uint8, data []uint32) error {
	if err := dp.selectAP(ctx, apsel, reg/16); err != nil {
		return errors.Trace(err)
	}
	if err := dp.Link.TransferBlockWrite(ctx, 1, reg%16, data); err != nil {
		if _, ok := err.(*link.FaultError); ok {
			dp.fault = true
		}
		return errors.Trace(err)
	}
	return nil
}

// setTRNCNT read-modify-writes CTRL/STAT's TRNCNT field, escalating the
// AP's wait-state count to improve the odds of winning a race against a
// busy-looping core. It is exposed to cortexm through *AP's SetTRNCNT.
func (dp *DP) setTRNCNT(ctx context.Context, n uint16) error {
	ctrlstat, err := dp.readReg(ctx, regDPCTRLSTAT, false)
	if err != nil {
		return errors.Annotatef(err, "failed to read CTRL/STAT")
	}
	ctrlstat = (ctrlstat &^ ctrlstatTRNCNTMask) | (uint32(n)<<ctrlstatTRNCNTShift)&ctrlstatTRNCNTMask
	return errors.Trace(dp.writeReg(ctx, regDPCTRLSTAT, false, ctrlstat))
}

func (dp *DP) ref()   { dp.refcnt++ }
func (dp *DP) unref() {
	dp.refcnt--
	if dp.refcnt <= 0 {
		dp.Link.Disconnect(context.Background())
	}
}
