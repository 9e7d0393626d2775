package adiv5

import (
	"context"

	"github.com/cesanta/errors"
)

// AP register addresses.
const (
	regAPCSW  uint8 = 0x00
	regAPTAR  uint8 = 0x04
	regAPDRW  uint8 = 0x0c
	regAPCFG  uint8 = 0xf4
	regAPBASE uint8 = 0xf8
	regAPIDR  uint8 = 0xfc
)

// CSW bits.
const (
	cswSizeByte     uint32 = 0x0
	cswSizeHalfword uint32 = 0x1
	cswSizeWord     uint32 = 0x2
	cswAddrIncSingle uint32 = 0x1 << 4
	cswDeviceEn     uint32 = 1 << 6
	cswTrInProg     uint32 = 1 << 7
	cswHProt        uint32 = 1 << 25
	cswMasterDebug  uint32 = 1 << 29
	cswDbgSwEnable  uint32 = 1 << 31
)

// errAPNotPresent is returned by NewAP when no AP exists at the given
// selector, distinguishing "nothing here" from a transport fault.
var errAPNotPresent = errors.New("AP not present")

// invalidBase is the BASE register value ADIv5 reserves to mean "this AP
// has no debug base address" -- a strong signal enumeration has walked
// off the end of the implemented AP map.
const invalidBase uint32 = 0xffffffff

// AP is one Access Port reached through a DP. Like DP, it is not safe for
// concurrent use.
type AP struct {
	dp  *DP
	Sel uint8

	IDR  uint32
	Base uint32
	CFG  uint32

	csw    uint32
	cswSet bool
	tar    uint32
	tarSet bool

	refcnt int
}

// NewAP probes the AP at the given selector: reads IDR (zero means no AP
// implemented there) and BASE, rejecting the ADIv5 "legacy" value that
// means the AP carries no debug entry point.
func NewAP(ctx context.Context, dp *DP, apsel uint8) (*AP, error) {
	idr, err := dp.readAPReg(ctx, apsel, regAPIDR)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read IDR for AP %d", apsel)
	}
	if idr == 0 {
		return nil, errAPNotPresent
	}
	base, err := dp.readAPReg(ctx, apsel, regAPBASE)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read BASE for AP %d", apsel)
	}
	if base == invalidBase {
		return nil, errAPNotPresent
	}
	cfg, err := dp.readAPReg(ctx, apsel, regAPCFG)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read CFG for AP %d", apsel)
	}
	ap := &AP{dp: dp, Sel: apsel, IDR: idr, Base: base, CFG: cfg}
	dp.ref()
	return ap, nil
}

// Unref releases the AP's reference on its parent DP. Once every AP (and
// every other session handle) has unreffed, the DP disconnects the link.
func (ap *AP) Unref() { ap.dp.unref() }

// regRescueDAR0 is the RP2040 rescue DP's single addressable register:
// writing it asserts a watchdog-driven system reset and clears the
// "disable bootrom" scratch flag, forcing the chip to come back up in
// BOOTSEL/USB-mass-storage mode on the next power cycle. Reconstructed
// from public RP2040 documentation -- the grounding C source's
// rp_rescue_probe body was not available to read.
const regRescueDAR0 uint8 = 0x00

// NewRescueAP builds the synthetic AP exposed by a DP that has identified
// itself as an RP2040-style rescue/bootrom DP (see Init and
// ErrRescueRequired). There is no real AP map to probe on this DP, so
// unlike NewAP this never reads IDR/BASE/CFG -- it just wraps the DP so
// Rescue can be issued through it.
func NewRescueAP(ctx context.Context, dp *DP) (*AP, error) {
	ap := &AP{dp: dp, Sel: 0, Base: invalidBase}
	dp.ref()
	return ap, nil
}

// Rescue asserts the RP2040 rescue reset, recoverable by a normal attach
// on the probe's next Connect once the chip re-enumerates in BOOTSEL mode.
func (ap *AP) Rescue(ctx context.Context) error {
	if err := ap.dp.writeAPReg(ctx, ap.Sel, regRescueDAR0, 1); err != nil {
		return errors.Annotatef(err, "failed to trigger rescue reset")
	}
	return nil
}

func (ap *AP) setCSW(ctx context.Context, csw uint32) error {
	if ap.cswSet && ap.csw == csw {
		return nil
	}
	if err := ap.dp.writeAPReg(ctx, ap.Sel, regAPCSW, csw); err != nil {
		return errors.Annotatef(err, "failed to write CSW on AP %d", ap.Sel)
	}
	ap.csw, ap.cswSet = csw, true
	return nil
}

func (ap *AP) setTAR(ctx context.Context, addr uint32) error {
	if ap.tarSet && ap.tar == addr {
		return nil
	}
	if err := ap.dp.writeAPReg(ctx, ap.Sel, regAPTAR, addr); err != nil {
		return errors.Annotatef(err, "failed to write TAR on AP %d", ap.Sel)
	}
	ap.tar, ap.tarSet = addr, true
	return nil
}

// SetTRNCNT programs the DP's CTRL/STAT wait-state count used to halt a
// target that is busy-looping faster than a plain halt request can win the
// race: each retry of the initial-halt sequence escalates this count,
// trading probe bandwidth for a higher chance the halt request lands
// inside the loop's window. n is the number of extra wait cycles inserted
// per AP access. TRNCNT lives in the DP's CTRL/STAT register, not CSW.
func (ap *AP) SetTRNCNT(ctx context.Context, n uint16) error {
	return errors.Trace(ap.dp.setTRNCNT(ctx, n))
}

// blockTransferMinRun is the shortest same-size run worth handing to the
// link's block-transfer command; shorter runs pipeline manually since the
// per-call overhead of a block command isn't worth it for a couple words.
const blockTransferMinRun = 4

// runLength returns how many size-byte accesses can be issued back to
// back starting at addr, bounded by both the remaining data and the
// ADIv5 1 KiB auto-increment wrap boundary.
func runLength(addr uint32, remaining int, size int) int {
	n := remaining / size
	untilWrap := (1024 - int(addr&0x3ff)) / size
	if untilWrap < n {
		n = untilWrap
	}
	if n < 1 {
		n = 1
	}
	return n
}

// transferSizeFor picks the largest access width (1, 2 or 4 bytes) that
// evenly divides both the current address alignment and the remaining
// transfer length, the same rule the grounding memory engine uses to
// avoid ever issuing an unaligned AP transfer.
func transferSizeFor(addr uint32, remaining int) int {
	if addr&3 == 0 && remaining%4 == 0 {
		return 4
	}
	if addr&1 == 0 && remaining%2 == 0 {
		return 2
	}
	return 1
}

func cswForSize(base uint32, size int) uint32 {
	csw := base &^ 0x3
	switch size {
	case 1:
		csw |= cswSizeByte
	case 2:
		csw |= cswSizeHalfword
	default:
		csw |= cswSizeWord
	}
	return csw | cswAddrIncSingle | cswDeviceEn
}

// ReadMem reads len(data) bytes from target memory at addr, choosing
// access width per transferSizeFor and reprogramming TAR every 1KB (the
// ADIv5 auto-increment wrap boundary) as it walks the range. A run of
// several word-size accesses is pipelined through the link's block-read
// command when it's long enough to be worth it; everything else pipelines
// manually, issuing every DRW read of the run back to back and completing
// the posted-read pipeline with exactly one trailing RDBUFF read -- N+1
// register transactions for an N-word run, never 2N.
func (ap *AP) ReadMem(ctx context.Context, addr uint32, data []byte) error {
	i := 0
	for i < len(data) {
		size := transferSizeFor(addr, len(data)-i)
		if err := ap.setCSW(ctx, cswForSize(ap.csw, size)); err != nil {
			return errors.Trace(err)
		}
		if err := ap.setTAR(ctx, addr); err != nil {
			return errors.Trace(err)
		}
		run := runLength(addr, len(data)-i, size)

		var n int
		var err error
		if size == 4 && run >= blockTransferMinRun {
			n, err = ap.blockRead(ctx, run, data[i:i+run*4])
		} else {
			n, err = ap.pipelinedRead(ctx, addr, size, run, data[i:])
		}
		if err != nil {
			return errors.Annotatef(err, "read failed at 0x%08x", addr)
		}
		i += n
		addr += uint32(n)
		ap.tar = addr
		if addr&0x3ff == 0 {
			// Auto-increment is only defined inside a 1KB window.
			ap.tarSet = false
		}
	}
	return nil
}

// blockRead pipelines count 32-bit reads through the link's block-transfer
// command, chunked to MaxBlockTransferSize, and unpacks them into dst. The
// transport completes the ADIv5 posted-read pipeline itself, so unlike
// pipelinedRead no trailing RDBUFF read is issued here.
func (ap *AP) blockRead(ctx context.Context, count int, dst []byte) (int, error) {
	max := ap.dp.Link.MaxBlockTransferSize()
	if max < 1 {
		max = 1
	}
	done := 0
	for done < count {
		n := count - done
		if n > max {
			n = max
		}
		vals, err := ap.dp.blockReadAPReg(ctx, ap.Sel, regAPDRW, n)
		if err != nil {
			return done * 4, errors.Trace(err)
		}
		for _, v := range vals {
			copyFromWord(dst[done*4:], 0, 4, v)
			done++
		}
	}
	return done * 4, nil
}

// pipelinedRead issues run DRW reads of size bytes each back to back,
// completing the ADIv5 posted-read pipeline with exactly one trailing
// RDBUFF read: a DRW read only latches the *previous* access's data, so
// read k's response (k>0) belongs to address addr+(k-1)*size, and the
// final RDBUFF read supplies the last address in the run.
func (ap *AP) pipelinedRead(ctx context.Context, addr uint32, size, run int, data []byte) (int, error) {
	n := 0
	for k := 0; k < run; k++ {
		v, err := ap.dp.readAPReg(ctx, ap.Sel, regAPDRW)
		if err != nil {
			return n, errors.Trace(err)
		}
		if k > 0 {
			n += copyFromWord(data[n:], addr+uint32((k-1)*size), size, v)
		}
	}
	v, err := ap.dp.rdbuff(ctx)
	if err != nil {
		return n, errors.Annotatef(err, "RDBUFF readback failed")
	}
	n += copyFromWord(data[n:], addr+uint32((run-1)*size), size, v)
	return n, nil
}

// WriteMem writes data to target memory at addr using the same
// alignment-aware access-size selection as ReadMem, pipelining long
// word-size runs through the link's block-write command.
func (ap *AP) WriteMem(ctx context.Context, addr uint32, data []byte) error {
	i := 0
	for i < len(data) {
		size := transferSizeFor(addr, len(data)-i)
		if err := ap.setCSW(ctx, cswForSize(ap.csw, size)); err != nil {
			return errors.Trace(err)
		}
		if err := ap.setTAR(ctx, addr); err != nil {
			return errors.Trace(err)
		}
		run := runLength(addr, len(data)-i, size)

		var n int
		var err error
		if size == 4 && run >= blockTransferMinRun {
			n, err = ap.blockWrite(ctx, data[i:i+run*4])
		} else {
			n, err = ap.pipelinedWrite(ctx, addr, size, run, data[i:])
		}
		if err != nil {
			return errors.Annotatef(err, "write failed at 0x%08x", addr)
		}
		i += n
		addr += uint32(n)
		ap.tar = addr
		if addr&0x3ff == 0 {
			// Auto-increment is only defined inside a 1KB window.
			ap.tarSet = false
		}
	}
	return nil
}

func (ap *AP) blockWrite(ctx context.Context, src []byte) (int, error) {
	count := len(src) / 4
	max := ap.dp.Link.MaxBlockTransferSize()
	if max < 1 {
		max = 1
	}
	done := 0
	for done < count {
		n := count - done
		if n > max {
			n = max
		}
		vals := make([]uint32, n)
		for k := range vals {
			vals[k], _ = wordFromData(src[(done+k)*4:], 0, 4)
		}
		if err := ap.dp.blockWriteAPReg(ctx, ap.Sel, regAPDRW, vals); err != nil {
			return done * 4, errors.Trace(err)
		}
		done += n
	}
	return done * 4, nil
}

func (ap *AP) pipelinedWrite(ctx context.Context, addr uint32, size, run int, data []byte) (int, error) {
	n := 0
	for k := 0; k < run; k++ {
		v, c := wordFromData(data[n:], addr+uint32(k*size), size)
		if err := ap.dp.writeAPReg(ctx, ap.Sel, regAPDRW, v); err != nil {
			return n, errors.Trace(err)
		}
		n += c
	}
	return n, nil
}

// ReadMem32 and WriteMem32 are single-word convenience wrappers used
// throughout the core and flash drivers, where every access is a natural
// 32-bit register access and the general alignment machinery is overkill.
func (ap *AP) ReadMem32(ctx context.Context, addr uint32) (uint32, error) {
	if err := ap.setCSW(ctx, cswForSize(ap.csw, 4)); err != nil {
		return 0, errors.Trace(err)
	}
	if err := ap.setTAR(ctx, addr); err != nil {
		return 0, errors.Trace(err)
	}
	if _, err := ap.dp.readAPReg(ctx, ap.Sel, regAPDRW); err != nil {
		return 0, errors.Annotatef(err, "read failed at 0x%08x", addr)
	}
	// The DRW access auto-incremented TAR past addr.
	ap.tarSet = false
	v, err := ap.dp.rdbuff(ctx)
	if err != nil {
		return 0, errors.Annotatef(err, "RDBUFF readback failed at 0x%08x", addr)
	}
	return v, nil
}

func (ap *AP) WriteMem32(ctx context.Context, addr, value uint32) error {
	if err := ap.setCSW(ctx, cswForSize(ap.csw, 4)); err != nil {
		return errors.Trace(err)
	}
	if err := ap.setTAR(ctx, addr); err != nil {
		return errors.Trace(err)
	}
	if err := ap.dp.writeAPReg(ctx, ap.Sel, regAPDRW, value); err != nil {
		return errors.Annotatef(err, "write failed at 0x%08x", addr)
	}
	// The DRW access auto-incremented TAR past addr.
	ap.tarSet = false
	return nil
}

func copyFromWord(dst []byte, addr uint32, size int, v uint32) int {
	shift := (addr & 3) * 8
	switch size {
	case 1:
		dst[0] = byte(v >> shift)
		return 1
	case 2:
		dst[0] = byte(v >> shift)
		dst[1] = byte(v >> (shift + 8))
		return 2
	default:
		dst[0] = byte(v)
		dst[1] = byte(v >> 8)
		dst[2] = byte(v >> 16)
		dst[3] = byte(v >> 24)
		return 4
	}
}

func wordFromData(src []byte, addr uint32, size int) (uint32, int) {
	shift := (addr & 3) * 8
	switch size {
	case 1:
		return uint32(src[0]) << shift, 1
	case 2:
		return uint32(src[0])<<shift | uint32(src[1])<<(shift+8), 2
	default:
		return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24, 4
	}
}
