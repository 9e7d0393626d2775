package adiv5

import (
	"context"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/rojer/dbgprobe/common/multierror"
)

// maxComponents bounds the recursive ROM-table walk: a malformed or
// self-referential table could otherwise send the walker into an
// unbounded (or even infinite) recursion.
const maxComponents = 960

// romEntryPresent and romEntryFormat32 are bits of a 32-bit ROM-table
// entry: bit 0 marks the entry present, bit 1 marks a 32-bit (vs legacy
// 8-bit) entry format.
const (
	romEntryPresent   uint32 = 1 << 0
	romEntryFormat32  uint32 = 1 << 1
	romEntryOffsetMask uint32 = 0xfffff000
)

// Component is one CoreSight component discovered while walking a ROM
// table: its base address, identification, and the architecture family
// (if any) the attach stage should drive it as.
type Component struct {
	Base       uint32
	Class      componentClass
	Designer   Designer
	PartNumber uint16
	Arch       arch
	Name       string
}

// Walker walks CoreSight ROM tables starting from an AP's debug base
// address, collecting every component it can identify. It is built on an
// *AP rather than a *DP because the debug base address and its registers
// only exist behind one specific AP.
type Walker struct {
	ap    *AP
	seen  map[uint32]bool
	found []Component
	warn  error
	n     int
}

// addWarning records a non-fatal problem with one branch of the walk
// without aborting the rest of it.
func (w *Walker) addWarning(err error) {
	w.warn = multierror.Append(w.warn, err)
}

// Walk discovers every CoreSight component reachable from ap's debug base
// address, returning both the flattened component list and a non-fatal
// collection of per-branch warnings (bad CIDR, an oversized table, a
// transport error on one sub-branch) that did not abort the walk.
func Walk(ctx context.Context, ap *AP) ([]Component, error) {
	w := &Walker{ap: ap, seen: map[uint32]bool{}}
	w.walk(ctx, ap.Base)
	if len(w.found) == 0 {
		return nil, errors.Errorf("no CoreSight components found under AP %d base 0x%08x", ap.Sel, ap.Base)
	}
	return w.found, w.warn
}

func (w *Walker) walk(ctx context.Context, base uint32) {
	if w.seen[base] {
		return
	}
	w.seen[base] = true

	if w.n >= maxComponents {
		w.addWarning(errors.Errorf("component limit (%d) reached, stopping at 0x%08x", maxComponents, base))
		return
	}

	cidr, pidr, err := w.readIDRegs(ctx, base)
	if err != nil {
		w.addWarning(errors.Annotatef(err, "failed to read identification registers at 0x%08x", base))
		return
	}

	class := componentClass((cidr >> 12) & 0xf)
	if (cidr & 0xffff0fff) != 0xb105000d {
		w.addWarning(errors.Errorf("bad CIDR preamble 0x%08x at 0x%08x", cidr, base))
		return
	}

	w.n++
	designer := decodeDesigner(pidr)
	partNo := partNumber(pidr)

	if class == classROMTable {
		w.walkROMTable(ctx, base)
		return
	}

	comp := Component{Base: base, Class: class, Designer: designer, PartNumber: partNo}
	devType, archID, _ := w.readDevTypeArchID(ctx, base)
	if c, ok := lookupComponent(partNo, devType, archID); ok {
		comp.Arch, comp.Name = c.arch, c.name
		if c.class != classUnknown && c.class != class {
			glog.V(2).Infof("component %s at 0x%08x: CIDR class 0x%x != expected 0x%x", c.name, base, class, c.class)
		}
	} else {
		comp.Name = "unknown"
	}
	w.found = append(w.found, comp)
}

// walkROMTable reads a 32-bit-format ROM table's entries (offsets 0x000 to
// 0xefc, up to 960 of them) and recurses into each present entry.
func (w *Walker) walkROMTable(ctx context.Context, base uint32) {
	for offset := uint32(0); offset < 0xf00; offset += 4 {
		entry, err := w.ap.ReadMem32(ctx, base+offset)
		if err != nil {
			w.addWarning(errors.Annotatef(err, "failed to read ROM table entry at 0x%08x", base+offset))
			return
		}
		if entry == 0 {
			return // end of table
		}
		if entry&romEntryPresent == 0 {
			continue
		}
		if entry&romEntryFormat32 == 0 {
			w.addWarning(errors.Errorf("legacy 8-bit ROM table entry at 0x%08x not supported", base+offset))
			continue
		}
		childBase := base + (entry & romEntryOffsetMask)
		w.walk(ctx, childBase)
		if w.n >= maxComponents {
			return
		}
	}
}

func (w *Walker) readIDRegs(ctx context.Context, base uint32) (cidr, pidr uint64, err error) {
	var c [4]uint32
	for i := 0; i < 4; i++ {
		v, err := w.ap.ReadMem32(ctx, base+0xff0+uint32(i*4))
		if err != nil {
			return 0, 0, errors.Trace(err)
		}
		c[i] = v & 0xff
	}
	cidrv := uint64(c[0]) | uint64(c[1])<<8 | uint64(c[2])<<16 | uint64(c[3])<<24

	var p [8]uint32
	offsets := [8]uint32{0xfe0, 0xfe4, 0xfe8, 0xfec, 0xfd0, 0xfd4, 0xfd8, 0xfdc}
	for i, off := range offsets {
		v, err := w.ap.ReadMem32(ctx, base+off)
		if err != nil {
			return 0, 0, errors.Trace(err)
		}
		p[i] = v & 0xff
	}
	var pidrv uint64
	for i, v := range p {
		pidrv |= uint64(v) << (uint(i) * 8)
	}
	return cidrv, pidrv, nil
}

// readDevTypeArchID reads the ADIv6 DEVTYPE/DEVARCH registers used to
// disambiguate component rows that share a part number (several Cortex-M
// debug blocks reuse 0xd20/0xd21 across SCS/MTB/CTI/ITM variants).
func (w *Walker) readDevTypeArchID(ctx context.Context, base uint32) (devType uint8, archID uint16, err error) {
	dt, err := w.ap.ReadMem32(ctx, base+0xfcc)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	da, err := w.ap.ReadMem32(ctx, base+0xfbc)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	return uint8(dt & 0xff), uint16(da & 0xffff), nil
}
