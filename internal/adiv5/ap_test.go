package adiv5

import (
	"context"
	"testing"

	"github.com/rojer/dbgprobe/internal/link"
)

func TestTransferSizeForPicksWidestAligned(t *testing.T) {
	cases := []struct {
		addr      uint32
		remaining int
		want      int
	}{
		{0x1000, 10, 2},
		{0x1002, 10, 2},
		{0x1001, 10, 1},
		{0x1000, 2, 2},
		{0x1000, 1, 1},
		{0x1002, 1, 1},
	}
	for _, c := range cases {
		if got := transferSizeFor(c.addr, c.remaining); got != c.want {
			t.Errorf("transferSizeFor(0x%x, %d) = %d, want %d", c.addr, c.remaining, got, c.want)
		}
	}
}

func TestWordFromDataAndCopyFromWordRoundTrip(t *testing.T) {
	src := []byte{0x11, 0x22, 0x33, 0x44}
	for _, size := range []int{1, 2, 4} {
		v, n := wordFromData(src, 0, size)
		if n != size {
			t.Fatalf("wordFromData() consumed %d bytes, want %d", n, size)
		}
		dst := make([]byte, size)
		if got := copyFromWord(dst, 0, size, v); got != size {
			t.Fatalf("copyFromWord() wrote %d bytes, want %d", got, size)
		}
		for i := 0; i < size; i++ {
			if dst[i] != src[i] {
				t.Errorf("size %d: byte %d = 0x%02x, want 0x%02x", size, i, dst[i], src[i])
			}
		}
	}
}

// countingLink is a fake ADIv5 bus that models the posted-read pipeline
// faithfully (a DRW read returns the *previous* access's latched value,
// not the one just addressed) so it can catch a ReadMem/WriteMem that
// issues more register transactions than the run strictly needs. It
// backs a single AP at selector 0, word-addressed target memory.
type countingLink struct {
	selectValue uint32
	csw, tar    uint32
	pending     uint32
	mem         map[uint32]uint32

	drwReads, drwWrites int
	rdbuffReads         int
	blockReadCalls      int
	blockWriteCalls     int
}

func newCountingLink() *countingLink {
	return &countingLink{mem: map[uint32]uint32{}}
}

func (l *countingLink) Transfer(ctx context.Context, reqs []link.Request) ([]uint32, error) {
	out := make([]uint32, 0, len(reqs))
	for _, r := range reqs {
		if !r.APnDP {
			switch r.A {
			case regDPSELECT:
				l.selectValue = r.Value
			case regDPRDBUFF:
				l.rdbuffReads++
				out = append(out, l.pending)
			default:
				out = append(out, 0)
			}
			continue
		}

		bank := uint32(l.selectValue>>4) & 0xf
		reg := bank*16 + uint32(r.A)
		switch reg {
		case uint32(regAPCSW):
			if r.RnW {
				out = append(out, l.csw)
			} else {
				l.csw = r.Value
			}
		case uint32(regAPTAR):
			if r.RnW {
				out = append(out, l.tar)
			} else {
				l.tar = r.Value
			}
		case uint32(regAPDRW):
			if r.RnW {
				l.drwReads++
				out = append(out, l.pending)
				l.pending = l.mem[l.tar]
			} else {
				l.drwWrites++
				l.mem[l.tar] = r.Value
			}
			l.tar += 4
		case uint32(regAPIDR):
			if r.RnW {
				out = append(out, 0x24770011)
			}
		case uint32(regAPBASE):
			if r.RnW {
				out = append(out, 0)
			}
		case uint32(regAPCFG):
			if r.RnW {
				out = append(out, 0)
			}
		}
	}
	return out, nil
}

func (l *countingLink) Connect(ctx context.Context) (uint32, error)      { return 0x12345678, nil }
func (l *countingLink) Disconnect(ctx context.Context) error             { return nil }
func (l *countingLink) SetClock(ctx context.Context, hz uint32) error    { return nil }
func (l *countingLink) SetNRST(ctx context.Context, asserted bool) error { return nil }
func (l *countingLink) GetNRST(ctx context.Context) (bool, error)        { return false, nil }
func (l *countingLink) MaxBlockTransferSize() int                        { return 256 }

func (l *countingLink) TransferBlockRead(ctx context.Context, apndp uint8, addr uint8, count int) ([]uint32, error) {
	l.blockReadCalls++
	vals := make([]uint32, count)
	for i := range vals {
		vals[i] = l.mem[l.tar]
		l.tar += 4
	}
	return vals, nil
}

func (l *countingLink) TransferBlockWrite(ctx context.Context, apndp uint8, addr uint8, data []uint32) error {
	l.blockWriteCalls++
	for _, v := range data {
		l.mem[l.tar] = v
		l.tar += 4
	}
	return nil
}

func newCountingAP(t *testing.T) (*AP, *countingLink) {
	t.Helper()
	l := newCountingLink()
	dp := &DP{Link: l, MaxConsecutiveInvalidAPs: maxConsecutiveInvalidAPsDefault}
	ap, err := NewAP(context.Background(), dp, 0)
	if err != nil {
		t.Fatalf("NewAP() = %v", err)
	}
	return ap, l
}

func TestReadMemShortRunPipelinesManually(t *testing.T) {
	ap, l := newCountingAP(t)
	const base = 0x2000
	for i := 0; i < 3; i++ {
		l.mem[base+uint32(i*4)] = 0x10000000 + uint32(i)
	}

	data := make([]byte, 3*4)
	if err := ap.ReadMem(context.Background(), base, data); err != nil {
		t.Fatalf("ReadMem() = %v", err)
	}

	if l.drwReads != 3 || l.rdbuffReads != 1 {
		t.Fatalf("short run: drwReads=%d rdbuffReads=%d, want 3 and 1 (N+1 transactions)", l.drwReads, l.rdbuffReads)
	}
	if l.blockReadCalls != 0 {
		t.Fatalf("short run: blockReadCalls=%d, want 0", l.blockReadCalls)
	}
	for i := 0; i < 3; i++ {
		v, _ := wordFromData(data[i*4:], 0, 4)
		want := 0x10000000 + uint32(i)
		if v != want {
			t.Errorf("word %d = 0x%08x, want 0x%08x", i, v, want)
		}
	}
}

func TestReadMemLongRunUsesBlockTransfer(t *testing.T) {
	ap, l := newCountingAP(t)
	const base = 0x3000
	const n = 8
	for i := 0; i < n; i++ {
		l.mem[base+uint32(i*4)] = 0x20000000 + uint32(i)
	}

	data := make([]byte, n*4)
	if err := ap.ReadMem(context.Background(), base, data); err != nil {
		t.Fatalf("ReadMem() = %v", err)
	}

	if l.blockReadCalls != 1 {
		t.Fatalf("long run: blockReadCalls=%d, want 1", l.blockReadCalls)
	}
	if l.drwReads != 0 || l.rdbuffReads != 0 {
		t.Fatalf("long run: drwReads=%d rdbuffReads=%d, want 0 and 0 (block path bypasses manual pipelining)", l.drwReads, l.rdbuffReads)
	}
	for i := 0; i < n; i++ {
		v, _ := wordFromData(data[i*4:], 0, 4)
		want := 0x20000000 + uint32(i)
		if v != want {
			t.Errorf("word %d = 0x%08x, want 0x%08x", i, v, want)
		}
	}
}

func TestWriteMemLongRunUsesBlockTransfer(t *testing.T) {
	ap, l := newCountingAP(t)
	const base = 0x4000
	const n = 6
	data := make([]byte, n*4)
	for i := 0; i < n; i++ {
		copyFromWord(data[i*4:], 0, 4, 0x30000000+uint32(i))
	}

	if err := ap.WriteMem(context.Background(), base, data); err != nil {
		t.Fatalf("WriteMem() = %v", err)
	}

	if l.blockWriteCalls != 1 {
		t.Fatalf("long run: blockWriteCalls=%d, want 1", l.blockWriteCalls)
	}
	if l.drwWrites != 0 {
		t.Fatalf("long run: drwWrites=%d, want 0 (block path bypasses manual writes)", l.drwWrites)
	}
	for i := 0; i < n; i++ {
		got := l.mem[base+uint32(i*4)]
		want := 0x30000000 + uint32(i)
		if got != want {
			t.Errorf("mem[0x%x] = 0x%08x, want 0x%08x", base+uint32(i*4), got, want)
		}
	}
}

func TestCswForSizePreservesEnableBits(t *testing.T) {
	base := cswHProt | cswMasterDebug
	csw := cswForSize(base, 2)
	if csw&0x3 != cswSizeHalfword {
		t.Errorf("cswForSize() size field = 0x%x, want halfword", csw&0x3)
	}
	if csw&cswHProt == 0 {
		t.Errorf("cswForSize() dropped HPROT bit")
	}
}
