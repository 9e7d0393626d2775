// Package link defines the narrow transport abstraction the ADIv5 engine
// is built on: one DP/AP register transfer in, an acknowledged 32-bit value
// out. Everything above this boundary (internal/adiv5, internal/cortexm,
// internal/flash/...) is link-agnostic; everything below it (cmsisdap,
// bulkprobe) knows about USB, HID reports or raw SWD bit-banging.
package link

import (
	"context"
	"fmt"

	"github.com/rojer/dbgprobe/internal/platform"
)

// Request is one DP or AP register transfer, addressed the way ADIv5
// addresses them: a 2-bit register select (bits 2:3 of the target address)
// plus the AP/DP selector bit. Reads ignore Value; writes ignore the
// returned word.
type Request struct {
	APnDP bool
	A     uint8 // register address, bits 2:3 only (0x0, 0x4, 0x8 or 0xC)
	RnW   bool
	Value uint32
}

// Link is the wire-level transport a DP session is built on. WAIT
// acknowledgements are retried internally by the implementation (as real
// CMSIS-DAP firmware already does) and only surface as an error once
// retries are exhausted; a FAULT acknowledgement surfaces immediately as
// *FaultError so the DP engine can set its sticky fault flag without
// having to inspect transport-specific status codes.
type Link interface {
	platform.NRST

	// Connect brings the physical line up (SWD line reset + JTAG-to-SWD
	// switch sequence, or equivalent) and returns the target's raw IDCODE.
	Connect(ctx context.Context) (idcode uint32, err error)
	Disconnect(ctx context.Context) error

	// SetClock sets the SWD/JTAG clock rate in Hz. Implementations may
	// round to the nearest rate they support.
	SetClock(ctx context.Context, hz uint32) error

	// Transfer executes a sequence of register transfers in order,
	// returning one value per request (zero for writes).
	Transfer(ctx context.Context, reqs []Request) ([]uint32, error)

	// TransferBlockRead/Write perform a run of same-register, same-AP
	// transfers (normally DRW) more efficiently than issuing them one at
	// a time through Transfer. apsel is nonzero for an AP register (the AP
	// itself already chosen through SELECT) and zero for a DP register;
	// addr is the register address, bits 2:3 only.
	TransferBlockRead(ctx context.Context, apsel uint8, addr uint8, count int) ([]uint32, error)
	TransferBlockWrite(ctx context.Context, apsel uint8, addr uint8, data []uint32) error

	// MaxBlockTransferSize bounds how many words TransferBlock{Read,Write}
	// will accept in one call; callers chunk accordingly.
	MaxBlockTransferSize() int
}

// FaultError marks a transport-level sticky fault (an SWD FAULT ack). The
// DP engine distinguishes this from a plain transport error so it can set
// its sticky fault flag.
type FaultError struct {
	Op string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("link fault during %s", e.Op)
}
