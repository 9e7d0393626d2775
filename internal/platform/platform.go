// Package platform abstracts the handful of host-side primitives the debug
// engine needs but cannot implement itself: elapsed time, polling deadlines
// and control of the target's physical reset line. A real pin-wiggling
// probe would implement NRST against GPIO. The CMSIS-DAP client in
// internal/link, which the bulk-USB transport also returns, does not drive
// the line: SetNRST only logs and GetNRST always reports it deasserted.
package platform

import (
	"context"
	"time"
)

// Timeout is a deadline for a polling loop. The DP power-up and debug-reset
// waits in internal/adiv5 use it. InitialHalt, WaitHalt and the SAM D mass
// erase keep their own time.Time deadlines instead. The Cortex-M
// register-ready wait and the SAM D reset, NVM-ready and MBIST waits have
// no deadline and poll until the target reports completion or an access
// fails.
type Timeout struct {
	deadline time.Time
}

// NewTimeout returns a Timeout that expires after d.
func NewTimeout(d time.Duration) Timeout {
	return Timeout{deadline: time.Now().Add(d)}
}

// Expired reports whether the deadline has passed.
func (t Timeout) Expired() bool {
	return !t.deadline.IsZero() && time.Now().After(t.deadline)
}

// NRST controls and observes the target's reset line.
type NRST interface {
	SetNRST(ctx context.Context, asserted bool) error
	GetNRST(ctx context.Context) (bool, error)
}

// Ticker is a progress callback type. No polling loop in this module takes
// or calls one; mass erase and flash writes report no progress.
type Ticker func()
