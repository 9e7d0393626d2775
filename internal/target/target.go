// Package target ties together one attached core's debug engine, its
// Access Port, and the flash regions discovered for it into a single
// handle the flash pipeline and the CLI operate on.
package target

import (
	"context"
	"time"

	"github.com/cesanta/errors"

	"github.com/rojer/dbgprobe/internal/adiv5"
	"github.com/rojer/dbgprobe/internal/cortexm"
)

// FlashRegion describes one erasable/programmable region of target
// memory: internal main flash, a user/NVM row, or similar.
type FlashRegion struct {
	Name     string
	Base     uint32
	Size     uint32
	PageSize uint32
}

// MemReaderWriter is implemented by *adiv5.AP; kept as an interface here
// so the flash family drivers can be tested against a fake.
type MemReaderWriter interface {
	ReadMem32(ctx context.Context, addr uint32) (uint32, error)
	WriteMem32(ctx context.Context, addr, value uint32) error
	ReadMem(ctx context.Context, addr uint32, data []byte) error
	WriteMem(ctx context.Context, addr uint32, data []byte) error
}

// Target is one attached, halted core, ready to be driven by a flash
// family driver. Its fields mirror the DP/AP/component/flash-region data
// model: an AP's debug base address led the ROM-table walk that produced
// Components, and Designer/PartNumber identify which family driver
// (if any) should drive this part.
type Target struct {
	AP   *adiv5.AP
	Core *cortexm.Debug

	Components   []adiv5.Component
	Designer     adiv5.Designer
	PartNumber   uint16

	Name  string
	Flash []FlashRegion
}

// Attach halts ap's core and returns a Target ready for family-specific
// attach overrides to further customize.
func Attach(ctx context.Context, ap *adiv5.AP, components []adiv5.Component) (*Target, error) {
	core := cortexm.New(ap)
	if err := core.Init(ctx); err != nil {
		return nil, errors.Annotatef(err, "failed to identify core")
	}
	if err := core.InitialHalt(ctx, 2*time.Second); err != nil {
		return nil, errors.Annotatef(err, "failed to halt core")
	}
	name, err := core.Name(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to get core name")
	}
	t := &Target{AP: ap, Core: core, Components: components, Name: name}
	for _, c := range components {
		if t.Designer == 0 && c.Designer != 0 {
			t.Designer, t.PartNumber = c.Designer, c.PartNumber
		}
	}
	return t, nil
}

// Close releases the target's reference on its AP (and transitively its
// DP/link), disconnecting once every other handle has also released.
func (t *Target) Close() {
	if t.AP != nil {
		t.AP.Unref()
	}
}

// Registry tracks every currently-attached target for the lifetime of one
// probe process. Per the single-threaded session model (exactly one
// goroutine drives an attach/flash session at a time), it carries no
// locking of its own -- cmd/probe registers the one target it attaches
// and removes it on exit, and a future multi-target session (e.g. a
// daisy-chained SWD bus) would still only ever touch it from the main
// loop.
type Registry struct {
	targets map[string]*Target
}

// NewRegistry returns an empty target registry.
func NewRegistry() *Registry {
	return &Registry{targets: map[string]*Target{}}
}

// Add registers t under id, replacing and closing any previous target
// registered under the same id.
func (r *Registry) Add(id string, t *Target) {
	if old, ok := r.targets[id]; ok {
		old.Close()
	}
	r.targets[id] = t
}

// Get returns the target registered under id, if any.
func (r *Registry) Get(id string) (*Target, bool) {
	t, ok := r.targets[id]
	return t, ok
}

// Remove closes and deregisters the target under id.
func (r *Registry) Remove(id string) {
	if t, ok := r.targets[id]; ok {
		t.Close()
		delete(r.targets, id)
	}
}
