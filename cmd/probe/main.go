// Command probe attaches to a target over a CMSIS-DAP debug probe, walks
// its CoreSight ROM table, identifies a known flash family, and programs
// a binary image into it.
package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/spf13/pflag"

	"github.com/rojer/dbgprobe/common/pflagenv"
	"github.com/rojer/dbgprobe/internal/adiv5"
	"github.com/rojer/dbgprobe/internal/flash/samd"
	"github.com/rojer/dbgprobe/internal/link"
	"github.com/rojer/dbgprobe/internal/link/bulkprobe"
	"github.com/rojer/dbgprobe/internal/link/cmsisdap"
	"github.com/rojer/dbgprobe/internal/target"
)

var (
	flagVID       = pflag.Uint16("vid", 0x0d28, "debug probe USB vendor ID")
	flagPID       = pflag.Uint16("pid", 0x0204, "debug probe USB product ID")
	flagBulk      = pflag.Bool("bulk", false, "use the bulk/WinUSB CMSIS-DAP transport instead of HID")
	flagBulkIntf  = pflag.Int("bulk-intf", 0, "bulk transport USB interface number")
	flagSWDClock  = pflag.Uint32("swd-clock", 4000000, "SWD clock rate, Hz")
	flagAPSel     = pflag.Uint8("ap", 0xff, "Access Port selector to use (0xff: auto-detect, the first selector with a usable AP)")
	flagEraseChip = pflag.Bool("erase-chip", false, "mass-erase before programming")
	flagImage     = pflag.String("image", "", "binary image to program")
	flagAddr      = pflag.Uint32("addr", 0, "base address to program the image at")
	flagRun       = pflag.Bool("run", true, "reset and run the target after programming")
	flagMonitor   = pflag.StringArray("monitor", nil, "run a family monitor command (e.g. --monitor=\"serial\"), may be repeated")
)

func reportf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	glog.Infof(f, args...)
}

func openLink(ctx context.Context) (link.Link, error) {
	if *flagBulk {
		return bulkprobe.Open(ctx, gousb.ID(*flagVID), gousb.ID(*flagPID), "", *flagBulkIntf)
	}
	c, err := cmsisdap.Open(ctx, *flagVID, *flagPID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// findAP walks AP selectors looking for one with a usable debug base
// address, giving up after MaxConsecutiveInvalidAPs misses in a row, per
// the DP's configured threshold.
func findAP(ctx context.Context, dp *adiv5.DP) (*adiv5.AP, error) {
	if *flagAPSel != 0xff {
		return adiv5.NewAP(ctx, dp, *flagAPSel)
	}
	misses := 0
	for sel := 0; sel < 256; sel++ {
		ap, err := adiv5.NewAP(ctx, dp, uint8(sel))
		if err == nil {
			return ap, nil
		}
		misses++
		if misses >= dp.MaxConsecutiveInvalidAPs {
			break
		}
	}
	return nil, errors.Errorf("no usable AP found after scanning %d selectors", misses)
}

func run() error {
	pflag.Parse()
	pflagenv.Parse("PROBE_")

	if *flagImage == "" && len(*flagMonitor) == 0 {
		return errors.Errorf("-image or -monitor is required")
	}
	var image []byte
	if *flagImage != "" {
		var err error
		image, err = ioutil.ReadFile(*flagImage)
		if err != nil {
			return errors.Annotatef(err, "failed to read image")
		}
	}

	ctx := context.Background()
	l, err := openLink(ctx)
	if err != nil {
		return errors.Annotatef(err, "failed to open debug probe")
	}
	defer l.Disconnect(ctx)

	idcode, err := l.Connect(ctx)
	if err != nil {
		return errors.Annotatef(err, "failed to connect to debug probe")
	}
	if err := l.SetClock(ctx, *flagSWDClock); err != nil {
		return errors.Annotatef(err, "failed to set SWD clock")
	}

	dp, err := adiv5.Init(ctx, l, idcode)
	if err == adiv5.ErrRescueRequired {
		reportf("DP identifies as an RP2040 rescue DP with no usable AP map")
		rap, rerr := adiv5.NewRescueAP(ctx, dp)
		if rerr != nil {
			return errors.Annotatef(rerr, "failed to build rescue AP")
		}
		defer rap.Unref()
		if rerr := rap.Rescue(ctx); rerr != nil {
			return errors.Annotatef(rerr, "failed to trigger rescue reset")
		}
		reportf("Rescue reset issued; reconnect once the target re-enumerates in BOOTSEL mode")
		return nil
	}
	if err != nil {
		return errors.Annotatef(err, "failed to init DP, is the target connected and powered on?")
	}
	reportf("DP v%d designer 0x%03x", dp.Version, dp.Designer)

	ap, err := findAP(ctx, dp)
	if err != nil {
		return errors.Annotatef(err, "failed to find a usable AP")
	}

	components, err := adiv5.Walk(ctx, ap)
	if err != nil {
		reportf("ROM-table walk failed: %s", err)
	}
	for _, c := range components {
		glog.V(1).Infof("component at 0x%08x: %s (designer 0x%03x part 0x%03x)", c.Base, c.Name, c.Designer, c.PartNumber)
	}

	tgt, err := target.Attach(ctx, ap, components)
	if err != nil {
		ap.Unref()
		return errors.Annotatef(err, "failed to attach to core")
	}
	reg := target.NewRegistry()
	reg.Add("0", tgt)
	defer reg.Remove("0")
	reportf("Core: %s", tgt.Name)

	drv, err := samd.Probe(ctx, tgt)
	if err != nil {
		return errors.Annotatef(err, "failed while probing flash family")
	}
	if drv == nil {
		return errors.Errorf("no supported flash family recognized this target")
	}
	reportf("%s", drv.Name())
	if drv.Protected {
		reportf("target is read-protected; programming will likely fail without a mass erase")
	}

	for _, cmd := range *flagMonitor {
		argv := strings.Fields(cmd)
		ok, err := drv.MonitorCommand(ctx, os.Stdout, argv)
		if err != nil {
			return errors.Annotatef(err, "monitor command %q failed", cmd)
		}
		if !ok {
			reportf("monitor command %q did not succeed", cmd)
		}
	}

	if *flagImage == "" {
		return nil
	}

	start := time.Now()
	if *flagEraseChip {
		reportf("Erasing chip...")
		if err := drv.MassErase(ctx); err != nil {
			return errors.Annotatef(err, "failed to mass-erase")
		}
	} else {
		reportf("Erasing %d bytes @ 0x%x...", len(image), *flagAddr)
		if err := drv.EraseRange(ctx, *flagAddr, uint32(len(image))); err != nil {
			return errors.Annotatef(err, "failed to erase")
		}
	}

	reportf("Writing %d bytes @ 0x%x...", len(image), *flagAddr)
	const pageSize = 64
	for off := 0; off < len(image); off += pageSize {
		end := off + pageSize
		if end > len(image) {
			end = len(image)
		}
		page := image[off:end]
		if len(page) < pageSize {
			padded := make([]byte, pageSize)
			copy(padded, page)
			for i := len(page); i < pageSize; i++ {
				padded[i] = 0xff
			}
			page = padded
		}
		if err := drv.WritePage(ctx, *flagAddr+uint32(off), page); err != nil {
			return errors.Annotatef(err, "failed to write page @ 0x%x", *flagAddr+uint32(off))
		}
	}
	reportf("Done in %.3fs", time.Since(start).Seconds())

	if *flagRun {
		reportf("Running firmware...")
		if err := drv.Reset(ctx); err != nil {
			return errors.Annotatef(err, "failed to reset the target")
		}
		if err := tgt.Core.ResetRun(ctx); err != nil {
			return errors.Annotatef(err, "failed to resume the target")
		}
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		glog.Errorf("%s", err)
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
