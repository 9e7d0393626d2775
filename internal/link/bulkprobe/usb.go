// Package bulkprobe implements link.Link over a WinUSB/bulk-endpoint
// CMSIS-DAP probe: the same command protocol as internal/link/cmsisdap, but
// moved over a bulk IN/OUT endpoint pair instead of HID reports. Probes
// that expose this "v2" interface skip the HID report-ID byte and the
// OS's HID subsystem entirely, which matters on hosts without libudev.
package bulkprobe

import (
	"context"
	"io"
	"sync"

	"github.com/cesanta/errors"
	"github.com/golang/glog"
	"github.com/google/gousb"

	"github.com/rojer/dbgprobe/internal/link"
	"github.com/rojer/dbgprobe/internal/link/cmsisdap"
)

// Open opens a USB device with the given VID/PID (and, if non-empty,
// serial number), claims the given interface and finds its first bulk IN
// and OUT endpoints, and returns a link.Link speaking CMSIS-DAP over them.
func Open(ctx context.Context, vid, pid gousb.ID, serial string, intfNum int) (link.Link, error) {
	uctx := gousb.NewContext()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		return dd.Vendor == vid && dd.Product == pid
	})
	if err != nil && len(devs) == 0 {
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to enumerate USB devices")
	}
	var dev *gousb.Device
	for _, d := range devs {
		if dev != nil {
			d.Close()
			continue
		}
		sn, _ := d.SerialNumber()
		if serial == "" || sn == serial {
			dev = d
		} else {
			d.Close()
		}
	}
	if dev == nil {
		uctx.Close()
		return nil, errors.Errorf("no device matching %s:%s found", vid, pid)
	}

	cfgNum, _ := dev.ActiveConfigNum()
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to claim config %d", cfgNum)
	}
	intf, err := cfg.Interface(intfNum, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to claim interface %d", intfNum)
	}

	var epIn *gousb.InEndpoint
	var epOut *gousb.OutEndpoint
	for _, epd := range intf.Setting.Endpoints {
		if epd.Direction == gousb.EndpointDirectionIn && epIn == nil {
			epIn, err = intf.InEndpoint(epd.Number)
			if err != nil {
				continue
			}
		}
		if epd.Direction == gousb.EndpointDirectionOut && epOut == nil {
			epOut, err = intf.OutEndpoint(epd.Number)
			if err != nil {
				continue
			}
		}
	}
	if epIn == nil || epOut == nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		uctx.Close()
		return nil, errors.Errorf("interface %d has no bulk IN/OUT endpoint pair", intfNum)
	}

	bd := &bulkDevice{
		uctx: uctx, dev: dev, cfg: cfg, intf: intf,
		epIn: epIn, epOut: epOut,
		readCh: make(chan []byte, 4),
		stop:   make(chan struct{}),
	}
	bd.wg.Add(1)
	go bd.readLoop()

	c := cmsisdap.NewClientFromDevice(bd, epOut.Desc.MaxPacketSize)
	return c, nil
}

// bulkDevice adapts a gousb bulk endpoint pair to cmsisdap.Device. Unlike
// HID, bulk transfers carry no report-ID byte, so Write strips the leading
// zero byte the protocol layer always prepends before handing the rest to
// the OUT endpoint; reads are pumped by a background goroutine into a
// channel, mirroring the async-read model cesanta/hid exposes for HID
// devices so the same protocol-layer exec() loop works unmodified.
type bulkDevice struct {
	uctx *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	epIn *gousb.InEndpoint
	epOut *gousb.OutEndpoint

	readCh chan []byte
	rdErr  error
	stop   chan struct{}
	wg     sync.WaitGroup
}

func (d *bulkDevice) Write(data []byte) error {
	if len(data) > 0 && data[0] == 0 {
		data = data[1:] // drop the HID report-ID placeholder byte
	}
	_, err := d.epOut.Write(data)
	return errors.Annotatef(err, "bulk OUT write failed")
}

func (d *bulkDevice) ReadCh() <-chan []byte {
	return d.readCh
}

func (d *bulkDevice) ReadError() error {
	return d.rdErr
}

func (d *bulkDevice) readLoop() {
	defer d.wg.Done()
	buf := make([]byte, d.epIn.Desc.MaxPacketSize)
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		n, err := d.epIn.Read(buf)
		if err != nil {
			if err != io.EOF {
				d.rdErr = err
				glog.V(1).Infof("bulk IN read failed: %s", err)
			}
			close(d.readCh)
			return
		}
		// The protocol layer expects the command byte at index 0, exactly
		// as the HID transport delivers it (report-ID already stripped by
		// the OS); bulk delivers it at index 0 too, so no shift needed.
		resp := make([]byte, n)
		copy(resp, buf[:n])
		select {
		case d.readCh <- resp:
		case <-d.stop:
			return
		}
	}
}

func (d *bulkDevice) Close() {
	close(d.stop)
	d.wg.Wait()
	d.intf.Close()
	d.cfg.Close()
	d.dev.Close()
	d.uctx.Close()
}
