// +build !no_libudev

package cmsisdap

import (
	"context"
	"encoding/binary"

	"github.com/cesanta/errors"
	"github.com/cesanta/hid"
	"github.com/golang/glog"

	"github.com/rojer/dbgprobe/internal/link"
)

// Client is a CMSIS-DAP probe, reached over whatever Device moves its
// command packets (HID reports, or a bulk endpoint pair).
type Client struct {
	raw rawClient
}

// NewClientFromDevice wraps an already-open Device. maxPacketSize is the
// largest single packet the device will accept; callers typically refine
// this immediately after construction via a GetInfo(0xff) round trip, as
// Open does for HID devices.
func NewClientFromDevice(d Device, maxPacketSize int) *Client {
	return &Client{raw: rawClient{d: d, maxPacketSize: maxPacketSize}}
}

// Open enumerates HID devices and opens the first one matching vid/pid.
// TODO(rojer): serial number matching.
func Open(ctx context.Context, vid, pid uint16) (*Client, error) {
	devs, err := hid.Devices()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to enumerate HID devices")
	}
	for i, di := range devs {
		glog.V(1).Infof("%d: %04x:%04x %s", i, di.VendorID, di.ProductID, di.Path)
		if di.VendorID != vid || di.ProductID != pid {
			continue
		}
		d, err := di.Open()
		if err != nil {
			return nil, errors.Annotatef(err, "failed to open device %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		}
		glog.Infof("opened %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		c := &Client{raw: rawClient{d: d, maxPacketSize: 8}}
		resp, err := c.raw.getInfo(ctx, 0xff /* packet size */)
		if err != nil {
			d.Close()
			return nil, errors.Annotatef(err, "failed to get max packet size")
		}
		var rl uint8
		var mps uint16
		binary.Read(resp, binary.LittleEndian, &rl)
		binary.Read(resp, binary.LittleEndian, &mps)
		c.raw.maxPacketSize = int(mps)
		glog.V(2).Infof("max packet size: %d", c.raw.maxPacketSize)
		return c, nil
	}
	return nil, errors.NotFoundf("device %04x:%04x", vid, pid)
}

// Connect implements link.Link: configures the probe for SWD, issues the
// JTAG-to-SWD switch sequence and the standard SWD line reset, then reads
// DPIDR over the wire to obtain the raw IDCODE.
func (c *Client) Connect(ctx context.Context) (uint32, error) {
	if err := c.raw.connect(ctx, connectModeSWD); err != nil {
		return 0, errors.Annotatef(err, "connect")
	}
	if err := c.raw.transferConfigure(ctx, 0 /* idle cycles */, 64 /* wait retry */, 0 /* match retry */); err != nil {
		return 0, errors.Annotatef(err, "transfer configure")
	}
	if err := c.raw.swdConfigure(ctx, 0 /* default turnaround, no data phase */); err != nil {
		return 0, errors.Annotatef(err, "swd configure")
	}
	// 51 cycles high, JTAG-to-SWD switch code, 51 cycles high, 8 idle cycles.
	lineReset := []uint8{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	if err := c.raw.swjSequence(ctx, 51, lineReset); err != nil {
		return 0, errors.Annotatef(err, "line reset")
	}
	jtagToSWD := []uint8{0x9e, 0xe7}
	if err := c.raw.swjSequence(ctx, 16, jtagToSWD); err != nil {
		return 0, errors.Annotatef(err, "jtag-to-swd sequence")
	}
	if err := c.raw.swjSequence(ctx, 51, lineReset); err != nil {
		return 0, errors.Annotatef(err, "line reset (2)")
	}
	idle := []uint8{0x00}
	if err := c.raw.swjSequence(ctx, 8, idle); err != nil {
		return 0, errors.Annotatef(err, "idle cycles")
	}
	_, vals, err := c.raw.transfer(ctx, []transferRequest{{op: opRead, ap: false, reg: 0x00 /* DPIDR */}})
	if err != nil {
		return 0, errors.Annotatef(err, "read DPIDR")
	}
	return vals[0], nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	return errors.Trace(c.raw.disconnect(ctx))
}

func (c *Client) SetClock(ctx context.Context, hz uint32) error {
	return errors.Trace(c.raw.swjClock(ctx, hz))
}

func (c *Client) Transfer(ctx context.Context, reqs []link.Request) ([]uint32, error) {
	treqs := make([]transferRequest, len(reqs))
	for i, r := range reqs {
		op := opWrite
		if r.RnW {
			op = opRead
		}
		treqs[i] = transferRequest{op: op, ap: r.APnDP, reg: r.A, data: r.Value}
	}
	st, vals, err := c.raw.transfer(ctx, treqs)
	if err != nil {
		if st.ackValue() == ackFault {
			return nil, &link.FaultError{Op: "transfer"}
		}
		return nil, errors.Trace(err)
	}
	out := make([]uint32, len(reqs))
	vi := 0
	for i, r := range reqs {
		if r.RnW {
			out[i] = vals[vi]
			vi++
		}
	}
	return out, nil
}

func (c *Client) TransferBlockRead(ctx context.Context, apsel uint8, addr uint8, count int) ([]uint32, error) {
	vals, err := c.raw.transferBlockRead(ctx, apsel != 0, addr, count)
	return vals, errors.Trace(err)
}

func (c *Client) TransferBlockWrite(ctx context.Context, apsel uint8, addr uint8, data []uint32) error {
	return errors.Trace(c.raw.transferBlockWrite(ctx, apsel != 0, addr, data))
}

func (c *Client) MaxBlockTransferSize() int {
	return c.raw.transferBlockMaxSize()
}

// SetNRST does not drive the target reset line: it sends no SWJ_PINS
// command, only logs the request and returns nil. GetNRST likewise always
// reports the line deasserted.
func (c *Client) SetNRST(ctx context.Context, asserted bool) error {
	glog.V(2).Infof("SetNRST(%t): no hardware nRST control on this probe, ignoring", asserted)
	return nil
}

func (c *Client) GetNRST(ctx context.Context) (bool, error) {
	return false, nil
}

func (c *Client) Close(ctx context.Context) error {
	if c.raw.d != nil {
		c.raw.d.Close()
	}
	return nil
}
