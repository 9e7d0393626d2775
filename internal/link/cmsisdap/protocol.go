// Package cmsisdap implements the link.Link transport over a USB-HID
// CMSIS-DAP debug probe.
// https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html
package cmsisdap

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"

	"github.com/cesanta/errors"
	"github.com/golang/glog"
)

type cmd uint8

const (
	cmdInfo              cmd = 0x00
	cmdSetHostStatus     cmd = 0x01
	cmdConnect           cmd = 0x02
	cmdDisconnect        cmd = 0x03
	cmdTransferConfigure cmd = 0x04
	cmdTransfer          cmd = 0x05
	cmdTransferBlock     cmd = 0x06
	cmdResetTarget       cmd = 0x0a
	cmdSWJClock          cmd = 0x11
	cmdSWJSequence       cmd = 0x12
	cmdSWDConfigure      cmd = 0x13
)

type connectMode uint8

const (
	connectModeAuto connectMode = 0x00
	connectModeSWD  connectMode = 0x01
)

type transferOp uint8

const (
	opRead  transferOp = 0
	opWrite transferOp = 2
)

type transferRequest struct {
	op   transferOp
	ap   bool
	reg  uint8
	data uint32
}

// transferStatus is the per-transfer ACK byte a CMSIS-DAP probe returns:
// bits 0-2 are the SWD ACK value (1 = OK, 2 = WAIT, 4 = FAULT), bit 3 is a
// protocol (parity) error, bit 4 is a read-match mismatch.
type transferStatus uint8

const (
	ackOK    uint8 = 1
	ackWait  uint8 = 2
	ackFault uint8 = 4
)

func (ts transferStatus) ackValue() uint8    { return uint8(ts & 7) }
func (ts transferStatus) swdError() bool     { return ts&8 != 0 }
func (ts transferStatus) valueMismatch() bool { return ts&0x10 != 0 }
func (ts transferStatus) ok() bool {
	return ts.ackValue() == ackOK && !ts.swdError() && !ts.valueMismatch()
}

func newCmdBuf(c cmd) *bytes.Buffer {
	return bytes.NewBuffer([]uint8{
		0, // HID report number, unused by cesanta/hid
		uint8(c),
	})
}

// Device is the subset of *hid.Device this package needs to move raw
// CMSIS-DAP command/response packets. It lets tests, and the bulk-USB
// transport in internal/link/bulkprobe, supply a device without pulling in
// libusb/libudev: both HID and WinUSB-bulk CMSIS-DAP probes speak the exact
// same command bytes, they just move them over different USB endpoints.
type Device interface {
	Write(data []byte) error
	ReadCh() <-chan []byte
	ReadError() error
	Close()
}

type rawClient struct {
	d             Device
	maxPacketSize int
}

func (c *rawClient) exec(ctx context.Context, args *bytes.Buffer) (*bytes.Buffer, error) {
	glog.V(4).Infof(" => %s", hex.EncodeToString(args.Bytes()[1:]))
	if len(args.Bytes()) > c.maxPacketSize {
		return nil, errors.Errorf("packet too long (max %d, got %d)", c.maxPacketSize, len(args.Bytes()))
	}
	if err := c.d.Write(args.Bytes()); err != nil {
		return nil, errors.Annotatef(err, "device write failed")
	}
	select {
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "DAP exec")
	case resp, ok := <-c.d.ReadCh():
		if !ok {
			return nil, errors.Annotatef(c.d.ReadError(), "device read failed")
		}
		glog.V(4).Infof("<=  %s", hex.EncodeToString(resp))
		wantCmd := args.Bytes()[1]
		if resp[0] != wantCmd {
			return nil, errors.Errorf("response to wrong command (want 0x%02x, got 0x%02x)", wantCmd, resp[0])
		}
		return bytes.NewBuffer(resp[1:]), nil
	}
}

func (c *rawClient) execCheckStatus(ctx context.Context, args *bytes.Buffer) error {
	resp, err := c.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	if status := resp.Bytes()[0]; status != 0 {
		return errors.Errorf("command 0x%02x returned error (0x%02x)", args.Bytes()[1], status)
	}
	return nil
}

func (c *rawClient) getInfo(ctx context.Context, info uint8) (*bytes.Buffer, error) {
	args := newCmdBuf(cmdInfo)
	binary.Write(args, binary.LittleEndian, info)
	resp, err := c.exec(ctx, args)
	return resp, errors.Annotatef(err, "failed to get info 0x%02x", info)
}

func (c *rawClient) connect(ctx context.Context, mode connectMode) error {
	args := newCmdBuf(cmdConnect)
	binary.Write(args, binary.LittleEndian, uint8(mode))
	resp, err := c.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Bytes()[0] == 0 {
		return errors.Errorf("connect error")
	}
	return nil
}

func (c *rawClient) disconnect(ctx context.Context) error {
	return errors.Trace(c.execCheckStatus(ctx, newCmdBuf(cmdDisconnect)))
}

func (c *rawClient) transferConfigure(ctx context.Context, idleCycles uint8, waitRetry, matchRetry uint16) error {
	args := newCmdBuf(cmdTransferConfigure)
	binary.Write(args, binary.LittleEndian, idleCycles)
	binary.Write(args, binary.LittleEndian, waitRetry)
	binary.Write(args, binary.LittleEndian, matchRetry)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

func (c *rawClient) doTransfer(ctx context.Context, reqs []transferRequest) (transferStatus, []uint32, error) {
	args := newCmdBuf(cmdTransfer)
	binary.Write(args, binary.LittleEndian, uint8(0)) // DAP index, single-drop SWD only
	binary.Write(args, binary.LittleEndian, uint8(len(reqs)))
	for i, req := range reqs {
		if req.reg&3 != 0 {
			return 0, nil, errors.Errorf("treq %d invalid reg 0x%x", i, req.reg)
		}
		treq := req.reg & 0xc
		haveData := req.op != opRead
		if req.ap {
			treq |= 1 << 0
		}
		if req.op == opRead {
			treq |= 1 << 1
		}
		binary.Write(args, binary.LittleEndian, treq)
		if haveData {
			binary.Write(args, binary.LittleEndian, req.data)
		}
	}
	resp, err := c.exec(ctx, args)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	var tc uint8
	var st transferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return st, nil, errors.Errorf("response is too short")
	}
	if !st.ok() {
		return st, nil, errors.Errorf("transfer failed (tc %d/%d st 0x%02x)", tc, len(reqs), st)
	}
	if int(tc) != len(reqs) {
		return st, nil, errors.Errorf("not all transfers completed (tc %d/%d)", tc, len(reqs))
	}
	var data []uint32
	for _, req := range reqs {
		if req.op != opRead {
			continue
		}
		var d uint32
		if binary.Read(resp, binary.LittleEndian, &d) != nil {
			return st, nil, errors.Errorf("response is too short")
		}
		data = append(data, d)
	}
	return st, data, nil
}

// transfer retries the whole batch up to 5 times on a WAIT acknowledgement,
// matching what CMSIS-DAP firmware itself does internally for a single
// transfer; here it covers the (less common) case of our own probe's USB
// round trip racing the target.
func (c *rawClient) transfer(ctx context.Context, reqs []transferRequest) (transferStatus, []uint32, error) {
	for i := 0; i < 5; i++ {
		st, res, err := c.doTransfer(ctx, reqs)
		if err != nil && st.ackValue() == ackWait {
			continue
		}
		return st, res, err
	}
	return transferStatus(ackWait), nil, errors.Errorf("transfer timeout (WAIT retries exhausted)")
}

func (c *rawClient) transferBlockMaxSize() int {
	headerLen := 1 /* op */ + 1 /* dap index */ + 2 /* transfer count */ + 1 /* request */
	return (c.maxPacketSize - headerLen) / 4
}

func (c *rawClient) transferBlockRead(ctx context.Context, ap bool, reg uint8, length int) ([]uint32, error) {
	if length > c.transferBlockMaxSize() {
		return nil, errors.Errorf("request too big (max %d, got %d)", c.transferBlockMaxSize(), length)
	}
	args := newCmdBuf(cmdTransferBlock)
	binary.Write(args, binary.LittleEndian, uint8(0))
	binary.Write(args, binary.LittleEndian, uint16(length))
	if reg&3 != 0 {
		return nil, errors.Errorf("invalid reg 0x%x", reg)
	}
	treq := uint8(reg&0xc) | 1<<1
	if ap {
		treq |= 1 << 0
	}
	binary.Write(args, binary.LittleEndian, treq)
	resp, err := c.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var tc uint16
	var st transferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return nil, errors.Errorf("response is too short")
	}
	if !st.ok() {
		return nil, errors.Errorf("transfer failed (tc %d/%d st 0x%02x)", tc, length, st)
	}
	if int(tc) != length {
		return nil, errors.Errorf("not all transfers completed (tc %d/%d)", tc, length)
	}
	res := make([]uint32, 0, length)
	for i := 0; i < length; i++ {
		var w uint32
		if binary.Read(resp, binary.LittleEndian, &w) != nil {
			return nil, errors.Errorf("response is too short")
		}
		res = append(res, w)
	}
	return res, nil
}

func (c *rawClient) transferBlockWrite(ctx context.Context, ap bool, reg uint8, data []uint32) error {
	args := newCmdBuf(cmdTransferBlock)
	binary.Write(args, binary.LittleEndian, uint8(0))
	binary.Write(args, binary.LittleEndian, uint16(len(data)))
	if reg&3 != 0 {
		return errors.Errorf("invalid reg 0x%x", reg)
	}
	treq := uint8(reg & 0xc)
	if ap {
		treq |= 1 << 0
	}
	binary.Write(args, binary.LittleEndian, treq)
	for _, value := range data {
		binary.Write(args, binary.LittleEndian, value)
	}
	resp, err := c.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	var tc uint16
	var st transferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return errors.Errorf("response is too short")
	}
	if !st.ok() {
		return errors.Errorf("transfer failed (tc %d/%d st 0x%02x)", tc, len(data), st)
	}
	if int(tc) != len(data) {
		return errors.Errorf("not all transfers completed (tc %d/%d)", tc, len(data))
	}
	return nil
}

func (c *rawClient) resetTarget(ctx context.Context) error {
	return errors.Trace(c.execCheckStatus(ctx, newCmdBuf(cmdResetTarget)))
}

func (c *rawClient) swjClock(ctx context.Context, clockHz uint32) error {
	args := newCmdBuf(cmdSWJClock)
	binary.Write(args, binary.LittleEndian, clockHz)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

func (c *rawClient) swjSequence(ctx context.Context, numBits int, data []uint8) error {
	if numBits < 1 || numBits > 256 {
		return errors.Errorf("length must be between 1 and 256 (got %d)", numBits)
	}
	args := newCmdBuf(cmdSWJSequence)
	binary.Write(args, binary.LittleEndian, uint8(numBits))
	args.Write(data)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

func (c *rawClient) swdConfigure(ctx context.Context, config uint8) error {
	args := newCmdBuf(cmdSWDConfigure)
	binary.Write(args, binary.LittleEndian, config)
	return errors.Trace(c.execCheckStatus(ctx, args))
}
