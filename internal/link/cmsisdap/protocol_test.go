package cmsisdap

import "testing"

func TestTransferStatusOk(t *testing.T) {
	cases := []struct {
		st   transferStatus
		ok   bool
		wait bool
		flt  bool
	}{
		{transferStatus(ackOK), true, false, false},
		{transferStatus(ackWait), false, true, false},
		{transferStatus(ackFault), false, false, true},
		{transferStatus(ackOK | 8), false, false, false},  // SWD protocol error
		{transferStatus(ackOK | 0x10), false, false, false}, // read-match mismatch
	}
	for _, c := range cases {
		if got := c.st.ok(); got != c.ok {
			t.Errorf("status 0x%02x: ok() = %v, want %v", c.st, got, c.ok)
		}
		if got := c.st.ackValue() == ackWait; got != c.wait {
			t.Errorf("status 0x%02x: wait = %v, want %v", c.st, got, c.wait)
		}
		if got := c.st.ackValue() == ackFault; got != c.flt {
			t.Errorf("status 0x%02x: fault = %v, want %v", c.st, got, c.flt)
		}
	}
}

func TestTransferBlockMaxSize(t *testing.T) {
	c := &rawClient{maxPacketSize: 64}
	// header is 1+1+2+1 = 5 bytes, remainder divided into 4-byte words.
	if got, want := c.transferBlockMaxSize(), (64-5)/4; got != want {
		t.Errorf("transferBlockMaxSize() = %d, want %d", got, want)
	}
}
