package sdcard

import (
	"testing"
)

// newBareDevice returns an unconfigured engine over a fake host whose status
// register is driven directly by the test.
func newBareDevice() (*Device, *fakeHost) {
	h := newFakeHost(&fakeCard{})
	d := New(h)
	d.cfg.CommandTimeout = 16
	return d, h
}

func TestCheckR1(t *testing.T) {
	tests := []struct {
		summary   string
		sts       uint32
		respCmd   uint8
		resp      uint32
		err       error
		respReads int
	}{
		{
			summary: "timeout does not read the response",
			sts:     FlagCMDTIMEOUT,
			err:     ErrCmdRspTimeout,
		},
		{
			summary: "no flag before the budget runs out",
			err:     ErrCmdRspTimeout,
		},
		{
			summary: "crc failure",
			sts:     FlagCMDFAIL,
			respCmd: 13,
			err:     ErrCmdFail,
		},
		{
			summary: "echoed index mismatch",
			sts:     FlagCMDRSPCMPL,
			respCmd: 12,
			err:     ErrIllegalCmd,
		},
		{
			summary:   "ok",
			sts:       FlagCMDRSPCMPL,
			respCmd:   13,
			resp:      0x00000900,
			respReads: 1,
		},
		{
			summary:   "locked card is not an error",
			sts:       FlagCMDRSPCMPL,
			respCmd:   13,
			resp:      _CARD_LOCKED | 0x00000900,
			respReads: 1,
		},
		{
			summary:   "out of range",
			sts:       FlagCMDRSPCMPL,
			respCmd:   13,
			resp:      0x80000900,
			err:       ErrCmdOutOfRange,
			respReads: 1,
		},
		{
			summary:   "command crc wins over ecc",
			sts:       FlagCMDRSPCMPL,
			respCmd:   13,
			resp:      0x00A00000,
			err:       ErrCmdCRC,
			respReads: 1,
		},
		{
			summary:   "authentication sequence",
			sts:       FlagCMDRSPCMPL,
			respCmd:   13,
			resp:      0x00000008,
			err:       ErrAKESeq,
			respReads: 1,
		},
	}

	for _, test := range tests {
		d, h := newBareDevice()
		h.sts = test.sts
		h.respCmd = test.respCmd
		h.resp[0] = test.resp

		err := d.checkR1(13)
		if g, e := err, test.err; g != e {
			t.Errorf("%s: got %v, want %v", test.summary, g, e)
		}
		if g, e := h.respReads, test.respReads; g != e {
			t.Errorf("%s: response reads got %v, want %v", test.summary, g, e)
		}
	}
}

func TestCheckR3(t *testing.T) {
	d, h := newBareDevice()
	h.sts = FlagCMDFAIL
	if err := d.checkR3(); err != nil {
		t.Errorf("got %v, want %v", err, nil)
	}
	if h.sts&FlagsStatic != 0 {
		t.Errorf("static flags not cleared: %08X", h.sts)
	}

	d, h = newBareDevice()
	h.sts = FlagCMDTIMEOUT
	if g, e := d.checkR3(), error(ErrCmdRspTimeout); g != e {
		t.Errorf("got %v, want %v", g, e)
	}
}

func TestCheckR6(t *testing.T) {
	tests := []struct {
		summary string
		resp    uint32
		rca     uint16
		err     error
	}{
		{"rca", 0xB3680500, 0xB368, nil},
		{"general error", 0xB3682500, 0, ErrGeneralUnknown},
		{"illegal command", 0xB3684500, 0, ErrIllegalCmd},
		{"crc", 0xB3688500, 0, ErrCmdCRC},
	}

	for _, test := range tests {
		d, h := newBareDevice()
		h.sts = FlagCMDRSPCMPL
		h.respCmd = _CMD_SET_REL_ADDR
		h.resp[0] = test.resp

		rca, err := d.checkR6(_CMD_SET_REL_ADDR)
		if g, e := err, test.err; g != e {
			t.Errorf("%s: got %v, want %v", test.summary, g, e)
		}
		if g, e := rca, test.rca; g != e {
			t.Errorf("%s: rca got %04X, want %04X", test.summary, g, e)
		}
	}
}

func TestCheckR7(t *testing.T) {
	d, h := newBareDevice()
	h.sts = FlagCMDTIMEOUT
	if g, e := d.checkR7(), error(ErrCmdRspTimeout); g != e {
		t.Errorf("got %v, want %v", g, e)
	}

	d, h = newBareDevice()
	h.sts = FlagCMDRSPCMPL
	if err := d.checkR7(); err != nil {
		t.Errorf("got %v, want %v", err, nil)
	}
}

func TestCheckCmdSent(t *testing.T) {
	d, h := newBareDevice()
	if g, e := d.checkCmdSent(), error(ErrCmdRspTimeout); g != e {
		t.Errorf("got %v, want %v", g, e)
	}

	h.sts = FlagCMDCMPL
	if err := d.checkCmdSent(); err != nil {
		t.Errorf("got %v, want %v", err, nil)
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		err  Error
		text string
	}{
		{ErrDataTimeout, "sdcard: data timeout"},
		{ErrLockUnlock, "sdcard: card is locked"},
		{ErrGeneric, "sdcard: error"},
		{Error(200), "sdcard: unknown error"},
	}
	for _, test := range tests {
		if g, e := test.err.Error(), test.text; g != e {
			t.Errorf("got %q, want %q", g, e)
		}
	}
}
