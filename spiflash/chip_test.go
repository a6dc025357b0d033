package spiflash

import (
	"errors"
)

// fakeChip simulates a SPI NOR flash on the other end of the bus. It serves
// both as the drivers.SPI transport and as the chip select pin. Commands are
// executed when chip select is released, the way real parts latch them.
type fakeChip struct {
	rems   uint16
	jedec  uint32
	mem    []byte
	page   uint32
	sector uint32

	sr        uint16 // status register 2 in the high byte
	busy      int    // status reads left that report busy
	busyPolls int    // busy reads after each program or erase
	stuck     bool   // never leaves busy

	selected bool
	in       []byte
	txns     [][]byte

	erases     map[uint32]int
	chipErases int
	programs   int

	rejected   int // write commands without WEL
	whileBusy  int // commands other than RDSR while busy
	overflows  int // page programs crossing a page boundary
	unselected int // bus traffic with chip select released
	txErr      error
}

func newFakeChip(p Part) *fakeChip {
	c := &fakeChip{
		rems:      p.ID,
		jedec:     p.JEDEC,
		mem:       make([]byte, p.Size),
		page:      p.PageSize,
		sector:    p.SectorSize,
		busyPolls: 2,
		erases:    map[uint32]int{},
	}
	for i := range c.mem {
		c.mem[i] = 0xFF
	}
	return c
}

func partByName(name string) Part {
	for _, p := range parts {
		if p.Name == name {
			return p
		}
	}
	panic("no part " + name)
}

func (c *fakeChip) Low() {
	c.selected = true
	c.in = c.in[:0]
}

func (c *fakeChip) High() {
	if !c.selected {
		return
	}
	c.selected = false
	if len(c.in) == 0 {
		return
	}
	c.txns = append(c.txns, append([]byte(nil), c.in...))
	c.commit()
}

func (c *fakeChip) Transfer(b byte) (byte, error) {
	var r [1]byte
	err := c.Tx([]byte{b}, r[:])
	return r[0], err
}

func (c *fakeChip) Tx(w, r []byte) error {
	if c.txErr != nil {
		return c.txErr
	}
	if !c.selected {
		c.unselected++
		return nil
	}
	if w != nil && r != nil && len(w) != len(r) {
		return errors.New("fake: tx length mismatch")
	}
	n := len(w)
	if w == nil {
		n = len(r)
	}
	for i := 0; i < n; i++ {
		b := byte(0)
		if w != nil {
			b = w[i]
		}
		c.in = append(c.in, b)
		out := c.respond(len(c.in) - 1)
		if r != nil {
			r[i] = out
		}
	}
	return nil
}

func (c *fakeChip) addr() uint32 {
	return uint32(c.in[1])<<16 | uint32(c.in[2])<<8 | uint32(c.in[3])
}

// respond returns the byte the chip drives while byte pos of the current
// transaction is clocked in.
func (c *fakeChip) respond(pos int) byte {
	if pos == 0 {
		return 0xFF
	}
	switch c.in[0] {
	case _CMD_RDSR:
		if c.stuck {
			return byte(c.sr) | _SR_BUSY
		}
		if c.busy > 0 {
			c.busy--
			return byte(c.sr) | _SR_BUSY
		}
		return byte(c.sr)
	case _CMD_RDSR2:
		return byte(c.sr >> 8)
	case _CMD_REMS:
		switch pos {
		case 4:
			return byte(c.rems >> 8)
		case 5:
			return byte(c.rems)
		}
	case _CMD_RDID:
		if pos <= 3 {
			return byte(c.jedec >> (8 * (3 - pos)))
		}
	case _CMD_READ:
		if pos >= 4 {
			a := c.addr() + uint32(pos-4)
			return c.mem[a%uint32(len(c.mem))]
		}
	}
	return 0xFF
}

func (c *fakeChip) commit() {
	op := c.in[0]
	if op != _CMD_RDSR && (c.busy > 0 || c.stuck) {
		c.whileBusy++
		return
	}

	switch op {
	case _CMD_WREN:
		c.sr |= _SR_WEL
		return
	case _CMD_PP, _CMD_SE, _CMD_CE, _CMD_WRSR, _CMD_WRSR2:
		if c.sr&_SR_WEL == 0 {
			c.rejected++
			return
		}
		c.sr &^= _SR_WEL
		c.busy = c.busyPolls
	default:
		return
	}

	switch op {
	case _CMD_PP:
		addr := c.addr()
		data := c.in[4:]
		if addr%c.page+uint32(len(data)) > c.page {
			c.overflows++
		}
		base := addr - addr%c.page
		for i, b := range data {
			a := base + (addr+uint32(i))%c.page
			c.mem[a] &= b
		}
		c.programs++
	case _CMD_SE:
		base := c.addr() - c.addr()%c.sector
		for i := base; i < base+c.sector; i++ {
			c.mem[i] = 0xFF
		}
		c.erases[base]++
	case _CMD_CE:
		for i := range c.mem {
			c.mem[i] = 0xFF
		}
		c.chipErases++
	case _CMD_WRSR:
		c.sr = c.sr&0xFF00 | uint16(c.in[1])&^(_SR_BUSY|_SR_WEL)
		if len(c.in) > 2 {
			c.sr = c.sr&0x00FF | uint16(c.in[2])<<8
		}
	case _CMD_WRSR2:
		c.sr = c.sr&0x00FF | uint16(c.in[1])<<8
	}
}

func (c *fakeChip) totalErases() int {
	n := 0
	for _, e := range c.erases {
		n += e
	}
	return n
}

func (c *fakeChip) transactions(op byte) [][]byte {
	var out [][]byte
	for _, t := range c.txns {
		if t[0] == op {
			out = append(out, t)
		}
	}
	return out
}
