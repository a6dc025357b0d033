package sdcard

import (
	"encoding/binary"
	"sync"
)

// fakeCard is the card model behind fakeHost.
type fakeCard struct {
	mmc  bool
	v2   bool // answers CMD8
	hc   bool
	busy int // op cond responses reporting busy before power up

	rca uint16
	cid [4]uint32
	csd [4]uint32
	scr [8]byte

	highSpeed   bool   // supports high speed access mode
	programming int    // SEND_STATUS polls reporting programming after a write
	stall       bool   // block data commands never move data
	dataErr     uint32 // flags raised by every block data command

	mem map[uint64]byte
}

func (c *fakeCard) read(addr uint64, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = c.mem[addr+uint64(i)]
	}
	return b
}

func (c *fakeCard) write(addr uint64, b []byte) {
	for i, v := range b {
		c.mem[addr+uint64(i)] = v
	}
}

type xferKind int

const (
	xferNone xferKind = iota
	xferRead
	xferWrite
)

// fakeHost simulates an SDIO controller with one card attached.
type fakeHost struct {
	mu   sync.Mutex
	card *fakeCard

	busClock uint32
	powered  bool
	dividers []uint32
	width    BusWidth
	resets   int

	cmds      []Command
	sts       uint32
	resp      [4]uint32
	respCmd   uint8
	respReads int

	appCmd    bool
	trials    int
	state     CardState
	blockLen  uint32
	blockCnt  uint32
	eraseFrom uint32
	eraseTo   uint32
	switched  bool
	progLeft  int

	// data errors raised once the command response has been consumed
	errPending uint32

	data     DataConfig
	xfer     xferKind
	dataDone bool
	rspDone  bool
	rx       []uint32
	tx       []byte
	txAddr   uint64
}

func newFakeHost(card *fakeCard) *fakeHost {
	if card.mem == nil {
		card.mem = map[uint64]byte{}
	}
	return &fakeHost{card: card, busClock: 144000000}
}

func (h *fakeHost) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets++
	h.sts = 0
	h.xfer = xferNone
}

func (h *fakeHost) PowerOn()  { h.powered = true }
func (h *fakeHost) PowerOff() { h.powered = false }
func (h *fakeHost) Powered() bool {
	return h.powered
}

func (h *fakeHost) BusClock() uint32 { return h.busClock }

func (h *fakeHost) SetClockDivider(div uint32) {
	h.dividers = append(h.dividers, div)
}

func (h *fakeHost) SetBusWidth(w BusWidth) { h.width = w }

func (h *fakeHost) CommandResponse() uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.respCmd
}

func (h *fakeHost) Response(n int) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.respReads++
	return h.resp[n]
}

func (h *fakeHost) Status() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.update()
	return h.sts
}

func (h *fakeHost) ClearFlags(mask uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sts &^= mask
	h.sts |= h.errPending
	h.errPending = 0
	h.rspDone = true
}

func (h *fakeHost) ConfigureData(cfg DataConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = cfg
	h.xfer = xferNone
}

func (h *fakeHost) EnableData(enable bool) {}

func (h *fakeHost) ReadFIFO() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.rx) == 0 {
		return 0
	}
	w := h.rx[0]
	h.rx = h.rx[1:]
	return w
}

func (h *fakeHost) WriteFIFO(w uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	h.tx = append(h.tx, b[:]...)
}

// update recomputes the FIFO level flags and raises data end once the
// transfer has been served. Data end is held back until the command
// response flags were cleared, as a controller only ends the data phase
// after the response.
func (h *fakeHost) update() {
	h.sts &^= FlagRXBUFH | FlagRXBUF | FlagTXBUFH
	switch h.xfer {
	case xferRead:
		if len(h.rx) >= _FIFO_HALF_WORDS {
			h.sts |= FlagRXBUFH
		}
		if len(h.rx) > 0 {
			h.sts |= FlagRXBUF
		}
		if len(h.rx) < _FIFO_HALF_WORDS && !h.dataDone && h.rspDone {
			h.sts |= FlagDTCMPL | FlagDTBLKCMPL
			h.dataDone = true
		}
	case xferWrite:
		if len(h.tx) < int(h.data.Length) {
			h.sts |= FlagTXBUFH
		} else if !h.dataDone && h.rspDone {
			h.commitWrite()
			h.sts |= FlagDTCMPL | FlagDTBLKCMPL
			h.dataDone = true
		}
	}
}

func (h *fakeHost) commitWrite() {
	h.card.write(h.txAddr, h.tx[:h.data.Length])
	h.state = CARD_PROGRAMMING
	h.progLeft = h.card.programming
}

func (h *fakeHost) startRead(data []byte) {
	h.xfer = xferRead
	h.dataDone = false
	h.rspDone = false
	h.rx = h.rx[:0]
	for i := 0; i < len(data); i += 4 {
		var w [4]byte
		copy(w[:], data[i:])
		h.rx = append(h.rx, binary.LittleEndian.Uint32(w[:]))
	}
}

func (h *fakeHost) startWrite(addr uint64) {
	h.xfer = xferWrite
	h.dataDone = false
	h.rspDone = false
	h.tx = h.tx[:0]
	h.txAddr = addr
}

// byteAddr converts a data command argument to a card byte address.
func (h *fakeHost) byteAddr(arg uint32) uint64 {
	if h.card.hc {
		return uint64(arg) * 512
	}
	return uint64(arg)
}

func (h *fakeHost) r1(cmd uint8, status uint32) {
	h.respCmd = cmd
	h.resp = [4]uint32{status | uint32(h.state)<<9 | _READY_FOR_DATA}
	h.sts |= FlagCMDRSPCMPL
}

func (h *fakeHost) timeout() {
	h.sts |= FlagCMDTIMEOUT
}

func (h *fakeHost) opCond(arg uint32) {
	h.trials++
	ocr := uint32(0x00FF8000)
	if h.trials > h.card.busy {
		ocr |= _OCR_POWER_UP
		if h.card.hc && arg&_HIGH_CAPACITY != 0 {
			ocr |= _HIGH_CAPACITY
		}
		h.state = CARD_READY
	}
	h.respCmd = 0x3F
	h.resp = [4]uint32{ocr}
	// no CRC on R3
	h.sts |= FlagCMDFAIL
}

func (h *fakeHost) SendCommand(cmd Command) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cmds = append(h.cmds, cmd)
	h.sts &^= FlagCMDFAIL | FlagCMDRSPCMPL | FlagCMDTIMEOUT | FlagCMDCMPL

	app := h.appCmd
	h.appCmd = false
	c := h.card

	if app {
		switch cmd.Index {
		case _ACMD_SD_APP_OP_COND:
			h.opCond(cmd.Argument)
			return
		case _ACMD_SET_WR_BLK_ERASE:
			h.blockCnt = cmd.Argument
			h.r1(cmd.Index, 0)
			return
		case _ACMD_SET_BUS_WIDTH:
			h.r1(cmd.Index, 0)
			return
		case _ACMD_SD_APP_SEND_SCR:
			h.r1(cmd.Index, 0)
			h.startRead(c.scr[:])
			return
		case _ACMD_SD_STATUS:
			h.r1(cmd.Index, 0)
			var sts [64]byte
			if h.width == BusWidth4 {
				sts[0] = 0x80
			}
			h.startRead(sts[:])
			return
		}
	}

	switch cmd.Index {
	case _CMD_GO_IDLE_STATE:
		h.state = 0
		h.trials = 0
		h.sts |= FlagCMDCMPL
	case _CMD_SEND_IF_COND:
		if c.mmc || !c.v2 {
			h.timeout()
			return
		}
		h.respCmd = _CMD_SEND_IF_COND
		h.resp = [4]uint32{cmd.Argument & 0xFFF}
		h.sts |= FlagCMDRSPCMPL
	case _CMD_APP_CMD:
		if c.mmc {
			h.timeout()
			return
		}
		h.appCmd = true
		h.r1(cmd.Index, 0x20)
	case _CMD_SEND_OP_COND:
		if !c.mmc {
			h.timeout()
			return
		}
		h.opCond(cmd.Argument)
	case _CMD_ALL_SEND_CID:
		h.state = CARD_IDENTIFY
		h.respCmd = 0x3F
		h.resp = c.cid
		h.sts |= FlagCMDRSPCMPL
	case _CMD_SET_REL_ADDR:
		if c.mmc {
			c.rca = uint16(cmd.Argument >> 16)
			h.r1(cmd.Index, 0)
		} else {
			h.respCmd = cmd.Index
			h.resp = [4]uint32{uint32(c.rca)<<16 | uint32(CARD_IDENTIFY)<<9}
			h.sts |= FlagCMDRSPCMPL
		}
		h.state = CARD_STANDBY
	case _CMD_SEND_CSD:
		h.respCmd = 0x3F
		h.resp = c.csd
		h.sts |= FlagCMDRSPCMPL
	case _CMD_SEL_DESEL_CARD:
		h.r1(cmd.Index, 0)
		h.state = CARD_TRANSFER
	case _CMD_HS_SWITCH:
		if c.mmc {
			h.switched = true
			h.r1(cmd.Index, 0)
			return
		}
		h.r1(cmd.Index, 0)
		var sts [64]byte
		if c.highSpeed {
			sts[13] = 1<<_FUNC_HIGH_SPEED | 1
			if cmd.Argument&0x80000000 != 0 {
				sts[16] = byte(cmd.Argument & 0x0F)
				h.switched = true
			}
		} else {
			sts[13] = 1
			sts[16] = 0x0F
		}
		h.startRead(sts[:])
	case _CMD_SEND_STATUS:
		h.r1(cmd.Index, 0)
		if h.progLeft > 0 {
			h.progLeft--
			h.resp[0] = uint32(CARD_PROGRAMMING)<<9 | _READY_FOR_DATA
			return
		}
		h.state = CARD_TRANSFER
		h.resp[0] = uint32(CARD_TRANSFER)<<9 | _READY_FOR_DATA
	case _CMD_SET_BLOCKLEN:
		h.blockLen = cmd.Argument
		h.r1(cmd.Index, 0)
	case _CMD_READ_SINGLE_BLOCK, _CMD_READ_MULT_BLOCK, _CMD_READ_DAT_UNTIL_STOP:
		h.r1(cmd.Index, 0)
		if c.stall {
			return
		}
		if c.dataErr != 0 {
			h.errPending = c.dataErr
			return
		}
		h.startRead(c.read(h.byteAddr(cmd.Argument), int(h.data.Length)))
	case _CMD_WRITE_SINGLE_BLOCK, _CMD_WRITE_MULT_BLOCK, _CMD_WRITE_DAT_UNTIL_STP:
		h.r1(cmd.Index, 0)
		if c.stall {
			return
		}
		if c.dataErr != 0 {
			h.errPending = c.dataErr
			return
		}
		h.startWrite(h.byteAddr(cmd.Argument))
	case _CMD_STOP_TRANSMISSION:
		h.r1(cmd.Index, 0)
		h.xfer = xferNone
	case _CMD_SD_ERASE_GRP_START, _CMD_ERASE_GRP_START:
		h.eraseFrom = cmd.Argument
		h.r1(cmd.Index, 0)
	case _CMD_SD_ERASE_GRP_END, _CMD_ERASE_GRP_END:
		h.eraseTo = cmd.Argument
		h.r1(cmd.Index, 0)
	case _CMD_ERASE:
		h.r1(cmd.Index, 0)
		from := h.byteAddr(h.eraseFrom)
		to := h.byteAddr(h.eraseTo) + 512
		for a := from; a < to; a++ {
			delete(c.mem, a)
		}
		h.state = CARD_PROGRAMMING
		h.progLeft = c.programming
	default:
		h.timeout()
	}
}

// commands returns the indexes of the issued commands.
func (h *fakeHost) commands() []uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := make([]uint8, len(h.cmds))
	for i, c := range h.cmds {
		idx[i] = c.Index
	}
	return idx
}

func (h *fakeHost) count(index uint8) int {
	n := 0
	for _, c := range h.commands() {
		if c == index {
			n++
		}
	}
	return n
}

// fakeDMAHost adds a DMA channel to fakeHost. Completion is signalled from
// another goroutine, the way a hardware interrupt preempts the caller.
type fakeDMAHost struct {
	*fakeHost
	irq func()

	dmaBuf  []byte
	dmaDir  Direction
	armed   bool
	pending bool
	irqs    uint32
}

func (h *fakeDMAHost) StartDMA(buf []byte, dir Direction) {
	h.dmaBuf, h.dmaDir = buf, dir
}

func (h *fakeDMAHost) EnableDMA(enable bool) {
	h.armed = enable
	if enable && h.dmaDir == ToCard {
		go h.complete()
	}
}

func (h *fakeDMAHost) EnableInterrupts(mask uint32)  { h.irqs |= mask }
func (h *fakeDMAHost) DisableInterrupts(mask uint32) { h.irqs &^= mask }

func (h *fakeDMAHost) SendCommand(cmd Command) {
	h.fakeHost.SendCommand(cmd)
	h.mu.Lock()
	h.pending = h.xfer == xferRead && h.armed && h.dmaDir == ToController
	h.mu.Unlock()
}

// ClearFlags starts a pending read once the command response has been
// validated.
func (h *fakeDMAHost) ClearFlags(mask uint32) {
	h.fakeHost.ClearFlags(mask)
	h.mu.Lock()
	start := h.pending
	h.pending = false
	h.mu.Unlock()
	if start {
		go h.complete()
	}
}

// complete moves the whole transfer and raises the data end interrupt.
func (h *fakeDMAHost) complete() {
	h.mu.Lock()
	switch h.xfer {
	case xferRead:
		n := 0
		for _, w := range h.rx {
			n = putWord(h.dmaBuf, n, w)
		}
		h.rx = h.rx[:0]
		h.dataDone = true
		h.sts |= FlagDTCMPL | FlagDTBLKCMPL
	case xferWrite:
		h.tx = append(h.tx[:0], h.dmaBuf...)
		h.commitWrite()
		h.dataDone = true
		h.sts |= FlagDTCMPL | FlagDTBLKCMPL
	default:
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.irq()
}

// register helpers

func registerWords(b [16]byte) (w [4]uint32) {
	for i := range w {
		w[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return w
}

// stdCSD is a version 1.0 CSD of a 1 GiB card: device size 0xFFF,
// multiplier 7, 512 byte blocks.
func stdCSD() [4]uint32 {
	var b [16]byte
	b[0] = 0x00
	b[1] = 0x26
	b[3] = 0x32
	b[4] = 0x5B
	b[5] = 0x59 // command classes 0x5B5, read block length 9
	b[6] = 0x03 // device size [11:10]
	b[7] = 0xFF
	b[8] = 0xC0
	b[9] = 0x03 // multiplier [2:1]
	b[10] = 0x80
	b[12] = 0x16 // write speed factor, write block length [3:2]
	b[13] = 0x40
	b[15] = 0x01
	return registerWords(b)
}

// hcCSD is a version 2.0 CSD with the given device size.
func hcCSD(size uint32) [4]uint32 {
	var b [16]byte
	b[0] = 0x40
	b[1] = 0x0E
	b[3] = 0x32
	b[4] = 0x5B
	b[5] = 0x59
	b[7] = byte(size>>16) & 0x3F
	b[8] = byte(size >> 8)
	b[9] = byte(size)
	b[10] = 0x7F
	b[11] = 0x80
	b[12] = 0x0A
	b[13] = 0x40
	b[15] = 0x01
	return registerWords(b)
}

// mmcCSD is a CSD of an MMC card with the given spec version.
func mmcCSD(spec uint8) [4]uint32 {
	w := stdCSD()
	b := registerBytes(w)
	b[0] = 0x80 | spec<<2
	return registerWords(b)
}

func testCID() [4]uint32 {
	var b [16]byte
	b[0] = 0x03
	b[1], b[2] = 'S', 'D'
	copy(b[3:8], "SU04G")
	b[8] = 0x80
	binary.BigEndian.PutUint32(b[9:], 0x12345678)
	b[13] = 0x01
	b[14] = 0x29
	b[15] = 0xFF
	return registerWords(b)
}

// scrBytes returns an SCR with the given spec version and bus widths.
func scrBytes(spec, widths uint8) [8]byte {
	return [8]byte{spec & 0x0F, 0x80 | widths&0x0F, 0, 0, 0, 0, 0, 0}
}

func newSDv1() *fakeCard {
	return &fakeCard{
		busy: 2,
		rca:  0xB368,
		cid:  testCID(),
		csd:  stdCSD(),
		scr:  scrBytes(0, 0x5),
	}
}

func newSDHC() *fakeCard {
	return &fakeCard{
		v2:        true,
		hc:        true,
		rca:       0xAAAA,
		cid:       testCID(),
		csd:       hcCSD(0x1D9F),
		scr:       scrBytes(2, 0x5),
		highSpeed: true,
	}
}

func newMMC(spec uint8) *fakeCard {
	return &fakeCard{
		mmc: true,
		cid: testCID(),
		csd: mmcCSD(spec),
	}
}
