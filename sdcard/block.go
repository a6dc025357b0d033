package sdcard

import "math/bits"

const (
	_MAX_BLOCK_SIZE = 2048
	_HC_BLOCK_SIZE  = 512
	_CCC_ERASE      = 1 << 5
)

// blockSizeCode returns the data path code of a block size. Valid sizes are
// powers of two from 1 to 2048.
func blockSizeCode(size uint32) (uint8, bool) {
	if size == 0 || size > _MAX_BLOCK_SIZE || size&(size-1) != 0 {
		return 0, false
	}
	return uint8(bits.TrailingZeros32(size)), true
}

// request holds the validated addressing of a block transfer.
type request struct {
	arg  uint32
	size uint32
	code uint8
}

// prepare validates a block transfer and converts its address to the command
// argument. No command is issued.
func (d *Device) prepare(buf []byte, addr uint64, blockSize, nblks uint32) (request, error) {
	code, ok := blockSizeCode(blockSize)
	if buf == nil || !ok || nblks == 0 {
		return request{}, ErrInvalidParameter
	}
	if !d.configured {
		return request{}, ErrNotConfigured
	}

	r := request{size: blockSize, code: code}
	if d.card.Type.blockAddressed() {
		r.size, r.code = _HC_BLOCK_SIZE, 9
		r.arg = uint32(addr >> 9)
	} else {
		if addr > 0xFFFFFFFF {
			return request{}, ErrAddrOutOfRange
		}
		r.arg = uint32(addr)
	}

	total := uint64(r.size) * uint64(nblks)
	if total > _MAX_DATA_LENGTH || uint64(len(buf)) < total {
		return request{}, ErrInvalidParameter
	}
	return r, nil
}

// locked reports the card lock bit of the last R1 response.
func (d *Device) locked() bool {
	return d.host.Response(0)&_CARD_LOCKED != 0
}

// setBlockLen programs the block length on byte addressed cards. High
// capacity cards have a fixed block length of 512.
func (d *Device) setBlockLen(size uint32) error {
	if d.card.Type.blockAddressed() {
		return nil
	}
	d.host.SendCommand(Command{Index: _CMD_SET_BLOCKLEN, Argument: size, Response: ResponseShort})
	return d.checkR1(_CMD_SET_BLOCKLEN)
}

// ReadBlock reads one block of blockSize bytes at byte address addr.
func (d *Device) ReadBlock(buf []byte, addr uint64, blockSize uint32) error {
	return d.read(buf, addr, blockSize, 1)
}

// ReadBlocks reads nblks consecutive blocks starting at byte address addr.
func (d *Device) ReadBlocks(buf []byte, addr uint64, blockSize, nblks uint32) error {
	return d.read(buf, addr, blockSize, nblks)
}

func (d *Device) read(buf []byte, addr uint64, blockSize, nblks uint32) error {
	r, err := d.prepare(buf, addr, blockSize, nblks)
	if err != nil {
		return err
	}
	d.resetDataPath()
	if d.locked() {
		return ErrLockUnlock
	}
	if err := d.setBlockLen(r.size); err != nil {
		return err
	}

	cmd := uint8(_CMD_READ_SINGLE_BLOCK)
	if nblks > 1 {
		cmd = _CMD_READ_MULT_BLOCK
	}
	return d.run(transfer{
		cmd: Command{Index: cmd, Argument: r.arg, Response: ResponseShort},
		data: DataConfig{
			BlockSize: r.code,
			Length:    r.size * nblks,
			Timeout:   _DATA_TIMEOUT,
			Direction: ToController,
			Shape:     ShapeBlock,
		},
		buf:  buf,
		stop: nblks > 1,
	})
}

// WriteBlock writes one block of blockSize bytes at byte address addr and
// waits for the card to commit it.
func (d *Device) WriteBlock(buf []byte, addr uint64, blockSize uint32) error {
	return d.write(buf, addr, blockSize, 1)
}

// WriteBlocks writes nblks consecutive blocks starting at byte address addr.
func (d *Device) WriteBlocks(buf []byte, addr uint64, blockSize, nblks uint32) error {
	return d.write(buf, addr, blockSize, nblks)
}

func (d *Device) write(buf []byte, addr uint64, blockSize, nblks uint32) error {
	r, err := d.prepare(buf, addr, blockSize, nblks)
	if err != nil {
		return err
	}
	d.resetDataPath()
	if d.locked() {
		return ErrLockUnlock
	}
	if err := d.setBlockLen(r.size); err != nil {
		return err
	}
	if err := d.waitReadyForData(); err != nil {
		return err
	}

	cmd := uint8(_CMD_WRITE_SINGLE_BLOCK)
	if nblks > 1 {
		cmd = _CMD_WRITE_MULT_BLOCK
		if !d.card.Type.isMMC() {
			// pre-erase hint, lets the card prepare nblks blocks
			if err := d.appCmd(); err != nil {
				return err
			}
			d.host.SendCommand(Command{Index: _ACMD_SET_WR_BLK_ERASE, Argument: nblks, Response: ResponseShort})
			if err := d.checkR1(_ACMD_SET_WR_BLK_ERASE); err != nil {
				return err
			}
		}
	}

	err = d.run(transfer{
		cmd: Command{Index: cmd, Argument: r.arg, Response: ResponseShort},
		data: DataConfig{
			BlockSize: r.code,
			Length:    r.size * nblks,
			Timeout:   _DATA_TIMEOUT,
			Direction: ToCard,
			Shape:     ShapeBlock,
		},
		buf:  buf,
		stop: nblks > 1,
	})
	if err != nil {
		return err
	}
	return d.waitProgramming()
}

// appCmd announces an application specific command to the card.
func (d *Device) appCmd() error {
	d.host.SendCommand(Command{Index: _CMD_APP_CMD, Argument: uint32(d.card.RCA) << 16, Response: ResponseShort})
	return d.checkR1(_CMD_APP_CMD)
}

// Erase erases nblks blocks of 512 bytes starting at byte address addr.
func (d *Device) Erase(addr uint64, nblks uint32) error {
	if nblks == 0 {
		return ErrInvalidParameter
	}
	if !d.configured {
		return ErrNotConfigured
	}
	if d.card.CSD.CardCmdClasses&_CCC_ERASE == 0 {
		return ErrRequestNotApplicable
	}

	var start, end uint32
	if d.card.Type.blockAddressed() {
		start = uint32(addr >> 9)
		end = start + nblks - 1
	} else {
		if addr+uint64(nblks-1)*_HC_BLOCK_SIZE > 0xFFFFFFFF {
			return ErrAddrOutOfRange
		}
		start = uint32(addr)
		end = start + (nblks-1)*_HC_BLOCK_SIZE
	}

	d.resetDataPath()
	if d.locked() {
		return ErrLockUnlock
	}

	startCmd, endCmd := uint8(_CMD_SD_ERASE_GRP_START), uint8(_CMD_SD_ERASE_GRP_END)
	if d.card.Type.isMMC() {
		startCmd, endCmd = _CMD_ERASE_GRP_START, _CMD_ERASE_GRP_END
	}
	d.host.SendCommand(Command{Index: startCmd, Argument: start, Response: ResponseShort})
	if err := d.checkR1(startCmd); err != nil {
		return err
	}
	d.host.SendCommand(Command{Index: endCmd, Argument: end, Response: ResponseShort})
	if err := d.checkR1(endCmd); err != nil {
		return err
	}
	d.host.SendCommand(Command{Index: _CMD_ERASE, Response: ResponseShort})
	if err := d.checkR1(_CMD_ERASE); err != nil {
		return err
	}
	return d.waitProgramming()
}

// ReadSectors reads count blocks of the card block size starting at sector.
func (d *Device) ReadSectors(buf []byte, sector, count uint32) error {
	bs := d.card.BlockSize
	addr := uint64(sector) * uint64(bs)
	if count == 1 {
		return d.ReadBlock(buf, addr, bs)
	}
	return d.ReadBlocks(buf, addr, bs, count)
}

// WriteSectors writes count blocks of the card block size starting at
// sector.
func (d *Device) WriteSectors(buf []byte, sector, count uint32) error {
	bs := d.card.BlockSize
	addr := uint64(sector) * uint64(bs)
	if count == 1 {
		return d.WriteBlock(buf, addr, bs)
	}
	return d.WriteBlocks(buf, addr, bs, count)
}

func (d *Device) checkRange(n int, off int64) error {
	if !d.configured {
		return ErrNotConfigured
	}
	if off < 0 || uint64(off)+uint64(n) > d.card.Capacity {
		return ErrAddrOutOfRange
	}
	return nil
}

// ReadAt implements io.ReaderAt.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if err := d.checkRange(len(p), off); err != nil {
		return 0, err
	}
	bs := int64(d.card.BlockSize)
	if off%bs == 0 && int64(len(p))%bs == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		if err := d.ReadSectors(p, uint32(off/bs), uint32(int64(len(p))/bs)); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	scratch := d.scratch()
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		sector := pos / bs
		if err := d.ReadSectors(scratch, uint32(sector), 1); err != nil {
			return n, err
		}
		n += copy(p[n:], scratch[pos-sector*bs:])
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Partial blocks are read back and merged
// before being written.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if err := d.checkRange(len(p), off); err != nil {
		return 0, err
	}
	bs := int64(d.card.BlockSize)
	if off%bs == 0 && int64(len(p))%bs == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		if err := d.WriteSectors(p, uint32(off/bs), uint32(int64(len(p))/bs)); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	scratch := d.scratch()
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		sector := pos / bs
		start := pos - sector*bs
		if start != 0 || int64(len(p)-n) < bs {
			if err := d.ReadSectors(scratch, uint32(sector), 1); err != nil {
				return n, err
			}
		}
		c := copy(scratch[start:], p[n:])
		if err := d.WriteSectors(scratch, uint32(sector), 1); err != nil {
			return n, err
		}
		n += c
	}
	return n, nil
}

func (d *Device) scratch() []byte {
	if len(d.block) != int(d.card.BlockSize) {
		d.block = make([]byte, d.card.BlockSize)
	}
	return d.block
}
