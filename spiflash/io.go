package spiflash

import (
	"io"
	"time"

	"golang.org/x/exp/slog"
)

// pollReady reads the status register until the busy bit clears. Long
// budgets sleep between polls so chip erase does not hog the bus.
func (d *Device) pollReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		sr, err := d.ReadStatus()
		if err != nil {
			return err
		}
		if sr&_SR_BUSY == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		if timeout > time.Second {
			time.Sleep(time.Millisecond)
		}
	}
}

func (d *Device) checkRange(addr uint32, n int) error {
	if d.part == nil {
		return ErrNotConfigured
	}
	if uint64(addr)+uint64(n) > uint64(d.part.Size) {
		return ErrOutOfRange
	}
	return nil
}

// Read fills buf with the content of the flash starting at addr.
func (d *Device) Read(buf []byte, addr uint32) error {
	if err := d.checkRange(addr, len(buf)); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	return d.transaction(d.address(_CMD_READ, addr), nil, buf)
}

// Write stores buf at addr. Sectors whose target bytes are already erased
// are programmed in place, any other sector is read, erased and rewritten
// with the new bytes merged in.
func (d *Device) Write(buf []byte, addr uint32) error {
	if err := d.checkRange(addr, len(buf)); err != nil {
		return err
	}

	size := d.part.SectorSize
	sector := addr / size
	offset := addr % size
	for len(buf) > 0 {
		remain := size - offset
		if uint32(len(buf)) < remain {
			remain = uint32(len(buf))
		}

		base := sector * size
		scratch := d.scratch[:size]
		if err := d.Read(scratch, base); err != nil {
			return err
		}

		if blank(scratch[offset : offset+remain]) {
			if err := d.program(buf[:remain], base+offset); err != nil {
				return err
			}
		} else {
			d.debug("sector rewrite", slog.Uint64("sector", uint64(sector)))
			if err := d.EraseSector(base); err != nil {
				return err
			}
			copy(scratch[offset:], buf[:remain])
			if err := d.program(scratch, base); err != nil {
				return err
			}
		}

		buf = buf[remain:]
		sector++
		offset = 0
	}
	return nil
}

func blank(b []byte) bool {
	for _, c := range b {
		if c != _ERASED {
			return false
		}
	}
	return true
}

// program splits data into page program commands so that none of them
// crosses a page boundary.
func (d *Device) program(data []byte, addr uint32) error {
	page := d.part.PageSize
	for len(data) > 0 {
		n := page - addr%page
		if uint32(len(data)) < n {
			n = uint32(len(data))
		}
		if err := d.programPage(data[:n], addr); err != nil {
			return err
		}
		data = data[n:]
		addr += n
	}
	return nil
}

func (d *Device) programPage(data []byte, addr uint32) error {
	if err := d.writeEnable(); err != nil {
		return err
	}
	if err := d.transaction(d.address(_CMD_PP, addr), data, nil); err != nil {
		return err
	}
	return d.part.family.waitReady(d, opProgram)
}

// EraseSector erases the sector containing addr.
func (d *Device) EraseSector(addr uint32) error {
	if err := d.checkRange(addr, 1); err != nil {
		return err
	}
	addr -= addr % d.part.SectorSize
	if err := d.writeEnable(); err != nil {
		return err
	}
	if err := d.transaction(d.address(_CMD_SE, addr), nil, nil); err != nil {
		return err
	}
	return d.part.family.waitReady(d, opSectorErase)
}

// EraseChip erases the whole part. It can take tens of seconds.
func (d *Device) EraseChip() error {
	if d.part == nil {
		return ErrNotConfigured
	}
	if err := d.writeEnable(); err != nil {
		return err
	}
	if err := d.transaction([]byte{_CMD_CE}, nil, nil); err != nil {
		return err
	}
	d.info("chip erase", slog.String("part", d.part.Name))
	return d.part.family.waitReady(d, opChipErase)
}

// ReadAt implements io.ReaderAt.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if d.part == nil {
		return 0, ErrNotConfigured
	}
	if off < 0 {
		return 0, ErrOutOfRange
	}
	size := int64(d.Size())
	if off >= size {
		return 0, io.EOF
	}
	n := len(p)
	if int64(n) > size-off {
		n = int(size - off)
	}
	if err := d.Read(p[:n], uint32(off)); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(d.Size()) {
		return 0, ErrOutOfRange
	}
	if err := d.Write(p, uint32(off)); err != nil {
		return 0, err
	}
	return len(p), nil
}
