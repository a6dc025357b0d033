package spiflash

import (
	"fmt"
	"time"

	"golang.org/x/exp/slog"
)

// Part describes a supported flash memory.
type Part struct {
	Name string
	// ID is the manufacturer and device signature returned by REMS (0x90).
	ID uint16
	// JEDEC is the expected RDID (0x9F) answer, 0 when it is not checked.
	JEDEC      uint32
	Size       uint32
	SectorSize uint32
	PageSize   uint32

	family family
}

// operation selects the ready timeout a family applies.
type operation uint8

const (
	opProgram operation = iota
	opRegister
	opSectorErase
	opChipErase
)

const (
	_tPP = 10 * time.Millisecond
	_tW  = 15 * time.Millisecond
	_tSE = time.Second

	_WINBOND_tCE    = 100 * time.Second
	_RENESAS_tCE    = 30 * time.Second
	_GIGADEVICE_tCE = 40 * time.Second

	_GD_SR_QE   = 1 << 9
	_REN_SR2_QE = 0x02
)

func timeout(op operation, tCE time.Duration) time.Duration {
	switch op {
	case opProgram:
		return _tPP
	case opRegister:
		return _tW
	case opSectorErase:
		return _tSE
	}
	return tCE
}

// family is the part specific behavior. The set of implementations is
// closed: winbond, gigadevice and renesas.
type family interface {
	init(d *Device) error
	waitReady(d *Device, op operation) error
}

var parts = [...]Part{
	{
		Name:       "GD25LQ16",
		ID:         0xC814,
		Size:       0x00200000,
		SectorSize: 0x1000,
		PageSize:   256,
		family:     gigadevice{},
	},
	{
		Name:       "W25X32",
		ID:         0xEF15,
		JEDEC:      0xEF3016,
		Size:       0x00400000,
		SectorSize: 0x1000,
		PageSize:   256,
		family:     winbond{},
	},
	{
		Name:       "W25Q64",
		ID:         0xEF16,
		Size:       0x00800000,
		SectorSize: 0x1000,
		PageSize:   256,
		family:     winbond{},
	},
	{
		Name:       "W25Q128",
		ID:         0xEF17,
		Size:       0x01000000,
		SectorSize: 0x1000,
		PageSize:   256,
		family:     winbond{},
	},
	{
		Name:       "AT25SF321B",
		ID:         0x1F15,
		JEDEC:      0x1F8701,
		Size:       0x00400000,
		SectorSize: 0x1000,
		PageSize:   256,
		family:     renesas{},
	},
}

func lookup(id uint16) (*Part, bool) {
	for i := range parts {
		if parts[i].ID == id {
			return &parts[i], true
		}
	}
	return nil, false
}

func maxSectorSize() uint32 {
	var n uint32
	for _, p := range parts {
		if p.SectorSize > n {
			n = p.SectorSize
		}
	}
	return n
}

// checkJEDEC rejects parts answering REMS like a known device but with a
// different JEDEC id, which is how relabeled parts show up.
func (d *Device) checkJEDEC() error {
	if d.part.JEDEC == 0 {
		return nil
	}
	id, err := d.ReadJEDECID()
	if err != nil {
		return err
	}
	if id != d.part.JEDEC {
		d.warn("jedec mismatch", slog.String("part", d.part.Name), slog.Uint64("jedec", uint64(id)))
		return fmt.Errorf("%w: %06X, want %06X", ErrJEDECMismatch, id, d.part.JEDEC)
	}
	return nil
}

type winbond struct{}

func (winbond) init(d *Device) error {
	return d.checkJEDEC()
}

func (winbond) waitReady(d *Device, op operation) error {
	return d.pollReady(timeout(op, _WINBOND_tCE))
}

// gigadevice parts come out of the factory with quad mode on for some
// variants. The driver only speaks single line SPI, so QE is cleared.
type gigadevice struct{}

func (gigadevice) init(d *Device) error {
	sr2, err := d.readRegister(_CMD_RDSR2)
	if err != nil {
		return err
	}
	sr1, err := d.ReadStatus()
	if err != nil {
		return err
	}
	sr := uint16(sr2)<<8 | uint16(sr1)
	if sr&_GD_SR_QE == 0 {
		return nil
	}

	d.debug("clearing quad enable", slog.Uint64("sr", uint64(sr)))
	sr &^= _GD_SR_QE
	if err := d.writeEnable(); err != nil {
		return err
	}
	if err := d.transaction([]byte{_CMD_WRSR, byte(sr), byte(sr >> 8)}, nil, nil); err != nil {
		return err
	}
	return gigadevice{}.waitReady(d, opRegister)
}

func (gigadevice) waitReady(d *Device, op operation) error {
	return d.pollReady(timeout(op, _GIGADEVICE_tCE))
}

type renesas struct{}

func (renesas) init(d *Device) error {
	if err := d.checkJEDEC(); err != nil {
		return err
	}
	sr2, err := d.readRegister(_CMD_RDSR2)
	if err != nil {
		return err
	}
	if sr2&_REN_SR2_QE == 0 {
		return nil
	}

	d.debug("clearing quad enable", slog.Uint64("sr2", uint64(sr2)))
	if err := d.writeEnable(); err != nil {
		return err
	}
	if err := d.transaction([]byte{_CMD_WRSR2, sr2 &^ _REN_SR2_QE}, nil, nil); err != nil {
		return err
	}
	return renesas{}.waitReady(d, opRegister)
}

func (renesas) waitReady(d *Device, op operation) error {
	return d.pollReady(timeout(op, _RENESAS_tCE))
}
