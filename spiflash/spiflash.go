// Package spiflash implements a driver for SPI NOR flash memories.
//
// The part is identified at start-up from a small table of known devices.
// Writes are sector safe: a sector is only erased when the bytes being
// written are not blank already.
package spiflash // import "github.com/r315/usb-msc/spiflash"

import (
	"fmt"

	"golang.org/x/exp/slog"
	"tinygo.org/x/drivers"
)

const (
	_CMD_WRSR  = 0x01
	_CMD_PP    = 0x02
	_CMD_READ  = 0x03
	_CMD_RDSR  = 0x05
	_CMD_WREN  = 0x06
	_CMD_SE    = 0x20
	_CMD_WRSR2 = 0x31
	_CMD_RDSR2 = 0x35
	_CMD_REMS  = 0x90
	_CMD_RDID  = 0x9F
	_CMD_CE    = 0xC7

	_SR_BUSY = 0x01
	_SR_WEL  = 0x02

	_ERASED = 0xFF

	// block size reported to filesystem and mass storage glue
	BLOCK_SIZE = 512
)

// Pin is the chip select line. machine.Pin satisfies it.
type Pin interface {
	High()
	Low()
}

// Config holds the optional driver settings.
type Config struct {
	// Logger receives driver traces. Nil disables logging.
	Logger *slog.Logger
}

// Device is a SPI NOR flash attached to a SPI bus. Calls must be serialized
// by the caller.
type Device struct {
	bus drivers.SPI
	cs  Pin
	log *slog.Logger

	part    *Part
	cmd     [4]byte
	scratch []byte
}

// New returns a flash driver using the given bus and chip select pin. The
// part is not touched until Configure.
func New(bus drivers.SPI, cs Pin) *Device {
	return &Device{
		bus:     bus,
		cs:      cs,
		scratch: make([]byte, maxSectorSize()),
	}
}

// Configure applies the configuration and identifies the part. A nil config
// selects the defaults.
func (d *Device) Configure(config *Config) error {
	d.log = nil
	if config != nil {
		d.log = config.Logger
	}
	if d.log == nil {
		d.log = defaultLogger()
	}
	d.cs.High()
	return d.Init()
}

// Init reads the electronic signature of the part and selects the matching
// entry of the device table, then runs the part specific setup.
func (d *Device) Init() error {
	d.part = nil

	id, err := d.ReadID()
	if err != nil {
		return err
	}

	p, ok := lookup(id)
	if !ok {
		d.warn("unknown part", slog.Uint64("id", uint64(id)))
		return fmt.Errorf("%w: id %04X", ErrDeviceNotFound, id)
	}
	if int(p.SectorSize) > len(d.scratch) {
		return ErrNoMemory
	}

	d.part = p
	if err := p.family.init(d); err != nil {
		d.part = nil
		return err
	}

	d.info("flash ready",
		slog.String("part", p.Name),
		slog.Uint64("size", uint64(p.Size)),
		slog.Uint64("sector", uint64(p.SectorSize)),
		slog.Uint64("page", uint64(p.PageSize)))
	return nil
}

// Part returns the active device descriptor, the zero Part when no device
// was identified.
func (d *Device) Part() Part {
	if d.part == nil {
		return Part{}
	}
	return *d.part
}

func (d *Device) Name() string {
	if d.part == nil {
		return ""
	}
	return d.part.Name
}

// Size returns the capacity of the part in bytes.
func (d *Device) Size() uint32 {
	if d.part == nil {
		return 0
	}
	return d.part.Size
}

func (d *Device) SectorSize() uint32 {
	if d.part == nil {
		return 0
	}
	return d.part.SectorSize
}

func (d *Device) PageSize() uint32 {
	if d.part == nil {
		return 0
	}
	return d.part.PageSize
}

// Capacity returns the size of the part in BLOCK_SIZE blocks.
func (d *Device) Capacity() (blockCount uint32, blockSize uint32) {
	if d.part == nil {
		return 0, 0
	}
	return d.part.Size / BLOCK_SIZE, BLOCK_SIZE
}

// ReadID returns the 16-bit manufacturer and device signature.
func (d *Device) ReadID() (uint16, error) {
	var id [2]byte
	d.cmd = [4]byte{_CMD_REMS, 0, 0, 0}
	if err := d.transaction(d.cmd[:], nil, id[:]); err != nil {
		return 0, err
	}
	return uint16(id[0])<<8 | uint16(id[1]), nil
}

// ReadJEDECID returns the 24-bit JEDEC manufacturer, memory type and
// capacity identifier.
func (d *Device) ReadJEDECID() (uint32, error) {
	var id [3]byte
	if err := d.transaction([]byte{_CMD_RDID}, nil, id[:]); err != nil {
		return 0, err
	}
	return uint32(id[0])<<16 | uint32(id[1])<<8 | uint32(id[2]), nil
}

// ReadStatus returns the first status register. Bit 0 is set while the part
// is busy.
func (d *Device) ReadStatus() (uint8, error) {
	return d.readRegister(_CMD_RDSR)
}

func (d *Device) readRegister(op byte) (uint8, error) {
	var sr [1]byte
	if err := d.transaction([]byte{op}, nil, sr[:]); err != nil {
		return 0, err
	}
	return sr[0], nil
}

func (d *Device) writeEnable() error {
	return d.transaction([]byte{_CMD_WREN}, nil, nil)
}

// transaction runs one chip select cycle: the command and address bytes,
// then an optional payload to send or a buffer to fill.
func (d *Device) transaction(cmd, w, r []byte) error {
	d.cs.Low()
	defer d.cs.High()

	if err := d.bus.Tx(cmd, nil); err != nil {
		return fmt.Errorf("spiflash: command %02X: %w", cmd[0], err)
	}
	if len(w) > 0 {
		if err := d.bus.Tx(w, nil); err != nil {
			return fmt.Errorf("spiflash: command %02X: %w", cmd[0], err)
		}
	}
	if len(r) > 0 {
		if err := d.bus.Tx(nil, r); err != nil {
			return fmt.Errorf("spiflash: command %02X: %w", cmd[0], err)
		}
	}
	return nil
}

func (d *Device) address(op byte, addr uint32) []byte {
	d.cmd = [4]byte{op, byte(addr >> 16), byte(addr >> 8), byte(addr)}
	return d.cmd[:]
}
