// Package mscdisk presents a block storage engine as the backing store of a
// USB mass storage class.
//
// Disk has the method set of the Storage interface of the softusb msc class
// (BlockSize, BlockCount, Read, Write, Sync, IsReadOnly, IsRemovable,
// IsPresent, Eject), so it can be handed to that class or to any glue built
// around the same contract.
package mscdisk // import "github.com/r315/usb-msc/mscdisk"

import (
	"io"
	"os"
	"sync"

	"golang.org/x/exp/slog"
)

// BlockDevice is implemented by sdcard.Device and spiflash.Device.
type BlockDevice interface {
	Init() error
	Capacity() (blockCount uint32, blockSize uint32)
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Config holds the options of a Disk.
type Config struct {
	ReadOnly  bool
	Removable bool
	Logger    *slog.Logger
}

// Disk serves block requests from a BlockDevice.
type Disk struct {
	mu        sync.RWMutex
	dev       BlockDevice
	log       *slog.Logger
	readOnly  bool
	removable bool
	present   bool
}

// New returns a Disk over an already configured device. A nil config gives
// a writable, fixed disk.
func New(dev BlockDevice, config *Config) *Disk {
	if config == nil {
		config = &Config{}
	}
	return &Disk{
		dev:       dev,
		log:       config.Logger,
		readOnly:  config.ReadOnly,
		removable: config.Removable,
		present:   true,
	}
}

func (d *Disk) BlockSize() uint32 {
	_, size := d.dev.Capacity()
	return size
}

func (d *Disk) BlockCount() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.present {
		return 0
	}
	count, _ := d.dev.Capacity()
	return uint64(count)
}

// span converts a block request into a byte offset and length.
func (d *Disk) span(lba uint64, blocks uint32, buf []byte) (int64, int, error) {
	if !d.present {
		return 0, 0, io.EOF
	}
	count, size := d.dev.Capacity()
	if size == 0 || lba+uint64(blocks) > uint64(count) {
		return 0, 0, io.EOF
	}
	length := uint64(blocks) * uint64(size)
	if uint64(len(buf)) < length {
		return 0, 0, io.ErrShortBuffer
	}
	return int64(lba * uint64(size)), int(length), nil
}

// Read reads blocks starting at lba into buf and returns the number of
// blocks read.
func (d *Disk) Read(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	off, n, err := d.span(lba, blocks, buf)
	if err != nil {
		return 0, err
	}
	if _, err := d.dev.ReadAt(buf[:n], off); err != nil {
		d.logerror("read", lba, blocks, err)
		return 0, err
	}
	return blocks, nil
}

// Write writes blocks from buf starting at lba and returns the number of
// blocks written.
func (d *Disk) Write(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readOnly {
		return 0, os.ErrPermission
	}
	off, n, err := d.span(lba, blocks, buf)
	if err != nil {
		return 0, err
	}
	if _, err := d.dev.WriteAt(buf[:n], off); err != nil {
		d.logerror("write", lba, blocks, err)
		return 0, err
	}
	return blocks, nil
}

// Sync is a no-op, both engines write through.
func (d *Disk) Sync() error {
	return nil
}

func (d *Disk) IsReadOnly() bool {
	return d.readOnly
}

func (d *Disk) IsRemovable() bool {
	return d.removable
}

func (d *Disk) IsPresent() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.present
}

// Eject marks removable media as gone. Requests fail until Load.
func (d *Disk) Eject() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.removable {
		return os.ErrPermission
	}
	d.present = false
	return nil
}

// Load re-initializes the device and marks the media present again.
func (d *Disk) Load() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dev.Init(); err != nil {
		d.present = false
		return err
	}
	d.present = true
	return nil
}

func (d *Disk) logerror(op string, lba uint64, blocks uint32, err error) {
	if d.log == nil {
		return
	}
	d.log.Error(op,
		slog.Uint64("lba", lba),
		slog.Uint64("blocks", uint64(blocks)),
		slog.String("err", err.Error()))
}
