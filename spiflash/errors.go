package spiflash

import "errors"

var (
	ErrDeviceNotFound = errors.New("spiflash: device not found")
	ErrNotConfigured  = errors.New("spiflash: device not configured")
	ErrJEDECMismatch  = errors.New("spiflash: unexpected JEDEC id")
	ErrTimeout        = errors.New("spiflash: timeout waiting for device ready")
	ErrOutOfRange     = errors.New("spiflash: address out of range")
	ErrNoMemory       = errors.New("spiflash: sector larger than scratch buffer")
)
