package sdcard

import (
	"time"

	"golang.org/x/exp/slog"
)

const (
	_FIFO_HALF_WORDS = 8

	_READ_DONE  = FlagRXERRO | FlagDTFAIL | FlagDTTIMEOUT | FlagDTCMPL | FlagSBITERR
	_WRITE_DONE = FlagTXERRU | FlagDTFAIL | FlagDTTIMEOUT | FlagDTCMPL | FlagSBITERR
	_DATA_IRQS  = FlagDTCMPL | FlagDTFAIL | FlagDTTIMEOUT | FlagRXERRO | FlagTXERRU | FlagSBITERR
)

// transfer is one command with a data phase.
type transfer struct {
	cmd  Command
	data DataConfig
	buf  []byte
	// stop sends STOP_TRANSMISSION once the data phase completed
	stop bool
}

// resetDataPath clears the data path configuration left by a previous
// transfer.
func (d *Device) resetDataPath() {
	d.host.ConfigureData(DataConfig{})
	d.host.EnableData(false)
}

// run executes t with the configured transfer mode.
func (d *Device) run(t transfer) error {
	d.host.ConfigureData(t.data)
	d.host.EnableData(true)

	d.debug("data phase",
		slog.Uint64("cmd", uint64(t.cmd.Index)),
		slog.Uint64("arg", uint64(t.cmd.Argument)),
		slog.Uint64("len", uint64(t.data.Length)))

	if d.cfg.TransferMode == DMAMode {
		return d.runDMA(t)
	}

	d.host.SendCommand(t.cmd)
	if err := d.checkR1(t.cmd.Index); err != nil {
		return err
	}

	buf := t.buf[:t.data.Length]
	var err error
	if t.data.Direction == ToController {
		err = d.pollRead(buf)
	} else {
		err = d.pollWrite(buf)
	}
	if err != nil {
		return err
	}

	sts := d.host.Status()
	if err := d.dataError(sts); err != nil {
		return err
	}
	if t.stop && sts&FlagDTCMPL != 0 {
		if err := d.stopTransmission(); err != nil {
			return err
		}
	}
	d.host.ClearFlags(FlagsStatic)
	return nil
}

// pollRead drains the receive FIFO into buf.
func (d *Device) pollRead(buf []byte) error {
	n := 0
	timeout := d.cfg.DataTimeout
	for {
		sts := d.host.Status()
		if sts&_READ_DONE != 0 {
			break
		}
		if sts&FlagRXBUFH != 0 {
			for i := 0; i < _FIFO_HALF_WORDS; i++ {
				n = putWord(buf, n, d.host.ReadFIFO())
			}
			timeout = d.cfg.DataTimeout
			continue
		}
		timeout--
		if timeout == 0 {
			d.warn("read data timeout", slog.Int("received", n))
			d.autoRecover()
			return ErrDataTimeout
		}
	}

	// words left behind the last half full mark
	for i := 0; d.host.Status()&FlagRXBUF != 0 && i < len(buf)/4+2*_FIFO_HALF_WORDS; i++ {
		n = putWord(buf, n, d.host.ReadFIFO())
	}
	return nil
}

// pollWrite feeds buf into the transmit FIFO.
func (d *Device) pollWrite(buf []byte) error {
	n := 0
	timeout := d.cfg.DataTimeout
	for {
		sts := d.host.Status()
		if sts&_WRITE_DONE != 0 {
			return nil
		}
		if sts&FlagTXBUFH != 0 && n < len(buf) {
			for i := 0; i < _FIFO_HALF_WORDS && n < len(buf); i++ {
				var w uint32
				w, n = getWord(buf, n)
				d.host.WriteFIFO(w)
			}
			timeout = d.cfg.DataTimeout
			continue
		}
		timeout--
		if timeout == 0 {
			d.warn("write data timeout", slog.Int("sent", n))
			d.autoRecover()
			return ErrDataTimeout
		}
	}
}

// dataError returns the error flagged by the data path. Several flags may
// be raised together, the first in this order wins.
func (d *Device) dataError(sts uint32) error {
	switch {
	case sts&FlagDTTIMEOUT != 0:
		d.host.ClearFlags(FlagDTTIMEOUT)
		return ErrDataTimeout
	case sts&FlagDTFAIL != 0:
		d.host.ClearFlags(FlagDTFAIL)
		return ErrDataFail
	case sts&FlagRXERRO != 0:
		d.host.ClearFlags(FlagRXERRO)
		return ErrRxOverrun
	case sts&FlagTXERRU != 0:
		d.host.ClearFlags(FlagTXERRU)
		return ErrTxUnderrun
	case sts&FlagSBITERR != 0:
		d.host.ClearFlags(FlagSBITERR)
		return ErrStartBit
	}
	return nil
}

func (d *Device) stopTransmission() error {
	d.host.SendCommand(Command{Index: _CMD_STOP_TRANSMISSION, Response: ResponseShort})
	return d.checkR1(_CMD_STOP_TRANSMISSION)
}

// runDMA executes t with the DMA channel moving the data. The caller blocks
// until HandleInterrupt reports the end of the transfer or the DMA timeout
// expires.
func (d *Device) runDMA(t transfer) error {
	d.stopFlag = t.stop
	select {
	case <-d.xferDone:
	default:
	}

	buf := t.buf[:t.data.Length]
	d.host.ClearFlags(FlagsStatic)
	d.dma.EnableInterrupts(_DATA_IRQS)
	if t.data.Direction == ToController {
		d.dma.StartDMA(buf, ToController)
		d.dma.EnableDMA(true)
	}

	d.host.SendCommand(t.cmd)
	if err := d.checkR1(t.cmd.Index); err != nil {
		d.dma.DisableInterrupts(_DATA_IRQS)
		d.dma.EnableDMA(false)
		return err
	}

	if t.data.Direction == ToCard {
		d.dma.StartDMA(buf, ToCard)
		d.dma.EnableDMA(true)
	}

	timer := time.NewTimer(d.cfg.DMATimeout)
	defer timer.Stop()
	select {
	case err := <-d.xferDone:
		d.dma.EnableDMA(false)
		return err
	case <-timer.C:
		d.dma.DisableInterrupts(_DATA_IRQS)
		d.dma.EnableDMA(false)
		d.warn("dma transfer timeout")
		d.autoRecover()
		return ErrDataTimeout
	}
}

// HandleInterrupt serves the SDIO interrupt of a DMA mode transfer and wakes
// up the waiting caller. Boards route the controller interrupt here.
func (d *Device) HandleInterrupt() {
	if d.dma == nil {
		return
	}
	sts := d.host.Status()
	var err error
	switch {
	case sts&(FlagDTTIMEOUT|FlagDTFAIL|FlagRXERRO|FlagTXERRU|FlagSBITERR) != 0:
		err = d.dataError(sts)
	case sts&FlagDTCMPL != 0:
		if d.stopFlag {
			err = d.stopTransmission()
		}
		d.host.ClearFlags(FlagDTCMPL)
	default:
		return
	}
	d.dma.DisableInterrupts(_DATA_IRQS)

	select {
	case d.xferDone <- err:
	default:
	}
}

// putWord stores a FIFO word at buf[n:] and returns the next offset.
func putWord(buf []byte, n int, w uint32) int {
	for i := 0; i < 4; i++ {
		if n+i < len(buf) {
			buf[n+i] = byte(w >> (8 * i))
		}
	}
	return n + 4
}

// getWord loads the FIFO word at buf[n:] and returns the next offset.
func getWord(buf []byte, n int) (uint32, int) {
	var w uint32
	for i := 0; i < 4; i++ {
		if n+i < len(buf) {
			w |= uint32(buf[n+i]) << (8 * i)
		}
	}
	return w, n + 4
}
