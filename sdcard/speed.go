package sdcard

import (
	"golang.org/x/exp/slog"
)

const (
	_SWITCH_CHECK = 0
	_SWITCH_SET   = 1

	_FUNC_HIGH_SPEED = 1
	_SWITCH_STS_LEN  = 64
	_SD_STATUS_LEN   = 64
)

// readSCR fetches the SD configuration register with ACMD51.
func (d *Device) readSCR() error {
	d.host.SendCommand(Command{Index: _CMD_SET_BLOCKLEN, Argument: 8, Response: ResponseShort})
	if err := d.checkR1(_CMD_SET_BLOCKLEN); err != nil {
		return err
	}
	if err := d.appCmd(); err != nil {
		return err
	}

	d.host.ConfigureData(DataConfig{
		BlockSize: 3,
		Length:    8,
		Timeout:   _DATA_TIMEOUT,
		Direction: ToController,
		Shape:     ShapeBlock,
	})
	d.host.EnableData(true)

	d.host.SendCommand(Command{Index: _ACMD_SD_APP_SEND_SCR, Response: ResponseShort})
	if err := d.checkR1(_ACMD_SD_APP_SEND_SCR); err != nil {
		return err
	}

	var raw [8]byte
	n := 0
	done := uint32(FlagRXERRO | FlagDTFAIL | FlagDTTIMEOUT | FlagDTBLKCMPL | FlagSBITERR)
	i := 0
	for ; i < d.cfg.DataTimeout; i++ {
		sts := d.host.Status()
		if sts&done != 0 {
			break
		}
		if sts&FlagRXBUF != 0 {
			n = putWord(raw[:], n, d.host.ReadFIFO())
		}
	}
	if i == d.cfg.DataTimeout {
		return ErrDataTimeout
	}
	for j := 0; d.host.Status()&FlagRXBUF != 0 && j < 2*_FIFO_HALF_WORDS; j++ {
		n = putWord(raw[:], n, d.host.ReadFIFO())
	}

	if err := d.dataError(d.host.Status()); err != nil {
		return err
	}
	d.host.ClearFlags(FlagsStatic)

	d.card.SCR = parseSCR(raw)
	d.debug("scr", slog.Uint64("spec", uint64(d.card.SCR.SDSpec)), slog.Uint64("buswidths", uint64(d.card.SCR.SDBusWidths)))
	return nil
}

// negotiateSpeed tries to move the card to high speed. A failure leaves the
// card at default speed and is only logged.
func (d *Device) negotiateSpeed() {
	if d.cfg.DisableHighSpeed {
		return
	}

	var err error
	switch t := d.card.Type; {
	case t == HIGH_SPEED_MULTIMEDIA_CARD:
		err = d.mmcSwitch(_EXT_CSD_HS_TIMING, 1)
	case t.isMMC() || t.isSDIO():
		return
	case d.card.SCR.SDSpec == 0:
		// version 1.0x cards do not know CMD6
		return
	default:
		err = d.sdHighSpeed()
	}
	if err != nil {
		d.warn("high speed not available", slog.String("err", err.Error()))
		return
	}
	d.card.HighSpeed = true
}

// switchFunction runs CMD6 on function group 1 and returns the switch status.
func (d *Device) switchFunction(mode uint32, value uint8) ([_SWITCH_STS_LEN]byte, error) {
	var sts [_SWITCH_STS_LEN]byte

	d.host.SendCommand(Command{Index: _CMD_SET_BLOCKLEN, Argument: _SWITCH_STS_LEN, Response: ResponseShort})
	if err := d.checkR1(_CMD_SET_BLOCKLEN); err != nil {
		return sts, err
	}

	arg := mode<<31 | 0x00FFFFF0 | uint32(value&0x0F)
	err := d.run(transfer{
		cmd: Command{Index: _CMD_HS_SWITCH, Argument: arg, Response: ResponseShort},
		data: DataConfig{
			BlockSize: 6,
			Length:    _SWITCH_STS_LEN,
			Timeout:   _DATA_TIMEOUT,
			Direction: ToController,
			Shape:     ShapeBlock,
		},
		buf: sts[:],
	})
	return sts, err
}

// sdHighSpeed checks and then selects the high speed access mode.
func (d *Device) sdHighSpeed() error {
	sts, err := d.switchFunction(_SWITCH_CHECK, _FUNC_HIGH_SPEED)
	if err != nil {
		return err
	}
	if sts[13]&(1<<_FUNC_HIGH_SPEED) == 0 {
		return ErrSwitch
	}

	sts, err = d.switchFunction(_SWITCH_SET, _FUNC_HIGH_SPEED)
	if err != nil {
		return err
	}
	if sts[16]&0x0F != _FUNC_HIGH_SPEED {
		return ErrSwitch
	}
	return nil
}

// mmcSwitch writes value to the EXT_CSD byte at index.
func (d *Device) mmcSwitch(index, value uint8) error {
	arg := uint32(_EXT_CSD_WRITE)<<24 | uint32(index)<<16 | uint32(value)<<8
	d.host.SendCommand(Command{Index: _CMD_HS_SWITCH, Argument: arg, Response: ResponseShort})
	if err := d.checkR1(_CMD_HS_SWITCH); err != nil {
		return err
	}
	if d.host.Response(0)&_MMC_SWITCH_ERROR != 0 {
		return ErrSwitch
	}
	return d.waitReadyForData()
}

// SetBusWidth changes the number of data lines used by card and host.
func (d *Device) SetBusWidth(w BusWidth) error {
	if !d.configured {
		return ErrNotConfigured
	}

	switch t := d.card.Type; {
	case t.isSDIO():
		return ErrUnsupportedFeature
	case t.isMMC():
		if err := d.mmcSwitch(_EXT_CSD_BUS_WIDTH, uint8(w)); err != nil {
			return err
		}
	default:
		var arg uint32
		switch w {
		case BusWidth1:
		case BusWidth4:
			if d.card.SCR.SDBusWidths&_SCR_WIDE_BUS_SUPPORT == 0 {
				return ErrRequestNotApplicable
			}
			arg = 2
		default:
			return ErrUnsupportedFeature
		}
		if err := d.appCmd(); err != nil {
			return err
		}
		d.host.SendCommand(Command{Index: _ACMD_SET_BUS_WIDTH, Argument: arg, Response: ResponseShort})
		if err := d.checkR1(_ACMD_SET_BUS_WIDTH); err != nil {
			return err
		}
	}

	d.host.SetBusWidth(w)
	d.card.BusWidth = w
	return nil
}

// SDStatus reads the 512 bit SD status with ACMD13, most significant byte
// first. The bus width in use is in the top two bits of byte 0.
func (d *Device) SDStatus() ([_SD_STATUS_LEN]byte, error) {
	var sts [_SD_STATUS_LEN]byte
	if !d.configured {
		return sts, ErrNotConfigured
	}
	if t := d.card.Type; t.isMMC() || t.isSDIO() {
		return sts, ErrUnsupportedFeature
	}
	d.resetDataPath()

	d.host.SendCommand(Command{Index: _CMD_SET_BLOCKLEN, Argument: _SD_STATUS_LEN, Response: ResponseShort})
	if err := d.checkR1(_CMD_SET_BLOCKLEN); err != nil {
		return sts, err
	}
	if err := d.appCmd(); err != nil {
		return sts, err
	}
	err := d.run(transfer{
		cmd: Command{Index: _ACMD_SD_STATUS, Response: ResponseShort},
		data: DataConfig{
			BlockSize: 6,
			Length:    _SD_STATUS_LEN,
			Timeout:   _DATA_TIMEOUT,
			Direction: ToController,
			Shape:     ShapeBlock,
		},
		buf: sts[:],
	})
	return sts, err
}

// StreamRead reads len(buf) bytes from byte address addr with a stream
// transfer. Only MMC cards support streams.
func (d *Device) StreamRead(buf []byte, addr uint32) error {
	if err := d.prepareStream(buf); err != nil {
		return err
	}
	return d.run(transfer{
		cmd: Command{Index: _CMD_READ_DAT_UNTIL_STOP, Argument: addr, Response: ResponseShort},
		data: DataConfig{
			Length:    uint32(len(buf)),
			Timeout:   _DATA_TIMEOUT,
			Direction: ToController,
			Shape:     ShapeStream,
		},
		buf:  buf,
		stop: true,
	})
}

// StreamWrite writes buf to byte address addr with a stream transfer.
func (d *Device) StreamWrite(buf []byte, addr uint32) error {
	if err := d.prepareStream(buf); err != nil {
		return err
	}
	if err := d.waitReadyForData(); err != nil {
		return err
	}
	err := d.run(transfer{
		cmd: Command{Index: _CMD_WRITE_DAT_UNTIL_STP, Argument: addr, Response: ResponseShort},
		data: DataConfig{
			Length:    uint32(len(buf)),
			Timeout:   _DATA_TIMEOUT,
			Direction: ToCard,
			Shape:     ShapeStream,
		},
		buf:  buf,
		stop: true,
	})
	if err != nil {
		return err
	}
	return d.waitProgramming()
}

func (d *Device) prepareStream(buf []byte) error {
	if len(buf) == 0 || len(buf) > _MAX_DATA_LENGTH {
		return ErrInvalidParameter
	}
	if !d.configured {
		return ErrNotConfigured
	}
	if !d.card.Type.isMMC() {
		return ErrUnsupportedFeature
	}
	d.resetDataPath()
	if d.locked() {
		return ErrLockUnlock
	}
	return nil
}
