package sdcard

const _CMD_FLAGS = FlagCMDFAIL | FlagCMDRSPCMPL | FlagCMDTIMEOUT

// waitCommand spins until one of mask is raised and returns the status, or
// zero once the command budget runs out.
func (d *Device) waitCommand(mask uint32) uint32 {
	for i := 0; i < d.cfg.CommandTimeout; i++ {
		if sts := d.host.Status(); sts&mask != 0 {
			return sts
		}
	}
	return 0
}

// checkCmdSent validates commands without response.
func (d *Device) checkCmdSent() error {
	if d.waitCommand(FlagCMDCMPL) == 0 {
		return ErrCmdRspTimeout
	}
	d.host.ClearFlags(FlagsStatic)
	return nil
}

// checkR1 validates a normal response and decodes the card status.
func (d *Device) checkR1(cmd uint8) error {
	sts := d.waitCommand(_CMD_FLAGS)
	switch {
	case sts == 0:
		return ErrCmdRspTimeout
	case sts&FlagCMDTIMEOUT != 0:
		d.host.ClearFlags(FlagCMDTIMEOUT)
		return ErrCmdRspTimeout
	case sts&FlagCMDFAIL != 0:
		d.host.ClearFlags(FlagCMDFAIL)
		return ErrCmdFail
	}

	if d.host.CommandResponse() != cmd {
		return ErrIllegalCmd
	}
	d.host.ClearFlags(FlagsStatic)
	return cardStatusError(d.host.Response(0))
}

// checkR2 validates the long CID/CSD response.
func (d *Device) checkR2() error {
	sts := d.waitCommand(_CMD_FLAGS)
	switch {
	case sts == 0:
		return ErrCmdRspTimeout
	case sts&FlagCMDTIMEOUT != 0:
		d.host.ClearFlags(FlagCMDTIMEOUT)
		return ErrCmdRspTimeout
	case sts&FlagCMDFAIL != 0:
		d.host.ClearFlags(FlagCMDFAIL)
		return ErrCmdFail
	}
	d.host.ClearFlags(FlagsStatic)
	return nil
}

// checkR3 validates the OCR response. R3 carries no CRC, so a CRC failure
// flag is expected and ignored.
func (d *Device) checkR3() error {
	sts := d.waitCommand(_CMD_FLAGS)
	if sts == 0 || sts&FlagCMDTIMEOUT != 0 {
		d.host.ClearFlags(FlagCMDTIMEOUT)
		return ErrCmdRspTimeout
	}
	d.host.ClearFlags(FlagsStatic)
	return nil
}

// checkR6 validates the published RCA response and returns the RCA.
func (d *Device) checkR6(cmd uint8) (uint16, error) {
	sts := d.waitCommand(_CMD_FLAGS)
	switch {
	case sts == 0:
		return 0, ErrCmdRspTimeout
	case sts&FlagCMDTIMEOUT != 0:
		d.host.ClearFlags(FlagCMDTIMEOUT)
		return 0, ErrCmdRspTimeout
	case sts&FlagCMDFAIL != 0:
		d.host.ClearFlags(FlagCMDFAIL)
		return 0, ErrCmdFail
	}

	if d.host.CommandResponse() != cmd {
		return 0, ErrIllegalCmd
	}
	d.host.ClearFlags(FlagsStatic)

	response := d.host.Response(0)
	switch {
	case response&_R6_GENERAL_UNKNOWN_ERR != 0:
		return 0, ErrGeneralUnknown
	case response&_R6_ILLEGAL_CMD != 0:
		return 0, ErrIllegalCmd
	case response&_R6_COM_CRC_FAILED != 0:
		return 0, ErrCmdCRC
	}
	return uint16(response >> 16), nil
}

// checkR7 validates the interface condition response. Any failure means the
// card does not understand CMD8.
func (d *Device) checkR7() error {
	sts := d.waitCommand(_CMD_FLAGS)
	switch {
	case sts == 0:
		return ErrCmdRspTimeout
	case sts&FlagCMDTIMEOUT != 0:
		d.host.ClearFlags(FlagCMDTIMEOUT)
		return ErrCmdRspTimeout
	case sts&FlagCMDFAIL != 0:
		d.host.ClearFlags(FlagCMDFAIL)
		return ErrCmdFail
	}
	d.host.ClearFlags(FlagCMDRSPCMPL)
	return nil
}

// cardStatus issues SEND_STATUS and returns the card status word.
func (d *Device) cardStatus() (uint32, error) {
	d.host.SendCommand(Command{Index: _CMD_SEND_STATUS, Argument: uint32(d.card.RCA) << 16, Response: ResponseShort})
	if err := d.checkR1(_CMD_SEND_STATUS); err != nil {
		return 0, err
	}
	return d.host.Response(0), nil
}

// waitProgramming polls the card until it has committed the last write or
// erase.
func (d *Device) waitProgramming() error {
	for i := 0; i < _PROGRAMMING_POLLS; i++ {
		status, err := d.cardStatus()
		if err != nil {
			return err
		}
		state := CardState(status >> 9 & 0x0F)
		if state != CARD_PROGRAMMING && state != CARD_RECEIVING {
			return nil
		}
	}
	return ErrDataTimeout
}

// waitReadyForData polls the card until its buffer accepts data.
func (d *Device) waitReadyForData() error {
	for i := 0; i < _READY_POLLS; i++ {
		status, err := d.cardStatus()
		if err != nil {
			return err
		}
		if status&_READY_FOR_DATA != 0 {
			return nil
		}
	}
	return ErrGeneric
}
