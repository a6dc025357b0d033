package sdcard

// Error is the status returned by the card engine. The zero value is never
// returned as an error.
type Error uint8

const (
	ErrCmdFail  Error = iota + 1 // command response CRC check failed
	ErrDataFail                  // data block CRC check failed
	ErrCmdRspTimeout
	ErrDataTimeout
	ErrTxUnderrun
	ErrRxOverrun
	ErrStartBit
	ErrCmdOutOfRange
	ErrAddrMisaligned
	ErrBlockLen
	ErrEraseSeq
	ErrInvalidEraseParam
	ErrWriteProtectViolation
	ErrLockUnlock
	ErrCmdCRC
	ErrIllegalCmd
	ErrCardECC
	ErrCardController
	ErrGeneralUnknown
	ErrStreamReadUnderrun
	ErrStreamWriteOverrun
	ErrCIDCSDOverwrite
	ErrWriteProtectEraseSkip
	ErrCardECCDisabled
	ErrEraseReset
	ErrAKESeq
	ErrInvalidVoltRange
	ErrAddrOutOfRange
	ErrSwitch
	ErrSDIODisabled
	ErrSDIOFuncBusy
	ErrSDIOFuncFailed
	ErrSDIOUnknownFunc

	ErrInternal
	ErrNotConfigured
	ErrRequestPending
	ErrRequestNotApplicable
	ErrInvalidParameter
	ErrUnsupportedFeature
	ErrUnsupportedHW
	ErrGeneric
)

var errorStrings = [...]string{
	ErrCmdFail:               "command response CRC failed",
	ErrDataFail:              "data CRC failed",
	ErrCmdRspTimeout:         "command response timeout",
	ErrDataTimeout:           "data timeout",
	ErrTxUnderrun:            "transmit FIFO underrun",
	ErrRxOverrun:             "receive FIFO overrun",
	ErrStartBit:              "start bit not detected",
	ErrCmdOutOfRange:         "command argument out of range",
	ErrAddrMisaligned:        "misaligned address",
	ErrBlockLen:              "block length not allowed",
	ErrEraseSeq:              "erase command sequence error",
	ErrInvalidEraseParam:     "invalid erase block selection",
	ErrWriteProtectViolation: "write protect violation",
	ErrLockUnlock:            "card is locked",
	ErrCmdCRC:                "command CRC error",
	ErrIllegalCmd:            "illegal command",
	ErrCardECC:               "card ECC failed",
	ErrCardController:        "card internal controller error",
	ErrGeneralUnknown:        "general or unknown error",
	ErrStreamReadUnderrun:    "stream read underrun",
	ErrStreamWriteOverrun:    "stream write overrun",
	ErrCIDCSDOverwrite:       "CID/CSD overwrite",
	ErrWriteProtectEraseSkip: "write protected blocks skipped by erase",
	ErrCardECCDisabled:       "card ECC disabled",
	ErrEraseReset:            "erase sequence cleared",
	ErrAKESeq:                "authentication sequence error",
	ErrInvalidVoltRange:      "invalid voltage range",
	ErrAddrOutOfRange:        "address out of range",
	ErrSwitch:                "switch error",
	ErrSDIODisabled:          "SDIO function disabled",
	ErrSDIOFuncBusy:          "SDIO function busy",
	ErrSDIOFuncFailed:        "SDIO function failed",
	ErrSDIOUnknownFunc:       "SDIO unknown function",
	ErrInternal:              "internal error",
	ErrNotConfigured:         "not configured",
	ErrRequestPending:        "request pending",
	ErrRequestNotApplicable:  "request not applicable",
	ErrInvalidParameter:      "invalid parameter",
	ErrUnsupportedFeature:    "unsupported feature",
	ErrUnsupportedHW:         "unsupported hardware",
	ErrGeneric:               "error",
}

func (e Error) String() string {
	if int(e) < len(errorStrings) && errorStrings[e] != "" {
		return errorStrings[e]
	}
	return "unknown error"
}

func (e Error) Error() string {
	return "sdcard: " + e.String()
}

// card status bits of an R1 response and the error each one maps to, in the
// order they are checked.
var cardStatusErrors = [...]struct {
	mask uint32
	err  Error
}{
	{0x80000000, ErrCmdOutOfRange},
	{0x40000000, ErrAddrMisaligned},
	{0x20000000, ErrBlockLen},
	{0x10000000, ErrEraseSeq},
	{0x08000000, ErrInvalidEraseParam},
	{0x04000000, ErrWriteProtectViolation},
	{0x01000000, ErrLockUnlock},
	{0x00800000, ErrCmdCRC},
	{0x00400000, ErrIllegalCmd},
	{0x00200000, ErrCardECC},
	{0x00100000, ErrCardController},
	{0x00080000, ErrGeneralUnknown},
	{0x00040000, ErrStreamReadUnderrun},
	{0x00020000, ErrStreamWriteOverrun},
	{0x00010000, ErrCIDCSDOverwrite},
	{0x00008000, ErrWriteProtectEraseSkip},
	{0x00004000, ErrCardECCDisabled},
	{0x00002000, ErrEraseReset},
	{0x00000008, ErrAKESeq},
}

// cardStatusError decodes the error bits of a card status word.
func cardStatusError(status uint32) error {
	status &= _OCR_ERRORBITS
	if status == 0 {
		return nil
	}
	for _, s := range cardStatusErrors {
		if status&s.mask != 0 {
			return s.err
		}
	}
	return ErrGeneralUnknown
}
