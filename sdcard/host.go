package sdcard

// Status flags of the SDIO controller. The bit layout is the one shared by
// the common SDIO host blocks (STS register).
const (
	FlagCMDFAIL    = 1 << 0  // command response received, CRC check failed
	FlagDTFAIL     = 1 << 1  // data block sent/received, CRC check failed
	FlagCMDTIMEOUT = 1 << 2  // command response timeout
	FlagDTTIMEOUT  = 1 << 3  // data timeout
	FlagTXERRU     = 1 << 4  // transmit FIFO underrun
	FlagRXERRO     = 1 << 5  // receive FIFO overrun
	FlagCMDRSPCMPL = 1 << 6  // command response received, CRC check passed
	FlagCMDCMPL    = 1 << 7  // command sent, no response required
	FlagDTCMPL     = 1 << 8  // data end, data counter is zero
	FlagSBITERR    = 1 << 9  // start bit not detected on all data lines
	FlagDTBLKCMPL  = 1 << 10 // data block sent/received, CRC check passed
	FlagDOCMD      = 1 << 11 // command transfer in progress
	FlagDOTX       = 1 << 12 // data transmit in progress
	FlagDORX       = 1 << 13 // data receive in progress
	FlagTXBUFH     = 1 << 14 // transmit FIFO half empty
	FlagRXBUFH     = 1 << 15 // receive FIFO half full
	FlagTXBUFF     = 1 << 16 // transmit FIFO full
	FlagRXBUFF     = 1 << 17 // receive FIFO full
	FlagTXBUFE     = 1 << 18 // transmit FIFO empty
	FlagRXBUFE     = 1 << 19 // receive FIFO empty
	FlagTXBUF      = 1 << 20 // data available in transmit FIFO
	FlagRXBUF      = 1 << 21 // data available in receive FIFO
	FlagSDIOIF     = 1 << 22 // SD I/O interrupt received

	// flags that are cleared by writing the interrupt clear register
	FlagsStatic = 0x000005FF
)

// ResponseType is the response shape expected after a command.
type ResponseType uint8

const (
	ResponseNone  ResponseType = iota
	ResponseShort              // 48 bit
	ResponseLong               // 136 bit
)

// WaitType selects how the command path state machine waits.
type WaitType uint8

const (
	WaitNone WaitType = iota
	WaitInterrupt
	WaitPending
)

// Command describes a single command issued on the CMD line.
type Command struct {
	Index    uint8
	Argument uint32
	Response ResponseType
	Wait     WaitType
}

// Direction of a data transfer as seen from the controller.
type Direction uint8

const (
	ToCard Direction = iota
	ToController
)

// TransferShape selects block or stream data transfers.
type TransferShape uint8

const (
	ShapeBlock TransferShape = iota
	ShapeStream
)

// DataConfig describes the data path for the next data transfer.
type DataConfig struct {
	// BlockSize is the power-of-two code: the block length is 1<<BlockSize.
	BlockSize uint8
	Length    uint32
	Timeout   uint32
	Direction Direction
	Shape     TransferShape
}

// BusWidth is the number of data lines used between host and card.
type BusWidth uint8

const (
	BusWidth1 BusWidth = iota
	BusWidth4
	BusWidth8
)

// Host is the capability set of an SDIO controller that the card engine
// drives. Implementations wrap the vendor register block and must not hide
// any of the status flags above.
type Host interface {
	// Reset returns the controller to its power-on register state.
	Reset()
	PowerOn()
	PowerOff()
	Powered() bool

	// BusClock returns the frequency in Hz feeding the clock divider.
	// The card clock is BusClock/(divider+2).
	BusClock() uint32
	SetClockDivider(div uint32)
	SetBusWidth(w BusWidth)

	// SendCommand loads argument and command registers and enables the
	// command path state machine.
	SendCommand(cmd Command)
	// CommandResponse returns the command index of the last response.
	CommandResponse() uint8
	// Response returns response register n (0..3). For long responses
	// register 0 holds the most significant word.
	Response(n int) uint32

	Status() uint32
	ClearFlags(mask uint32)

	ConfigureData(cfg DataConfig)
	EnableData(enable bool)
	ReadFIFO() uint32
	WriteFIFO(w uint32)
}

// DMAHost is a Host able to move the data FIFO with a DMA channel. The board
// code is expected to route the SDIO interrupt to Device.HandleInterrupt.
type DMAHost interface {
	Host

	// StartDMA arms the DMA channel between buf and the data FIFO.
	StartDMA(buf []byte, dir Direction)
	EnableDMA(enable bool)
	EnableInterrupts(mask uint32)
	DisableInterrupts(mask uint32)
}
