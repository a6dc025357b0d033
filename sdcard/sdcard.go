// Package sdcard implements an SD/MMC card driver on top of an SDIO host
// controller. The controller is reached through the Host interface, so the
// same engine serves any board that can provide the command path, the data
// FIFO and the status flags.
package sdcard

import (
	"time"

	"golang.org/x/exp/slog"
)

const (
	_CMD_GO_IDLE_STATE       = 0
	_CMD_SEND_OP_COND        = 1 // MMC
	_CMD_ALL_SEND_CID        = 2
	_CMD_SET_REL_ADDR        = 3
	_CMD_HS_SWITCH           = 6
	_CMD_SEL_DESEL_CARD      = 7
	_CMD_HS_SEND_EXT_CSD     = 8 // MMC
	_CMD_SEND_IF_COND        = 8 // SD
	_CMD_SEND_CSD            = 9
	_CMD_SEND_CID            = 10
	_CMD_READ_DAT_UNTIL_STOP = 11 // MMC
	_CMD_STOP_TRANSMISSION   = 12
	_CMD_SEND_STATUS         = 13
	_CMD_SET_BLOCKLEN        = 16
	_CMD_READ_SINGLE_BLOCK   = 17
	_CMD_READ_MULT_BLOCK     = 18
	_CMD_WRITE_DAT_UNTIL_STP = 20 // MMC
	_CMD_SET_BLOCK_COUNT     = 23
	_CMD_WRITE_SINGLE_BLOCK  = 24
	_CMD_WRITE_MULT_BLOCK    = 25
	_CMD_SD_ERASE_GRP_START  = 32
	_CMD_SD_ERASE_GRP_END    = 33
	_CMD_ERASE_GRP_START     = 35 // MMC
	_CMD_ERASE_GRP_END       = 36 // MMC
	_CMD_ERASE               = 38
	_CMD_APP_CMD             = 55

	// application specific, preceded by CMD55
	_ACMD_SET_BUS_WIDTH    = 6
	_ACMD_SD_STATUS        = 13
	_ACMD_SET_WR_BLK_ERASE = 23
	_ACMD_SD_APP_OP_COND   = 41
	_ACMD_SD_APP_SEND_SCR  = 51

	_CHECK_PATTERN          = 0x000001AA
	_VOLTAGE_WINDOW_SD      = 0x80100000
	_VOLTAGE_WINDOW_MMC     = 0x80FF8000
	_HIGH_CAPACITY          = 0x40000000
	_STD_CAPACITY           = 0x00000000
	_OCR_POWER_UP           = 0x80000000
	_MAX_VOLT_TRIAL         = 0xFF
	_MAX_DATA_LENGTH        = 0x01FFFFFF
	_DATA_TIMEOUT           = 0xFFFFFFFF
	_CARD_LOCKED            = 0x02000000
	_OCR_ERRORBITS          = 0xFDFFE008
	_R6_GENERAL_UNKNOWN_ERR = 0x00002000
	_R6_ILLEGAL_CMD         = 0x00004000
	_R6_COM_CRC_FAILED      = 0x00008000
	_READY_FOR_DATA         = 0x00000100
	_MMC_SWITCH_ERROR       = 0x00000080
	_SCR_WIDE_BUS_SUPPORT   = 0x4 // in SCR.SDBusWidths
	_CMD0_RETRIES           = 5

	_EXT_CSD_BUS_WIDTH = 183
	_EXT_CSD_HS_TIMING = 185
	_EXT_CSD_WRITE     = 3

	_IDENT_FREQ    = 200000
	_STD_FREQ      = 12000000
	_HIGH_FREQ     = 48000000
	_MAX_CLOCK_DIV = 0x3FF

	// polling budgets, in status reads
	_CMD_TIMEOUT        = 0x10000
	_READ_TIMEOUT       = 0x7FFFFF
	_PROGRAMMING_POLLS  = 0x3FFFFF
	_READY_POLLS        = 0xFFFFF
	_DEFAULT_DMA_WAIT   = 5 * time.Second
	_DEFAULT_TRY_DELAY  = 10 * time.Millisecond
	_DEFAULT_POWER_TRYS = 3
)

// CardType is the card family detected during initialization. I/O cards
// answer CMD5, which Init never sends, so the two SECURE_DIGITAL_IO types are
// never reported by this engine.
type CardType uint8

const (
	STD_CAPACITY_SD_CARD_V1_1 CardType = iota
	STD_CAPACITY_SD_CARD_V2_0
	HIGH_CAPACITY_SD_CARD
	MULTIMEDIA_CARD
	SECURE_DIGITAL_IO_CARD
	HIGH_SPEED_MULTIMEDIA_CARD
	SECURE_DIGITAL_IO_COMBO_CARD
)

var cardTypeStrings = [...]string{
	STD_CAPACITY_SD_CARD_V1_1:    "STD_CAPACITY_SD_CARD_V1_1",
	STD_CAPACITY_SD_CARD_V2_0:    "STD_CAPACITY_SD_CARD_V2_0",
	HIGH_CAPACITY_SD_CARD:        "HIGH_CAPACITY_SD_CARD",
	MULTIMEDIA_CARD:              "MULTIMEDIA_CARD",
	SECURE_DIGITAL_IO_CARD:       "SECURE_DIGITAL_IO_CARD",
	HIGH_SPEED_MULTIMEDIA_CARD:   "HIGH_SPEED_MULTIMEDIA_CARD",
	SECURE_DIGITAL_IO_COMBO_CARD: "SECURE_DIGITAL_IO_COMBO_CARD",
}

func (t CardType) String() string {
	if int(t) < len(cardTypeStrings) {
		return cardTypeStrings[t]
	}
	return "UNKNOWN_CARD"
}

// isMMC reports whether the card speaks the MMC command set.
func (t CardType) isMMC() bool {
	return t == MULTIMEDIA_CARD || t == HIGH_SPEED_MULTIMEDIA_CARD
}

// isSDIO reports whether the card is an I/O only card.
func (t CardType) isSDIO() bool {
	return t == SECURE_DIGITAL_IO_CARD
}

// blockAddressed reports whether data commands take block numbers.
func (t CardType) blockAddressed() bool {
	return t == HIGH_CAPACITY_SD_CARD
}

// CardState is the current_state field of the card status.
type CardState uint8

const (
	CARD_READY        CardState = 1
	CARD_IDENTIFY     CardState = 2
	CARD_STANDBY      CardState = 3
	CARD_TRANSFER     CardState = 4
	CARD_SENDING      CardState = 5
	CARD_RECEIVING    CardState = 6
	CARD_PROGRAMMING  CardState = 7
	CARD_DISCONNECTED CardState = 8
	CARD_ERROR        CardState = 0xFF
)

func (s CardState) String() string {
	switch s {
	case CARD_READY:
		return "ready"
	case CARD_IDENTIFY:
		return "identify"
	case CARD_STANDBY:
		return "standby"
	case CARD_TRANSFER:
		return "transfer"
	case CARD_SENDING:
		return "sending"
	case CARD_RECEIVING:
		return "receiving"
	case CARD_PROGRAMMING:
		return "programming"
	case CARD_DISCONNECTED:
		return "disconnected"
	}
	return "error"
}

// TransferMode selects how the data FIFO is served.
type TransferMode uint8

const (
	PollingMode TransferMode = iota
	DMAMode
)

// CardInfo is the identity and geometry of the initialized card.
type CardInfo struct {
	CSD       CSD
	CID       CID
	SCR       SCR
	Capacity  uint64 // bytes
	BlockSize uint32
	RCA       uint16
	Type      CardType
	HighSpeed bool
	BusWidth  BusWidth
}

// Config holds the optional settings of the engine. Zero values select the
// defaults.
type Config struct {
	// TransferMode selects polling (default) or DMA. DMA requires a DMAHost.
	TransferMode TransferMode
	// BusWidth is applied once the card is selected.
	BusWidth BusWidth
	Logger   *slog.Logger

	PowerOnRetries int
	VoltageTrials  int
	TrialDelay     time.Duration

	// CommandTimeout and DataTimeout bound the polling loops, counted in
	// status register reads.
	CommandTimeout int
	DataTimeout    int
	DMATimeout     time.Duration

	// NoAutoRecover leaves re-initialization after a data timeout to the
	// caller, see Device.Recover.
	NoAutoRecover    bool
	DisableHighSpeed bool
}

// Device is an SD/MMC card attached to an SDIO host.
type Device struct {
	host Host
	dma  DMAHost
	cfg  Config
	log  *slog.Logger

	card       CardInfo
	csd        [4]uint32
	cid        [4]uint32
	configured bool
	recovering bool
	block      []byte

	// DMA transfer progress, written by HandleInterrupt
	stopFlag bool
	xferDone chan error
}

// New returns a card engine bound to host. Call Configure before use.
func New(host Host) *Device {
	d := &Device{
		host:     host,
		xferDone: make(chan error, 1),
	}
	d.dma, _ = host.(DMAHost)
	return d
}

// Configure stores the configuration and initializes the card.
func (d *Device) Configure(config *Config) error {
	if config != nil {
		d.cfg = *config
	}
	if d.cfg.PowerOnRetries <= 0 {
		d.cfg.PowerOnRetries = _DEFAULT_POWER_TRYS
	}
	if d.cfg.VoltageTrials <= 0 {
		d.cfg.VoltageTrials = _MAX_VOLT_TRIAL
	}
	if d.cfg.TrialDelay <= 0 {
		d.cfg.TrialDelay = _DEFAULT_TRY_DELAY
	}
	if d.cfg.CommandTimeout <= 0 {
		d.cfg.CommandTimeout = _CMD_TIMEOUT
	}
	if d.cfg.DataTimeout <= 0 {
		d.cfg.DataTimeout = _READ_TIMEOUT
	}
	if d.cfg.DMATimeout <= 0 {
		d.cfg.DMATimeout = _DEFAULT_DMA_WAIT
	}
	if d.cfg.TransferMode == DMAMode && d.dma == nil {
		return ErrUnsupportedHW
	}
	d.log = d.cfg.Logger
	if d.log == nil {
		d.log = defaultLogger()
	}
	return d.Init()
}

// Init runs the full identification and initialization sequence. It is
// idempotent but re-runs the whole protocol, dropping the previous card
// info.
func (d *Device) Init() error {
	d.configured = false
	d.card = CardInfo{}

	var err error
	for i := 0; i < d.cfg.PowerOnRetries; i++ {
		d.host.Reset()
		if err = d.powerOn(); err == nil {
			break
		}
		d.warn("power on failed", slog.Int("attempt", i+1), slog.String("err", err.Error()))
	}
	if err != nil {
		return err
	}

	if err := d.initCard(); err != nil {
		return err
	}

	if err := d.selectCard(uint32(d.card.RCA) << 16); err != nil {
		return err
	}

	if !d.card.Type.isMMC() {
		if err := d.readSCR(); err != nil {
			return err
		}
	}

	d.negotiateSpeed()
	d.setOperatingClock()

	d.configured = true
	if d.cfg.BusWidth != BusWidth1 {
		if err := d.SetBusWidth(d.cfg.BusWidth); err != nil {
			d.configured = false
			return err
		}
	}

	d.info("card ready",
		slog.String("type", d.card.Type.String()),
		slog.Uint64("capacity", d.card.Capacity),
		slog.Uint64("blocksize", uint64(d.card.BlockSize)),
		slog.Bool("highspeed", d.card.HighSpeed))
	return nil
}

// Recover re-initializes the card after a failed data transfer. The engine
// calls it on data timeouts unless Config.NoAutoRecover is set.
func (d *Device) Recover() error {
	d.recovering = true
	defer func() { d.recovering = false }()
	d.warn("re-initializing card")
	return d.Init()
}

// autoRecover is the automatic recovery action taken by the data path.
func (d *Device) autoRecover() {
	if d.cfg.NoAutoRecover || d.recovering || !d.configured {
		return
	}
	if err := d.Recover(); err != nil {
		d.logerror("recovery failed", err)
	}
}

// powerOn brings the card out of idle and negotiates the operating voltage.
func (d *Device) powerOn() error {
	div := d.host.BusClock() / _IDENT_FREQ
	if div >= 2 {
		div -= 2
	}
	if div > _MAX_CLOCK_DIV {
		div = _MAX_CLOCK_DIV
	}
	d.host.SetClockDivider(div)
	d.host.SetBusWidth(BusWidth1)
	d.host.PowerOn()

	var err error
	for i := 0; i < _CMD0_RETRIES; i++ {
		if err = d.goIdle(); err == nil {
			break
		}
	}
	if err != nil {
		return err
	}

	cardType := STD_CAPACITY_SD_CARD_V1_1
	hcs := uint32(_STD_CAPACITY)

	d.host.SendCommand(Command{Index: _CMD_SEND_IF_COND, Argument: _CHECK_PATTERN, Response: ResponseShort})
	if err := d.checkR7(); err == nil {
		cardType = STD_CAPACITY_SD_CARD_V2_0
		hcs = _HIGH_CAPACITY
	}

	d.host.SendCommand(Command{Index: _CMD_APP_CMD, Response: ResponseShort})
	if err := d.checkR1(_CMD_APP_CMD); err == nil {
		// SD family
		response, err := d.waitPowerUp(func() (uint32, error) {
			d.host.SendCommand(Command{Index: _CMD_APP_CMD, Response: ResponseShort})
			if err := d.checkR1(_CMD_APP_CMD); err != nil {
				return 0, err
			}
			d.host.SendCommand(Command{Index: _ACMD_SD_APP_OP_COND, Argument: _VOLTAGE_WINDOW_SD | hcs, Response: ResponseShort})
			if err := d.checkR3(); err != nil {
				return 0, err
			}
			return d.host.Response(0), nil
		})
		if err != nil {
			return err
		}
		if response&_HIGH_CAPACITY != 0 {
			cardType = HIGH_CAPACITY_SD_CARD
		}
	} else {
		// MMC family
		_, err := d.waitPowerUp(func() (uint32, error) {
			d.host.SendCommand(Command{Index: _CMD_SEND_OP_COND, Argument: _VOLTAGE_WINDOW_MMC, Response: ResponseShort})
			if err := d.checkR3(); err != nil {
				return 0, err
			}
			return d.host.Response(0), nil
		})
		if err != nil {
			return err
		}
		cardType = MULTIMEDIA_CARD
	}

	d.card.Type = cardType
	d.debug("power up complete", slog.String("type", cardType.String()))
	return nil
}

// waitPowerUp repeats the operating condition command until the card
// reports the end of its power up sequence.
func (d *Device) waitPowerUp(opCond func() (uint32, error)) (uint32, error) {
	for i := 0; i < d.cfg.VoltageTrials; i++ {
		response, err := opCond()
		if err != nil {
			return 0, err
		}
		if response&_OCR_POWER_UP != 0 {
			return response, nil
		}
		time.Sleep(d.cfg.TrialDelay)
	}
	return 0, ErrInvalidVoltRange
}

func (d *Device) goIdle() error {
	d.host.SendCommand(Command{Index: _CMD_GO_IDLE_STATE, Response: ResponseNone})
	return d.checkCmdSent()
}

// initCard reads CID, RCA and CSD and fills in the card info.
func (d *Device) initCard() error {
	if !d.host.Powered() {
		return ErrRequestNotApplicable
	}

	if !d.card.Type.isSDIO() {
		d.host.SendCommand(Command{Index: _CMD_ALL_SEND_CID, Response: ResponseLong})
		if err := d.checkR2(); err != nil {
			return err
		}
		d.cid = d.longResponse()
	}

	var rca uint16
	switch {
	case d.card.Type.isMMC():
		rca = 1
		d.host.SendCommand(Command{Index: _CMD_SET_REL_ADDR, Argument: uint32(rca) << 16, Response: ResponseShort})
		if err := d.checkR1(_CMD_SET_REL_ADDR); err != nil {
			return err
		}
	default:
		d.host.SendCommand(Command{Index: _CMD_SET_REL_ADDR, Response: ResponseShort})
		var err error
		if rca, err = d.checkR6(_CMD_SET_REL_ADDR); err != nil {
			return err
		}
	}
	d.card.RCA = rca

	if !d.card.Type.isSDIO() {
		d.host.SendCommand(Command{Index: _CMD_SEND_CSD, Argument: uint32(rca) << 16, Response: ResponseLong})
		if err := d.checkR2(); err != nil {
			return err
		}
		d.csd = d.longResponse()
	}

	hc := d.card.Type.blockAddressed()
	d.card.CSD = parseCSD(d.csd, hc)
	d.card.CID = parseCID(d.cid)
	d.card.Capacity, d.card.BlockSize = d.card.CSD.geometry(hc)

	if d.card.Type == MULTIMEDIA_CARD && d.card.CSD.SpecVersion >= 4 {
		d.card.Type = HIGH_SPEED_MULTIMEDIA_CARD
	}

	d.debug("card identified",
		slog.Uint64("rca", uint64(rca)),
		slog.Uint64("mid", uint64(d.card.CID.ManufacturerID)),
		slog.String("name", d.card.CID.ProductName()),
		slog.Uint64("csdver", uint64(d.card.CSD.Structure)))
	return nil
}

func (d *Device) longResponse() [4]uint32 {
	return [4]uint32{
		d.host.Response(0),
		d.host.Response(1),
		d.host.Response(2),
		d.host.Response(3),
	}
}

func (d *Device) selectCard(arg uint32) error {
	d.host.SendCommand(Command{Index: _CMD_SEL_DESEL_CARD, Argument: arg, Response: ResponseShort})
	return d.checkR1(_CMD_SEL_DESEL_CARD)
}

// setOperatingClock leaves identification mode clocking.
func (d *Device) setOperatingClock() {
	freq := uint32(_HIGH_FREQ)
	if d.card.Type == STD_CAPACITY_SD_CARD_V1_1 || d.card.Type == STD_CAPACITY_SD_CARD_V2_0 {
		freq = _STD_FREQ
	}
	div := d.host.BusClock() / freq
	if div >= 2 {
		div -= 2
	}
	d.host.SetClockDivider(div)
}

// CardInfo returns the identity and geometry read during Init.
func (d *Device) CardInfo() CardInfo {
	return d.card
}

// Capacity returns the number of blocks and the block size.
func (d *Device) Capacity() (blockCount uint32, blockSize uint32) {
	if !d.configured || d.card.BlockSize == 0 {
		return 0, 0
	}
	return uint32(d.card.Capacity / uint64(d.card.BlockSize)), d.card.BlockSize
}

// Size returns the card capacity in bytes.
func (d *Device) Size() int64 {
	if !d.configured {
		return 0
	}
	return int64(d.card.Capacity)
}

// Status returns the card status word of SEND_STATUS.
func (d *Device) Status() (uint32, error) {
	if !d.host.Powered() {
		return 0, ErrRequestNotApplicable
	}
	return d.cardStatus()
}

// State returns the current state of the card, or CARD_ERROR if the status
// cannot be read.
func (d *Device) State() CardState {
	status, err := d.Status()
	if err != nil {
		return CARD_ERROR
	}
	return CardState(status >> 9 & 0x0F)
}
