package sdcard

import "encoding/binary"

// CSD is the card specific data register.
type CSD struct {
	Structure          uint8
	SpecVersion        uint8
	TAAC               uint8
	NSAC               uint8
	MaxBusClkFreq      uint8
	CardCmdClasses     uint16
	MaxReadBlkLength   uint8
	PartBlkRead        uint8
	WriteBlkMisalign   uint8
	ReadBlkMisalign    uint8
	DSRImplemented     uint8
	DeviceSize         uint32
	MaxReadCurrentMin  uint8
	MaxReadCurrentMax  uint8
	MaxWriteCurrentMin uint8
	MaxWriteCurrentMax uint8
	DeviceSizeMult     uint8
	EraseGroupSize     uint8
	EraseGroupSizeMult uint8
	WPGroupSize        uint8
	WPGroupEnable      uint8
	ManDefaultECC      uint8
	WriteSpeedFactor   uint8
	MaxWriteBlkLength  uint8
	PartBlkWrite       uint8
	ContentProtectApp  uint8
	FileFormatGroup    uint8
	Copy               uint8
	PermWriteProtect   uint8
	TmpWriteProtect    uint8
	FileFormat         uint8
	ECC                uint8
	CRC                uint8
}

// CID is the card identification register.
type CID struct {
	ManufacturerID uint8
	OEMAppID       uint16
	ProductName1   uint32
	ProductName2   uint8
	ProductRev     uint8
	ProductSN      uint32
	Reserved       uint8
	ManufactDate   uint16
	CRC            uint8
}

// ProductName returns the five character product name.
func (c CID) ProductName() string {
	b := []byte{
		byte(c.ProductName1 >> 24),
		byte(c.ProductName1 >> 16),
		byte(c.ProductName1 >> 8),
		byte(c.ProductName1),
		c.ProductName2,
	}
	return string(b)
}

// Year and Month decode the manufacturing date field.
func (c CID) Year() int  { return 2000 + int(c.ManufactDate>>4&0xFF) }
func (c CID) Month() int { return int(c.ManufactDate & 0x0F) }

// SCR is the SD configuration register.
type SCR struct {
	Structure          uint8
	SDSpec             uint8
	DataStatAfterErase uint8
	SDSecurity         uint8
	SDBusWidths        uint8
	SDSpec3            uint8
	ExSecurity         uint8
	SDSpec4            uint8
	SDSpecX            uint8
	CmdSupport         uint8
}

// registerBytes lays out a long response with word 0 holding the most
// significant bits, so that byte 0 is bits [127:120].
func registerBytes(words [4]uint32) (b [16]byte) {
	for i, w := range words {
		binary.BigEndian.PutUint32(b[i*4:], w)
	}
	return b
}

// parseCSD extracts the CSD fields. highCapacity selects the version 2.0
// layout of the device size field.
func parseCSD(words [4]uint32, highCapacity bool) CSD {
	b := registerBytes(words)
	var c CSD

	c.Structure = (b[0] & 0xC0) >> 6
	c.SpecVersion = (b[0] & 0x3C) >> 2
	c.TAAC = b[1]
	c.NSAC = b[2]
	c.MaxBusClkFreq = b[3]
	c.CardCmdClasses = uint16(b[4])<<4 | uint16(b[5]&0xF0)>>4
	c.MaxReadBlkLength = b[5] & 0x0F
	c.PartBlkRead = (b[6] & 0x80) >> 7
	c.WriteBlkMisalign = (b[6] & 0x40) >> 6
	c.ReadBlkMisalign = (b[6] & 0x20) >> 5
	c.DSRImplemented = (b[6] & 0x10) >> 4

	if !highCapacity {
		c.DeviceSize = uint32(b[6]&0x03)<<10 | uint32(b[7])<<2 | uint32(b[8]&0xC0)>>6
		c.MaxReadCurrentMin = (b[8] & 0x38) >> 3
		c.MaxReadCurrentMax = b[8] & 0x07
		c.MaxWriteCurrentMin = (b[9] & 0xE0) >> 5
		c.MaxWriteCurrentMax = (b[9] & 0x1C) >> 2
		c.DeviceSizeMult = (b[9]&0x03)<<1 | (b[10]&0x80)>>7
	} else {
		c.DeviceSize = uint32(b[7]&0x3F)<<16 | uint32(b[8])<<8 | uint32(b[9])
	}

	c.EraseGroupSize = (b[10] & 0x40) >> 6
	c.EraseGroupSizeMult = (b[10]&0x3F)<<1 | (b[11]&0x80)>>7
	c.WPGroupSize = b[11] & 0x7F

	c.WPGroupEnable = (b[12] & 0x80) >> 7
	c.ManDefaultECC = (b[12] & 0x60) >> 5
	c.WriteSpeedFactor = (b[12] & 0x1C) >> 2
	c.MaxWriteBlkLength = (b[12]&0x03)<<2 | (b[13]&0xC0)>>6
	c.PartBlkWrite = (b[13] & 0x20) >> 5
	c.ContentProtectApp = b[13] & 0x01

	c.FileFormatGroup = (b[14] & 0x80) >> 7
	c.Copy = (b[14] & 0x40) >> 6
	c.PermWriteProtect = (b[14] & 0x20) >> 5
	c.TmpWriteProtect = (b[14] & 0x10) >> 4
	c.FileFormat = (b[14] & 0x0C) >> 2
	c.ECC = b[14] & 0x03

	c.CRC = (b[15] & 0xFE) >> 1
	return c
}

// geometry returns the capacity in bytes and the block size implied by the
// CSD for the given addressing mode.
func (c CSD) geometry(highCapacity bool) (capacity uint64, blockSize uint32) {
	if highCapacity {
		return (uint64(c.DeviceSize) + 1) * 512 * 1024, 512
	}
	blockSize = 1 << c.MaxReadBlkLength
	capacity = (uint64(c.DeviceSize) + 1) * (1 << (c.DeviceSizeMult + 2)) * uint64(blockSize)
	return capacity, blockSize
}

func parseCID(words [4]uint32) CID {
	b := registerBytes(words)
	return CID{
		ManufacturerID: b[0],
		OEMAppID:       binary.BigEndian.Uint16(b[1:]),
		ProductName1:   binary.BigEndian.Uint32(b[3:]),
		ProductName2:   b[7],
		ProductRev:     b[8],
		ProductSN:      binary.BigEndian.Uint32(b[9:]),
		Reserved:       (b[13] & 0xF0) >> 4,
		ManufactDate:   uint16(b[13]&0x0F)<<8 | uint16(b[14]),
		CRC:            (b[15] & 0xFE) >> 1,
	}
}

// parseSCR decodes the 64 bit SCR as received on the data lines, most
// significant byte first.
func parseSCR(raw [8]byte) SCR {
	v := binary.BigEndian.Uint64(raw[:])
	return SCR{
		Structure:          uint8(v >> 60 & 0xF),
		SDSpec:             uint8(v >> 56 & 0xF),
		DataStatAfterErase: uint8(v >> 55 & 0x1),
		SDSecurity:         uint8(v >> 52 & 0x7),
		SDBusWidths:        uint8(v >> 48 & 0xF),
		SDSpec3:            uint8(v >> 47 & 0x1),
		ExSecurity:         uint8(v >> 43 & 0xF),
		SDSpec4:            uint8(v >> 42 & 0x1),
		SDSpecX:            uint8(v >> 38 & 0xF),
		CmdSupport:         uint8(v >> 32 & 0x1F),
	}
}
