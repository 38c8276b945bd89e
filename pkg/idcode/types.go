package idcode

import "fmt"

// IDCode represents a parsed IEEE 1149.1 JTAG IDCODE
type IDCode struct {
	Raw              uint32 // full IDCODE
	Version          uint8  // [31:28]
	PartNumber       uint16 // [27:12]
	ManufacturerCode uint16 // [11:1] JEP106 continuation count and ID
}

// Bank returns the JEP106 bank, i.e. the number of continuation codes.
func (id IDCode) Bank() uint8 {
	return uint8(id.ManufacturerCode >> 7)
}

// ID returns the JEP106 identity within its bank, parity stripped.
func (id IDCode) ID() uint8 {
	return uint8(id.ManufacturerCode & 0x7F)
}

// Valid reports whether the value can be an IDCODE at all: bit 0 set and
// not the reserved manufacturer 0x7F, which is what an all-ones TDO reads.
func (id IDCode) Valid() bool {
	return id.Raw&1 == 1 && id.ID() != 0x7F
}

func (id IDCode) String() string {
	return fmt.Sprintf("IDCODE=%#010x manufacturer=%#05x part=%#06x version=%#x",
		id.Raw, id.ManufacturerCode, id.PartNumber, id.Version)
}

// Manufacturer represents a JEP106 manufacturer entry
type Manufacturer struct {
	Code         uint16 // bank<<7 | id, as found in IDCODE[11:1]
	Name         string // "STMicroelectronics"
	Abbreviation string // "ST"
}
