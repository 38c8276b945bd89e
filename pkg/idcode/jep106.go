package idcode

import "fmt"

func code(bank, id uint16) uint16 {
	return bank<<7 | id
}

// manufacturers holds the JEP106 entries commonly seen on JTAG chains.
var manufacturers = map[uint16]Manufacturer{
	code(0, 0x01): {Name: "AMD", Abbreviation: "AMD"},
	code(0, 0x09): {Name: "Intel", Abbreviation: "Intel"},
	code(0, 0x0E): {Name: "Freescale (Motorola)", Abbreviation: "Freescale"},
	code(0, 0x15): {Name: "NXP (Philips)", Abbreviation: "NXP"},
	code(0, 0x17): {Name: "Texas Instruments", Abbreviation: "TI"},
	code(0, 0x1F): {Name: "Atmel", Abbreviation: "Atmel"},
	code(0, 0x20): {Name: "STMicroelectronics", Abbreviation: "ST"},
	code(0, 0x21): {Name: "Lattice Semiconductor", Abbreviation: "Lattice"},
	code(0, 0x29): {Name: "Microchip Technology", Abbreviation: "Microchip"},
	code(0, 0x34): {Name: "Cypress", Abbreviation: "Cypress"},
	code(0, 0x49): {Name: "Xilinx", Abbreviation: "Xilinx"},
	code(0, 0x6E): {Name: "Altera", Abbreviation: "Altera"},
	code(4, 0x3B): {Name: "ARM Ltd", Abbreviation: "ARM"},
	code(8, 0x0D): {Name: "Gowin Semiconductor", Abbreviation: "Gowin"},
	code(9, 0x09): {Name: "SiFive", Abbreviation: "SiFive"},
	code(9, 0x13): {Name: "Raspberry Pi", Abbreviation: "RPi"},
}

func init() {
	for c, m := range manufacturers {
		m.Code = c
		manufacturers[c] = m
	}
}

// LookupManufacturer returns manufacturer info for an IDCODE[11:1] value.
func LookupManufacturer(code uint16) (Manufacturer, bool) {
	m, ok := manufacturers[code]
	if !ok {
		return Manufacturer{
			Code:         code,
			Name:         fmt.Sprintf("Unknown (bank %d, id %#04x)", code>>7, code&0x7F),
			Abbreviation: "unknown",
		}, false
	}
	return m, true
}

// Describe formats an IDCODE the way the scan report prints it.
func Describe(raw uint32) string {
	id := ParseIDCode(raw)
	m, ok := LookupManufacturer(id.ManufacturerCode)
	name := m.Name
	if !ok {
		name = "unknown"
	}
	return fmt.Sprintf("manufacturer=%#05x (%s) part=%#06x version=%#x",
		id.ManufacturerCode, name, id.PartNumber, id.Version)
}
