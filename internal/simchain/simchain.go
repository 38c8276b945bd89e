// Package simchain builds simulated JTAG chains from a short text
// description, for use with the simulator transport.
package simchain

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"

	"github.com/OpenTraceLab/tapprobe/pkg/bits"
	"github.com/OpenTraceLab/tapprobe/pkg/jtag"
)

// Default describes the chain used when no description is given: an
// Artix-7 style FPGA, a bypass-only device and an ARM debug port.
const Default = `tap idcode=0x13631093 irlen=6 reg 0x2 len=8 value=0x5A;
tap irlen=4;
tap idcode=0x4BA00477 irlen=4 reg 0xA len=35 reg 0xB len=35 value=0x0 ro`

// Parser converts chain descriptions into simulator devices.
type Parser struct {
	parser *participle.Parser[ChainFile]
}

// NewParser creates a chain description parser.
func NewParser() (*Parser, error) {
	p, err := participle.Build[ChainFile](
		participle.Lexer(chainLexer),
		participle.Elide("Comment", "Whitespace"),
		participle.UseLookahead(2),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build parser: %w", err)
	}
	return &Parser{parser: p}, nil
}

// Parse reads a description from r.
func (p *Parser) Parse(r io.Reader) ([]jtag.SimDevice, error) {
	file, err := p.parser.Parse("", r)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return file.Devices()
}

// ParseString reads a description from a string.
func (p *Parser) ParseString(input string) ([]jtag.SimDevice, error) {
	file, err := p.parser.ParseString("", input)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return file.Devices()
}

// Parse is a convenience wrapper around NewParser and ParseString.
func Parse(input string) ([]jtag.SimDevice, error) {
	p, err := NewParser()
	if err != nil {
		return nil, err
	}
	return p.ParseString(input)
}

// Devices validates the parsed description and converts it.
func (f *ChainFile) Devices() ([]jtag.SimDevice, error) {
	if len(f.TAPs) == 0 {
		return nil, fmt.Errorf("chain description has no devices")
	}
	devices := make([]jtag.SimDevice, 0, len(f.TAPs))
	for i, decl := range f.TAPs {
		dev, err := decl.device()
		if err != nil {
			return nil, fmt.Errorf("tap %d at %s: %w", i, decl.Pos, err)
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func (d *TAPDecl) device() (jtag.SimDevice, error) {
	var dev jtag.SimDevice
	var capture, idcodeIR string

	seen := make(map[string]bool)
	for _, a := range d.Attrs {
		if seen[a.Key] {
			return dev, fmt.Errorf("duplicate attribute %q", a.Key)
		}
		seen[a.Key] = true

		switch a.Key {
		case "idcode":
			v, err := parseNumber(a.Value, 32)
			if err != nil {
				return dev, fmt.Errorf("idcode: %w", err)
			}
			if v != 0 && v&1 == 0 {
				return dev, fmt.Errorf("idcode %#010x must have bit 0 set", v)
			}
			dev.IDCode = uint32(v)
		case "irlen":
			v, err := parseNumber(a.Value, 16)
			if err != nil {
				return dev, fmt.Errorf("irlen: %w", err)
			}
			dev.IRLength = int(v)
		case "capture":
			capture = a.Value
		case "idcode_ir":
			idcodeIR = a.Value
		}
	}

	if dev.IRLength < 2 {
		return dev, fmt.Errorf("irlen must be at least 2, got %d", dev.IRLength)
	}
	if dev.IRLength > jtag.MaxSimIRLength {
		return dev, fmt.Errorf("irlen must be at most %d, got %d", jtag.MaxSimIRLength, dev.IRLength)
	}
	if capture != "" {
		seq, err := parseValue(capture, dev.IRLength)
		if err != nil {
			return dev, fmt.Errorf("capture: %w", err)
		}
		if !seq.Bit(0) || seq.Bit(1) {
			return dev, fmt.Errorf("capture %s must end in 01", seq)
		}
		dev.IRCapture = seq
	}
	if idcodeIR != "" {
		seq, err := parseValue(idcodeIR, dev.IRLength)
		if err != nil {
			return dev, fmt.Errorf("idcode_ir: %w", err)
		}
		dev.IDCodeOpcode = seq
	}

	bypass := bits.Ones(dev.IRLength).Uint64()
	for _, r := range d.Registers {
		opcode, err := parseNumber(r.Opcode, dev.IRLength)
		if err != nil {
			return dev, fmt.Errorf("reg %s: %w", r.Opcode, err)
		}
		if opcode == bypass {
			return dev, fmt.Errorf("reg %s: opcode is reserved for BYPASS", r.Opcode)
		}
		if _, dup := dev.Registers[opcode]; dup {
			return dev, fmt.Errorf("reg %s: duplicate register", r.Opcode)
		}
		if r.Length < 1 {
			return dev, fmt.Errorf("reg %s: length must be positive", r.Opcode)
		}
		reg := &jtag.SimRegister{Length: r.Length, ReadOnly: r.ReadOnly}
		if r.Value != "" {
			if reg.Value, err = parseValue(r.Value, r.Length); err != nil {
				return dev, fmt.Errorf("reg %s: %w", r.Opcode, err)
			}
		}
		if dev.Registers == nil {
			dev.Registers = make(map[uint64]*jtag.SimRegister)
		}
		dev.Registers[opcode] = reg
	}
	return dev, nil
}

// parseNumber accepts decimal or 0x-prefixed hex and checks the value
// fits in width bits.
func parseNumber(text string, width int) (uint64, error) {
	var v uint64
	var err error
	if isHex(text) {
		v, err = strconv.ParseUint(text[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(text, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", text)
	}
	if width < 64 && v>>uint(width) != 0 {
		return 0, fmt.Errorf("%s does not fit in %d bits", text, width)
	}
	return v, nil
}

// parseValue reads a register value: 0x-prefixed hex, or a binary
// string written most significant bit first whose length must match.
func parseValue(text string, length int) (bits.Seq, error) {
	if isHex(text) {
		v, err := parseNumber(text, length)
		if err != nil {
			return bits.Seq{}, err
		}
		return bits.FromUint(v, length), nil
	}
	seq, err := bits.Parse(text)
	if err != nil {
		return bits.Seq{}, err
	}
	if seq.Len() != length {
		return bits.Seq{}, fmt.Errorf("value %s has %d bits, want %d", text, seq.Len(), length)
	}
	return seq, nil
}

func isHex(text string) bool {
	return strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X")
}
