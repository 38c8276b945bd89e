package jtag

import (
	"encoding/binary"
	"fmt"

	"github.com/OpenTraceLab/tapprobe/pkg/bits"
)

// CMSIS-DAP Command IDs
const (
	CmdInfo         = 0x00
	CmdConnect      = 0x02
	CmdDisconnect   = 0x03
	CmdSWJPins      = 0x10
	CmdSWJClock     = 0x11
	CmdJTAGSequence = 0x14
)

// DAP_Info Info IDs
const (
	InfoVendorID    = 0x01
	InfoProductID   = 0x02
	InfoSerialNum   = 0x03
	InfoFirmwareVer = 0x04
	InfoPacketCount = 0xFE
	InfoPacketSize  = 0xFF
)

// Connection ports
const (
	PortDefault = 0
	PortSWD     = 1
	PortJTAG    = 2
)

// Status codes
const (
	StatusOK    = 0x00
	StatusError = 0xFF
)

// DAP_SWJ_Pins bits
const (
	PinTCK   = 0x01
	PinTMS   = 0x02
	PinTDI   = 0x04
	PinTDO   = 0x08
	PinNTRST = 0x20
	PinNRST  = 0x80
)

// JTAG Sequence info flags
const (
	JTAGSeqTCKMask = 0x3F // Bits [5:0] = TCK count (0-63, where 0 means 64)
	JTAGSeqTMS     = 0x40 // Bit [6] = TMS value
	JTAGSeqTDO     = 0x80 // Bit [7] = Capture TDO

	// MaxSequenceBits is the most TCK cycles one sequence can carry.
	MaxSequenceBits = 64
	// maxSequences is limited by the one-byte sequence count.
	maxSequences = 255
)

// CMSISDAPProtocol handles encoding/decoding of CMSIS-DAP commands
type CMSISDAPProtocol struct {
	PacketSize int
}

// NewCMSISDAPProtocol creates a new protocol handler
func NewCMSISDAPProtocol(packetSize int) *CMSISDAPProtocol {
	return &CMSISDAPProtocol{
		PacketSize: packetSize,
	}
}

// EncodeInfo builds a DAP_Info command
func (p *CMSISDAPProtocol) EncodeInfo(infoID byte) []byte {
	return []byte{CmdInfo, infoID}
}

// DecodeInfo parses a DAP_Info response into its raw payload.
func (p *CMSISDAPProtocol) DecodeInfo(resp []byte) ([]byte, error) {
	if err := checkResponse(resp, CmdInfo, 2); err != nil {
		return nil, err
	}
	length := int(resp[1])
	if len(resp) < 2+length {
		return nil, fmt.Errorf("cmsis-dap: incomplete info payload")
	}
	return resp[2 : 2+length], nil
}

// DecodeInfoString parses a string-valued DAP_Info response.
func (p *CMSISDAPProtocol) DecodeInfoString(resp []byte) (string, error) {
	payload, err := p.DecodeInfo(resp)
	if err != nil {
		return "", err
	}
	// Some firmware counts the terminating NUL.
	for len(payload) > 0 && payload[len(payload)-1] == 0 {
		payload = payload[:len(payload)-1]
	}
	return string(payload), nil
}

// DecodeInfoPacketSize parses the DAP_Info packet size reply.
func (p *CMSISDAPProtocol) DecodeInfoPacketSize(resp []byte) (int, error) {
	payload, err := p.DecodeInfo(resp)
	if err != nil {
		return 0, err
	}
	if len(payload) != 2 {
		return 0, fmt.Errorf("cmsis-dap: packet size payload is %d bytes", len(payload))
	}
	return int(binary.LittleEndian.Uint16(payload)), nil
}

// EncodeConnect builds a DAP_Connect command
func (p *CMSISDAPProtocol) EncodeConnect(port byte) []byte {
	return []byte{CmdConnect, port}
}

// DecodeConnect parses a DAP_Connect response
func (p *CMSISDAPProtocol) DecodeConnect(resp []byte) (byte, error) {
	if err := checkResponse(resp, CmdConnect, 2); err != nil {
		return 0, err
	}
	if resp[1] == PortDefault {
		return 0, fmt.Errorf("cmsis-dap: connection failed")
	}
	return resp[1], nil
}

// EncodeDisconnect builds a DAP_Disconnect command
func (p *CMSISDAPProtocol) EncodeDisconnect() []byte {
	return []byte{CmdDisconnect}
}

// DecodeDisconnect parses a DAP_Disconnect response
func (p *CMSISDAPProtocol) DecodeDisconnect(resp []byte) error {
	return checkStatus(resp, CmdDisconnect, "disconnect")
}

// EncodeSetClock builds a DAP_SWJ_Clock command
func (p *CMSISDAPProtocol) EncodeSetClock(hz uint32) []byte {
	cmd := make([]byte, 5)
	cmd[0] = CmdSWJClock
	binary.LittleEndian.PutUint32(cmd[1:], hz)
	return cmd
}

// DecodeSetClock parses response
func (p *CMSISDAPProtocol) DecodeSetClock(resp []byte) error {
	return checkStatus(resp, CmdSWJClock, "set clock")
}

// EncodeSWJPins builds a DAP_SWJ_Pins command driving the pins in sel to
// the levels in out, then waiting up to waitUS for them to settle.
func (p *CMSISDAPProtocol) EncodeSWJPins(out, sel byte, waitUS uint32) []byte {
	cmd := make([]byte, 7)
	cmd[0] = CmdSWJPins
	cmd[1] = out
	cmd[2] = sel
	binary.LittleEndian.PutUint32(cmd[3:], waitUS)
	return cmd
}

// DecodeSWJPins returns the pin levels read back by the probe.
func (p *CMSISDAPProtocol) DecodeSWJPins(resp []byte) (byte, error) {
	if err := checkResponse(resp, CmdSWJPins, 2); err != nil {
		return 0, err
	}
	return resp[1], nil
}

// JTAGSequence is one DAP_JTAG_Sequence entry: up to 64 clocks with a
// constant TMS level.
type JTAGSequence struct {
	TMS        bool
	CaptureTDO bool
	TDI        bits.Seq
}

// Info returns the sequence info byte.
func (seq JTAGSequence) Info() byte {
	info := byte(seq.TDI.Len() & JTAGSeqTCKMask) // 64 encodes as 0
	if seq.TMS {
		info |= JTAGSeqTMS
	}
	if seq.CaptureTDO {
		info |= JTAGSeqTDO
	}
	return info
}

func (seq JTAGSequence) requestSize() int {
	return 1 + (seq.TDI.Len()+7)/8
}

func (seq JTAGSequence) responseSize() int {
	if !seq.CaptureTDO {
		return 0
	}
	return (seq.TDI.Len() + 7) / 8
}

// SplitSequences cuts a run of clocks sharing one TMS level into
// sequences of at most MaxSequenceBits.
func SplitSequences(tdi bits.Seq, tms, capture bool) []JTAGSequence {
	var out []JTAGSequence
	for _, chunk := range tdi.Chunks(MaxSequenceBits) {
		if chunk.Len() == 0 {
			continue
		}
		out = append(out, JTAGSequence{TMS: tms, CaptureTDO: capture, TDI: chunk})
	}
	return out
}

// Batch groups sequences into commands whose request and response both
// fit in one packet.
func (p *CMSISDAPProtocol) Batch(seqs []JTAGSequence) [][]JTAGSequence {
	var batches [][]JTAGSequence
	var cur []JTAGSequence
	req, resp := 2, 2
	for _, seq := range seqs {
		if len(cur) > 0 && (len(cur) == maxSequences ||
			req+seq.requestSize() > p.PacketSize ||
			resp+seq.responseSize() > p.PacketSize) {
			batches = append(batches, cur)
			cur, req, resp = nil, 2, 2
		}
		cur = append(cur, seq)
		req += seq.requestSize()
		resp += seq.responseSize()
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// EncodeJTAGSequence builds a DAP_JTAG_Sequence command
// Each sequence is: [info_byte][tdi_data...]
func (p *CMSISDAPProtocol) EncodeJTAGSequence(sequences []JTAGSequence) []byte {
	cmd := make([]byte, 2, p.PacketSize)
	cmd[0] = CmdJTAGSequence
	cmd[1] = byte(len(sequences))
	for _, seq := range sequences {
		cmd = append(cmd, seq.Info())
		cmd = append(cmd, seq.TDI.Bytes()...)
	}
	return cmd
}

// DecodeJTAGSequence parses a response and concatenates the TDO bits of
// every capturing sequence.
func (p *CMSISDAPProtocol) DecodeJTAGSequence(resp []byte, sequences []JTAGSequence) (bits.Seq, error) {
	if err := checkStatus(resp, CmdJTAGSequence, "sequence"); err != nil {
		return bits.Seq{}, err
	}
	var parts []bits.Seq
	offset := 2
	for _, seq := range sequences {
		n := seq.responseSize()
		if n == 0 {
			continue
		}
		if offset+n > len(resp) {
			return bits.Seq{}, fmt.Errorf("cmsis-dap: incomplete TDO data")
		}
		parts = append(parts, bits.FromBytes(resp[offset:offset+n], seq.TDI.Len()))
		offset += n
	}
	return bits.Concat(parts...), nil
}

func checkResponse(resp []byte, cmd byte, min int) error {
	if len(resp) < min {
		return fmt.Errorf("cmsis-dap: response too short")
	}
	if resp[0] != cmd {
		return fmt.Errorf("cmsis-dap: invalid command ID: 0x%02X", resp[0])
	}
	return nil
}

func checkStatus(resp []byte, cmd byte, what string) error {
	if err := checkResponse(resp, cmd, 2); err != nil {
		return err
	}
	if resp[1] != StatusOK {
		return fmt.Errorf("cmsis-dap: %s failed", what)
	}
	return nil
}
