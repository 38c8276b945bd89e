package jtag

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/OpenTraceLab/tapprobe/pkg/bits"
)

// Stream probe commands. The low nibble carries flags.
const (
	StreamCmdMask      = 0xF0
	StreamCmdShiftTMS  = 0x00
	StreamCmdShiftTDIO = 0x10
	StreamCmdGetAux    = 0x80
	StreamCmdSetAux    = 0x90

	StreamFlagDataOut = 0x01
	StreamFlagDataIn  = 0x02
	StreamFlagLast    = 0x04
	// StreamFlagTDI sets the TDI level during SHIFT_TMS.
	StreamFlagTDI = 0x08
)

// Aux output bits
const (
	StreamAuxTRSTZ = 0x01
	StreamAuxTRSTO = 0x02
)

// StreamProbe drives a probe that accepts a byte stream of shift commands:
// a command byte, a little-endian 16-bit bit count and LSB-first data.
// Captured TDO comes back packed the same way, one response per command
// with StreamFlagDataIn.
type StreamProbe struct {
	r io.Reader
	w *bufio.Writer

	hasTRST bool
	info    AdapterInfo

	mu sync.Mutex
}

// StreamOption configures a StreamProbe.
type StreamOption func(*StreamProbe)

// WithTRST declares that the probe drives TRST# through its aux outputs.
func WithTRST(has bool) StreamOption {
	return func(p *StreamProbe) {
		p.hasTRST = has
		p.info.SupportsTRST = has
	}
}

// WithStreamInfo overrides the reported adapter description.
func WithStreamInfo(info AdapterInfo) StreamOption {
	return func(p *StreamProbe) {
		info.SupportsTRST = p.hasTRST
		p.info = info
	}
}

// NewStreamProbe speaks the stream protocol over rw.
func NewStreamProbe(rw io.ReadWriter, opts ...StreamOption) *StreamProbe {
	p := &StreamProbe{
		r: rw,
		w: bufio.NewWriter(rw),
		info: AdapterInfo{
			Name:   "JTAG stream probe",
			Vendor: "Glasgow",
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Info reports the probe description.
func (p *StreamProbe) Info() (AdapterInfo, error) {
	return p.info, nil
}

func (p *StreamProbe) command(cmd byte, count int) error {
	var hdr [3]byte
	hdr[0] = cmd
	binary.LittleEndian.PutUint16(hdr[1:], uint16(count))
	_, err := p.w.Write(hdr[:])
	return err
}

func (p *StreamProbe) flush() error {
	if err := p.w.Flush(); err != nil {
		return fmt.Errorf("jtag: stream write: %w", err)
	}
	return nil
}

func (p *StreamProbe) read(n int) ([]byte, error) {
	if err := p.flush(); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return nil, fmt.Errorf("jtag: stream read: %w", err)
	}
	return buf, nil
}

type countChunk struct {
	n    int
	last bool
}

// chunkCounts splits count into requests of at most MaxChunkBits with
// last only on the final one.
func chunkCounts(count int, last bool) []countChunk {
	var out []countChunk
	for count > MaxChunkBits {
		out = append(out, countChunk{n: MaxChunkBits})
		count -= MaxChunkBits
	}
	return append(out, countChunk{n: count, last: last})
}

func lastFlag(last bool) byte {
	if last {
		return StreamFlagLast
	}
	return 0
}

// ShiftTMS clocks the TMS bits with TDI low.
func (p *StreamProbe) ShiftTMS(ctx context.Context, tms bits.Seq) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, chunk := range tms.Chunks(MaxChunkBits) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.command(StreamCmdShiftTMS|StreamFlagDataOut, chunk.Len()); err != nil {
			return err
		}
		if _, err := p.w.Write(chunk.Bytes()); err != nil {
			return err
		}
	}
	return p.flush()
}

func (p *StreamProbe) ShiftTDI(ctx context.Context, tdi bits.Seq, last bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.shift(ctx, tdi, last, StreamFlagDataOut)
	return err
}

func (p *StreamProbe) ShiftTDIO(ctx context.Context, tdi bits.Seq, last bool) (bits.Seq, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shift(ctx, tdi, last, StreamFlagDataOut|StreamFlagDataIn)
}

// ShiftTDO captures count bits; without DATA_OUT the probe shifts ones.
func (p *StreamProbe) ShiftTDO(ctx context.Context, count int, last bool) (bits.Seq, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var parts []bits.Seq
	for _, c := range chunkCounts(count, last) {
		if err := ctx.Err(); err != nil {
			return bits.Seq{}, err
		}
		if err := p.command(StreamCmdShiftTDIO|StreamFlagDataIn|lastFlag(c.last), c.n); err != nil {
			return bits.Seq{}, err
		}
		tdo, err := p.read((c.n + 7) / 8)
		if err != nil {
			return bits.Seq{}, err
		}
		parts = append(parts, bits.FromBytes(tdo, c.n))
	}
	return bits.Concat(parts...), nil
}

func (p *StreamProbe) shift(ctx context.Context, tdi bits.Seq, last bool, flags byte) (bits.Seq, error) {
	chunks := tdi.Chunks(MaxChunkBits)
	var parts []bits.Seq
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return bits.Seq{}, err
		}
		isLast := last && i == len(chunks)-1
		if err := p.command(StreamCmdShiftTDIO|flags|lastFlag(isLast), chunk.Len()); err != nil {
			return bits.Seq{}, err
		}
		data := chunk.Bytes()
		if _, err := p.w.Write(data); err != nil {
			return bits.Seq{}, err
		}
		if flags&StreamFlagDataIn == 0 {
			continue
		}
		tdo, err := p.read(len(data))
		if err != nil {
			return bits.Seq{}, err
		}
		parts = append(parts, bits.FromBytes(tdo, chunk.Len()))
	}
	if err := p.flush(); err != nil {
		return bits.Seq{}, err
	}
	return bits.Concat(parts...), nil
}

// PulseTCK clocks count cycles with TMS low and TDI high.
func (p *StreamProbe) PulseTCK(ctx context.Context, count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range chunkCounts(count, false) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.command(StreamCmdShiftTDIO, c.n); err != nil {
			return err
		}
	}
	return p.flush()
}

// SetAux drives the probe's auxiliary outputs.
func (p *StreamProbe) SetAux(ctx context.Context, value byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setAux(ctx, value)
}

func (p *StreamProbe) setAux(ctx context.Context, value byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.w.Write([]byte{StreamCmdSetAux, value}); err != nil {
		return err
	}
	return p.flush()
}

// GetAux reads the probe's auxiliary inputs.
func (p *StreamProbe) GetAux(ctx context.Context) (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := p.w.WriteByte(StreamCmdGetAux); err != nil {
		return 0, err
	}
	value, err := p.read(1)
	if err != nil {
		return 0, err
	}
	return value[0], nil
}

// PulseTRST asserts TRST#, clocks once with TMS high and releases it, so
// the TAP never leaves Test-Logic-Reset while TRST# changes.
func (p *StreamProbe) PulseTRST(ctx context.Context) error {
	if !p.hasTRST {
		return ErrNotImplemented
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.setAux(ctx, StreamAuxTRSTO); err != nil {
		return err
	}
	if err := p.command(StreamCmdShiftTMS|StreamFlagDataOut, 1); err != nil {
		return err
	}
	if err := p.w.WriteByte(0x01); err != nil {
		return err
	}
	return p.setAux(ctx, 0)
}
