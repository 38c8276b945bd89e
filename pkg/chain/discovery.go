package chain

import (
	"context"
	"fmt"

	"github.com/OpenTraceLab/tapprobe/pkg/bits"
)

const (
	DefaultMaxIDCodes  = 8
	DefaultMaxIRLength = 128
	DefaultMaxDRLength = 1024
)

// idcodeSentinel is what a chain of ones reads as once every device has
// been shifted out.
const idcodeSentinel = 0xFFFFFFFF

// IDCode is a 32-bit IEEE 1149.1 IDCODE. A real IDCODE has bit 0 set, so
// the zero value marks a device that captured BYPASS after reset.
type IDCode uint32

// BypassDevice marks a device without IDCODE.
const BypassDevice IDCode = 0

func (id IDCode) IsBypass() bool {
	return id == BypassDevice
}

func (id IDCode) String() string {
	if id.IsBypass() {
		return "BYPASS"
	}
	return fmt.Sprintf("%#010x", uint32(id))
}

// AnyCount disables the device count check of ScanIR.
const AnyCount = -1

// IRSpan locates one device's instruction register within the chain IR.
type IRSpan struct {
	Offset int
	Length int
}

// Topology is the result of a full chain discovery. Index 0 is the device
// nearest TDO.
type Topology struct {
	IDCodes []IDCode
	IRs     []IRSpan
}

// Len returns the number of TAPs.
func (t *Topology) Len() int {
	return len(t.IRs)
}

// TotalIRLength returns the length of the concatenated chain IR.
func (t *Topology) TotalIRLength() int {
	n := 0
	for _, ir := range t.IRs {
		n += ir.Length
	}
	return n
}

// DiscoverOptions bounds the discovery scans.
type DiscoverOptions struct {
	MaxIDCodes  int
	MaxIRLength int
}

// DefaultDiscoverOptions returns the bounds used by SelectTAP.
func DefaultDiscoverOptions() DiscoverOptions {
	return DiscoverOptions{MaxIDCodes: DefaultMaxIDCodes, MaxIRLength: DefaultMaxIRLength}
}

// ScanIDCodes resets the chain and reads DR after reset, which holds
// IDCODE (32 bits, bit 0 set) or BYPASS (one 0 bit) for every device.
// The scan ends at an all-ones word.
func (c *Controller) ScanIDCodes(ctx context.Context, max int) ([]IDCode, error) {
	c.logHigh("scan idcode", "max", max)
	if err := c.TestReset(ctx); err != nil {
		return nil, err
	}
	if err := c.EnterShiftDR(ctx); err != nil {
		return nil, err
	}
	ids, scanErr := c.segmentIDCodes(ctx, max)
	if scanErr != nil && !IsNotFound(scanErr) {
		return nil, scanErr
	}
	if err := c.ShiftDummy(ctx, 1, true); err != nil {
		return nil, err
	}
	if err := c.EnterRunTestIdle(ctx); err != nil {
		return nil, err
	}
	if scanErr != nil {
		c.log.Warn("IDCODE scan failed", "err", scanErr)
		return nil, scanErr
	}
	c.logHigh("found idcodes", "idcodes", ids)
	return ids, nil
}

func (c *Controller) segmentIDCodes(ctx context.Context, max int) ([]IDCode, error) {
	var ids []IDCode
	for {
		first, err := c.ShiftTDO(ctx, 1, false)
		if err != nil {
			return nil, err
		}
		id := BypassDevice
		if first.Bit(0) {
			rest, err := c.ShiftTDO(ctx, 31, false)
			if err != nil {
				return nil, err
			}
			word := rest.Uint32()<<1 | 1
			if word == idcodeSentinel {
				return ids, nil
			}
			id = IDCode(word)
		}
		if len(ids) == max {
			return nil, scanErrorf("scan idcode", ErrTooManyDevices,
				"more than %d devices in chain", max)
		}
		ids = append(ids, id)
	}
}

// ScanIR resets the chain and splits the captured chain IR into devices.
// Every IR captures 0...01 (LSB first: 1 then zeros), and the shifted-in
// ones read back as a final run of ones. A negative count (AnyCount)
// skips the device count check.
//
// With count 1 the whole IR belongs to the only TAP, so its length is
// measured by ScanIRLength instead. A TAP may capture ones above the low
// 01 pair, which segmentation would read as further devices.
func (c *Controller) ScanIR(ctx context.Context, count, maxLength int) ([]IRSpan, error) {
	var spans []IRSpan
	var err error
	if count == 1 {
		spans, err = c.scanSingleIR(ctx, maxLength)
	} else {
		spans, err = c.scanIR(ctx, count, maxLength)
	}
	if err != nil {
		if IsNotFound(err) {
			c.log.Warn("IR scan failed", "err", err)
		}
		return nil, err
	}
	c.logHigh("found irs", "irs", spans)
	return spans, nil
}

func (c *Controller) scanSingleIR(ctx context.Context, maxLength int) ([]IRSpan, error) {
	c.logHigh("scan ir", "count", 1, "max-length", maxLength)
	if err := c.TestReset(ctx); err != nil {
		return nil, err
	}
	capture, err := c.scanIRLength(ctx, maxLength)
	if err != nil {
		return nil, err
	}
	if capture.Len() < 2 || !capture.Bit(0) || capture.Bit(1) {
		return nil, scanErrorf("scan ir", ErrProtocolDesync,
			"IR capture %s does not end in 01", capture)
	}
	return []IRSpan{{Offset: 0, Length: capture.Len()}}, nil
}

func (c *Controller) scanIR(ctx context.Context, count, maxLength int) ([]IRSpan, error) {
	c.logHigh("scan ir", "count", count, "max-length", maxLength)
	if err := c.TestReset(ctx); err != nil {
		return nil, err
	}
	if err := c.EnterShiftIR(ctx); err != nil {
		return nil, err
	}
	spans, scanErr := c.segmentIR(ctx, maxLength)
	if scanErr != nil && !IsNotFound(scanErr) {
		return nil, scanErr
	}
	if err := c.ShiftDummy(ctx, 1, true); err != nil {
		return nil, err
	}
	if err := c.EnterRunTestIdle(ctx); err != nil {
		return nil, err
	}
	if scanErr == nil && count >= 0 && len(spans) != count {
		scanErr = scanErrorf("scan ir", ErrChainMismatch,
			"IR scan found %d devices, expected %d", len(spans), count)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return spans, nil
}

func (c *Controller) segmentIR(ctx context.Context, maxLength int) ([]IRSpan, error) {
	next := func() (bool, error) {
		b, err := c.ShiftTDO(ctx, 1, false)
		if err != nil {
			return false, err
		}
		return b.Bit(0), nil
	}

	b, err := next()
	if err != nil {
		return nil, err
	}
	if !b {
		return nil, scanErrorf("scan ir", ErrProtocolDesync, "ir[0] is 0")
	}

	var spans []IRSpan
	offset := 0
	for {
		// b was the leading 1 of a device, or of the shifted-in ones.
		b, err := next()
		if err != nil {
			return nil, err
		}
		if b {
			return spans, nil
		}
		length := 2
		for {
			b, err := next()
			if err != nil {
				return nil, err
			}
			if b {
				break
			}
			length++
			if length > maxLength {
				return nil, scanErrorf("scan ir", ErrOverlongScan,
					"IR at offset %d longer than %d bits", offset, maxLength)
			}
		}
		spans = append(spans, IRSpan{Offset: offset, Length: length})
		offset += length
	}
}

// ScanIRLength measures the total chain IR length. The IR is flooded with
// ones, then zeros are shifted in until one appears at TDO. On success
// every TAP is left with BYPASS (all ones) selected.
func (c *Controller) ScanIRLength(ctx context.Context, maxLength int) (int, error) {
	capture, err := c.scanIRLength(ctx, maxLength)
	if err != nil {
		if IsNotFound(err) {
			c.log.Warn("IR length scan failed", "err", err)
		}
		return 0, err
	}
	return capture.Len(), nil
}

// scanIRLength returns the bits captured by the chain IR; their count is
// the IR length.
func (c *Controller) scanIRLength(ctx context.Context, maxLength int) (bits.Seq, error) {
	if maxLength <= 0 {
		return bits.Seq{}, fmt.Errorf("chain: scan ir length: max length %d", maxLength)
	}
	c.logHigh("scan ir length", "max-length", maxLength)
	if err := c.EnterShiftIR(ctx); err != nil {
		return bits.Seq{}, err
	}
	data, length, err := c.floodLength(ctx, bits.Ones(maxLength))
	if err != nil {
		return bits.Seq{}, err
	}

	fill := length
	switch {
	case length < 0:
		fill = maxLength
	case length == 0:
		fill = 1
	}
	if err := c.ShiftDummy(ctx, fill, true); err != nil {
		return bits.Seq{}, err
	}
	if err := c.EnterRunTestIdle(ctx); err != nil {
		return bits.Seq{}, err
	}

	switch {
	case length < 0:
		return bits.Seq{}, scanErrorf("scan ir length", ErrOverlongScan,
			"IR longer than %d bits", maxLength)
	case length == 0:
		return bits.Seq{}, scanErrorf("scan ir length", ErrProtocolDesync,
			"IR length is zero")
	}
	c.ir, c.irKnown = bits.Ones(length), true
	c.logHigh("found ir length", "length", length)
	return data.Slice(0, length), nil
}

// floodLength shifts flood in, then zeros one at a time until a zero comes
// out. It returns the bits displaced by flood and the number of zeros
// shifted before one appeared, or -1 when none did within flood.Len() bits.
func (c *Controller) floodLength(ctx context.Context, flood bits.Seq) (bits.Seq, int, error) {
	data, err := c.ShiftTDIO(ctx, flood, false)
	if err != nil {
		return bits.Seq{}, 0, err
	}
	for i := 0; i < flood.Len(); i++ {
		out, err := c.ShiftTDIO(ctx, bits.Zeros(1), false)
		if err != nil {
			return bits.Seq{}, 0, err
		}
		if !out.Bit(0) {
			return data, i, nil
		}
	}
	return data, -1, nil
}

// ScanDRLength measures the DR selected by the current IR. The register is
// flooded with ones, then zeros are shifted in until one appears at TDO;
// finally the original contents are shifted back so the measurement has no
// lasting effect.
func (c *Controller) ScanDRLength(ctx context.Context, maxLength int, zeroOK bool) (int, error) {
	if maxLength <= 0 {
		return 0, fmt.Errorf("chain: scan dr length: max length %d", maxLength)
	}
	c.logHigh("scan dr length", "max-length", maxLength)
	if err := c.EnterShiftDR(ctx); err != nil {
		return 0, err
	}
	data, length, err := c.floodLength(ctx, bits.Ones(maxLength))
	if err != nil {
		return 0, err
	}

	restore := data
	if length >= 0 {
		restore = data.Slice(0, length)
	}
	if restore.Len() == 0 {
		err = c.ShiftDummy(ctx, 1, true)
	} else {
		err = c.ShiftTDI(ctx, restore, true)
	}
	if err != nil {
		return 0, err
	}
	if err := c.EnterRunTestIdle(ctx); err != nil {
		return 0, err
	}

	var scanErr error
	switch {
	case length < 0:
		scanErr = scanErrorf("scan dr length", ErrOverlongScan,
			"DR longer than %d bits", maxLength)
	case length == 0 && !zeroOK:
		scanErr = scanErrorf("scan dr length", ErrProtocolDesync,
			"DR length is zero")
	}
	if scanErr != nil {
		c.log.Warn("DR length scan failed", "err", scanErr)
		return 0, scanErr
	}
	c.logHigh("found dr length", "length", length)
	return length, nil
}

// Discover scans IDCODEs then IRs and checks that both agree on the number
// of devices.
func (c *Controller) Discover(ctx context.Context, opts DiscoverOptions) (*Topology, error) {
	ids, err := c.ScanIDCodes(ctx, opts.MaxIDCodes)
	if err != nil {
		return nil, err
	}
	irs, err := c.ScanIR(ctx, len(ids), opts.MaxIRLength)
	if err != nil {
		return nil, err
	}
	return &Topology{IDCodes: ids, IRs: irs}, nil
}

// SelectTAP discovers the chain with default bounds and returns a view of
// the TAP at index.
func (c *Controller) SelectTAP(ctx context.Context, index int) (*TapView, error) {
	return c.SelectTAPWith(ctx, index, DefaultDiscoverOptions())
}

// SelectTAPWith is SelectTAP with explicit discovery bounds.
func (c *Controller) SelectTAPWith(ctx context.Context, index int, opts DiscoverOptions) (*TapView, error) {
	topo, err := c.Discover(ctx, opts)
	if err != nil {
		return nil, err
	}
	view, err := NewTapView(c, topo, index)
	if err != nil {
		c.log.Warn("TAP selection failed", "err", err)
		return nil, err
	}
	return view, nil
}
