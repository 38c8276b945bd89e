package chain

import (
	"context"
	"fmt"

	"github.com/OpenTraceLab/tapprobe/pkg/bits"
)

// TapView addresses one TAP of a chain as if it were alone. Every other
// TAP is padded with all-ones filler, which selects BYPASS only on devices
// whose BYPASS opcode is all ones (required by IEEE 1149.1 for the IR, but
// not every part follows it). With BYPASS selected each of them adds one
// DR bit.
//
// A view is tied to the Topology it was built from; rebuild it after the
// chain changes.
type TapView struct {
	lower *Controller
	index int

	irLength int
	irPrefix bits.Seq
	irSuffix bits.Seq
	drPrefix bits.Seq
	drSuffix bits.Seq
}

// NewTapView builds a view of TAP index within topo.
func NewTapView(c *Controller, topo *Topology, index int) (*TapView, error) {
	if index < 0 || index >= topo.Len() {
		return nil, scanErrorf("select tap", ErrNoSuchTAP,
			"TAP #%d not present in a chain of %d", index, topo.Len())
	}
	ir := topo.IRs[index]
	totalIR := topo.TotalIRLength()
	totalDR := topo.Len()
	return &TapView{
		lower:    c,
		index:    index,
		irLength: ir.Length,
		irPrefix: bits.Ones(ir.Offset),
		irSuffix: bits.Ones(totalIR - ir.Offset - ir.Length),
		drPrefix: bits.Ones(index),
		drSuffix: bits.Ones(totalDR - index - 1),
	}, nil
}

func (v *TapView) Index() int         { return v.index }
func (v *TapView) IRLength() int      { return v.irLength }
func (v *TapView) IRPrefix() bits.Seq { return v.irPrefix }
func (v *TapView) IRSuffix() bits.Seq { return v.irSuffix }
func (v *TapView) DRPrefix() bits.Seq { return v.drPrefix }
func (v *TapView) DRSuffix() bits.Seq { return v.drSuffix }

// IROverhead is the number of filler IR bits around this TAP.
func (v *TapView) IROverhead() int {
	return v.irPrefix.Len() + v.irSuffix.Len()
}

// DROverhead is the number of BYPASS bits around this TAP.
func (v *TapView) DROverhead() int {
	return v.drPrefix.Len() + v.drSuffix.Len()
}

// Controller returns the underlying chain controller.
func (v *TapView) Controller() *Controller {
	return v.lower
}

func (v *TapView) checkIR(data bits.Seq) error {
	if data.Len() != v.irLength {
		return fmt.Errorf("chain: TAP #%d IR is %d bits, got %d", v.index, v.irLength, data.Len())
	}
	return nil
}

func (v *TapView) strip(data bits.Seq, prefix, suffix int) bits.Seq {
	return data.Slice(prefix, data.Len()-suffix)
}

func (v *TapView) TestReset(ctx context.Context) error {
	return v.lower.TestReset(ctx)
}

func (v *TapView) RunTestIdle(ctx context.Context, count int) error {
	return v.lower.RunTestIdle(ctx, count)
}

func (v *TapView) WriteIR(ctx context.Context, data bits.Seq) error {
	if err := v.checkIR(data); err != nil {
		return err
	}
	return v.lower.WriteIR(ctx, bits.Concat(v.irPrefix, data, v.irSuffix))
}

func (v *TapView) ExchangeIR(ctx context.Context, data bits.Seq) (bits.Seq, error) {
	if err := v.checkIR(data); err != nil {
		return bits.Seq{}, err
	}
	out, err := v.lower.ExchangeIR(ctx, bits.Concat(v.irPrefix, data, v.irSuffix))
	if err != nil {
		return bits.Seq{}, err
	}
	return v.strip(out, v.irPrefix.Len(), v.irSuffix.Len()), nil
}

func (v *TapView) ReadIR(ctx context.Context) (bits.Seq, error) {
	out, err := v.lower.ReadIR(ctx, v.IROverhead()+v.irLength)
	if err != nil {
		return bits.Seq{}, err
	}
	return v.strip(out, v.irPrefix.Len(), v.irSuffix.Len()), nil
}

func (v *TapView) ExchangeDR(ctx context.Context, data bits.Seq) (bits.Seq, error) {
	if err := checkRegister("exchange dr", data.Len()); err != nil {
		return bits.Seq{}, err
	}
	out, err := v.lower.ExchangeDR(ctx, bits.Concat(v.drPrefix, data, v.drSuffix))
	if err != nil {
		return bits.Seq{}, err
	}
	return v.strip(out, v.drPrefix.Len(), v.drSuffix.Len()), nil
}

func (v *TapView) ReadDR(ctx context.Context, count int, idempotent bool) (bits.Seq, error) {
	if err := checkRegister("read dr", count); err != nil {
		return bits.Seq{}, err
	}
	out, err := v.lower.ReadDR(ctx, v.DROverhead()+count, idempotent)
	if err != nil {
		return bits.Seq{}, err
	}
	return v.strip(out, v.drPrefix.Len(), v.drSuffix.Len()), nil
}

func (v *TapView) WriteDR(ctx context.Context, data bits.Seq) error {
	if err := checkRegister("write dr", data.Len()); err != nil {
		return err
	}
	return v.lower.WriteDR(ctx, bits.Concat(v.drPrefix, data, v.drSuffix))
}

// ScanDRLength measures this TAP's selected DR, excluding the BYPASS bits
// of the other devices.
func (v *TapView) ScanDRLength(ctx context.Context, maxLength int, zeroOK bool) (int, error) {
	overhead := v.DROverhead()
	// The raw length includes the BYPASS bits, so zero is never expected
	// from the chain when there is overhead.
	length, err := v.lower.ScanDRLength(ctx, overhead+maxLength, zeroOK || overhead > 0)
	if err != nil {
		return 0, err
	}
	if length < overhead {
		return 0, scanErrorf("scan dr length", ErrProtocolDesync,
			"DR length %d shorter than %d BYPASS bits", length, overhead)
	}
	length -= overhead
	if length == 0 && !zeroOK {
		err := scanErrorf("scan dr length", ErrProtocolDesync, "DR length is zero")
		v.lower.log.Warn("DR length scan failed", "err", err)
		return 0, err
	}
	return length, nil
}
