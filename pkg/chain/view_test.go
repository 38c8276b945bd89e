package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/OpenTraceLab/tapprobe/pkg/bits"
	"github.com/OpenTraceLab/tapprobe/pkg/jtag"
)

func threeTAPChain() []jtag.SimDevice {
	return []jtag.SimDevice{
		{IRLength: 4, IDCode: 0x149511C3},
		{
			IRLength: 6,
			IDCode:   0x0BA00477,
			Registers: map[uint64]*jtag.SimRegister{
				0x2A: {Length: 5, Value: bits.MustParse("10110")},
			},
		},
		{IRLength: 8},
	}
}

func TestSelectTAPAddressing(t *testing.T) {
	sim, c := newTestController(t, threeTAPChain(), false)
	ctx := context.Background()
	view, err := c.SelectTAP(ctx, 1)
	if err != nil {
		t.Fatalf("SelectTAP returned error: %v", err)
	}
	if got := []int{view.IRPrefix().Len(), view.IRSuffix().Len(), view.DRPrefix().Len(), view.DRSuffix().Len()}; got[0] != 4 || got[1] != 8 || got[2] != 1 || got[3] != 1 {
		t.Fatalf("filler lengths = %v, want [4 8 1 1]", got)
	}
	if view.IRLength() != 6 || view.IROverhead() != 12 || view.DROverhead() != 2 {
		t.Fatalf("IRLength/IROverhead/DROverhead = %d/%d/%d", view.IRLength(), view.IROverhead(), view.DROverhead())
	}

	sim.ResetOps()
	ir := bits.FromUint(0x2A, 6)
	if err := view.WriteIR(ctx, ir); err != nil {
		t.Fatalf("WriteIR returned error: %v", err)
	}
	var shifted []bits.Seq
	for _, op := range sim.Ops() {
		if op.Kind == jtag.OpShiftTDI {
			shifted = append(shifted, op.Bits)
		}
	}
	if len(shifted) != 1 || shifted[0].Len() != 18 {
		t.Fatalf("lower IR shifts = %v, want one 18-bit write", shifted)
	}
	if !shifted[0].Slice(4, 10).Equal(ir) {
		t.Fatalf("middle IR bits = %v, want %v", shifted[0].Slice(4, 10), ir)
	}
	if !sim.Instruction(1).Equal(ir) || !sim.Instruction(0).AllOnes() || !sim.Instruction(2).AllOnes() {
		t.Fatalf("instructions = %v %v %v", sim.Instruction(0), sim.Instruction(1), sim.Instruction(2))
	}
}

func TestTapViewDataRegister(t *testing.T) {
	sim, c := newTestController(t, threeTAPChain(), false)
	ctx := context.Background()
	view, err := c.SelectTAP(ctx, 1)
	if err != nil {
		t.Fatalf("SelectTAP returned error: %v", err)
	}
	if err := view.WriteIR(ctx, bits.FromUint(0x2A, 6)); err != nil {
		t.Fatalf("WriteIR returned error: %v", err)
	}

	n, err := view.ScanDRLength(ctx, 64, false)
	if err != nil {
		t.Fatalf("ScanDRLength returned error: %v", err)
	}
	if n != 5 {
		t.Fatalf("ScanDRLength = %d, want 5", n)
	}

	got, err := view.ReadDR(ctx, 5, true)
	if err != nil {
		t.Fatalf("ReadDR returned error: %v", err)
	}
	if got.String() != "10110" {
		t.Fatalf("ReadDR = %v, want 10110", got)
	}

	old, err := view.ExchangeDR(ctx, bits.MustParse("00011"))
	if err != nil {
		t.Fatalf("ExchangeDR returned error: %v", err)
	}
	if old.String() != "10110" {
		t.Fatalf("ExchangeDR = %v, want 10110", old)
	}
	if err := view.WriteDR(ctx, bits.MustParse("11000")); err != nil {
		t.Fatalf("WriteDR returned error: %v", err)
	}
	if v, _ := sim.Register(1, 0x2A); v.String() != "11000" {
		t.Fatalf("register = %v, want 11000", v)
	}
}

func TestTapViewReadIR(t *testing.T) {
	_, c := newTestController(t, threeTAPChain(), false)
	ctx := context.Background()
	view, err := c.SelectTAP(ctx, 2)
	if err != nil {
		t.Fatalf("SelectTAP returned error: %v", err)
	}
	got, err := view.ReadIR(ctx)
	if err != nil {
		t.Fatalf("ReadIR returned error: %v", err)
	}
	if !got.Equal(bits.FromUint(1, 8)) {
		t.Fatalf("ReadIR = %v, want capture 00000001", got)
	}
	got, err = view.ExchangeIR(ctx, bits.Ones(8))
	if err != nil {
		t.Fatalf("ExchangeIR returned error: %v", err)
	}
	if !got.Equal(bits.FromUint(1, 8)) {
		t.Fatalf("ExchangeIR = %v, want capture 00000001", got)
	}
}

func TestTapViewRejectsWrongIRLength(t *testing.T) {
	sim, c := newTestController(t, threeTAPChain(), false)
	ctx := context.Background()
	view, err := c.SelectTAP(ctx, 0)
	if err != nil {
		t.Fatalf("SelectTAP returned error: %v", err)
	}
	sim.ResetOps()
	if err := view.WriteIR(ctx, bits.Ones(6)); err == nil {
		t.Fatalf("WriteIR accepted 6 bits for a 4-bit IR")
	}
	if n := len(sim.Ops()); n != 0 {
		t.Fatalf("rejected write issued %d transport calls", n)
	}
}

func TestSelectTAPOutOfRange(t *testing.T) {
	_, c := newTestController(t, threeTAPChain(), false)
	_, err := c.SelectTAP(context.Background(), 3)
	if !errors.Is(err, ErrNoSuchTAP) || !IsNotFound(err) {
		t.Fatalf("SelectTAP(3) error = %v, want ErrNoSuchTAP", err)
	}
}

func TestNewTapViewSingleDevice(t *testing.T) {
	_, c := newTestController(t, []jtag.SimDevice{{IRLength: 4}}, false)
	view, err := NewTapView(c, &Topology{IDCodes: []IDCode{BypassDevice}, IRs: []IRSpan{{0, 4}}}, 0)
	if err != nil {
		t.Fatalf("NewTapView returned error: %v", err)
	}
	if view.IROverhead() != 0 || view.DROverhead() != 0 {
		t.Fatalf("single device overhead = %d/%d", view.IROverhead(), view.DROverhead())
	}
}

func TestTapViewEmptyDataRegister(t *testing.T) {
	_, c := newTestController(t, dataRegisterChain("10110"), false)
	ctx := context.Background()
	view, err := c.SelectTAP(ctx, 0)
	if err != nil {
		t.Fatalf("SelectTAP returned error: %v", err)
	}
	if err := view.WriteDR(ctx, bits.Seq{}); !errors.Is(err, ErrEmptyRegister) {
		t.Fatalf("WriteDR of zero bits error = %v, want ErrEmptyRegister", err)
	}
	if _, err := view.ReadDR(ctx, 0, false); !errors.Is(err, ErrEmptyRegister) {
		t.Fatalf("ReadDR of zero bits error = %v, want ErrEmptyRegister", err)
	}
	if _, err := view.ExchangeDR(ctx, bits.Seq{}); !errors.Is(err, ErrEmptyRegister) {
		t.Fatalf("ExchangeDR of zero bits error = %v, want ErrEmptyRegister", err)
	}
	if err := view.WriteIR(ctx, bits.FromUint(0x2, 4)); err != nil {
		t.Fatalf("WriteIR after rejected accesses returned error: %v", err)
	}
	got, err := view.ReadDR(ctx, 5, true)
	if err != nil {
		t.Fatalf("ReadDR returned error: %v", err)
	}
	if got.String() != "10110" {
		t.Fatalf("ReadDR = %v, want 10110", got)
	}
}
