package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/OpenTraceLab/tapprobe/pkg/bits"
	"github.com/OpenTraceLab/tapprobe/pkg/jtag"
	"github.com/OpenTraceLab/tapprobe/pkg/tap"
)

func TestScanIDCodes(t *testing.T) {
	_, c := newTestController(t, []jtag.SimDevice{
		{IRLength: 4, IDCode: 0x149511C3},
		{IRLength: 6},
	}, false)
	got, err := c.ScanIDCodes(context.Background(), 8)
	if err != nil {
		t.Fatalf("ScanIDCodes returned error: %v", err)
	}
	want := []IDCode{0x149511C3, BypassDevice}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ScanIDCodes mismatch (-want +got):\n%s", diff)
	}
	if c.State() != tap.StateRunTestIdle {
		t.Fatalf("state after scan = %s, want %s", c.State(), tap.StateRunTestIdle)
	}
}

func TestScanIDCodesDeviceLimit(t *testing.T) {
	devices := []jtag.SimDevice{
		{IRLength: 4, IDCode: 0x0BA00477},
		{IRLength: 5, IDCode: 0x06413041},
		{IRLength: 6},
	}
	_, c := newTestController(t, devices, true)
	ctx := context.Background()

	if _, err := c.ScanIDCodes(ctx, 3); err != nil {
		t.Fatalf("ScanIDCodes(3) returned error: %v", err)
	}
	_, err := c.ScanIDCodes(ctx, 2)
	if !errors.Is(err, ErrTooManyDevices) || !IsNotFound(err) {
		t.Fatalf("ScanIDCodes(2) error = %v, want ErrTooManyDevices", err)
	}
	if c.State() != tap.StateRunTestIdle {
		t.Fatalf("state after failed scan = %s, want %s", c.State(), tap.StateRunTestIdle)
	}
}

func TestScanIDCodesTransportFailure(t *testing.T) {
	sim, c := newTestController(t, []jtag.SimDevice{{IRLength: 4, IDCode: 0x149511C3}}, false)
	sim.FailAfter(4, errWire)
	_, err := c.ScanIDCodes(context.Background(), 8)
	if !errors.Is(err, errWire) {
		t.Fatalf("ScanIDCodes error = %v, want %v", err, errWire)
	}
	if IsNotFound(err) {
		t.Fatalf("transport failure reported as not found")
	}
	if c.State() != tap.StateUnknown {
		t.Fatalf("state after failure = %s, want %s", c.State(), tap.StateUnknown)
	}
}

func TestScanIR(t *testing.T) {
	_, c := newTestController(t, []jtag.SimDevice{
		{IRLength: 4, IDCode: 0x149511C3},
		{IRLength: 6},
	}, false)
	got, err := c.ScanIR(context.Background(), 2, DefaultMaxIRLength)
	if err != nil {
		t.Fatalf("ScanIR returned error: %v", err)
	}
	want := []IRSpan{{Offset: 0, Length: 4}, {Offset: 4, Length: 6}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ScanIR mismatch (-want +got):\n%s", diff)
	}
	if c.State() != tap.StateRunTestIdle {
		t.Fatalf("state after scan = %s, want %s", c.State(), tap.StateRunTestIdle)
	}
}

// A single TAP may capture more ones than the low "01" pair, which the
// 1,0...0,1 segmentation reads as several devices.
func singleTAPWideCapture() []jtag.SimDevice {
	return []jtag.SimDevice{{
		IRLength:  6,
		IDCode:    0x13631093,
		IRCapture: bits.MustParse("010001"),
	}}
}

func TestScanIRSingleTAPTakesWholeIR(t *testing.T) {
	_, c := newTestController(t, singleTAPWideCapture(), false)
	ctx := context.Background()

	got, err := c.ScanIR(ctx, AnyCount, DefaultMaxIRLength)
	if err != nil {
		t.Fatalf("ScanIR(AnyCount) returned error: %v", err)
	}
	want := []IRSpan{{Offset: 0, Length: 4}, {Offset: 4, Length: 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ScanIR(AnyCount) mismatch (-want +got):\n%s", diff)
	}

	got, err = c.ScanIR(ctx, 1, DefaultMaxIRLength)
	if err != nil {
		t.Fatalf("ScanIR(1) returned error: %v", err)
	}
	want = []IRSpan{{Offset: 0, Length: 6}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ScanIR(1) mismatch (-want +got):\n%s", diff)
	}
	if c.State() != tap.StateRunTestIdle {
		t.Fatalf("state after scan = %s, want %s", c.State(), tap.StateRunTestIdle)
	}

	if spans, err := c.ScanIR(ctx, 1, 5); !IsNotFound(err) || spans != nil {
		t.Fatalf("ScanIR(1) with 5-bit bound = %v, %v; want not found", spans, err)
	}
	if c.State() != tap.StateRunTestIdle {
		t.Fatalf("state after failed scan = %s, want %s", c.State(), tap.StateRunTestIdle)
	}
}

func TestScanIRSingleTAPUpperOnes(t *testing.T) {
	// 110001 segments cleanly as one 4-bit device.
	_, c := newTestController(t, []jtag.SimDevice{{IRLength: 6, IRCapture: bits.MustParse("110001")}}, false)
	got, err := c.ScanIR(context.Background(), 1, DefaultMaxIRLength)
	if err != nil {
		t.Fatalf("ScanIR(1) returned error: %v", err)
	}
	want := []IRSpan{{Offset: 0, Length: 6}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ScanIR(1) mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectTAPSingleTAPWideCapture(t *testing.T) {
	_, c := newTestController(t, singleTAPWideCapture(), false)
	ctx := context.Background()
	view, err := c.SelectTAP(ctx, 0)
	if err != nil {
		t.Fatalf("SelectTAP returned error: %v", err)
	}
	if view.IRLength() != 6 || view.IROverhead() != 0 || view.DROverhead() != 0 {
		t.Fatalf("view IR length %d, overhead %d/%d; want 6, 0/0",
			view.IRLength(), view.IROverhead(), view.DROverhead())
	}
	if err := view.WriteIR(ctx, bits.FromUint(1, 6)); err != nil {
		t.Fatalf("WriteIR returned error: %v", err)
	}
	id, err := view.ReadDR(ctx, 32, true)
	if err != nil {
		t.Fatalf("ReadDR returned error: %v", err)
	}
	if id.Uint32() != 0x13631093 {
		t.Fatalf("IDCODE through view = %#x, want 0x13631093", id.Uint32())
	}
}

func TestScanIRLength(t *testing.T) {
	sim, c := newTestController(t, []jtag.SimDevice{
		{IRLength: 4, IDCode: 0x149511C3},
		{IRLength: 6},
	}, false)
	resetController(t, c)
	ctx := context.Background()

	length, err := c.ScanIRLength(ctx, DefaultMaxIRLength)
	if err != nil {
		t.Fatalf("ScanIRLength returned error: %v", err)
	}
	if length != 10 {
		t.Fatalf("ScanIRLength = %d, want 10", length)
	}
	if c.State() != tap.StateRunTestIdle {
		t.Fatalf("state after scan = %s, want %s", c.State(), tap.StateRunTestIdle)
	}
	for i := 0; i < 2; i++ {
		if ir := sim.Instruction(i); !ir.AllOnes() {
			t.Fatalf("device %d instruction = %v, want BYPASS", i, ir)
		}
	}
	if ir, ok := c.CachedIR(); !ok || !ir.Equal(bits.Ones(10)) {
		t.Fatalf("cached IR = %v (known %v), want ten ones", ir, ok)
	}
	sim.ResetOps()
	if err := c.WriteIR(ctx, bits.Ones(10)); err != nil {
		t.Fatalf("WriteIR returned error: %v", err)
	}
	if n := len(sim.Ops()); n != 0 {
		t.Fatalf("WriteIR of BYPASS after scan issued %d calls", n)
	}
}

func TestScanIRLengthOverlong(t *testing.T) {
	_, c := newTestController(t, []jtag.SimDevice{{IRLength: 6, IRCapture: bits.MustParse("111101")}}, false)
	resetController(t, c)
	_, err := c.ScanIRLength(context.Background(), 3)
	if !errors.Is(err, ErrOverlongScan) || !IsNotFound(err) {
		t.Fatalf("ScanIRLength(3) error = %v, want ErrOverlongScan", err)
	}
	if c.State() != tap.StateRunTestIdle {
		t.Fatalf("state after failed scan = %s, want %s", c.State(), tap.StateRunTestIdle)
	}
	if _, ok := c.CachedIR(); ok {
		t.Fatalf("IR cache known after failed scan")
	}
}

func TestScanIRFailures(t *testing.T) {
	cases := []struct {
		name    string
		devices []jtag.SimDevice
		count   int
		max     int
		want    error
	}{
		{
			name:    "capture without leading one",
			devices: []jtag.SimDevice{{IRLength: 4, IRCapture: bits.Zeros(4)}},
			count:   AnyCount,
			max:     DefaultMaxIRLength,
			want:    ErrProtocolDesync,
		},
		{
			name:    "single TAP capture without leading one",
			devices: []jtag.SimDevice{{IRLength: 4, IRCapture: bits.Zeros(4)}},
			count:   1,
			max:     DefaultMaxIRLength,
			want:    ErrProtocolDesync,
		},
		{
			name:    "overlong",
			devices: []jtag.SimDevice{{IRLength: 4}, {IRLength: 12}},
			count:   AnyCount,
			max:     8,
			want:    ErrOverlongScan,
		},
		{
			name:    "count mismatch",
			devices: []jtag.SimDevice{{IRLength: 4}, {IRLength: 6}},
			count:   3,
			max:     DefaultMaxIRLength,
			want:    ErrChainMismatch,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, c := newTestController(t, tc.devices, false)
			spans, err := c.ScanIR(context.Background(), tc.count, tc.max)
			if !errors.Is(err, tc.want) {
				t.Fatalf("ScanIR error = %v, want %v", err, tc.want)
			}
			if !IsNotFound(err) || spans != nil {
				t.Fatalf("ScanIR = %v, %v; want not found", spans, err)
			}
			if c.State() != tap.StateRunTestIdle {
				t.Fatalf("state after failed scan = %s, want %s", c.State(), tap.StateRunTestIdle)
			}
		})
	}
}

func TestScanDRLengthIsNonDestructive(t *testing.T) {
	sim, c := newTestController(t, dataRegisterChain("10110"), false)
	resetController(t, c)
	ctx := context.Background()
	if err := c.WriteIR(ctx, bits.FromUint(0x2, 4)); err != nil {
		t.Fatalf("WriteIR returned error: %v", err)
	}
	n, err := c.ScanDRLength(ctx, 64, false)
	if err != nil {
		t.Fatalf("ScanDRLength returned error: %v", err)
	}
	if n != 5 {
		t.Fatalf("ScanDRLength = %d, want 5", n)
	}
	got, err := c.ReadDR(ctx, 5, true)
	if err != nil {
		t.Fatalf("ReadDR returned error: %v", err)
	}
	if got.String() != "10110" {
		t.Fatalf("DR after length scan = %v, want 10110", got)
	}
	if v, _ := sim.Register(0, 0x2); v.String() != "10110" {
		t.Fatalf("simulated register = %v, want 10110", v)
	}
}

func TestScanDRLengthBypassAndIDCode(t *testing.T) {
	_, c := newTestController(t, dataRegisterChain("00000"), false)
	resetController(t, c)
	ctx := context.Background()
	for _, tc := range []struct {
		ir   uint64
		want int
	}{
		{0x1, 32},
		{0x3, 8},
		{0xF, 1},
		{0x7, 1},
	} {
		if err := c.WriteIR(ctx, bits.FromUint(tc.ir, 4)); err != nil {
			t.Fatalf("WriteIR returned error: %v", err)
		}
		n, err := c.ScanDRLength(ctx, DefaultMaxDRLength, false)
		if err != nil {
			t.Fatalf("IR %#x: ScanDRLength returned error: %v", tc.ir, err)
		}
		if n != tc.want {
			t.Fatalf("IR %#x: ScanDRLength = %d, want %d", tc.ir, n, tc.want)
		}
	}
}

func TestScanDRLengthOverlong(t *testing.T) {
	_, c := newTestController(t, dataRegisterChain("00000"), false)
	resetController(t, c)
	ctx := context.Background()
	_, err := c.ScanDRLength(ctx, 16, false)
	if !errors.Is(err, ErrOverlongScan) || !IsNotFound(err) {
		t.Fatalf("ScanDRLength error = %v, want ErrOverlongScan", err)
	}
	if c.State() != tap.StateRunTestIdle {
		t.Fatalf("state after failed scan = %s, want %s", c.State(), tap.StateRunTestIdle)
	}
}

func TestDiscover(t *testing.T) {
	_, c := newTestController(t, []jtag.SimDevice{
		{IRLength: 4, IDCode: 0x149511C3},
		{IRLength: 6},
		{IRLength: 8, IDCode: 0x0BA00477},
	}, true)
	topo, err := c.Discover(context.Background(), DefaultDiscoverOptions())
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	want := &Topology{
		IDCodes: []IDCode{0x149511C3, BypassDevice, 0x0BA00477},
		IRs:     []IRSpan{{0, 4}, {4, 6}, {10, 8}},
	}
	if diff := cmp.Diff(want, topo); diff != "" {
		t.Fatalf("Discover mismatch (-want +got):\n%s", diff)
	}
	if topo.TotalIRLength() != 18 {
		t.Fatalf("TotalIRLength = %d, want 18", topo.TotalIRLength())
	}
}

func TestIDCodeString(t *testing.T) {
	if got := IDCode(0x149511C3).String(); got != "0x149511c3" {
		t.Fatalf("String = %q", got)
	}
	if got := BypassDevice.String(); got != "BYPASS" {
		t.Fatalf("String = %q", got)
	}
}
