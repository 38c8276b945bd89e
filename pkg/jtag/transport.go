package jtag

import (
	"context"
	"errors"

	"github.com/OpenTraceLab/tapprobe/pkg/bits"
)

// Transport is the bit-level shift engine underneath the TAP controller.
// Every call is a complete round trip: when it returns without error the
// bits have been clocked on the wire. Implementations are not required to
// be safe for concurrent use; the controller serializes access.
//
// With last set, TMS is driven high on the final clock of a TDI/TDO shift,
// which moves a TAP in Shift-IR/Shift-DR into Exit1-IR/Exit1-DR.
type Transport interface {
	// ShiftTMS clocks the given TMS bits with TDI low.
	ShiftTMS(ctx context.Context, tms bits.Seq) error
	// ShiftTDI clocks tdi out with TMS low, discarding TDO.
	ShiftTDI(ctx context.Context, tdi bits.Seq, last bool) error
	// ShiftTDO clocks count bits with TDI held high and returns TDO.
	ShiftTDO(ctx context.Context, count int, last bool) (bits.Seq, error)
	// ShiftTDIO clocks tdi out and returns the TDO bits captured meanwhile.
	ShiftTDIO(ctx context.Context, tdi bits.Seq, last bool) (bits.Seq, error)
	// PulseTRST asserts and releases TRST#. Adapters without the signal
	// return ErrNotImplemented.
	PulseTRST(ctx context.Context) error
	// PulseTCK clocks count cycles with TMS low.
	PulseTCK(ctx context.Context, count int) error
}

// ErrNotImplemented is returned by backends lacking a capability, such as
// a TRST# line.
var ErrNotImplemented = errors.New("jtag: not implemented")

// MaxChunkBits is the largest bit count a single wire request may carry.
const MaxChunkBits = 0xFFFF

// AdapterInfo describes capabilities reported by a transport backend.
type AdapterInfo struct {
	Name         string
	Vendor       string
	Model        string
	SerialNumber string
	Firmware     string
	MinFrequency int // Hertz
	MaxFrequency int // Hertz
	SupportsTRST bool
	Notes        string
}

// Describer is implemented by transports that can report adapter details.
type Describer interface {
	Info() (AdapterInfo, error)
}

// SpeedSetter is implemented by transports with a configurable TCK rate.
type SpeedSetter interface {
	SetSpeed(ctx context.Context, hz int) error
}
