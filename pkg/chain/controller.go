package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/OpenTraceLab/tapprobe/pkg/bits"
	"github.com/OpenTraceLab/tapprobe/pkg/jtag"
	"github.com/OpenTraceLab/tapprobe/pkg/tap"
)

// Controller drives a TAP through a bit transport and keeps the host model
// of its state. It starts in tap.StateUnknown; call TestReset first.
//
// A Controller is not safe for concurrent use. It implements sync.Locker so
// callers can hold it across a whole high-level operation.
type Controller struct {
	mu        sync.Mutex
	transport jtag.Transport
	log       *slog.Logger

	state   tap.State
	ir      bits.Seq
	irKnown bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger routes controller logging to l.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.log = l
	}
}

// NewController wraps a transport.
func NewController(t jtag.Transport, opts ...Option) *Controller {
	c := &Controller{
		transport: t,
		log:       slog.Default(),
		state:     tap.StateUnknown,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lock claims the controller for a sequence of operations, e.g. a
// WriteIR followed by the DR accesses that depend on it. The console
// holds it for each chunk it runs.
func (c *Controller) Lock() { c.mu.Lock() }

// Unlock releases a claim taken with Lock.
func (c *Controller) Unlock() { c.mu.Unlock() }

// State reports the host model of the TAP state.
func (c *Controller) State() tap.State {
	return c.state
}

// CachedIR returns the last IR value committed through Update-IR.
func (c *Controller) CachedIR() (bits.Seq, bool) {
	return c.ir, c.irKnown
}

// InvalidateIR forgets the cached IR so the next WriteIR always shifts.
func (c *Controller) InvalidateIR() {
	c.ir, c.irKnown = bits.Seq{}, false
}

func (c *Controller) logLow(msg string, args ...any) {
	c.log.Debug(msg, append([]any{"layer", "low"}, args...)...)
}

func (c *Controller) logHigh(msg string, args ...any) {
	c.log.Debug(msg, append([]any{"layer", "high"}, args...)...)
}

// fail records that the wire state is no longer known.
func (c *Controller) fail(op string, err error) error {
	c.state = tap.StateUnknown
	c.InvalidateIR()
	c.log.Debug("transport failure", "layer", "low", "op", op, "err", err)
	return &TransportError{Op: op, Err: err}
}

// State machine transitions

// EnterTestLogicReset shifts five TMS=1 clocks. Without force it does
// nothing when already in Test-Logic-Reset.
func (c *Controller) EnterTestLogicReset(ctx context.Context, force bool) error {
	if !force && c.state == tap.StateTestLogicReset {
		return nil
	}
	c.logLow("state change", "from", c.state, "to", tap.StateTestLogicReset)
	if err := c.transport.ShiftTMS(ctx, tap.ResetTMS); err != nil {
		return c.fail("shift tms", err)
	}
	c.state = tap.StateTestLogicReset
	// Reset loads IDCODE or BYPASS into every IR.
	c.InvalidateIR()
	return nil
}

func (c *Controller) EnterRunTestIdle(ctx context.Context) error {
	return c.enter(ctx, tap.StateRunTestIdle)
}

func (c *Controller) EnterShiftIR(ctx context.Context) error {
	if c.state != tap.StateShiftIR {
		// Whatever gets shifted now reaches Update-IR before the next
		// committed write.
		defer c.InvalidateIR()
	}
	return c.enter(ctx, tap.StateShiftIR)
}

func (c *Controller) EnterPauseIR(ctx context.Context) error {
	return c.enter(ctx, tap.StatePauseIR)
}

func (c *Controller) EnterUpdateIR(ctx context.Context) error {
	return c.enter(ctx, tap.StateUpdateIR)
}

func (c *Controller) EnterShiftDR(ctx context.Context) error {
	return c.enter(ctx, tap.StateShiftDR)
}

func (c *Controller) EnterPauseDR(ctx context.Context) error {
	return c.enter(ctx, tap.StatePauseDR)
}

func (c *Controller) EnterUpdateDR(ctx context.Context) error {
	return c.enter(ctx, tap.StateUpdateDR)
}

// enter moves along one edge of the transition table. Edges missing from
// the table panic with *tap.TransitionError.
func (c *Controller) enter(ctx context.Context, target tap.State) error {
	if c.state == target {
		return nil
	}
	if c.state == tap.StateUnknown {
		return fmt.Errorf("%w: cannot enter %s", ErrStateUnknown, target)
	}
	tms, err := tap.Path(c.state, target)
	if err != nil {
		panic(err)
	}
	c.logLow("state change", "from", c.state, "to", target)
	if err := c.transport.ShiftTMS(ctx, tms); err != nil {
		return c.fail("shift tms", err)
	}
	c.state = target
	return nil
}

// Shift primitives

// checkShift enforces that data shifts only happen in Shift-IR/Shift-DR.
func (c *Controller) checkShift(op string, n int, last bool) error {
	if c.state == tap.StateUnknown {
		return fmt.Errorf("%w: %s", ErrStateUnknown, op)
	}
	if !c.state.IsShift() {
		panic(fmt.Sprintf("chain: %s in state %s", op, c.state))
	}
	if last && n == 0 {
		panic(fmt.Sprintf("chain: %s of zero bits cannot leave %s", op, c.state))
	}
	return nil
}

// shifted applies the implicit Exit1 transition of a last shift.
func (c *Controller) shifted(last bool) {
	if !last {
		return
	}
	switch c.state {
	case tap.StateShiftIR:
		c.logLow("state change", "from", c.state, "to", tap.StateExit1IR)
		c.state = tap.StateExit1IR
	case tap.StateShiftDR:
		c.logLow("state change", "from", c.state, "to", tap.StateExit1DR)
		c.state = tap.StateExit1DR
	}
}

// ShiftTDI shifts data in. With last the state becomes Exit1-IR/Exit1-DR.
func (c *Controller) ShiftTDI(ctx context.Context, tdi bits.Seq, last bool) error {
	if err := c.checkShift("shift tdi", tdi.Len(), last); err != nil {
		return err
	}
	c.logLow("shift tdi", "tdi", tdi, "last", last)
	if err := c.transport.ShiftTDI(ctx, tdi, last); err != nil {
		return c.fail("shift tdi", err)
	}
	c.shifted(last)
	return nil
}

// ShiftTDO captures count bits while shifting ones in. With last the state
// becomes Exit1-IR/Exit1-DR.
func (c *Controller) ShiftTDO(ctx context.Context, count int, last bool) (bits.Seq, error) {
	if err := c.checkShift("shift tdo", count, last); err != nil {
		return bits.Seq{}, err
	}
	tdo, err := c.transport.ShiftTDO(ctx, count, last)
	if err != nil {
		return bits.Seq{}, c.fail("shift tdo", err)
	}
	c.logLow("shift tdo", "tdo", tdo, "last", last)
	c.shifted(last)
	return tdo, nil
}

// ShiftTDIO shifts data in and returns the bits displaced. With last the
// state becomes Exit1-IR/Exit1-DR.
func (c *Controller) ShiftTDIO(ctx context.Context, tdi bits.Seq, last bool) (bits.Seq, error) {
	if err := c.checkShift("shift tdio", tdi.Len(), last); err != nil {
		return bits.Seq{}, err
	}
	c.logLow("shift tdio", "tdi", tdi, "last", last)
	tdo, err := c.transport.ShiftTDIO(ctx, tdi, last)
	if err != nil {
		return bits.Seq{}, c.fail("shift tdio", err)
	}
	c.logLow("shift tdio", "tdo", tdo)
	c.shifted(last)
	return tdo, nil
}

// ShiftDummy clocks count ones through the register without capturing.
func (c *Controller) ShiftDummy(ctx context.Context, count int, last bool) error {
	if err := c.checkShift("shift dummy", count, last); err != nil {
		return err
	}
	c.logLow("shift dummy", "count", count, "last", last)
	if err := c.transport.ShiftTDI(ctx, bits.Ones(count), last); err != nil {
		return c.fail("shift dummy", err)
	}
	c.shifted(last)
	return nil
}

// PulseTCK clocks TCK with TMS low in Run-Test/Idle or a Pause state.
func (c *Controller) PulseTCK(ctx context.Context, count int) error {
	switch c.state {
	case tap.StateRunTestIdle, tap.StatePauseIR, tap.StatePauseDR:
	case tap.StateUnknown:
		return fmt.Errorf("%w: pulse tck", ErrStateUnknown)
	default:
		panic(fmt.Sprintf("chain: pulse tck in state %s", c.state))
	}
	c.logLow("pulse tck", "count", count)
	if err := c.transport.PulseTCK(ctx, count); err != nil {
		return c.fail("pulse tck", err)
	}
	return nil
}

// Register operations

func checkRegister(op string, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %s of %d bits", ErrEmptyRegister, op, n)
	}
	return nil
}

// PulseTRST pulses TRST#. The state stays unknown until TestReset, even
// when the adapter has no TRST# (jtag.ErrNotImplemented).
func (c *Controller) PulseTRST(ctx context.Context) error {
	c.logHigh("pulse trst")
	c.state = tap.StateUnknown
	c.InvalidateIR()
	if err := c.transport.PulseTRST(ctx); err != nil {
		if errors.Is(err, jtag.ErrNotImplemented) {
			return fmt.Errorf("chain: pulse trst: %w", err)
		}
		return c.fail("pulse trst", err)
	}
	return nil
}

// TestReset pulses TRST# when available, forces Test-Logic-Reset and
// settles in Run-Test/Idle. It is the recovery from every failure.
func (c *Controller) TestReset(ctx context.Context) error {
	c.logHigh("test reset")
	if err := c.PulseTRST(ctx); err != nil && !errors.Is(err, jtag.ErrNotImplemented) {
		return err
	}
	if err := c.EnterTestLogicReset(ctx, true); err != nil {
		return err
	}
	return c.EnterRunTestIdle(ctx)
}

// RunTestIdle spends count clocks in Run-Test/Idle.
func (c *Controller) RunTestIdle(ctx context.Context, count int) error {
	c.logHigh("run-test/idle", "count", count)
	if err := c.EnterRunTestIdle(ctx); err != nil {
		return err
	}
	return c.PulseTCK(ctx, count)
}

// WriteIR loads an instruction. Writing the cached value again issues no
// transport traffic.
func (c *Controller) WriteIR(ctx context.Context, data bits.Seq) error {
	if err := checkRegister("write ir", data.Len()); err != nil {
		return err
	}
	if c.irKnown && c.ir.Equal(data) {
		c.logHigh("write ir (elided)", "ir", data)
		return nil
	}
	c.logHigh("write ir", "ir", data)
	if err := c.EnterShiftIR(ctx); err != nil {
		return err
	}
	if err := c.ShiftTDI(ctx, data, true); err != nil {
		return err
	}
	if err := c.EnterUpdateIR(ctx); err != nil {
		return err
	}
	c.ir, c.irKnown = data, true
	return nil
}

// ExchangeIR loads an instruction and returns the captured IR bits.
func (c *Controller) ExchangeIR(ctx context.Context, data bits.Seq) (bits.Seq, error) {
	if err := checkRegister("exchange ir", data.Len()); err != nil {
		return bits.Seq{}, err
	}
	c.logHigh("exchange ir", "ir-i", data)
	if err := c.EnterShiftIR(ctx); err != nil {
		return bits.Seq{}, err
	}
	out, err := c.ShiftTDIO(ctx, data, true)
	if err != nil {
		return bits.Seq{}, err
	}
	if err := c.EnterUpdateIR(ctx); err != nil {
		return bits.Seq{}, err
	}
	c.ir, c.irKnown = data, true
	c.logHigh("exchange ir", "ir-o", out)
	return out, nil
}

// ReadIR captures count IR bits. Ones are shifted in, so every TAP ends up
// with BYPASS selected.
func (c *Controller) ReadIR(ctx context.Context, count int) (bits.Seq, error) {
	if err := checkRegister("read ir", count); err != nil {
		return bits.Seq{}, err
	}
	if err := c.EnterShiftIR(ctx); err != nil {
		return bits.Seq{}, err
	}
	out, err := c.ShiftTDO(ctx, count, true)
	if err != nil {
		return bits.Seq{}, err
	}
	if err := c.EnterUpdateIR(ctx); err != nil {
		return bits.Seq{}, err
	}
	c.ir, c.irKnown = bits.Ones(count), true
	c.logHigh("read ir", "ir", out)
	return out, nil
}

// ExchangeDR shifts data into the selected DR and returns its previous
// contents.
func (c *Controller) ExchangeDR(ctx context.Context, data bits.Seq) (bits.Seq, error) {
	if err := checkRegister("exchange dr", data.Len()); err != nil {
		return bits.Seq{}, err
	}
	c.logHigh("exchange dr", "dr-i", data)
	if err := c.EnterShiftDR(ctx); err != nil {
		return bits.Seq{}, err
	}
	out, err := c.ShiftTDIO(ctx, data, true)
	if err != nil {
		return bits.Seq{}, err
	}
	if err := c.EnterUpdateDR(ctx); err != nil {
		return bits.Seq{}, err
	}
	c.logHigh("exchange dr", "dr-o", out)
	return out, nil
}

// ReadDR captures count DR bits. With idempotent the captured bits are
// shifted back before Update-DR so read/write registers keep their value.
func (c *Controller) ReadDR(ctx context.Context, count int, idempotent bool) (bits.Seq, error) {
	if err := checkRegister("read dr", count); err != nil {
		return bits.Seq{}, err
	}
	if err := c.EnterShiftDR(ctx); err != nil {
		return bits.Seq{}, err
	}
	out, err := c.ShiftTDO(ctx, count, !idempotent)
	if err != nil {
		return bits.Seq{}, err
	}
	if idempotent {
		if err := c.ShiftTDI(ctx, out, true); err != nil {
			return bits.Seq{}, err
		}
	}
	if err := c.EnterUpdateDR(ctx); err != nil {
		return bits.Seq{}, err
	}
	c.logHigh("read dr", "dr", out, "idempotent", idempotent)
	return out, nil
}

// WriteDR shifts data into the selected DR.
func (c *Controller) WriteDR(ctx context.Context, data bits.Seq) error {
	if err := checkRegister("write dr", data.Len()); err != nil {
		return err
	}
	c.logHigh("write dr", "dr", data)
	if err := c.EnterShiftDR(ctx); err != nil {
		return err
	}
	if err := c.ShiftTDI(ctx, data, true); err != nil {
		return err
	}
	return c.EnterUpdateDR(ctx)
}
