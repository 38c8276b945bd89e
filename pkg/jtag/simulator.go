package jtag

import (
	"context"
	"fmt"
	"sync"

	"github.com/OpenTraceLab/tapprobe/pkg/bits"
	"github.com/OpenTraceLab/tapprobe/pkg/tap"
)

// SimRegister is a data register reachable through one instruction.
type SimRegister struct {
	Length int
	// Value is loaded into the shift stage on Capture-DR and replaced on
	// Update-DR unless ReadOnly is set.
	Value    bits.Seq
	ReadOnly bool
}

// SimDevice describes one TAP in a simulated chain.
type SimDevice struct {
	IRLength int
	// IRCapture is loaded on Capture-IR. Defaults to ...0001 as required
	// by IEEE 1149.1.
	IRCapture bits.Seq
	// IDCode of zero means the device has no IDCODE register and selects
	// BYPASS after reset.
	IDCode uint32
	// IDCodeOpcode selects the IDCODE register. Defaults to the value 1.
	IDCodeOpcode bits.Seq
	// Registers maps instruction values to additional data registers.
	// Unlisted instructions other than IDCODE select BYPASS.
	Registers map[uint64]*SimRegister
}

// MaxSimIRLength bounds a simulated IR, whose instruction is held as a
// uint64 to key SimDevice.Registers.
const MaxSimIRLength = 64

// OpKind identifies a transport primitive recorded by the simulator.
type OpKind uint8

const (
	OpShiftTMS OpKind = iota
	OpShiftTDI
	OpShiftTDO
	OpShiftTDIO
	OpPulseTRST
	OpPulseTCK
)

func (k OpKind) String() string {
	switch k {
	case OpShiftTMS:
		return "shift-tms"
	case OpShiftTDI:
		return "shift-tdi"
	case OpShiftTDO:
		return "shift-tdo"
	case OpShiftTDIO:
		return "shift-tdio"
	case OpPulseTRST:
		return "pulse-trst"
	case OpPulseTCK:
		return "pulse-tck"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// Op captures one transport invocation for inspection within tests.
type Op struct {
	Kind  OpKind
	Bits  bits.Seq // TMS or TDI bits, when supplied
	Count int      // bits clocked
	Last  bool
}

// Simulator is an in-memory, clock-accurate JTAG chain. Device 0 sits
// nearest TDO, so its register bits are the first to come out of a shift.
type Simulator struct {
	info    AdapterInfo
	hasTRST bool

	mu      sync.Mutex
	fsm     *tap.StateMachine
	devices []*simTAP
	ops     []Op

	failIn  int
	failErr error
}

type simTAP struct {
	dev   *SimDevice
	instr uint64
	ir    []bool
	dr    []bool
}

// NewSimulator builds a chain from devices listed TDO side first. With
// trst the simulator accepts PulseTRST.
func NewSimulator(devices []SimDevice, trst bool) *Simulator {
	s := &Simulator{
		info: AdapterInfo{
			Name:         "JTAG Simulator",
			Vendor:       "OpenTraceLab",
			Model:        "Sim-1.0",
			SupportsTRST: trst,
		},
		hasTRST: trst,
		fsm:     tap.NewStateMachine(),
		failIn:  -1,
	}
	for i := range devices {
		dev := devices[i]
		if dev.IRLength < 2 || dev.IRLength > MaxSimIRLength {
			panic(fmt.Sprintf("jtag: simulated device %d has IR length %d", i, dev.IRLength))
		}
		if dev.IRCapture.Len() == 0 {
			dev.IRCapture = bits.FromUint(1, dev.IRLength)
		}
		if dev.IDCodeOpcode.Len() == 0 {
			dev.IDCodeOpcode = bits.FromUint(1, dev.IRLength)
		}
		s.devices = append(s.devices, &simTAP{dev: &dev})
	}
	s.resetInstructions()
	return s
}

// Info reports the simulator's adapter description.
func (s *Simulator) Info() (AdapterInfo, error) {
	return s.info, nil
}

// State reports the physical TAP state shared by every simulated device.
func (s *Simulator) State() tap.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.State()
}

// Instruction returns the active instruction of device i.
func (s *Simulator) Instruction(i int) bits.Seq {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bits.FromUint(s.devices[i].instr, s.devices[i].dev.IRLength)
}

// Register returns the current value of a device's extra data register.
func (s *Simulator) Register(device int, instr uint64) (bits.Seq, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.devices[device].dev.Registers[instr]
	if !ok {
		return bits.Seq{}, false
	}
	return reg.Value, true
}

// Ops returns a copy of the recorded transport invocations.
func (s *Simulator) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

// ResetOps clears the recorded invocations.
func (s *Simulator) ResetOps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = nil
}

// FailAfter makes the transport call n positions from now (0 = the next
// one) return err without clocking anything.
func (s *Simulator) FailAfter(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failIn = n
	s.failErr = err
}

func (s *Simulator) begin(ctx context.Context, op Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failIn == 0 {
		s.failIn = -1
		return s.failErr
	}
	if s.failIn > 0 {
		s.failIn--
	}
	s.ops = append(s.ops, op)
	return nil
}

func (s *Simulator) ShiftTMS(ctx context.Context, tms bits.Seq) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, Op{Kind: OpShiftTMS, Bits: tms, Count: tms.Len()}); err != nil {
		return err
	}
	for i := 0; i < tms.Len(); i++ {
		s.clock(tms.Bit(i), false)
	}
	return nil
}

func (s *Simulator) ShiftTDI(ctx context.Context, tdi bits.Seq, last bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, Op{Kind: OpShiftTDI, Bits: tdi, Count: tdi.Len(), Last: last}); err != nil {
		return err
	}
	s.shift(tdi.Bools(), last)
	return nil
}

func (s *Simulator) ShiftTDO(ctx context.Context, count int, last bool) (bits.Seq, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, Op{Kind: OpShiftTDO, Count: count, Last: last}); err != nil {
		return bits.Seq{}, err
	}
	return bits.FromBools(s.shift(bits.Ones(count).Bools(), last)), nil
}

func (s *Simulator) ShiftTDIO(ctx context.Context, tdi bits.Seq, last bool) (bits.Seq, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, Op{Kind: OpShiftTDIO, Bits: tdi, Count: tdi.Len(), Last: last}); err != nil {
		return bits.Seq{}, err
	}
	return bits.FromBools(s.shift(tdi.Bools(), last)), nil
}

func (s *Simulator) PulseTRST(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasTRST {
		return ErrNotImplemented
	}
	if err := s.begin(ctx, Op{Kind: OpPulseTRST}); err != nil {
		return err
	}
	s.fsm.Reset()
	s.resetInstructions()
	// TMS is held high while TRST# is released.
	s.clock(true, false)
	return nil
}

func (s *Simulator) PulseTCK(ctx context.Context, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, Op{Kind: OpPulseTCK, Count: count}); err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		s.clock(false, true)
	}
	return nil
}

func (s *Simulator) shift(tdi []bool, last bool) []bool {
	tdo := make([]bool, len(tdi))
	for i, bit := range tdi {
		tdo[i] = s.clock(last && i == len(tdi)-1, bit)
	}
	return tdo
}

// clock applies one TCK cycle and returns the TDO level seen during it.
func (s *Simulator) clock(tms, tdi bool) bool {
	tdo := true
	switch state := s.fsm.State(); state {
	case tap.StateShiftIR, tap.StateShiftDR:
		in := tdi
		for i := len(s.devices) - 1; i >= 0; i-- {
			reg := s.devices[i].dr
			if state == tap.StateShiftIR {
				reg = s.devices[i].ir
			}
			out := reg[0]
			copy(reg, reg[1:])
			reg[len(reg)-1] = in
			in = out
		}
		tdo = in
	case tap.StateCaptureIR:
		for _, d := range s.devices {
			d.ir = d.dev.IRCapture.Bools()
		}
	case tap.StateCaptureDR:
		for _, d := range s.devices {
			d.dr = d.captureDR()
		}
	}

	switch s.fsm.Clock(tms) {
	case tap.StateTestLogicReset:
		s.resetInstructions()
	case tap.StateUpdateIR:
		for _, d := range s.devices {
			d.instr = bits.FromBools(d.ir).Uint64()
		}
	case tap.StateUpdateDR:
		for _, d := range s.devices {
			d.updateDR()
		}
	}
	return tdo
}

func (s *Simulator) resetInstructions() {
	for _, d := range s.devices {
		if d.dev.IDCode != 0 {
			d.instr = d.dev.IDCodeOpcode.Uint64()
		} else {
			d.instr = bits.Ones(d.dev.IRLength).Uint64()
		}
		d.ir = bits.FromUint(d.instr, d.dev.IRLength).Bools()
		d.dr = d.captureDR()
	}
}

func (d *simTAP) captureDR() []bool {
	if d.dev.IDCode != 0 && d.instr == d.dev.IDCodeOpcode.Uint64() {
		return bits.FromUint(uint64(d.dev.IDCode), 32).Bools()
	}
	if reg, ok := d.dev.Registers[d.instr]; ok && d.instr != bits.Ones(d.dev.IRLength).Uint64() {
		out := make([]bool, reg.Length)
		copy(out, reg.Value.Bools())
		return out
	}
	return []bool{false}
}

func (d *simTAP) updateDR() {
	reg, ok := d.dev.Registers[d.instr]
	if !ok || reg.ReadOnly || len(d.dr) != reg.Length {
		return
	}
	reg.Value = bits.FromBools(d.dr)
}
