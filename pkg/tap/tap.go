package tap

import (
	"fmt"
)

// State is one of the 16 IEEE 1149.1 TAP controller states, or StateUnknown
// for a host-side model that has lost track of the TAP.
type State uint8

const (
	StateTestLogicReset State = iota
	StateRunTestIdle
	StateSelectDRScan
	StateCaptureDR
	StateShiftDR
	StateExit1DR
	StatePauseDR
	StateExit2DR
	StateUpdateDR
	StateSelectIRScan
	StateCaptureIR
	StateShiftIR
	StateExit1IR
	StatePauseIR
	StateExit2IR
	StateUpdateIR

	// StateUnknown is never reached by a physical TAP. Host models use it
	// after TRST# or a failed shift, until Test-Logic-Reset is forced.
	StateUnknown State = 0xFF
)

// names follows the IEEE 1149.1 figure labels.
var names = [...]string{
	StateTestLogicReset: "Test-Logic-Reset",
	StateRunTestIdle:    "Run-Test/Idle",
	StateSelectDRScan:   "Select-DR-Scan",
	StateCaptureDR:      "Capture-DR",
	StateShiftDR:        "Shift-DR",
	StateExit1DR:        "Exit1-DR",
	StatePauseDR:        "Pause-DR",
	StateExit2DR:        "Exit2-DR",
	StateUpdateDR:       "Update-DR",
	StateSelectIRScan:   "Select-IR-Scan",
	StateCaptureIR:      "Capture-IR",
	StateShiftIR:        "Shift-IR",
	StateExit1IR:        "Exit1-IR",
	StatePauseIR:        "Pause-IR",
	StateExit2IR:        "Exit2-IR",
	StateUpdateIR:       "Update-IR",
}

func (s State) String() string {
	switch {
	case s == StateUnknown:
		return "Unknown"
	case int(s) < len(names):
		return names[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// IsShift reports whether s is Shift-IR or Shift-DR.
func (s State) IsShift() bool {
	return s == StateShiftIR || s == StateShiftDR
}

// graph holds the successor of every physical state for TMS=0 and TMS=1.
var graph = [...][2]State{
	StateTestLogicReset: {StateRunTestIdle, StateTestLogicReset},
	StateRunTestIdle:    {StateRunTestIdle, StateSelectDRScan},
	StateSelectDRScan:   {StateCaptureDR, StateSelectIRScan},
	StateCaptureDR:      {StateShiftDR, StateExit1DR},
	StateShiftDR:        {StateShiftDR, StateExit1DR},
	StateExit1DR:        {StatePauseDR, StateUpdateDR},
	StatePauseDR:        {StatePauseDR, StateExit2DR},
	StateExit2DR:        {StateShiftDR, StateUpdateDR},
	StateUpdateDR:       {StateRunTestIdle, StateSelectDRScan},
	StateSelectIRScan:   {StateCaptureIR, StateTestLogicReset},
	StateCaptureIR:      {StateShiftIR, StateExit1IR},
	StateShiftIR:        {StateShiftIR, StateExit1IR},
	StateExit1IR:        {StatePauseIR, StateUpdateIR},
	StatePauseIR:        {StatePauseIR, StateExit2IR},
	StateExit2IR:        {StateShiftIR, StateUpdateIR},
	StateUpdateIR:       {StateRunTestIdle, StateSelectDRScan},
}

// NextState returns the state a physical TAP enters on one TCK edge. It
// panics on StateUnknown, which has no successor.
func NextState(current State, tms bool) State {
	if int(current) >= len(graph) {
		panic(fmt.Sprintf("tap: no successor for state %s", current))
	}
	if tms {
		return graph[current][1]
	}
	return graph[current][0]
}

// StateMachine tracks the state of a physical TAP one clock at a time. The
// simulator uses it to model the hardware side of the wire.
type StateMachine struct {
	state State
}

// NewStateMachine returns a machine in Test-Logic-Reset, the power-on state.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateTestLogicReset}
}

func (m *StateMachine) State() State {
	return m.state
}

// Clock applies one TCK edge and returns the state entered.
func (m *StateMachine) Clock(tms bool) State {
	m.state = NextState(m.state, tms)
	return m.state
}

// Reset forces Test-Logic-Reset asynchronously, as TRST# does.
func (m *StateMachine) Reset() {
	m.state = StateTestLogicReset
}
