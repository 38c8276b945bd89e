package tap

import (
	"fmt"

	"github.com/OpenTraceLab/tapprobe/pkg/bits"
)

// ResetTMS is the sequence that reaches Test-Logic-Reset from any state.
var ResetTMS = bits.New(true, true, true, true, true)

type edge struct {
	from State
	to   State
}

// paths lists every edge the host controller may take, with the TMS bits
// shifted first to last. Anything not listed is a programming error.
var paths = map[edge]bits.Seq{
	{StateTestLogicReset, StateRunTestIdle}: tms("0"),
	{StateExit1IR, StateRunTestIdle}:        tms("10"),
	{StateExit1DR, StateRunTestIdle}:        tms("10"),
	{StatePauseIR, StateRunTestIdle}:        tms("110"),
	{StatePauseDR, StateRunTestIdle}:        tms("110"),
	{StateUpdateIR, StateRunTestIdle}:       tms("0"),
	{StateUpdateDR, StateRunTestIdle}:       tms("0"),

	{StateTestLogicReset, StateShiftIR}: tms("01100"),
	{StateRunTestIdle, StateShiftIR}:    tms("1100"),
	{StateUpdateIR, StateShiftIR}:       tms("1100"),
	{StateUpdateDR, StateShiftIR}:       tms("1100"),
	{StateExit1IR, StatePauseIR}:        tms("0"),
	{StateShiftIR, StateUpdateIR}:       tms("11"),
	{StateExit1IR, StateUpdateIR}:       tms("1"),

	{StateTestLogicReset, StateShiftDR}: tms("0100"),
	{StateRunTestIdle, StateShiftDR}:    tms("100"),
	{StateUpdateIR, StateShiftDR}:       tms("100"),
	{StateUpdateDR, StateShiftDR}:       tms("100"),
	{StateExit1DR, StatePauseDR}:        tms("0"),
	{StateShiftDR, StateUpdateDR}:       tms("11"),
	{StateExit1DR, StateUpdateDR}:       tms("1"),
}

// tms turns a left-to-right wire order string into a sequence.
func tms(order string) bits.Seq {
	out := make([]bool, len(order))
	for i := range order {
		out[i] = order[i] == '1'
	}
	return bits.FromBools(out)
}

// TransitionError reports a host transition request outside the table.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("tap: cannot transition from state %s to %s", e.From, e.To)
}

// Path returns the TMS bits that move the TAP from one state to another.
// Test-Logic-Reset is reachable from every state, including StateUnknown.
func Path(from, to State) (bits.Seq, error) {
	if to == StateTestLogicReset {
		return ResetTMS, nil
	}
	seq, ok := paths[edge{from, to}]
	if !ok {
		return bits.Seq{}, &TransitionError{From: from, To: to}
	}
	return seq, nil
}

// Edges lists every non-reset transition in the table, for callers that
// need to verify or document it.
func Edges() [][2]State {
	out := make([][2]State, 0, len(paths))
	for e := range paths {
		out = append(out, [2]State{e.from, e.to})
	}
	return out
}
