package console

import (
	"context"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/OpenTraceLab/tapprobe/pkg/bits"
	"github.com/OpenTraceLab/tapprobe/pkg/chain"
)

func (c *Console) target() target {
	if c.view != nil {
		return c.view
	}
	return c.ctrl
}

func ctxOf(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// check raises err as a Lua error.
func check(L *lua.LState, err error) {
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
}

func checkBits(L *lua.LState, n int) bits.Seq {
	seq, err := bits.Parse(L.CheckString(n))
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return seq
}

func pushBits(L *lua.LState, seq bits.Seq) int {
	L.Push(lua.LString(seq.String()))
	return 1
}

// notFound pushes the nil, message pair used for scans that found nothing.
func notFound(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

func (c *Console) luaPrint(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	fmt.Fprintln(c.out, strings.Join(parts, "\t"))
	return 0
}

func (c *Console) luaTestReset(L *lua.LState) int {
	check(L, c.target().TestReset(ctxOf(L)))
	return 0
}

func (c *Console) luaRunTestIdle(L *lua.LState) int {
	check(L, c.target().RunTestIdle(ctxOf(L), L.CheckInt(1)))
	return 0
}

func (c *Console) luaWriteIR(L *lua.LState) int {
	check(L, c.target().WriteIR(ctxOf(L), checkBits(L, 1)))
	return 0
}

func (c *Console) luaExchangeIR(L *lua.LState) int {
	out, err := c.target().ExchangeIR(ctxOf(L), checkBits(L, 1))
	check(L, err)
	return pushBits(L, out)
}

// read_ir([count]): count is required on the whole chain and ignored on a TAP.
func (c *Console) luaReadIR(L *lua.LState) int {
	if c.view != nil {
		out, err := c.view.ReadIR(ctxOf(L))
		check(L, err)
		return pushBits(L, out)
	}
	out, err := c.ctrl.ReadIR(ctxOf(L), L.CheckInt(1))
	check(L, err)
	return pushBits(L, out)
}

func (c *Console) luaExchangeDR(L *lua.LState) int {
	out, err := c.target().ExchangeDR(ctxOf(L), checkBits(L, 1))
	check(L, err)
	return pushBits(L, out)
}

// read_dr(count [, idempotent])
func (c *Console) luaReadDR(L *lua.LState) int {
	out, err := c.target().ReadDR(ctxOf(L), L.CheckInt(1), L.OptBool(2, false))
	check(L, err)
	return pushBits(L, out)
}

func (c *Console) luaWriteDR(L *lua.LState) int {
	check(L, c.target().WriteDR(ctxOf(L), checkBits(L, 1)))
	return 0
}

// scan_dr_length([max [, zero_ok]]) returns the length, or nil and a message.
func (c *Console) luaScanDRLength(L *lua.LState) int {
	n, err := c.target().ScanDRLength(ctxOf(L), L.OptInt(1, c.maxDR), L.OptBool(2, false))
	if chain.IsNotFound(err) {
		return notFound(L, err)
	}
	check(L, err)
	L.Push(lua.LNumber(n))
	return 1
}

// scan_idcode([max]) returns an array of IDCODEs with 0 for BYPASS devices.
func (c *Console) luaScanIDCode(L *lua.LState) int {
	ids, err := c.ctrl.ScanIDCodes(ctxOf(L), L.OptInt(1, c.opts.MaxIDCodes))
	if chain.IsNotFound(err) {
		return notFound(L, err)
	}
	check(L, err)
	tbl := L.CreateTable(len(ids), 0)
	for _, id := range ids {
		tbl.Append(lua.LNumber(uint32(id)))
	}
	L.Push(tbl)
	return 1
}

// scan_ir([count [, max_length]]) returns an array of {offset=, length=}.
func (c *Console) luaScanIR(L *lua.LState) int {
	irs, err := c.ctrl.ScanIR(ctxOf(L), L.OptInt(1, chain.AnyCount), L.OptInt(2, c.opts.MaxIRLength))
	if chain.IsNotFound(err) {
		return notFound(L, err)
	}
	check(L, err)
	tbl := L.CreateTable(len(irs), 0)
	for _, ir := range irs {
		span := L.CreateTable(0, 2)
		span.RawSetString("offset", lua.LNumber(ir.Offset))
		span.RawSetString("length", lua.LNumber(ir.Length))
		tbl.Append(span)
	}
	L.Push(tbl)
	return 1
}

// select_tap(index) discovers the chain and retargets the console at one
// TAP. It returns the TAP's IR length, or nil and a message.
func (c *Console) luaSelectTAP(L *lua.LState) int {
	view, err := c.ctrl.SelectTAPWith(ctxOf(L), L.CheckInt(1), c.opts)
	if chain.IsNotFound(err) {
		return notFound(L, err)
	}
	check(L, err)
	c.view = view
	L.Push(lua.LNumber(view.IRLength()))
	return 1
}

func (c *Console) luaSelectChain(L *lua.LState) int {
	c.view = nil
	return 0
}

func (c *Console) luaState(L *lua.LState) int {
	L.Push(lua.LString(c.ctrl.State().String()))
	return 1
}

// bits(value, length) formats an integer as a bit string.
func (c *Console) luaBits(L *lua.LState) int {
	v := L.CheckNumber(1)
	if v < 0 {
		L.ArgError(1, "negative value")
	}
	return pushBits(L, bits.FromUint(uint64(v), L.CheckInt(2)))
}

// int(bits) converts a bit string of at most 53 bits to a number.
func (c *Console) luaInt(L *lua.LState) int {
	seq := checkBits(L, 1)
	if seq.Len() > 53 {
		L.ArgError(1, "more than 53 bits")
	}
	L.Push(lua.LNumber(seq.Uint64()))
	return 1
}
