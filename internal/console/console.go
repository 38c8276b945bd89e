// Package console provides an interactive Lua environment for driving a
// JTAG chain or a single TAP.
//
// Bit sequences are Lua strings written most significant bit first, e.g.
// "0010" is instruction 0x2 of a 4-bit IR. TAP indices start at 0 with the
// device nearest TDO.
package console

import (
	"context"
	"fmt"
	"io"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/OpenTraceLab/tapprobe/pkg/bits"
	"github.com/OpenTraceLab/tapprobe/pkg/chain"
)

// target is the register-level surface shared by the whole chain and a
// single TAP view.
type target interface {
	TestReset(ctx context.Context) error
	RunTestIdle(ctx context.Context, count int) error
	WriteIR(ctx context.Context, data bits.Seq) error
	ExchangeIR(ctx context.Context, data bits.Seq) (bits.Seq, error)
	ExchangeDR(ctx context.Context, data bits.Seq) (bits.Seq, error)
	ReadDR(ctx context.Context, count int, idempotent bool) (bits.Seq, error)
	WriteDR(ctx context.Context, data bits.Seq) error
	ScanDRLength(ctx context.Context, maxLength int, zeroOK bool) (int, error)
}

// Console owns a Lua state with a global `jtag` table bound to a chain.
type Console struct {
	ctrl  *chain.Controller
	view  *chain.TapView
	opts  chain.DiscoverOptions
	maxDR int
	out   io.Writer
	logs  *LogWriter
	L     *lua.LState
}

// Option configures a Console.
type Option func(*Console)

// WithTAP starts the console targeting a single TAP.
func WithTAP(view *chain.TapView) Option {
	return func(c *Console) { c.view = view }
}

// WithOutput redirects print and result output.
func WithOutput(w io.Writer) Option {
	return func(c *Console) { c.out = w }
}

// WithDiscoverOptions sets the bounds used by scan_idcode, scan_ir and
// select_tap.
func WithDiscoverOptions(opts chain.DiscoverOptions) Option {
	return func(c *Console) { c.opts = opts }
}

// WithMaxDRLength sets the default bound of scan_dr_length.
func WithMaxDRLength(n int) Option {
	return func(c *Console) { c.maxDR = n }
}

// WithLogWriter lets RunTerminal point w at the terminal while it holds
// the tty in raw mode.
func WithLogWriter(w *LogWriter) Option {
	return func(c *Console) { c.logs = w }
}

// New creates a console for ctrl. Close releases the Lua state.
func New(ctrl *chain.Controller, opts ...Option) *Console {
	c := &Console{
		ctrl:  ctrl,
		opts:  chain.DefaultDiscoverOptions(),
		maxDR: chain.DefaultMaxDRLength,
		out:   io.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.L = lua.NewState()
	c.register()
	return c
}

// Close releases the Lua state.
func (c *Console) Close() {
	c.L.Close()
}

// View returns the selected TAP, or nil when the console drives the whole
// chain.
func (c *Console) View() *chain.TapView {
	return c.view
}

// Prompt names the current target.
func (c *Console) Prompt() string {
	if c.view != nil {
		return fmt.Sprintf("tap#%d> ", c.view.Index())
	}
	return "jtag> "
}

// Exec runs a Lua chunk. Cancelling ctx aborts the chunk. The controller
// stays locked for the whole chunk.
func (c *Console) Exec(ctx context.Context, src string) error {
	c.ctrl.Lock()
	defer c.ctrl.Unlock()
	c.L.SetContext(ctx)
	defer c.L.RemoveContext()
	return c.L.DoString(src)
}

// Eval runs one line of input. An expression has its values printed; a
// statement runs for its side effects.
func (c *Console) Eval(ctx context.Context, line string) error {
	c.ctrl.Lock()
	defer c.ctrl.Unlock()
	c.L.SetContext(ctx)
	defer c.L.RemoveContext()

	fn, err := c.L.LoadString("return " + line)
	if err != nil {
		if fn, err = c.L.LoadString(line); err != nil {
			return err
		}
	}
	base := c.L.GetTop()
	c.L.Push(fn)
	if err := c.L.PCall(0, lua.MultRet, nil); err != nil {
		return err
	}
	n := c.L.GetTop() - base
	if n > 0 {
		parts := make([]string, 0, n)
		for i := base + 1; i <= base+n; i++ {
			parts = append(parts, c.L.ToStringMeta(c.L.Get(i)).String())
		}
		c.L.Pop(n)
		fmt.Fprintln(c.out, strings.Join(parts, "\t"))
	}
	return nil
}

func (c *Console) register() {
	c.L.SetGlobal("print", c.L.NewFunction(c.luaPrint))

	mod := c.L.NewTable()
	c.L.SetFuncs(mod, map[string]lua.LGFunction{
		"test_reset":     c.luaTestReset,
		"run_test_idle":  c.luaRunTestIdle,
		"write_ir":       c.luaWriteIR,
		"exchange_ir":    c.luaExchangeIR,
		"read_ir":        c.luaReadIR,
		"exchange_dr":    c.luaExchangeDR,
		"read_dr":        c.luaReadDR,
		"write_dr":       c.luaWriteDR,
		"scan_dr_length": c.luaScanDRLength,
		"scan_idcode":    c.luaScanIDCode,
		"scan_ir":        c.luaScanIR,
		"select_tap":     c.luaSelectTAP,
		"select_chain":   c.luaSelectChain,
		"state":          c.luaState,
		"bits":           c.luaBits,
		"int":            c.luaInt,
	})
	c.L.SetGlobal("jtag", mod)
}
