package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/tapprobe/internal/console"
)

var (
	replTAP    int
	replScript string
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive Lua console on the chain or one TAP",
	Long: `Start a Lua console with a global "jtag" table bound to the whole chain, or
to a single TAP with --tap. Bit strings are written most significant bit
first.

Functions: test_reset, run_test_idle, write_ir, exchange_ir, read_ir,
exchange_dr, read_dr, write_dr, scan_dr_length, scan_idcode, scan_ir,
select_tap, select_chain, state, bits, int.

Examples:
  jtag repl
  jtag repl --tap 0
  jtag repl --script probe.lua`,
	Args: cobra.NoArgs,
	RunE: runREPL,
}

func init() {
	rootCmd.AddCommand(replCmd)

	replCmd.Flags().IntVarP(&replTAP, "tap", "t", -1, "bind the console to one TAP (0 is nearest TDO)")
	replCmd.Flags().StringVar(&replScript, "script", "", "run a Lua file instead of reading input")
}

func runREPL(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ctrl, closer, err := openController(ctx)
	if err != nil {
		return err
	}
	defer closer()

	if err := ctrl.TestReset(ctx); err != nil {
		return err
	}
	opts := []console.Option{
		console.WithOutput(cmd.OutOrStdout()),
		console.WithDiscoverOptions(discoverOptions()),
		console.WithMaxDRLength(cfg.GetInt("max-dr-length")),
		console.WithLogWriter(logOutput),
	}
	if replTAP >= 0 {
		view, err := ctrl.SelectTAPWith(ctx, replTAP, discoverOptions())
		if err != nil {
			return fmt.Errorf("cannot select TAP #%d: %w", replTAP, err)
		}
		opts = append(opts, console.WithTAP(view))
	}

	c := console.New(ctrl, opts...)
	defer c.Close()

	if replScript != "" {
		src, err := os.ReadFile(replScript)
		if err != nil {
			return err
		}
		return c.Exec(ctx, string(src))
	}
	if f, ok := cmd.InOrStdin().(*os.File); ok {
		logger.Info("dropping to console; type exit to leave")
		return c.RunTerminal(ctx, f, cmd.OutOrStdout())
	}
	return c.Run(ctx, cmd.InOrStdin())
}
