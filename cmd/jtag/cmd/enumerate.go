package cmd

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/tapprobe/pkg/bits"
	"github.com/OpenTraceLab/tapprobe/pkg/chain"
)

// maxEnumerateIRLength bounds enumerate-ir, which visits 2^n instructions.
const maxEnumerateIRLength = 16

var enumerateIRCmd = &cobra.Command{
	Use:   "enumerate-ir [TAP-INDEX...]",
	Short: "Measure the data register length of every instruction",
	Long: `For each selected TAP (all TAPs when none are given), load every possible
instruction value and measure the length of the data register it selects.

Instructions selecting a 1-bit register (usually BYPASS) are only listed
with --verbose. A length of 0 means the instruction left TDI and TDO
unconnected; "?" means the scan did not terminate within --max-dr-length.

Examples:
  jtag enumerate-ir
  jtag enumerate-ir 0 2 -v`,
	RunE: runEnumerateIR,
}

func init() {
	rootCmd.AddCommand(enumerateIRCmd)
}

func runEnumerateIR(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ctrl, closer, err := openController(ctx)
	if err != nil {
		return err
	}
	defer closer()

	opts := discoverOptions()
	maxDR := cfg.GetInt("max-dr-length")

	if err := ctrl.TestReset(ctx); err != nil {
		return err
	}
	topo, err := ctrl.Discover(ctx, opts)
	if err != nil {
		logger.Error("automatic IR segmentation failed", "err", err)
		return fmt.Errorf("chain discovery failed: %w", err)
	}

	indexes := make([]int, 0, len(args))
	for _, arg := range args {
		index, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("invalid TAP index %q", arg)
		}
		if index < 0 || index >= topo.Len() {
			return fmt.Errorf("TAP #%d out of range (chain has %d TAPs)", index, topo.Len())
		}
		indexes = append(indexes, index)
	}
	if len(indexes) == 0 {
		for i := 0; i < topo.Len(); i++ {
			indexes = append(indexes, i)
		}
	}

	out := cmd.OutOrStdout()
	verbose := cfg.GetBool("verbose")
	for _, index := range indexes {
		irLength := topo.IRs[index].Length
		fmt.Fprintf(out, "TAP #%d: IR[%d]\n", index, irLength)
		if irLength > maxEnumerateIRLength {
			logger.Warn("IR too long to enumerate", "tap", index, "length", irLength)
			continue
		}

		view, err := ctrl.SelectTAPWith(ctx, index, opts)
		if err != nil {
			return fmt.Errorf("cannot select TAP #%d: %w", index, err)
		}
		for value := uint64(0); value < 1<<uint(irLength); value++ {
			ir := bits.FromUint(value, irLength)
			if err := view.TestReset(ctx); err != nil {
				return err
			}
			if err := view.WriteIR(ctx, ir); err != nil {
				return err
			}
			length, err := view.ScanDRLength(ctx, maxDR, true)
			if err != nil && !chain.IsNotFound(err) {
				return err
			}

			dr := strconv.Itoa(length)
			level := slog.LevelInfo
			switch {
			case err != nil:
				dr, level = "?", slog.LevelError
			case length == 0:
				level = slog.LevelWarn
			case length == 1:
				level = slog.LevelDebug
			}
			logger.Log(ctx, level, "enumerate ir", "tap", index, "ir", ir.String(), "dr", dr)
			if level == slog.LevelDebug && !verbose {
				continue
			}
			fmt.Fprintf(out, "  IR=%s DR[%s]\n", ir, dr)
		}
	}
	return nil
}
