package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/tapprobe/pkg/bits"
)

var (
	drTAP int
	drIR  string
)

var drLengthCmd = &cobra.Command{
	Use:   "dr-length",
	Short: "Measure the data register selected by one instruction",
	Long: `Select a TAP, load an instruction and measure the length of the data
register between TDI and TDO. The instruction is given most significant bit
first and must match the TAP's IR length.

Examples:
  jtag dr-length --tap 0 --ir 000010`,
	Args: cobra.NoArgs,
	RunE: runDRLength,
}

func init() {
	rootCmd.AddCommand(drLengthCmd)

	drLengthCmd.Flags().IntVarP(&drTAP, "tap", "t", 0, "TAP index (0 is nearest TDO)")
	drLengthCmd.Flags().StringVar(&drIR, "ir", "", "instruction bits, most significant first")
	drLengthCmd.MarkFlagRequired("ir")
}

func runDRLength(cmd *cobra.Command, args []string) error {
	ir, err := bits.Parse(drIR)
	if err != nil {
		return fmt.Errorf("invalid --ir: %w", err)
	}

	ctx := cmd.Context()
	ctrl, closer, err := openController(ctx)
	if err != nil {
		return err
	}
	defer closer()

	if err := ctrl.TestReset(ctx); err != nil {
		return err
	}
	view, err := ctrl.SelectTAPWith(ctx, drTAP, discoverOptions())
	if err != nil {
		return fmt.Errorf("cannot select TAP #%d: %w", drTAP, err)
	}
	if err := view.WriteIR(ctx, ir); err != nil {
		return err
	}
	length, err := view.ScanDRLength(ctx, cfg.GetInt("max-dr-length"), true)
	if err != nil {
		return fmt.Errorf("DR length scan failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "TAP #%d: IR=%s DR[%d]\n", drTAP, ir, length)
	return nil
}
