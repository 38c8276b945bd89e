package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/tapprobe/pkg/chain"
	"github.com/OpenTraceLab/tapprobe/pkg/idcode"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Identify the TAPs in the JTAG chain",
	Long: `Reset the chain, read the IDCODE (or BYPASS) of every device and split the
captured instruction registers into per-device lengths.

TAP #0 is the device nearest TDO. When the IR scan cannot be segmented the
IR lengths are reported as "?".

Examples:
  jtag scan
  jtag scan --adapter cmsis-dap --speed 4000000`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ctrl, closer, err := openController(ctx)
	if err != nil {
		return err
	}
	defer closer()

	opts := discoverOptions()
	ids, err := ctrl.ScanIDCodes(ctx, opts.MaxIDCodes)
	if err != nil {
		return fmt.Errorf("IDCODE scan failed: %w", err)
	}
	if len(ids) == 0 {
		logger.Warn("DR segmentation discovered no devices")
		return nil
	}
	logger.Info("DR segmentation discovered devices", "count", len(ids))

	irs, err := ctrl.ScanIR(ctx, len(ids), opts.MaxIRLength)
	if err != nil {
		if !chain.IsNotFound(err) {
			return fmt.Errorf("IR scan failed: %w", err)
		}
		logger.Warn("automatic IR segmentation failed", "err", err)
		irs = nil
	}

	out := cmd.OutOrStdout()
	for i, id := range ids {
		irLength := "?"
		if irs != nil {
			irLength = strconv.Itoa(irs[i].Length)
		}
		if id.IsBypass() {
			fmt.Fprintf(out, "TAP #%d: IR[%s] BYPASS\n", i, irLength)
			continue
		}
		fmt.Fprintf(out, "TAP #%d: IR[%s] IDCODE=%s\n", i, irLength, id)
		fmt.Fprintf(out, "  %s\n", idcode.Describe(uint32(id)))
	}
	return nil
}
