package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/tapprobe/pkg/jtag"
)

var listProbes bool

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List available JTAG interfaces",
	Long: `Scan the host for JTAG adapters (CMSIS-DAP probes, stream-protocol probes)
and print a summary of the detected transports. Use this to verify
connectivity or pick --vid/--pid before launching other commands.`,
	Args: cobra.NoArgs,
	RunE: runInterfaces,
}

func init() {
	rootCmd.AddCommand(interfacesCmd)

	interfacesCmd.Flags().BoolVar(&listProbes, "serials", false, "open CMSIS-DAP probes to read their serial numbers")
}

func runInterfaces(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	infos, err := jtag.DiscoverInterfaces(ctx)
	if err != nil {
		return fmt.Errorf("discover interfaces: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Detected JTAG interfaces:")
	for _, iface := range infos {
		if iface.Kind == jtag.InterfaceKindSim {
			fmt.Fprintf(out, "  - %s [%s]\n", iface.Label(), iface.Kind)
			continue
		}
		fmt.Fprintf(out, "  - %s [%s] (VID:PID %04X:%04X) at %s\n", iface.Label(), iface.Kind, iface.VendorID, iface.ProductID, iface.Path)
	}

	if !listProbes {
		return nil
	}
	probes, err := jtag.EnumerateCMSISDAPProbes()
	if err != nil {
		return fmt.Errorf("enumerate probes: %w", err)
	}
	for _, p := range probes {
		fmt.Fprintf(out, "  * %s %04X:%04X serial=%s\n", p.Description, p.VID, p.PID, p.SerialNumber)
	}
	return nil
}
