package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/OpenTraceLab/tapprobe/internal/console"
	"github.com/OpenTraceLab/tapprobe/internal/simchain"
	"github.com/OpenTraceLab/tapprobe/pkg/chain"
	"github.com/OpenTraceLab/tapprobe/pkg/jtag"
)

var (
	// Global flags
	configFile  string
	profileMode string

	cfg       *viper.Viper
	profiler  interface{ Stop() }
	logOutput = console.NewLogWriter(io.Discard)
	logger    = slog.New(slog.NewTextHandler(logOutput, nil))
)

var rootCmd = &cobra.Command{
	Use:   "jtag",
	Short: "JTAG chain discovery and TAP access",
	Long: `Discover devices on a JTAG chain and access their instruction and data
registers through a CMSIS-DAP probe, a stream-protocol probe or the built-in
simulator.

Examples:
  jtag scan                                          # Scan the default simulated chain
  jtag scan --adapter cmsis-dap                      # Scan through a CMSIS-DAP probe
  jtag enumerate-ir 0 --sim-chain "tap irlen=4 idcode=0x4BA00477"
  jtag dr-length --tap 1 --ir 0010                   # Length of one data register
  jtag repl --tap 0                                  # Lua console bound to TAP #0`,
	Version:           "0.9.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if profiler != nil {
			profiler.Stop()
			profiler = nil
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (YAML, TOML or JSON)")
	flags.StringVar(&profileMode, "profile", "", "write a cpu or mem profile to the working directory")
	flags.BoolP("verbose", "v", false, "verbose output (debug logging)")
	flags.StringP("adapter", "a", "sim", "JTAG adapter type (sim, cmsis-dap, stream)")
	flags.Int("speed", 1000000, "TCK speed in Hz")
	flags.String("sim-chain", simchain.Default, "simulator: chain description")
	flags.Bool("trst", false, "sim and stream adapters: a TRST# line is wired")
	flags.String("vid", "", "USB vendor ID of the probe (hex, default per adapter)")
	flags.String("pid", "", "USB product ID of the probe (hex, default per adapter)")
	flags.Int("max-idcodes", chain.DefaultMaxIDCodes, "maximum number of devices in the chain")
	flags.Int("max-ir-length", chain.DefaultMaxIRLength, "maximum IR length of one device")
	flags.Int("max-dr-length", chain.DefaultMaxDRLength, "maximum DR length")

	cfg = newConfig(flags)
}

// newConfig binds the configuration keys to flags, with JTAG_* environment
// variables and an optional config file in between.
func newConfig(flags *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	for _, name := range []string{
		"verbose", "adapter", "speed", "sim-chain", "trst", "vid", "pid",
		"max-idcodes", "max-ir-length", "max-dr-length",
	} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	v.SetEnvPrefix("JTAG")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// setup loads configuration, installs the logger and starts profiling.
func setup(cmd *cobra.Command, args []string) error {
	if configFile != "" {
		cfg.SetConfigFile(configFile)
		if err := cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	level := slog.LevelInfo
	if cfg.GetBool("verbose") {
		level = slog.LevelDebug
	}
	logOutput.Set(cmd.ErrOrStderr())
	logger = slog.New(slog.NewTextHandler(logOutput, &slog.HandlerOptions{Level: level}))

	switch profileMode {
	case "":
	case "cpu":
		profiler = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	case "mem":
		profiler = profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	default:
		return fmt.Errorf("unknown profile mode %q (supported: cpu, mem)", profileMode)
	}
	return nil
}

func discoverOptions() chain.DiscoverOptions {
	return chain.DiscoverOptions{
		MaxIDCodes:  cfg.GetInt("max-idcodes"),
		MaxIRLength: cfg.GetInt("max-ir-length"),
	}
}

// usbID parses a hex VID or PID, falling back to def when unset.
func usbID(key string, def uint16) (uint16, error) {
	text := cfg.GetString(key)
	if text == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(text), "0x"), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", key, text, err)
	}
	return uint16(v), nil
}

// openController creates the configured transport and a controller on
// top of it. The returned closer releases the adapter.
func openController(ctx context.Context) (*chain.Controller, func(), error) {
	transport, closer, err := createTransport(ctx, cfg.GetString("adapter"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create adapter: %w", err)
	}

	if s, ok := transport.(jtag.SpeedSetter); ok {
		if err := s.SetSpeed(ctx, cfg.GetInt("speed")); err != nil && !errors.Is(err, jtag.ErrNotImplemented) {
			closer()
			return nil, nil, fmt.Errorf("failed to set speed: %w", err)
		}
	}
	if d, ok := transport.(jtag.Describer); ok {
		if info, err := d.Info(); err == nil {
			logger.Debug("adapter", "name", info.Name, "vendor", info.Vendor, "model", info.Model,
				"serial", info.SerialNumber, "firmware", info.Firmware, "trst", info.SupportsTRST)
		}
	}
	return chain.NewController(transport, chain.WithLogger(logger)), closer, nil
}

// createTransport creates the appropriate JTAG transport based on type
func createTransport(ctx context.Context, adapterType string) (jtag.Transport, func(), error) {
	switch adapterType {
	case "sim", "simulator":
		devices, err := simchain.Parse(cfg.GetString("sim-chain"))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --sim-chain: %w", err)
		}
		logger.Debug("using simulator", "devices", len(devices))
		return jtag.NewSimulator(devices, cfg.GetBool("trst")), func() {}, nil

	case "cmsis-dap", "cmsisdap", "dap":
		vid, err := usbID("vid", jtag.VendorIDRaspberryPi)
		if err != nil {
			return nil, nil, err
		}
		pid, err := usbID("pid", jtag.ProductIDCMSISDAP)
		if err != nil {
			return nil, nil, err
		}
		logger.Debug("opening CMSIS-DAP probe", "vid", fmt.Sprintf("%04x", vid), "pid", fmt.Sprintf("%04x", pid))
		t, err := jtag.OpenCMSISDAP(ctx, vid, pid)
		if err != nil {
			return nil, nil, err
		}
		return t, func() { t.Close() }, nil

	case "stream", "glasgow":
		vid, err := usbID("vid", jtag.VendorIDGlasgow)
		if err != nil {
			return nil, nil, err
		}
		pid, err := usbID("pid", jtag.ProductIDGlasgow)
		if err != nil {
			return nil, nil, err
		}
		logger.Debug("opening stream probe", "vid", fmt.Sprintf("%04x", vid), "pid", fmt.Sprintf("%04x", pid))
		s, err := jtag.OpenUSBStream(ctx, vid, pid)
		if err != nil {
			return nil, nil, err
		}
		probe := jtag.NewStreamProbe(s, jtag.WithTRST(cfg.GetBool("trst")))
		return probe, func() { s.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown adapter type: %s (supported: sim, cmsis-dap, stream)", adapterType)
	}
}
