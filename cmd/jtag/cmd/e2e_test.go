package cmd

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const testChain = "tap idcode=0x149511C3 irlen=3 reg 0x2 len=5 reg 0x3 len=8; tap irlen=4"

// resetFlags restores every flag to its default so commands do not see
// values from a previous test, and rebuilds the configuration.
func resetFlags() {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		c.Flags().VisitAll(reset)
		c.PersistentFlags().VisitAll(reset)
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(rootCmd)
	cfg = newConfig(rootCmd.PersistentFlags())
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// TestScanE2E tests the scan command end-to-end
func TestScanE2E(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantErr     bool
		wantContain []string
	}{
		{
			name: "default chain",
			args: []string{"scan"},
			wantContain: []string{
				"TAP #0: IR[6] IDCODE=0x13631093",
				"manufacturer=0x049 (Xilinx) part=0x3631 version=0x1",
				"TAP #1: IR[4] BYPASS",
				"TAP #2: IR[4] IDCODE=0x4ba00477",
				"(ARM Ltd)",
			},
		},
		{
			name: "custom chain",
			args: []string{"scan", "--sim-chain", testChain},
			wantContain: []string{
				"TAP #0: IR[3] IDCODE=0x149511c3",
				"TAP #1: IR[4] BYPASS",
			},
		},
		{
			name: "single TAP with ones in capture",
			args: []string{"scan", "--sim-chain", "tap irlen=4 idcode=0x3 capture=0101"},
			wantContain: []string{
				"TAP #0: IR[4] IDCODE=0x00000003",
			},
		},
		{
			name: "unsegmentable IR",
			args: []string{"scan", "--sim-chain", "tap irlen=4 idcode=0x3 capture=0101; tap irlen=4"},
			wantContain: []string{
				"TAP #0: IR[?] IDCODE=0x00000003",
				"TAP #1: IR[?] BYPASS",
			},
		},
		{
			name:    "too many devices",
			args:    []string{"scan", "--max-idcodes", "1"},
			wantErr: true,
		},
		{
			name:    "bad chain description",
			args:    []string{"scan", "--sim-chain", "tap irlen=1"},
			wantErr: true,
		},
		{
			name:    "unknown adapter",
			args:    []string{"scan", "--adapter", "buspirate"},
			wantErr: true,
		},
		{
			name:    "unknown profile mode",
			args:    []string{"scan", "--profile", "trace"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := execute(t, "", tt.args...)

			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error but got none\nOutput: %s", output)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v\nOutput: %s", err, output)
			}
			for _, want := range tt.wantContain {
				if !strings.Contains(output, want) {
					t.Errorf("Output missing expected string: %q\nGot:\n%s", want, output)
				}
			}
		})
	}
}

func TestEnumerateIRE2E(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantErr     bool
		wantContain []string
		wantMissing []string
	}{
		{
			name: "single TAP",
			args: []string{"enumerate-ir", "0", "--sim-chain", testChain},
			wantContain: []string{
				"TAP #0: IR[3]",
				"  IR=001 DR[32]",
				"  IR=010 DR[5]",
				"  IR=011 DR[8]",
			},
			wantMissing: []string{"IR=111", "TAP #1"},
		},
		{
			name: "verbose lists bypass",
			args: []string{"enumerate-ir", "0", "-v", "--sim-chain", testChain},
			wantContain: []string{
				"  IR=000 DR[1]",
				"  IR=111 DR[1]",
			},
		},
		{
			name: "all TAPs",
			args: []string{"enumerate-ir", "--sim-chain", testChain},
			wantContain: []string{
				"TAP #0: IR[3]",
				"TAP #1: IR[4]",
				"  IR=001 DR[32]",
			},
		},
		{
			name:    "index out of range",
			args:    []string{"enumerate-ir", "2", "--sim-chain", testChain},
			wantErr: true,
		},
		{
			name:    "index not a number",
			args:    []string{"enumerate-ir", "first", "--sim-chain", testChain},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := execute(t, "", tt.args...)

			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error but got none\nOutput: %s", output)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v\nOutput: %s", err, output)
			}
			for _, want := range tt.wantContain {
				if !strings.Contains(output, want) {
					t.Errorf("Output missing expected string: %q\nGot:\n%s", want, output)
				}
			}
			for _, missing := range tt.wantMissing {
				if strings.Contains(output, missing) {
					t.Errorf("Output contains unexpected string: %q\nGot:\n%s", missing, output)
				}
			}
		})
	}
}

func TestDRLengthE2E(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"register", []string{"dr-length", "--tap", "0", "--ir", "010"}, "TAP #0: IR=010 DR[5]", false},
		{"bypass TAP", []string{"dr-length", "--tap", "1", "--ir", "1111"}, "TAP #1: IR=1111 DR[1]", false},
		{"wrong IR length", []string{"dr-length", "--tap", "0", "--ir", "01"}, "", true},
		{"missing TAP", []string{"dr-length", "--tap", "3", "--ir", "010"}, "", true},
		{"bad bits", []string{"dr-length", "--ir", "0x2"}, "", true},
		{"missing ir", []string{"dr-length"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := execute(t, "", append(tt.args, "--sim-chain", testChain)...)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error but got none\nOutput: %s", output)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !strings.Contains(output, tt.want) {
				t.Errorf("Output missing %q\nGot:\n%s", tt.want, output)
			}
		})
	}
}

func TestREPLE2E(t *testing.T) {
	input := strings.Join([]string{
		"print(jtag.select_tap(0))",
		"jtag.write_ir('011')",
		"jtag.write_dr('10100101')",
		"jtag.read_dr(8, true)",
		"jtag.write_ir(",
		"exit",
	}, "\n")
	output, err := execute(t, input, "repl", "--sim-chain", testChain)
	if err != nil {
		t.Fatalf("Unexpected error: %v\nOutput: %s", err, output)
	}
	for _, want := range []string{"3\n", "10100101\n", "error: "} {
		if !strings.Contains(output, want) {
			t.Errorf("Output missing %q\nGot:\n%s", want, output)
		}
	}
}

func TestREPLScriptWithTAP(t *testing.T) {
	script := filepath.Join(t.TempDir(), "probe.lua")
	src := `jtag.write_ir("010")
print("dr", jtag.scan_dr_length())
`
	if err := os.WriteFile(script, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	output, err := execute(t, "", "repl", "--tap", "0", "--script", script, "--sim-chain", testChain)
	if err != nil {
		t.Fatalf("Unexpected error: %v\nOutput: %s", err, output)
	}
	if !strings.Contains(output, "dr\t5") {
		t.Errorf("Output missing DR length\nGot:\n%s", output)
	}
}

func TestConfigSources(t *testing.T) {
	t.Run("environment", func(t *testing.T) {
		t.Setenv("JTAG_SIM_CHAIN", "tap irlen=5 idcode=0x4BA00477")
		output, err := execute(t, "", "scan")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !strings.Contains(output, "TAP #0: IR[5] IDCODE=0x4ba00477") {
			t.Errorf("environment chain not used\nGot:\n%s", output)
		}
	})

	t.Run("config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jtag.yaml")
		if err := os.WriteFile(path, []byte("sim-chain: tap irlen=7\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		output, err := execute(t, "", "scan", "--config", path)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !strings.Contains(output, "TAP #0: IR[7] BYPASS") {
			t.Errorf("config chain not used\nGot:\n%s", output)
		}
	})

	t.Run("flag overrides environment", func(t *testing.T) {
		t.Setenv("JTAG_SIM_CHAIN", "tap irlen=5")
		output, err := execute(t, "", "scan", "--sim-chain", "tap irlen=9")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !strings.Contains(output, "TAP #0: IR[9] BYPASS") {
			t.Errorf("flag did not win\nGot:\n%s", output)
		}
	})

	t.Run("missing config file", func(t *testing.T) {
		if _, err := execute(t, "", "scan", "--config", filepath.Join(t.TempDir(), "none.yaml")); err == nil {
			t.Errorf("Expected error for missing config file")
		}
	})
}
