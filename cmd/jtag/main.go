package main

import "github.com/OpenTraceLab/tapprobe/cmd/jtag/cmd"

func main() {
	cmd.Execute()
}
