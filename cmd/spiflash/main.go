// Command spiflash reads and programs SPI NOR flash memories from a host
// computer through an FTDI FT232H.
//
// Wiring: D0 SCK, D1 MOSI, D2 MISO and chip select on the pin given by
// --cs (D4 by default).
//
//	spiflash info
//	spiflash dump --addr 0x1000 --len 64
//	spiflash read --addr 0 --len 0x10000 -o boot.bin
//	spiflash write --addr 0 boot.bin
//	spiflash erase --sector 0x3000
//	spiflash erase --yes
package main

import (
	goflag "flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

type options struct {
	clock string
	cs    string
	trace bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "spiflash",
		Short:         "Read and program SPI NOR flash through an FT232H",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	fs := root.PersistentFlags()
	fs.StringVar(&opts.clock, "clock", "10MHz", "SPI clock frequency")
	fs.StringVar(&opts.cs, "cs", "D4", "FT232H pin driving chip select")
	fs.BoolVar(&opts.trace, "trace", false, "log every flash operation")

	klogFlags := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)

	root.AddCommand(
		newInfoCmd(opts),
		newReadCmd(opts),
		newDumpCmd(opts),
		newWriteCmd(opts),
		newEraseCmd(opts),
	)
	return root
}

func main() {
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
}
