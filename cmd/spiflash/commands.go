package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-tty"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/r315/usb-msc/spiflash"
)

const (
	colorReset = "\x1b[0m"
	colorKey   = "\x1b[36m"
	colorWarn  = "\x1b[33m"
)

var stdout io.Writer = colorable.NewColorableStdout()

func withFlash(opts *options, fn func(d *spiflash.Device) error) error {
	d, closer, err := openFlash(opts)
	if err != nil {
		return err
	}
	defer closer.Close()
	return fn(d)
}

func newInfoCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Identify the flash and print its geometry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFlash(opts, func(d *spiflash.Device) error {
				return printInfo(stdout, d)
			})
		},
	}
}

func printInfo(w io.Writer, d *spiflash.Device) error {
	jedec, err := d.ReadJEDECID()
	if err != nil {
		return err
	}
	sr, err := d.ReadStatus()
	if err != nil {
		return err
	}
	p := d.Part()
	blocks, blockSize := d.Capacity()

	row := func(key, format string, args ...interface{}) {
		fmt.Fprintf(w, "%s%-12s%s "+format+"\n", append([]interface{}{colorKey, key, colorReset}, args...)...)
	}
	row("part", "%s", p.Name)
	row("id", "%04X", p.ID)
	row("jedec", "%06X", jedec)
	row("size", "%d bytes", p.Size)
	row("sector", "%d bytes", p.SectorSize)
	row("page", "%d bytes", p.PageSize)
	row("blocks", "%d x %d", blocks, blockSize)
	row("status", "%08b", sr)
	return nil
}

func newReadCmd(opts *options) *cobra.Command {
	var addr, length uint32
	var output string
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Copy a flash region to a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFlash(opts, func(d *spiflash.Device) error {
				if !cmd.Flags().Changed("len") {
					length = d.Size() - addr
				}
				buf := make([]byte, length)
				if err := d.Read(buf, addr); err != nil {
					return err
				}
				if err := os.WriteFile(output, buf, 0644); err != nil {
					return err
				}
				klog.Infof("read %d bytes at 0x%06X into %s", length, addr, output)
				return nil
			})
		},
	}
	cmd.Flags().Uint32Var(&addr, "addr", 0, "start address")
	cmd.Flags().Uint32Var(&length, "len", 0, "number of bytes, defaults to the rest of the flash")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file")
	cmd.MarkFlagRequired("output")
	return cmd
}

func newDumpCmd(opts *options) *cobra.Command {
	var addr, length uint32
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print a flash region as hex",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFlash(opts, func(d *spiflash.Device) error {
				buf := make([]byte, length)
				if err := d.Read(buf, addr); err != nil {
					return err
				}
				return dump(stdout, buf, addr)
			})
		},
	}
	cmd.Flags().Uint32Var(&addr, "addr", 0, "start address")
	cmd.Flags().Uint32Var(&length, "len", 256, "number of bytes")
	return cmd
}

// dump writes buf in the classic 16 bytes per line layout, with the flash
// address highlighted in front of each line.
func dump(w io.Writer, buf []byte, addr uint32) error {
	for off := 0; off < len(buf); off += 16 {
		end := off + 16
		if end > len(buf) {
			end = len(buf)
		}
		line := hex.Dump(buf[off:end])
		// hex.Dump starts every line with its own 8 digit offset
		if _, err := fmt.Fprintf(w, "%s%06X%s %s", colorKey, addr+uint32(off), colorReset, line[10:]); err != nil {
			return err
		}
	}
	return nil
}

func newWriteCmd(opts *options) *cobra.Command {
	var addr uint32
	cmd := &cobra.Command{
		Use:   "write FILE",
		Short: "Program a file into the flash, erasing only the sectors that need it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withFlash(opts, func(d *spiflash.Device) error {
				if err := d.Write(data, addr); err != nil {
					return err
				}
				klog.Infof("wrote %d bytes at 0x%06X", len(data), addr)
				return nil
			})
		},
	}
	cmd.Flags().Uint32Var(&addr, "addr", 0, "start address")
	return cmd
}

func newEraseCmd(opts *options) *cobra.Command {
	var sector uint32
	var yes bool
	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase one sector or the whole chip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("sector") {
				return withFlash(opts, func(d *spiflash.Device) error {
					return d.EraseSector(sector)
				})
			}
			return withFlash(opts, func(d *spiflash.Device) error {
				if !yes {
					ok, err := confirm(fmt.Sprintf("erase the whole %s?", d.Name()))
					if err != nil {
						return err
					}
					if !ok {
						return errors.New("aborted")
					}
				}
				klog.Infof("erasing %s, this can take a while", d.Name())
				return d.EraseChip()
			})
		},
	}
	cmd.Flags().Uint32Var(&sector, "sector", 0, "erase only the sector containing this address")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func confirm(question string) (bool, error) {
	t, err := tty.Open()
	if err != nil {
		return false, err
	}
	defer t.Close()

	out := colorable.NewColorable(t.Output())
	fmt.Fprintf(out, "%s%s%s [y/N] ", colorWarn, question, colorReset)
	r, err := t.ReadRune()
	fmt.Fprintln(out)
	if err != nil {
		return false, err
	}
	return r == 'y' || r == 'Y', nil
}
