package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/exp/slog"
	"k8s.io/klog/v2"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"

	"github.com/r315/usb-msc/spiflash"
)

// maxTx is the largest transfer the MPSSE engine takes in one command.
const maxTx = 65536

// bus adapts a periph connection to the drivers.SPI interface. Reads clock
// out 0xFF and transfers are split to fit the FTDI limit.
type bus struct {
	c     conn.Conn
	dummy []byte
}

func (b *bus) Tx(w, r []byte) error {
	if w != nil && r != nil && len(w) != len(r) {
		return errors.New("spi: read and write buffers differ in length")
	}
	n := len(w)
	if w == nil {
		n = len(r)
	}
	for off := 0; off < n; off += maxTx {
		end := off + maxTx
		if end > n {
			end = n
		}
		var wc, rc []byte
		if w != nil {
			wc = w[off:end]
		} else {
			wc = b.fill(end - off)
		}
		if r != nil {
			rc = r[off:end]
		}
		if err := b.c.Tx(wc, rc); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) Transfer(c byte) (byte, error) {
	var r [1]byte
	err := b.c.Tx([]byte{c}, r[:])
	return r[0], err
}

func (b *bus) fill(n int) []byte {
	if len(b.dummy) < n {
		b.dummy = make([]byte, n)
		for i := range b.dummy {
			b.dummy[i] = 0xFF
		}
	}
	return b.dummy[:n]
}

// pin drives chip select through a GPIO. The flash driver has no error path
// for chip select, so failures are logged.
type pin struct {
	p gpio.PinOut
}

func (p pin) High() { p.out(gpio.High) }
func (p pin) Low()  { p.out(gpio.Low) }

func (p pin) out(l gpio.Level) {
	if err := p.p.Out(l); err != nil {
		klog.Errorf("chip select %s: %v", p.p.Name(), err)
	}
}

func csPin(ft *ftdi.FT232H, name string) (gpio.PinOut, error) {
	pins := map[string]gpio.PinIO{
		"D3": ft.D3, "D4": ft.D4, "D5": ft.D5, "D6": ft.D6, "D7": ft.D7,
		"C0": ft.C0, "C1": ft.C1, "C2": ft.C2, "C3": ft.C3,
		"C4": ft.C4, "C5": ft.C5, "C6": ft.C6, "C7": ft.C7,
	}
	p, ok := pins[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("unknown chip select pin %q", name)
	}
	return p, nil
}

func findFT232H() (*ftdi.FT232H, error) {
	for _, dev := range ftdi.All() {
		if ft, ok := dev.(*ftdi.FT232H); ok {
			return ft, nil
		}
	}
	return nil, errors.New("no FT232H found")
}

// openFlash connects to the programmer and identifies the flash. The
// returned closer releases the SPI port.
func openFlash(opts *options) (*spiflash.Device, io.Closer, error) {
	var freq physic.Frequency
	if err := freq.Set(opts.clock); err != nil {
		return nil, nil, fmt.Errorf("--clock: %w", err)
	}

	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("host initialization failed: %w", err)
	}
	ft, err := findFT232H()
	if err != nil {
		return nil, nil, err
	}
	cs, err := csPin(ft, opts.cs)
	if err != nil {
		return nil, nil, err
	}

	port, err := ft.SPI()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get SPI port: %w", err)
	}
	c, err := port.Connect(freq, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, nil, fmt.Errorf("SPI connection failed: %w", err)
	}
	klog.V(1).Infof("connected %v at %s, chip select %s", ft, freq, opts.cs)

	dev, err := newFlash(c, cs, opts.trace)
	if err != nil {
		port.Close()
		return nil, nil, err
	}
	return dev, port, nil
}

func newFlash(c conn.Conn, cs gpio.PinOut, trace bool) (*spiflash.Device, error) {
	cfg := spiflash.Config{}
	if trace {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	dev := spiflash.New(&bus{c: c}, pin{cs})
	if err := dev.Configure(&cfg); err != nil {
		return nil, err
	}
	klog.V(1).Infof("found %s", dev.Name())
	return dev, nil
}
