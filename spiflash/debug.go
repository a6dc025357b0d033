package spiflash

import (
	"context"
	"os"

	"golang.org/x/exp/slog"
)

var (
	debug = false
)

// Debug makes drivers configured without a logger trace to standard output.
func Debug(b bool) {
	debug = b
}

func defaultLogger() *slog.Logger {
	if !debug {
		return nil
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (d *Device) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if d.log == nil {
		return
	}
	ctx := context.Background()
	if !d.log.Enabled(ctx, level) {
		return
	}
	d.log.LogAttrs(ctx, level, msg, attrs...)
}

func (d *Device) debug(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelDebug, msg, attrs...)
}

func (d *Device) info(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelInfo, msg, attrs...)
}

func (d *Device) warn(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelWarn, msg, attrs...)
}
