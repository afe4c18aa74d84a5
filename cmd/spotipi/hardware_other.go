//go:build !linux

package main

import (
	"errors"
	"log/slog"
)

func openLinuxHardware(cfg HardwareConfig, logger *slog.Logger) (Hardware, error) {
	return nil, errors.New("linux hardware backend is not available on this platform; use hardware.backend: sim")
}
