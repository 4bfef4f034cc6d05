package grbl

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

// dialSerial opens the configured serial device.
func dialSerial(cfg Config) (io.ReadWriteCloser, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("no serial device configured")
	}
	port, err := serial.Open(cfg.Device, &serial.Mode{BaudRate: cfg.Baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	return port, nil
}
