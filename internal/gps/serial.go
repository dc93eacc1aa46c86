package gps

import (
	"fmt"
	"io"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
)

// Opener opens the byte stream of the position receiver.
type Opener func() (io.ReadCloser, error)

// OpenSerial returns an Opener for a serial NMEA receiver. readTimeout is
// the inter-character timeout; the driver rounds it to 100 ms steps.
// A read that times out returns io.EOF, which Consume treats as idle.
func OpenSerial(path string, baud int, readTimeout time.Duration) Opener {
	return func() (io.ReadCloser, error) {
		ms := uint(readTimeout / time.Millisecond)
		if ms > 0 && ms < 100 {
			ms = 100
		}
		opts := serial.OpenOptions{
			PortName:              path,
			BaudRate:              uint(baud),
			DataBits:              8,
			StopBits:              1,
			MinimumReadSize:       0,
			InterCharacterTimeout: ms,
			ParityMode:            serial.PARITY_NONE,
		}
		if ms == 0 {
			// block until at least one byte arrives
			opts.MinimumReadSize = 1
		}

		port, err := serial.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("gps: open %s at %d baud: %w", path, baud, err)
		}
		return port, nil
	}
}
