//go:build !linux

package regio

import (
	"fmt"

	"firestige.xyz/ethctl/internal/core"
)

// Spidev is only available on Linux.
type Spidev struct{}

// OpenSpidev always fails outside Linux.
func OpenSpidev(path string, mode uint8, speedHz uint32) (*Spidev, error) {
	return nil, fmt.Errorf("spidev %s: %w", path, core.ErrUnsupported)
}

func (d *Spidev) Tx(w, r []byte) error { return core.ErrUnsupported }

func (d *Spidev) Close() error { return nil }
