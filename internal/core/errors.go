// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors following ADR-021 error handling pattern.
// Callers wrap them with fmt.Errorf("...: %w", err) and match with errors.Is.
var (
	// Hardware handshake errors
	ErrTimeout  = errors.New("ethctl: poll retries exhausted")
	ErrNotReady = errors.New("ethctl: device not ready")

	// Frame errors
	ErrInvalidLength = errors.New("ethctl: invalid frame length")
	ErrInvalidFrame  = errors.New("ethctl: invalid frame")
	ErrBusy          = errors.New("ethctl: no free transmit slot")
	ErrEmpty         = errors.New("ethctl: no frame pending")

	// Forwarding table errors
	ErrTableFull    = errors.New("ethctl: table full")
	ErrNotFound     = errors.New("ethctl: entry not found")
	ErrInvalidEntry = errors.New("ethctl: invalid entry")
	ErrEndOfTable   = errors.New("ethctl: end of table")
	ErrInvalidPort  = errors.New("ethctl: invalid port")

	// Capability errors
	ErrUnsupported = errors.New("ethctl: operation not supported by device")

	// Configuration errors
	ErrConfigInvalid = errors.New("ethctl: invalid configuration")
)
