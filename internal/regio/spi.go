package regio

import (
	"log/slog"
	"sync"

	"firestige.xyz/ethctl/internal/metrics"
)

// SPI is a Transport over a chip-select framed serial bus.
type SPI struct {
	mu      sync.Mutex
	bus     Bus
	framing Framing
	name    string
	logger  *slog.Logger

	buf []byte
	err error // last bus error, sticky until read by Err
}

// Option configures an SPI transport.
type Option func(*SPI)

// WithName labels log records and metrics with the device name.
func WithName(name string) Option {
	return func(s *SPI) { s.name = name }
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *SPI) { s.logger = l }
}

// NewSPI returns a transport that frames every access with f and sends it on bus.
func NewSPI(bus Bus, f Framing, opts ...Option) *SPI {
	s := &SPI{
		bus:     bus,
		framing: f,
		name:    "device",
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Err returns and clears the last bus error.
func (s *SPI) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}

// transact sends header+data in one bus transfer and returns the bytes
// clocked in during the data phase. Caller holds s.mu.
func (s *SPI) transact(op Op, addr uint32, data []byte) ([]byte, bool) {
	hdr := s.framing.Header(op, addr)
	n := len(hdr) + len(data)
	if cap(s.buf) < 2*n {
		s.buf = make([]byte, 2*n)
	}
	w, r := s.buf[:n], s.buf[n:2*n]
	copy(w, hdr)
	copy(w[len(hdr):], data)
	if err := s.bus.Tx(w, r); err != nil {
		s.err = err
		metrics.TransportErrorsTotal.WithLabelValues(s.name).Inc()
		s.logger.Debug("bus transfer failed", "device", s.name, "addr", addr, "error", err)
		return nil, false
	}
	return r[len(hdr):], true
}

func (s *SPI) ReadRegister(addr uint32, w Width) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Dummy bytes clock the response out.
	var dummy [4]byte
	r, ok := s.transact(OpRead, addr, dummy[:w])
	if !ok {
		return w.Mask()
	}
	return getValue(r)
}

func (s *SPI) WriteRegister(addr uint32, w Width, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var data [4]byte
	putValue(data[:w], v)
	s.transact(OpWrite, addr, data[:w])
}

func (s *SPI) ReadBuffer(addr uint32, p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.transact(OpRead, addr, make([]byte, len(p)))
	if !ok {
		for i := range p {
			p[i] = 0xFF
		}
		return
	}
	copy(p, r)
}

func (s *SPI) WriteBuffer(addr uint32, p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transact(OpWrite, addr, p)
}
