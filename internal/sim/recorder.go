package sim

import (
	"sync"

	"firestige.xyz/ethctl/internal/regio"
)

// Transfer is one recorded bus transaction.
type Transfer struct {
	Op   regio.Op
	Addr uint32
	Data []byte // written data, or data returned by a read
}

// Recorder wraps a Bus and records every transaction it forwards.
type Recorder struct {
	mu      sync.Mutex
	bus     regio.Bus
	framing regio.Framing
	log     []Transfer
}

// NewRecorder records transfers sent to bus, decoding headers with f.
func NewRecorder(bus regio.Bus, f regio.Framing) *Recorder {
	return &Recorder{bus: bus, framing: f}
}

func (r *Recorder) Tx(w, rd []byte) error {
	err := r.bus.Tx(w, rd)
	op, addr, ok := r.framing.Decode(w)
	if !ok {
		return err
	}
	hl := r.framing.HeaderLen()
	data := w[hl:]
	if op == regio.OpRead {
		data = rd[hl:]
	}
	r.mu.Lock()
	r.log = append(r.log, Transfer{Op: op, Addr: addr, Data: append([]byte(nil), data...)})
	r.mu.Unlock()
	return err
}

// Transfers returns the recorded transactions.
func (r *Recorder) Transfers() []Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transfer(nil), r.log...)
}

// Writes returns the recorded writes that touch [lo, hi).
func (r *Recorder) Writes(lo, hi uint32) []Transfer {
	var out []Transfer
	for _, t := range r.Transfers() {
		if t.Op == regio.OpWrite && t.Addr >= lo && t.Addr < hi {
			out = append(out, t)
		}
	}
	return out
}

// Reset drops the recorded history.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.log = nil
	r.mu.Unlock()
}
