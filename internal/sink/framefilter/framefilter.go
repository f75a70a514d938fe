// Package framefilter selects frames with classic BPF programs, built from
// an EtherType allow-list or compiled from a tcpdump expression.
package framefilter

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"

	"firestige.xyz/ethctl/internal/core"
)

// Filter runs one program over frames. A nil *Filter accepts everything.
type Filter struct {
	vm *bpf.VM
}

// New builds a filter from types or expr, which are mutually exclusive. It
// returns nil when both are empty.
func New(types []uint16, expr string) (*Filter, error) {
	var prog []bpf.Instruction
	switch {
	case expr != "" && len(types) > 0:
		return nil, fmt.Errorf("%w: ethertype list and filter expression are exclusive", core.ErrConfigInvalid)
	case expr != "":
		p, err := CompileExpression(expr)
		if err != nil {
			return nil, err
		}
		prog = p
	case len(types) > 0:
		prog = EtherTypeProgram(types)
	default:
		return nil, nil
	}
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, fmt.Errorf("%w: frame filter: %v", core.ErrConfigInvalid, err)
	}
	return &Filter{vm: vm}, nil
}

// Accept reports whether frame passes. Out of bounds loads reject the frame.
func (f *Filter) Accept(frame []byte) bool {
	if f == nil {
		return true
	}
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}

// EtherTypeProgram returns a filter that accepts frames whose outer EtherType
// is one of types. It keeps the whole frame on a match and drops it otherwise.
func EtherTypeProgram(types []uint16) []bpf.Instruction {
	n := len(types)
	prog := make([]bpf.Instruction, 0, n+3)
	prog = append(prog, bpf.LoadAbsolute{Off: 12, Size: 2})
	for i, t := range types {
		prog = append(prog, bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(t), SkipTrue: uint8(n - i)})
	}
	return append(prog,
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: 0xFFFF},
	)
}

// CompileExpression compiles a tcpdump filter for Ethernet frames of up to
// core.MaxFrameSize bytes.
func CompileExpression(expr string) ([]bpf.Instruction, error) {
	compiled, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, core.MaxFrameSize, expr)
	if err != nil {
		return nil, fmt.Errorf("%w: filter %q: %v", core.ErrConfigInvalid, expr, err)
	}

	raw := make([]bpf.RawInstruction, len(compiled))
	for i, ins := range compiled {
		raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("%w: filter %q uses unsupported instructions", core.ErrConfigInvalid, expr)
	}
	return prog, nil
}
