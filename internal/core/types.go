// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net"
)

// MACAddr is a 48-bit Ethernet address in transmission order.
type MACAddr [6]byte

var (
	// BroadcastMAC is ff:ff:ff:ff:ff:ff.
	BroadcastMAC = MACAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	// ZeroMAC is the unassigned address.
	ZeroMAC MACAddr
)

// ParseMAC parses a colon or dash separated EUI-48 address.
func ParseMAC(s string) (MACAddr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MACAddr{}, err
	}
	if len(hw) != 6 {
		return MACAddr{}, fmt.Errorf("ethctl: %q is not an EUI-48 address", s)
	}
	var m MACAddr
	copy(m[:], hw)
	return m, nil
}

// MustParseMAC is ParseMAC for constants in tests and defaults.
func MustParseMAC(s string) MACAddr {
	m, err := ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m MACAddr) String() string {
	return net.HardwareAddr(m[:]).String()
}

// IsMulticast reports whether the group bit is set (includes broadcast).
func (m MACAddr) IsMulticast() bool { return m[0]&0x01 != 0 }

// IsBroadcast reports whether m is ff:ff:ff:ff:ff:ff.
func (m MACAddr) IsBroadcast() bool { return m == BroadcastMAC }

// IsZero reports whether m is 00:00:00:00:00:00.
func (m MACAddr) IsZero() bool { return m == ZeroMAC }

// MarshalText implements encoding.TextMarshaler so addresses render as text in YAML/JSON.
func (m MACAddr) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MACAddr) UnmarshalText(b []byte) error {
	v, err := ParseMAC(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Speed is the negotiated link speed.
type Speed int

const (
	SpeedUnknown Speed = 0
	Speed10      Speed = 10
	Speed100     Speed = 100
	Speed1000    Speed = 1000
)

func (s Speed) String() string {
	if s == SpeedUnknown {
		return "unknown"
	}
	return fmt.Sprintf("%dM", int(s))
}

// Duplex is the negotiated duplex mode.
type Duplex int

const (
	DuplexUnknown Duplex = iota
	DuplexHalf
	DuplexFull
)

func (d Duplex) String() string {
	switch d {
	case DuplexHalf:
		return "half"
	case DuplexFull:
		return "full"
	default:
		return "unknown"
	}
}

// LinkState is the state of one port.
// Link failure is latched by PHYs; drivers read the status register twice and
// keep the second value.
type LinkState struct {
	Up     bool
	Speed  Speed
	Duplex Duplex
}

func (l LinkState) String() string {
	if !l.Up {
		return "down"
	}
	return fmt.Sprintf("up %s/%s", l.Speed, l.Duplex)
}

// FilterEntry mirrors one row of the host stack's MAC filter table.
// Entries with RefCount == 0 are inactive.
type FilterEntry struct {
	Addr     MACAddr
	RefCount int
}

// CPUPortMask in FdbEntry.DestPorts designates the host-facing port; drivers
// translate it to the chip's own bit.
const CPUPortMask uint32 = 1 << 31

// FdbEntry is a forwarding database row.
type FdbEntry struct {
	MAC       MACAddr `yaml:"mac" json:"mac"`
	SrcPort   uint8   `yaml:"src_port,omitempty" json:"src_port,omitempty"`     // dynamic entries only, 1-based
	DestPorts uint32  `yaml:"dest_ports,omitempty" json:"dest_ports,omitempty"` // bit n-1 = port n
	Override  bool    `yaml:"override,omitempty" json:"override,omitempty"`     // forward even if port state blocks
}

// PortState is the spanning tree state of a switch port.
type PortState int

const (
	PortStateUnknown PortState = iota
	PortStateDisabled
	PortStateListening
	PortStateLearning
	PortStateForwarding
)

var portStateNames = map[PortState]string{
	PortStateUnknown:    "unknown",
	PortStateDisabled:   "disabled",
	PortStateListening:  "listening",
	PortStateLearning:   "learning",
	PortStateForwarding: "forwarding",
}

func (s PortState) String() string {
	if n, ok := portStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParsePortState is the inverse of PortState.String.
func ParsePortState(s string) (PortState, error) {
	for k, v := range portStateNames {
		if v == s && k != PortStateUnknown {
			return k, nil
		}
	}
	return PortStateUnknown, fmt.Errorf("%w: port state %q", ErrConfigInvalid, s)
}

// RxMeta carries per-frame receive metadata.
type RxMeta struct {
	Port uint8 // ingress switch port, 0 when the device is not a switch
}

// TxMeta carries per-frame transmit metadata.
type TxMeta struct {
	Port uint8 // egress switch port, 0 lets the switch look up the destination
}

// Ethernet frame sizes, FCS excluded.
const (
	EthHeaderLen = 14
	MinFrameSize = 60
	MaxFrameSize = 1518 // 1514 + one 802.1Q tag
)
