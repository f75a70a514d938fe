// Package tailtag implements the KSZ tail tag trailer that lets one host
// MAC address individual ports of a switch sharing its uplink.
//
// Frames sent by the host carry a 2-byte trailer selecting destination
// ports; frames received by the host carry a 1-byte trailer naming the
// ingress port. The trailer sits just before the FCS.
package tailtag

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/ethctl/internal/core"
)

// Ingress (host to switch) tag bits.
const (
	NormalLookup         uint16 = 0x0000
	PortBlockingOverride uint16 = 0x0200
	DestPortMask         uint16 = 0x007F
)

// Trailer lengths.
const (
	IngressLen = 2
	EgressLen  = 1
)

const egressSrcPortMask byte = 0x1F

// Codec encodes and decodes tail tags for a switch with Ports addressable ports.
type Codec struct {
	Ports int
	// SourceOffset is added to the 5-bit source field on receive. Silicon that
	// reports zero-based port indices needs 1.
	SourceOffset uint8
}

// Tag pads frame to the minimum frame size and appends the ingress tag
// for port. Port 0 leaves the destination to the switch's address lookup;
// ports 1..Ports force delivery to that port only.
func (c Codec) Tag(frame []byte, port uint8) ([]byte, error) {
	if int(port) > c.Ports {
		return frame, fmt.Errorf("tag port %d: %w", port, core.ErrInvalidPort)
	}
	if port == 0 {
		return c.TagMask(frame, 0, false)
	}
	return c.TagMask(frame, 1<<(port-1), true)
}

// TagMask appends a tag carrying an explicit destination bitmap.
func (c Codec) TagMask(frame []byte, mask uint16, override bool) ([]byte, error) {
	if mask&^DestPortMask != 0 || int(mask) >= 1<<c.Ports {
		return frame, fmt.Errorf("tag mask %#x: %w", mask, core.ErrInvalidPort)
	}
	tag := mask
	if override {
		tag |= PortBlockingOverride
	}
	out := make([]byte, 0, max(len(frame), core.MinFrameSize)+IngressLen)
	out = append(out, frame...)
	for len(out) < core.MinFrameSize {
		out = append(out, 0)
	}
	return binary.BigEndian.AppendUint16(out, tag), nil
}

// Untag strips the egress tag and returns the frame and its source port.
// Frames too short to hold an Ethernet header plus the tag are rejected.
func (c Codec) Untag(frame []byte) ([]byte, uint8, error) {
	if len(frame) < core.EthHeaderLen+EgressLen {
		return nil, 0, fmt.Errorf("untag %d byte frame: %w", len(frame), core.ErrInvalidLength)
	}
	n := len(frame) - EgressLen
	port := frame[n]&egressSrcPortMask + c.SourceOffset
	return frame[:n], port, nil
}

// ParseIngress decodes a host-to-switch tag. It is the switch side of Tag
// and is used by the simulated switch.
func ParseIngress(frame []byte) (payload []byte, mask uint16, override bool, err error) {
	if len(frame) < core.EthHeaderLen+IngressLen {
		return nil, 0, false, fmt.Errorf("ingress tag on %d byte frame: %w", len(frame), core.ErrInvalidLength)
	}
	n := len(frame) - IngressLen
	tag := binary.BigEndian.Uint16(frame[n:])
	return frame[:n], tag & DestPortMask, tag&PortBlockingOverride != 0, nil
}

// AppendEgress appends the switch-to-host tag for srcPort.
func AppendEgress(frame []byte, srcPort uint8) []byte {
	return append(frame, srcPort&egressSrcPortMask)
}
