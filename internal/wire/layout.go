package wire

import (
	"encoding/binary"
	"fmt"
)

// Structured value sizes. Peers decode these by fixed offset.
const (
	IPv4GroupLen = 8
	IPv6GroupLen = 32
	PortGroupLen = 4
	SCTPStateLen = 12 // state, 3 bytes alignment, two vtags
	DCCPStateLen = 2
	NATSeqAdjLen = 24
)

// IPv4Group is a source/destination IPv4 address pair.
type IPv4Group struct {
	Src, Dst [4]byte
}

func (g IPv4Group) Bytes() []byte {
	b := make([]byte, IPv4GroupLen)
	copy(b[0:4], g.Src[:])
	copy(b[4:8], g.Dst[:])
	return b
}

// ParseIPv4Group decodes an IPv4 group value.
func ParseIPv4Group(b []byte) (IPv4Group, error) {
	var g IPv4Group
	if len(b) != IPv4GroupLen {
		return g, sizeError("ipv4 group", len(b), IPv4GroupLen)
	}
	copy(g.Src[:], b[0:4])
	copy(g.Dst[:], b[4:8])
	return g, nil
}

// IPv6Group is a source/destination IPv6 address pair.
type IPv6Group struct {
	Src, Dst [16]byte
}

func (g IPv6Group) Bytes() []byte {
	b := make([]byte, IPv6GroupLen)
	copy(b[0:16], g.Src[:])
	copy(b[16:32], g.Dst[:])
	return b
}

// ParseIPv6Group decodes an IPv6 group value.
func ParseIPv6Group(b []byte) (IPv6Group, error) {
	var g IPv6Group
	if len(b) != IPv6GroupLen {
		return g, sizeError("ipv6 group", len(b), IPv6GroupLen)
	}
	copy(g.Src[:], b[0:16])
	copy(g.Dst[:], b[16:32])
	return g, nil
}

// PortGroup is a source/destination L4 port pair in host order.
type PortGroup struct {
	Src, Dst uint16
}

func (g PortGroup) Bytes() []byte {
	b := make([]byte, PortGroupLen)
	binary.BigEndian.PutUint16(b[0:2], g.Src)
	binary.BigEndian.PutUint16(b[2:4], g.Dst)
	return b
}

// ParsePortGroup decodes a port group value.
func ParsePortGroup(b []byte) (PortGroup, error) {
	if len(b) != PortGroupLen {
		return PortGroup{}, sizeError("port group", len(b), PortGroupLen)
	}
	return PortGroup{
		Src: binary.BigEndian.Uint16(b[0:2]),
		Dst: binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// SCTPState is the SCTP protocol state block.
type SCTPState struct {
	State     uint8
	VTagOrig  uint32
	VTagReply uint32
}

func (s SCTPState) Bytes() []byte {
	b := make([]byte, SCTPStateLen)
	b[0] = s.State
	binary.BigEndian.PutUint32(b[4:8], s.VTagOrig)
	binary.BigEndian.PutUint32(b[8:12], s.VTagReply)
	return b
}

// ParseSCTPState decodes an SCTP state block.
func ParseSCTPState(b []byte) (SCTPState, error) {
	if len(b) != SCTPStateLen {
		return SCTPState{}, sizeError("sctp state", len(b), SCTPStateLen)
	}
	return SCTPState{
		State:     b[0],
		VTagOrig:  binary.BigEndian.Uint32(b[4:8]),
		VTagReply: binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// DCCPState is the DCCP protocol state block.
type DCCPState struct {
	State uint8
	Role  uint8
}

func (s DCCPState) Bytes() []byte {
	return []byte{s.State, s.Role}
}

// ParseDCCPState decodes a DCCP state block.
func ParseDCCPState(b []byte) (DCCPState, error) {
	if len(b) != DCCPStateLen {
		return DCCPState{}, sizeError("dccp state", len(b), DCCPStateLen)
	}
	return DCCPState{State: b[0], Role: b[1]}, nil
}

// NATSeqAdj carries the NAT sequence number adjustment of both directions.
// Field order is the wire order.
type NATSeqAdj struct {
	OrigCorrectionPos  uint32
	OrigOffsetBefore   uint32
	OrigOffsetAfter    uint32
	ReplyCorrectionPos uint32
	ReplyOffsetBefore  uint32
	ReplyOffsetAfter   uint32
}

func (n NATSeqAdj) Bytes() []byte {
	b := make([]byte, NATSeqAdjLen)
	for i, v := range n.fields() {
		binary.BigEndian.PutUint32(b[i*4:], v)
	}
	return b
}

func (n NATSeqAdj) fields() [6]uint32 {
	return [6]uint32{
		n.OrigCorrectionPos, n.OrigOffsetBefore, n.OrigOffsetAfter,
		n.ReplyCorrectionPos, n.ReplyOffsetBefore, n.ReplyOffsetAfter,
	}
}

// ParseNATSeqAdj decodes a NAT sequence adjustment block.
func ParseNATSeqAdj(b []byte) (NATSeqAdj, error) {
	if len(b) != NATSeqAdjLen {
		return NATSeqAdj{}, sizeError("nat seq adj", len(b), NATSeqAdjLen)
	}
	u := func(i int) uint32 { return binary.BigEndian.Uint32(b[i*4:]) }
	return NATSeqAdj{
		OrigCorrectionPos:  u(0),
		OrigOffsetBefore:   u(1),
		OrigOffsetAfter:    u(2),
		ReplyCorrectionPos: u(3),
		ReplyOffsetBefore:  u(4),
		ReplyOffsetAfter:   u(5),
	}, nil
}

func sizeError(what string, got, want int) error {
	return fmt.Errorf("%w: %s is %d bytes, want %d", ErrBadValueSize, what, got, want)
}
