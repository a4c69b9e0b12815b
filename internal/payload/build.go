// Package payload turns connection tracking records into replication
// messages and back.
//
// Records are emitted in a fixed order that every peer relies on:
//
//	1   ipv4 | ipv6          original tuple addresses, IPv4 checked first
//	2   l4proto              always
//	3   port                 when the original port group is set
//	4   status               always
//	5   state_tcp | state_sctp | state_dccp
//	6   timeout              when set and commit timeout is not configured
//	7   mark                 when set
//	8   master_ipv4 | master_ipv6, master_l4proto, master_port
//	9   snat_ipv4, dnat_ipv4, spat_port, dpat_port  (reply tuple values)
//	10  nat_seq_adj          only when all six counters are set
package payload

import (
	"firestige.xyz/ctsync/internal/conntrack"
	"firestige.xyz/ctsync/internal/wire"
)

// Options carries the sender-side knobs that change the emitted attribute set.
type Options struct {
	// CommitTimeout mirrors sync.commit_timeout: the committing peer applies
	// its own timeout, so the sender's timeout is not propagated.
	CommitTimeout bool
}

// addrFamily is the address family variant of a tuple.
type addrFamily uint8

const (
	familyNone addrFamily = iota
	familyIPv4
	familyIPv6
)

func familyOf(src conntrack.Source, v4, v6 conntrack.Group) addrFamily {
	switch {
	case src.GroupIsSet(v4):
		return familyIPv4
	case src.GroupIsSet(v6):
		return familyIPv6
	default:
		return familyNone
	}
}

// protoState is the protocol state variant of a record.
type protoState uint8

const (
	stateNone protoState = iota
	stateTCP
	stateSCTP
	stateDCCP
)

func protoStateOf(src conntrack.Source) protoState {
	switch {
	case src.IsSet(conntrack.AttrTCPState):
		return stateTCP
	case src.IsSet(conntrack.AttrSCTPState):
		return stateSCTP
	case src.IsSet(conntrack.AttrDCCPState):
		return stateDCCP
	default:
		return stateNone
	}
}

var natSeqAttrs = []conntrack.Attr{
	conntrack.AttrOrigNATSeqCorrectionPos,
	conntrack.AttrOrigNATSeqOffsetBefore,
	conntrack.AttrOrigNATSeqOffsetAfter,
	conntrack.AttrReplNATSeqCorrectionPos,
	conntrack.AttrReplNATSeqOffsetBefore,
	conntrack.AttrReplNATSeqOffsetAfter,
}

// Build appends the attribute records describing src to env. The first
// capacity error aborts assembly and is returned unchanged; env must then be
// discarded.
func Build(src conntrack.Source, env *wire.Envelope, opts Options) error {
	b := builder{src: src, env: env}

	// ── 1. original tuple addresses ──────────────────────────────────────────
	b.addrGroup(familyOf(src, conntrack.GroupOrigIPv4, conntrack.GroupOrigIPv6),
		wire.TagIPv4, wire.TagIPv6, conntrack.GroupOrigIPv4, conntrack.GroupOrigIPv6)

	// ── 2. L4 protocol ──────────────────────────────────────────────────────
	b.u8(wire.TagL4Proto, conntrack.AttrL4Proto)

	// ── 3. ports ────────────────────────────────────────────────────────────
	if src.GroupIsSet(conntrack.GroupOrigPort) {
		b.portGroup(wire.TagPort, conntrack.GroupOrigPort)
	}

	// ── 4. status ───────────────────────────────────────────────────────────
	b.u32(wire.TagStatus, conntrack.AttrStatus)

	// ── 5. protocol state ───────────────────────────────────────────────────
	switch protoStateOf(src) {
	case stateTCP:
		b.u8(wire.TagStateTCP, conntrack.AttrTCPState)
	case stateSCTP:
		b.append(wire.TagStateSCTP, wire.SCTPState{
			State:     src.Uint8(conntrack.AttrSCTPState),
			VTagOrig:  src.Uint32(conntrack.AttrSCTPVTagOrig),
			VTagReply: src.Uint32(conntrack.AttrSCTPVTagRepl),
		}.Bytes())
	case stateDCCP:
		b.append(wire.TagStateDCCP, wire.DCCPState{
			State: src.Uint8(conntrack.AttrDCCPState),
			Role:  src.Uint8(conntrack.AttrDCCPRole),
		}.Bytes())
	case stateNone:
		// ICMP and friends carry no state
	}

	// ── 6. timeout ──────────────────────────────────────────────────────────
	if src.IsSet(conntrack.AttrTimeout) && !opts.CommitTimeout {
		b.u32(wire.TagTimeout, conntrack.AttrTimeout)
	}

	// ── 7. mark ─────────────────────────────────────────────────────────────
	if src.IsSet(conntrack.AttrMark) {
		b.u32(wire.TagMark, conntrack.AttrMark)
	}

	// ── 8. master tuple ─────────────────────────────────────────────────────
	if fam := familyOf(src, conntrack.GroupMasterIPv4, conntrack.GroupMasterIPv6); fam != familyNone {
		b.addrGroup(fam, wire.TagMasterIPv4, wire.TagMasterIPv6,
			conntrack.GroupMasterIPv4, conntrack.GroupMasterIPv6)
		b.u8(wire.TagMasterL4Proto, conntrack.AttrMasterL4Proto)
		if src.GroupIsSet(conntrack.GroupMasterPort) {
			b.portGroup(wire.TagMasterPort, conntrack.GroupMasterPort)
		}
	}

	// ── 9. NAT ──────────────────────────────────────────────────────────────
	if src.IsNAT(conntrack.NATSrcAddr) {
		b.u32(wire.TagSNATIPv4, conntrack.AttrReplIPv4Dst)
	}
	if src.IsNAT(conntrack.NATDstAddr) {
		b.u32(wire.TagDNATIPv4, conntrack.AttrReplIPv4Src)
	}
	if src.IsNAT(conntrack.NATSrcPort) {
		b.u16(wire.TagSPATPort, conntrack.AttrReplPortDst)
	}
	if src.IsNAT(conntrack.NATDstPort) {
		b.u16(wire.TagDPATPort, conntrack.AttrReplPortSrc)
	}

	// ── 10. NAT sequence adjustment ─────────────────────────────────────────
	if src.IsSetAll(natSeqAttrs...) {
		b.append(wire.TagNATSeqAdj, wire.NATSeqAdj{
			OrigCorrectionPos:  src.Uint32(conntrack.AttrOrigNATSeqCorrectionPos),
			OrigOffsetBefore:   src.Uint32(conntrack.AttrOrigNATSeqOffsetBefore),
			OrigOffsetAfter:    src.Uint32(conntrack.AttrOrigNATSeqOffsetAfter),
			ReplyCorrectionPos: src.Uint32(conntrack.AttrReplNATSeqCorrectionPos),
			ReplyOffsetBefore:  src.Uint32(conntrack.AttrReplNATSeqOffsetBefore),
			ReplyOffsetAfter:   src.Uint32(conntrack.AttrReplNATSeqOffsetAfter),
		}.Bytes())
	}

	return b.err
}

// builder stops writing after the first error.
type builder struct {
	src conntrack.Source
	env *wire.Envelope
	err error
}

func (b *builder) append(tag wire.Tag, value []byte) {
	if b.err != nil {
		return
	}
	b.err = b.env.Append(tag, value)
}

func (b *builder) u8(tag wire.Tag, a conntrack.Attr) {
	if b.err != nil {
		return
	}
	b.err = b.env.AppendUint8(tag, b.src.Uint8(a))
}

func (b *builder) u16(tag wire.Tag, a conntrack.Attr) {
	if b.err != nil {
		return
	}
	b.err = b.env.AppendUint16(tag, b.src.Uint16(a))
}

func (b *builder) u32(tag wire.Tag, a conntrack.Attr) {
	if b.err != nil {
		return
	}
	b.err = b.env.AppendUint32(tag, b.src.Uint32(a))
}

func (b *builder) addrGroup(fam addrFamily, tag4, tag6 wire.Tag, g4, g6 conntrack.Group) {
	switch fam {
	case familyIPv4:
		s, d := g4.Members()
		b.append(tag4, wire.IPv4Group{
			Src: b.src.Addr(s).As4(),
			Dst: b.src.Addr(d).As4(),
		}.Bytes())
	case familyIPv6:
		s, d := g6.Members()
		b.append(tag6, wire.IPv6Group{
			Src: b.src.Addr(s).As16(),
			Dst: b.src.Addr(d).As16(),
		}.Bytes())
	case familyNone:
	}
}

func (b *builder) portGroup(tag wire.Tag, g conntrack.Group) {
	s, d := g.Members()
	b.append(tag, wire.PortGroup{Src: b.src.Uint16(s), Dst: b.src.Uint16(d)}.Bytes())
}
