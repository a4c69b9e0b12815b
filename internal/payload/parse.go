package payload

import (
	"errors"
	"fmt"
	"net/netip"

	"firestige.xyz/ctsync/internal/conntrack"
	"firestige.xyz/ctsync/internal/wire"
)

var ErrDuplicateTag = errors.New("payload: attribute appears twice")

// Parse rebuilds a record from a decoded message. NAT records land on the
// SNAT/DNAT attributes so that a commit can request the same translation.
func Parse(msg *wire.Message) (*conntrack.Record, error) {
	r := &conntrack.Record{}
	var seen [32]bool
	for _, a := range msg.Attrs {
		if int(a.Tag) < len(seen) {
			if seen[a.Tag] {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateTag, a.Tag)
			}
			seen[a.Tag] = true
		}
		if err := parseAttr(r, a); err != nil {
			return nil, fmt.Errorf("payload: %s: %w", a.Tag, err)
		}
	}
	return r, nil
}

func parseAttr(r *conntrack.Record, a wire.Attr) error {
	switch a.Tag {
	case wire.TagIPv4:
		return setIPv4Group(r, a.Value, conntrack.GroupOrigIPv4)
	case wire.TagIPv6:
		return setIPv6Group(r, a.Value, conntrack.GroupOrigIPv6)
	case wire.TagL4Proto:
		r.SetUint8(conntrack.AttrL4Proto, a.Uint8())
	case wire.TagPort:
		return setPortGroup(r, a.Value, conntrack.GroupOrigPort)
	case wire.TagStateTCP:
		r.SetUint8(conntrack.AttrTCPState, a.Uint8())
	case wire.TagStatus:
		r.SetUint32(conntrack.AttrStatus, a.Uint32())
	case wire.TagTimeout:
		r.SetUint32(conntrack.AttrTimeout, a.Uint32())
	case wire.TagMark:
		r.SetUint32(conntrack.AttrMark, a.Uint32())
	case wire.TagMasterIPv4:
		return setIPv4Group(r, a.Value, conntrack.GroupMasterIPv4)
	case wire.TagMasterIPv6:
		return setIPv6Group(r, a.Value, conntrack.GroupMasterIPv6)
	case wire.TagMasterL4Proto:
		r.SetUint8(conntrack.AttrMasterL4Proto, a.Uint8())
	case wire.TagMasterPort:
		return setPortGroup(r, a.Value, conntrack.GroupMasterPort)
	case wire.TagSNATIPv4:
		r.SetUint32(conntrack.AttrSNATIPv4, a.Uint32())
	case wire.TagDNATIPv4:
		r.SetUint32(conntrack.AttrDNATIPv4, a.Uint32())
	case wire.TagSPATPort:
		r.SetUint16(conntrack.AttrSNATPort, a.Uint16())
	case wire.TagDPATPort:
		r.SetUint16(conntrack.AttrDNATPort, a.Uint16())
	case wire.TagNATSeqAdj:
		s, err := wire.ParseNATSeqAdj(a.Value)
		if err != nil {
			return err
		}
		r.SetUint32(conntrack.AttrOrigNATSeqCorrectionPos, s.OrigCorrectionPos)
		r.SetUint32(conntrack.AttrOrigNATSeqOffsetBefore, s.OrigOffsetBefore)
		r.SetUint32(conntrack.AttrOrigNATSeqOffsetAfter, s.OrigOffsetAfter)
		r.SetUint32(conntrack.AttrReplNATSeqCorrectionPos, s.ReplyCorrectionPos)
		r.SetUint32(conntrack.AttrReplNATSeqOffsetBefore, s.ReplyOffsetBefore)
		r.SetUint32(conntrack.AttrReplNATSeqOffsetAfter, s.ReplyOffsetAfter)
	case wire.TagStateSCTP:
		s, err := wire.ParseSCTPState(a.Value)
		if err != nil {
			return err
		}
		r.SetUint8(conntrack.AttrSCTPState, s.State)
		r.SetUint32(conntrack.AttrSCTPVTagOrig, s.VTagOrig)
		r.SetUint32(conntrack.AttrSCTPVTagRepl, s.VTagReply)
	case wire.TagStateDCCP:
		s, err := wire.ParseDCCPState(a.Value)
		if err != nil {
			return err
		}
		r.SetUint8(conntrack.AttrDCCPState, s.State)
		r.SetUint8(conntrack.AttrDCCPRole, s.Role)
	default:
		return fmt.Errorf("%w: %d", wire.ErrUnknownTag, uint16(a.Tag))
	}
	return nil
}

func setIPv4Group(r *conntrack.Record, b []byte, g conntrack.Group) error {
	v, err := wire.ParseIPv4Group(b)
	if err != nil {
		return err
	}
	s, d := g.Members()
	if err := r.SetAddr(s, netip.AddrFrom4(v.Src)); err != nil {
		return err
	}
	return r.SetAddr(d, netip.AddrFrom4(v.Dst))
}

func setIPv6Group(r *conntrack.Record, b []byte, g conntrack.Group) error {
	v, err := wire.ParseIPv6Group(b)
	if err != nil {
		return err
	}
	s, d := g.Members()
	if err := r.SetAddr(s, netip.AddrFrom16(v.Src)); err != nil {
		return err
	}
	return r.SetAddr(d, netip.AddrFrom16(v.Dst))
}

func setPortGroup(r *conntrack.Record, b []byte, g conntrack.Group) error {
	v, err := wire.ParsePortGroup(b)
	if err != nil {
		return err
	}
	s, d := g.Members()
	r.SetUint16(s, v.Src)
	r.SetUint16(d, v.Dst)
	return nil
}
