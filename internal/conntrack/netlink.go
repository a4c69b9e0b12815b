package conntrack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// nfgenmsg is the netfilter generic header preceding ctnetlink attributes.
const nfgenmsgLen = 4

// ctnetlink attribute types (linux/netfilter/nfnetlink_conntrack.h).
const (
	ctaTupleOrig     = 1
	ctaTupleReply    = 2
	ctaStatus        = 3
	ctaProtoinfo     = 4
	ctaNATSrc        = 6
	ctaTimeout       = 7
	ctaMark          = 8
	ctaNATDst        = 13
	ctaTupleMaster   = 14
	ctaNATSeqAdjOrig = 15
	ctaNATSeqAdjRepl = 16

	ctaTupleIP    = 1
	ctaTupleProto = 2

	ctaIPv4Src = 1
	ctaIPv4Dst = 2
	ctaIPv6Src = 3
	ctaIPv6Dst = 4

	ctaProtoNum     = 1
	ctaProtoSrcPort = 2
	ctaProtoDstPort = 3

	ctaProtoinfoTCP  = 1
	ctaProtoinfoDCCP = 2
	ctaProtoinfoSCTP = 3

	ctaProtoinfoTCPState = 1

	ctaProtoinfoDCCPState = 1
	ctaProtoinfoDCCPRole  = 2

	ctaProtoinfoSCTPState     = 1
	ctaProtoinfoSCTPVTagOrig  = 2
	ctaProtoinfoSCTPVTagReply = 3

	ctaNATSeqCorrectionPos = 1
	ctaNATSeqOffsetBefore  = 2
	ctaNATSeqOffsetAfter   = 3

	ctaNATV4MinIP = 1
	ctaNATV4MaxIP = 2
	ctaNATProto   = 3

	ctaProtoNATPortMin = 1
	ctaProtoNATPortMax = 2
)

var (
	ErrShortMessage = errors.New("conntrack: netlink message shorter than nfgenmsg")
	ErrNoTuple      = errors.New("conntrack: original tuple is not set")
)

type tupleAttrs struct {
	ip4Src, ip4Dst   Attr
	ip6Src, ip6Dst   Attr
	portSrc, portDst Attr
	proto            Attr
	hasProto         bool
}

var (
	origTuple = tupleAttrs{
		AttrOrigIPv4Src, AttrOrigIPv4Dst, AttrOrigIPv6Src, AttrOrigIPv6Dst,
		AttrOrigPortSrc, AttrOrigPortDst, AttrL4Proto, true,
	}
	replTuple = tupleAttrs{
		AttrReplIPv4Src, AttrReplIPv4Dst, AttrReplIPv6Src, AttrReplIPv6Dst,
		AttrReplPortSrc, AttrReplPortDst, 0, false,
	}
	masterTuple = tupleAttrs{
		AttrMasterIPv4Src, AttrMasterIPv4Dst, AttrMasterIPv6Src, AttrMasterIPv6Dst,
		AttrMasterPortSrc, AttrMasterPortDst, AttrMasterL4Proto, true,
	}
)

type seqAttrs struct {
	pos, before, after Attr
}

var (
	origSeq = seqAttrs{AttrOrigNATSeqCorrectionPos, AttrOrigNATSeqOffsetBefore, AttrOrigNATSeqOffsetAfter}
	replSeq = seqAttrs{AttrReplNATSeqCorrectionPos, AttrReplNATSeqOffsetBefore, AttrReplNATSeqOffsetAfter}
)

// UnmarshalNetlink decodes the payload of a ctnetlink conntrack message
// (nfgenmsg followed by attributes) into r and returns the address family
// carried by the nfgenmsg header.
func (r *Record) UnmarshalNetlink(b []byte) (uint8, error) {
	if len(b) < nfgenmsgLen {
		return 0, ErrShortMessage
	}
	family := b[0]

	ad, err := netlink.NewAttributeDecoder(b[nfgenmsgLen:])
	if err != nil {
		return family, fmt.Errorf("conntrack: decode attributes: %w", err)
	}
	ad.ByteOrder = binary.BigEndian

	for ad.Next() {
		switch ad.Type() {
		case ctaTupleOrig:
			ad.Nested(r.tupleDecoder(origTuple))
		case ctaTupleReply:
			ad.Nested(r.tupleDecoder(replTuple))
		case ctaTupleMaster:
			ad.Nested(r.tupleDecoder(masterTuple))
		case ctaStatus:
			r.SetUint32(AttrStatus, ad.Uint32())
		case ctaProtoinfo:
			ad.Nested(r.decodeProtoinfo)
		case ctaTimeout:
			r.SetUint32(AttrTimeout, ad.Uint32())
		case ctaMark:
			r.SetUint32(AttrMark, ad.Uint32())
		case ctaNATSeqAdjOrig:
			ad.Nested(r.seqDecoder(origSeq))
		case ctaNATSeqAdjRepl:
			ad.Nested(r.seqDecoder(replSeq))
		}
	}
	if err := ad.Err(); err != nil {
		return family, fmt.Errorf("conntrack: decode attributes: %w", err)
	}
	return family, nil
}

func (r *Record) tupleDecoder(t tupleAttrs) func(*netlink.AttributeDecoder) error {
	return func(ad *netlink.AttributeDecoder) error {
		for ad.Next() {
			switch ad.Type() {
			case ctaTupleIP:
				ad.Nested(r.ipDecoder(t))
			case ctaTupleProto:
				ad.Nested(r.protoDecoder(t))
			}
		}
		return nil
	}
}

func (r *Record) ipDecoder(t tupleAttrs) func(*netlink.AttributeDecoder) error {
	return func(ad *netlink.AttributeDecoder) error {
		for ad.Next() {
			var dst Attr
			switch ad.Type() {
			case ctaIPv4Src:
				dst = t.ip4Src
			case ctaIPv4Dst:
				dst = t.ip4Dst
			case ctaIPv6Src:
				dst = t.ip6Src
			case ctaIPv6Dst:
				dst = t.ip6Dst
			default:
				continue
			}
			addr, ok := netip.AddrFromSlice(ad.Bytes())
			if !ok {
				return fmt.Errorf("%w: %s has %d address bytes", ErrAttrKind, dst, len(ad.Bytes()))
			}
			if err := r.SetAddr(dst, addr); err != nil {
				return err
			}
		}
		return nil
	}
}

func (r *Record) protoDecoder(t tupleAttrs) func(*netlink.AttributeDecoder) error {
	return func(ad *netlink.AttributeDecoder) error {
		for ad.Next() {
			switch ad.Type() {
			case ctaProtoNum:
				v := ad.Uint8()
				if t.hasProto {
					r.SetUint8(t.proto, v)
				}
			case ctaProtoSrcPort:
				r.SetUint16(t.portSrc, ad.Uint16())
			case ctaProtoDstPort:
				r.SetUint16(t.portDst, ad.Uint16())
			}
		}
		return nil
	}
}

func (r *Record) decodeProtoinfo(ad *netlink.AttributeDecoder) error {
	for ad.Next() {
		switch ad.Type() {
		case ctaProtoinfoTCP:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				for nad.Next() {
					if nad.Type() == ctaProtoinfoTCPState {
						r.SetUint8(AttrTCPState, nad.Uint8())
					}
				}
				return nil
			})
		case ctaProtoinfoSCTP:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				for nad.Next() {
					switch nad.Type() {
					case ctaProtoinfoSCTPState:
						r.SetUint8(AttrSCTPState, nad.Uint8())
					case ctaProtoinfoSCTPVTagOrig:
						r.SetUint32(AttrSCTPVTagOrig, nad.Uint32())
					case ctaProtoinfoSCTPVTagReply:
						r.SetUint32(AttrSCTPVTagRepl, nad.Uint32())
					}
				}
				return nil
			})
		case ctaProtoinfoDCCP:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				for nad.Next() {
					switch nad.Type() {
					case ctaProtoinfoDCCPState:
						r.SetUint8(AttrDCCPState, nad.Uint8())
					case ctaProtoinfoDCCPRole:
						r.SetUint8(AttrDCCPRole, nad.Uint8())
					}
				}
				return nil
			})
		}
	}
	return nil
}

func (r *Record) seqDecoder(s seqAttrs) func(*netlink.AttributeDecoder) error {
	return func(ad *netlink.AttributeDecoder) error {
		for ad.Next() {
			switch ad.Type() {
			case ctaNATSeqCorrectionPos:
				r.SetUint32(s.pos, ad.Uint32())
			case ctaNATSeqOffsetBefore:
				r.SetUint32(s.before, ad.Uint32())
			case ctaNATSeqOffsetAfter:
				r.SetUint32(s.after, ad.Uint32())
			}
		}
		return nil
	}
}

// NetlinkFamily returns the AF_* value for the original tuple.
func (r *Record) NetlinkFamily() uint8 {
	if r.Family() == 6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

// MarshalNetlink encodes r as a ctnetlink create/update payload. The reply
// tuple is derived from the original when r does not carry one, and the
// SNAT/DNAT attributes become CTA_NAT_SRC/CTA_NAT_DST requests.
func (r *Record) MarshalNetlink() ([]byte, error) {
	if r.Family() == 0 {
		return nil, ErrNoTuple
	}
	rr := r
	if !r.GroupIsSet(GroupReplIPv4) && !r.GroupIsSet(GroupReplIPv6) {
		rr = r.Clone()
		rr.Invert()
	}

	ae := netlink.NewAttributeEncoder()
	ae.ByteOrder = binary.BigEndian

	ae.Nested(ctaTupleOrig, rr.tupleEncoder(origTuple, AttrL4Proto))
	ae.Nested(ctaTupleReply, rr.tupleEncoder(replTuple, AttrL4Proto))
	if rr.GroupIsSet(GroupMasterIPv4) || rr.GroupIsSet(GroupMasterIPv6) {
		ae.Nested(ctaTupleMaster, rr.tupleEncoder(masterTuple, AttrMasterL4Proto))
	}
	if rr.IsSet(AttrStatus) {
		ae.Uint32(ctaStatus, rr.Uint32(AttrStatus))
	}
	if rr.IsSet(AttrTCPState) || rr.IsSet(AttrSCTPState) || rr.IsSet(AttrDCCPState) {
		ae.Nested(ctaProtoinfo, rr.encodeProtoinfo)
	}
	if rr.IsSet(AttrTimeout) {
		ae.Uint32(ctaTimeout, rr.Uint32(AttrTimeout))
	}
	if rr.IsSet(AttrMark) {
		ae.Uint32(ctaMark, rr.Uint32(AttrMark))
	}
	if rr.IsSet(AttrSNATIPv4) {
		ae.Nested(ctaNATSrc, rr.natEncoder(AttrSNATIPv4, AttrSNATPort))
	}
	if rr.IsSet(AttrDNATIPv4) {
		ae.Nested(ctaNATDst, rr.natEncoder(AttrDNATIPv4, AttrDNATPort))
	}
	if rr.IsSetAll(origSeq.pos, origSeq.before, origSeq.after) {
		ae.Nested(ctaNATSeqAdjOrig, rr.seqEncoder(origSeq))
	}
	if rr.IsSetAll(replSeq.pos, replSeq.before, replSeq.after) {
		ae.Nested(ctaNATSeqAdjRepl, rr.seqEncoder(replSeq))
	}

	return rr.withNfgenmsg(ae)
}

// MarshalNetlinkTuple encodes only the original tuple, the form a delete
// request takes.
func (r *Record) MarshalNetlinkTuple() ([]byte, error) {
	if r.Family() == 0 {
		return nil, ErrNoTuple
	}
	ae := netlink.NewAttributeEncoder()
	ae.ByteOrder = binary.BigEndian
	ae.Nested(ctaTupleOrig, r.tupleEncoder(origTuple, AttrL4Proto))
	return r.withNfgenmsg(ae)
}

func (r *Record) withNfgenmsg(ae *netlink.AttributeEncoder) ([]byte, error) {
	attrs, err := ae.Encode()
	if err != nil {
		return nil, fmt.Errorf("conntrack: encode attributes: %w", err)
	}
	b := make([]byte, nfgenmsgLen, nfgenmsgLen+len(attrs))
	b[0] = r.NetlinkFamily()
	// version NFNETLINK_V0, res_id 0
	return append(b, attrs...), nil
}

func (r *Record) tupleEncoder(t tupleAttrs, proto Attr) func(*netlink.AttributeEncoder) error {
	return func(ae *netlink.AttributeEncoder) error {
		ae.Nested(ctaTupleIP, func(nae *netlink.AttributeEncoder) error {
			if r.IsSetAll(t.ip4Src, t.ip4Dst) {
				src, dst := r.Addr(t.ip4Src).As4(), r.Addr(t.ip4Dst).As4()
				nae.Bytes(ctaIPv4Src, src[:])
				nae.Bytes(ctaIPv4Dst, dst[:])
				return nil
			}
			if r.IsSetAll(t.ip6Src, t.ip6Dst) {
				src, dst := r.Addr(t.ip6Src).As16(), r.Addr(t.ip6Dst).As16()
				nae.Bytes(ctaIPv6Src, src[:])
				nae.Bytes(ctaIPv6Dst, dst[:])
			}
			return nil
		})
		ae.Nested(ctaTupleProto, func(nae *netlink.AttributeEncoder) error {
			nae.Uint8(ctaProtoNum, r.Uint8(proto))
			if r.IsSetAll(t.portSrc, t.portDst) {
				nae.Uint16(ctaProtoSrcPort, r.Uint16(t.portSrc))
				nae.Uint16(ctaProtoDstPort, r.Uint16(t.portDst))
			}
			return nil
		})
		return nil
	}
}

func (r *Record) encodeProtoinfo(ae *netlink.AttributeEncoder) error {
	switch {
	case r.IsSet(AttrTCPState):
		ae.Nested(ctaProtoinfoTCP, func(nae *netlink.AttributeEncoder) error {
			nae.Uint8(ctaProtoinfoTCPState, r.Uint8(AttrTCPState))
			return nil
		})
	case r.IsSet(AttrSCTPState):
		ae.Nested(ctaProtoinfoSCTP, func(nae *netlink.AttributeEncoder) error {
			nae.Uint8(ctaProtoinfoSCTPState, r.Uint8(AttrSCTPState))
			nae.Uint32(ctaProtoinfoSCTPVTagOrig, r.Uint32(AttrSCTPVTagOrig))
			nae.Uint32(ctaProtoinfoSCTPVTagReply, r.Uint32(AttrSCTPVTagRepl))
			return nil
		})
	case r.IsSet(AttrDCCPState):
		ae.Nested(ctaProtoinfoDCCP, func(nae *netlink.AttributeEncoder) error {
			nae.Uint8(ctaProtoinfoDCCPState, r.Uint8(AttrDCCPState))
			if r.IsSet(AttrDCCPRole) {
				nae.Uint8(ctaProtoinfoDCCPRole, r.Uint8(AttrDCCPRole))
			}
			return nil
		})
	}
	return nil
}

func (r *Record) natEncoder(addr, port Attr) func(*netlink.AttributeEncoder) error {
	return func(ae *netlink.AttributeEncoder) error {
		ip := r.Addr(addr).As4()
		ae.Bytes(ctaNATV4MinIP, ip[:])
		ae.Bytes(ctaNATV4MaxIP, ip[:])
		if r.IsSet(port) {
			p := r.Uint16(port)
			ae.Nested(ctaNATProto, func(nae *netlink.AttributeEncoder) error {
				nae.Uint16(ctaProtoNATPortMin, p)
				nae.Uint16(ctaProtoNATPortMax, p)
				return nil
			})
		}
		return nil
	}
}

func (r *Record) seqEncoder(s seqAttrs) func(*netlink.AttributeEncoder) error {
	return func(ae *netlink.AttributeEncoder) error {
		ae.Uint32(ctaNATSeqCorrectionPos, r.Uint32(s.pos))
		ae.Uint32(ctaNATSeqOffsetBefore, r.Uint32(s.before))
		ae.Uint32(ctaNATSeqOffsetAfter, r.Uint32(s.after))
		return nil
	}
}
