package conntrack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var (
	ErrUnknownAttr = errors.New("conntrack: unknown attribute")
	ErrAttrKind    = errors.New("conntrack: value does not match attribute kind")
)

// NATKind selects one of the four NAT directions a record can carry.
type NATKind uint8

const (
	NATSrcAddr NATKind = iota // SNAT
	NATDstAddr                // DNAT
	NATSrcPort                // SPAT
	NATDstPort                // DPAT
)

func (k NATKind) String() string {
	switch k {
	case NATSrcAddr:
		return "snat"
	case NATDstAddr:
		return "dnat"
	case NATSrcPort:
		return "spat"
	case NATDstPort:
		return "dpat"
	default:
		return fmt.Sprintf("nat(%d)", uint8(k))
	}
}

// Source is the read-only view of a connection tracking record the payload
// assembler consumes. Getters return the zero value for unset attributes.
type Source interface {
	IsSet(a Attr) bool
	IsSetAll(attrs ...Attr) bool
	GroupIsSet(g Group) bool
	Uint8(a Attr) uint8
	Uint16(a Attr) uint16
	Uint32(a Attr) uint32
	Addr(a Attr) netip.Addr
	IsNAT(k NATKind) bool
}

// Record is a connection tracking entry. The zero value is an empty record.
// IPv4 attributes are stored as 4-byte addresses; Uint32 on them yields the
// address in network order (a.b.c.d => 0xaabbccdd).
type Record struct {
	set   uint64
	ints  [attrMax]uint32
	addrs [attrMax]netip.Addr
}

var _ Source = (*Record)(nil)

// IsSet reports whether a has a value.
func (r *Record) IsSet(a Attr) bool {
	return a.Valid() && r.set&(1<<a) != 0
}

// IsSetAll reports whether every attribute in attrs has a value.
func (r *Record) IsSetAll(attrs ...Attr) bool {
	for _, a := range attrs {
		if !r.IsSet(a) {
			return false
		}
	}
	return true
}

// GroupIsSet reports whether both members of g are set.
func (r *Record) GroupIsSet(g Group) bool {
	if g >= groupMax {
		return false
	}
	src, dst := g.Members()
	return r.IsSetAll(src, dst)
}

// Unset clears a.
func (r *Record) Unset(a Attr) {
	if !a.Valid() {
		return
	}
	r.set &^= 1 << a
	r.ints[a] = 0
	r.addrs[a] = netip.Addr{}
}

// Len returns the number of set attributes.
func (r *Record) Len() int {
	n := 0
	for s := r.set; s != 0; s &= s - 1 {
		n++
	}
	return n
}

// Set returns the set attributes in declaration order.
func (r *Record) Set() []Attr {
	out := make([]Attr, 0, r.Len())
	for a := Attr(0); a < attrMax; a++ {
		if r.IsSet(a) {
			out = append(out, a)
		}
	}
	return out
}

func (r *Record) setInt(a Attr, v uint32) {
	if !a.Valid() {
		return
	}
	r.ints[a] = v
	r.set |= 1 << a
}

// SetUint8 stores an 8-bit attribute.
func (r *Record) SetUint8(a Attr, v uint8) { r.setInt(a, uint32(v)) }

// SetUint16 stores a 16-bit attribute.
func (r *Record) SetUint16(a Attr, v uint16) { r.setInt(a, uint32(v)) }

// SetUint32 stores a 32-bit attribute. On an IPv4 attribute v is taken as a
// network order address.
func (r *Record) SetUint32(a Attr, v uint32) {
	if a.Valid() && attrTable[a].kind == kindIPv4 {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		_ = r.SetAddr(a, netip.AddrFrom4(b))
		return
	}
	r.setInt(a, v)
}

// SetAddr stores an address attribute. IPv4 attributes accept IPv4 and
// IPv4-mapped IPv6 addresses, IPv6 attributes accept any valid address.
func (r *Record) SetAddr(a Attr, addr netip.Addr) error {
	if !a.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownAttr, uint8(a))
	}
	switch attrTable[a].kind {
	case kindIPv4:
		addr = addr.Unmap()
		if !addr.Is4() {
			return fmt.Errorf("%w: %s needs an IPv4 address, got %s", ErrAttrKind, a, addr)
		}
	case kindIPv6:
		if !addr.IsValid() {
			return fmt.Errorf("%w: %s needs an address", ErrAttrKind, a)
		}
		addr = netip.AddrFrom16(addr.As16())
	default:
		return fmt.Errorf("%w: %s is not an address", ErrAttrKind, a)
	}
	r.addrs[a] = addr
	r.set |= 1 << a
	return nil
}

// Uint8 returns an 8-bit attribute.
func (r *Record) Uint8(a Attr) uint8 { return uint8(r.Uint32(a)) }

// Uint16 returns a 16-bit attribute.
func (r *Record) Uint16(a Attr) uint16 { return uint16(r.Uint32(a)) }

// Uint32 returns a 32-bit attribute, or an IPv4 address in network order.
func (r *Record) Uint32(a Attr) uint32 {
	if !r.IsSet(a) {
		return 0
	}
	if attrTable[a].kind == kindIPv4 {
		b := r.addrs[a].As4()
		return binary.BigEndian.Uint32(b[:])
	}
	return r.ints[a]
}

// Addr returns an address attribute.
func (r *Record) Addr(a Attr) netip.Addr {
	if !r.IsSet(a) {
		return netip.Addr{}
	}
	return r.addrs[a]
}

// Family returns 4 or 6 by the original tuple addresses, 0 if neither is set.
func (r *Record) Family() int {
	switch {
	case r.GroupIsSet(GroupOrigIPv4):
		return 4
	case r.GroupIsSet(GroupOrigIPv6):
		return 6
	default:
		return 0
	}
}

// Clone returns an independent copy of r.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

// Equal reports whether r and o carry the same attributes and values.
func (r *Record) Equal(o *Record) bool {
	if r.set != o.set {
		return false
	}
	for a := Attr(0); a < attrMax; a++ {
		if !r.IsSet(a) {
			continue
		}
		if r.ints[a] != o.ints[a] || r.addrs[a] != o.addrs[a] {
			return false
		}
	}
	return true
}

// IsNAT reports whether the record shows the given NAT direction, following
// libnetfilter_conntrack: the reply tuple must differ from the inverted
// original on the relevant field, and when the status is known it must carry
// the matching NAT_DONE bit.
func (r *Record) IsNAT(k NATKind) bool {
	done := func(bit uint32) bool {
		return !r.IsSet(AttrStatus) || r.Uint32(AttrStatus)&bit != 0
	}
	switch k {
	case NATSrcAddr:
		return done(StatusSrcNATDone) &&
			r.IsSetAll(AttrReplIPv4Dst, AttrOrigIPv4Src) &&
			r.Addr(AttrReplIPv4Dst) != r.Addr(AttrOrigIPv4Src)
	case NATDstAddr:
		return done(StatusDstNATDone) &&
			r.IsSetAll(AttrReplIPv4Src, AttrOrigIPv4Dst) &&
			r.Addr(AttrReplIPv4Src) != r.Addr(AttrOrigIPv4Dst)
	case NATSrcPort:
		return done(StatusSrcNATDone) &&
			r.IsSetAll(AttrReplPortDst, AttrOrigPortSrc) &&
			r.Uint16(AttrReplPortDst) != r.Uint16(AttrOrigPortSrc)
	case NATDstPort:
		return done(StatusDstNATDone) &&
			r.IsSetAll(AttrReplPortSrc, AttrOrigPortDst) &&
			r.Uint16(AttrReplPortSrc) != r.Uint16(AttrOrigPortDst)
	default:
		return false
	}
}

// Invert fills the reply tuple from the original tuple with source and
// destination swapped. Attributes already set in the reply tuple are kept.
func (r *Record) Invert() {
	swap := func(orig, repl Group) {
		if !r.GroupIsSet(orig) || r.GroupIsSet(repl) {
			return
		}
		os, od := orig.Members()
		rs, rd := repl.Members()
		if os.IsAddr() {
			_ = r.SetAddr(rs, r.Addr(od))
			_ = r.SetAddr(rd, r.Addr(os))
			return
		}
		r.SetUint16(rs, r.Uint16(od))
		r.SetUint16(rd, r.Uint16(os))
	}
	swap(GroupOrigIPv4, GroupReplIPv4)
	swap(GroupOrigIPv6, GroupReplIPv6)
	swap(GroupOrigPort, GroupReplPort)
}

func (r *Record) String() string {
	var sb strings.Builder
	for i, a := range r.Set() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(a.String())
		sb.WriteByte('=')
		if a.IsAddr() {
			sb.WriteString(r.addrs[a].String())
		} else {
			fmt.Fprintf(&sb, "%d", r.ints[a])
		}
	}
	return sb.String()
}
