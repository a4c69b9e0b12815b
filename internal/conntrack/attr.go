// Package conntrack holds the in-memory connection tracking record exchanged
// between the kernel and the replication payload, and its ctnetlink codec.
package conntrack

import "fmt"

// Attr names one field of a connection tracking record.
type Attr uint8

const (
	AttrOrigIPv4Src Attr = iota
	AttrOrigIPv4Dst
	AttrOrigIPv6Src
	AttrOrigIPv6Dst
	AttrReplIPv4Src
	AttrReplIPv4Dst
	AttrReplIPv6Src
	AttrReplIPv6Dst
	AttrOrigPortSrc
	AttrOrigPortDst
	AttrReplPortSrc
	AttrReplPortDst
	AttrL4Proto
	AttrStatus
	AttrTCPState
	AttrSCTPState
	AttrSCTPVTagOrig
	AttrSCTPVTagRepl
	AttrDCCPState
	AttrDCCPRole
	AttrTimeout
	AttrMark
	AttrMasterIPv4Src
	AttrMasterIPv4Dst
	AttrMasterIPv6Src
	AttrMasterIPv6Dst
	AttrMasterL4Proto
	AttrMasterPortSrc
	AttrMasterPortDst
	AttrOrigNATSeqCorrectionPos
	AttrOrigNATSeqOffsetBefore
	AttrOrigNATSeqOffsetAfter
	AttrReplNATSeqCorrectionPos
	AttrReplNATSeqOffsetBefore
	AttrReplNATSeqOffsetAfter
	AttrSNATIPv4
	AttrDNATIPv4
	AttrSNATPort
	AttrDNATPort

	attrMax
)

type kind uint8

const (
	kindU8 kind = iota
	kindU16
	kindU32
	kindIPv4
	kindIPv6
)

type attrInfo struct {
	name string
	kind kind
}

var attrTable = [attrMax]attrInfo{
	AttrOrigIPv4Src:             {"orig_ipv4_src", kindIPv4},
	AttrOrigIPv4Dst:             {"orig_ipv4_dst", kindIPv4},
	AttrOrigIPv6Src:             {"orig_ipv6_src", kindIPv6},
	AttrOrigIPv6Dst:             {"orig_ipv6_dst", kindIPv6},
	AttrReplIPv4Src:             {"repl_ipv4_src", kindIPv4},
	AttrReplIPv4Dst:             {"repl_ipv4_dst", kindIPv4},
	AttrReplIPv6Src:             {"repl_ipv6_src", kindIPv6},
	AttrReplIPv6Dst:             {"repl_ipv6_dst", kindIPv6},
	AttrOrigPortSrc:             {"orig_port_src", kindU16},
	AttrOrigPortDst:             {"orig_port_dst", kindU16},
	AttrReplPortSrc:             {"repl_port_src", kindU16},
	AttrReplPortDst:             {"repl_port_dst", kindU16},
	AttrL4Proto:                 {"l4proto", kindU8},
	AttrStatus:                  {"status", kindU32},
	AttrTCPState:                {"tcp_state", kindU8},
	AttrSCTPState:               {"sctp_state", kindU8},
	AttrSCTPVTagOrig:            {"sctp_vtag_orig", kindU32},
	AttrSCTPVTagRepl:            {"sctp_vtag_repl", kindU32},
	AttrDCCPState:               {"dccp_state", kindU8},
	AttrDCCPRole:                {"dccp_role", kindU8},
	AttrTimeout:                 {"timeout", kindU32},
	AttrMark:                    {"mark", kindU32},
	AttrMasterIPv4Src:           {"master_ipv4_src", kindIPv4},
	AttrMasterIPv4Dst:           {"master_ipv4_dst", kindIPv4},
	AttrMasterIPv6Src:           {"master_ipv6_src", kindIPv6},
	AttrMasterIPv6Dst:           {"master_ipv6_dst", kindIPv6},
	AttrMasterL4Proto:           {"master_l4proto", kindU8},
	AttrMasterPortSrc:           {"master_port_src", kindU16},
	AttrMasterPortDst:           {"master_port_dst", kindU16},
	AttrOrigNATSeqCorrectionPos: {"orig_nat_seq_correction_pos", kindU32},
	AttrOrigNATSeqOffsetBefore:  {"orig_nat_seq_offset_before", kindU32},
	AttrOrigNATSeqOffsetAfter:   {"orig_nat_seq_offset_after", kindU32},
	AttrReplNATSeqCorrectionPos: {"repl_nat_seq_correction_pos", kindU32},
	AttrReplNATSeqOffsetBefore:  {"repl_nat_seq_offset_before", kindU32},
	AttrReplNATSeqOffsetAfter:   {"repl_nat_seq_offset_after", kindU32},
	AttrSNATIPv4:                {"snat_ipv4", kindIPv4},
	AttrDNATIPv4:                {"dnat_ipv4", kindIPv4},
	AttrSNATPort:                {"snat_port", kindU16},
	AttrDNATPort:                {"dnat_port", kindU16},
}

// Valid reports whether a names a known attribute.
func (a Attr) Valid() bool { return a < attrMax }

func (a Attr) String() string {
	if !a.Valid() {
		return fmt.Sprintf("attr(%d)", uint8(a))
	}
	return attrTable[a].name
}

// IsAddr reports whether a holds an IP address.
func (a Attr) IsAddr() bool {
	return a.Valid() && (attrTable[a].kind == kindIPv4 || attrTable[a].kind == kindIPv6)
}

// ParseAttr looks an attribute up by its String name.
func ParseAttr(name string) (Attr, bool) {
	for i := range attrTable {
		if attrTable[i].name == name {
			return Attr(i), true
		}
	}
	return 0, false
}

// Attrs returns every known attribute in declaration order.
func Attrs() []Attr {
	out := make([]Attr, attrMax)
	for i := range out {
		out[i] = Attr(i)
	}
	return out
}

// Group is a set of attributes that is only meaningful as a whole.
type Group uint8

const (
	GroupOrigIPv4 Group = iota
	GroupOrigIPv6
	GroupOrigPort
	GroupReplIPv4
	GroupReplIPv6
	GroupReplPort
	GroupMasterIPv4
	GroupMasterIPv6
	GroupMasterPort

	groupMax
)

var groupMembers = [groupMax][2]Attr{
	GroupOrigIPv4:   {AttrOrigIPv4Src, AttrOrigIPv4Dst},
	GroupOrigIPv6:   {AttrOrigIPv6Src, AttrOrigIPv6Dst},
	GroupOrigPort:   {AttrOrigPortSrc, AttrOrigPortDst},
	GroupReplIPv4:   {AttrReplIPv4Src, AttrReplIPv4Dst},
	GroupReplIPv6:   {AttrReplIPv6Src, AttrReplIPv6Dst},
	GroupReplPort:   {AttrReplPortSrc, AttrReplPortDst},
	GroupMasterIPv4: {AttrMasterIPv4Src, AttrMasterIPv4Dst},
	GroupMasterIPv6: {AttrMasterIPv6Src, AttrMasterIPv6Dst},
	GroupMasterPort: {AttrMasterPortSrc, AttrMasterPortDst},
}

// Members returns the source and destination attributes of g.
func (g Group) Members() (src, dst Attr) {
	m := groupMembers[g]
	return m[0], m[1]
}

// IPS_* status bits of a conntrack entry.
const (
	StatusExpected     uint32 = 1 << 0
	StatusSeenReply    uint32 = 1 << 1
	StatusAssured      uint32 = 1 << 2
	StatusConfirmed    uint32 = 1 << 3
	StatusSrcNAT       uint32 = 1 << 4
	StatusDstNAT       uint32 = 1 << 5
	StatusSeqAdjust    uint32 = 1 << 6
	StatusSrcNATDone   uint32 = 1 << 7
	StatusDstNATDone   uint32 = 1 << 8
	StatusDying        uint32 = 1 << 9
	StatusFixedTimeout uint32 = 1 << 10
	StatusTemplate     uint32 = 1 << 11
	StatusUntracked    uint32 = 1 << 12
)

// IP protocol numbers the record cares about.
const (
	ProtoICMP    uint8 = 1
	ProtoTCP     uint8 = 6
	ProtoUDP     uint8 = 17
	ProtoDCCP    uint8 = 33
	ProtoICMPv6  uint8 = 58
	ProtoSCTP    uint8 = 132
	ProtoUDPLite uint8 = 136
)

// TCP conntrack states.
const (
	TCPStateNone uint8 = iota
	TCPStateSynSent
	TCPStateSynRecv
	TCPStateEstablished
	TCPStateFinWait
	TCPStateCloseWait
	TCPStateLastAck
	TCPStateTimeWait
	TCPStateClose
	TCPStateSynSent2
)
