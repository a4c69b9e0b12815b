// Package wire implements the replication message format exchanged between
// peer firewall nodes.
//
// Message layout:
//
//	Offset  Size  Description
//	------  ----  -----------
//	0       1     version (high nibble) | message type (low nibble)
//	1       1     flags
//	2       2     total length, header included (big-endian uint16)
//	4       4     sequence number (big-endian uint32)
//	8       …     attribute records (variable count)
//
// Each attribute record:
//
//	0  2   tag (uint16)
//	2  2   record length: header + unpadded value (uint16)
//	4  …   value, zero padded to the next 4-byte boundary
//
// Tag numbers are shared with every peer and must never be renumbered.
package wire

import "fmt"

// Tag identifies the kind of value carried by an attribute record.
type Tag uint16

// Wire attribute tags.
const (
	TagIPv4          Tag = 0  // original tuple IPv4 group
	TagIPv6          Tag = 1  // original tuple IPv6 group
	TagL4Proto       Tag = 2  // uint8
	TagPort          Tag = 3  // original tuple port group
	TagStateTCP      Tag = 4  // uint8
	TagStatus        Tag = 5  // uint32
	TagTimeout       Tag = 6  // uint32
	TagMark          Tag = 7  // uint32
	TagMasterIPv4    Tag = 8  // master tuple IPv4 group
	TagMasterIPv6    Tag = 9  // master tuple IPv6 group
	TagMasterL4Proto Tag = 10 // uint8
	TagMasterPort    Tag = 11 // master tuple port group
	TagSNATIPv4      Tag = 12 // uint32
	TagDNATIPv4      Tag = 13 // uint32
	TagSPATPort      Tag = 14 // uint16
	TagDPATPort      Tag = 15 // uint16
	TagNATSeqAdj     Tag = 16 // NATSeqAdj block
	TagStateSCTP     Tag = 17 // SCTPState block
	TagStateDCCP     Tag = 18 // DCCPState block

	tagMax = TagStateDCCP
)

var tagNames = [...]string{
	TagIPv4:          "ipv4",
	TagIPv6:          "ipv6",
	TagL4Proto:       "l4proto",
	TagPort:          "port",
	TagStateTCP:      "state_tcp",
	TagStatus:        "status",
	TagTimeout:       "timeout",
	TagMark:          "mark",
	TagMasterIPv4:    "master_ipv4",
	TagMasterIPv6:    "master_ipv6",
	TagMasterL4Proto: "master_l4proto",
	TagMasterPort:    "master_port",
	TagSNATIPv4:      "snat_ipv4",
	TagDNATIPv4:      "dnat_ipv4",
	TagSPATPort:      "spat_port",
	TagDPATPort:      "dpat_port",
	TagNATSeqAdj:     "nat_seq_adj",
	TagStateSCTP:     "state_sctp",
	TagStateDCCP:     "state_dccp",
}

// tagSizes is the exact value size each tag carries.
var tagSizes = [...]int{
	TagIPv4:          IPv4GroupLen,
	TagIPv6:          IPv6GroupLen,
	TagL4Proto:       1,
	TagPort:          PortGroupLen,
	TagStateTCP:      1,
	TagStatus:        4,
	TagTimeout:       4,
	TagMark:          4,
	TagMasterIPv4:    IPv4GroupLen,
	TagMasterIPv6:    IPv6GroupLen,
	TagMasterL4Proto: 1,
	TagMasterPort:    PortGroupLen,
	TagSNATIPv4:      4,
	TagDNATIPv4:      4,
	TagSPATPort:      2,
	TagDPATPort:      2,
	TagNATSeqAdj:     NATSeqAdjLen,
	TagStateSCTP:     SCTPStateLen,
	TagStateDCCP:     DCCPStateLen,
}

// Valid reports whether t is part of the tag enumeration.
func (t Tag) Valid() bool { return t <= tagMax }

// Size returns the natural value size of t, or -1 for unknown tags.
func (t Tag) Size() int {
	if !t.Valid() {
		return -1
	}
	return tagSizes[t]
}

func (t Tag) String() string {
	if !t.Valid() {
		return fmt.Sprintf("tag(%d)", uint16(t))
	}
	return tagNames[t]
}
