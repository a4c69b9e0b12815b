package flowfile

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/google/gopacket/layers"

	"firestige.xyz/ctsync/internal/conntrack"
)

// Proto is an IP protocol number written by name (tcp, udp, sctp, ...) or
// by number.
type Proto uint8

// gopacket has no decoder for DCCP and names ICMP by version only.
var protoAliases = map[string]uint8{
	"icmp": conntrack.ProtoICMP,
	"dccp": conntrack.ProtoDCCP,
}

// ParseProto resolves a protocol name or number.
func ParseProto(s string) (Proto, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.ParseUint(s, 0, 8); err == nil {
		return Proto(n), nil
	}
	if v, ok := protoAliases[s]; ok {
		return Proto(v), nil
	}
	for i := 0; i < 256; i++ {
		name := layers.IPProtocol(i).String()
		if name != "UnknownIPProtocol" && strings.ToLower(name) == s {
			return Proto(i), nil
		}
	}
	return 0, fmt.Errorf("unknown protocol: %q", s)
}

func (p Proto) String() string {
	if uint8(p) == conntrack.ProtoDCCP {
		return "dccp"
	}
	name := layers.IPProtocol(p).String()
	if name == "UnknownIPProtocol" {
		return strconv.Itoa(int(p))
	}
	return strings.ToLower(name)
}

// MarshalText implements encoding.TextMarshaler.
func (p Proto) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Proto) UnmarshalText(text []byte) error {
	v, err := ParseProto(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Status is the conntrack status bitmask, written as names joined by '|'.
type Status uint32

var statusNames = [...]string{
	"expected",
	"seen_reply",
	"assured",
	"confirmed",
	"src_nat",
	"dst_nat",
	"seq_adjust",
	"src_nat_done",
	"dst_nat_done",
	"dying",
	"fixed_timeout",
	"template",
	"untracked",
}

// ParseStatus accepts "seen_reply|assured", a number, or an empty string.
func ParseStatus(s string) (Status, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 0, 32); err == nil {
		return Status(n), nil
	}
	var st Status
	for _, part := range strings.Split(s, "|") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		bit := -1
		for i, name := range statusNames {
			if name == part {
				bit = i
				break
			}
		}
		if bit < 0 {
			return 0, fmt.Errorf("unknown status flag: %q", part)
		}
		st |= 1 << bit
	}
	return st, nil
}

func (s Status) String() string {
	if s>>len(statusNames) != 0 {
		return fmt.Sprintf("%#x", uint32(s))
	}
	names := make([]string, 0, bits.OnesCount32(uint32(s)))
	for i, name := range statusNames {
		if s&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	v, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// TCPState is a conntrack TCP state written by name.
type TCPState uint8

var tcpStateNames = [...]string{
	conntrack.TCPStateNone:        "none",
	conntrack.TCPStateSynSent:     "syn_sent",
	conntrack.TCPStateSynRecv:     "syn_recv",
	conntrack.TCPStateEstablished: "established",
	conntrack.TCPStateFinWait:     "fin_wait",
	conntrack.TCPStateCloseWait:   "close_wait",
	conntrack.TCPStateLastAck:     "last_ack",
	conntrack.TCPStateTimeWait:    "time_wait",
	conntrack.TCPStateClose:       "close",
	conntrack.TCPStateSynSent2:    "syn_sent2",
}

// ParseTCPState resolves a state name or number.
func ParseTCPState(s string) (TCPState, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.ParseUint(s, 0, 8); err == nil {
		return TCPState(n), nil
	}
	for i, name := range tcpStateNames {
		if name == s {
			return TCPState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown tcp state: %q", s)
}

func (t TCPState) String() string {
	if int(t) < len(tcpStateNames) {
		return tcpStateNames[t]
	}
	return strconv.Itoa(int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t TCPState) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TCPState) UnmarshalText(text []byte) error {
	v, err := ParseTCPState(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
