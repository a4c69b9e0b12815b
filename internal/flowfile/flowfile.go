// Package flowfile reads and writes human-editable YAML descriptions of
// replication messages. The encode and decode tools use it to turn flows
// into wire messages and back.
//
//	flows:
//	  - type: new
//	    seq: 1
//	    proto: tcp
//	    orig:  {src: 10.0.0.1, dst: 10.0.0.2, sport: 40000, dport: 80}
//	    reply: {src: 10.0.0.2, dst: 192.0.2.1, sport: 80, dport: 40000}
//	    status: seen_reply|assured|src_nat|src_nat_done
//	    tcp_state: established
//	    timeout: 300
package flowfile

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"firestige.xyz/ctsync/internal/conntrack"
	"firestige.xyz/ctsync/internal/wire"
)

var (
	ErrNoFlows     = errors.New("flowfile: no flows")
	ErrNoOrig      = errors.New("flowfile: original tuple needs src and dst")
	ErrMixedFamily = errors.New("flowfile: tuple mixes IPv4 and IPv6 addresses")
)

// File is the top-level document.
type File struct {
	Flows []Flow `yaml:"flows" mapstructure:"flows"`
}

// Flow describes one replication message.
type Flow struct {
	Type     wire.MsgType `yaml:"type" mapstructure:"type"`
	Seq      uint32       `yaml:"seq,omitempty" mapstructure:"seq"`
	Proto    Proto        `yaml:"proto,omitempty" mapstructure:"proto"`
	Orig     Tuple        `yaml:"orig" mapstructure:"orig"`
	Reply    *Tuple       `yaml:"reply,omitempty" mapstructure:"reply"`
	Master   *Master      `yaml:"master,omitempty" mapstructure:"master"`
	Status   *Status      `yaml:"status,omitempty" mapstructure:"status"`
	TCPState *TCPState    `yaml:"tcp_state,omitempty" mapstructure:"tcp_state"`
	SCTP     *SCTP        `yaml:"sctp,omitempty" mapstructure:"sctp"`
	DCCP     *DCCP        `yaml:"dccp,omitempty" mapstructure:"dccp"`
	Timeout  *uint32      `yaml:"timeout,omitempty" mapstructure:"timeout"`
	Mark     *uint32      `yaml:"mark,omitempty" mapstructure:"mark"`
	NATSeq   *NATSeq      `yaml:"nat_seq,omitempty" mapstructure:"nat_seq"`

	// Translated addresses as carried by peer messages.
	SNAT     string `yaml:"snat,omitempty" mapstructure:"snat"`
	DNAT     string `yaml:"dnat,omitempty" mapstructure:"dnat"`
	SNATPort uint16 `yaml:"snat_port,omitempty" mapstructure:"snat_port"`
	DNATPort uint16 `yaml:"dnat_port,omitempty" mapstructure:"dnat_port"`
}

// Tuple is one direction of a connection. Ports are written only when at
// least one of them is non-zero.
type Tuple struct {
	Src   string `yaml:"src" mapstructure:"src"`
	Dst   string `yaml:"dst" mapstructure:"dst"`
	Sport uint16 `yaml:"sport,omitempty" mapstructure:"sport"`
	Dport uint16 `yaml:"dport,omitempty" mapstructure:"dport"`
}

// Master is the tuple of the connection that expected this one.
type Master struct {
	Tuple `yaml:",inline" mapstructure:",squash"`
	Proto Proto `yaml:"proto,omitempty" mapstructure:"proto"`
}

type SCTP struct {
	State     uint8  `yaml:"state" mapstructure:"state"`
	VTagOrig  uint32 `yaml:"vtag_orig" mapstructure:"vtag_orig"`
	VTagReply uint32 `yaml:"vtag_reply" mapstructure:"vtag_reply"`
}

type DCCP struct {
	State uint8 `yaml:"state" mapstructure:"state"`
	Role  uint8 `yaml:"role" mapstructure:"role"`
}

// SeqAdj is the NAT sequence adjustment of one direction.
type SeqAdj struct {
	CorrectionPos uint32 `yaml:"correction_pos" mapstructure:"correction_pos"`
	OffsetBefore  uint32 `yaml:"offset_before" mapstructure:"offset_before"`
	OffsetAfter   uint32 `yaml:"offset_after" mapstructure:"offset_after"`
}

type NATSeq struct {
	Orig  *SeqAdj `yaml:"orig,omitempty" mapstructure:"orig"`
	Reply *SeqAdj `yaml:"reply,omitempty" mapstructure:"reply"`
}

// LoadFile reads flows from a YAML file.
func LoadFile(path string) ([]Flow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open flow file %s: %w", path, err)
	}
	defer f.Close()

	flows, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow file %s: %w", path, err)
	}
	return flows, nil
}

// Load reads flows from YAML. Unknown keys are rejected.
func Load(r io.Reader) ([]Flow, error) {
	var raw map[string]any
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoFlows
		}
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}

	var file File
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.TextUnmarshallerHookFunc(),
		ErrorUnused: true,
		Result:      &file,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode flows: %w", err)
	}
	if len(file.Flows) == 0 {
		return nil, ErrNoFlows
	}
	return file.Flows, nil
}

// Dump writes flows as YAML.
func Dump(w io.Writer, flows []Flow) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(File{Flows: flows}); err != nil {
		return fmt.Errorf("failed to encode flows: %w", err)
	}
	return enc.Close()
}

var (
	origGroups   = [3]conntrack.Group{conntrack.GroupOrigIPv4, conntrack.GroupOrigIPv6, conntrack.GroupOrigPort}
	replGroups   = [3]conntrack.Group{conntrack.GroupReplIPv4, conntrack.GroupReplIPv6, conntrack.GroupReplPort}
	masterGroups = [3]conntrack.Group{conntrack.GroupMasterIPv4, conntrack.GroupMasterIPv6, conntrack.GroupMasterPort}
)

// Record converts the flow into a connection-tracking record.
func (f *Flow) Record() (*conntrack.Record, error) {
	if f.Orig.Src == "" || f.Orig.Dst == "" {
		return nil, ErrNoOrig
	}
	r := &conntrack.Record{}
	if err := f.Orig.apply(r, origGroups); err != nil {
		return nil, fmt.Errorf("orig: %w", err)
	}
	if f.Reply != nil {
		if err := f.Reply.apply(r, replGroups); err != nil {
			return nil, fmt.Errorf("reply: %w", err)
		}
	}
	if f.Proto != 0 {
		r.SetUint8(conntrack.AttrL4Proto, uint8(f.Proto))
	}
	if f.Master != nil {
		if err := f.Master.apply(r, masterGroups); err != nil {
			return nil, fmt.Errorf("master: %w", err)
		}
		if f.Master.Proto != 0 {
			r.SetUint8(conntrack.AttrMasterL4Proto, uint8(f.Master.Proto))
		}
	}

	if f.Status != nil {
		r.SetUint32(conntrack.AttrStatus, uint32(*f.Status))
	}
	if f.TCPState != nil {
		r.SetUint8(conntrack.AttrTCPState, uint8(*f.TCPState))
	}
	if f.SCTP != nil {
		r.SetUint8(conntrack.AttrSCTPState, f.SCTP.State)
		r.SetUint32(conntrack.AttrSCTPVTagOrig, f.SCTP.VTagOrig)
		r.SetUint32(conntrack.AttrSCTPVTagRepl, f.SCTP.VTagReply)
	}
	if f.DCCP != nil {
		r.SetUint8(conntrack.AttrDCCPState, f.DCCP.State)
		r.SetUint8(conntrack.AttrDCCPRole, f.DCCP.Role)
	}
	if f.Timeout != nil {
		r.SetUint32(conntrack.AttrTimeout, *f.Timeout)
	}
	if f.Mark != nil {
		r.SetUint32(conntrack.AttrMark, *f.Mark)
	}
	if f.NATSeq != nil {
		if a := f.NATSeq.Orig; a != nil {
			r.SetUint32(conntrack.AttrOrigNATSeqCorrectionPos, a.CorrectionPos)
			r.SetUint32(conntrack.AttrOrigNATSeqOffsetBefore, a.OffsetBefore)
			r.SetUint32(conntrack.AttrOrigNATSeqOffsetAfter, a.OffsetAfter)
		}
		if a := f.NATSeq.Reply; a != nil {
			r.SetUint32(conntrack.AttrReplNATSeqCorrectionPos, a.CorrectionPos)
			r.SetUint32(conntrack.AttrReplNATSeqOffsetBefore, a.OffsetBefore)
			r.SetUint32(conntrack.AttrReplNATSeqOffsetAfter, a.OffsetAfter)
		}
	}

	if err := setAddr(r, conntrack.AttrSNATIPv4, f.SNAT); err != nil {
		return nil, fmt.Errorf("snat: %w", err)
	}
	if err := setAddr(r, conntrack.AttrDNATIPv4, f.DNAT); err != nil {
		return nil, fmt.Errorf("dnat: %w", err)
	}
	if f.SNATPort != 0 {
		r.SetUint16(conntrack.AttrSNATPort, f.SNATPort)
	}
	if f.DNATPort != 0 {
		r.SetUint16(conntrack.AttrDNATPort, f.DNATPort)
	}
	return r, nil
}

func setAddr(r *conntrack.Record, a conntrack.Attr, s string) error {
	if s == "" {
		return nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return err
	}
	return r.SetAddr(a, addr)
}

// apply writes the tuple into the v4 or v6 group chosen by its addresses,
// followed by the port group.
func (t Tuple) apply(r *conntrack.Record, groups [3]conntrack.Group) error {
	src, err := netip.ParseAddr(t.Src)
	if err != nil {
		return err
	}
	dst, err := netip.ParseAddr(t.Dst)
	if err != nil {
		return err
	}
	src, dst = src.Unmap(), dst.Unmap()
	if src.Is4() != dst.Is4() {
		return ErrMixedFamily
	}

	g := groups[0]
	if !src.Is4() {
		g = groups[1]
	}
	sa, da := g.Members()
	if err := r.SetAddr(sa, src); err != nil {
		return err
	}
	if err := r.SetAddr(da, dst); err != nil {
		return err
	}

	if t.Sport != 0 || t.Dport != 0 {
		sp, dp := groups[2].Members()
		r.SetUint16(sp, t.Sport)
		r.SetUint16(dp, t.Dport)
	}
	return nil
}

// FromRecord describes rec as a flow.
func FromRecord(typ wire.MsgType, seq uint32, rec *conntrack.Record) Flow {
	f := Flow{Type: typ, Seq: seq}
	f.Orig, _ = tupleOf(rec, origGroups)
	if t, ok := tupleOf(rec, replGroups); ok {
		f.Reply = &t
	} else if t, ok := natReply(rec); ok {
		f.Reply = &t
	}
	if rec.IsSet(conntrack.AttrL4Proto) {
		f.Proto = Proto(rec.Uint8(conntrack.AttrL4Proto))
	}
	if t, ok := tupleOf(rec, masterGroups); ok {
		f.Master = &Master{Tuple: t}
		if rec.IsSet(conntrack.AttrMasterL4Proto) {
			f.Master.Proto = Proto(rec.Uint8(conntrack.AttrMasterL4Proto))
		}
	}

	if rec.IsSet(conntrack.AttrStatus) {
		s := Status(rec.Uint32(conntrack.AttrStatus))
		f.Status = &s
	}
	if rec.IsSet(conntrack.AttrTCPState) {
		s := TCPState(rec.Uint8(conntrack.AttrTCPState))
		f.TCPState = &s
	}
	if rec.IsSetAll(conntrack.AttrSCTPState, conntrack.AttrSCTPVTagOrig, conntrack.AttrSCTPVTagRepl) {
		f.SCTP = &SCTP{
			State:     rec.Uint8(conntrack.AttrSCTPState),
			VTagOrig:  rec.Uint32(conntrack.AttrSCTPVTagOrig),
			VTagReply: rec.Uint32(conntrack.AttrSCTPVTagRepl),
		}
	}
	if rec.IsSetAll(conntrack.AttrDCCPState, conntrack.AttrDCCPRole) {
		f.DCCP = &DCCP{State: rec.Uint8(conntrack.AttrDCCPState), Role: rec.Uint8(conntrack.AttrDCCPRole)}
	}
	f.Timeout = optUint32(rec, conntrack.AttrTimeout)
	f.Mark = optUint32(rec, conntrack.AttrMark)

	orig := seqAdjOf(rec, conntrack.AttrOrigNATSeqCorrectionPos, conntrack.AttrOrigNATSeqOffsetBefore, conntrack.AttrOrigNATSeqOffsetAfter)
	reply := seqAdjOf(rec, conntrack.AttrReplNATSeqCorrectionPos, conntrack.AttrReplNATSeqOffsetBefore, conntrack.AttrReplNATSeqOffsetAfter)
	if orig != nil || reply != nil {
		f.NATSeq = &NATSeq{Orig: orig, Reply: reply}
	}

	if !rec.GroupIsSet(conntrack.GroupReplIPv4) && !rec.GroupIsSet(conntrack.GroupReplIPv6) {
		// Translations already live in the rebuilt reply tuple.
		return f
	}
	if rec.IsSet(conntrack.AttrSNATIPv4) {
		f.SNAT = rec.Addr(conntrack.AttrSNATIPv4).String()
	}
	if rec.IsSet(conntrack.AttrDNATIPv4) {
		f.DNAT = rec.Addr(conntrack.AttrDNATIPv4).String()
	}
	f.SNATPort = rec.Uint16(conntrack.AttrSNATPort)
	f.DNATPort = rec.Uint16(conntrack.AttrDNATPort)
	return f
}

// natReply rebuilds the reply tuple of a record decoded from the wire, where
// only the original tuple and the translated fields travel. The result is the
// inverted original with each translation written back into the reply
// position IsNAT reads it from.
func natReply(rec *conntrack.Record) (Tuple, bool) {
	nat := []conntrack.Attr{
		conntrack.AttrSNATIPv4, conntrack.AttrDNATIPv4,
		conntrack.AttrSNATPort, conntrack.AttrDNATPort,
	}
	found := false
	for _, a := range nat {
		found = found || rec.IsSet(a)
	}
	if !found {
		return Tuple{}, false
	}

	r := rec.Clone()
	r.Invert()
	if r.IsSet(conntrack.AttrSNATIPv4) && r.GroupIsSet(conntrack.GroupReplIPv4) {
		_ = r.SetAddr(conntrack.AttrReplIPv4Dst, r.Addr(conntrack.AttrSNATIPv4))
	}
	if r.IsSet(conntrack.AttrDNATIPv4) && r.GroupIsSet(conntrack.GroupReplIPv4) {
		_ = r.SetAddr(conntrack.AttrReplIPv4Src, r.Addr(conntrack.AttrDNATIPv4))
	}
	if r.GroupIsSet(conntrack.GroupReplPort) {
		if r.IsSet(conntrack.AttrSNATPort) {
			r.SetUint16(conntrack.AttrReplPortDst, r.Uint16(conntrack.AttrSNATPort))
		}
		if r.IsSet(conntrack.AttrDNATPort) {
			r.SetUint16(conntrack.AttrReplPortSrc, r.Uint16(conntrack.AttrDNATPort))
		}
	}
	return tupleOf(r, replGroups)
}

func tupleOf(rec *conntrack.Record, groups [3]conntrack.Group) (Tuple, bool) {
	var t Tuple
	switch {
	case rec.GroupIsSet(groups[0]):
		s, d := groups[0].Members()
		t.Src, t.Dst = rec.Addr(s).String(), rec.Addr(d).String()
	case rec.GroupIsSet(groups[1]):
		s, d := groups[1].Members()
		t.Src, t.Dst = rec.Addr(s).String(), rec.Addr(d).String()
	default:
		return t, false
	}
	if rec.GroupIsSet(groups[2]) {
		s, d := groups[2].Members()
		t.Sport, t.Dport = rec.Uint16(s), rec.Uint16(d)
	}
	return t, true
}

func optUint32(rec *conntrack.Record, a conntrack.Attr) *uint32 {
	if !rec.IsSet(a) {
		return nil
	}
	v := rec.Uint32(a)
	return &v
}

func seqAdjOf(rec *conntrack.Record, pos, before, after conntrack.Attr) *SeqAdj {
	if !rec.IsSetAll(pos, before, after) {
		return nil
	}
	return &SeqAdj{
		CorrectionPos: rec.Uint32(pos),
		OffsetBefore:  rec.Uint32(before),
		OffsetAfter:   rec.Uint32(after),
	}
}
