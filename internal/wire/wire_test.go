package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlign(t *testing.T) {
	cases := map[int]int{0: 0, 1: 4, 4: 4, 5: 8, 8: 8, 13: 16}
	for in, want := range cases {
		assert.Equal(t, want, Align(in), "Align(%d)", in)
	}
	assert.Equal(t, 8, RecordSize(1))
	assert.Equal(t, 8, RecordSize(4))
	assert.Equal(t, 16, RecordSize(12))
}

func TestEnvelope_AppendUint8PadsRecord(t *testing.T) {
	env, err := NewEnvelope(64, MsgCtNew)
	require.NoError(t, err)

	require.NoError(t, env.AppendUint8(TagL4Proto, 6))

	assert.Equal(t, HeaderLen+8, env.Len())
	assert.Equal(t, 1, env.Records())

	rec := env.buf[HeaderLen:]
	assert.Equal(t, uint16(TagL4Proto), binary.BigEndian.Uint16(rec[0:2]))
	assert.Equal(t, uint16(AttrHeaderLen+1), binary.BigEndian.Uint16(rec[2:4]))
	assert.Equal(t, []byte{6, 0, 0, 0}, rec[4:8])
}

func TestEnvelope_AppendScalarsNetworkOrder(t *testing.T) {
	env, err := NewEnvelope(64, MsgCtUpdate)
	require.NoError(t, err)

	require.NoError(t, env.AppendUint16(TagSPATPort, 0x1234))
	require.NoError(t, env.AppendUint32(TagStatus, 0xdeadbeef))

	b := env.Seal(7)
	assert.Equal(t, []byte{0x12, 0x34, 0, 0}, b[HeaderLen+4:HeaderLen+8])
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b[HeaderLen+12:HeaderLen+16])
}

func TestEnvelope_PaddingIsZeroAfterReuseOfBackingArray(t *testing.T) {
	env, err := NewEnvelope(64, MsgCtNew)
	require.NoError(t, err)
	// dirty the spare capacity
	full := env.buf[:cap(env.buf)]
	for i := range full {
		full[i] = 0xff
	}

	require.NoError(t, env.Append(TagStateDCCP, []byte{1, 2}))
	assert.Equal(t, []byte{1, 2, 0, 0}, env.buf[HeaderLen+4:HeaderLen+8])
}

func TestEnvelope_CapacityExceededWritesNothing(t *testing.T) {
	env, err := NewEnvelope(HeaderLen+8, MsgCtNew)
	require.NoError(t, err)

	require.NoError(t, env.AppendUint32(TagStatus, 1))
	before := env.Len()

	err = env.AppendUint8(TagL4Proto, 6)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Contains(t, err.Error(), "l4proto")
	assert.Equal(t, before, env.Len())
	assert.Equal(t, 1, env.Records())
}

func TestNewEnvelope_CapacityBounds(t *testing.T) {
	_, err := NewEnvelope(HeaderLen-1, MsgCtNew)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	env, err := NewEnvelope(1<<20, MsgCtNew)
	require.NoError(t, err)
	assert.Equal(t, MaxMessageLen, env.Cap())
}

func TestEnvelope_SealWritesHeaderAndFreezes(t *testing.T) {
	env, err := NewEnvelope(128, MsgCtDestroy)
	require.NoError(t, err)
	require.NoError(t, env.AppendUint32(TagMark, 42))

	b := env.Seal(0x01020304)
	h, err := ParseHeader(b)
	require.NoError(t, err)
	assert.Equal(t, Header{
		Version: Version,
		Type:    MsgCtDestroy,
		Length:  uint16(len(b)),
		Seq:     0x01020304,
	}, h)
	assert.Equal(t, byte(Version<<4|2), b[0])

	assert.ErrorIs(t, env.AppendUint8(TagL4Proto, 1), ErrSealed)
	assert.Equal(t, b, env.Seal(99), "second seal keeps the first header")
}

func TestDecode_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(256, MsgCtNew)
	require.NoError(t, err)

	ipv4 := IPv4Group{Src: [4]byte{10, 0, 0, 1}, Dst: [4]byte{10, 0, 0, 2}}
	sctp := SCTPState{State: 3, VTagOrig: 0xaabbccdd, VTagReply: 0x11223344}
	seq := NATSeqAdj{1, 2, 3, 4, 5, 6}

	require.NoError(t, env.Append(TagIPv4, ipv4.Bytes()))
	require.NoError(t, env.AppendUint8(TagL4Proto, 132))
	require.NoError(t, env.Append(TagPort, PortGroup{Src: 1234, Dst: 80}.Bytes()))
	require.NoError(t, env.Append(TagStateSCTP, sctp.Bytes()))
	require.NoError(t, env.Append(TagNATSeqAdj, seq.Bytes()))

	msg, err := Decode(env.Seal(1))
	require.NoError(t, err)

	assert.Equal(t, []Tag{TagIPv4, TagL4Proto, TagPort, TagStateSCTP, TagNATSeqAdj}, msg.Tags())

	a, ok := msg.Get(TagIPv4)
	require.True(t, ok)
	gotIPv4, err := ParseIPv4Group(a.Value)
	require.NoError(t, err)
	assert.Equal(t, ipv4, gotIPv4)

	a, _ = msg.Get(TagPort)
	gotPorts, err := ParsePortGroup(a.Value)
	require.NoError(t, err)
	assert.Equal(t, PortGroup{Src: 1234, Dst: 80}, gotPorts)

	a, _ = msg.Get(TagStateSCTP)
	gotSCTP, err := ParseSCTPState(a.Value)
	require.NoError(t, err)
	assert.Equal(t, sctp, gotSCTP)

	a, _ = msg.Get(TagNATSeqAdj)
	gotSeq, err := ParseNATSeqAdj(a.Value)
	require.NoError(t, err)
	assert.Equal(t, seq, gotSeq)

	_, ok = msg.Get(TagMark)
	assert.False(t, ok)
}

func TestDecode_Errors(t *testing.T) {
	valid := func() []byte {
		env, _ := NewEnvelope(64, MsgCtNew)
		_ = env.AppendUint32(TagStatus, 2)
		return append([]byte(nil), env.Seal(1)...)
	}

	t.Run("short header", func(t *testing.T) {
		_, err := Decode([]byte{0x10, 0, 0})
		assert.ErrorIs(t, err, ErrShortHeader)
	})

	t.Run("bad version", func(t *testing.T) {
		b := valid()
		b[0] = 2 << 4
		_, err := Decode(b)
		assert.ErrorIs(t, err, ErrBadVersion)
	})

	t.Run("length mismatch", func(t *testing.T) {
		b := append(valid(), 0, 0, 0, 0)
		_, err := Decode(b)
		assert.ErrorIs(t, err, ErrLengthMismatch)
	})

	t.Run("unknown tag", func(t *testing.T) {
		b := valid()
		binary.BigEndian.PutUint16(b[HeaderLen:], 99)
		_, err := Decode(b)
		assert.ErrorIs(t, err, ErrUnknownTag)
	})

	t.Run("record length below header", func(t *testing.T) {
		b := valid()
		binary.BigEndian.PutUint16(b[HeaderLen+2:], 2)
		_, err := Decode(b)
		assert.ErrorIs(t, err, ErrShortAttr)
	})

	t.Run("record runs past message", func(t *testing.T) {
		b := valid()
		binary.BigEndian.PutUint16(b[HeaderLen+2:], 40)
		_, err := Decode(b)
		assert.ErrorIs(t, err, ErrShortAttr)
	})

	t.Run("wrong value size", func(t *testing.T) {
		b := valid()
		binary.BigEndian.PutUint16(b[HeaderLen:], uint16(TagL4Proto))
		_, err := Decode(b)
		assert.ErrorIs(t, err, ErrBadValueSize)
	})
}

func TestLayouts_FixedOffsets(t *testing.T) {
	sctp := SCTPState{State: 7, VTagOrig: 0x01020304, VTagReply: 0x05060708}.Bytes()
	assert.Equal(t, []byte{7, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8}, sctp)

	assert.Equal(t, []byte{4, 1}, DCCPState{State: 4, Role: 1}.Bytes())

	seq := NATSeqAdj{
		OrigCorrectionPos:  1,
		OrigOffsetBefore:   2,
		OrigOffsetAfter:    3,
		ReplyCorrectionPos: 4,
		ReplyOffsetBefore:  5,
		ReplyOffsetAfter:   6,
	}.Bytes()
	require.Len(t, seq, NATSeqAdjLen)
	for i := 0; i < 6; i++ {
		assert.Equal(t, uint32(i+1), binary.BigEndian.Uint32(seq[i*4:]), "field %d", i)
	}

	_, err := ParseDCCPState([]byte{1})
	assert.ErrorIs(t, err, ErrBadValueSize)
}

func TestTag_String(t *testing.T) {
	assert.Equal(t, "state_sctp", TagStateSCTP.String())
	assert.Equal(t, "tag(200)", Tag(200).String())
	assert.Equal(t, -1, Tag(200).Size())
	assert.Equal(t, "destroy", MsgCtDestroy.String())
}

func TestMsgType_Text(t *testing.T) {
	var typ MsgType
	require.NoError(t, typ.UnmarshalText([]byte(" Update ")))
	assert.Equal(t, MsgCtUpdate, typ)

	b, err := MsgCtDestroy.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "destroy", string(b))

	assert.Error(t, typ.UnmarshalText([]byte("resync")))
	_, err = MsgType(7).MarshalText()
	assert.Error(t, err)
}
