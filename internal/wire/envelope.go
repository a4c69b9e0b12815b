package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	// Version is the protocol version written into every header.
	Version = 1

	// HeaderLen is the fixed message header size.
	HeaderLen = 8

	// AttrHeaderLen is the tag + length prefix of each attribute record.
	AttrHeaderLen = 4

	// MaxMessageLen is the largest message the 16-bit length field can describe.
	MaxMessageLen = 0xFFFF

	attrAlign = 4
)

// MsgType is the message type carried in the header's low nibble.
type MsgType uint8

const (
	MsgCtNew     MsgType = 0
	MsgCtUpdate  MsgType = 1
	MsgCtDestroy MsgType = 2
)

func (t MsgType) String() string {
	switch t {
	case MsgCtNew:
		return "new"
	case MsgCtUpdate:
		return "update"
	case MsgCtDestroy:
		return "destroy"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ParseMsgType accepts the String form of a message type.
func ParseMsgType(s string) (MsgType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "new":
		return MsgCtNew, nil
	case "update":
		return MsgCtUpdate, nil
	case "destroy":
		return MsgCtDestroy, nil
	default:
		return 0, fmt.Errorf("unknown message type: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t MsgType) MarshalText() ([]byte, error) {
	if t > MsgCtDestroy {
		return nil, fmt.Errorf("unknown message type: %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *MsgType) UnmarshalText(text []byte) error {
	v, err := ParseMsgType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

var (
	ErrCapacityExceeded = errors.New("wire: envelope capacity exceeded")
	ErrSealed           = errors.New("wire: envelope already sealed")
	ErrShortHeader      = errors.New("wire: short message header")
	ErrBadVersion       = errors.New("wire: unsupported protocol version")
	ErrLengthMismatch   = errors.New("wire: header length does not match message size")
	ErrShortAttr        = errors.New("wire: truncated attribute record")
	ErrUnknownTag       = errors.New("wire: unknown attribute tag")
	ErrBadValueSize     = errors.New("wire: attribute value has wrong size")
)

// Align rounds n up to the attribute alignment boundary.
func Align(n int) int {
	return (n + attrAlign - 1) &^ (attrAlign - 1)
}

// RecordSize is the number of bytes a record with an n-byte value occupies.
func RecordSize(n int) int {
	return Align(AttrHeaderLen + n)
}

// Header is the fixed message header.
type Header struct {
	Version uint8
	Type    MsgType
	Flags   uint8
	Length  uint16
	Seq     uint32
}

func (h Header) put(b []byte) {
	b[0] = h.Version<<4 | uint8(h.Type)&0x0f
	b[1] = h.Flags
	binary.BigEndian.PutUint16(b[2:4], h.Length)
	binary.BigEndian.PutUint32(b[4:8], h.Seq)
}

// ParseHeader decodes the fixed header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	return Header{
		Version: b[0] >> 4,
		Type:    MsgType(b[0] & 0x0f),
		Flags:   b[1],
		Length:  binary.BigEndian.Uint16(b[2:4]),
		Seq:     binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// Envelope builds one message in a bounded buffer. Records are appended in
// call order and the running length always covers the header plus every
// padded record. An Envelope is owned by a single goroutine until Seal hands
// the bytes to the transport.
type Envelope struct {
	buf     []byte
	limit   int
	typ     MsgType
	records int
	sealed  bool
}

// NewEnvelope creates an empty message that may grow to capacity bytes,
// header included. Capacities above MaxMessageLen are clamped.
func NewEnvelope(capacity int, typ MsgType) (*Envelope, error) {
	if capacity < HeaderLen {
		return nil, fmt.Errorf("%w: capacity %d is smaller than the %d byte header",
			ErrCapacityExceeded, capacity, HeaderLen)
	}
	if capacity > MaxMessageLen {
		capacity = MaxMessageLen
	}
	return &Envelope{
		buf:   make([]byte, HeaderLen, capacity),
		limit: capacity,
		typ:   typ,
	}, nil
}

// Len returns the total message length so far, header included.
func (e *Envelope) Len() int { return len(e.buf) }

// Cap returns the capacity bound of the envelope.
func (e *Envelope) Cap() int { return e.limit }

// Records returns the number of attribute records appended.
func (e *Envelope) Records() int { return e.records }

// Type returns the message type.
func (e *Envelope) Type() MsgType { return e.typ }

// Append writes one attribute record. Nothing is written when the record
// does not fit.
func (e *Envelope) Append(tag Tag, value []byte) error {
	if e.sealed {
		return ErrSealed
	}
	size := RecordSize(len(value))
	if free := e.limit - len(e.buf); size > free {
		return fmt.Errorf("%w: %s record needs %d bytes, %d free", ErrCapacityExceeded, tag, size, free)
	}

	off := len(e.buf)
	e.buf = e.buf[:off+size]
	binary.BigEndian.PutUint16(e.buf[off:off+2], uint16(tag))
	binary.BigEndian.PutUint16(e.buf[off+2:off+4], uint16(AttrHeaderLen+len(value)))
	n := copy(e.buf[off+AttrHeaderLen:], value)
	clear(e.buf[off+AttrHeaderLen+n : off+size])
	e.records++
	return nil
}

// AppendUint8 appends a one byte value.
func (e *Envelope) AppendUint8(tag Tag, v uint8) error {
	return e.Append(tag, []byte{v})
}

// AppendUint16 appends a 16-bit value in network byte order.
func (e *Envelope) AppendUint16(tag Tag, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return e.Append(tag, b[:])
}

// AppendUint32 appends a 32-bit value in network byte order.
func (e *Envelope) AppendUint32(tag Tag, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return e.Append(tag, b[:])
}

// Seal writes the header and freezes the envelope. The returned slice
// aliases the envelope buffer; further appends fail with ErrSealed.
func (e *Envelope) Seal(seq uint32) []byte {
	if !e.sealed {
		Header{
			Version: Version,
			Type:    e.typ,
			Length:  uint16(len(e.buf)),
			Seq:     seq,
		}.put(e.buf[:HeaderLen])
		e.sealed = true
	}
	return e.buf
}
