package wire

import (
	"encoding/binary"
	"fmt"
)

// Attr is one decoded attribute record.
type Attr struct {
	Tag   Tag
	Value []byte
}

// Message is a decoded replication message.
type Message struct {
	Header Header
	Attrs  []Attr
}

// Get returns the first record carrying tag.
func (m *Message) Get(tag Tag) (Attr, bool) {
	for _, a := range m.Attrs {
		if a.Tag == tag {
			return a, true
		}
	}
	return Attr{}, false
}

// Tags returns the record tags in wire order.
func (m *Message) Tags() []Tag {
	tags := make([]Tag, len(m.Attrs))
	for i, a := range m.Attrs {
		tags[i] = a.Tag
	}
	return tags
}

// Decode parses a complete message. Values alias b.
func Decode(b []byte) (*Message, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if int(h.Length) != len(b) {
		return nil, fmt.Errorf("%w: header says %d, got %d", ErrLengthMismatch, h.Length, len(b))
	}

	msg := &Message{Header: h}
	off := HeaderLen
	for off < len(b) {
		if len(b)-off < AttrHeaderLen {
			return nil, fmt.Errorf("%w: %d bytes left at offset %d", ErrShortAttr, len(b)-off, off)
		}
		tag := Tag(binary.BigEndian.Uint16(b[off : off+2]))
		rlen := int(binary.BigEndian.Uint16(b[off+2 : off+4]))
		if rlen < AttrHeaderLen || off+rlen > len(b) {
			return nil, fmt.Errorf("%w: record length %d at offset %d", ErrShortAttr, rlen, off)
		}
		if !tag.Valid() {
			return nil, fmt.Errorf("%w: %d at offset %d", ErrUnknownTag, uint16(tag), off)
		}
		value := b[off+AttrHeaderLen : off+rlen]
		if len(value) != tag.Size() {
			return nil, sizeError(tag.String(), len(value), tag.Size())
		}
		msg.Attrs = append(msg.Attrs, Attr{Tag: tag, Value: value})

		off += Align(rlen)
	}
	if off != len(b) {
		return nil, fmt.Errorf("%w: last record padding runs past the message", ErrShortAttr)
	}
	return msg, nil
}

// Uint8 returns the value of a one byte record.
func (a Attr) Uint8() uint8 {
	if len(a.Value) < 1 {
		return 0
	}
	return a.Value[0]
}

// Uint16 returns the value of a 16-bit record.
func (a Attr) Uint16() uint16 {
	if len(a.Value) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(a.Value)
}

// Uint32 returns the value of a 32-bit record.
func (a Attr) Uint32() uint32 {
	if len(a.Value) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(a.Value)
}
