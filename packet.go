package packnet

import (
	"errors"
	"unicode/utf8"
)

const (
	// LengthSize is the size of the big-endian frame length prefix.
	LengthSize = 2
	// IDSize is the size of the big-endian packet id that follows the prefix.
	IDSize = 2
	// HeaderSize is the fixed part of every frame.
	HeaderSize = LengthSize + IDSize
	// MaxFrameSize is the largest frame the 16-bit prefix can describe,
	// prefix included.
	MaxFrameSize = 1<<16 - 1
	// MaxBodySize is the largest body a frame can carry.
	MaxBodySize = MaxFrameSize - HeaderSize
)

// StringPacketID is the id DefaultRegistry assigns to StringPacket.
const StringPacketID uint16 = 1

// ReadablePacket is a packet that can be decoded from an inbound frame body.
type ReadablePacket interface {
	// ReadFrom decodes the packet from buf, which is positioned at the start
	// of the body and limited to its end. length is the body size.
	ReadFrom(buf *Buffer, length int) error
}

// WritablePacket is a packet that can be serialized into an outbound frame.
type WritablePacket interface {
	ID() uint16
	// WriteTo appends the body to buf.
	WriteTo(buf *Buffer) error
}

// StringPacket carries one UTF-8 string as its whole body.
type StringPacket struct {
	Data string
}

// NewStringPacket returns a StringPacket holding s.
func NewStringPacket(s string) *StringPacket {
	return &StringPacket{Data: s}
}

func (p *StringPacket) ID() uint16 { return StringPacketID }

func (p *StringPacket) WriteTo(buf *Buffer) error {
	buf.PutString(p.Data)
	return buf.Err()
}

func (p *StringPacket) ReadFrom(buf *Buffer, length int) error {
	s := buf.String(length)
	if err := buf.Err(); err != nil {
		return err
	}
	if !utf8.ValidString(s) {
		return errors.New("string packet: invalid utf-8 body")
	}
	p.Data = s
	return nil
}

func (p *StringPacket) String() string { return p.Data }

// RawPacket is an opaque body with an explicit id. It is the packet a
// registry factory can return when the body needs no decoding.
type RawPacket struct {
	PacketID uint16
	Body     []byte
}

func (p *RawPacket) ID() uint16 { return p.PacketID }

func (p *RawPacket) WriteTo(buf *Buffer) error {
	buf.PutBytes(p.Body)
	return buf.Err()
}

// ReadFrom copies the body, since buf is reused once the frame is decoded.
func (p *RawPacket) ReadFrom(buf *Buffer, length int) error {
	b := buf.Next(length)
	if err := buf.Err(); err != nil {
		return err
	}
	p.Body = append(p.Body[:0], b...)
	return nil
}

// RawFactory returns a factory producing RawPackets tagged with id.
func RawFactory(id uint16) PacketFactory {
	return func() ReadablePacket {
		return &RawPacket{PacketID: id}
	}
}
