package packnet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// encodeFrame serializes p into buf as one complete frame and flips buf so
// that Bytes returns the frame.
func encodeFrame(buf *Buffer, p WritablePacket) error {
	buf.Clear()
	buf.PutUint16(0) // length, patched below.
	buf.PutUint16(p.ID())

	if err := p.WriteTo(buf); err != nil {
		return err
	}
	if err := buf.Err(); err != nil {
		return err
	}

	if buf.Position() > MaxFrameSize {
		return fmt.Errorf("packet %d: %d bytes: %w", p.ID(), buf.Position(), ErrFrameTooLarge)
	}

	buf.PutUint16At(0, uint16(buf.Position()))
	buf.Flip()

	return nil
}

// encodeLarge serializes p into a temporary buffer of MaxFrameSize.
func encodeLarge(p WritablePacket) (*Buffer, error) {
	buf := NewBuffer(MaxFrameSize)
	if err := encodeFrame(buf, p); err != nil {
		if errors.Is(err, ErrBufferOverflow) {
			return nil, fmt.Errorf("packet %d: %w", p.ID(), ErrFrameTooLarge)
		}
		return nil, err
	}
	return buf, nil
}

// EncodeFrame returns p as a complete wire frame.
func EncodeFrame(p WritablePacket) ([]byte, error) {
	buf, err := encodeLarge(p)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFrame writes p to w as one frame. It is the blocking counterpart of
// Connection.Send for simple peers.
func WriteFrame(w io.Writer, p WritablePacket) error {
	frame, err := EncodeFrame(p)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one frame from r and returns its packet id and body.
// A length prefix shorter than the header fails with ErrMalformedFrame.
// EOF before the first byte is returned as io.EOF, EOF inside the frame as
// io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (uint16, []byte, error) {
	var prefix [LengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return 0, nil, err
	}

	length := int(binary.BigEndian.Uint16(prefix[:]))
	if length < HeaderSize {
		return 0, nil, fmt.Errorf("length %d: %w", length, ErrMalformedFrame)
	}

	rest := make([]byte, length-LengthSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}

	return binary.BigEndian.Uint16(rest[:IDSize]), rest[IDSize:], nil
}
