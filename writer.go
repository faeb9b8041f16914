package packnet

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"
)

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// PacketWriter serializes packets into frames and writes them to a stream.
// A PacketWriter is used by a single goroutine.
type PacketWriter struct {
	dst      io.Writer
	buf      *Buffer
	timeout  time.Duration
	deadline writeDeadliner
}

// NewPacketWriter creates a writer that frames into buf, a buffer leased from
// the pool by the caller.
func NewPacketWriter(dst io.Writer, buf *Buffer, cfg NetworkConfig) *PacketWriter {
	cfg.applyDefaults()

	w := &PacketWriter{
		dst:     dst,
		buf:     buf,
		timeout: cfg.WriteTimeout,
	}
	if d, ok := dst.(writeDeadliner); ok {
		w.deadline = d
	}

	return w
}

// NewTLSPacketWriter creates a writer over an established TLS session.
func NewTLSPacketWriter(conn *tls.Conn, buf *Buffer, cfg NetworkConfig) *PacketWriter {
	return NewPacketWriter(conn, buf, cfg)
}

// WritePacket writes p as one frame. A body that does not fit the write
// buffer is encoded into a temporary frame-sized buffer; a frame longer than
// MaxFrameSize fails with ErrFrameTooLarge and nothing is written.
func (w *PacketWriter) WritePacket(p WritablePacket) error {
	frame := w.buf

	err := encodeFrame(frame, p)
	if errors.Is(err, ErrBufferOverflow) {
		frame, err = encodeLarge(p)
	}
	if err != nil {
		return fmt.Errorf("%w packet %d: %w", errEncode, p.ID(), err)
	}

	if w.deadline != nil && w.timeout > 0 {
		if err := w.deadline.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return err
		}
	}

	if _, err := w.dst.Write(frame.Bytes()); err != nil {
		return fmt.Errorf("write packet %d: %w", p.ID(), err)
	}

	return nil
}
