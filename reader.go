package packnet

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

type readerState int

const (
	stateHandshaking readerState = iota
	stateAwaitingLength
	stateAwaitingBody
	stateDecoding
)

func (s readerState) String() string {
	switch s {
	case stateHandshaking:
		return "handshaking"
	case stateAwaitingLength:
		return "awaiting-length"
	case stateAwaitingBody:
		return "awaiting-body"
	case stateDecoding:
		return "decoding"
	default:
		return "unknown"
	}
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// maxEmptyReads bounds consecutive (0, nil) reads before giving up.
const maxEmptyReads = 100

// PacketReader turns a byte stream into packets. Frames are accumulated in a
// read buffer; a frame larger than that buffer moves into a wait buffer taken
// from the pool for the duration of the frame. A PacketReader is used by a
// single goroutine.
type PacketReader struct {
	src       io.Reader
	registry  *PacketRegistry
	pool      *BufferPool
	read      *Buffer
	wait      *Buffer
	handshake func() error
	stop      <-chan struct{}

	waitSize    int
	retries     int
	delay       time.Duration
	readTimeout time.Duration
	deadline    readDeadliner
	log         zerolog.Logger

	state    readerState
	active   []byte // read.data, or wait.data while waiting.
	start    int    // first byte of the current frame in active.
	end      int    // end of the bytes received so far.
	frameLen int
}

// NewPacketReader creates a reader over src that frames into read, a buffer
// leased from pool by the caller. The caller keeps ownership of read.
func NewPacketReader(src io.Reader, read *Buffer, pool *BufferPool, registry *PacketRegistry, cfg NetworkConfig) *PacketReader {
	cfg.applyDefaults()

	r := &PacketReader{
		src:         src,
		registry:    registry,
		pool:        pool,
		read:        read,
		waitSize:    cfg.WaitBufferSize,
		retries:     cfg.WaitBufferRetries,
		delay:       cfg.RetryDelay,
		readTimeout: cfg.ReadTimeout,
		log:         *cfg.Logger,
		active:      read.data,
	}
	if d, ok := src.(readDeadliner); ok && cfg.ReadTimeout > 0 {
		r.deadline = d
	}

	return r
}

// NewTLSPacketReader creates a reader that completes the TLS handshake of
// conn before framing.
func NewTLSPacketReader(conn *tls.Conn, read *Buffer, pool *BufferPool, registry *PacketRegistry, cfg NetworkConfig) *PacketReader {
	r := NewPacketReader(conn, read, pool, registry, cfg)
	r.handshake = conn.Handshake
	return r
}

// Run reads frames until the stream ends, a fatal framing error occurs or
// emit returns false. Every decoded packet is passed to emit in wire order.
// A clean end of stream at a frame boundary returns io.EOF.
func (r *PacketReader) Run(emit func(ReadablePacket) bool) error {
	defer r.releaseWait()

	if r.handshake != nil {
		r.state = stateHandshaking
		if err := r.handshake(); err != nil {
			return fmt.Errorf("tls handshake: %w", err)
		}
	}

	r.state = stateAwaitingLength
	for {
		switch r.state {
		case stateAwaitingLength:
			if err := r.fill(LengthSize); err != nil {
				return err
			}
			r.frameLen = int(binary.BigEndian.Uint16(r.active[r.start:]))
			if r.frameLen < HeaderSize {
				return fmt.Errorf("length %d below header size: %w", r.frameLen, ErrMalformedFrame)
			}
			r.state = stateAwaitingBody

		case stateAwaitingBody:
			if err := r.prepare(); err != nil {
				return err
			}
			if err := r.fill(r.frameLen); err != nil {
				return err
			}
			r.state = stateDecoding

		case stateDecoding:
			more := r.decode(emit)
			if err := r.advance(); err != nil {
				return err
			}
			if !more {
				return nil
			}
			r.state = stateAwaitingLength
		}
	}
}

// fill reads until the current frame has at least n bytes buffered.
func (r *PacketReader) fill(n int) error {
	if r.wait == nil && r.start+n > len(r.active) {
		r.compact()
	}

	empty := 0
	for r.end-r.start < n {
		dst := r.active[r.end:]
		if r.wait != nil {
			// Exactly the missing bytes, so nothing past the frame lands here.
			dst = r.active[r.end : r.start+n]
		}

		if r.deadline != nil {
			if err := r.deadline.SetReadDeadline(time.Now().Add(r.readTimeout)); err != nil {
				return err
			}
		}

		k, err := r.src.Read(dst)
		r.end += k

		if r.end-r.start >= n {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if r.state == stateAwaitingLength && r.end == r.start {
					return io.EOF
				}
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if k == 0 {
			empty++
			if empty >= maxEmptyReads {
				return io.ErrNoProgress
			}
		}
	}

	return nil
}

// compact moves the partial frame to the start of the read buffer.
func (r *PacketReader) compact() {
	n := copy(r.active, r.active[r.start:r.end])
	r.start, r.end = 0, n
}

// prepare makes room for a whole frame of r.frameLen bytes.
func (r *PacketReader) prepare() error {
	if r.frameLen <= len(r.read.data) {
		if r.start+r.frameLen > len(r.active) {
			r.compact()
		}
		return nil
	}

	if r.frameLen > r.waitSize {
		return fmt.Errorf("length %d exceeds wait buffer of %d: %w", r.frameLen, r.waitSize, ErrMalformedFrame)
	}

	wait, err := r.takeWait()
	if err != nil {
		return fmt.Errorf("no wait buffer for %d byte frame: %w: %w", r.frameLen, ErrMalformedFrame, err)
	}
	if wait.Cap() < r.frameLen {
		_ = r.pool.Give(wait)
		return fmt.Errorf("length %d exceeds wait buffer of %d: %w", r.frameLen, wait.Cap(), ErrMalformedFrame)
	}

	n := copy(wait.data, r.active[r.start:r.end])
	r.wait = wait
	r.active = wait.data
	r.start, r.end = 0, n

	r.log.Debug().Int("length", r.frameLen).Msg("frame moved to wait buffer")

	return nil
}

// takeWait takes a wait buffer, retrying with exponential backoff.
func (r *PacketReader) takeWait() (*Buffer, error) {
	delay := r.delay
	for attempt := 1; ; attempt++ {
		buf, err := r.pool.Take(WaitRole)
		if err == nil {
			return buf, nil
		}
		if errors.Is(err, ErrPoolClosed) || attempt >= r.retries {
			return nil, err
		}

		r.log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("wait buffer unavailable")

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-r.stop:
			t.Stop()
			return nil, err
		}

		delay = min(delay*3/2, maxRetryDelay)
	}
}

// decode resolves and decodes the buffered frame. It reports whether the
// reader should continue.
func (r *PacketReader) decode(emit func(ReadablePacket) bool) bool {
	id := binary.BigEndian.Uint16(r.active[r.start+LengthSize:])
	bodyLen := r.frameLen - HeaderSize

	factory, ok := r.registry.Resolve(id)
	if !ok {
		r.log.Warn().Err(ErrUnknownPacket).Uint16("id", id).Int("length", r.frameLen).Msg("frame skipped")
		return true
	}

	p := factory()
	view := wrapBuffer(r.active, r.start+HeaderSize, r.start+r.frameLen)
	if err := p.ReadFrom(view, bodyLen); err != nil {
		r.log.Warn().Err(err).Uint16("id", id).Int("length", r.frameLen).Msg("packet decode failed, frame skipped")
		return true
	}

	return emit(p)
}

// advance drops the decoded frame, returning the wait buffer if one was used.
func (r *PacketReader) advance() error {
	if r.wait != nil {
		err := r.releaseWait()
		r.active = r.read.data
		r.start, r.end = 0, 0
		return err
	}

	r.start += r.frameLen
	if r.start == r.end {
		r.start, r.end = 0, 0
	}
	return nil
}

func (r *PacketReader) releaseWait() error {
	if r.wait == nil {
		return nil
	}
	wait := r.wait
	r.wait = nil
	if err := r.pool.Give(wait); err != nil {
		return fmt.Errorf("give wait buffer: %w", err)
	}
	return nil
}
