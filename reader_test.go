package packnet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	rawID     uint16 = 2
	brokenID  uint16 = 3
	unknownID uint16 = 9
)

type brokenPacket struct{}

func (brokenPacket) ReadFrom(*Buffer, int) error { return errors.New("broken body") }

func testRegistry() *PacketRegistry {
	r := DefaultRegistry()
	r.MustRegister(rawID, RawFactory(rawID))
	r.MustRegister(brokenID, func() ReadablePacket { return brokenPacket{} })
	return r
}

func frames(t *testing.T, packets ...WritablePacket) []byte {
	t.Helper()

	var out []byte
	for _, p := range packets {
		f, err := EncodeFrame(p)
		require.NoError(t, err)
		out = append(out, f...)
	}
	return out
}

// readAll runs a reader over src and collects every packet it emits.
func readAll(t *testing.T, src io.Reader, cfg NetworkConfig) ([]ReadablePacket, *BufferPool, error) {
	t.Helper()

	pool := testPool(cfg)
	read, err := pool.Take(ReadRole)
	require.NoError(t, err)
	defer func() { require.NoError(t, pool.Give(read)) }()

	var got []ReadablePacket
	r := NewPacketReader(src, read, pool, testRegistry(), cfg)
	err = r.Run(func(p ReadablePacket) bool {
		got = append(got, p)
		return true
	})

	return got, pool, err
}

func texts(t *testing.T, packets []ReadablePacket) []string {
	t.Helper()

	out := make([]string, 0, len(packets))
	for _, p := range packets {
		s, ok := p.(*StringPacket)
		require.Truef(t, ok, "unexpected packet %T", p)
		out = append(out, s.Data)
	}
	return out
}

func TestReaderOneByteAtATime(t *testing.T) {
	data := frames(t, NewStringPacket("Hello"), NewStringPacket(""), NewStringPacket("wörld"))

	got, _, err := readAll(t, iotest.OneByteReader(bytes.NewReader(data)), NetworkConfig{})
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []string{"Hello", "", "wörld"}, texts(t, got))
}

func TestReaderManyFramesPerRead(t *testing.T) {
	var (
		packets []WritablePacket
		want    []string
	)
	for i := range 50 {
		s := string(rune('a' + i%26))
		packets = append(packets, NewStringPacket(s))
		want = append(want, s)
	}

	got, _, err := readAll(t, bytes.NewReader(frames(t, packets...)), NetworkConfig{})
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, want, texts(t, got))
}

func TestReaderCompactsPartialFrame(t *testing.T) {
	// 10 byte frames against a 16 byte read buffer: every second frame
	// straddles the end of the buffer.
	var (
		packets []WritablePacket
		want    []string
	)
	for i := range 10 {
		s := "pkt" + string(rune('0'+i)) + "xx"
		packets = append(packets, NewStringPacket(s))
		want = append(want, s)
	}

	cfg := NetworkConfig{ReadBufferSize: 16, WaitBufferSize: 64}
	got, pool, err := readAll(t, bytes.NewReader(frames(t, packets...)), cfg)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, want, texts(t, got))
	require.Equal(t, int64(0), pool.Stats()[WaitRole].Allocated, "fitting frames never use a wait buffer")
}

func TestReaderWaitBuffer(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789"), 20)
	data := frames(t,
		NewStringPacket("before"),
		&RawPacket{PacketID: rawID, Body: body},
		NewStringPacket("after"),
	)

	cfg := NetworkConfig{ReadBufferSize: 16, WaitBufferSize: 256}
	for name, src := range map[string]io.Reader{
		"whole":    bytes.NewReader(data),
		"one-byte": iotest.OneByteReader(bytes.NewReader(data)),
		"half":     iotest.HalfReader(bytes.NewReader(data)),
	} {
		t.Run(name, func(t *testing.T) {
			got, pool, err := readAll(t, src, cfg)
			require.ErrorIs(t, err, io.EOF)
			require.Len(t, got, 3)

			require.Equal(t, "before", got[0].(*StringPacket).Data)
			raw, ok := got[1].(*RawPacket)
			require.True(t, ok)
			require.Equal(t, rawID, raw.PacketID)
			require.Equal(t, body, raw.Body)
			require.Equal(t, "after", got[2].(*StringPacket).Data)

			stats := pool.Stats()[WaitRole]
			require.Equal(t, int64(1), stats.Allocated)
			require.Equal(t, int64(0), stats.InUse, "wait buffer returned after the frame")
		})
	}
}

func TestReaderMalformedLength(t *testing.T) {
	cfg := NetworkConfig{ReadBufferSize: 16, WaitBufferSize: 64}

	t.Run("below header", func(t *testing.T) {
		_, _, err := readAll(t, bytes.NewReader([]byte{0x00, 0x03, 0x00, 0x01}), cfg)
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("above wait size", func(t *testing.T) {
		head := make([]byte, HeaderSize)
		binary.BigEndian.PutUint16(head, 100)
		binary.BigEndian.PutUint16(head[LengthSize:], StringPacketID)

		_, pool, err := readAll(t, bytes.NewReader(head), cfg)
		require.ErrorIs(t, err, ErrMalformedFrame)
		require.Equal(t, int64(0), pool.Stats()[WaitRole].Allocated)
	})

	t.Run("no wait buffer", func(t *testing.T) {
		cfg := cfg
		cfg.MaxBuffers = 1
		cfg.WaitBufferRetries = 2
		cfg.RetryDelay = time.Millisecond

		pool := testPool(cfg)
		held, err := pool.Take(WaitRole)
		require.NoError(t, err)
		read, err := pool.Take(ReadRole)
		require.NoError(t, err)

		data := frames(t, &RawPacket{PacketID: rawID, Body: make([]byte, 40)})
		r := NewPacketReader(bytes.NewReader(data), read, pool, testRegistry(), cfg)
		err = r.Run(func(ReadablePacket) bool { return true })
		require.ErrorIs(t, err, ErrMalformedFrame)
		require.ErrorIs(t, err, ErrResourceExhausted)
		require.Equal(t, int64(2), pool.Stats()[WaitRole].Exhausted)

		require.NoError(t, pool.Give(held))
		require.NoError(t, pool.Give(read))
	})
}

func TestReaderSkipsUndecodableFrames(t *testing.T) {
	data := frames(t,
		&RawPacket{PacketID: unknownID, Body: []byte("nobody knows me")},
		NewStringPacket("one"),
		&RawPacket{PacketID: brokenID, Body: []byte("garbage")},
		&RawPacket{PacketID: StringPacketID, Body: []byte{0xff, 0xfe}},
		NewStringPacket("two"),
	)

	got, _, err := readAll(t, iotest.HalfReader(bytes.NewReader(data)), NetworkConfig{ReadBufferSize: 16})
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []string{"one", "two"}, texts(t, got), "stream stays aligned after skipped frames")
}

func TestReaderEndOfStream(t *testing.T) {
	full := frames(t, NewStringPacket("complete"))

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, io.EOF},
		{"after frame", full, io.EOF},
		{"inside prefix", full[:1], io.ErrUnexpectedEOF},
		{"inside header", full[:3], io.ErrUnexpectedEOF},
		{"inside body", full[:len(full)-1], io.ErrUnexpectedEOF},
		{"inside second frame", append(append([]byte{}, full...), full[:5]...), io.ErrUnexpectedEOF},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, _, err := readAll(t, bytes.NewReader(c.data), NetworkConfig{})
			require.ErrorIs(t, err, c.want)
			if c.want == io.EOF {
				require.NotErrorIs(t, err, io.ErrUnexpectedEOF)
			}
		})
	}
}

type stalledReader struct{}

func (stalledReader) Read([]byte) (int, error) { return 0, nil }

func TestReaderNoProgress(t *testing.T) {
	_, _, err := readAll(t, stalledReader{}, NetworkConfig{})
	require.ErrorIs(t, err, io.ErrNoProgress)
}

func TestReaderEmitStops(t *testing.T) {
	data := frames(t, NewStringPacket("a"), NewStringPacket("b"), NewStringPacket("c"))

	pool := testPool(NetworkConfig{})
	read, err := pool.Take(ReadRole)
	require.NoError(t, err)

	var got []ReadablePacket
	r := NewPacketReader(bytes.NewReader(data), read, pool, testRegistry(), NetworkConfig{})
	err = r.Run(func(p ReadablePacket) bool {
		got = append(got, p)
		return len(got) < 2
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, texts(t, got))
	require.NoError(t, pool.Give(read))
}

type deadlineReader struct {
	io.Reader
	calls int
}

func (d *deadlineReader) SetReadDeadline(time.Time) error {
	d.calls++
	return nil
}

func TestReaderReadDeadline(t *testing.T) {
	data := frames(t, NewStringPacket("x"))

	src := &deadlineReader{Reader: bytes.NewReader(data)}
	_, _, err := readAll(t, src, NetworkConfig{})
	require.ErrorIs(t, err, io.EOF)
	require.Zero(t, src.calls, "no deadline without a read timeout")

	src = &deadlineReader{Reader: iotest.OneByteReader(bytes.NewReader(data))}
	_, _, err = readAll(t, src, NetworkConfig{ReadTimeout: time.Second})
	require.ErrorIs(t, err, io.EOF)
	require.Greater(t, src.calls, 1, "deadline refreshed before every read")
}

// chunkReader returns at most n bytes per Read.
type chunkReader struct {
	r io.Reader
	n int
}

func (c chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.n {
		p = p[:c.n]
	}
	return c.r.Read(p)
}

func FuzzReaderRoundTrip(f *testing.F) {
	f.Add([]byte("Hello"), uint8(1))
	f.Add([]byte{}, uint8(7))
	f.Add(bytes.Repeat([]byte{0xaa}, 300), uint8(13))

	cfg := NetworkConfig{ReadBufferSize: 32, WriteBufferSize: 32, WaitBufferSize: 4096}

	f.Fuzz(func(t *testing.T, payload []byte, chunk uint8) {
		if len(payload) > cfg.WaitBufferSize-HeaderSize {
			t.Skip()
		}

		// The payload twice plus a marker frame, so misalignment shows up.
		var stream bytes.Buffer
		pool := testPool(cfg)
		wbuf, err := pool.Take(WriteRole)
		require.NoError(t, err)
		w := NewPacketWriter(&stream, wbuf, cfg)
		for _, p := range []WritablePacket{
			&RawPacket{PacketID: rawID, Body: payload},
			&RawPacket{PacketID: rawID, Body: payload},
			NewStringPacket("end"),
		} {
			require.NoError(t, w.WritePacket(p))
		}
		require.NoError(t, pool.Give(wbuf))

		src := chunkReader{r: &stream, n: int(chunk%64) + 1}
		got, rpool, err := readAll(t, src, cfg)
		require.ErrorIs(t, err, io.EOF)
		require.Len(t, got, 3)
		for _, p := range got[:2] {
			raw := p.(*RawPacket)
			require.Equal(t, rawID, raw.PacketID)
			require.True(t, bytes.Equal(payload, raw.Body))
		}
		require.Equal(t, "end", got[2].(*StringPacket).Data)
		require.Equal(t, int64(0), rpool.Stats()[WaitRole].InUse)
	})
}
