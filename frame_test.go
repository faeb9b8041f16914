package packnet_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/packnet"
)

// TestFrame verifies the blocking frame helpers against a live echo peer.
func TestFrame(t *testing.T) {
	t.Parallel()

	addr, stop, err := StartTestServer()
	require.NoError(t, err)
	defer stop()

	t.Run("Write and Read", func(t *testing.T) {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetDeadline(time.Now().Add(time.Second)))

		err = packnet.WriteFrame(conn, packnet.NewStringPacket("hello frame"))
		require.NoError(t, err)

		id, body, err := packnet.ReadFrame(conn)
		require.NoError(t, err)
		require.Equal(t, packnet.StringPacketID, id)
		require.Equal(t, "hello frame", string(body))
	})

	t.Run("Write Error (Closed Conn)", func(t *testing.T) {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		require.NoError(t, err)
		require.NoError(t, conn.Close())

		err = packnet.WriteFrame(conn, packnet.NewStringPacket("write error"))
		require.Error(t, err)
	})

	t.Run("Read Error (Closed Conn)", func(t *testing.T) {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		require.NoError(t, err)
		require.NoError(t, conn.Close())

		_, _, err = packnet.ReadFrame(conn)
		require.Error(t, err)
	})

	t.Run("Maximum Frame Size", func(t *testing.T) {
		body := make([]byte, packnet.MaxBodySize+1)
		_, err := packnet.EncodeFrame(&packnet.RawPacket{PacketID: 7, Body: body})
		require.ErrorIs(t, err, packnet.ErrFrameTooLarge)
	})
}

func TestEncodeFrameLayout(t *testing.T) {
	frame, err := packnet.EncodeFrame(packnet.NewStringPacket("Hello"))
	require.NoError(t, err)

	require.Len(t, frame, packnet.HeaderSize+5)
	require.Equal(t, uint16(len(frame)), binary.BigEndian.Uint16(frame[0:2]), "length counts the whole frame")
	require.Equal(t, packnet.StringPacketID, binary.BigEndian.Uint16(frame[2:4]))
	require.Equal(t, "Hello", string(frame[4:]))

	body := make([]byte, packnet.MaxBodySize)
	frame, err = packnet.EncodeFrame(&packnet.RawPacket{PacketID: 9, Body: body})
	require.NoError(t, err)
	require.Len(t, frame, packnet.MaxFrameSize)
	require.Equal(t, uint16(packnet.MaxFrameSize), binary.BigEndian.Uint16(frame[0:2]))
}

func TestReadFrameErrors(t *testing.T) {
	cases := []struct {
		name  string
		input []byte
		err   error
	}{
		{name: "empty stream", input: nil, err: io.EOF},
		{name: "partial prefix", input: []byte{0x00}, err: io.ErrUnexpectedEOF},
		{name: "length below header", input: []byte{0x00, 0x03, 0x00}, err: packnet.ErrMalformedFrame},
		{name: "truncated body", input: []byte{0x00, 0x08, 0x00, 0x01, 'a'}, err: io.ErrUnexpectedEOF},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := packnet.ReadFrame(bytes.NewReader(tc.input))
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestReadFrameSequence(t *testing.T) {
	var stream bytes.Buffer
	words := []string{"alpha", "", "gamma", strings.Repeat("x", 3000)}
	for _, w := range words {
		require.NoError(t, packnet.WriteFrame(&stream, packnet.NewStringPacket(w)))
	}

	for _, w := range words {
		id, body, err := packnet.ReadFrame(&stream)
		require.NoError(t, err)
		require.Equal(t, packnet.StringPacketID, id)
		require.Equal(t, w, string(body))
	}

	_, _, err := packnet.ReadFrame(&stream)
	require.ErrorIs(t, err, io.EOF)
}
