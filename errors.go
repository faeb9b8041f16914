package packnet

import "errors"

var (
	// ErrResourceExhausted indicates a buffer role reached its MaxBuffers cap.
	ErrResourceExhausted = errors.New("buffer pool exhausted")

	// ErrPoolClosed indicates the buffer pool was released.
	ErrPoolClosed = errors.New("buffer pool is closed")

	// ErrBufferOverflow indicates a read or write past the buffer bounds.
	ErrBufferOverflow = errors.New("buffer overflow")

	// ErrBufferNotLeased indicates a buffer was given back without being taken.
	ErrBufferNotLeased = errors.New("buffer is not leased")

	// ErrDuplicateID indicates a packet id is already registered.
	ErrDuplicateID = errors.New("duplicate packet id")

	// ErrUnknownPacket indicates a frame carried an unregistered packet id.
	ErrUnknownPacket = errors.New("unknown packet id")

	// ErrMalformedFrame indicates a length prefix the reader cannot honor.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFrameTooLarge indicates a packet that does not fit a 16-bit frame.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrConnectFailed indicates an outbound connection could not be established.
	ErrConnectFailed = errors.New("connect failed")

	// ErrBindFailed indicates the server could not listen on its address.
	ErrBindFailed = errors.New("bind failed")

	// ErrConnectionClosed indicates an operation on a closing or closed connection.
	ErrConnectionClosed = errors.New("connection is closed")

	// ErrNetworkClosed indicates an operation on a network after shutdown.
	ErrNetworkClosed = errors.New("network is closed")
)
