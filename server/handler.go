package server

import "github.com/andrei-cloud/packnet"

// Handler processes one inbound packet and returns an optional reply.
type Handler interface {
	HandlePacket(conn *packnet.Connection, p packnet.ReadablePacket) (packnet.WritablePacket, error)
}

// HandlerFunc is an adapter to allow the use of ordinary functions as Handlers.
type HandlerFunc func(conn *packnet.Connection, p packnet.ReadablePacket) (packnet.WritablePacket, error)

// HandlePacket calls f with the connection and packet.
func (f HandlerFunc) HandlePacket(c *packnet.Connection, p packnet.ReadablePacket) (packnet.WritablePacket, error) {
	return f(c, p)
}
