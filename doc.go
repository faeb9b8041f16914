// Package packnet provides asynchronous, framed packet delivery over TCP and
// TLS, with pooled buffers shared by every connection of a network.
//
// Features:
//   - Framing: every frame is a 2-byte big-endian length that counts the whole
//     frame, a 2-byte big-endian packet id and the body. PacketReader and
//     PacketWriter frame a stream; ReadFrame and WriteFrame do the same for
//     simple blocking peers.
//   - Packet registry: PacketRegistry maps ids to factories. Frames with an
//     unknown id are skipped and the connection survives.
//   - Buffer pool: BufferPool keeps read, write and wait buffers per role. A
//     frame larger than the read buffer is assembled in a wait buffer that is
//     returned right after the frame is decoded.
//   - Connections: Connection runs one reader and one writer goroutine.
//     Send never blocks; inbound packets arrive on Received in wire order.
//   - Networks: the server and client sub-packages build on Network, which
//     owns the pool, the registry and the live connections.
//
// Basic Server Example:
//
//	srv, err := server.New(packnet.NetworkConfig{}, nil)
//	if err != nil {
//	    // handle error
//	}
//	if err := srv.Bind("127.0.0.1:9000"); err != nil {
//	    // handle error
//	}
//	srv.Start()
//	defer srv.Shutdown()
//	go srv.Serve(ctx, server.HandlerFunc(func(c *packnet.Connection, p packnet.ReadablePacket) (packnet.WritablePacket, error) {
//	    return packnet.NewStringPacket("Echo: " + p.(*packnet.StringPacket).Data), nil
//	}))
//
// Basic Client Example:
//
//	cli, err := client.New(packnet.NetworkConfig{}, nil)
//	if err != nil {
//	    // handle error
//	}
//	defer cli.Shutdown()
//	conn, err := cli.Connect(ctx, "127.0.0.1:9000")
//	if err != nil {
//	    // handle error
//	}
//	conn.Send(packnet.NewStringPacket("Hello"))
//	ev := <-conn.Received()
package packnet
