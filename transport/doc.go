// Package transport moves raw datagrams between the netcode engine and the
// network.
//
// The client and server engines never touch sockets. Each tick they take the
// datagrams received since the previous tick and return the datagrams to
// send, so the same engine runs against a real UDP socket, the in-memory
// network in package netsim, or a test harness.
//
// The core abstraction is the Transport interface:
//
//	type Transport interface {
//	    Send(addr netip.AddrPort, data []byte) error
//	    Receive() []Datagram
//	    LocalAddr() netip.AddrPort
//	    Close() error
//	}
//
// # UDP Transport
//
//	t, err := transport.NewUDPTransport("0.0.0.0:40000")
//	defer t.Close()
//	for range ticker.C {
//	    out := server.Update(time.Now(), t.Receive())
//	    transport.SendAll(t, out)
//	}
//
// A reader goroutine drains the socket into a bounded queue; Receive never
// blocks. Datagrams larger than limits.MaxPacketSize are discarded on read,
// and the queue drops new datagrams when full, which the protocol treats as
// ordinary packet loss.
//
// # Addresses
//
// Addresses are netip.AddrPort values normalized with Unmap, so an IPv4
// peer seen through a dual-stack socket compares equal to the address in its
// connect token.
package transport
