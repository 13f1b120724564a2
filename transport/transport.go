package transport

import (
	"errors"
	"net/netip"

	"github.com/sirupsen/logrus"
)

// ErrClosed indicates an operation on a closed transport.
var ErrClosed = errors.New("transport closed")

// Datagram is one packet together with its remote address: the source for
// received datagrams, the destination for outgoing ones.
type Datagram struct {
	Addr netip.AddrPort
	Data []byte
}

// Transport defines the interface for datagram transports driven by the
// netcode engines. Implementations must be safe for a reader goroutine and
// the tick loop to use concurrently.
type Transport interface {
	// Send writes one datagram to addr.
	Send(addr netip.AddrPort, data []byte) error

	// Receive returns every datagram queued since the previous call without
	// blocking.
	Receive() []Datagram

	// LocalAddr returns the address the transport is bound to.
	LocalAddr() netip.AddrPort

	// Close shuts down the transport.
	Close() error
}

// SendAll sends every datagram, logging failures. UDP send errors are
// transient and are treated as packet loss.
func SendAll(t Transport, out []Datagram) int {
	sent := 0
	for _, d := range out {
		if err := t.Send(d.Addr, d.Data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SendAll",
				"addr":     d.Addr.String(),
				"size":     len(d.Data),
				"error":    err.Error(),
			}).Debug("Datagram send failed")
			continue
		}
		sent++
	}
	return sent
}

// Normalize unmaps IPv4-in-IPv6 addresses.
func Normalize(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}
