package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/limits"
)

const (
	// DefaultQueueSize bounds datagrams waiting for the next Receive call.
	DefaultQueueSize = 4096

	readBufferSize = 2048
	readDeadline   = 100 * time.Millisecond
)

// UDPTransport implements Transport over a UDP socket.
type UDPTransport struct {
	conn      *net.UDPConn
	localAddr netip.AddrPort
	queue     chan Datagram

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	dropped uint64
}

// NewUDPTransport creates a UDP transport listening on listenAddr.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	return NewUDPTransportWithQueue(listenAddr, DefaultQueueSize)
}

// NewUDPTransportWithQueue creates a UDP transport with a custom receive queue size.
func NewUDPTransportWithQueue(listenAddr string, queueSize int) (*UDPTransport, error) {
	if queueSize <= 0 {
		return nil, fmt.Errorf("queue size must be positive, got %d", queueSize)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:      conn,
		localAddr: Normalize(conn.LocalAddr().(*net.UDPAddr).AddrPort()),
		queue:     make(chan Datagram, queueSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPTransport",
		"addr":     t.localAddr.String(),
	}).Info("UDP transport listening")

	t.wg.Add(1)
	go t.processPackets()
	return t, nil
}

// Send writes one datagram to addr.
func (t *UDPTransport) Send(addr netip.AddrPort, data []byte) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	if err := limits.ValidateDatagram(data); err != nil {
		return err
	}
	_, err := t.conn.WriteToUDPAddrPort(data, addr)
	return err
}

// Receive returns every datagram queued since the previous call.
func (t *UDPTransport) Receive() []Datagram {
	var out []Datagram
	for {
		select {
		case d := <-t.queue:
			out = append(out, d)
		default:
			return out
		}
	}
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return t.localAddr
}

// Dropped returns how many datagrams were discarded because the queue was full.
func (t *UDPTransport) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Close shuts down the transport and waits for the reader goroutine.
func (t *UDPTransport) Close() error {
	if t.ctx.Err() != nil {
		return nil
	}
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// processPackets reads datagrams until the transport is closed.
func (t *UDPTransport) processPackets() {
	defer t.wg.Done()
	buffer := make([]byte, readBufferSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads a single datagram and queues a copy.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	_ = t.conn.SetReadDeadline(time.Now().Add(readDeadline))

	n, addr, err := t.conn.ReadFromUDPAddrPort(buffer)
	if err != nil {
		t.handleReadError(err)
		return
	}
	if n > limits.MaxPacketSize {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingPacket",
			"addr":     addr.String(),
			"size":     n,
		}).Debug("Discarding oversized datagram")
		return
	}

	d := Datagram{Addr: Normalize(addr), Data: append([]byte(nil), buffer[:n]...)}
	select {
	case t.queue <- d:
	default:
		t.mu.Lock()
		t.dropped++
		t.mu.Unlock()
	}
}

// handleReadError logs unexpected read errors; deadlines are routine.
func (t *UDPTransport) handleReadError(err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleReadError",
		"error":    err.Error(),
	}).Warn("UDP read failed")
}
