package netsim

import (
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/limits"
	"github.com/opd-ai/netcode/transport"
)

// ErrUnknownEndpoint indicates a send from an endpoint that was closed.
var ErrUnknownEndpoint = errors.New("netsim: endpoint not attached")

// Config describes the link behaviour applied to every datagram.
type Config struct {
	// Loss is the probability a datagram is dropped.
	Loss float64
	// Duplicate is the probability a datagram is delivered twice.
	Duplicate float64
	// Latency is the base one-way delay.
	Latency time.Duration
	// Jitter is the upper bound of a random extra delay per datagram.
	Jitter time.Duration
	// Seed makes every run reproducible.
	Seed int64
}

// Stats counts what the network did with the datagrams it was given.
type Stats struct {
	Sent       uint64
	Delivered  uint64
	Dropped    uint64
	Duplicated uint64
	Blocked    uint64
}

type inflight struct {
	deliverAt time.Time
	order     uint64
	from, to  netip.AddrPort
	data      []byte
}

// Network is a simulated datagram network with a manually advanced clock.
type Network struct {
	mu        sync.Mutex
	cfg       Config
	rng       *rand.Rand
	now       time.Time
	order     uint64
	endpoints map[netip.AddrPort]*Endpoint
	blocked   map[netip.AddrPort]bool
	pending   []inflight
	stats     Stats
}

// New creates an empty network.
func New(cfg Config) *Network {
	logrus.WithFields(logrus.Fields{
		"function":  "netsim.New",
		"loss":      cfg.Loss,
		"duplicate": cfg.Duplicate,
		"latency":   cfg.Latency,
		"jitter":    cfg.Jitter,
		"seed":      cfg.Seed,
	}).Debug("Creating simulated network")

	return &Network{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		endpoints: make(map[netip.AddrPort]*Endpoint),
		blocked:   make(map[netip.AddrPort]bool),
	}
}

// Endpoint attaches a new endpoint at addr, replacing any previous one.
func (n *Network) Endpoint(addr netip.AddrPort) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	e := &Endpoint{net: n, addr: transport.Normalize(addr)}
	n.endpoints[e.addr] = e
	return e
}

// SetLoss changes the drop probability for datagrams sent from now on.
func (n *Network) SetLoss(p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg.Loss = p
}

// Block drops every datagram to or from addr until Unblock.
func (n *Network) Block(addr netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[transport.Normalize(addr)] = true
}

// Unblock restores traffic for addr.
func (n *Network) Unblock(addr netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, transport.Normalize(addr))
}

// Stats returns a snapshot of the counters.
func (n *Network) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// InFlight returns how many datagrams are waiting for delivery.
func (n *Network) InFlight() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Advance moves the clock to now and delivers every datagram that is due,
// in delivery-time order. The clock never moves backwards.
func (n *Network) Advance(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if now.After(n.now) {
		n.now = now
	}
	sort.Slice(n.pending, func(i, j int) bool {
		a, b := n.pending[i], n.pending[j]
		if !a.deliverAt.Equal(b.deliverAt) {
			return a.deliverAt.Before(b.deliverAt)
		}
		return a.order < b.order
	})

	due := 0
	for due < len(n.pending) && !n.pending[due].deliverAt.After(n.now) {
		n.deliver(n.pending[due])
		due++
	}
	n.pending = append(n.pending[:0], n.pending[due:]...)
}

func (n *Network) deliver(p inflight) {
	if n.blocked[p.to] || n.blocked[p.from] {
		n.stats.Blocked++
		return
	}
	e, ok := n.endpoints[p.to]
	if !ok {
		n.stats.Dropped++
		return
	}
	e.queue = append(e.queue, transport.Datagram{Addr: p.from, Data: p.data})
	n.stats.Delivered++
}

func (n *Network) send(from, to netip.AddrPort, data []byte) error {
	if err := limits.ValidateDatagram(data); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.endpoints[from]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, from)
	}
	n.stats.Sent++
	if n.blocked[from] || n.blocked[to] {
		n.stats.Blocked++
		return nil
	}
	if n.rng.Float64() < n.cfg.Loss {
		n.stats.Dropped++
		return nil
	}

	copies := 1
	if n.rng.Float64() < n.cfg.Duplicate {
		copies = 2
		n.stats.Duplicated++
	}
	for i := 0; i < copies; i++ {
		n.order++
		n.pending = append(n.pending, inflight{
			deliverAt: n.now.Add(n.delay()),
			order:     n.order,
			from:      from,
			to:        transport.Normalize(to),
			data:      append([]byte(nil), data...),
		})
	}
	return nil
}

func (n *Network) delay() time.Duration {
	d := n.cfg.Latency
	if n.cfg.Jitter > 0 {
		d += time.Duration(n.rng.Int63n(int64(n.cfg.Jitter) + 1))
	}
	return d
}

func (n *Network) detach(addr netip.AddrPort, e *Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[addr] == e {
		delete(n.endpoints, addr)
	}
}

// Endpoint is one attached address. It implements transport.Transport.
type Endpoint struct {
	net   *Network
	addr  netip.AddrPort
	queue []transport.Datagram
}

var _ transport.Transport = (*Endpoint)(nil)

// Send queues data for delivery to addr.
func (e *Endpoint) Send(addr netip.AddrPort, data []byte) error {
	return e.net.send(e.addr, addr, data)
}

// Receive returns the datagrams delivered since the previous call.
func (e *Endpoint) Receive() []transport.Datagram {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	out := e.queue
	e.queue = nil
	return out
}

// LocalAddr returns the endpoint address.
func (e *Endpoint) LocalAddr() netip.AddrPort {
	return e.addr
}

// Close detaches the endpoint; datagrams addressed to it are dropped.
func (e *Endpoint) Close() error {
	e.net.detach(e.addr, e)
	return nil
}
