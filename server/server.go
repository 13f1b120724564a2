package server

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/config"
	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/packet"
	"github.com/opd-ai/netcode/session"
	"github.com/opd-ai/netcode/transport"
)

// ErrClientNotFound indicates a client id that is not connected.
var ErrClientNotFound = errors.New("client not connected")

// nonceCleanupInterval paces expiry of consumed token nonces.
const nonceCleanupInterval = time.Second

// SlotState is the lifecycle of one entry in the connection table.
type SlotState uint8

const (
	AwaitingRequest SlotState = iota
	// AwaitingResponse handshakes live in the pending map until they win a slot.
	AwaitingResponse
	Connected
	Disconnected
)

func (s SlotState) String() string {
	switch s {
	case AwaitingRequest:
		return "AwaitingRequest"
	case AwaitingResponse:
		return "AwaitingResponse"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("SlotState(%d)", uint8(s))
	}
}

// EventKind distinguishes connection events.
type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event reports a client joining or leaving.
type Event struct {
	Kind     EventKind
	ClientID uint64
	// Reason is set for EventDisconnected.
	Reason session.DisconnectReason
}

// pendingClient is a handshake in the AwaitingResponse state.
type pendingClient struct {
	addr      netip.AddrPort
	clientID  uint64
	nonce     crypto.TokenNonce
	conn      *session.Connection
	challenge packet.Challenge
	createdAt time.Time
	expiresAt time.Time
}

type clientSlot struct {
	state       SlotState
	clientID    uint64
	addr        netip.AddrPort
	userData    crypto.UserData
	conn        *session.Connection
	connectedAt time.Time
}

// Server is the connection table. It is not safe for concurrent use.
type Server struct {
	cfg  config.Config
	addr netip.AddrPort
	auth *crypto.Authenticator

	slots      []clientSlot
	free       []int
	byAddr     map[netip.AddrPort]int
	byID       map[uint64]int
	pending    map[netip.AddrPort]*pendingClient
	quarantine map[uint64]time.Time

	nonces           *crypto.TokenNonceStore
	lastNonceCleanup time.Time

	queued   []Event
	events   []Event
	outgoing []transport.Datagram
}

// Option customizes a Server.
type Option func(*Server)

// WithNonceStore shares a token nonce store, typically one restored from
// disk so replay protection survives restarts.
func WithNonceStore(store *crypto.TokenNonceStore) Option {
	return func(s *Server) {
		s.nonces = store
	}
}

// New creates a server reachable by clients at addr. addr must appear in the
// connect tokens the server accepts.
func New(cfg config.Config, addr netip.AddrPort, privateKey crypto.Key, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	if !addr.IsValid() {
		return nil, fmt.Errorf("invalid server address %v", addr)
	}
	addr = transport.Normalize(addr)

	s := &Server{
		cfg:        cfg,
		addr:       addr,
		slots:      make([]clientSlot, cfg.MaxClients),
		free:       make([]int, 0, cfg.MaxClients),
		byAddr:     make(map[netip.AddrPort]int, cfg.MaxClients),
		byID:       make(map[uint64]int, cfg.MaxClients),
		pending:    make(map[netip.AddrPort]*pendingClient),
		quarantine: make(map[uint64]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := cfg.MaxClients - 1; i >= 0; i-- {
		s.free = append(s.free, i)
	}

	auth, err := crypto.NewAuthenticator(cfg.ProtocolID, addr, privateKey, s.nonces)
	if err != nil {
		return nil, err
	}
	s.auth = auth

	logrus.WithFields(logrus.Fields{
		"function":    "server.New",
		"addr":        addr.String(),
		"max_clients": cfg.MaxClients,
		"protocol_id": fmt.Sprintf("%#x", cfg.ProtocolID),
	}).Info("Server created")
	return s, nil
}
