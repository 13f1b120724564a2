package client

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/channel"
	"github.com/opd-ai/netcode/config"
	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/packet"
	"github.com/opd-ai/netcode/session"
	"github.com/opd-ai/netcode/transport"
)

var (
	// ErrNotConnected indicates an operation that needs an established session
	ErrNotConnected = errors.New("client not connected")

	// ErrAlreadyConnecting indicates Connect on a client that is not disconnected
	ErrAlreadyConnecting = errors.New("client is already connecting or connected")

	// ErrProtocolMismatch indicates a token issued for a different protocol id
	ErrProtocolMismatch = errors.New("connect token protocol id mismatch")
)

// State is the lifecycle state of a Client.
type State uint8

const (
	StateDisconnected State = iota
	StateSendingConnectionRequest
	StateSendingChallengeResponse
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateSendingConnectionRequest:
		return "SendingConnectionRequest"
	case StateSendingChallengeResponse:
		return "SendingChallengeResponse"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Client is one connection attempt or session with a server. It is not safe
// for concurrent use.
type Client struct {
	cfg    config.Config
	state  State
	reason session.DisconnectReason

	token        *crypto.ConnectToken
	serverIndex  int
	serverAddr   netip.AddrPort
	attemptStart time.Time
	lastRequest  time.Time

	conn      *session.Connection
	challenge *packet.ChallengeResponse

	clientIndex uint32
	maxClients  uint32

	outgoing []transport.Datagram
}

// New creates a disconnected client.
func New(cfg config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}
	return &Client{cfg: cfg}, nil
}

// Connect starts a handshake with the first server in token. Token problems
// that can be detected locally fail immediately and are kept as the
// disconnect reason.
func (c *Client) Connect(token *crypto.ConnectToken, now time.Time) error {
	if c.state != StateDisconnected {
		return ErrAlreadyConnecting
	}
	if token == nil || len(token.ServerAddresses) == 0 {
		c.reason = session.ReasonTokenInvalid
		return fmt.Errorf("%w: no server addresses", crypto.ErrTokenMalformed)
	}
	if token.ProtocolID != c.cfg.ProtocolID {
		c.reason = session.ReasonTokenInvalid
		return fmt.Errorf("%w: token %#x, configured %#x", ErrProtocolMismatch, token.ProtocolID, c.cfg.ProtocolID)
	}
	if c.tokenExpired(token, now) {
		c.reason = session.ReasonTokenExpired
		return fmt.Errorf("%w: expired at %s", crypto.ErrTokenExpired, token.ExpireTime().UTC().Format(time.RFC3339))
	}

	c.token = token
	c.serverIndex = 0
	c.reason = session.ReasonNone
	return c.startAttempt(now)
}

func (c *Client) tokenExpired(token *crypto.ConnectToken, now time.Time) bool {
	return now.Unix() >= int64(token.Sealed.ExpireTimestamp)
}

// startAttempt begins the handshake with the current server address.
func (c *Client) startAttempt(now time.Time) error {
	addr := transport.Normalize(c.token.ServerAddresses[c.serverIndex])
	c2s, s2c, err := crypto.DeriveSessionKeys(c.token.SessionKey, c.token.Sealed.Nonce, addr)
	if err != nil {
		c.finish(session.ReasonTokenInvalid)
		return err
	}
	conn, err := session.New(session.Params{
		ProtocolID:        c.cfg.ProtocolID,
		SendKey:           c2s,
		RecvKey:           s2c,
		Channels:          c.cfg.Channels,
		Options:           c.cfg.MultiplexerOptions(),
		Timeout:           session.TimeoutFromSeconds(c.token.TimeoutSeconds),
		KeepAliveInterval: c.cfg.KeepAliveInterval,
	}, now)
	crypto.WipeKey(&c2s)
	crypto.WipeKey(&s2c)
	if err != nil {
		c.finish(session.ReasonTokenInvalid)
		return err
	}

	if c.conn != nil {
		c.conn.Close()
	}
	c.serverAddr = addr
	c.conn = conn
	c.challenge = nil
	c.attemptStart = now
	c.lastRequest = time.Time{}
	c.state = StateSendingConnectionRequest

	logrus.WithFields(logrus.Fields{
		"function": "Client.startAttempt",
		"server":   addr.String(),
		"attempt":  c.serverIndex + 1,
		"servers":  len(c.token.ServerAddresses),
	}).Info("Sending connection requests")
	return nil
}

// nextServer abandons the current server and tries the next one, or ends the
// handshake with reason after the last.
func (c *Client) nextServer(now time.Time, reason session.DisconnectReason) {
	logrus.WithFields(logrus.Fields{
		"function": "Client.nextServer",
		"server":   c.serverAddr.String(),
		"reason":   reason.String(),
	}).Info("Server did not accept connection")

	c.serverIndex++
	if c.serverIndex >= len(c.token.ServerAddresses) {
		c.finish(reason)
		return
	}
	if err := c.startAttempt(now); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.nextServer",
			"error":    err.Error(),
		}).Warn("Failed to start next connection attempt")
	}
}

// finish moves to Disconnected and releases the session.
func (c *Client) finish(reason session.DisconnectReason) {
	if c.state != StateDisconnected {
		logrus.WithFields(logrus.Fields{
			"function": "Client.finish",
			"server":   c.serverAddr.String(),
			"from":     c.state.String(),
			"reason":   reason.String(),
		}).Info("Client disconnected")
	}
	c.state = StateDisconnected
	c.reason = reason
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.challenge = nil
}

// Update processes incoming datagrams, advances timers and returns the
// datagrams to send.
func (c *Client) Update(now time.Time, incoming []transport.Datagram) []transport.Datagram {
	c.outgoing = nil
	if c.state == StateDisconnected {
		return nil
	}

	for _, d := range incoming {
		c.processDatagram(d, now)
		if c.state == StateDisconnected {
			return c.takeOutgoing()
		}
	}

	switch c.state {
	case StateSendingConnectionRequest, StateSendingChallengeResponse:
		c.updateHandshake(now)
	case StateConnected:
		c.updateConnected(now)
	}
	return c.takeOutgoing()
}

func (c *Client) takeOutgoing() []transport.Datagram {
	out := c.outgoing
	c.outgoing = nil
	return out
}

func (c *Client) send(data []byte) {
	c.outgoing = append(c.outgoing, transport.Datagram{Addr: c.serverAddr, Data: data})
}

func (c *Client) updateHandshake(now time.Time) {
	if c.tokenExpired(c.token, now) {
		c.finish(session.ReasonTokenExpired)
		return
	}
	if now.Sub(c.attemptStart) > c.cfg.HandshakeTimeout {
		c.nextServer(now, session.ReasonHandshakeTimeout)
		if c.state == StateDisconnected {
			return
		}
	}
	if !c.lastRequest.IsZero() && now.Sub(c.lastRequest) < c.cfg.RequestResendInterval {
		return
	}
	c.lastRequest = now

	if c.state == StateSendingConnectionRequest {
		req := &packet.ConnectionRequest{VersionInfo: c.token.VersionInfo, Token: c.token.Sealed}
		data, err := packet.Encode(req, c.cfg.ProtocolID, 0, nil)
		if err != nil {
			c.finish(session.ReasonTokenInvalid)
			return
		}
		c.send(data)
		return
	}

	data, err := c.conn.Seal(c.challenge, now)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.updateHandshake",
			"error":    err.Error(),
		}).Error("Failed to seal challenge response")
		return
	}
	c.send(data)
}

func (c *Client) updateConnected(now time.Time) {
	c.conn.Update(now)
	if c.conn.TimedOut(now) {
		c.finish(session.ReasonTimeout)
		return
	}

	for _, data := range c.conn.Packets(now) {
		c.send(data)
	}
	if c.conn.KeepAliveDue(now) {
		c.sendSession(&packet.KeepAlive{ClientIndex: c.clientIndex, MaxClients: c.maxClients}, now)
	}
}

func (c *Client) sendSession(p packet.Packet, now time.Time) {
	data, err := c.conn.Seal(p, now)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.sendSession",
			"kind":     p.Kind().String(),
			"error":    err.Error(),
		}).Error("Failed to seal packet")
		return
	}
	c.send(data)
}

func (c *Client) processDatagram(d transport.Datagram, now time.Time) {
	if transport.Normalize(d.Addr) != c.serverAddr {
		logrus.WithFields(logrus.Fields{
			"function": "Client.processDatagram",
			"from":     d.Addr.String(),
		}).Debug("Discarding datagram from unexpected address")
		return
	}

	h, err := packet.ParseHeader(d.Data, c.cfg.ProtocolID)
	if err != nil {
		c.discard(d, err)
		return
	}

	switch h.Kind {
	case packet.KindConnectionDenied:
		c.processDenied(d, h, now)
	case packet.KindChallenge:
		c.processChallenge(d, h, now)
	case packet.KindKeepAlive, packet.KindPayload, packet.KindDisconnect:
		c.processSession(d, h, now)
	default:
		c.discard(d, fmt.Errorf("unexpected %v", h.Kind))
	}
}

func (c *Client) discard(d transport.Datagram, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "Client.discard",
		"from":     d.Addr.String(),
		"size":     len(d.Data),
		"state":    c.state.String(),
		"error":    err.Error(),
	}).Debug("Discarding packet")
}

func (c *Client) processDenied(d transport.Datagram, h packet.Header, now time.Time) {
	if c.state != StateSendingConnectionRequest && c.state != StateSendingChallengeResponse {
		return
	}
	p, err := packet.DecodeWithHeader(d.Data, h, c.cfg.ProtocolID, nil)
	if err != nil {
		c.discard(d, err)
		return
	}
	reason := session.ReasonServerFull
	if p.(*packet.ConnectionDenied).Reason == packet.DenyQuarantined {
		reason = session.ReasonQuarantined
	}
	c.nextServer(now, reason)
}

func (c *Client) processChallenge(d transport.Datagram, h packet.Header, now time.Time) {
	if c.state != StateSendingConnectionRequest {
		return
	}
	p, err := packet.DecodeWithHeader(d.Data, h, c.cfg.ProtocolID, nil)
	if err != nil {
		c.discard(d, err)
		return
	}
	ch := p.(*packet.Challenge)
	c.challenge = &packet.ChallengeResponse{Sequence: ch.Sequence, Token: ch.Token}
	c.state = StateSendingChallengeResponse
	c.lastRequest = time.Time{}

	logrus.WithFields(logrus.Fields{
		"function": "Client.processChallenge",
		"server":   c.serverAddr.String(),
	}).Info("Received challenge, sending responses")
}

func (c *Client) processSession(d transport.Datagram, h packet.Header, now time.Time) {
	if c.state != StateSendingChallengeResponse && c.state != StateConnected {
		return
	}
	p, err := c.conn.Open(d.Data, h, now)
	if err != nil {
		c.discard(d, err)
		return
	}

	switch p := p.(type) {
	case *packet.KeepAlive:
		c.clientIndex = p.ClientIndex
		c.maxClients = p.MaxClients
		c.establish()
	case *packet.Payload:
		c.establish()
		if err := c.conn.ProcessPayload(h.Sequence, p, now); err != nil {
			c.outgoing = append(c.outgoing, c.disconnectPackets(now)...)
			c.finish(session.ReasonProtocolViolation)
		}
	case *packet.Disconnect:
		c.finish(session.ReasonDisconnectedByPeer)
	}
}

// establish completes the handshake on the first authenticated server packet.
func (c *Client) establish() {
	if c.state != StateSendingChallengeResponse {
		return
	}
	c.state = StateConnected
	c.challenge = nil

	logrus.WithFields(logrus.Fields{
		"function":     "Client.establish",
		"server":       c.serverAddr.String(),
		"client_index": c.clientIndex,
	}).Info("Connected to server")
}

// Disconnect ends the session. When a session with the server exists, the
// returned datagrams are redundant Disconnect packets; none is acknowledged.
func (c *Client) Disconnect(now time.Time) []transport.Datagram {
	if c.state == StateDisconnected {
		return nil
	}
	out := c.disconnectPackets(now)
	c.finish(session.ReasonDisconnectedLocally)
	return out
}

func (c *Client) disconnectPackets(now time.Time) []transport.Datagram {
	if c.state != StateSendingChallengeResponse && c.state != StateConnected {
		c.state = StateDisconnecting
		return nil
	}
	c.state = StateDisconnecting

	out := make([]transport.Datagram, 0, c.cfg.DisconnectRedundancy)
	for i := 0; i < c.cfg.DisconnectRedundancy; i++ {
		data, err := c.conn.Seal(&packet.Disconnect{}, now)
		if err != nil {
			break
		}
		out = append(out, transport.Datagram{Addr: c.serverAddr, Data: data})
	}
	return out
}

// State returns the lifecycle state.
func (c *Client) State() State {
	return c.state
}

// IsConnected reports whether the session is established.
func (c *Client) IsConnected() bool {
	return c.state == StateConnected
}

// DisconnectReason returns why the client last became disconnected.
func (c *Client) DisconnectReason() session.DisconnectReason {
	return c.reason
}

// ServerAddr returns the server currently being contacted or connected.
func (c *Client) ServerAddr() netip.AddrPort {
	return c.serverAddr
}

// ClientIndex returns the slot index the server reported.
func (c *Client) ClientIndex() uint32 {
	return c.clientIndex
}

// MaxClients returns the server capacity reported in keep-alives.
func (c *Client) MaxClients() uint32 {
	return c.maxClients
}

// RoundTripTime returns the smoothed round-trip time.
func (c *Client) RoundTripTime() time.Duration {
	return c.NetworkInfo().RTT
}

// NetworkInfo returns the session statistics.
func (c *Client) NetworkInfo() channel.NetworkInfo {
	if c.conn == nil {
		return channel.NetworkInfo{}
	}
	return c.conn.NetworkInfo()
}

// Send queues a message on a channel.
func (c *Client) Send(channelID uint8, msg []byte) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	return c.conn.Send(channelID, msg)
}

// Receive pops the next message delivered on a channel, or nil.
func (c *Client) Receive(channelID uint8) []byte {
	if c.conn == nil {
		return nil
	}
	return c.conn.Receive(channelID)
}
