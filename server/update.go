package server

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/packet"
	"github.com/opd-ai/netcode/session"
	"github.com/opd-ai/netcode/transport"
)

// Update processes incoming datagrams, advances every timer and returns the
// datagrams to send. Events describing this tick are available from Events
// until the next call.
func (s *Server) Update(now time.Time, incoming []transport.Datagram) []transport.Datagram {
	s.expireQuarantine(now)
	if now.Sub(s.lastNonceCleanup) >= nonceCleanupInterval {
		s.auth.Nonces().Cleanup(now)
		s.lastNonceCleanup = now
	}

	for _, d := range incoming {
		s.processDatagram(d, now)
	}

	s.expirePending(now)
	for i := range s.slots {
		if s.slots[i].state == Connected {
			s.updateSlot(i, now)
		}
	}

	s.events = s.queued
	s.queued = nil
	out := s.outgoing
	s.outgoing = nil
	return out
}

// Events returns the connection events of the last Update.
func (s *Server) Events() []Event {
	return s.events
}

func (s *Server) emit(ev Event) {
	s.queued = append(s.queued, ev)
}

func (s *Server) send(addr netip.AddrPort, data []byte) {
	s.outgoing = append(s.outgoing, transport.Datagram{Addr: addr, Data: data})
}

func (s *Server) expireQuarantine(now time.Time) {
	for id, until := range s.quarantine {
		if !now.Before(until) {
			delete(s.quarantine, id)
		}
	}
}

func (s *Server) expirePending(now time.Time) {
	for addr, p := range s.pending {
		if now.Sub(p.createdAt) > s.cfg.HandshakeTimeout || !now.Before(p.expiresAt) {
			logrus.WithFields(logrus.Fields{
				"function":  "Server.expirePending",
				"addr":      addr.String(),
				"client_id": p.clientID,
			}).Debug("Handshake expired")
			s.dropPending(addr)
		}
	}
}

// dropPending abandons the handshake from addr and wipes its keys.
func (s *Server) dropPending(addr netip.AddrPort) {
	if p, ok := s.pending[addr]; ok {
		p.conn.Close()
		delete(s.pending, addr)
	}
}

func (s *Server) updateSlot(i int, now time.Time) {
	slot := &s.slots[i]
	slot.conn.Update(now)
	if slot.conn.TimedOut(now) {
		s.disconnectSlot(i, session.ReasonTimeout, now, false)
		return
	}

	for _, data := range slot.conn.Packets(now) {
		s.send(slot.addr, data)
	}
	if slot.conn.KeepAliveDue(now) {
		s.sendKeepAlive(i, now)
	}
}

func (s *Server) sendKeepAlive(i int, now time.Time) {
	slot := &s.slots[i]
	data, err := slot.conn.Seal(&packet.KeepAlive{
		ClientIndex: uint32(i),
		MaxClients:  uint32(s.cfg.MaxClients),
	}, now)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Server.sendKeepAlive",
			"client_id": slot.clientID,
			"error":     err.Error(),
		}).Error("Failed to seal keep-alive")
		return
	}
	s.send(slot.addr, data)
}

func (s *Server) discard(d transport.Datagram, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "Server.discard",
		"from":     d.Addr.String(),
		"size":     len(d.Data),
		"error":    err.Error(),
	}).Debug("Discarding packet")
}

func (s *Server) processDatagram(d transport.Datagram, now time.Time) {
	d.Addr = transport.Normalize(d.Addr)
	h, err := packet.ParseHeader(d.Data, s.cfg.ProtocolID)
	if err != nil {
		s.discard(d, err)
		return
	}

	if i, ok := s.byAddr[d.Addr]; ok {
		s.processConnected(i, d, h, now)
		return
	}

	switch h.Kind {
	case packet.KindConnectionRequest:
		s.processRequest(d, h, now)
	case packet.KindChallengeResponse:
		s.processResponse(d, h, now)
	default:
		s.discard(d, fmt.Errorf("%v from unknown address", h.Kind))
	}
}

func (s *Server) processRequest(d transport.Datagram, h packet.Header, now time.Time) {
	p, err := packet.DecodeWithHeader(d.Data, h, s.cfg.ProtocolID, nil)
	if err != nil {
		s.discard(d, err)
		return
	}
	req := p.(*packet.ConnectionRequest)

	// A retry of the request that created the pending handshake gets the
	// same challenge again; the token was already consumed.
	if pend, ok := s.pending[d.Addr]; ok {
		if pend.nonce == req.Token.Nonce {
			s.sendChallenge(pend)
			return
		}
		s.dropPending(d.Addr)
	}

	token, err := s.auth.ValidateConnectToken(&req.Token, now)
	if err != nil {
		s.discard(d, err)
		return
	}
	defer crypto.WipeKey(&token.SessionKey)

	if _, ok := s.byID[token.ClientID]; ok {
		s.discard(d, fmt.Errorf("client id %d already connected", token.ClientID))
		return
	}
	if until, ok := s.quarantine[token.ClientID]; ok && now.Before(until) {
		s.deny(d.Addr, packet.DenyQuarantined, token.ClientID)
		return
	}
	if s.ConnectedCount()+len(s.pending) >= s.cfg.MaxClients {
		s.deny(d.Addr, packet.DenyServerFull, token.ClientID)
		return
	}

	c2s, s2c, err := crypto.DeriveSessionKeys(token.SessionKey, req.Token.Nonce, s.addr)
	if err != nil {
		s.discard(d, err)
		return
	}
	conn, err := session.New(session.Params{
		ProtocolID:        s.cfg.ProtocolID,
		SendKey:           s2c,
		RecvKey:           c2s,
		Channels:          s.cfg.Channels,
		Options:           s.cfg.MultiplexerOptions(),
		Timeout:           session.TimeoutFromSeconds(token.TimeoutSeconds),
		KeepAliveInterval: s.cfg.KeepAliveInterval,
	}, now)
	crypto.WipeKey(&c2s)
	crypto.WipeKey(&s2c)
	if err != nil {
		s.discard(d, err)
		return
	}

	seq, sealed, err := s.auth.SealChallenge(token.ClientID, token.UserData)
	if err != nil {
		s.discard(d, err)
		return
	}

	pend := &pendingClient{
		addr:      d.Addr,
		clientID:  token.ClientID,
		nonce:     req.Token.Nonce,
		conn:      conn,
		challenge: packet.Challenge{Sequence: seq, Token: sealed},
		createdAt: now,
		expiresAt: time.Unix(int64(req.Token.ExpireTimestamp), 0),
	}
	s.pending[d.Addr] = pend

	logrus.WithFields(logrus.Fields{
		"function":  "Server.processRequest",
		"addr":      d.Addr.String(),
		"client_id": token.ClientID,
	}).Info("Connection request accepted, sending challenge")

	s.sendChallenge(pend)
}

func (s *Server) sendChallenge(p *pendingClient) {
	data, err := packet.Encode(&p.challenge, s.cfg.ProtocolID, 0, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.sendChallenge",
			"error":    err.Error(),
		}).Error("Failed to encode challenge")
		return
	}
	s.send(p.addr, data)
}

func (s *Server) deny(addr netip.AddrPort, reason packet.DenyReason, clientID uint64) {
	logrus.WithFields(logrus.Fields{
		"function":  "Server.deny",
		"addr":      addr.String(),
		"client_id": clientID,
		"reason":    reason.String(),
	}).Info("Connection denied")

	data, err := packet.Encode(&packet.ConnectionDenied{Reason: reason}, s.cfg.ProtocolID, 0, nil)
	if err != nil {
		return
	}
	s.send(addr, data)
}

func (s *Server) processResponse(d transport.Datagram, h packet.Header, now time.Time) {
	pend, ok := s.pending[d.Addr]
	if !ok {
		s.discard(d, fmt.Errorf("challenge response without pending handshake"))
		return
	}
	p, err := pend.conn.Open(d.Data, h, now)
	if err != nil {
		s.discard(d, err)
		return
	}
	if _, ok := p.(*packet.Disconnect); ok {
		s.dropPending(d.Addr)
		return
	}
	resp, ok := p.(*packet.ChallengeResponse)
	if !ok {
		s.discard(d, fmt.Errorf("unexpected %v during handshake", p.Kind()))
		return
	}
	if resp.Sequence != pend.challenge.Sequence {
		s.discard(d, fmt.Errorf("challenge sequence %d, want %d", resp.Sequence, pend.challenge.Sequence))
		return
	}
	challenge, err := s.auth.OpenChallenge(resp.Sequence, resp.Token)
	if err != nil || challenge.ClientID != pend.clientID {
		s.discard(d, fmt.Errorf("%w: challenge token rejected", crypto.ErrChallengeInvalid))
		return
	}

	delete(s.pending, d.Addr)
	if _, ok := s.byID[pend.clientID]; ok {
		pend.conn.Close()
		s.discard(d, fmt.Errorf("client id %d connected meanwhile", pend.clientID))
		return
	}
	if len(s.free) == 0 {
		pend.conn.Close()
		s.deny(d.Addr, packet.DenyServerFull, pend.clientID)
		return
	}

	i := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.slots[i] = clientSlot{
		state:       Connected,
		clientID:    pend.clientID,
		addr:        d.Addr,
		userData:    challenge.UserData,
		conn:        pend.conn,
		connectedAt: now,
	}
	s.byAddr[d.Addr] = i
	s.byID[pend.clientID] = i
	s.emit(Event{Kind: EventConnected, ClientID: pend.clientID})

	logrus.WithFields(logrus.Fields{
		"function":     "Server.processResponse",
		"addr":         d.Addr.String(),
		"client_id":    pend.clientID,
		"client_index": i,
		"connected":    s.ConnectedCount(),
	}).Info("Client connected")

	s.sendKeepAlive(i, now)
}

func (s *Server) processConnected(i int, d transport.Datagram, h packet.Header, now time.Time) {
	slot := &s.slots[i]
	if !h.Kind.Encrypted() {
		s.discard(d, fmt.Errorf("%v from connected client", h.Kind))
		return
	}
	p, err := slot.conn.Open(d.Data, h, now)
	if err != nil {
		s.discard(d, err)
		return
	}

	switch p := p.(type) {
	case *packet.Payload:
		if err := slot.conn.ProcessPayload(h.Sequence, p, now); err != nil {
			s.outgoing = append(s.outgoing, s.disconnectSlot(i, session.ReasonProtocolViolation, now, true)...)
		}
	case *packet.ChallengeResponse:
		// The client has not seen a keep-alive yet.
		s.sendKeepAlive(i, now)
	case *packet.Disconnect:
		s.disconnectSlot(i, session.ReasonDisconnectedByPeer, now, false)
	}
}

// disconnectSlot frees slot i immediately. With notify, it returns redundant
// Disconnect packets for the client.
func (s *Server) disconnectSlot(i int, reason session.DisconnectReason, now time.Time, notify bool) []transport.Datagram {
	slot := &s.slots[i]
	var notice []transport.Datagram
	if notify {
		for n := 0; n < s.cfg.DisconnectRedundancy; n++ {
			data, err := slot.conn.Seal(&packet.Disconnect{}, now)
			if err != nil {
				break
			}
			notice = append(notice, transport.Datagram{Addr: slot.addr, Data: data})
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Server.disconnectSlot",
		"addr":      slot.addr.String(),
		"client_id": slot.clientID,
		"reason":    reason.String(),
		"duration":  now.Sub(slot.connectedAt).String(),
	}).Info("Client disconnected")

	delete(s.byAddr, slot.addr)
	delete(s.byID, slot.clientID)
	if s.cfg.ClientIDQuarantine > 0 {
		s.quarantine[slot.clientID] = now.Add(s.cfg.ClientIDQuarantine)
	}
	s.emit(Event{Kind: EventDisconnected, ClientID: slot.clientID, Reason: reason})

	slot.conn.Close()
	*slot = clientSlot{state: Disconnected}
	s.free = append(s.free, i)
	return notice
}
