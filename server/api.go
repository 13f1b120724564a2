package server

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/opd-ai/netcode/channel"
	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/session"
	"github.com/opd-ai/netcode/transport"
)

func (s *Server) slot(clientID uint64) (*clientSlot, int, bool) {
	i, ok := s.byID[clientID]
	if !ok {
		return nil, 0, false
	}
	return &s.slots[i], i, true
}

// Addr returns the public address clients connect to.
func (s *Server) Addr() netip.AddrPort {
	return s.addr
}

// MaxClients returns the capacity of the connection table.
func (s *Server) MaxClients() int {
	return s.cfg.MaxClients
}

// ConnectedCount returns the number of connected clients.
func (s *Server) ConnectedCount() int {
	return len(s.byID)
}

// PendingCount returns the number of handshakes awaiting a challenge response.
func (s *Server) PendingCount() int {
	return len(s.pending)
}

// SlotStates returns the state of every slot. Slots that never held a
// client are AwaitingRequest; freed slots stay Disconnected until reused.
func (s *Server) SlotStates() []SlotState {
	states := make([]SlotState, len(s.slots))
	for i := range s.slots {
		states[i] = s.slots[i].state
	}
	return states
}

// Clients returns the ids of connected clients in slot order.
func (s *Server) Clients() []uint64 {
	ids := make([]uint64, 0, len(s.byID))
	for i := range s.slots {
		if s.slots[i].state == Connected {
			ids = append(ids, s.slots[i].clientID)
		}
	}
	return ids
}

// IsConnected reports whether clientID holds a slot.
func (s *Server) IsConnected(clientID uint64) bool {
	_, ok := s.byID[clientID]
	return ok
}

// Send queues a message for one client.
func (s *Server) Send(clientID uint64, channelID uint8, msg []byte) error {
	slot, _, ok := s.slot(clientID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrClientNotFound, clientID)
	}
	return slot.conn.Send(channelID, msg)
}

// Broadcast queues a message for every connected client. Failures for
// individual clients are collected; the others still receive the message.
func (s *Server) Broadcast(channelID uint8, msg []byte) error {
	return s.broadcast(channelID, msg, nil)
}

// BroadcastExcept queues a message for every connected client but one.
func (s *Server) BroadcastExcept(except uint64, channelID uint8, msg []byte) error {
	return s.broadcast(channelID, msg, &except)
}

func (s *Server) broadcast(channelID uint8, msg []byte, except *uint64) error {
	var errs error
	for i := range s.slots {
		slot := &s.slots[i]
		if slot.state != Connected || (except != nil && slot.clientID == *except) {
			continue
		}
		if err := slot.conn.Send(channelID, msg); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("client %d: %w", slot.clientID, err))
		}
	}
	return errs
}

// Receive pops the next message a client delivered on a channel, or nil.
func (s *Server) Receive(clientID uint64, channelID uint8) []byte {
	slot, _, ok := s.slot(clientID)
	if !ok {
		return nil
	}
	return slot.conn.Receive(channelID)
}

// Disconnect drops a client immediately and returns redundant Disconnect
// packets for it. The Disconnected event is reported by the next Update.
func (s *Server) Disconnect(clientID uint64, now time.Time) ([]transport.Datagram, error) {
	_, i, ok := s.slot(clientID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrClientNotFound, clientID)
	}
	return s.disconnectSlot(i, session.ReasonDisconnectedLocally, now, true), nil
}

// DisconnectAll drops every client, typically before shutdown.
func (s *Server) DisconnectAll(now time.Time) []transport.Datagram {
	var out []transport.Datagram
	for i := range s.slots {
		if s.slots[i].state == Connected {
			out = append(out, s.disconnectSlot(i, session.ReasonDisconnectedLocally, now, true)...)
		}
	}
	return out
}

// UserData returns the application data from the client's connect token.
func (s *Server) UserData(clientID uint64) (crypto.UserData, bool) {
	slot, _, ok := s.slot(clientID)
	if !ok {
		return crypto.UserData{}, false
	}
	return slot.userData, true
}

// NetworkInfo returns the session statistics of a client.
func (s *Server) NetworkInfo(clientID uint64) (channel.NetworkInfo, bool) {
	slot, _, ok := s.slot(clientID)
	if !ok {
		return channel.NetworkInfo{}, false
	}
	return slot.conn.NetworkInfo(), true
}

// ClientAddr returns the address a client is connected from.
func (s *Server) ClientAddr(clientID uint64) (netip.AddrPort, bool) {
	slot, _, ok := s.slot(clientID)
	if !ok {
		return netip.AddrPort{}, false
	}
	return slot.addr, true
}

// ClientIndex returns the slot index of a client.
func (s *Server) ClientIndex(clientID uint64) (int, bool) {
	_, i, ok := s.slot(clientID)
	return i, ok
}

// Nonces returns the consumed token nonce store for persistence.
func (s *Server) Nonces() *crypto.TokenNonceStore {
	return s.auth.Nonces()
}

// Close scrubs the server keys and every session key it holds. The server
// must not be used afterwards.
func (s *Server) Close() {
	s.auth.Close()
	for i := range s.slots {
		if s.slots[i].conn != nil {
			s.slots[i].conn.Close()
		}
	}
	for addr := range s.pending {
		s.dropPending(addr)
	}
}
