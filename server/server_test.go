package server_test

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/netcode/channel"
	"github.com/opd-ai/netcode/client"
	"github.com/opd-ai/netcode/config"
	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/netsim"
	"github.com/opd-ai/netcode/packet"
	"github.com/opd-ai/netcode/server"
	"github.com/opd-ai/netcode/session"
	"github.com/opd-ai/netcode/transport"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MaxClients = 0
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = server.New(cfg, serverAddr, key)
	assert.Error(t, err)

	_, err = server.New(config.Default(), netip.AddrPort{}, key)
	assert.Error(t, err)
}

func TestHandshake(t *testing.T) {
	w := newWorld(t, testConfig(), netsim.Config{Latency: 20 * time.Millisecond})
	ts := w.addServer(serverAddr)
	tc := w.addClient(0)
	w.connect(tc, 42)

	require.True(t, w.run(time.Second, tc.c.IsConnected))
	assert.Equal(t, client.StateConnected, tc.c.State())
	assert.Equal(t, serverAddr, tc.c.ServerAddr())
	assert.Equal(t, uint32(0), tc.c.ClientIndex())
	assert.Equal(t, uint32(4), tc.c.MaxClients())

	assert.Equal(t, server.Connected, ts.srv.SlotStates()[0])
	assert.True(t, ts.srv.IsConnected(42))
	assert.Equal(t, 1, ts.srv.ConnectedCount())
	assert.Equal(t, 0, ts.srv.PendingCount())
	assert.Equal(t, []uint64{42}, ts.srv.Clients())
	require.Len(t, ts.events, 1)
	assert.Equal(t, server.Event{Kind: server.EventConnected, ClientID: 42}, ts.events[0])

	addr, ok := ts.srv.ClientAddr(42)
	require.True(t, ok)
	assert.Equal(t, clientAddrs[0], addr)
	index, ok := ts.srv.ClientIndex(42)
	require.True(t, ok)
	assert.Equal(t, 0, index)
	userData, ok := ts.srv.UserData(42)
	require.True(t, ok)
	assert.Equal(t, byte(42), userData[0])
}

func TestHandshakeStateSequence(t *testing.T) {
	w := newWorld(t, testConfig(), netsim.Config{Latency: 20 * time.Millisecond})
	ts := w.addServer(serverAddr)
	tc := w.addClient(0)

	requests := 0
	w.onClientSend = func(_ *testClient, out []transport.Datagram) {
		for _, d := range out {
			h, err := packet.ParseHeader(d.Data, w.cfg.ProtocolID)
			require.NoError(t, err)
			if h.Kind == packet.KindConnectionRequest {
				requests++
			}
		}
	}
	w.connect(tc, 42)

	states := []client.State{tc.c.State()}
	sawPending := false
	for i := 0; i < 100 && !tc.c.IsConnected(); i++ {
		w.step()
		if s := tc.c.State(); s != states[len(states)-1] {
			states = append(states, s)
		}
		if ts.srv.PendingCount() == 1 {
			sawPending = true
			assert.Zero(t, ts.srv.ConnectedCount(), "a pending handshake holds no slot")
			assert.Equal(t, server.AwaitingRequest, ts.srv.SlotStates()[0])
		}
	}

	assert.Equal(t, []client.State{
		client.StateSendingConnectionRequest,
		client.StateSendingChallengeResponse,
		client.StateConnected,
	}, states)
	assert.True(t, sawPending, "server must hold the handshake as pending before connecting")
	assert.Zero(t, ts.srv.PendingCount())
	assert.Equal(t, server.Connected, ts.srv.SlotStates()[0])
	assert.LessOrEqual(t, requests, 3)
	assert.Positive(t, requests)
}

func TestHandshakeSurvivesLoss(t *testing.T) {
	w := newWorld(t, testConfig(), netsim.Config{Loss: 0.25, Latency: 10 * time.Millisecond, Seed: 7})
	ts := w.addServer(serverAddr)
	tc := w.addClient(0)
	w.connect(tc, 1)

	require.True(t, w.run(time.Second, tc.c.IsConnected))
	require.True(t, w.run(time.Second, func() bool { return ts.srv.IsConnected(1) }))
	assert.Equal(t, 1, ts.srv.ConnectedCount())
}

func TestSlotsAreDistinct(t *testing.T) {
	w := newWorld(t, testConfig(), netsim.Config{})
	ts := w.addServer(serverAddr)
	for i := range clientAddrs {
		w.connect(w.addClient(i), uint64(100+i))
	}

	require.True(t, w.run(time.Second, func() bool { return ts.srv.ConnectedCount() == len(clientAddrs) }))
	require.True(t, w.run(time.Second, func() bool {
		for _, tc := range w.clients {
			if !tc.c.IsConnected() {
				return false
			}
		}
		return true
	}))
	seen := make(map[uint32]bool)
	for _, tc := range w.clients {
		assert.False(t, seen[tc.c.ClientIndex()])
		seen[tc.c.ClientIndex()] = true
	}
}

func TestServerFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxClients = 1
	w := newWorld(t, cfg, netsim.Config{})
	ts := w.addServer(serverAddr)
	first := w.addClient(0)
	w.connect(first, 1)
	require.True(t, w.run(time.Second, first.c.IsConnected))

	second := w.addClient(1)
	w.connect(second, 2)
	require.True(t, w.run(time.Second, func() bool { return second.c.State() == client.StateDisconnected }))
	assert.Equal(t, session.ReasonServerFull, second.c.DisconnectReason())
	assert.Equal(t, 1, ts.srv.ConnectedCount())
	assert.True(t, first.c.IsConnected())
}

func TestQuarantine(t *testing.T) {
	w := newWorld(t, testConfig(), netsim.Config{})
	ts := w.addServer(serverAddr)
	tc := w.addClient(0)
	w.connect(tc, 9)
	require.True(t, w.run(time.Second, tc.c.IsConnected))

	w.send(tc, tc.c.Disconnect(w.now))
	require.True(t, w.run(time.Second, func() bool { return !ts.srv.IsConnected(9) }))

	again := w.addClient(1)
	w.connect(again, 9)
	require.True(t, w.run(time.Second, func() bool { return again.c.State() == client.StateDisconnected }))
	assert.Equal(t, session.ReasonQuarantined, again.c.DisconnectReason())

	// Once the quarantine has passed the id may connect again.
	w.run(w.cfg.ClientIDQuarantine, func() bool { return false })
	w.connect(again, 9)
	assert.True(t, w.run(time.Second, again.c.IsConnected))
}

func TestLivenessTimeout(t *testing.T) {
	w := newWorld(t, testConfig(), netsim.Config{})
	ts := w.addServer(serverAddr)
	tc := w.addClient(0)
	w.connect(tc, 5)
	require.True(t, w.run(time.Second, tc.c.IsConnected))

	w.net.Block(clientAddrs[0])
	require.True(t, w.run(3*time.Second, func() bool {
		return !ts.srv.IsConnected(5) && tc.c.State() == client.StateDisconnected
	}))
	assert.Equal(t, session.ReasonTimeout, tc.c.DisconnectReason())

	last := ts.events[len(ts.events)-1]
	assert.Equal(t, server.Event{Kind: server.EventDisconnected, ClientID: 5, Reason: session.ReasonTimeout}, last)
}

func TestKeepAlivesHoldIdleSession(t *testing.T) {
	w := newWorld(t, testConfig(), netsim.Config{Latency: 30 * time.Millisecond})
	ts := w.addServer(serverAddr)
	tc := w.addClient(0)
	w.connect(tc, 5)
	require.True(t, w.run(time.Second, tc.c.IsConnected))

	assert.False(t, w.run(5*time.Second, func() bool { return !tc.c.IsConnected() || !ts.srv.IsConnected(5) }))
}

func TestClientDisconnect(t *testing.T) {
	w := newWorld(t, testConfig(), netsim.Config{Seed: 3})
	ts := w.addServer(serverAddr)
	tc := w.addClient(0)
	w.connect(tc, 5)
	require.True(t, w.run(time.Second, tc.c.IsConnected))

	// Redundant copies get through a lossy link.
	w.net.SetLoss(0.5)

	out := tc.c.Disconnect(w.now)
	assert.Len(t, out, w.cfg.DisconnectRedundancy)
	assert.Equal(t, session.ReasonDisconnectedLocally, tc.c.DisconnectReason())
	w.send(tc, out)

	require.True(t, w.run(100*time.Millisecond, func() bool { return !ts.srv.IsConnected(5) }))
	last := ts.events[len(ts.events)-1]
	assert.Equal(t, session.ReasonDisconnectedByPeer, last.Reason)
}

func TestServerDisconnect(t *testing.T) {
	w := newWorld(t, testConfig(), netsim.Config{})
	ts := w.addServer(serverAddr)
	tc := w.addClient(0)
	w.connect(tc, 5)
	require.True(t, w.run(time.Second, tc.c.IsConnected))
	ts.events = nil

	out, err := ts.srv.Disconnect(5, w.now)
	require.NoError(t, err)
	assert.Len(t, out, w.cfg.DisconnectRedundancy)
	assert.False(t, ts.srv.IsConnected(5))
	for _, d := range out {
		require.NoError(t, ts.ep.Send(d.Addr, d.Data))
	}

	require.True(t, w.run(100*time.Millisecond, func() bool { return tc.c.State() == client.StateDisconnected }))
	assert.Equal(t, session.ReasonDisconnectedByPeer, tc.c.DisconnectReason())
	require.Len(t, ts.events, 1)
	assert.Equal(t, session.ReasonDisconnectedLocally, ts.events[0].Reason)

	_, err = ts.srv.Disconnect(5, w.now)
	assert.ErrorIs(t, err, server.ErrClientNotFound)

	states := ts.srv.SlotStates()
	assert.Equal(t, server.Disconnected, states[0])
	assert.Equal(t, server.AwaitingRequest, states[1])
}

func TestDisconnectAll(t *testing.T) {
	w := newWorld(t, testConfig(), netsim.Config{})
	ts := w.addServer(serverAddr)
	w.connect(w.addClient(0), 1)
	w.connect(w.addClient(1), 2)
	require.True(t, w.run(time.Second, func() bool { return ts.srv.ConnectedCount() == 2 }))

	out := ts.srv.DisconnectAll(w.now)
	assert.Len(t, out, 2*w.cfg.DisconnectRedundancy)
	assert.Zero(t, ts.srv.ConnectedCount())
	assert.Empty(t, ts.srv.Clients())
}

func TestFallbackToSecondServer(t *testing.T) {
	w := newWorld(t, testConfig(), netsim.Config{})
	ts := w.addServer(backupAddr)
	tc := w.addClient(0)
	// Nothing listens on serverAddr.
	w.connect(tc, 8, serverAddr, backupAddr)

	require.True(t, w.run(3*time.Second, tc.c.IsConnected))
	assert.Equal(t, backupAddr, tc.c.ServerAddr())
	assert.True(t, ts.srv.IsConnected(8))
}

func TestHandshakeTimeout(t *testing.T) {
	w := newWorld(t, testConfig(), netsim.Config{})
	tc := w.addClient(0)
	w.connect(tc, 8)

	require.True(t, w.run(2*time.Second, func() bool { return tc.c.State() == client.StateDisconnected }))
	assert.Equal(t, session.ReasonHandshakeTimeout, tc.c.DisconnectReason())
}

func TestTokenReuseFromAnotherAddress(t *testing.T) {
	w := newWorld(t, testConfig(), netsim.Config{})
	ts := w.addServer(serverAddr)
	token := w.token(3)

	first := w.addClient(0)
	require.NoError(t, first.c.Connect(token, w.now))
	require.True(t, w.run(time.Second, first.c.IsConnected))

	thief := w.addClient(1)
	require.NoError(t, thief.c.Connect(token, w.now))
	require.True(t, w.run(2*time.Second, func() bool { return thief.c.State() == client.StateDisconnected }))
	assert.Equal(t, session.ReasonHandshakeTimeout, thief.c.DisconnectReason())
	assert.Equal(t, 1, ts.srv.ConnectedCount())
	assert.True(t, first.c.IsConnected())
}

func TestReliableMessagesUnderLoss(t *testing.T) {
	w := newWorld(t, testConfig(), netsim.Config{Loss: 0.2, Latency: 20 * time.Millisecond, Jitter: 20 * time.Millisecond, Seed: 11})
	ts := w.addServer(serverAddr)
	tc := w.addClient(0)
	w.connect(tc, 77)
	require.True(t, w.run(2*time.Second, func() bool { return tc.c.IsConnected() && ts.srv.IsConnected(77) }))

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, tc.c.Send(channel.DefaultReliableOrderedID, []byte(fmt.Sprintf("up-%d", i))))
		require.NoError(t, ts.srv.Send(77, channel.DefaultReliableOrderedID, []byte(fmt.Sprintf("down-%d", i))))
	}

	var up, down []string
	require.True(t, w.run(10*time.Second, func() bool {
		for msg := ts.srv.Receive(77, channel.DefaultReliableOrderedID); msg != nil; msg = ts.srv.Receive(77, channel.DefaultReliableOrderedID) {
			up = append(up, string(msg))
		}
		for msg := tc.c.Receive(channel.DefaultReliableOrderedID); msg != nil; msg = tc.c.Receive(channel.DefaultReliableOrderedID) {
			down = append(down, string(msg))
		}
		return len(up) == n && len(down) == n
	}))
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("up-%d", i), up[i])
		assert.Equal(t, fmt.Sprintf("down-%d", i), down[i])
	}

	info, ok := ts.srv.NetworkInfo(77)
	require.True(t, ok)
	assert.NotZero(t, info.PacketsSent)
	assert.NotZero(t, info.PacketsAcked)
	assert.True(t, tc.c.IsConnected())
}

func TestBroadcast(t *testing.T) {
	w := newWorld(t, testConfig(), netsim.Config{})
	ts := w.addServer(serverAddr)
	a, b := w.addClient(0), w.addClient(1)
	w.connect(a, 1)
	w.connect(b, 2)
	require.True(t, w.run(time.Second, func() bool { return a.c.IsConnected() && b.c.IsConnected() }))

	require.NoError(t, ts.srv.Broadcast(channel.DefaultReliableOrderedID, []byte("all")))
	require.NoError(t, ts.srv.BroadcastExcept(1, channel.DefaultReliableOrderedID, []byte("not-a")))

	var gotA, gotB []string
	w.run(500*time.Millisecond, func() bool {
		for msg := a.c.Receive(channel.DefaultReliableOrderedID); msg != nil; msg = a.c.Receive(channel.DefaultReliableOrderedID) {
			gotA = append(gotA, string(msg))
		}
		for msg := b.c.Receive(channel.DefaultReliableOrderedID); msg != nil; msg = b.c.Receive(channel.DefaultReliableOrderedID) {
			gotB = append(gotB, string(msg))
		}
		return len(gotB) == 2
	})
	assert.Equal(t, []string{"all"}, gotA)
	assert.Equal(t, []string{"all", "not-a"}, gotB)

	err := ts.srv.Broadcast(99, []byte("x"))
	assert.ErrorIs(t, err, channel.ErrUnknownChannel)
}

func TestSendUnknownClient(t *testing.T) {
	w := newWorld(t, testConfig(), netsim.Config{})
	ts := w.addServer(serverAddr)

	assert.ErrorIs(t, ts.srv.Send(1, 0, []byte("x")), server.ErrClientNotFound)
	assert.Nil(t, ts.srv.Receive(1, 0))
	_, ok := ts.srv.NetworkInfo(1)
	assert.False(t, ok)
}

func TestWithNonceStore(t *testing.T) {
	w := newWorld(t, testConfig(), netsim.Config{})
	store := crypto.NewTokenNonceStore(16)
	srv, err := server.New(w.cfg, serverAddr, w.key, server.WithNonceStore(store))
	require.NoError(t, err)
	assert.Same(t, store, srv.Nonces())
	srv.Close()
}
