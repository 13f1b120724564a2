package server_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/netcode/client"
	"github.com/opd-ai/netcode/config"
	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/netsim"
	"github.com/opd-ai/netcode/server"
	"github.com/opd-ai/netcode/transport"
)

const tick = 10 * time.Millisecond

var (
	serverAddr  = netip.MustParseAddrPort("10.0.0.1:40000")
	backupAddr  = netip.MustParseAddrPort("10.0.0.2:40000")
	clientAddrs = []netip.AddrPort{
		netip.MustParseAddrPort("10.0.1.1:50000"),
		netip.MustParseAddrPort("10.0.1.2:50000"),
		netip.MustParseAddrPort("10.0.1.3:50000"),
	}
)

type testServer struct {
	srv    *server.Server
	ep     *netsim.Endpoint
	events []server.Event
}

type testClient struct {
	c  *client.Client
	ep *netsim.Endpoint
}

// world drives clients and servers over a simulated network in lockstep.
type world struct {
	t       *testing.T
	cfg     config.Config
	key     crypto.Key
	net     *netsim.Network
	now     time.Time
	servers map[netip.AddrPort]*testServer
	clients []*testClient

	// onClientSend, if set, sees every client datagram before it is sent.
	onClientSend func(tc *testClient, out []transport.Datagram)
}

func newWorld(t *testing.T, cfg config.Config, sim netsim.Config) *world {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &world{
		t:       t,
		cfg:     cfg,
		key:     key,
		net:     netsim.New(sim),
		now:     time.Unix(1_700_000_000, 0),
		servers: make(map[netip.AddrPort]*testServer),
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxClients = 4
	cfg.ConnectionTimeout = 2 * time.Second
	cfg.HandshakeTimeout = time.Second
	return cfg
}

func (w *world) addServer(addr netip.AddrPort) *testServer {
	w.t.Helper()
	srv, err := server.New(w.cfg, addr, w.key)
	require.NoError(w.t, err)
	ts := &testServer{srv: srv, ep: w.net.Endpoint(addr)}
	w.servers[addr] = ts
	return ts
}

func (w *world) addClient(i int) *testClient {
	w.t.Helper()
	c, err := client.New(w.cfg)
	require.NoError(w.t, err)
	tc := &testClient{c: c, ep: w.net.Endpoint(clientAddrs[i])}
	w.clients = append(w.clients, tc)
	return tc
}

func (w *world) token(clientID uint64, servers ...netip.AddrPort) *crypto.ConnectToken {
	w.t.Helper()
	if len(servers) == 0 {
		servers = []netip.AddrPort{serverAddr}
	}
	token, err := crypto.IssueConnectToken(crypto.TokenParams{
		ProtocolID:      w.cfg.ProtocolID,
		ClientID:        clientID,
		ServerAddresses: servers,
		ExpireSeconds:   30,
		TimeoutSeconds:  w.cfg.ConnectionTimeoutSeconds(),
		UserData:        []byte{byte(clientID)},
	}, w.key, w.now)
	require.NoError(w.t, err)
	return token
}

func (w *world) connect(tc *testClient, clientID uint64, servers ...netip.AddrPort) {
	w.t.Helper()
	require.NoError(w.t, tc.c.Connect(w.token(clientID, servers...), w.now))
}

// step runs one tick: every endpoint updates and sends, then the clock and
// network advance. Server events of the tick are accumulated.
func (w *world) step() {
	for _, tc := range w.clients {
		out := tc.c.Update(w.now, tc.ep.Receive())
		if w.onClientSend != nil {
			w.onClientSend(tc, out)
		}
		transport.SendAll(tc.ep, out)
	}
	for _, ts := range w.servers {
		transport.SendAll(ts.ep, ts.srv.Update(w.now, ts.ep.Receive()))
		ts.events = append(ts.events, ts.srv.Events()...)
	}
	w.now = w.now.Add(tick)
	w.net.Advance(w.now)
}

// run steps until done holds or d of simulated time has passed. It reports
// whether done held.
func (w *world) run(d time.Duration, done func() bool) bool {
	end := w.now.Add(d)
	for w.now.Before(end) {
		if done() {
			return true
		}
		w.step()
	}
	return done()
}

func (w *world) send(tc *testClient, out []transport.Datagram) {
	transport.SendAll(tc.ep, out)
}
