package client

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/netcode/config"
	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/packet"
	"github.com/opd-ai/netcode/session"
	"github.com/opd-ai/netcode/transport"
)

var (
	primary = netip.MustParseAddrPort("192.0.2.1:40000")
	backup  = netip.MustParseAddrPort("192.0.2.2:40000")
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HandshakeTimeout = time.Second
	return cfg
}

func issue(t *testing.T, cfg config.Config, now time.Time, servers ...netip.AddrPort) *crypto.ConnectToken {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	token, err := crypto.IssueConnectToken(crypto.TokenParams{
		ProtocolID:      cfg.ProtocolID,
		ClientID:        1,
		ServerAddresses: servers,
		ExpireSeconds:   10,
		TimeoutSeconds:  5,
	}, key, now)
	require.NoError(t, err)
	return token
}

func newClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(testConfig())
	require.NoError(t, err)
	return c
}

func kinds(t *testing.T, c *Client, out []transport.Datagram) []packet.Kind {
	t.Helper()
	var ks []packet.Kind
	for _, d := range out {
		h, err := packet.ParseHeader(d.Data, c.cfg.ProtocolID)
		require.NoError(t, err)
		ks = append(ks, h.Kind)
	}
	return ks
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.KeepAliveInterval = 0
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestConnectValidation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cfg := testConfig()

	t.Run("nil token", func(t *testing.T) {
		c := newClient(t)
		assert.ErrorIs(t, c.Connect(nil, now), crypto.ErrTokenMalformed)
		assert.Equal(t, session.ReasonTokenInvalid, c.DisconnectReason())
		assert.Equal(t, StateDisconnected, c.State())
	})

	t.Run("protocol mismatch", func(t *testing.T) {
		c := newClient(t)
		token := issue(t, cfg, now, primary)
		token.ProtocolID++
		assert.ErrorIs(t, c.Connect(token, now), ErrProtocolMismatch)
		assert.Equal(t, session.ReasonTokenInvalid, c.DisconnectReason())
	})

	t.Run("expired", func(t *testing.T) {
		c := newClient(t)
		token := issue(t, cfg, now, primary)
		assert.ErrorIs(t, c.Connect(token, now.Add(10*time.Second)), crypto.ErrTokenExpired)
		assert.Equal(t, session.ReasonTokenExpired, c.DisconnectReason())
		assert.Equal(t, StateDisconnected, c.State())
	})

	t.Run("already connecting", func(t *testing.T) {
		c := newClient(t)
		require.NoError(t, c.Connect(issue(t, cfg, now, primary), now))
		assert.Equal(t, StateSendingConnectionRequest, c.State())
		assert.ErrorIs(t, c.Connect(issue(t, cfg, now, primary), now), ErrAlreadyConnecting)
	})
}

func TestRequestsArePaced(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newClient(t)
	require.NoError(t, c.Connect(issue(t, c.cfg, now, primary), now))

	out := c.Update(now, nil)
	require.Len(t, out, 1)
	assert.Equal(t, primary, out[0].Addr)
	assert.Equal(t, []packet.Kind{packet.KindConnectionRequest}, kinds(t, c, out))

	assert.Empty(t, c.Update(now.Add(50*time.Millisecond), nil))
	assert.Len(t, c.Update(now.Add(100*time.Millisecond), nil), 1)
}

func TestHandshakeTimeoutMovesToNextServer(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newClient(t)
	require.NoError(t, c.Connect(issue(t, c.cfg, now, primary, backup), now))
	c.Update(now, nil)
	assert.Equal(t, primary, c.ServerAddr())
	first := c.conn

	out := c.Update(now.Add(1100*time.Millisecond), nil)
	assert.Equal(t, backup, c.ServerAddr())
	_, err := first.Seal(&packet.KeepAlive{}, now)
	assert.ErrorIs(t, err, packet.ErrNoCipher, "keys for the abandoned server are wiped")
	assert.Equal(t, StateSendingConnectionRequest, c.State())
	require.Len(t, out, 1)
	assert.Equal(t, backup, out[0].Addr)

	c.Update(now.Add(2200*time.Millisecond), nil)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, session.ReasonHandshakeTimeout, c.DisconnectReason())
}

func TestTokenExpiresDuringHandshake(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cfg := testConfig()
	cfg.HandshakeTimeout = time.Minute
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Connect(issue(t, cfg, now, primary), now))

	c.Update(now.Add(10*time.Second), nil)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, session.ReasonTokenExpired, c.DisconnectReason())
}

func TestDeniedMovesToNextServer(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newClient(t)
	require.NoError(t, c.Connect(issue(t, c.cfg, now, primary, backup), now))
	c.Update(now, nil)

	denied, err := packet.Encode(&packet.ConnectionDenied{Reason: packet.DenyQuarantined}, c.cfg.ProtocolID, 0, nil)
	require.NoError(t, err)

	// A denial from an address that is not the current server is ignored.
	c.Update(now, []transport.Datagram{{Addr: backup, Data: denied}})
	assert.Equal(t, primary, c.ServerAddr())

	c.Update(now, []transport.Datagram{{Addr: primary, Data: denied}})
	assert.Equal(t, backup, c.ServerAddr())

	c.Update(now, []transport.Datagram{{Addr: backup, Data: denied}})
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, session.ReasonQuarantined, c.DisconnectReason())
}

func TestChallengeStartsResponses(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newClient(t)
	require.NoError(t, c.Connect(issue(t, c.cfg, now, primary), now))
	c.Update(now, nil)

	challenge, err := packet.Encode(&packet.Challenge{Sequence: 7}, c.cfg.ProtocolID, 0, nil)
	require.NoError(t, err)

	out := c.Update(now.Add(10*time.Millisecond), []transport.Datagram{{Addr: primary, Data: challenge}})
	assert.Equal(t, StateSendingChallengeResponse, c.State())
	assert.Equal(t, []packet.Kind{packet.KindChallengeResponse}, kinds(t, c, out))

	// Responses use increasing sequences.
	next := c.Update(now.Add(110*time.Millisecond), nil)
	require.Len(t, next, 1)
	h1, err := packet.ParseHeader(out[0].Data, c.cfg.ProtocolID)
	require.NoError(t, err)
	h2, err := packet.ParseHeader(next[0].Data, c.cfg.ProtocolID)
	require.NoError(t, err)
	assert.Greater(t, h2.Sequence, h1.Sequence)
}

func TestSendRequiresConnection(t *testing.T) {
	c := newClient(t)
	assert.ErrorIs(t, c.Send(0, []byte("x")), ErrNotConnected)
	assert.Nil(t, c.Receive(0))
	assert.Zero(t, c.NetworkInfo())
}

func TestDisconnectBeforeChallenge(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newClient(t)
	assert.Nil(t, c.Disconnect(now))

	require.NoError(t, c.Connect(issue(t, c.cfg, now, primary), now))
	conn := c.conn
	assert.Empty(t, c.Disconnect(now))
	assert.Equal(t, StateDisconnected, c.State())
	_, err := conn.Seal(&packet.KeepAlive{}, now)
	assert.ErrorIs(t, err, packet.ErrNoCipher)
	assert.Equal(t, session.ReasonDisconnectedLocally, c.DisconnectReason())
	assert.Nil(t, c.Update(now, nil))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "SendingChallengeResponse", StateSendingChallengeResponse.String())
	assert.Equal(t, "State(99)", State(99).String())
}
