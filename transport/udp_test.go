package transport

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveWithin(t *testing.T, tr Transport, d time.Duration) []Datagram {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if got := tr.Receive(); len(got) > 0 {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func TestUDPTransportRoundTrip(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send(b.LocalAddr(), []byte("ping")))
	got := receiveWithin(t, b, 2*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("ping"), got[0].Data)
	assert.Equal(t, a.LocalAddr(), got[0].Addr)

	assert.Empty(t, b.Receive())
}

func TestUDPTransportRejectsInvalidDatagrams(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	assert.Error(t, a.Send(a.LocalAddr(), nil))
	assert.Error(t, a.Send(a.LocalAddr(), make([]byte, 1201)))
}

func TestUDPTransportClose(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.NoError(t, a.Close(), "second close is a no-op")
	assert.ErrorIs(t, a.Send(netip.MustParseAddrPort("127.0.0.1:9"), []byte("x")), ErrClosed)
}

func TestUDPTransportQueueOverflow(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewUDPTransportWithQueue("127.0.0.1:0", 2)
	require.NoError(t, err)
	defer b.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Send(b.LocalAddr(), []byte{byte(i)}))
	}
	require.Eventually(t, func() bool { return b.Dropped() > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, len(b.Receive()), 2)
}

func TestNormalize(t *testing.T) {
	mapped := netip.MustParseAddrPort("[::ffff:10.1.2.3]:99")
	assert.Equal(t, netip.MustParseAddrPort("10.1.2.3:99"), Normalize(mapped))
}

type recordingTransport struct {
	sent []Datagram
	fail bool
}

func (r *recordingTransport) Send(addr netip.AddrPort, data []byte) error {
	if r.fail {
		return ErrClosed
	}
	r.sent = append(r.sent, Datagram{Addr: addr, Data: data})
	return nil
}
func (r *recordingTransport) Receive() []Datagram       { return nil }
func (r *recordingTransport) LocalAddr() netip.AddrPort { return netip.AddrPort{} }
func (r *recordingTransport) Close() error              { return nil }

func TestSendAll(t *testing.T) {
	out := []Datagram{
		{Addr: netip.MustParseAddrPort("127.0.0.1:1"), Data: []byte("a")},
		{Addr: netip.MustParseAddrPort("127.0.0.1:2"), Data: []byte("b")},
	}
	r := &recordingTransport{}
	assert.Equal(t, 2, SendAll(r, out))
	assert.Equal(t, out, r.sent)

	assert.Equal(t, 0, SendAll(&recordingTransport{fail: true}, out))
}
