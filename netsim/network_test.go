package netsim

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA = netip.MustParseAddrPort("10.0.0.1:1000")
	addrB = netip.MustParseAddrPort("10.0.0.2:2000")
	start = time.Unix(100, 0)
)

func TestDeliveryAfterLatency(t *testing.T) {
	n := New(Config{Latency: 20 * time.Millisecond})
	a, b := n.Endpoint(addrA), n.Endpoint(addrB)
	n.Advance(start)

	require.NoError(t, a.Send(addrB, []byte("hi")))
	n.Advance(start.Add(10 * time.Millisecond))
	assert.Empty(t, b.Receive())

	n.Advance(start.Add(20 * time.Millisecond))
	got := b.Receive()
	require.Len(t, got, 1)
	assert.Equal(t, addrA, got[0].Addr)
	assert.Equal(t, []byte("hi"), got[0].Data)
	assert.Empty(t, b.Receive())
}

func TestLossAndDuplicationAreSeeded(t *testing.T) {
	run := func() ([]byte, Stats) {
		n := New(Config{Loss: 0.3, Duplicate: 0.2, Jitter: 50 * time.Millisecond, Seed: 42})
		a, b := n.Endpoint(addrA), n.Endpoint(addrB)
		n.Advance(start)
		for i := 0; i < 200; i++ {
			require.NoError(t, a.Send(addrB, []byte{byte(i)}))
		}
		n.Advance(start.Add(time.Second))
		var order []byte
		for _, d := range b.Receive() {
			order = append(order, d.Data[0])
		}
		return order, n.Stats()
	}

	first, stats := run()
	second, _ := run()
	assert.Equal(t, first, second, "same seed, same outcome")

	assert.Equal(t, uint64(200), stats.Sent)
	assert.NotZero(t, stats.Dropped)
	assert.NotZero(t, stats.Duplicated)
	assert.Equal(t, stats.Sent-stats.Dropped+stats.Duplicated, stats.Delivered)
	assert.Len(t, first, int(stats.Delivered))

	sorted := true
	for i := 1; i < len(first); i++ {
		if first[i] < first[i-1] {
			sorted = false
		}
	}
	assert.False(t, sorted, "jitter reorders datagrams")
}

func TestBlock(t *testing.T) {
	n := New(Config{})
	a, b := n.Endpoint(addrA), n.Endpoint(addrB)
	n.Advance(start)

	n.Block(addrB)
	require.NoError(t, a.Send(addrB, []byte("x")))
	n.Advance(start)
	assert.Empty(t, b.Receive())
	assert.Equal(t, uint64(1), n.Stats().Blocked)

	n.Unblock(addrB)
	require.NoError(t, a.Send(addrB, []byte("y")))
	n.Advance(start)
	assert.Len(t, b.Receive(), 1)
}

func TestClosedEndpoint(t *testing.T) {
	n := New(Config{})
	a, b := n.Endpoint(addrA), n.Endpoint(addrB)
	require.NoError(t, b.Close())

	require.NoError(t, a.Send(addrB, []byte("x")))
	n.Advance(start)
	assert.Equal(t, uint64(1), n.Stats().Dropped)
	assert.ErrorIs(t, b.Send(addrA, []byte("x")), ErrUnknownEndpoint)
}

func TestSendValidatesSize(t *testing.T) {
	n := New(Config{})
	a := n.Endpoint(addrA)
	assert.Error(t, a.Send(addrB, nil))
	assert.Error(t, a.Send(addrB, make([]byte, 1201)))
	assert.Zero(t, n.Stats().Sent)
}

func TestClockNeverMovesBackwards(t *testing.T) {
	n := New(Config{Latency: 10 * time.Millisecond})
	a, b := n.Endpoint(addrA), n.Endpoint(addrB)
	n.Advance(start.Add(time.Second))
	n.Advance(start)
	require.NoError(t, a.Send(addrB, []byte("x")))
	n.Advance(start.Add(time.Second + 10*time.Millisecond))
	assert.Len(t, b.Receive(), 1)
	assert.Zero(t, n.InFlight())
}
