package crypto

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenNonceStoreCheckAndStore(t *testing.T) {
	ns := NewTokenNonceStore(0)
	nonce := TokenNonce{0x01, 0x02, 0x03}
	expiry := testNow.Add(time.Minute).Unix()

	assert.True(t, ns.CheckAndStore(nonce, expiry, testNow), "First nonce use should succeed")
	assert.Equal(t, 1, ns.Size())

	assert.False(t, ns.CheckAndStore(nonce, expiry, testNow), "Replay should be detected")
	assert.Equal(t, 1, ns.Size(), "Size should not increase on replay")
}

func TestTokenNonceStoreExpiration(t *testing.T) {
	ns := NewTokenNonceStore(0)

	oldNonce := TokenNonce{0x01}
	currentNonce := TokenNonce{0x02}
	ns.CheckAndStore(oldNonce, testNow.Add(-time.Minute).Unix(), testNow)
	ns.CheckAndStore(currentNonce, testNow.Add(time.Minute).Unix(), testNow)
	assert.Equal(t, 2, ns.Size())

	assert.Equal(t, 1, ns.Cleanup(testNow))
	assert.Equal(t, 1, ns.Size(), "Expired nonce should be removed")
	assert.False(t, ns.CheckAndStore(currentNonce, testNow.Add(time.Minute).Unix(), testNow))
}

func TestTokenNonceStoreCapacity(t *testing.T) {
	ns := NewTokenNonceStore(2)
	expiry := testNow.Add(time.Minute).Unix()

	assert.True(t, ns.CheckAndStore(TokenNonce{1}, expiry, testNow))
	assert.True(t, ns.CheckAndStore(TokenNonce{2}, expiry, testNow))
	assert.False(t, ns.CheckAndStore(TokenNonce{3}, expiry, testNow), "full store rejects new nonces")

	// Once the stored tokens expire there is room again
	later := testNow.Add(2 * time.Minute)
	assert.True(t, ns.CheckAndStore(TokenNonce{3}, later.Add(time.Minute).Unix(), later))
	assert.Equal(t, 1, ns.Size())
}

func TestTokenNonceStorePersistence(t *testing.T) {
	ns := NewTokenNonceStore(0)
	live := TokenNonce{0x0a}
	dead := TokenNonce{0x0b}
	ns.CheckAndStore(live, testNow.Add(time.Hour).Unix(), testNow)
	ns.CheckAndStore(dead, testNow.Add(time.Second).Unix(), testNow)

	var buf bytes.Buffer
	require.NoError(t, ns.Save(&buf))
	assert.Equal(t, 8+2*nonceRecordSize, buf.Len())

	restored := NewTokenNonceStore(0)
	require.NoError(t, restored.Load(bytes.NewReader(buf.Bytes()), testNow.Add(time.Minute)))
	assert.Equal(t, 1, restored.Size(), "expired nonce is pruned on load")
	assert.False(t, restored.CheckAndStore(live, testNow.Add(time.Hour).Unix(), testNow))
}

func TestTokenNonceStoreLoadCorrupted(t *testing.T) {
	ns := NewTokenNonceStore(0)
	assert.Error(t, ns.Load(bytes.NewReader([]byte{1, 2, 3}), testNow))

	truncated := []byte{0, 0, 0, 0, 0, 0, 0, 2, 1, 2, 3}
	assert.Error(t, ns.Load(bytes.NewReader(truncated), testNow))
}
