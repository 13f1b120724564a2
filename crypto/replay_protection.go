package crypto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMaxTokenNonces bounds the nonce store of a single server.
const DefaultMaxTokenNonces = 1 << 16

const nonceRecordSize = TokenNonceSize + 8

// TokenNonceStore remembers the nonces of connect tokens that were accepted so
// that each token can be validated at most once.
//
// A nonce is kept until its token expires; after that the token is rejected
// as expired anyway. Time is always passed in explicitly.
//
// The store can be written to and read back from any io.Writer/io.Reader so
// that a daemon can carry replay protection across restarts:
//
//	ns := crypto.NewTokenNonceStore(crypto.DefaultMaxTokenNonces)
//	if f, err := os.Open(path); err == nil {
//	    _ = ns.Load(f, time.Now())
//	    f.Close()
//	}
type TokenNonceStore struct {
	nonces     map[TokenNonce]int64 // nonce -> expiry unix timestamp
	maxEntries int
}

// NewTokenNonceStore creates an empty store holding at most maxEntries nonces.
func NewTokenNonceStore(maxEntries int) *TokenNonceStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxTokenNonces
	}
	return &TokenNonceStore{
		nonces:     make(map[TokenNonce]int64),
		maxEntries: maxEntries,
	}
}

// CheckAndStore checks if nonce was used and stores it if not.
// Returns true if nonce is new (not a replay), false if replay detected or
// the store is full of unexpired nonces.
func (ns *TokenNonceStore) CheckAndStore(nonce TokenNonce, expiry int64, now time.Time) bool {
	if _, exists := ns.nonces[nonce]; exists {
		logrus.WithFields(logrus.Fields{
			"function": "TokenNonceStore.CheckAndStore",
			"nonce":    fmt.Sprintf("%x", nonce[:8]),
		}).Warn("Connect token replay detected: nonce already used")
		return false
	}

	if len(ns.nonces) >= ns.maxEntries {
		ns.Cleanup(now)
		if len(ns.nonces) >= ns.maxEntries {
			logrus.WithFields(logrus.Fields{
				"function": "TokenNonceStore.CheckAndStore",
				"size":     len(ns.nonces),
			}).Warn("Token nonce store full, rejecting token")
			return false
		}
	}

	ns.nonces[nonce] = expiry
	return true
}

// Cleanup removes nonces whose tokens have expired and returns how many.
func (ns *TokenNonceStore) Cleanup(now time.Time) int {
	unix := now.Unix()
	removed := 0

	for nonce, expiry := range ns.nonces {
		if expiry < unix {
			delete(ns.nonces, nonce)
			removed++
		}
	}

	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "TokenNonceStore.Cleanup",
			"removed":   removed,
			"remaining": len(ns.nonces),
		}).Debug("Cleaned up expired token nonces")
	}
	return removed
}

// Size returns the current number of stored nonces
func (ns *TokenNonceStore) Size() int {
	return len(ns.nonces)
}

// Save writes every stored nonce as a count followed by fixed-size records.
func (ns *TokenNonceStore) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)

	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(len(ns.nonces)))
	if _, err := bw.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write nonce store header: %w", err)
	}

	var record [nonceRecordSize]byte
	for nonce, expiry := range ns.nonces {
		copy(record[:TokenNonceSize], nonce[:])
		binary.BigEndian.PutUint64(record[TokenNonceSize:], uint64(expiry))
		if _, err := bw.Write(record[:]); err != nil {
			return fmt.Errorf("failed to write nonce record: %w", err)
		}
	}

	return bw.Flush()
}

// Load reads nonces written by Save, skipping any that expired before now.
func (ns *TokenNonceStore) Load(r io.Reader, now time.Time) error {
	br := bufio.NewReader(r)

	var header [8]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return fmt.Errorf("corrupted nonce store: %w", err)
	}
	count := binary.BigEndian.Uint64(header[:])

	unix := now.Unix()
	loaded := 0
	var record [nonceRecordSize]byte
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(br, record[:]); err != nil {
			return fmt.Errorf("corrupted nonce store at record %d: %w", i, err)
		}
		expiry := int64(binary.BigEndian.Uint64(record[TokenNonceSize:]))
		if expiry < unix || len(ns.nonces) >= ns.maxEntries {
			continue
		}
		var nonce TokenNonce
		copy(nonce[:], record[:TokenNonceSize])
		ns.nonces[nonce] = expiry
		loaded++
	}

	logrus.WithFields(logrus.Fields{
		"function":       "TokenNonceStore.Load",
		"total_in_file":  count,
		"loaded":         loaded,
		"expired_pruned": count - uint64(loaded),
	}).Info("Token nonce store loaded")

	return nil
}
