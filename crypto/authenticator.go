package crypto

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/transport"
)

// Authenticator validates connect tokens and issues challenge tokens for a
// single server. It owns the server's challenge key, which is generated at
// construction and never leaves the process.
type Authenticator struct {
	protocolID        uint64
	serverAddr        netip.AddrPort
	privateKey        Key
	challengeKey      Key
	challengeSequence uint64
	nonces            *TokenNonceStore
}

// NewAuthenticator creates an authenticator for the server reachable at
// serverAddr. If serverAddr is not valid the endpoint list check is skipped,
// which is only useful for servers behind address translation.
func NewAuthenticator(protocolID uint64, serverAddr netip.AddrPort, privateKey Key, nonces *TokenNonceStore) (*Authenticator, error) {
	challengeKey, err := GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate challenge key: %w", err)
	}
	if nonces == nil {
		nonces = NewTokenNonceStore(DefaultMaxTokenNonces)
	}
	if serverAddr.IsValid() {
		serverAddr = transport.Normalize(serverAddr)
	}
	return &Authenticator{
		protocolID:   protocolID,
		serverAddr:   serverAddr,
		privateKey:   privateKey,
		challengeKey: challengeKey,
		nonces:       nonces,
	}, nil
}

// Nonces returns the store of consumed token nonces.
func (a *Authenticator) Nonces() *TokenNonceStore {
	return a.nonces
}

// ValidateConnectToken opens a sealed token and consumes its nonce. A token
// can be validated successfully exactly once.
func (a *Authenticator) ValidateConnectToken(sealed *SealedToken, now time.Time) (*PrivateConnectToken, error) {
	if uint64(now.Unix()) > sealed.ExpireTimestamp {
		return nil, fmt.Errorf("%w: expired at %d", ErrTokenExpired, sealed.ExpireTimestamp)
	}

	token, err := openPrivateToken(sealed, a.protocolID, a.privateKey)
	if err != nil {
		return nil, err
	}

	if a.serverAddr.IsValid() && !containsAddr(token.ServerAddresses, a.serverAddr) {
		WipeKey(&token.SessionKey)
		return nil, fmt.Errorf("%w: %v", ErrTokenWrongServer, a.serverAddr)
	}

	if !a.nonces.CheckAndStore(sealed.Nonce, int64(sealed.ExpireTimestamp), now) {
		WipeKey(&token.SessionKey)
		return nil, ErrTokenAlreadyUsed
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Authenticator.ValidateConnectToken",
		"client_id": token.ClientID,
	}).Debug("Connect token accepted")

	return token, nil
}

// SealChallenge wraps a challenge token under the server-only key. Every call
// uses a fresh challenge sequence as the nonce.
func (a *Authenticator) SealChallenge(clientID uint64, userData UserData) (uint64, [ChallengeTokenSize]byte, error) {
	a.challengeSequence++
	seq := a.challengeSequence
	sealed, err := sealChallenge(&ChallengeToken{ClientID: clientID, UserData: userData}, seq, a.challengeKey)
	return seq, sealed, err
}

// OpenChallenge unwraps a challenge token echoed by a client.
func (a *Authenticator) OpenChallenge(sequence uint64, sealed [ChallengeTokenSize]byte) (*ChallengeToken, error) {
	return openChallenge(&sealed, sequence, a.challengeKey)
}

// Close scrubs the keys held by the authenticator.
func (a *Authenticator) Close() {
	WipeKey(&a.privateKey)
	WipeKey(&a.challengeKey)
}

func containsAddr(list []netip.AddrPort, addr netip.AddrPort) bool {
	for _, a := range list {
		if transport.Normalize(a) == addr {
			return true
		}
	}
	return false
}
