package packet

import (
	"fmt"

	"github.com/opd-ai/netcode/crypto"
)

// Kind identifies the type of a packet.
type Kind uint8

const (
	KindConnectionRequest Kind = iota
	KindConnectionDenied
	KindChallenge
	KindChallengeResponse
	KindKeepAlive
	KindPayload
	KindDisconnect

	numKinds
)

var kindNames = [numKinds]string{
	"ConnectionRequest",
	"ConnectionDenied",
	"Challenge",
	"ChallengeResponse",
	"KeepAlive",
	"Payload",
	"Disconnect",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Encrypted reports whether packets of this kind are AEAD-sealed and carry a
// sequence number.
func (k Kind) Encrypted() bool {
	return k >= KindChallengeResponse && k < numKinds
}

// Packet is implemented by every packet kind.
type Packet interface {
	Kind() Kind
}

// DenyReason tells a client why its connection was refused.
type DenyReason uint8

const (
	DenyServerFull DenyReason = iota + 1
	DenyQuarantined
)

func (r DenyReason) String() string {
	switch r {
	case DenyServerFull:
		return "ServerFull"
	case DenyQuarantined:
		return "Quarantined"
	default:
		return fmt.Sprintf("DenyReason(%d)", uint8(r))
	}
}

// ConnectionRequest carries the sealed part of a connect token.
type ConnectionRequest struct {
	VersionInfo [crypto.VersionInfoSize]byte
	Token       crypto.SealedToken
}

// ConnectionDenied refuses a connection request.
type ConnectionDenied struct {
	Reason DenyReason
}

// Challenge carries a server-sealed challenge token to the requesting address.
type Challenge struct {
	Sequence uint64
	Token    [crypto.ChallengeTokenSize]byte
}

// ChallengeResponse echoes a challenge token back to the server.
type ChallengeResponse struct {
	Sequence uint64
	Token    [crypto.ChallengeTokenSize]byte
}

// KeepAlive keeps a session alive and, from the server, confirms acceptance.
type KeepAlive struct {
	ClientIndex uint32
	MaxClients  uint32
}

// Payload carries multiplexed channel data.
type Payload struct {
	Data []byte
}

// Disconnect announces that the sender is closing the session.
type Disconnect struct{}

func (*ConnectionRequest) Kind() Kind { return KindConnectionRequest }
func (*ConnectionDenied) Kind() Kind  { return KindConnectionDenied }
func (*Challenge) Kind() Kind         { return KindChallenge }
func (*ChallengeResponse) Kind() Kind { return KindChallengeResponse }
func (*KeepAlive) Kind() Kind         { return KindKeepAlive }
func (*Payload) Kind() Kind           { return KindPayload }
func (*Disconnect) Kind() Kind        { return KindDisconnect }
