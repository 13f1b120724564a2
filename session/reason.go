package session

import "fmt"

// DisconnectReason records why a connection or handshake ended.
type DisconnectReason uint8

const (
	ReasonNone DisconnectReason = iota
	// ReasonTimeout means no packet arrived within the liveness timeout.
	ReasonTimeout
	// ReasonHandshakeTimeout means no server answered the handshake in time.
	ReasonHandshakeTimeout
	// ReasonServerFull means every server in the token denied for capacity.
	ReasonServerFull
	// ReasonQuarantined means the server still remembers this client id.
	ReasonQuarantined
	// ReasonTokenExpired means the connect token expired before use.
	ReasonTokenExpired
	// ReasonTokenInvalid means the connect token could not be used at all.
	ReasonTokenInvalid
	// ReasonDisconnectedByPeer means the other side sent Disconnect.
	ReasonDisconnectedByPeer
	// ReasonDisconnectedLocally means the application asked to disconnect.
	ReasonDisconnectedLocally
	// ReasonProtocolViolation means the peer exceeded the violation limit.
	ReasonProtocolViolation
)

var reasonNames = [...]string{
	ReasonNone:                "None",
	ReasonTimeout:             "Timeout",
	ReasonHandshakeTimeout:    "HandshakeTimeout",
	ReasonServerFull:          "ServerFull",
	ReasonQuarantined:         "Quarantined",
	ReasonTokenExpired:        "TokenExpired",
	ReasonTokenInvalid:        "TokenInvalid",
	ReasonDisconnectedByPeer:  "DisconnectedByPeer",
	ReasonDisconnectedLocally: "DisconnectedLocally",
	ReasonProtocolViolation:   "ProtocolViolation",
}

func (r DisconnectReason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("DisconnectReason(%d)", uint8(r))
}
