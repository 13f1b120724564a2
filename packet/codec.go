package packet

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/limits"
)

const (
	headerSize = limits.ProtocolIDSize + limits.PrefixSize

	connectionRequestBodySize = crypto.VersionInfoSize + 8 + crypto.TokenNonceSize + crypto.PrivateTokenSize
	connectionDeniedBodySize  = 1
	challengeBodySize         = 8 + crypto.ChallengeTokenSize
	keepAliveBodySize         = 8
)

// Header is the unauthenticated prefix of a packet.
type Header struct {
	Kind     Kind
	Sequence uint64
	// Size is the number of header bytes, including the sequence.
	Size int
}

// SequenceBytes returns the minimal width used to encode seq.
func SequenceBytes(seq uint64) int {
	n := (bits.Len64(seq) + 7) / 8
	if n == 0 {
		return 1
	}
	return n
}

// ParseHeader reads the protocol id, kind and sequence without touching the
// body. Session packets can be checked against a replay window before the
// more expensive decryption.
func ParseHeader(data []byte, protocolID uint64) (Header, error) {
	if err := limits.ValidateDatagram(data); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(data) < headerSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	if id := binary.LittleEndian.Uint64(data); id != protocolID {
		return Header{}, fmt.Errorf("%w: got %#x", ErrProtocolMismatch, id)
	}

	prefix := data[limits.ProtocolIDSize]
	h := Header{Kind: Kind(prefix & 0x0f), Size: headerSize}
	seqBytes := int(prefix >> 4)

	if h.Kind >= numKinds {
		return Header{}, fmt.Errorf("%w: %d", ErrUnknownKind, h.Kind)
	}

	if !h.Kind.Encrypted() {
		if seqBytes != 0 {
			return Header{}, fmt.Errorf("%w: %v carries a sequence", ErrMalformed, h.Kind)
		}
		return h, nil
	}

	if seqBytes < 1 || seqBytes > limits.MaxSequenceBytes {
		return Header{}, fmt.Errorf("%w: sequence width %d", ErrMalformed, seqBytes)
	}
	if len(data) < headerSize+seqBytes {
		return Header{}, fmt.Errorf("%w: sequence", ErrTruncated)
	}
	for i := 0; i < seqBytes; i++ {
		h.Sequence |= uint64(data[headerSize+i]) << (8 * i)
	}
	if SequenceBytes(h.Sequence) != seqBytes {
		return Header{}, fmt.Errorf("%w: non-canonical sequence width %d", ErrMalformed, seqBytes)
	}
	h.Size += seqBytes
	return h, nil
}

// Encode serializes p. Session kinds are sealed with cipher under sequence;
// pre-session kinds ignore both.
func Encode(p Packet, protocolID, sequence uint64, cipher *crypto.PacketCipher) ([]byte, error) {
	kind := p.Kind()

	if !kind.Encrypted() {
		out := make([]byte, headerSize, limits.MaxPacketSize)
		binary.LittleEndian.PutUint64(out, protocolID)
		out[limits.ProtocolIDSize] = byte(kind)
		return appendPlainBody(out, p)
	}

	if cipher == nil || cipher.Closed() {
		return nil, fmt.Errorf("%w: %v", ErrNoCipher, kind)
	}

	body, err := appendSessionBody(make([]byte, 0, limits.MaxPayloadBody), p)
	if err != nil {
		return nil, err
	}

	seqBytes := SequenceBytes(sequence)
	out := make([]byte, headerSize+seqBytes, headerSize+seqBytes+len(body)+limits.AuthTagSize)
	binary.LittleEndian.PutUint64(out, protocolID)
	out[limits.ProtocolIDSize] = byte(kind) | byte(seqBytes)<<4
	for i := 0; i < seqBytes; i++ {
		out[headerSize+i] = byte(sequence >> (8 * i))
	}

	out = cipher.Seal(out, sequence, associatedData(protocolID, out[limits.ProtocolIDSize]), body)
	crypto.ZeroBytes(body)
	return out, nil
}

// Decode parses untrusted bytes. Session kinds require cipher; a nil cipher
// only accepts pre-session kinds.
func Decode(data []byte, protocolID uint64, cipher *crypto.PacketCipher) (Packet, uint64, error) {
	h, err := ParseHeader(data, protocolID)
	if err != nil {
		return nil, 0, err
	}
	p, err := DecodeWithHeader(data, h, protocolID, cipher)
	return p, h.Sequence, err
}

// DecodeWithHeader finishes decoding data whose header was already parsed.
func DecodeWithHeader(data []byte, h Header, protocolID uint64, cipher *crypto.PacketCipher) (Packet, error) {
	body := data[h.Size:]

	if !h.Kind.Encrypted() {
		return readPlainBody(h.Kind, body)
	}

	if cipher == nil || cipher.Closed() {
		return nil, fmt.Errorf("%w: %v", ErrNoCipher, h.Kind)
	}
	if len(body) < limits.AuthTagSize {
		return nil, fmt.Errorf("%w: missing auth tag", ErrTruncated)
	}

	plain, err := cipher.Open(nil, h.Sequence, associatedData(protocolID, data[limits.ProtocolIDSize]), body)
	if err != nil {
		return nil, err
	}
	return readSessionBody(h.Kind, plain)
}

func associatedData(protocolID uint64, prefix byte) []byte {
	ad := make([]byte, 0, crypto.VersionInfoSize+9)
	ad = append(ad, crypto.VersionInfo[:]...)
	ad = binary.LittleEndian.AppendUint64(ad, protocolID)
	return append(ad, prefix)
}

func appendPlainBody(out []byte, p Packet) ([]byte, error) {
	switch v := p.(type) {
	case *ConnectionRequest:
		out = append(out, v.VersionInfo[:]...)
		out = binary.LittleEndian.AppendUint64(out, v.Token.ExpireTimestamp)
		out = append(out, v.Token.Nonce[:]...)
		return append(out, v.Token.Data[:]...), nil
	case *ConnectionDenied:
		return append(out, byte(v.Reason)), nil
	case *Challenge:
		out = binary.LittleEndian.AppendUint64(out, v.Sequence)
		return append(out, v.Token[:]...), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, p)
	}
}

func appendSessionBody(out []byte, p Packet) ([]byte, error) {
	switch v := p.(type) {
	case *ChallengeResponse:
		out = binary.LittleEndian.AppendUint64(out, v.Sequence)
		return append(out, v.Token[:]...), nil
	case *KeepAlive:
		out = binary.LittleEndian.AppendUint32(out, v.ClientIndex)
		return binary.LittleEndian.AppendUint32(out, v.MaxClients), nil
	case *Payload:
		if len(v.Data) == 0 {
			return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
		}
		if err := limits.ValidatePayloadBody(v.Data); err != nil {
			return nil, err
		}
		return append(out, v.Data...), nil
	case *Disconnect:
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, p)
	}
}

func expectSize(kind Kind, body []byte, size int) error {
	if len(body) < size {
		return fmt.Errorf("%w: %v body %d bytes, want %d", ErrTruncated, kind, len(body), size)
	}
	if len(body) > size {
		return fmt.Errorf("%w: %v body %d bytes, want %d", ErrMalformed, kind, len(body), size)
	}
	return nil
}

func readPlainBody(kind Kind, body []byte) (Packet, error) {
	switch kind {
	case KindConnectionRequest:
		if err := expectSize(kind, body, connectionRequestBodySize); err != nil {
			return nil, err
		}
		p := &ConnectionRequest{}
		n := copy(p.VersionInfo[:], body)
		if p.VersionInfo != crypto.VersionInfo {
			return nil, fmt.Errorf("%w: %q", ErrVersionMismatch, p.VersionInfo[:])
		}
		p.Token.ExpireTimestamp = binary.LittleEndian.Uint64(body[n:])
		n += 8
		n += copy(p.Token.Nonce[:], body[n:])
		copy(p.Token.Data[:], body[n:])
		return p, nil

	case KindConnectionDenied:
		if err := expectSize(kind, body, connectionDeniedBodySize); err != nil {
			return nil, err
		}
		return &ConnectionDenied{Reason: DenyReason(body[0])}, nil

	case KindChallenge:
		if err := expectSize(kind, body, challengeBodySize); err != nil {
			return nil, err
		}
		p := &Challenge{Sequence: binary.LittleEndian.Uint64(body)}
		copy(p.Token[:], body[8:])
		return p, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownKind, kind)
}

func readSessionBody(kind Kind, body []byte) (Packet, error) {
	switch kind {
	case KindChallengeResponse:
		if err := expectSize(kind, body, challengeBodySize); err != nil {
			return nil, err
		}
		p := &ChallengeResponse{Sequence: binary.LittleEndian.Uint64(body)}
		copy(p.Token[:], body[8:])
		return p, nil

	case KindKeepAlive:
		if err := expectSize(kind, body, keepAliveBodySize); err != nil {
			return nil, err
		}
		return &KeepAlive{
			ClientIndex: binary.LittleEndian.Uint32(body),
			MaxClients:  binary.LittleEndian.Uint32(body[4:]),
		}, nil

	case KindPayload:
		if len(body) == 0 {
			return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
		}
		return &Payload{Data: body}, nil

	case KindDisconnect:
		if err := expectSize(kind, body, 0); err != nil {
			return nil, err
		}
		return &Disconnect{}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownKind, kind)
}
