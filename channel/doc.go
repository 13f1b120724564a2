// Package channel multiplexes independent message streams over the Payload
// packets of one connection.
//
// Each connection carries a fixed list of channels, configured identically on
// both peers. A channel has one of three delivery kinds:
//
//   - [Unreliable]: fire and forget. Messages larger than one slice are split
//     into slices sharing a message id; a message is delivered only if every
//     slice arrives before the reassembly timeout. No retransmission.
//
//   - [ReliableOrdered]: every message gets a channel-local id and is resent
//     every resend interval until acknowledged. The receiver buffers early
//     arrivals and releases messages strictly in id order, exactly once.
//
//   - [ReliableChunked]: for messages larger than a packet. One message at a
//     time is split into numbered chunks, each acknowledged and resent
//     individually; the receiver reassembles in any arrival order.
//
// # Acknowledgements
//
// Reliability is driven by packet-level acks. Every Payload body starts with
// the latest received payload sequence and a 32-bit mask of the sequences
// before it. The [Multiplexer] remembers which messages and chunks each sent
// packet carried, so an ack for a packet acknowledges all of them at once and
// feeds the round-trip-time and loss estimates of [NetworkInfo].
//
// A packet is acked only if every reliable frame in it was accepted. When the
// application leaves SendQueueLimit messages unread on a reliable channel,
// further frames are refused and their packets go unacked, so the sender keeps
// resending until the application drains.
//
// # Usage
//
//	mux, err := channel.New(channel.DefaultConfigs(), channel.Options{})
//	_ = mux.Send(1, []byte("hello"))
//	for _, out := range mux.Packets(now, nextSequence) {
//	    // seal out.Body as a Payload packet with sequence out.Sequence
//	}
//	err = mux.ProcessPayload(seq, body, now)
//	for msg := mux.Receive(1); msg != nil; msg = mux.Receive(1) {
//	    // handle msg
//	}
//
// Malformed frames and impossible ids are protocol violations: they discard
// the affected reassembly and are counted; past the configured bound the
// multiplexer reports [ErrProtocolViolation] and the connection is dropped.
package channel
