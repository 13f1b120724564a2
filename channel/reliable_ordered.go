package channel

import (
	"fmt"
	"time"

	"github.com/opd-ai/netcode/sequence"
)

type pendingMessage struct {
	data     []byte
	lastSent time.Time
	sent     bool
}

// reliableOrderedChannel resends every message until acked and releases
// received messages strictly in id order. Ids in flight never span more than
// one window, so ring slots never collide. Contiguous messages move to the
// inbox on arrival, so the receive window advances without the application.
type reliableOrderedChannel struct {
	cfg    Config
	index  uint8
	window uint64

	nextSendID    uint64
	oldestUnacked uint64
	unacked       *sequence.Ring[pendingMessage]

	nextReceiveID uint64
	received      *sequence.Ring[[]byte]
	inbox         [][]byte
}

func newReliableOrdered(cfg Config, index uint8) *reliableOrderedChannel {
	w := cfg.window()
	// Window is a validated power of two, so construction cannot fail.
	unacked, _ := sequence.NewRing[pendingMessage](w)
	received, _ := sequence.NewRing[[]byte](w)
	return &reliableOrderedChannel{
		cfg:      cfg,
		index:    index,
		window:   uint64(w),
		unacked:  unacked,
		received: received,
	}
}

func (c *reliableOrderedChannel) config() Config { return c.cfg }

func (c *reliableOrderedChannel) send(msg []byte) error {
	if err := validateSend(c.cfg, msg); err != nil {
		return err
	}
	if c.nextSendID-c.oldestUnacked >= c.window {
		return fmt.Errorf("%w: channel %d has %d unacknowledged messages",
			ErrSendQueueFull, c.cfg.ID, c.nextSendID-c.oldestUnacked)
	}
	c.unacked.Insert(c.nextSendID, pendingMessage{data: append([]byte(nil), msg...)})
	c.nextSendID++
	return nil
}

func (c *reliableOrderedChannel) fill(b *builder, now time.Time) {
	for id := c.oldestUnacked; id < c.nextSendID; id++ {
		p, ok := c.unacked.Get(id)
		if !ok {
			continue
		}
		if p.sent && now.Sub(p.lastSent) < c.cfg.ResendInterval {
			continue
		}
		f := frame{channel: c.cfg.ID, typ: frameReliable, messageID: id, data: p.data}
		if !b.fits(&f) {
			continue
		}
		b.add(&f, &messageRef{channel: c.index, messageID: id})
		p.sent = true
		p.lastSent = now
		c.unacked.Insert(id, p)
	}
}

func (c *reliableOrderedChannel) ack(ref messageRef) {
	c.unacked.Remove(ref.messageID)
	for c.oldestUnacked < c.nextSendID && !c.unacked.Exists(c.oldestUnacked) {
		c.oldestUnacked++
	}
}

func (c *reliableOrderedChannel) process(f *frame, _ time.Time) error {
	if f.typ != frameReliable {
		return fmt.Errorf("%w: frame type %d on reliable-ordered channel %d", ErrProtocolViolation, f.typ, c.cfg.ID)
	}
	if len(f.data) == 0 || len(f.data) > c.cfg.MaxMessageSize {
		return fmt.Errorf("%w: reliable message of %d bytes", ErrProtocolViolation, len(f.data))
	}
	if f.messageID < c.nextReceiveID {
		return nil // already delivered, the ack was lost
	}
	if f.messageID-c.nextReceiveID >= c.window {
		return fmt.Errorf("%w: message id %d beyond receive window at %d",
			ErrProtocolViolation, f.messageID, c.nextReceiveID)
	}
	if c.received.Exists(f.messageID) {
		return nil
	}
	if len(c.inbox) >= c.cfg.SendQueueLimit {
		return errReceiveQueueFull
	}
	c.received.Insert(f.messageID, append([]byte(nil), f.data...))
	for {
		msg, ok := c.received.Remove(c.nextReceiveID)
		if !ok {
			break
		}
		c.inbox = append(c.inbox, msg)
		c.nextReceiveID++
	}
	return nil
}

func (c *reliableOrderedChannel) receive() []byte {
	if len(c.inbox) == 0 {
		return nil
	}
	msg := c.inbox[0]
	c.inbox[0] = nil
	c.inbox = c.inbox[1:]
	return msg
}

func (*reliableOrderedChannel) update(time.Time) {}
