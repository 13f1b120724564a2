package channel

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// transfer is the message a chunked channel is currently sending.
type transfer struct {
	messageID uint64
	chunks    [][]byte
	acked     []bool
	lastSent  []time.Time
	remaining int
}

// reliableChunkedChannel sends one large message at a time. Chunks are acked
// and resent individually; the receiver reassembles in any order.
type reliableChunkedChannel struct {
	cfg   Config
	index uint8

	queue      [][]byte
	nextSendID uint64
	current    *transfer

	nextReceiveID uint64
	incoming      *reassembly
	inbox         [][]byte
}

func newReliableChunked(cfg Config, index uint8) *reliableChunkedChannel {
	return &reliableChunkedChannel{cfg: cfg, index: index}
}

func (c *reliableChunkedChannel) config() Config { return c.cfg }

func (c *reliableChunkedChannel) send(msg []byte) error {
	if err := validateSend(c.cfg, msg); err != nil {
		return err
	}
	if len(c.queue) >= c.cfg.SendQueueLimit {
		return fmt.Errorf("%w: channel %d has %d queued messages", ErrSendQueueFull, c.cfg.ID, len(c.queue))
	}
	c.queue = append(c.queue, append([]byte(nil), msg...))
	return nil
}

func (c *reliableChunkedChannel) fill(b *builder, now time.Time) {
	if c.current == nil {
		if len(c.queue) == 0 {
			return
		}
		msg := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]

		chunks := split(msg)
		c.current = &transfer{
			messageID: c.nextSendID,
			chunks:    chunks,
			acked:     make([]bool, len(chunks)),
			lastSent:  make([]time.Time, len(chunks)),
			remaining: len(chunks),
		}
		c.nextSendID++
	}

	t := c.current
	for i, chunk := range t.chunks {
		if t.acked[i] {
			continue
		}
		if !t.lastSent[i].IsZero() && now.Sub(t.lastSent[i]) < c.cfg.ResendInterval {
			continue
		}
		f := frame{
			channel:   c.cfg.ID,
			typ:       frameChunk,
			messageID: t.messageID,
			index:     uint32(i),
			count:     uint32(len(t.chunks)),
			data:      chunk,
		}
		if !b.fits(&f) {
			return
		}
		b.add(&f, &messageRef{channel: c.index, messageID: t.messageID, index: uint32(i)})
		t.lastSent[i] = now
	}
}

func (c *reliableChunkedChannel) ack(ref messageRef) {
	t := c.current
	if t == nil || t.messageID != ref.messageID || int(ref.index) >= len(t.chunks) {
		return
	}
	if t.acked[ref.index] {
		return
	}
	t.acked[ref.index] = true
	t.remaining--
	if t.remaining == 0 {
		c.current = nil
	}
}

func (c *reliableChunkedChannel) process(f *frame, now time.Time) error {
	if f.typ != frameChunk {
		return fmt.Errorf("%w: frame type %d on reliable-chunked channel %d", ErrProtocolViolation, f.typ, c.cfg.ID)
	}
	if err := validatePart(f, c.cfg.MaxMessageSize); err != nil {
		return err
	}
	if f.messageID < c.nextReceiveID {
		return nil // already delivered, the ack was lost
	}

	if len(c.inbox) >= c.cfg.SendQueueLimit {
		// Keep the partial message alive while the application catches up.
		if c.incoming != nil && c.incoming.messageID == f.messageID {
			c.incoming.lastReceived = now
		}
		return errReceiveQueueFull
	}

	if c.incoming != nil && c.incoming.messageID != f.messageID {
		if f.messageID < c.incoming.messageID {
			return nil
		}
		logrus.WithFields(logrus.Fields{
			"function":    "reliableChunkedChannel.process",
			"channel":     c.cfg.ID,
			"abandoned":   c.incoming.messageID,
			"replaced_by": f.messageID,
		}).Debug("Sender moved on, dropping partial message")
		c.incoming = nil
	}
	if c.incoming == nil {
		c.incoming = newReassembly(f.messageID, f.count, now)
	}

	complete, err := c.incoming.add(f, c.cfg.MaxMessageSize, now)
	if err != nil {
		c.incoming = nil
		return err
	}
	if complete {
		c.inbox = append(c.inbox, c.incoming.message())
		c.nextReceiveID = f.messageID + 1
		c.incoming = nil
	}
	return nil
}

func (c *reliableChunkedChannel) receive() []byte {
	if len(c.inbox) == 0 {
		return nil
	}
	msg := c.inbox[0]
	c.inbox[0] = nil
	c.inbox = c.inbox[1:]
	return msg
}

func (c *reliableChunkedChannel) update(now time.Time) {
	if c.incoming != nil && c.incoming.expired(now, c.cfg.ReassemblyTimeout) {
		logrus.WithFields(logrus.Fields{
			"function":   "reliableChunkedChannel.update",
			"channel":    c.cfg.ID,
			"message_id": c.incoming.messageID,
			"received":   c.incoming.received,
			"count":      c.incoming.count,
		}).Warn("Chunked message reassembly timed out")
		c.incoming = nil
	}
}
