package channel

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/limits"
)

// maxPendingReassemblies bounds concurrent partially received sliced messages
// per unreliable channel.
const maxPendingReassemblies = 64

type unreliableChannel struct {
	cfg Config

	queue       []frame
	nextSliceID uint64

	reassemblies map[uint64]*reassembly
	inbox        [][]byte
}

func newUnreliable(cfg Config) *unreliableChannel {
	return &unreliableChannel{
		cfg:          cfg,
		reassemblies: make(map[uint64]*reassembly),
	}
}

func (c *unreliableChannel) config() Config { return c.cfg }

func (c *unreliableChannel) send(msg []byte) error {
	if err := validateSend(c.cfg, msg); err != nil {
		return err
	}
	parts := 1
	if len(msg) > limits.SliceSize {
		parts = limits.SliceCount(len(msg))
	}
	if len(c.queue)+parts > c.cfg.SendQueueLimit*maxSlicesPerQueuedMessage(c.cfg) {
		return fmt.Errorf("%w: channel %d", ErrSendQueueFull, c.cfg.ID)
	}

	data := append([]byte(nil), msg...)
	if parts == 1 {
		c.queue = append(c.queue, frame{channel: c.cfg.ID, typ: frameMessage, data: data})
		return nil
	}

	id := c.nextSliceID
	c.nextSliceID++
	for i, part := range split(data) {
		c.queue = append(c.queue, frame{
			channel:   c.cfg.ID,
			typ:       frameSlice,
			messageID: id,
			index:     uint32(i),
			count:     uint32(parts),
			data:      part,
		})
	}
	return nil
}

// maxSlicesPerQueuedMessage scales the queue bound so SendQueueLimit counts
// messages of the configured maximum size.
func maxSlicesPerQueuedMessage(cfg Config) int {
	if n := limits.SliceCount(cfg.MaxMessageSize); n > 1 {
		return n
	}
	return 1
}

func (c *unreliableChannel) receive() []byte {
	if len(c.inbox) == 0 {
		return nil
	}
	msg := c.inbox[0]
	c.inbox[0] = nil
	c.inbox = c.inbox[1:]
	return msg
}

func (c *unreliableChannel) fill(b *builder, _ time.Time) {
	sent := 0
	for sent < len(c.queue) && b.fits(&c.queue[sent]) {
		b.add(&c.queue[sent], nil)
		c.queue[sent] = frame{}
		sent++
	}
	c.queue = c.queue[sent:]
	if len(c.queue) == 0 {
		c.queue = nil
	}
}

func (c *unreliableChannel) process(f *frame, now time.Time) error {
	switch f.typ {
	case frameMessage:
		if len(f.data) == 0 || len(f.data) > c.cfg.MaxMessageSize {
			return fmt.Errorf("%w: unreliable message of %d bytes", ErrProtocolViolation, len(f.data))
		}
		c.deliver(append([]byte(nil), f.data...))
		return nil
	case frameSlice:
		return c.processSlice(f, now)
	default:
		return fmt.Errorf("%w: frame type %d on unreliable channel %d", ErrProtocolViolation, f.typ, c.cfg.ID)
	}
}

func (c *unreliableChannel) processSlice(f *frame, now time.Time) error {
	if err := validatePart(f, c.cfg.MaxMessageSize); err != nil {
		return err
	}

	r, ok := c.reassemblies[f.messageID]
	if !ok {
		if len(c.reassemblies) >= maxPendingReassemblies {
			logrus.WithFields(logrus.Fields{
				"function":   "unreliableChannel.processSlice",
				"channel":    c.cfg.ID,
				"message_id": f.messageID,
			}).Debug("Too many partial messages, dropping slice")
			return nil
		}
		r = newReassembly(f.messageID, f.count, now)
		c.reassemblies[f.messageID] = r
	}

	complete, err := r.add(f, c.cfg.MaxMessageSize, now)
	if err != nil {
		delete(c.reassemblies, f.messageID)
		return err
	}
	if complete {
		delete(c.reassemblies, f.messageID)
		c.deliver(r.message())
	}
	return nil
}

func (c *unreliableChannel) deliver(msg []byte) {
	if len(c.inbox) >= c.cfg.SendQueueLimit {
		logrus.WithFields(logrus.Fields{
			"function": "unreliableChannel.deliver",
			"channel":  c.cfg.ID,
		}).Debug("Receive queue full, dropping message")
		return
	}
	c.inbox = append(c.inbox, msg)
}

func (*unreliableChannel) ack(messageRef) {}

func (c *unreliableChannel) update(now time.Time) {
	for id, r := range c.reassemblies {
		if r.expired(now, c.cfg.ReassemblyTimeout) {
			logrus.WithFields(logrus.Fields{
				"function":   "unreliableChannel.update",
				"channel":    c.cfg.ID,
				"message_id": id,
				"received":   r.received,
				"count":      r.count,
			}).Debug("Dropping incomplete sliced message")
			delete(c.reassemblies, id)
		}
	}
}
