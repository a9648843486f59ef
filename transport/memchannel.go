package transport

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// MemChannel is an in-memory Channel implementation. Channels come in
// linked pairs: what one side sends, the other side's OnMessage
// handler receives, in order, on a dedicated delivery goroutine.
//
// Delivery can be paused to let the outbound buffer grow, which is how
// the backpressure tests exercise the high-water/low-water contract.
type MemChannel struct {
	mu   sync.Mutex
	cond *sync.Cond

	peer *MemChannel

	queue    [][]byte
	buffered int
	lowWater int
	paused   bool
	closed   bool

	onMessage func([]byte)
	onClosed  func(error)
	onLow     func()
}

// NewMemChannelPair creates two linked channels. Closing either side
// closes both.
func NewMemChannelPair() (*MemChannel, *MemChannel) {
	a := newMemChannel()
	b := newMemChannel()
	a.peer = b
	b.peer = a
	go a.deliverLoop()
	go b.deliverLoop()
	return a, b
}

func newMemChannel() *MemChannel {
	c := &MemChannel{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Send queues one message for delivery to the peer.
func (c *MemChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	msg := make([]byte, len(data))
	copy(msg, data)
	c.queue = append(c.queue, msg)
	c.buffered += len(msg)
	c.cond.Broadcast()
	return nil
}

// Close closes both ends of the pair. Queued but undelivered messages
// are dropped, matching a transport that died mid-flight.
func (c *MemChannel) Close() error {
	c.closeWithPeer(true)
	return nil
}

func (c *MemChannel) closeWithPeer(propagate bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.queue = nil
	c.buffered = 0
	onClosed := c.onClosed
	peer := c.peer
	c.cond.Broadcast()
	c.mu.Unlock()

	if onClosed != nil {
		onClosed(nil)
	}
	if propagate && peer != nil {
		peer.closeWithPeer(false)
	}
}

// BufferedBytes reports the bytes queued and not yet delivered.
func (c *MemChannel) BufferedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

// SetLowWaterMark configures the buffered-amount-low threshold.
func (c *MemChannel) SetLowWaterMark(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lowWater = n
}

// OnMessage registers the delivery handler.
func (c *MemChannel) OnMessage(fn func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnClosed registers the close handler.
func (c *MemChannel) OnClosed(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = fn
}

// OnBufferedAmountLow registers the low-water handler.
func (c *MemChannel) OnBufferedAmountLow(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLow = fn
}

// SetDeliveryPaused suspends or resumes delivery to the peer. While
// paused, sends still succeed and the buffered byte count grows.
func (c *MemChannel) SetDeliveryPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = paused
	c.cond.Broadcast()
}

func (c *MemChannel) deliverLoop() {
	for {
		c.mu.Lock()
		for !c.closed && (c.paused || len(c.queue) == 0) {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}

		msg := c.queue[0]
		c.queue = c.queue[1:]
		wasAbove := c.buffered > c.lowWater
		c.buffered -= len(msg)
		nowLow := c.buffered <= c.lowWater
		onLow := c.onLow
		peer := c.peer
		c.mu.Unlock()

		if peer != nil {
			peer.deliver(msg)
		}
		if wasAbove && nowLow && onLow != nil {
			onLow()
		}
	}
}

func (c *MemChannel) deliver(msg []byte) {
	c.mu.Lock()
	handler := c.onMessage
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	if handler == nil {
		logrus.WithFields(logrus.Fields{
			"function": "deliver",
			"bytes":    len(msg),
		}).Debug("Dropping message delivered before handler registration")
		return
	}
	handler(msg)
}
