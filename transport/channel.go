package transport

import "errors"

// ErrChannelClosed is returned by Send once the channel has closed.
var ErrChannelClosed = errors.New("channel is closed")

// Channel is an ordered, reliable-or-closed message channel between
// two endpoints. Implementations deliver whole messages (never
// fragments) and expose an explicit backpressure signal so a sender
// can suspend instead of overrunning the outbound buffer.
type Channel interface {
	// Send queues one message for delivery. It returns
	// ErrChannelClosed once the channel has closed; it never blocks
	// on the peer.
	Send(data []byte) error

	// Close tears the channel down. Both endpoints observe the close
	// via their OnClosed callback.
	Close() error

	// BufferedBytes reports the bytes queued locally and not yet
	// delivered to the peer.
	BufferedBytes() int

	// SetLowWaterMark configures the threshold below which the
	// buffered-amount-low callback fires.
	SetLowWaterMark(n int)

	// OnMessage registers the handler invoked once per delivered
	// message. Handlers run on the channel's delivery goroutine and
	// must not block indefinitely.
	OnMessage(fn func(data []byte))

	// OnClosed registers the handler invoked when the channel closes,
	// locally or remotely.
	OnClosed(fn func(err error))

	// OnBufferedAmountLow registers the handler invoked when the
	// buffered byte count drops from above the low-water mark to at
	// or below it.
	OnBufferedAmountLow(fn func())
}

// Rendezvous introduces endpoints to each other and relays opaque
// bootstrap blobs between them. The transfer engine never inspects
// blob contents; they exist only so the caller can establish a
// Channel out of band.
type Rendezvous interface {
	// AnnouncePeer makes this endpoint visible under the given id.
	AnnouncePeer(id string) error

	// Relay forwards an opaque blob to the named peer.
	Relay(targetID string, blob []byte) error

	// OnPeerJoined registers the handler for peers appearing.
	OnPeerJoined(fn func(id string))

	// OnPeerLeft registers the handler for peers disappearing.
	OnPeerLeft(fn func(id string))

	// OnRelay registers the handler for blobs relayed to this
	// endpoint.
	OnRelay(fn func(fromID string, blob []byte))
}
