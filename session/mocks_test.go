package session

import (
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/chunkstream/protocol"
	"github.com/opd-ai/chunkstream/store"
	"github.com/opd-ai/chunkstream/transport"
)

// mockTimeProvider lets tests control the clock.
type mockTimeProvider struct {
	mu      sync.Mutex
	current time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{current: time.Unix(1700000000, 0)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

// stubChannel is a scriptable transport.Channel: tests inspect what
// the session sends and inject frames as if the peer sent them.
type stubChannel struct {
	mu       sync.Mutex
	sent     []*protocol.Message
	closed   bool
	buffered int

	onMessage func([]byte)
	onClosed  func(error)
	onLow     func()
}

func newStubChannel() *stubChannel {
	return &stubChannel{}
}

func (c *stubChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrChannelClosed
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *stubChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	onClosed := c.onClosed
	c.mu.Unlock()
	if onClosed != nil {
		onClosed(nil)
	}
	return nil
}

func (c *stubChannel) BufferedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *stubChannel) SetLowWaterMark(int) {}

func (c *stubChannel) OnMessage(fn func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *stubChannel) OnClosed(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = fn
}

func (c *stubChannel) OnBufferedAmountLow(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLow = fn
}

// inject delivers a message to the session as if the peer sent it.
func (c *stubChannel) inject(t *testing.T, msg *protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode injected message: %v", err)
	}
	c.mu.Lock()
	handler := c.onMessage
	c.mu.Unlock()
	if handler == nil {
		t.Fatal("no message handler registered on stub channel")
	}
	handler(frame)
}

// sentMessages returns a snapshot of everything the session sent.
func (c *stubChannel) sentMessages() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// sentOfType filters the sent messages by type.
func (c *stubChannel) sentOfType(t protocol.MessageType) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range c.sentMessages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// countingStore wraps a store and counts PutChunk calls per index, so
// tests can assert a chunk is never written (hence transferred) twice.
type countingStore struct {
	store.Store
	mu   sync.Mutex
	puts map[uint64]int
}

func newCountingStore(inner store.Store) *countingStore {
	return &countingStore{Store: inner, puts: make(map[uint64]int)}
}

func (c *countingStore) PutChunk(fileID string, index uint64, data []byte) error {
	c.mu.Lock()
	c.puts[index]++
	c.mu.Unlock()
	return c.Store.PutChunk(fileID, index, data)
}

func (c *countingStore) putCounts() map[uint64]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint64]int, len(c.puts))
	for k, v := range c.puts {
		out[k] = v
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}
