package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chunkstream/bitfield"
	"github.com/opd-ai/chunkstream/chunk"
	"github.com/opd-ai/chunkstream/protocol"
	"github.com/opd-ai/chunkstream/store"
	"github.com/opd-ai/chunkstream/transport"
)

// chunkServer streams requested chunk ranges to the peer on its own
// goroutine, honoring the channel's backpressure contract: it never
// pushes another chunk while the outbound buffer sits above the
// high-water mark, and resumes on the buffered-amount-low signal.
type chunkServer struct {
	cfg  Config
	st   store.Store
	meta protocol.FileMetadata
	ch   transport.Channel

	queue    chan chunk.Range
	lowWater chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	peerBits *bitfield.Bitfield

	// onFault is invoked off the server goroutine when serving fails
	// for a reason other than the channel closing.
	onFault func(err error)
}

func newChunkServer(cfg Config, st store.Store, meta protocol.FileMetadata, ch transport.Channel, onFault func(error)) *chunkServer {
	cs := &chunkServer{
		cfg:      cfg,
		st:       st,
		meta:     meta,
		ch:       ch,
		queue:    make(chan chunk.Range, 4*cfg.WindowSize),
		lowWater: make(chan struct{}, 1),
		done:     make(chan struct{}),
		onFault:  onFault,
	}
	ch.SetLowWaterMark(cfg.LowWaterMark)
	ch.OnBufferedAmountLow(cs.signalLow)
	cs.wg.Add(1)
	go cs.serveLoop()
	return cs
}

func (cs *chunkServer) signalLow() {
	select {
	case cs.lowWater <- struct{}{}:
	default:
	}
}

// enqueue hands a range to the serving goroutine, waiting for queue
// space rather than dropping: a requested range is never silently
// lost. The queue only backs up while the serve loop is parked on
// backpressure, so the wait ends as soon as the peer drains.
func (cs *chunkServer) enqueue(r chunk.Range) {
	select {
	case cs.queue <- r:
	case <-cs.done:
	}
}

// setPeerBits installs the peer's presence bitmap so already-held
// chunks are skipped when serving. Used after a resume handshake.
func (cs *chunkServer) setPeerBits(b *bitfield.Bitfield) {
	cs.mu.Lock()
	cs.peerBits = b
	cs.mu.Unlock()
}

func (cs *chunkServer) peerHas(index uint64) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.peerBits != nil && cs.peerBits.Has(index)
}

// stop shuts the serving goroutine down and waits for it.
func (cs *chunkServer) stop() {
	cs.stopOnce.Do(func() { close(cs.done) })
	cs.wg.Wait()
}

func (cs *chunkServer) serveLoop() {
	defer cs.wg.Done()
	// Closing done on the way out releases any enqueue still waiting
	// for queue space. On a fault it must close before onFault runs:
	// the fault handler takes the session lock, which a waiting
	// enqueue may hold.
	defer cs.stopOnce.Do(func() { close(cs.done) })
	for {
		select {
		case <-cs.done:
			return
		case r := <-cs.queue:
			if err := cs.serveRange(r); err != nil {
				cs.stopOnce.Do(func() { close(cs.done) })
				if errors.Is(err, transport.ErrChannelClosed) {
					return
				}
				if cs.onFault != nil {
					cs.onFault(err)
				}
				return
			}
		}
	}
}

func (cs *chunkServer) serveRange(r chunk.Range) error {
	if r.Start >= cs.meta.TotalChunks {
		logrus.WithFields(logrus.Fields{
			"function": "serveRange",
			"range":    r.String(),
			"total":    cs.meta.TotalChunks,
		}).Warn("Rejecting request beyond end of file")
		if frame, err := protocol.Encode(protocol.NewError(protocol.ReasonRequestOutOfRange)); err == nil {
			return cs.ch.Send(frame)
		}
		return nil
	}
	if r.End >= cs.meta.TotalChunks {
		r.End = cs.meta.TotalChunks - 1
	}

	for i := r.Start; i <= r.End; i++ {
		if cs.peerHas(i) {
			continue
		}
		if !cs.waitForDrain() {
			return transport.ErrChannelClosed
		}
		if err := cs.serveChunk(i); err != nil {
			return err
		}
	}
	return nil
}

func (cs *chunkServer) serveChunk(index uint64) error {
	data, err := cs.st.GetChunk(cs.meta.FileID, index)
	if err != nil {
		// Report the hole to the peer before failing the session.
		if frame, encErr := protocol.Encode(protocol.NewError(fmt.Sprintf("chunk %d unavailable", index))); encErr == nil {
			_ = cs.ch.Send(frame)
		}
		return fmt.Errorf("serve chunk %d: %w", index, err)
	}
	frame, err := protocol.Encode(protocol.NewChunk(index, data))
	if err != nil {
		return fmt.Errorf("encode chunk %d: %w", index, err)
	}
	return cs.ch.Send(frame)
}

// waitForDrain blocks while the outbound buffer is above the
// high-water mark. It returns false if the server stops while waiting.
func (cs *chunkServer) waitForDrain() bool {
	for cs.ch.BufferedBytes() > cs.cfg.HighWaterMark {
		select {
		case <-cs.lowWater:
		case <-cs.done:
			return false
		}
	}
	return true
}
