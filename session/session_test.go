package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chunkstream/bitfield"
	"github.com/opd-ai/chunkstream/chunk"
	"github.com/opd-ai/chunkstream/protocol"
	"github.com/opd-ai/chunkstream/store"
)

// quietConfig keeps the background ticker out of deterministic tests;
// stall handling is driven by calling tick directly.
func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour
	return cfg
}

func testMeta(fileID string, size, chunkSize uint64) protocol.FileMetadata {
	return protocol.FileMetadata{
		FileID:      fileID,
		Name:        "report.bin",
		Size:        size,
		ChunkSize:   chunkSize,
		TotalChunks: chunk.Count(size, chunkSize),
		CreatedAt:   time.Now(),
	}
}

func testData(size uint64) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func chunkOf(data []byte, meta protocol.FileMetadata, index uint64) []byte {
	offset, length := chunk.Bounds(index, meta.Size, meta.ChunkSize)
	return data[offset : offset+length]
}

func TestReceiverHappyPath(t *testing.T) {
	meta := testMeta("file-1", 100000, 32768)
	require.Equal(t, uint64(4), meta.TotalChunks)
	data := testData(meta.Size)

	st := store.NewMemoryStore()
	ch := newStubChannel()
	sess := NewReceiver(quietConfig(), "peer-a", st)

	var offered protocol.FileMetadata
	sess.OnOffer(func(m protocol.FileMetadata) { offered = m })
	var completeErr error
	completed := false
	sess.OnComplete(func(err error) {
		completed = true
		completeErr = err
	})

	require.NoError(t, sess.Attach(ch))
	ch.inject(t, protocol.NewMeta(meta))
	assert.Equal(t, StateAwaitingAccept, sess.State())
	assert.Equal(t, meta.FileID, offered.FileID)

	require.NoError(t, sess.Accept())
	assert.Equal(t, StateTransferring, sess.State())

	reqs := ch.sentOfType(protocol.MsgRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, chunk.Range{Start: 0, End: 3}, reqs[0].Request.Range())

	for i := uint64(0); i < meta.TotalChunks; i++ {
		ch.inject(t, protocol.NewChunk(i, chunkOf(data, meta, i)))
	}

	assert.Equal(t, StateCompleted, sess.State())
	assert.True(t, completed)
	assert.NoError(t, completeErr)
	assert.Len(t, ch.sentOfType(protocol.MsgAck), 4)
	assert.Len(t, ch.sentOfType(protocol.MsgEnd), 1)

	got, err := sess.AssembleFile()
	require.NoError(t, err)
	assert.Equal(t, data, got)

	rec, err := st.GetFileRecord(meta.FileID)
	require.NoError(t, err)
	assert.Equal(t, meta.TotalChunks, rec.ReceivedCount)
}

func TestReceiverRejectsOffer(t *testing.T) {
	st := store.NewMemoryStore()
	ch := newStubChannel()
	sess := NewReceiver(quietConfig(), "peer-a", st)
	require.NoError(t, sess.Attach(ch))

	ch.inject(t, protocol.NewMeta(testMeta("file-1", 4096, 1024)))
	require.NoError(t, sess.Reject())

	assert.Equal(t, StateError, sess.State())
	assert.Equal(t, ReasonCancelled, sess.FailureReason())
	require.Len(t, ch.sentOfType(protocol.MsgError), 1)
}

func TestReceiverMetadataMismatch(t *testing.T) {
	meta := testMeta("file-1", 8192, 1024)
	st := store.NewMemoryStore()

	// The persisted record claims a different size under the same
	// identity: refusing to resume is the only safe move.
	stale := meta
	stale.Size = 4096
	stale.TotalChunks = 4
	require.NoError(t, st.PutFileRecord(&store.FileRecord{
		Meta: stale,
		Bits: bitfield.New(stale.TotalChunks).Bytes(),
	}))

	ch := newStubChannel()
	sess := NewReceiver(quietConfig(), "peer-a", st)
	var completeErr error
	sess.OnComplete(func(err error) { completeErr = err })
	require.NoError(t, sess.Attach(ch))

	ch.inject(t, protocol.NewMeta(meta))

	assert.Equal(t, StateError, sess.State())
	assert.Equal(t, ReasonMetadataMismatch, sess.FailureReason())
	assert.Error(t, completeErr)
	require.Len(t, ch.sentOfType(protocol.MsgError), 1)
}

func TestReceiverRejectsInconsistentAnnouncement(t *testing.T) {
	base := testMeta("file-1", 100000, 32768)

	cases := []struct {
		name   string
		mutate func(*protocol.FileMetadata)
	}{
		{"chunk count disagrees with size", func(m *protocol.FileMetadata) { m.TotalChunks = 10 }},
		{"zero chunk size", func(m *protocol.FileMetadata) { m.ChunkSize = 0 }},
		{"empty file id", func(m *protocol.FileMetadata) { m.FileID = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			meta := base
			tc.mutate(&meta)

			ch := newStubChannel()
			sess := NewReceiver(quietConfig(), "peer-a", store.NewMemoryStore())
			offered := false
			sess.OnOffer(func(protocol.FileMetadata) { offered = true })
			require.NoError(t, sess.Attach(ch))

			ch.inject(t, protocol.NewMeta(meta))

			assert.Equal(t, StateError, sess.State())
			assert.Equal(t, ReasonMetadataMismatch, sess.FailureReason())
			assert.False(t, offered, "inconsistent announcement surfaced to the user")
			require.Len(t, ch.sentOfType(protocol.MsgError), 1)

			// A chunk past the real chunk count lands on a dead session
			// instead of reaching the chunk math.
			ch.inject(t, protocol.NewChunk(5, []byte{1, 2, 3}))
			assert.Equal(t, StateError, sess.State())
		})
	}
}

func TestReceiverResumesFromDisk(t *testing.T) {
	meta := testMeta("file-1", 100000, 32768)
	data := testData(meta.Size)
	st := store.NewMemoryStore()

	// Chunks 0 and 2 survived a previous session.
	held := bitfield.New(meta.TotalChunks)
	for _, i := range []uint64{0, 2} {
		held.Set(i)
		require.NoError(t, st.PutChunk(meta.FileID, i, chunkOf(data, meta, i)))
	}
	require.NoError(t, st.PutFileRecord(&store.FileRecord{
		Meta:          meta,
		Bits:          held.Bytes(),
		ReceivedCount: 2,
	}))

	ch := newStubChannel()
	sess := NewReceiver(quietConfig(), "peer-a", st)
	require.NoError(t, sess.Attach(ch))
	ch.inject(t, protocol.NewMeta(meta))
	require.NoError(t, sess.Accept())

	// Our bitmap goes out before any request so the sender can skip
	// what we hold.
	sent := ch.sentMessages()
	var sawBitfield bool
	for _, m := range sent {
		if m.Type == protocol.MsgBitfield {
			sawBitfield = true
			assert.Equal(t, uint64(2), m.Bitfield.ReceivedCount)
		}
		if m.Type == protocol.MsgRequest {
			assert.True(t, sawBitfield, "request sent before bitfield")
		}
	}
	require.True(t, sawBitfield)

	reqs := ch.sentOfType(protocol.MsgRequest)
	require.Len(t, reqs, 2)
	assert.Equal(t, chunk.Range{Start: 1, End: 1}, reqs[0].Request.Range())
	assert.Equal(t, chunk.Range{Start: 3, End: 3}, reqs[1].Request.Range())

	ch.inject(t, protocol.NewChunk(1, chunkOf(data, meta, 1)))
	ch.inject(t, protocol.NewChunk(3, chunkOf(data, meta, 3)))

	assert.Equal(t, StateCompleted, sess.State())
	got, err := sess.AssembleFile()
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReceiverPauseResume(t *testing.T) {
	meta := testMeta("file-1", 8192, 1024)
	data := testData(meta.Size)
	st := store.NewMemoryStore()

	cfg := quietConfig()
	cfg.WindowSize = 1
	cfg.MaxRangeSize = 4

	ch := newStubChannel()
	sess := NewReceiver(cfg, "peer-a", st)
	require.NoError(t, sess.Attach(ch))
	ch.inject(t, protocol.NewMeta(meta))
	require.NoError(t, sess.Accept())

	reqs := ch.sentOfType(protocol.MsgRequest)
	require.Len(t, reqs, 1)
	require.Equal(t, chunk.Range{Start: 0, End: 3}, reqs[0].Request.Range())

	// Two of four in-flight chunks land, then the transport dies.
	ch.inject(t, protocol.NewChunk(0, chunkOf(data, meta, 0)))
	ch.inject(t, protocol.NewChunk(1, chunkOf(data, meta, 1)))
	require.NoError(t, ch.Close())
	assert.Equal(t, StatePaused, sess.State())

	// Reattach: our bitmap leads, the peer's bitmap is the go signal.
	ch2 := newStubChannel()
	require.NoError(t, sess.Attach(ch2))
	bfs := ch2.sentOfType(protocol.MsgBitfield)
	require.Len(t, bfs, 1)
	assert.Equal(t, uint64(2), bfs[0].Bitfield.ReceivedCount)

	peerBits := allOnes(meta.TotalChunks)
	ch2.inject(t, protocol.NewBitfield(peerBits.Bytes(), meta.TotalChunks))
	assert.Equal(t, StateTransferring, sess.State())

	// Only the still-missing tail of the interrupted range is NEEDed.
	needs := ch2.sentOfType(protocol.MsgNeed)
	require.Len(t, needs, 1)
	assert.Equal(t, []chunk.Range{{Start: 2, End: 3}}, needs[0].Need.Ranges)

	ch2.inject(t, protocol.NewChunk(2, chunkOf(data, meta, 2)))
	ch2.inject(t, protocol.NewChunk(3, chunkOf(data, meta, 3)))

	// Finishing the resumed range pulls the rest of the file.
	reqs2 := ch2.sentOfType(protocol.MsgRequest)
	require.Len(t, reqs2, 1)
	assert.Equal(t, chunk.Range{Start: 4, End: 7}, reqs2[0].Request.Range())

	for i := uint64(4); i < meta.TotalChunks; i++ {
		ch2.inject(t, protocol.NewChunk(i, chunkOf(data, meta, i)))
	}
	assert.Equal(t, StateCompleted, sess.State())

	got, err := sess.AssembleFile()
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// failingPutStore fails every chunk write, as a store with retries
// exhausted would.
type failingPutStore struct {
	store.Store
}

func (f failingPutStore) PutChunk(string, uint64, []byte) error {
	return errors.New("disk on fire")
}

func TestReceiverStoreFailure(t *testing.T) {
	meta := testMeta("file-1", 4096, 1024)
	data := testData(meta.Size)

	ch := newStubChannel()
	sess := NewReceiver(quietConfig(), "peer-a", failingPutStore{store.NewMemoryStore()})
	var completeErr error
	sess.OnComplete(func(err error) { completeErr = err })
	require.NoError(t, sess.Attach(ch))
	ch.inject(t, protocol.NewMeta(meta))
	require.NoError(t, sess.Accept())

	ch.inject(t, protocol.NewChunk(0, chunkOf(data, meta, 0)))

	assert.Equal(t, StateError, sess.State())
	assert.Equal(t, ReasonStoreFailure, sess.FailureReason())
	assert.Error(t, completeErr)
}

func TestReceiverStallDegradesPeer(t *testing.T) {
	meta := testMeta("file-1", 8192, 1024)
	cfg := quietConfig()
	cfg.StallTimeout = 100 * time.Millisecond
	cfg.RetryCap = 2

	tp := newMockTimeProvider()
	ch := newStubChannel()
	sess := NewReceiver(cfg, "peer-a", store.NewMemoryStore())
	sess.SetTimeProvider(tp)
	require.NoError(t, sess.Attach(ch))
	ch.inject(t, protocol.NewMeta(meta))
	require.NoError(t, sess.Accept())

	// Each stall round re-issues until the retry cap is spent.
	for i := 0; i <= cfg.RetryCap; i++ {
		tp.advance(150 * time.Millisecond)
		sess.tick()
	}

	assert.Equal(t, StateError, sess.State())
	assert.Equal(t, ReasonPeerDegraded, sess.FailureReason())
	errs := ch.sentOfType(protocol.MsgError)
	require.Len(t, errs, 1)
	assert.Equal(t, "peer degraded", errs[0].Error.Reason)
}

func TestSenderLifecycle(t *testing.T) {
	meta := testMeta("file-1", 100000, 32768)
	data := testData(meta.Size)
	st := store.NewMemoryStore()
	require.NoError(t, store.SeedFile(st, meta, data))

	ch := newStubChannel()
	sess := NewSender(quietConfig(), "peer-b", st, meta)
	completed := false
	sess.OnComplete(func(err error) { completed = err == nil })

	require.NoError(t, sess.Attach(ch))
	require.NoError(t, sess.Offer())
	assert.Equal(t, StateAwaitingAccept, sess.State())
	require.Len(t, ch.sentOfType(protocol.MsgMeta), 1)

	ch.inject(t, protocol.NewRequest(chunk.Range{Start: 0, End: 3}))
	assert.Equal(t, StateTransferring, sess.State())

	// The chunk server streams on its own goroutine.
	waitFor(t, func() bool {
		return len(ch.sentOfType(protocol.MsgChunk)) == 4
	}, "sender never served all chunks")

	for i, m := range ch.sentOfType(protocol.MsgChunk) {
		assert.Equal(t, uint64(i), m.Chunk.Index)
		assert.Equal(t, chunkOf(data, meta, uint64(i)), m.Chunk.Payload)
	}

	for i := uint64(0); i < meta.TotalChunks; i++ {
		ch.inject(t, protocol.NewAck(i))
	}
	p := sess.Progress()
	assert.Equal(t, meta.TotalChunks, p.ReceivedChunks)
	assert.Equal(t, meta.Size, p.BytesDone)

	ch.inject(t, protocol.NewEnd())
	assert.Equal(t, StateCompleted, sess.State())
	assert.True(t, completed)
}

func TestSenderRejectsBadBitfieldLength(t *testing.T) {
	meta := testMeta("file-1", 8192, 1024)
	st := store.NewMemoryStore()
	require.NoError(t, store.SeedFile(st, meta, testData(meta.Size)))

	ch := newStubChannel()
	sess := NewSender(quietConfig(), "peer-b", st, meta)
	require.NoError(t, sess.Attach(ch))
	require.NoError(t, sess.Offer())

	ch.inject(t, protocol.NewBitfield([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, 8))

	assert.Equal(t, StateError, sess.State())
	assert.Equal(t, ReasonMetadataMismatch, sess.FailureReason())
}

func TestCancelMidTransfer(t *testing.T) {
	meta := testMeta("file-1", 8192, 1024)
	data := testData(meta.Size)
	st := store.NewMemoryStore()

	ch := newStubChannel()
	sess := NewReceiver(quietConfig(), "peer-a", st)
	require.NoError(t, sess.Attach(ch))
	ch.inject(t, protocol.NewMeta(meta))
	require.NoError(t, sess.Accept())
	ch.inject(t, protocol.NewChunk(0, chunkOf(data, meta, 0)))

	require.NoError(t, sess.Cancel())
	assert.Equal(t, StateError, sess.State())
	assert.Equal(t, ReasonCancelled, sess.FailureReason())

	// Cancelling keeps what was persisted; purging is explicit.
	got, err := st.GetChunk(meta.FileID, 0)
	require.NoError(t, err)
	assert.Equal(t, chunkOf(data, meta, 0), got)

	assert.ErrorIs(t, sess.Cancel(), ErrInvalidState)
}

func TestOutOfRangeChunkRejectedSessionContinues(t *testing.T) {
	meta := testMeta("file-1", 4096, 1024)
	data := testData(meta.Size)
	st := store.NewMemoryStore()

	ch := newStubChannel()
	sess := NewReceiver(quietConfig(), "peer-a", st)
	require.NoError(t, sess.Attach(ch))
	ch.inject(t, protocol.NewMeta(meta))
	require.NoError(t, sess.Accept())

	ch.inject(t, protocol.NewChunk(99, []byte{1, 2, 3}))
	assert.Equal(t, StateTransferring, sess.State())
	errs := ch.sentOfType(protocol.MsgError)
	require.Len(t, errs, 1)
	assert.Equal(t, "chunk index out of range", errs[0].Error.Reason)

	// The transfer still completes normally afterwards.
	for i := uint64(0); i < meta.TotalChunks; i++ {
		ch.inject(t, protocol.NewChunk(i, chunkOf(data, meta, i)))
	}
	assert.Equal(t, StateCompleted, sess.State())
}

func TestPeerOutOfRangeErrorIsNotFatal(t *testing.T) {
	meta := testMeta("file-1", 4096, 1024)
	st := store.NewMemoryStore()
	require.NoError(t, store.SeedFile(st, meta, testData(meta.Size)))

	ch := newStubChannel()
	sess := NewSender(quietConfig(), "peer-b", st, meta)
	require.NoError(t, sess.Attach(ch))
	require.NoError(t, sess.Offer())
	ch.inject(t, protocol.NewRequest(chunk.Range{Start: 0, End: 0}))
	require.Equal(t, StateTransferring, sess.State())

	ch.inject(t, protocol.NewError("chunk index out of range"))
	assert.Equal(t, StateTransferring, sess.State())

	ch.inject(t, protocol.NewError("cancelled"))
	assert.Equal(t, StateError, sess.State())
}

func TestOperationsRejectedInWrongState(t *testing.T) {
	meta := testMeta("file-1", 4096, 1024)
	st := store.NewMemoryStore()

	receiver := NewReceiver(quietConfig(), "peer-a", st)
	assert.ErrorIs(t, receiver.Offer(), ErrInvalidState)
	assert.ErrorIs(t, receiver.Accept(), ErrInvalidState)
	_, err := receiver.AssembleFile()
	assert.ErrorIs(t, err, ErrNotCompleted)

	sender := NewSender(quietConfig(), "peer-b", st, meta)
	assert.ErrorIs(t, sender.Accept(), ErrInvalidState)
	assert.ErrorIs(t, sender.Reject(), ErrInvalidState)
	// No channel attached yet.
	assert.ErrorIs(t, sender.Offer(), ErrInvalidState)
	assert.ErrorIs(t, sender.Pause(), ErrInvalidState)
}
