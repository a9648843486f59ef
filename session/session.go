package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chunkstream/bitfield"
	"github.com/opd-ai/chunkstream/chunk"
	"github.com/opd-ai/chunkstream/predictor"
	"github.com/opd-ai/chunkstream/protocol"
	"github.com/opd-ai/chunkstream/store"
	"github.com/opd-ai/chunkstream/transport"
)

// Progress is a point-in-time snapshot of a transfer.
type Progress struct {
	ReceivedChunks uint64
	TotalChunks    uint64
	BytesDone      uint64
	BytesTotal     uint64

	// Rate is the one-step throughput forecast in bytes per second,
	// with RateLow/RateHigh its confidence bounds. Stable reports
	// whether enough samples exist for the forecast to mean anything.
	Rate     float64
	RateLow  float64
	RateHigh float64
	Stable   bool

	// ETA is zero until the forecast is stable.
	ETA time.Duration
}

// Session is the transfer state machine for one (file, peer) pair. All
// state is mutated under a single mutex; channel callbacks, ticker
// callbacks and the public API all serialize through it. User-facing
// callbacks are invoked with the mutex released.
type Session struct {
	mu sync.Mutex

	cfg    Config
	role   Role
	peerID string
	st     store.Store
	tp     TimeProvider

	state     State
	reason    Reason
	updatedAt time.Time

	meta    protocol.FileMetadata
	hasMeta bool

	ch     transport.Channel
	server *chunkServer // sender only
	sched  *scheduler   // receiver only

	// bits tracks held chunks on the receiver and acknowledged chunks
	// on the sender.
	bits  *bitfield.Bitfield
	meter *predictor.Meter

	// pausedRanges are the in-flight ranges at the moment of pause;
	// the resume handshake turns their still-missing parts into a NEED.
	pausedRanges []chunk.Range

	tickStop chan struct{}

	onOffer       func(protocol.FileMetadata)
	onStateChange func(State, Reason)
	onProgress    func(Progress)
	onComplete    func(error)
}

// deferred collects work that must happen after the session mutex is
// released: user callbacks, channel close and server shutdown all
// re-enter the session if done under the lock.
type deferred struct {
	notify  []func()
	closeCh transport.Channel
	stopSrv *chunkServer
}

func (d *deferred) run() {
	if d.stopSrv != nil {
		d.stopSrv.stop()
	}
	if d.closeCh != nil {
		_ = d.closeCh.Close()
	}
	for _, fn := range d.notify {
		fn()
	}
}

// NewSender creates the sending side of a transfer. The store must
// already hold every chunk of the file under meta.FileID; see
// store.SeedFile.
func NewSender(cfg Config, peerID string, st store.Store, meta protocol.FileMetadata) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:     cfg,
		role:    RoleSender,
		peerID:  peerID,
		st:      st,
		tp:      DefaultTimeProvider{},
		state:   StateIdle,
		meta:    meta,
		hasMeta: true,
		bits:    bitfield.New(meta.TotalChunks),
		meter:   predictor.NewMeter(predictor.NewHolt(), cfg.TickInterval),
	}
}

// NewReceiver creates the receiving side of a transfer. Metadata
// arrives with the peer's announcement.
func NewReceiver(cfg Config, peerID string, st store.Store) *Session {
	return &Session{
		cfg:    cfg.withDefaults(),
		role:   RoleReceiver,
		peerID: peerID,
		st:     st,
		tp:     DefaultTimeProvider{},
		state:  StateIdle,
	}
}

// SetTimeProvider sets a custom time provider for deterministic
// testing. It applies to stall detection; the meter has its own.
func (s *Session) SetTimeProvider(tp TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tp = tp
}

// OnOffer registers the handler invoked when the peer announces a
// file. Receiver only; the handler typically calls Accept or Reject.
func (s *Session) OnOffer(fn func(meta protocol.FileMetadata)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOffer = fn
}

// OnStateChange registers the handler invoked on every transition.
func (s *Session) OnStateChange(fn func(state State, reason Reason)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = fn
}

// OnProgress registers the handler invoked as chunks flow.
func (s *Session) OnProgress(fn func(p Progress)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onProgress = fn
}

// OnComplete registers the handler invoked exactly once when the
// session reaches a terminal state: nil on completion, an error
// otherwise.
func (s *Session) OnComplete(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = fn
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FailureReason returns why the session failed, or ReasonNone.
func (s *Session) FailureReason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Role returns which side of the transfer this session is.
func (s *Session) Role() Role { return s.role }

// LastTransition returns when the session last changed state; the
// zero time if it never has.
func (s *Session) LastTransition() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// PeerID returns the peer this session is bound to.
func (s *Session) PeerID() string { return s.peerID }

// Meta returns the file metadata and whether it is known yet.
func (s *Session) Meta() (protocol.FileMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta, s.hasMeta
}

// Meter exposes the throughput meter, mainly for tests and metrics.
func (s *Session) Meter() *predictor.Meter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meter
}

// Progress returns a snapshot of transfer progress.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

// Attach binds a transport channel to the session. Legal from
// StateIdle (initial channel) and StatePaused (resume); attaching
// while paused triggers the bitfield exchange before any new
// requests go out.
func (s *Session) Attach(ch transport.Channel) error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StatePaused {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.ch = ch
	ch.OnMessage(s.handleFrame)
	ch.OnClosed(s.handleChannelClosed)
	if s.role == RoleSender {
		s.server = newChunkServer(s.cfg, s.st, s.meta, ch, s.handleServeFault)
	}

	var err error
	if s.state == StatePaused {
		// Resume handshake: each side leads with its presence bitmap.
		// The sender holds everything; the receiver sends what it has.
		if s.role == RoleSender {
			err = s.sendLocked(protocol.NewBitfield(allOnes(s.meta.TotalChunks).Bytes(), s.meta.TotalChunks))
		} else {
			if s.bits == nil {
				// Paused before accepting: nothing held yet.
				s.bits = bitfield.New(s.meta.TotalChunks)
			}
			err = s.sendLocked(protocol.NewBitfield(s.bits.Bytes(), s.bits.ReceivedCount()))
		}
	}
	s.startTickerLocked()
	s.mu.Unlock()
	return err
}

// Offer announces the file to the peer. Sender only, from StateIdle
// with a channel attached.
func (s *Session) Offer() error {
	s.mu.Lock()
	if s.role != RoleSender || s.state != StateIdle || s.ch == nil {
		s.mu.Unlock()
		return ErrInvalidState
	}
	if err := s.sendLocked(protocol.NewMeta(s.meta)); err != nil {
		s.mu.Unlock()
		return err
	}
	var d deferred
	s.transitionLocked(StateAwaitingAccept, ReasonNone, &d)
	s.mu.Unlock()
	d.run()
	return nil
}

// Accept agrees to receive the announced file and starts pulling.
// Receiver only, from StateAwaitingAccept. If the store already holds
// a partial record for this file identity the transfer resumes from
// it instead of starting over.
func (s *Session) Accept() error {
	s.mu.Lock()
	if s.role != RoleReceiver || s.state != StateAwaitingAccept {
		s.mu.Unlock()
		return ErrInvalidState
	}

	// Bitmap state is built at accept time, not announcement time, so
	// an unaccepted offer never allocates per-chunk state.
	var d deferred
	rec, err := s.st.GetFileRecord(s.meta.FileID)
	switch {
	case err == nil:
		// persistRecordLocked below writes back any popcount repair.
		s.bits, _ = bitfield.FromBytes(rec.Bits, s.meta.TotalChunks, rec.ReceivedCount)
	case errors.Is(err, store.ErrNotFound):
		s.bits = bitfield.New(s.meta.TotalChunks)
	default:
		loadErr := fmt.Errorf("load file record: %w", err)
		s.failLocked(ReasonStoreFailure, loadErr, &d)
		s.mu.Unlock()
		d.run()
		return loadErr
	}

	if err := s.persistRecordLocked(); err != nil {
		s.failLocked(ReasonStoreFailure, fmt.Errorf("persist file record: %w", err), &d)
		s.mu.Unlock()
		d.run()
		return err
	}

	// Tell the sender what we already hold so it can skip those
	// chunks when serving ranges.
	if s.bits.ReceivedCount() > 0 {
		if err := s.sendLocked(protocol.NewBitfield(s.bits.Bytes(), s.bits.ReceivedCount())); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	if s.bits.Complete() {
		// The whole file was already on disk.
		_ = s.sendLocked(protocol.NewEnd())
		s.completeLocked(&d)
		s.mu.Unlock()
		d.run()
		return nil
	}

	s.sched = newScheduler(s.cfg, s.bits, s.sendLocked, s.tp)
	if err := s.sched.fillWindow(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.transitionLocked(StateTransferring, ReasonNone, &d)
	s.mu.Unlock()
	d.run()
	return nil
}

// Reject declines the announced file. Receiver only, from
// StateAwaitingAccept.
func (s *Session) Reject() error {
	s.mu.Lock()
	if s.role != RoleReceiver || s.state != StateAwaitingAccept {
		s.mu.Unlock()
		return ErrInvalidState
	}
	_ = s.sendLocked(protocol.NewError("rejected"))
	var d deferred
	s.failLocked(ReasonCancelled, errors.New("transfer rejected"), &d)
	s.mu.Unlock()
	d.run()
	return nil
}

// Pause closes the channel; the session parks in StatePaused with all
// transfer state intact, ready for a Reattach.
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.state.Terminal() || s.ch == nil {
		s.mu.Unlock()
		return ErrInvalidState
	}
	ch := s.ch
	s.mu.Unlock()
	// The close callback performs the actual transition.
	return ch.Close()
}

// Cancel aborts the transfer. Persisted chunks are kept; purging is an
// explicit store.DeleteFile by the caller.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return ErrInvalidState
	}
	_ = s.sendLocked(protocol.NewError("cancelled"))
	var d deferred
	s.failLocked(ReasonCancelled, errors.New("transfer cancelled"), &d)
	s.mu.Unlock()
	d.run()
	return nil
}

// AssembleFile reconstructs the complete file from the store. Legal
// only in StateCompleted.
func (s *Session) AssembleFile() ([]byte, error) {
	s.mu.Lock()
	if s.state != StateCompleted {
		s.mu.Unlock()
		return nil, ErrNotCompleted
	}
	meta := s.meta
	s.mu.Unlock()
	return store.Assemble(s.st, meta)
}

// handleFrame is the channel's message callback: decode, dispatch
// under the mutex, then run deferred work outside it.
func (s *Session) handleFrame(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"peer_id":  s.peerID,
			"error":    err,
		}).Warn("Dropping undecodable frame")
		return
	}

	var d deferred
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	switch msg.Type {
	case protocol.MsgMeta:
		s.handleMeta(msg, &d)
	case protocol.MsgBitfield:
		s.handleBitfield(msg, &d)
	case protocol.MsgRequest:
		s.handleRequest(msg, &d)
	case protocol.MsgChunk:
		s.handleChunk(msg, &d)
	case protocol.MsgAck:
		s.handleAck(msg, &d)
	case protocol.MsgNeed:
		s.handleNeed(msg, &d)
	case protocol.MsgEnd:
		s.handleEnd(&d)
	case protocol.MsgError:
		s.handlePeerError(msg, &d)
	}
	s.mu.Unlock()
	d.run()
}

func (s *Session) handleMeta(msg *protocol.Message, d *deferred) {
	if s.role != RoleReceiver || s.state != StateIdle {
		s.warnUnexpected(msg)
		return
	}
	meta := *msg.Meta

	// The announcement is peer-controlled; none of its fields may reach
	// the chunk math or size an allocation until they are checked.
	if err := meta.Validate(); err != nil {
		_ = s.sendLocked(protocol.NewError("invalid metadata"))
		s.failLocked(ReasonMetadataMismatch, fmt.Errorf("announced metadata: %w", err), d)
		return
	}

	rec, err := s.st.GetFileRecord(meta.FileID)
	switch {
	case err == nil:
		if !rec.Meta.Matches(meta) {
			_ = s.sendLocked(protocol.NewError("metadata mismatch"))
			s.failLocked(ReasonMetadataMismatch,
				fmt.Errorf("announced metadata disagrees with persisted record for %s", meta.FileID), d)
			return
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		s.failLocked(ReasonStoreFailure, fmt.Errorf("load file record: %w", err), d)
		return
	}

	s.meta = meta
	s.hasMeta = true
	s.meter = predictor.NewMeter(predictor.NewHolt(), s.cfg.TickInterval)
	s.transitionLocked(StateAwaitingAccept, ReasonNone, d)
	if fn := s.onOffer; fn != nil {
		d.notify = append(d.notify, func() { fn(meta) })
	}
}

func (s *Session) handleBitfield(msg *protocol.Message, d *deferred) {
	bf := msg.Bitfield
	if s.role == RoleSender {
		if want := bitfield.PackedLen(s.meta.TotalChunks); len(bf.Bits) != want {
			_ = s.sendLocked(protocol.NewError("bitfield length mismatch"))
			s.failLocked(ReasonMetadataMismatch,
				fmt.Errorf("peer bitfield is %d bytes, want %d", len(bf.Bits), want), d)
			return
		}
		peerBits, _ := bitfield.FromBytes(bf.Bits, s.meta.TotalChunks, bf.ReceivedCount)
		if s.server != nil {
			s.server.setPeerBits(peerBits)
		}
		// What the peer holds is by definition delivered.
		s.bits, _ = bitfield.FromBytes(bf.Bits, s.meta.TotalChunks, bf.ReceivedCount)
		if s.state == StateAwaitingAccept || s.state == StatePaused {
			s.transitionLocked(StateTransferring, ReasonNone, d)
		}
		return
	}

	// Receiver: the sender's bitmap is the go signal for a resume. Our
	// own bitfield is authoritative, so its content only matters as
	// proof the peer is ready to serve again.
	if s.state != StatePaused {
		s.warnUnexpected(msg)
		return
	}
	s.resumeReceiverLocked(d)
}

// resumeReceiverLocked rebuilds the scheduler after a reattach: the
// still-missing parts of the ranges that were in flight at pause time
// go out as one NEED, then the window is topped up with fresh
// requests.
func (s *Session) resumeReceiverLocked(d *deferred) {
	s.sched = newScheduler(s.cfg, s.bits, s.sendLocked, s.tp)

	var need []chunk.Range
	for _, r := range s.pausedRanges {
		need = append(need, s.missingWithin(r)...)
	}
	s.pausedRanges = nil

	if len(need) > 0 {
		if err := s.sendLocked(protocol.NewNeed(need)); err != nil {
			return
		}
		for _, r := range need {
			s.sched.track(r)
		}
	}
	if err := s.sched.fillWindow(); err != nil {
		return
	}
	s.transitionLocked(StateTransferring, ReasonNone, d)
}

// missingWithin returns the still-missing subranges of r.
func (s *Session) missingWithin(r chunk.Range) []chunk.Range {
	var out []chunk.Range
	var run chunk.Range
	inRun := false
	for i := r.Start; i <= r.End; i++ {
		if s.bits.Has(i) {
			if inRun {
				out = append(out, run)
				inRun = false
			}
			continue
		}
		if !inRun {
			run = chunk.Range{Start: i, End: i}
			inRun = true
		} else {
			run.End = i
		}
	}
	if inRun {
		out = append(out, run)
	}
	return out
}

func (s *Session) handleRequest(msg *protocol.Message, d *deferred) {
	if s.role != RoleSender || s.server == nil {
		s.warnUnexpected(msg)
		return
	}
	if s.state == StateAwaitingAccept || s.state == StatePaused {
		// The first pull is the acceptance; after a reattach it is
		// also the resume signal.
		s.transitionLocked(StateTransferring, ReasonNone, d)
	}
	if s.state != StateTransferring {
		s.warnUnexpected(msg)
		return
	}
	s.server.enqueue(msg.Request.Range())
}

func (s *Session) handleNeed(msg *protocol.Message, d *deferred) {
	if s.role != RoleSender || s.server == nil {
		s.warnUnexpected(msg)
		return
	}
	if s.state == StateAwaitingAccept || s.state == StatePaused {
		s.transitionLocked(StateTransferring, ReasonNone, d)
	}
	if s.state != StateTransferring {
		s.warnUnexpected(msg)
		return
	}
	for _, r := range msg.Need.Ranges {
		s.server.enqueue(r)
	}
}

func (s *Session) handleChunk(msg *protocol.Message, d *deferred) {
	if s.role != RoleReceiver || s.state != StateTransferring {
		s.warnUnexpected(msg)
		return
	}
	index := msg.Chunk.Index
	payload := msg.Chunk.Payload

	if index >= s.meta.TotalChunks {
		logrus.WithFields(logrus.Fields{
			"function": "handleChunk",
			"index":    index,
			"total":    s.meta.TotalChunks,
		}).Warn("Rejecting chunk beyond end of file")
		_ = s.sendLocked(protocol.NewError(protocol.ReasonChunkOutOfRange))
		return
	}
	_, wantLen := chunk.Bounds(index, s.meta.Size, s.meta.ChunkSize)
	if uint64(len(payload)) != wantLen {
		logrus.WithFields(logrus.Fields{
			"function": "handleChunk",
			"index":    index,
			"got":      len(payload),
			"want":     wantLen,
		}).Warn("Dropping chunk with wrong length")
		return
	}

	if !s.bits.Has(index) {
		if err := s.st.PutChunk(s.meta.FileID, index, payload); err != nil {
			_ = s.sendLocked(protocol.NewError("store failure"))
			s.failLocked(ReasonStoreFailure, fmt.Errorf("store chunk %d: %w", index, err), d)
			return
		}
		s.bits.Set(index)
		if err := s.persistRecordLocked(); err != nil {
			s.failLocked(ReasonStoreFailure, fmt.Errorf("persist file record: %w", err), d)
			return
		}
		s.meter.Add(wantLen)
	}

	// Ack even duplicates; the sender's acked set is idempotent too.
	_ = s.sendLocked(protocol.NewAck(index))
	if s.sched != nil {
		_ = s.sched.onChunk(index)
	}
	s.notifyProgressLocked(d)

	if s.bits.Complete() {
		s.meter.Flush()
		_ = s.sendLocked(protocol.NewEnd())
		s.completeLocked(d)
	}
}

func (s *Session) handleAck(msg *protocol.Message, d *deferred) {
	if s.role != RoleSender {
		s.warnUnexpected(msg)
		return
	}
	if s.state == StateAwaitingAccept {
		s.transitionLocked(StateTransferring, ReasonNone, d)
	}
	index := msg.Ack.Index
	if index >= s.meta.TotalChunks {
		return
	}
	if s.bits.Set(index) {
		_, n := chunk.Bounds(index, s.meta.Size, s.meta.ChunkSize)
		s.meter.Add(n)
	}
	s.notifyProgressLocked(d)
}

func (s *Session) handleEnd(d *deferred) {
	if s.role != RoleSender {
		return
	}
	s.completeLocked(d)
}

// handlePeerError decides whether a peer-reported error ends the
// session. Out-of-range reports are the peer protecting itself from a
// desynchronized counterpart; they are logged and the transfer goes
// on. Everything else is terminal.
func (s *Session) handlePeerError(msg *protocol.Message, d *deferred) {
	reason := msg.Error.Reason
	switch reason {
	case protocol.ReasonRequestOutOfRange, protocol.ReasonChunkOutOfRange:
		logrus.WithFields(logrus.Fields{
			"function": "handlePeerError",
			"peer_id":  s.peerID,
			"reason":   reason,
		}).Warn("Peer rejected an out-of-range message")
		return
	}
	s.failLocked(ReasonCancelled, fmt.Errorf("peer error: %s", reason), d)
}

// handleServeFault runs on the chunk server goroutine when serving
// fails for a non-transport reason, which after retries means the
// store is broken.
func (s *Session) handleServeFault(err error) {
	var d deferred
	s.mu.Lock()
	if !s.state.Terminal() {
		s.failLocked(ReasonStoreFailure, err, &d)
		// The server goroutine is already exiting; don't wait on it.
		d.stopSrv = nil
	}
	s.mu.Unlock()
	d.run()
}

// handleChannelClosed parks a live session in StatePaused with its
// transfer state intact. Terminal sessions ignore the close.
func (s *Session) handleChannelClosed(error) {
	var d deferred
	s.mu.Lock()
	if s.state.Terminal() || s.state == StatePaused {
		s.mu.Unlock()
		return
	}
	s.ch = nil
	if s.sched != nil {
		s.pausedRanges = s.sched.pause()
		s.sched = nil
	}
	if s.server != nil {
		d.stopSrv = s.server
		s.server = nil
	}
	s.stopTickerLocked()
	if s.state == StateIdle {
		s.mu.Unlock()
		d.run()
		return
	}
	s.transitionLocked(StatePaused, ReasonNone, &d)
	s.mu.Unlock()
	d.run()
}

// tick drives stall detection, predictor sampling and periodic
// progress reports. The ticker goroutine calls it; tests call it
// directly with a mock time provider.
func (s *Session) tick() {
	var d deferred
	s.mu.Lock()
	if s.state != StateTransferring {
		s.mu.Unlock()
		return
	}
	if s.meter != nil {
		s.meter.Poll()
	}
	if s.sched != nil {
		degraded, err := s.sched.checkStalls()
		if degraded {
			_ = s.sendLocked(protocol.NewError("peer degraded"))
			s.failLocked(ReasonPeerDegraded, errors.New("peer stopped serving requested ranges"), &d)
			s.mu.Unlock()
			d.run()
			return
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "tick",
				"peer_id":  s.peerID,
				"error":    err,
			}).Debug("Re-issue failed, channel likely closing")
		}
	}
	s.notifyProgressLocked(&d)
	s.mu.Unlock()
	d.run()
}

func (s *Session) sendLocked(msg *protocol.Message) error {
	if s.ch == nil {
		return transport.ErrChannelClosed
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.ch.Send(frame)
}

func (s *Session) persistRecordLocked() error {
	return s.st.PutFileRecord(&store.FileRecord{
		Meta:          s.meta,
		Bits:          s.bits.Bytes(),
		ReceivedCount: s.bits.ReceivedCount(),
		UpdatedAt:     s.tp.Now(),
	})
}

func (s *Session) transitionLocked(to State, reason Reason, d *deferred) {
	logrus.WithFields(logrus.Fields{
		"function": "transitionLocked",
		"peer_id":  s.peerID,
		"role":     s.role.String(),
		"from":     s.state.String(),
		"to":       to.String(),
	}).Debug("Session state transition")

	s.state = to
	s.reason = reason
	s.updatedAt = s.tp.Now()
	if fn := s.onStateChange; fn != nil {
		d.notify = append(d.notify, func() { fn(to, reason) })
	}
}

func (s *Session) completeLocked(d *deferred) {
	s.transitionLocked(StateCompleted, ReasonNone, d)
	s.stopTickerLocked()
	if s.server != nil {
		d.stopSrv = s.server
		s.server = nil
	}
	s.sched = nil
	if fn := s.onComplete; fn != nil {
		d.notify = append(d.notify, func() { fn(nil) })
	}
}

func (s *Session) failLocked(reason Reason, err error, d *deferred) {
	logrus.WithFields(logrus.Fields{
		"function": "failLocked",
		"peer_id":  s.peerID,
		"reason":   reason.String(),
		"error":    err,
	}).Error("Session failed")

	s.transitionLocked(StateError, reason, d)
	s.stopTickerLocked()
	if s.server != nil {
		d.stopSrv = s.server
		s.server = nil
	}
	s.sched = nil
	if s.ch != nil {
		d.closeCh = s.ch
		s.ch = nil
	}
	if fn := s.onComplete; fn != nil {
		d.notify = append(d.notify, func() { fn(err) })
	}
}

func (s *Session) notifyProgressLocked(d *deferred) {
	fn := s.onProgress
	if fn == nil {
		return
	}
	p := s.progressLocked()
	d.notify = append(d.notify, func() { fn(p) })
}

func (s *Session) progressLocked() Progress {
	p := Progress{BytesTotal: s.meta.Size}
	if s.bits != nil {
		p.ReceivedChunks = s.bits.ReceivedCount()
		p.TotalChunks = s.bits.TotalChunks()
		p.BytesDone = doneBytes(s.bits, s.meta)
	}
	if s.meter != nil {
		p.Rate = s.meter.Rate()
		h := s.meter.Smoother()
		p.RateLow, p.RateHigh = h.Bounds(1)
		p.Stable = h.IsStable()
		if p.BytesTotal >= p.BytesDone {
			p.ETA = s.meter.ETA(p.BytesTotal - p.BytesDone)
		}
	}
	return p
}

// doneBytes computes transferred bytes from the chunk count: every
// chunk is full-size except possibly the last.
func doneBytes(b *bitfield.Bitfield, meta protocol.FileMetadata) uint64 {
	count := b.ReceivedCount()
	if count == 0 || meta.TotalChunks == 0 {
		return 0
	}
	if b.Has(meta.TotalChunks - 1) {
		_, last := chunk.Bounds(meta.TotalChunks-1, meta.Size, meta.ChunkSize)
		return (count-1)*meta.ChunkSize + last
	}
	return count * meta.ChunkSize
}

func (s *Session) startTickerLocked() {
	if s.tickStop != nil || s.cfg.TickInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	s.tickStop = stop
	interval := s.cfg.TickInterval
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.tick()
			}
		}
	}()
}

func (s *Session) stopTickerLocked() {
	if s.tickStop != nil {
		close(s.tickStop)
		s.tickStop = nil
	}
}

func (s *Session) warnUnexpected(msg *protocol.Message) {
	logrus.WithFields(logrus.Fields{
		"function": "warnUnexpected",
		"peer_id":  s.peerID,
		"type":     msg.Type.String(),
		"state":    s.state.String(),
		"role":     s.role.String(),
	}).Debug("Ignoring message not valid in current state")
}

// allOnes builds a bitfield with every chunk held, the sender's
// presence bitmap.
func allOnes(totalChunks uint64) *bitfield.Bitfield {
	b := bitfield.New(totalChunks)
	for i := uint64(0); i < totalChunks; i++ {
		b.Set(i)
	}
	return b
}
