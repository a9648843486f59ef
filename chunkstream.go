// Package chunkstream is a peer-to-peer chunked file transfer engine.
// Files are split into fixed-size chunks, announced to a peer, pulled
// through a bounded request window, and persisted chunk by chunk so an
// interrupted transfer resumes from the last byte instead of the
// first.
//
// The engine is transport-agnostic: anything that satisfies
// transport.Channel (ordered delivery, explicit close, a buffered-
// amount backpressure signal) can carry a transfer. Storage is
// pluggable through store.Store; every store access goes through a
// retry decorator so transient faults never kill a session.
package chunkstream

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chunkstream/protocol"
	"github.com/opd-ai/chunkstream/session"
	"github.com/opd-ai/chunkstream/store"
	"github.com/opd-ai/chunkstream/transport"
)

// Options configures an Engine.
type Options struct {
	// Session tunes window size, stall handling and backpressure
	// marks for every session the engine creates.
	Session session.Config

	// Store holds chunks and file records. Defaults to an in-memory
	// store; production callers supply a durable one.
	Store store.Store

	// RetryAttempts and RetryBackoff shape the retry decorator
	// wrapped around the store. Zero values use the store package
	// defaults.
	RetryAttempts int
	RetryBackoff  time.Duration
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		Session: session.DefaultConfig(),
	}
}

// Engine is the top-level object: it owns the session manager and the
// persistent store, and is the only thing most callers touch.
type Engine struct {
	opts *Options
	st   store.Store
	mgr  *session.Manager
}

// New creates a new Engine with the given options. A nil options
// pointer gets defaults.
func New(options *Options) (*Engine, error) {
	if options == nil {
		options = NewOptions()
	}
	inner := options.Store
	if inner == nil {
		inner = store.NewMemoryStore()
	}

	var st store.Store
	if options.RetryAttempts > 0 || options.RetryBackoff > 0 {
		attempts := options.RetryAttempts
		if attempts <= 0 {
			attempts = store.DefaultRetryAttempts
		}
		backoff := options.RetryBackoff
		if backoff <= 0 {
			backoff = store.DefaultRetryBackoff
		}
		st = store.NewRetryStoreWithPolicy(inner, attempts, backoff)
	} else {
		st = store.NewRetryStore(inner)
	}

	e := &Engine{
		opts: options,
		st:   st,
		mgr:  session.NewManager(options.Session, st),
	}
	logrus.WithFields(logrus.Fields{
		"function": "New",
	}).Debug("Engine created")
	return e, nil
}

// OfferFile seeds the store with the file's chunks, derives its stable
// identity from name, size and modification time, and announces it to
// the peer over ch. The returned session reports progress and
// completion.
func (e *Engine) OfferFile(peerID, name string, data []byte, modTime time.Time, ch transport.Channel) (*session.Session, error) {
	meta := protocol.NewFileMetadata(name, uint64(len(data)), modTime)
	if err := store.SeedFile(e.st, meta, data); err != nil {
		return nil, err
	}
	return e.mgr.OfferFile(peerID, meta, ch)
}

// ResumeFile re-announces a previously seeded file without rewriting
// its chunks, for offering the same file to another peer or retrying
// after a failed session.
func (e *Engine) ResumeFile(peerID, fileID string, ch transport.Channel) (*session.Session, error) {
	rec, err := e.st.GetFileRecord(fileID)
	if err != nil {
		return nil, err
	}
	return e.mgr.OfferFile(peerID, rec.Meta, ch)
}

// HandleIncoming adopts a freshly established channel from a peer.
// Once the peer announces a file the OnOffer handler fires; Accept or
// Reject on the session decides what happens next.
func (e *Engine) HandleIncoming(peerID string, ch transport.Channel) (*session.Session, error) {
	return e.mgr.HandleIncoming(peerID, ch)
}

// OnOffer registers the handler invoked for every incoming file
// announcement.
func (e *Engine) OnOffer(fn func(sess *session.Session, meta protocol.FileMetadata)) {
	e.mgr.OnOffer(fn)
}

// Reattach binds a new channel to the paused session for (fileID,
// peerID), resuming the transfer where it stopped.
func (e *Engine) Reattach(fileID, peerID string, ch transport.Channel) error {
	return e.mgr.Reattach(fileID, peerID, ch)
}

// Session returns the session for (fileID, peerID).
func (e *Engine) Session(fileID, peerID string) (*session.Session, error) {
	return e.mgr.Get(fileID, peerID)
}

// Sessions returns a snapshot of all tracked sessions.
func (e *Engine) Sessions() []*session.Session {
	return e.mgr.Sessions()
}

// Sweep garbage-collects terminal sessions idle for longer than
// maxIdle and returns how many were dropped.
func (e *Engine) Sweep(maxIdle time.Duration) int {
	return e.mgr.Sweep(maxIdle)
}

// DeleteFile purges a file's chunks and record from the store. This
// is the explicit cleanup cancelled transfers leave to the caller.
func (e *Engine) DeleteFile(fileID string) error {
	return e.st.DeleteFile(fileID)
}

// Store exposes the engine's store, already wrapped in the retry
// decorator.
func (e *Engine) Store() store.Store {
	return e.st
}

// Kill cancels every live session and drops them all. The engine is
// unusable afterwards.
func (e *Engine) Kill() {
	for _, sess := range e.mgr.Sessions() {
		if !sess.State().Terminal() {
			_ = sess.Cancel()
		}
		meta, ok := sess.Meta()
		if ok {
			_ = e.mgr.Remove(meta.FileID, sess.PeerID())
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "Kill",
	}).Debug("Engine shut down")
}
