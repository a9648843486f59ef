package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chunkstream/protocol"
	"github.com/opd-ai/chunkstream/store"
	"github.com/opd-ai/chunkstream/transport"
)

// sessionKey identifies one transfer: the same file to two peers is
// two sessions, and two files to the same peer are two sessions.
type sessionKey struct {
	fileID string
	peerID string
}

// Manager owns all live sessions, keyed by (fileID, peerID). It
// enforces the one-active-session-per-pair rule and garbage-collects
// terminal sessions.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	st       store.Store
	tp       TimeProvider
	sessions map[sessionKey]*Session

	onOffer func(sess *Session, meta protocol.FileMetadata)
}

// NewManager creates a session manager backed by the given store.
func NewManager(cfg Config, st store.Store) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		st:       st,
		tp:       DefaultTimeProvider{},
		sessions: make(map[sessionKey]*Session),
	}
}

// SetTimeProvider sets a custom time provider for deterministic
// testing of the sweep.
func (m *Manager) SetTimeProvider(tp TimeProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tp = tp
}

// OnOffer registers the handler invoked when any incoming session
// receives a file announcement. The handler decides Accept or Reject.
func (m *Manager) OnOffer(fn func(sess *Session, meta protocol.FileMetadata)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffer = fn
}

// OfferFile creates a sending session for meta over ch and announces
// it to the peer. A second active session for the same (fileID,
// peerID) pair is refused.
func (m *Manager) OfferFile(peerID string, meta protocol.FileMetadata, ch transport.Channel) (*Session, error) {
	k := sessionKey{fileID: meta.FileID, peerID: peerID}

	m.mu.Lock()
	if existing, ok := m.sessions[k]; ok && !existing.State().Terminal() {
		m.mu.Unlock()
		return nil, ErrSessionExists
	}
	sess := NewSender(m.cfg, peerID, m.st, meta)
	m.sessions[k] = sess
	m.mu.Unlock()

	if err := sess.Attach(ch); err != nil {
		m.remove(k)
		return nil, err
	}
	if err := sess.Offer(); err != nil {
		m.remove(k)
		return nil, err
	}
	return sess, nil
}

// HandleIncoming creates a receiving session for a freshly established
// channel. The session is registered under its file identity once the
// peer's announcement arrives; the manager's OnOffer handler (and then
// the caller's Accept or Reject) takes it from there.
func (m *Manager) HandleIncoming(peerID string, ch transport.Channel) (*Session, error) {
	m.mu.Lock()
	sess := NewReceiver(m.cfg, peerID, m.st)
	m.mu.Unlock()

	sess.OnOffer(func(meta protocol.FileMetadata) {
		m.registerIncoming(sess, peerID, meta)
	})
	if err := sess.Attach(ch); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) registerIncoming(sess *Session, peerID string, meta protocol.FileMetadata) {
	k := sessionKey{fileID: meta.FileID, peerID: peerID}

	m.mu.Lock()
	existing, ok := m.sessions[k]
	if ok && existing != sess && !existing.State().Terminal() {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "registerIncoming",
			"file_id":  meta.FileID,
			"peer_id":  peerID,
		}).Warn("Duplicate offer for active session, rejecting")
		_ = sess.Reject()
		return
	}
	m.sessions[k] = sess
	onOffer := m.onOffer
	m.mu.Unlock()

	if onOffer != nil {
		onOffer(sess, meta)
	}
}

// Get returns the session for (fileID, peerID), or ErrSessionNotFound.
func (m *Manager) Get(fileID, peerID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionKey{fileID: fileID, peerID: peerID}]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Reattach binds a fresh channel to a paused session, resuming the
// transfer through the bitfield exchange.
func (m *Manager) Reattach(fileID, peerID string, ch transport.Channel) error {
	sess, err := m.Get(fileID, peerID)
	if err != nil {
		return err
	}
	return sess.Attach(ch)
}

// Remove drops the session from the manager. The session itself is
// untouched; cancel it first if it is still active.
func (m *Manager) Remove(fileID, peerID string) error {
	k := sessionKey{fileID: fileID, peerID: peerID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[k]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, k)
	return nil
}

func (m *Manager) remove(k sessionKey) {
	m.mu.Lock()
	delete(m.sessions, k)
	m.mu.Unlock()
}

// Sessions returns a snapshot of all tracked sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// Sweep drops terminal sessions that have sat untouched for longer
// than maxIdle and returns how many were removed. Paused sessions are
// never swept; they are waiting for a resume.
func (m *Manager) Sweep(maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	now := m.tp.Now()
	for k, sess := range m.sessions {
		if !sess.State().Terminal() {
			continue
		}
		if now.Sub(sess.LastTransition()) > maxIdle {
			delete(m.sessions, k)
			removed++
		}
	}
	return removed
}
