// Package session implements the per-(file, peer) transfer state
// machine and everything that hangs off it: the pull-based request
// scheduler with its bounded in-flight window, the backpressure-aware
// chunk server, the pause/resume handshake, and the manager that keys
// sessions by (fileID, peerID).
//
// A session is created when a file is announced (sender role) or when
// a peer's announcement arrives (receiver role). It owns the file's
// bitfield and the scheduler's in-flight set; both are mutated only
// under the session's mutex, which is the per-pair serialization
// boundary. Transport loss parks the session in StatePaused with its
// bitfield intact; reattaching a channel runs the bitfield exchange
// before any new requests are issued, so no chunk is ever transferred
// twice.
//
// Example (receiver side):
//
//	sess := session.NewReceiver(session.DefaultConfig(), "peer-a", st, ch)
//	sess.OnOffer(func(meta protocol.FileMetadata) {
//	    sess.Accept()
//	})
//	sess.OnComplete(func(err error) { ... })
package session
