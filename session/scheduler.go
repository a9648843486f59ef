package session

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chunkstream/bitfield"
	"github.com/opd-ai/chunkstream/chunk"
	"github.com/opd-ai/chunkstream/protocol"
)

// scheduler drives the receiving side of the pull protocol: it turns
// missing ranges into REQUEST messages, keeps at most WindowSize
// ranges in flight, and re-issues ranges that stall. It is not safe
// for concurrent use on its own; the owning session's mutex is the
// serialization boundary.
type scheduler struct {
	cfg  Config
	bits *bitfield.Bitfield
	send func(*protocol.Message) error
	tp   TimeProvider

	inFlight     mapset.Set[chunk.Range]
	lastActivity map[chunk.Range]time.Time
	attempts     map[chunk.Range]int
}

func newScheduler(cfg Config, bits *bitfield.Bitfield, send func(*protocol.Message) error, tp TimeProvider) *scheduler {
	return &scheduler{
		cfg:          cfg,
		bits:         bits,
		send:         send,
		tp:           tp,
		inFlight:     mapset.NewSet[chunk.Range](),
		lastActivity: make(map[chunk.Range]time.Time),
		attempts:     make(map[chunk.Range]int),
	}
}

// isRequested reports whether index i is covered by any in-flight
// range. The window is small, so a linear scan is fine.
func (s *scheduler) isRequested(i uint64) bool {
	covered := false
	s.inFlight.Each(func(r chunk.Range) bool {
		if r.Contains(i) {
			covered = true
			return true
		}
		return false
	})
	return covered
}

// nextRange finds the lowest-index run of chunks that are neither held
// nor already requested, capped at MaxRangeSize. Scanning always
// starts from zero so requests go out in ascending index order.
func (s *scheduler) nextRange() (chunk.Range, bool) {
	total := s.bits.TotalChunks()
	var r chunk.Range
	found := false

	for i := uint64(0); i < total; i++ {
		if s.bits.Has(i) || s.isRequested(i) {
			if found {
				break
			}
			continue
		}
		if !found {
			r = chunk.Range{Start: i, End: i}
			found = true
			continue
		}
		r.End = i
		if r.Len() >= s.cfg.MaxRangeSize {
			break
		}
	}
	return r, found
}

// fillWindow issues REQUESTs until the window is full or nothing is
// left to ask for. Pull-based flow control: the window is never
// exceeded regardless of how fast the peer serves.
func (s *scheduler) fillWindow() error {
	for s.inFlight.Cardinality() < s.cfg.WindowSize {
		r, ok := s.nextRange()
		if !ok {
			return nil
		}
		if err := s.issue(r); err != nil {
			return err
		}
	}
	return nil
}

// issue sends a REQUEST for r and starts tracking it.
func (s *scheduler) issue(r chunk.Range) error {
	if err := s.send(protocol.NewRequest(r)); err != nil {
		return err
	}
	s.track(r)
	return nil
}

// track records r as in flight without sending anything; resume uses
// this for ranges the sender will push in response to a NEED.
func (s *scheduler) track(r chunk.Range) {
	s.inFlight.Add(r)
	s.lastActivity[r] = s.tp.Now()
}

// onChunk records activity for the range containing index and, once
// that range is fully held, retires it and tops the window back up.
func (s *scheduler) onChunk(index uint64) error {
	var hit chunk.Range
	found := false
	s.inFlight.Each(func(r chunk.Range) bool {
		if r.Contains(index) {
			hit = r
			found = true
			return true
		}
		return false
	})
	if !found {
		// A chunk outside every in-flight range: a stale delivery from
		// before a pause, already applied idempotently upstream.
		return nil
	}
	s.lastActivity[hit] = s.tp.Now()
	if s.rangeSatisfied(hit) {
		s.retire(hit)
		return s.fillWindow()
	}
	return nil
}

func (s *scheduler) rangeSatisfied(r chunk.Range) bool {
	for i := r.Start; i <= r.End; i++ {
		if !s.bits.Has(i) {
			return false
		}
	}
	return true
}

func (s *scheduler) retire(r chunk.Range) {
	s.inFlight.Remove(r)
	delete(s.lastActivity, r)
	delete(s.attempts, r)
}

// checkStalls evicts and re-issues every in-flight range idle past the
// stall timeout. It reports true once any range has been re-issued
// beyond the retry cap, at which point the peer counts as degraded.
func (s *scheduler) checkStalls() (degraded bool, err error) {
	now := s.tp.Now()
	var stalled []chunk.Range
	s.inFlight.Each(func(r chunk.Range) bool {
		if now.Sub(s.lastActivity[r]) >= s.cfg.StallTimeout {
			stalled = append(stalled, r)
		}
		return false
	})

	for _, r := range stalled {
		s.attempts[r]++
		if s.attempts[r] > s.cfg.RetryCap {
			logrus.WithFields(logrus.Fields{
				"function": "checkStalls",
				"range":    r.String(),
				"attempts": s.attempts[r],
			}).Warn("Range exceeded retry cap, peer degraded")
			return true, nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "checkStalls",
			"range":    r.String(),
			"attempt":  s.attempts[r],
		}).Debug("Re-issuing stalled range")

		s.inFlight.Remove(r)
		delete(s.lastActivity, r)
		if err := s.issue(r); err != nil {
			return false, err
		}
	}
	return false, nil
}

// pause discards the in-flight bookkeeping and returns the ranges that
// were outstanding, so a later resume can NEED the still-missing parts.
// Nothing is cancelled on the wire; the peer may keep sending stale
// chunks, which the idempotent receive path absorbs.
func (s *scheduler) pause() []chunk.Range {
	outstanding := s.inFlight.ToSlice()
	s.inFlight.Clear()
	s.lastActivity = make(map[chunk.Range]time.Time)
	s.attempts = make(map[chunk.Range]int)
	return outstanding
}

// inFlightCount returns the number of ranges currently outstanding.
func (s *scheduler) inFlightCount() int {
	return s.inFlight.Cardinality()
}
