// Package scheduler tracks which pieces are verified and which are
// currently being fetched, and is the single serialization point for
// assigning a piece index to a peer session.
package scheduler

import (
	"sync"

	"github.com/gosw/swarmtorrent/bitfield"
)

// Outcome is the result a peer session reports back for a claimed piece.
type Outcome int

const (
	// Failed returns the piece to Missing: a fetch error, a choke
	// mid-fetch, or a hash mismatch.
	Failed Outcome = iota
	// Verified marks the piece as done.
	Verified
)

// DefaultEndgameThreshold is the number of remaining un-verified pieces
// at or below which concurrent duplicate fetches of the same index are
// permitted.
const DefaultEndgameThreshold = 2

// Scheduler is the shared piece-claim bookkeeping for one download: a
// set of verified indices and a set of in-flight indices, both mutated
// under a single mutex.
type Scheduler struct {
	mu               sync.Mutex
	numPieces        int
	verified         map[int]bool
	inFlight         map[int]bool
	endgameThreshold int
}

// New creates a scheduler for numPieces pieces. alreadyVerified lists
// indices that resume state already confirmed, so a restarted download
// doesn't re-fetch them.
func New(numPieces int, alreadyVerified []int, endgameThreshold int) *Scheduler {
	if endgameThreshold <= 0 {
		endgameThreshold = DefaultEndgameThreshold
	}
	s := &Scheduler{
		numPieces:        numPieces,
		verified:         make(map[int]bool, numPieces),
		inFlight:         make(map[int]bool),
		endgameThreshold: endgameThreshold,
	}
	for _, i := range alreadyVerified {
		s.verified[i] = true
	}
	return s
}

// Claim scans indices in ascending order and returns the first the peer
// has that is not yet verified and either isn't in flight, or the
// download has entered endgame (few enough pieces remain that
// concurrent duplicate fetches are allowed). Outside endgame, the
// returned index is marked in-flight before Claim returns.
func (s *Scheduler) Claim(peerBitfield bitfield.Bitfield) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	endgame := s.numPieces-len(s.verified) <= s.endgameThreshold

	for i := 0; i < s.numPieces; i++ {
		if s.verified[i] || !peerBitfield.HasPiece(i) {
			continue
		}
		if !s.inFlight[i] {
			s.inFlight[i] = true
			return i, true
		}
		if endgame {
			return i, true
		}
	}
	return 0, false
}

// Release reports the outcome of a previously claimed piece. A
// Verified outcome for an index already verified (a late endgame
// duplicate) is a silent no-op beyond clearing in-flight.
func (s *Scheduler) Release(index int, outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, index)
	if outcome == Verified {
		s.verified[index] = true
	}
}

// Progress returns the fraction of pieces verified, in [0, 1].
func (s *Scheduler) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.numPieces == 0 {
		return 1
	}
	return float64(len(s.verified)) / float64(s.numPieces)
}

// VerifiedCount returns the number of verified pieces.
func (s *Scheduler) VerifiedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.verified)
}

// Done reports whether every piece has been verified.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.verified) == s.numPieces
}

// IsVerified reports whether index has already been verified.
func (s *Scheduler) IsVerified(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified[index]
}
