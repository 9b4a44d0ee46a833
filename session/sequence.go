package session

// Verdict describes how an incoming dispatch sequence relates to the last
// one seen. Every dispatch is forwarded regardless; the verdict exists for
// logging and metrics.
type Verdict int

const (
	InOrder Verdict = iota // exactly one past the last seen
	Gap                    // skipped ahead, some dispatches were never received
	Replay                 // at or below the last seen, the server is replaying
)

func (v Verdict) String() string {
	switch v {
	case InOrder:
		return "in_order"
	case Gap:
		return "gap"
	case Replay:
		return "replay"
	}
	return "unknown"
}

// Observe records seq and classifies it.
// Sequence only ever moves forward: a replayed dispatch leaves it untouched,
// which is what keeps a later Resume anchored at the newest event.
func (s *State) Observe(seq int64) Verdict {
	switch {
	case seq <= s.Sequence:
		return Replay
	case s.Sequence != 0 && seq > s.Sequence+1:
		s.Sequence = seq
		return Gap
	default:
		s.Sequence = seq
		return InOrder
	}
}
