package transport

// State is the receive pipeline stage last entered.
type State int32

const (
	StateIdle State = iota
	StateReceiving
	StateDecoding
	StateApplying
	StateRebroadcasting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateDecoding:
		return "decoding"
	case StateApplying:
		return "applying"
	case StateRebroadcasting:
		return "rebroadcasting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome is what happened to one received datagram.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeStale         Outcome = "stale"
	OutcomeFiltered      Outcome = "filtered"
	OutcomeMalformed     Outcome = "malformed"
	OutcomeSelf          Outcome = "self"
	OutcomeUntrusted     Outcome = "untrusted"
	OutcomeDomain        Outcome = "foreign_domain"
	OutcomeBuffered      Outcome = "fragment_buffered"
	OutcomeFragmentError Outcome = "fragment_error"
	OutcomeExpired       Outcome = "expired"
)

// Result reports the handling of one datagram.
type Result struct {
	Outcome     Outcome
	Applied     int
	Stale       int
	Filtered    int
	Rebroadcast int
	Err         error
}
