package scheduler

import (
	"fmt"
	"strings"
)

// DropType selects how Admit decides which packets to drop.
type DropType int

const (
	DropDeterministic DropType = iota
	DropProbabilistic
)

func (d DropType) String() string {
	switch d {
	case DropProbabilistic:
		return "probabilistic"
	default:
		return "deterministic"
	}
}

func ParseDropType(raw string) (DropType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "deterministic", "stride":
		return DropDeterministic, nil
	case "probabilistic", "random":
		return DropProbabilistic, nil
	default:
		return DropDeterministic, fmt.Errorf("scheduler: unknown drop type %q", raw)
	}
}

// Policy is the packet drop policy used for failure injection. Rate is a
// fraction in [0,1]; zero disables dropping. Burst > 1 drops that many
// packets in a row once a drop starts.
type Policy struct {
	Type  DropType
	Rate  float64
	Burst uint64
	Seed  uint64
}

func (p Policy) Enabled() bool {
	return p.Rate > 0
}

// effectiveRate spreads the rate over a burst so the long-run drop fraction
// stays close to Rate.
func (p Policy) effectiveRate() float64 {
	if p.Burst > 1 {
		return p.Rate / float64(p.Burst-1)
	}
	return p.Rate
}
