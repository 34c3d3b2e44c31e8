package scheduler

import (
	"hash/fnv"
	"math/rand/v2"
	"strconv"
)

// Message is what target selection needs to know about a rebroadcast.
type Message struct {
	Originator string
	// Sender is the address the message arrived from.
	Sender string
	Clock  uint64
	Size   int
}

// Budget caps how many bytes per second a rebroadcast may add. A negative
// Limit means unlimited.
type Budget struct {
	Limit   int64
	Current uint64
}

// allows returns how many copies of a size-byte message fit.
func (b Budget) allows(size int) int {
	if b.Limit < 0 {
		return -1
	}
	if size <= 0 {
		size = 1
	}
	if b.Current >= uint64(b.Limit) {
		return 0
	}
	return int((uint64(b.Limit) - b.Current) / uint64(size))
}

type Options struct {
	Self   string
	Budget Budget
	// DropRate drops each candidate with this probability.
	DropRate float64
	// Reorder shuffles the surviving candidates.
	Reorder bool
	Seed    uint64
}

// SelectTargets picks the peers that should receive a rebroadcast of msg.
// The originator, self and the immediate sender are never selected. Drop
// and reorder decisions are a function of Seed and the message identity, so
// equal inputs give equal outputs. peers is not modified.
func SelectTargets(msg Message, peers []string, opts Options) []string {
	out := make([]string, 0, len(peers))
	seen := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		if p == "" || p == msg.Originator || p == msg.Sender || p == opts.Self {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	if opts.DropRate > 0 || opts.Reorder {
		rng := rand.New(rand.NewPCG(opts.Seed, messageSeed(msg)))
		if opts.DropRate > 0 {
			kept := out[:0]
			for _, p := range out {
				if rng.Float64() >= opts.DropRate {
					kept = append(kept, p)
				}
			}
			out = kept
		}
		if opts.Reorder {
			rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		}
	}

	if n := opts.Budget.allows(msg.Size); n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

func messageSeed(msg Message) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(msg.Originator))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatUint(msg.Clock, 10)))
	return h.Sum64()
}
