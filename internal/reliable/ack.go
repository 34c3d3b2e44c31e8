package reliable

import (
	"fmt"

	"github.com/danmuck/kbcast/internal/knowledge"
	"github.com/rs/zerolog/log"
)

// Acknowledge writes an ack for every fragment of name present in store on
// behalf of participant. Acks already naming the held fragment's clock are
// left alone unless resend is set, in which case they are queued for
// sending again. It returns the number of acks written or re-queued.
func Acknowledge(store Store, name string, participant int, resend bool) int {
	count, ok, err := fragmentCount(store, name)
	if err != nil {
		log.Warn().Str("component", "reliable").Err(err).Str("record", name).Msg("skipping acknowledge")
		return 0
	}
	if !ok {
		return 0
	}
	n := 0
	for i := 0; i < count; i++ {
		frag, ok := store.Get(fragmentKey(name, i))
		if !ok {
			continue
		}
		key := ackKey(name, i, participant)
		cur, acked := store.Get(key)
		if acked && cur.Int() == int64(frag.Clock) {
			if resend && store.Modify(key) {
				n++
			}
			continue
		}
		store.Set(key, knowledge.NewInteger(int64(frag.Clock)))
		n++
	}
	return n
}

// Reassemble rebuilds the value of name from its fragments. It reports
// false until the count and every fragment are present. The result carries
// the newest fragment clock.
func Reassemble(store knowledge.Store, name string) (knowledge.Record, bool, error) {
	count, ok, err := fragmentCount(store, name)
	if err != nil || !ok || count == 0 {
		return knowledge.Record{}, false, err
	}
	parts := make([]knowledge.Record, 0, count)
	var clock uint64
	var quality uint32
	for i := 0; i < count; i++ {
		frag, ok := store.Get(fragmentKey(name, i))
		if !ok {
			return knowledge.Record{}, false, nil
		}
		if frag.Clock > clock {
			clock = frag.Clock
		}
		quality = max(quality, frag.Quality)
		parts = append(parts, frag)
	}
	if len(parts) == 1 {
		return parts[0], true, nil
	}
	value, err := knowledge.Concat(parts...)
	if err != nil {
		return knowledge.Record{}, false, err
	}
	value.Clock = clock
	value.Quality = quality
	return value, true, nil
}

// fragmentCount reads the published fragment count of name. Counts outside
// [0, MaxFragments] come from a misbehaving peer and are rejected.
func fragmentCount(store knowledge.Store, name string) (int, bool, error) {
	rec, ok := store.Get(countKey(name))
	if !ok {
		return 0, false, nil
	}
	count := rec.Int()
	if count < 0 || count > MaxFragments {
		return 0, false, fmt.Errorf("%w: %s=%d", ErrInvalidCount, countKey(name), count)
	}
	return int(count), true, nil
}
