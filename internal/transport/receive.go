package transport

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/kbcast/internal/observability"
	"github.com/danmuck/kbcast/internal/protocol"
	"github.com/danmuck/kbcast/internal/protocol/fragment"
	"github.com/danmuck/kbcast/internal/protocol/frame"
	"github.com/danmuck/kbcast/internal/protocol/tlv"
	"github.com/danmuck/kbcast/internal/scheduler"
)

// Process runs one datagram from address from through the receive
// pipeline: filter, reassemble, apply, hook and rebroadcast. Failures are
// reported in the Result and never stop the caller.
func (t *Transport) Process(ctx context.Context, data []byte, from string) Result {
	start := time.Now()
	t.stats.received.Add(1)
	t.recvMon.Add(len(data))
	t.setState(StateDecoding)

	res := t.process(ctx, data, from)

	switch res.Outcome {
	case OutcomeApplied, OutcomeStale, OutcomeFiltered, OutcomeBuffered:
	default:
		t.stats.dropped.Add(1)
	}
	observability.RecordDatagram(t.settings.ID, "in", string(res.Outcome), len(data))
	observability.RecordProcess(t.settings.ID, time.Since(start))
	t.setState(StateIdle)
	return res
}

func (t *Transport) process(ctx context.Context, data []byte, from string) Result {
	h, err := frame.DecodeHeader(data)
	if err != nil {
		t.log.Debug().Err(err).Str("from", from).Int("bytes", len(data)).Msg("dropping undecodable datagram")
		return Result{Outcome: OutcomeMalformed, Err: err}
	}
	if h.Originator == t.settings.ID {
		return Result{Outcome: OutcomeSelf}
	}
	if !t.peerAllowed(h.Originator, from) {
		t.log.Debug().Str("from", from).Str("originator", h.Originator).Msg("dropping message from untrusted peer")
		return Result{Outcome: OutcomeUntrusted}
	}
	if !t.settings.readsDomain(h.Domain) {
		return Result{Outcome: OutcomeDomain}
	}

	body := data
	if h.Type == frame.TypeFragment {
		f, err := fragment.Parse(data)
		if err != nil {
			t.log.Debug().Err(err).Str("from", from).Msg("dropping malformed fragment")
			return Result{Outcome: OutcomeMalformed, Err: err}
		}
		payload, done, err := t.fragments.Add(f)
		if err != nil {
			if errors.Is(err, fragment.ErrFragmentSetEvicted) {
				observability.RecordFragmentEvictions(t.settings.ID, 1)
			}
			t.log.Debug().Err(err).Str("from", from).Msg("fragment rejected")
			return Result{Outcome: OutcomeFragmentError, Err: err}
		}
		if !done {
			return Result{Outcome: OutcomeBuffered}
		}
		body = payload
	}

	msg, err := protocol.Decode(body)
	if err != nil {
		t.log.Debug().Err(err).Str("from", from).Msg("dropping malformed message")
		return Result{Outcome: OutcomeMalformed, Err: err}
	}
	h = msg.Header

	if t.settings.Deadline > 0 {
		age := time.Since(time.Unix(int64(h.Timestamp), 0))
		if age > t.settings.Deadline {
			t.log.Debug().Str("originator", h.Originator).Dur("age", age).Msg("dropping expired message")
			return Result{Outcome: OutcomeExpired}
		}
	}

	updates := msg.Updates
	if len(t.settings.ReceiveFilters) > 0 {
		updates = applyFilters(ctx, t.settings.ReceiveFilters, updates, t.filterContext(OpReceive, h, from))
	}
	filtered := len(msg.Updates) - len(updates)
	if filtered > 0 {
		t.stats.filtered.Add(uint64(filtered))
	}
	if len(updates) == 0 {
		return Result{Outcome: OutcomeFiltered, Filtered: filtered}
	}

	t.setState(StateApplying)
	applied := make([]tlv.Update, 0, len(updates))
	stale := 0
	for _, u := range updates {
		if t.store.TryApply(u.Key, u.Value, h.Clock, h.Quality) {
			applied = append(applied, u)
		} else {
			stale++
		}
	}
	t.stats.applied.Add(uint64(len(applied)))
	t.stats.stale.Add(uint64(stale))
	observability.RecordUpdates(t.settings.ID, len(applied), stale)

	res := Result{Outcome: OutcomeApplied, Applied: len(applied), Stale: stale, Filtered: filtered}
	if len(applied) == 0 {
		res.Outcome = OutcomeStale
	}

	if t.settings.OnDataReceived != nil && len(applied) > 0 {
		t.settings.OnDataReceived(ctx, Received{
			Header:  h,
			From:    from,
			Updates: applied,
			Applied: len(applied),
			Stale:   stale,
		})
	}

	if len(applied) > 0 {
		// the raw body only matches what was applied when nothing was
		// dropped or rewritten on the way in
		verbatim := len(applied) == len(msg.Updates) && len(t.settings.ReceiveFilters) == 0
		res.Rebroadcast = t.rebroadcast(ctx, h, body, applied, verbatim, from)
	}
	return res
}

// RebroadcastTTL is the hop count a relayed message carries: one less than
// it arrived with, capped at the participant ceiling.
func RebroadcastTTL(ttl, participantTTL uint8) uint8 {
	if ttl == 0 {
		return 0
	}
	return min(participantTTL, ttl-1)
}

// rebroadcast relays the applied part of a message to peers other than
// the originator, self and the sender. When verbatim is set raw is relayed
// with only its TTL rewritten; otherwise applied is re-encoded.
func (t *Transport) rebroadcast(ctx context.Context, h frame.Header, raw []byte, applied []tlv.Update, verbatim bool, from string) int {
	if h.TTL == 0 || t.settings.ParticipantTTL == 0 || t.settings.NoSending {
		return 0
	}
	if t.sendMon.IsViolated(t.settings.SendBandwidthLimit) {
		t.log.Debug().Msg("send bandwidth exceeded, not rebroadcasting")
		return 0
	}
	if t.settings.TotalBandwidthLimit >= 0 &&
		t.sendMon.BytesPerSecond()+t.recvMon.BytesPerSecond() > uint64(t.settings.TotalBandwidthLimit) {
		t.log.Debug().Msg("total bandwidth exceeded, not rebroadcasting")
		return 0
	}
	// marked only once the message is actually going out, so a relay
	// suppressed by the gates above can still happen on a later arrival
	if !t.seen.firstSighting(h, raw[frame.HeaderLen:]) {
		return 0
	}

	t.setState(StateRebroadcasting)
	ttl := RebroadcastTTL(h.TTL, t.settings.ParticipantTTL)

	if len(t.settings.RebroadcastFilters) > 0 {
		relayed := applyFilters(ctx, t.settings.RebroadcastFilters, applied, t.filterContext(OpRebroadcast, h, from))
		if len(relayed) == 0 {
			return 0
		}
		applied = relayed
		verbatim = false
	}

	var out []byte
	if verbatim {
		out = protocol.WithTTL(raw, ttl)
	} else {
		relay := protocol.Message{Header: h, Updates: applied}
		relay.Header.TTL = ttl
		b, err := protocol.Encode(relay)
		if err != nil {
			t.log.Warn().Err(err).Msg("re-encode for rebroadcast failed")
			return 0
		}
		out = b
	}

	targets := scheduler.SelectTargets(
		scheduler.Message{Originator: h.Originator, Sender: from, Clock: h.Clock, Size: len(out)},
		t.peers,
		scheduler.Options{
			Self:     t.selfAddr(),
			Budget:   scheduler.Budget{Limit: t.settings.SendBandwidthLimit, Current: t.sendMon.BytesPerSecond()},
			DropRate: t.settings.TargetDropRate,
			Reorder:  t.settings.ReorderTargets,
			Seed:     t.settings.Seed,
		},
	)
	if len(targets) == 0 {
		return 0
	}
	relayHeader := h
	relayHeader.TTL = ttl
	n := t.sendTo(ctx, relayHeader, out, targets)
	if n > 0 {
		t.stats.rebroadcast.Add(uint64(n))
		observability.RecordRebroadcast(t.settings.ID, n)
	}
	return n
}

func (t *Transport) selfAddr() string {
	if a := t.Addr(); a != nil {
		return a.String()
	}
	return t.settings.Listen
}
