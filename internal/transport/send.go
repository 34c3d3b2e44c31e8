package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/danmuck/kbcast/internal/observability"
	"github.com/danmuck/kbcast/internal/protocol"
	"github.com/danmuck/kbcast/internal/protocol/fragment"
	"github.com/danmuck/kbcast/internal/protocol/frame"
	"github.com/danmuck/kbcast/internal/protocol/tlv"
	"github.com/danmuck/kbcast/internal/scheduler"
)

var (
	ErrNotStarted        = errors.New("transport: not started")
	ErrSendingDisabled   = errors.New("transport: sending disabled")
	ErrBandwidthExceeded = errors.New("transport: send bandwidth limit exceeded")
)

// Send encodes updates as one message stamped with the store's current
// clock and the highest update quality, and sends it to every peer. It
// returns the number of datagrams written.
func (t *Transport) Send(ctx context.Context, updates []tlv.Update) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	if t.settings.NoSending {
		return 0, ErrSendingDisabled
	}
	if t.writer() == nil {
		return 0, ErrNotStarted
	}
	if t.sendMon.IsViolated(t.settings.SendBandwidthLimit) {
		t.log.Warn().Int64("limit", t.settings.SendBandwidthLimit).Msg("send bandwidth exceeded, dropping batch")
		return 0, ErrBandwidthExceeded
	}

	h := frame.Header{
		Domain:     t.settings.Domain,
		Originator: t.settings.ID,
		Clock:      t.store.CurrentClock(),
		Timestamp:  uint64(time.Now().Unix()),
		TTL:        t.settings.RebroadcastTTL,
	}
	if len(t.settings.SendFilters) > 0 {
		kept := applyFilters(ctx, t.settings.SendFilters, updates, t.filterContext(OpSend, h, ""))
		if dropped := len(updates) - len(kept); dropped > 0 {
			t.stats.filtered.Add(uint64(dropped))
		}
		if len(kept) == 0 {
			return 0, nil
		}
		updates = kept
	}
	for _, u := range updates {
		h.Quality = max(h.Quality, u.Value.Quality)
	}
	msg := protocol.Message{Header: h, Updates: updates}
	b, err := protocol.Encode(msg)
	if err != nil {
		return 0, err
	}

	targets := scheduler.SelectTargets(
		scheduler.Message{Originator: h.Originator, Clock: h.Clock, Size: len(b)},
		t.peers,
		scheduler.Options{Self: t.selfAddr(), Budget: scheduler.Budget{Limit: -1}},
	)
	n := t.sendTo(ctx, h, b, targets)
	t.log.Debug().
		Int("updates", len(updates)).
		Int("bytes", len(b)).
		Uint64("clock", h.Clock).
		Int("datagrams", n).
		Msg("sent update batch")
	return n, nil
}

// SendModified flushes every locally modified record in key order.
func (t *Transport) SendModified(ctx context.Context) (int, error) {
	mods := t.store.TakeModified()
	if len(mods) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(mods))
	for k := range mods {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	updates := make([]tlv.Update, 0, len(keys))
	for _, k := range keys {
		updates = append(updates, tlv.Update{Key: k, Value: mods[k]})
	}
	return t.Send(ctx, updates)
}

// sendTo writes the encoded message b to each target, fragmenting it when
// it exceeds the max fragment size. Each datagram must be admitted by the
// drop scheduler. Failed writes are logged and not counted.
func (t *Transport) sendTo(ctx context.Context, h frame.Header, b []byte, targets []string) int {
	w := t.writer()
	if w == nil || len(targets) == 0 {
		return 0
	}
	datagrams := [][]byte{b}
	if len(b) > t.settings.MaxFragmentSize {
		frags, err := fragment.Split(h, b, t.settings.MaxFragmentSize)
		if err != nil {
			t.log.Warn().Err(err).Msg("fragmenting message failed")
			return 0
		}
		datagrams = frags
		t.log.Debug().Int("bytes", len(b)).Int("fragments", len(frags)).Msg("fragmenting oversized message")
	}

	sent := 0
	for i, d := range datagrams {
		if i > 0 && t.settings.SlackTime > 0 {
			select {
			case <-ctx.Done():
				return sent
			case <-time.After(t.settings.SlackTime):
			}
		}
		for _, target := range targets {
			if !t.sched.Admit() {
				observability.RecordDatagram(t.settings.ID, "out", "scheduler_drop", len(d))
				continue
			}
			if err := t.writeOne(w, d, target); err != nil {
				t.stats.sendErrors.Add(1)
				observability.RecordDatagram(t.settings.ID, "out", "error", len(d))
				t.log.Warn().Err(err).Str("target", target).Msg("send failed")
				continue
			}
			sent++
			t.stats.sent.Add(1)
			t.sendMon.Add(len(d))
			observability.RecordDatagram(t.settings.ID, "out", "sent", len(d))
		}
	}
	return sent
}

func (t *Transport) writeOne(w packetWriter, d []byte, target string) error {
	addr, ok := t.peerAddrs[target]
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp4", target)
		if err != nil {
			return fmt.Errorf("%w: resolve %s: %w", ErrSocket, target, err)
		}
		addr = resolved
	}
	if _, err := w.WriteTo(d, addr); err != nil {
		return fmt.Errorf("%w: %w", ErrSocket, err)
	}
	return nil
}

func (t *Transport) writer() packetWriter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out
}
