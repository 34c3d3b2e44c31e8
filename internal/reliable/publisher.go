package reliable

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/kbcast/internal/observability"
	"github.com/rs/zerolog/log"
)

// Sender flushes modified keys to the network.
type Sender interface {
	SendModified(ctx context.Context) (int, error)
}

type PublisherConfig struct {
	// Interval is the delay between rounds that made ack progress.
	Interval time.Duration
	// Backoff paces rounds that made none.
	Backoff BackoffConfig
	// MaxRounds is how many stalled rounds a record may take before it is
	// reported with ErrAckTimeout. Resending continues regardless.
	MaxRounds int
}

func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Interval: 250 * time.Millisecond,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		MaxRounds: 10,
	}
}

// Publisher drives a set of records until all participants acknowledge
// every fragment.
type Publisher struct {
	cfg     PublisherConfig
	sender  Sender
	tracker *Tracker
	rng     *rand.Rand
	now     func() time.Time

	mu      sync.Mutex
	records map[string]*Record
}

func NewPublisher(sender Sender, tracker *Tracker, cfg PublisherConfig) *Publisher {
	if tracker == nil {
		tracker = NewTracker()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPublisherConfig().Interval
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultPublisherConfig().MaxRounds
	}
	return &Publisher{
		cfg:     cfg,
		sender:  sender,
		tracker: tracker,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
		records: make(map[string]*Record),
	}
}

func (p *Publisher) Tracker() *Tracker {
	return p.tracker
}

// Track adds r to the publish set, replacing any record of the same name.
// The local participant's cells are acknowledged immediately.
func (p *Publisher) Track(r *Record) {
	for i := 0; i < r.FragmentCount(); i++ {
		r.Ack(i, r.ID())
	}
	p.mu.Lock()
	p.records[r.Name()] = r
	p.mu.Unlock()
	set, total := r.Acked()
	p.tracker.Upsert(Status{
		Name:      r.Name(),
		Fragments: r.FragmentCount(),
		Acked:     set,
		Cells:     total,
		QueuedAt:  p.now(),
	})
}

func (p *Publisher) Untrack(name string) {
	p.mu.Lock()
	delete(p.records, name)
	p.mu.Unlock()
	p.tracker.Remove(name)
}

func (p *Publisher) Records() []*Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Record, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Round absorbs acks, re-marks the next unacknowledged fragment of every
// unfinished record and flushes. It reports whether any new ack arrived.
func (p *Publisher) Round(ctx context.Context) (bool, error) {
	progress := false
	pending := 0
	now := p.now()

	for _, r := range p.Records() {
		for i := 0; i < r.FragmentCount(); i++ {
			r.Ack(i, r.ID())
		}
		if r.AbsorbAcks() > 0 {
			progress = true
		}

		done := r.IsDone()
		outcome := "done"
		if !done {
			if _, ok := r.Next(); ok {
				pending++
			}
			outcome = "resend"
		}
		set, total := r.Acked()
		status, _ := p.tracker.MarkAttempt(r.Name(), now, set, total, done, "")
		if !done && status.Stalled >= p.cfg.MaxRounds {
			outcome = "ack_timeout"
			p.tracker.SetError(r.Name(), ErrAckTimeout.Error())
			if status.Stalled == p.cfg.MaxRounds {
				log.Warn().
					Str("component", "reliable").
					Err(ErrAckTimeout).
					Str("record", r.Name()).
					Int("acked", set).
					Int("cells", total).
					Int("stalled_rounds", status.Stalled).
					Msg("still resending")
			}
		}
		observability.RecordReliableRound(r.Name(), outcome)
	}

	if pending == 0 || p.sender == nil {
		return progress, nil
	}
	if _, err := p.sender.SendModified(ctx); err != nil {
		return progress, fmt.Errorf("reliable: flush: %w", err)
	}
	return progress, nil
}

// Run repeats Round until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	stalled := 0
	for {
		progress, err := p.Round(ctx)
		if err != nil {
			log.Warn().Str("component", "reliable").Err(err).Msg("publish round failed")
		}
		delay := p.cfg.Interval
		if progress {
			stalled = 0
		} else {
			stalled++
			delay = NextBackoffDelay(p.cfg.Backoff, stalled, p.rng)
		}
		if delay <= 0 {
			delay = p.cfg.Interval
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
