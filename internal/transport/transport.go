package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/kbcast/internal/bandwidth"
	"github.com/danmuck/kbcast/internal/knowledge"
	"github.com/danmuck/kbcast/internal/observability"
	"github.com/danmuck/kbcast/internal/protocol/fragment"
	"github.com/danmuck/kbcast/internal/scheduler"
	"github.com/danmuck/kbcast/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Store is the knowledge base surface the transport reads and writes.
type Store interface {
	knowledge.Store
	TakeModified() map[string]knowledge.Record
}

type datagram struct {
	data []byte
	from string
}

// Transport is one gossip endpoint: a socket reader feeding read threads
// that decode, apply and rebroadcast, plus the send path for local writes.
type Transport struct {
	settings Settings
	store    Store
	log      zerolog.Logger

	peers     []string
	peerAddrs map[string]*net.UDPAddr
	trusted   map[string]struct{}
	banned    map[string]struct{}

	fragments *fragment.Map
	sendMon   *bandwidth.Monitor
	recvMon   *bandwidth.Monitor
	sched     *scheduler.Scheduler
	seen      *seenFilter

	conn net.PacketConn
	out  packetWriter
	pool *worker.Pool[datagram]

	state atomic.Int32
	stats counters

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type counters struct {
	received    atomic.Uint64
	dropped     atomic.Uint64
	applied     atomic.Uint64
	stale       atomic.Uint64
	filtered    atomic.Uint64
	rebroadcast atomic.Uint64
	sent        atomic.Uint64
	sendErrors  atomic.Uint64
}

// Stats is a point-in-time view of transport counters.
type Stats struct {
	ID                 string       `json:"id"`
	State              string       `json:"state"`
	Received           uint64       `json:"received"`
	Dropped            uint64       `json:"dropped"`
	Applied            uint64       `json:"updates_applied"`
	Stale              uint64       `json:"updates_stale"`
	Filtered           uint64       `json:"updates_filtered"`
	Rebroadcast        uint64       `json:"rebroadcast"`
	Sent               uint64       `json:"sent"`
	SendErrors         uint64       `json:"send_errors"`
	SendBytesPerSecond uint64       `json:"send_bytes_per_second"`
	RecvBytesPerSecond uint64       `json:"recv_bytes_per_second"`
	PendingFragments   int          `json:"pending_fragments"`
	EvictedFragments   uint64       `json:"evicted_fragments"`
	SchedulerSent      uint64       `json:"scheduler_sent"`
	SchedulerDropped   uint64       `json:"scheduler_dropped"`
	Workers            worker.Stats `json:"workers"`
}

// New validates settings and builds the endpoint. No socket is opened until
// Start.
func New(settings Settings, store Store) (*Transport, error) {
	if store == nil {
		return nil, errors.New("transport: nil store")
	}
	if settings.ID == "" {
		settings.ID = settings.Listen
	}
	if settings.Kind == "" {
		settings.Kind = KindUDP
	}
	if settings.ReadThreads <= 0 {
		settings.ReadThreads = 1
	}
	if settings.PollTimeout <= 0 {
		settings.PollTimeout = time.Second
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	addrs, err := resolveHosts(settings.Hosts)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		settings:  settings,
		store:     store,
		log:       log.With().Str("component", "transport").Str("node", settings.ID).Logger(),
		peerAddrs: make(map[string]*net.UDPAddr, len(addrs)),
		trusted:   toSet(settings.TrustedPeers),
		banned:    toSet(settings.BannedPeers),
		fragments: fragment.NewMap(fragment.Config{
			QueueLength: settings.FragmentQueueLength,
			Timeout:     settings.FragmentTimeout,
		}),
		sendMon: bandwidth.New(settings.BandwidthWindow),
		recvMon: bandwidth.New(settings.BandwidthWindow),
		sched:   scheduler.New(settings.Drop),
		seen:    newSeenFilter(),
	}
	for _, a := range addrs {
		key := a.String()
		if _, dup := t.peerAddrs[key]; dup {
			continue
		}
		t.peerAddrs[key] = a
		t.peers = append(t.peers, key)
	}

	pool, err := worker.NewPool(settings.ReadThreads, max(settings.QueueDepth, 1), t.handle,
		worker.WithMetrics[datagram](prometheus.DefaultRegisterer, "read_threads"))
	if err != nil {
		return nil, err
	}
	t.pool = pool
	return t, nil
}

// Start opens the socket and launches the reader, read threads and the
// fragment purger. Stop with Close or by cancelling ctx.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("transport: already started")
	}
	observability.RegisterMetrics()

	groups := make([]*net.UDPAddr, 0, len(t.peers))
	for _, p := range t.peers {
		groups = append(groups, t.peerAddrs[p])
	}
	conn, err := listen(ctx, t.settings, groups)
	if err != nil {
		return err
	}
	t.conn = conn
	t.out = conn

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	if err := t.pool.Start(runCtx); err != nil {
		cancel()
		conn.Close()
		return err
	}
	if !t.settings.NoReceiving {
		t.wg.Add(1)
		go t.readLoop(runCtx)
	}
	t.wg.Add(1)
	go t.purgeLoop(runCtx)

	t.started = true
	t.log.Info().
		Str("kind", string(t.settings.Kind)).
		Str("listen", conn.LocalAddr().String()).
		Strs("hosts", t.peers).
		Int("read_threads", t.settings.ReadThreads).
		Msg("transport started")
	return nil
}

// Close stops every goroutine and closes the socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	cancel, conn := t.cancel, t.conn
	t.mu.Unlock()

	cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.wg.Wait()
	if perr := t.pool.Stop(2 * time.Second); perr != nil {
		err = errors.Join(err, perr)
	}
	t.setState(StateClosed)
	t.log.Info().Msg("transport closed")
	return err
}

// Addr is the bound local address, or nil before Start.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

func (t *Transport) ID() string {
	return t.settings.ID
}

func (t *Transport) Settings() Settings {
	return t.settings
}

func (t *Transport) State() State {
	return State(t.state.Load())
}

func (t *Transport) Stats() Stats {
	return Stats{
		ID:                 t.settings.ID,
		State:              t.State().String(),
		Received:           t.stats.received.Load(),
		Dropped:            t.stats.dropped.Load(),
		Applied:            t.stats.applied.Load(),
		Stale:              t.stats.stale.Load(),
		Filtered:           t.stats.filtered.Load(),
		Rebroadcast:        t.stats.rebroadcast.Load(),
		Sent:               t.stats.sent.Load(),
		SendErrors:         t.stats.sendErrors.Load(),
		SendBytesPerSecond: t.sendMon.BytesPerSecond(),
		RecvBytesPerSecond: t.recvMon.BytesPerSecond(),
		PendingFragments:   t.fragments.Pending(),
		EvictedFragments:   t.fragments.Evicted(),
		SchedulerSent:      t.sched.Sent(),
		SchedulerDropped:   t.sched.Dropped(),
		Workers:            t.pool.Stats(),
	}
}

func (t *Transport) setState(s State) {
	t.state.Store(int32(s))
}

func (t *Transport) readLoop(ctx context.Context) {
	defer t.wg.Done()
	buf := make([]byte, 65536)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.setState(StateIdle)
		_ = t.conn.SetReadDeadline(time.Now().Add(t.settings.PollTimeout))
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			t.log.Warn().Err(fmt.Errorf("%w: %w", ErrSocket, err)).Msg("read failed")
			continue
		}
		t.setState(StateReceiving)

		data := make([]byte, n)
		copy(data, buf[:n])
		if err := t.pool.Submit(datagram{data: data, from: addr.String()}); err != nil {
			t.stats.dropped.Add(1)
			observability.RecordDatagram(t.settings.ID, "in", "queue_full", n)
			t.log.Debug().Err(err).Str("from", addr.String()).Msg("read queue full, dropping datagram")
		}
	}
}

func (t *Transport) purgeLoop(ctx context.Context) {
	defer t.wg.Done()
	interval := max(t.settings.FragmentTimeout/2, 100*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := t.fragments.Purge(); len(evicted) > 0 {
				observability.RecordFragmentEvictions(t.settings.ID, len(evicted))
			}
		}
	}
}

func (t *Transport) handle(ctx context.Context, d datagram) error {
	res := t.Process(ctx, d.data, d.from)
	return res.Err
}

// peerAllowed applies the banned and trusted lists to the originator id,
// the sender address and the sender host.
func (t *Transport) peerAllowed(originator, from string) bool {
	ids := [3]string{originator, from, hostOf(from)}
	for _, id := range ids {
		if _, ok := t.banned[id]; ok {
			return false
		}
	}
	if len(t.trusted) == 0 {
		return true
	}
	for _, id := range ids {
		if _, ok := t.trusted[id]; ok {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it != "" {
			out[it] = struct{}{}
		}
	}
	return out
}
