package agent

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/kbcast/internal/auth"
	"github.com/danmuck/kbcast/internal/knowledge"
	"github.com/danmuck/kbcast/internal/reliable"
	"github.com/danmuck/kbcast/internal/server"
	"github.com/danmuck/kbcast/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Service runs one node: knowledge base, transport, reliable publisher,
// ack responder, checkpoints and the optional admin server.
type Service struct {
	cfg ServiceConfig
	log zerolog.Logger

	kb        *knowledge.Base
	tr        *transport.Transport
	pub       *reliable.Publisher
	cp        *knowledge.Checkpoint
	admin     *server.Server
	startedAt time.Time

	mu        sync.Mutex
	delivered map[string]uint64
	ready     chan struct{}
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	cfg = cfg.Normalize()
	return &Service{
		cfg:       cfg,
		log:       log.With().Str("component", "agent").Str("node", cfg.NodeID).Logger(),
		kb:        knowledge.NewBase(),
		delivered: make(map[string]uint64),
		ready:     make(chan struct{}),
	}
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext blocks until ctx is done or a component fails.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		s.shutdown(context.Background())
		return err
	}
	defer s.shutdown(context.Background())
	return s.serve(ctx)
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

func (s *Service) Knowledge() *knowledge.Base {
	return s.kb
}

// Transport is nil until the service is ready.
func (s *Service) Transport() *transport.Transport {
	return s.tr
}

func (s *Service) Publisher() *reliable.Publisher {
	return s.pub
}

// Ready is closed once every component has started.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Set writes a local value; it goes out on the next send tick.
func (s *Service) Set(key string, rec knowledge.Record) knowledge.Record {
	return s.kb.Set(key, rec)
}

// PublishReliable writes value under name and publishes it through the
// reliable record of that name, creating one if name is not configured.
func (s *Service) PublishReliable(name string, value knowledge.Record) (*reliable.Record, error) {
	if s.pub == nil {
		return nil, errors.New("agent: service not started")
	}
	s.kb.Set(name, value)
	for _, r := range s.pub.Records() {
		if r.Name() == name {
			r.Sync()
			s.pub.Track(r)
			return r, nil
		}
	}
	rc := ReliableConfig{Name: name}.withDefaults()
	r := reliable.New(name, s.kb, reliable.WithParticipant(rc.ID, rc.Processes), reliable.WithFragmentLimit(rc.FragmentLimit))
	s.pub.Track(r)
	return r, nil
}

func (s *Service) bootstrap(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	s.startedAt = time.Now()

	if path := strings.TrimSpace(s.cfg.CheckpointPath); path != "" {
		cp, err := knowledge.OpenCheckpoint(path)
		if err != nil {
			return err
		}
		s.cp = cp
		n, err := cp.Restore(ctx, s.kb)
		if err != nil {
			return fmt.Errorf("agent: restore checkpoint: %w", err)
		}
		s.log.Info().Str("path", path).Int("records", n).Uint64("clock", s.kb.CurrentClock()).Msg("checkpoint restored")
	}

	tr, err := transport.New(s.cfg.Transport, s.kb)
	if err != nil {
		return err
	}
	if err := tr.Start(ctx); err != nil {
		return err
	}
	s.tr = tr

	s.pub = reliable.NewPublisher(tr, reliable.NewTracker(), s.cfg.Publisher)
	for _, rc := range s.cfg.Publish {
		r := reliable.New(rc.Name, s.kb,
			reliable.WithParticipant(rc.ID, rc.Processes),
			reliable.WithFragmentLimit(rc.FragmentLimit))
		s.pub.Track(r)
	}

	if strings.TrimSpace(s.cfg.AdminListenAddr) != "" {
		deps := server.Deps{
			Knowledge: s.kb,
			Transport: tr,
			Reliable:  s.pub.Tracker(),
		}
		if token := strings.TrimSpace(s.cfg.AdminToken); token != "" {
			deps.Auth = auth.StaticToken{Token: token}
		}
		s.admin = server.Appear(s.cfg.NodeID, s.cfg.CorsOrigins, deps)
	}

	s.log.Info().
		Str("listen", tr.Addr().String()).
		Int("publish", len(s.cfg.Publish)).
		Int("watch", len(s.cfg.Watch)).
		Str("admin", s.cfg.AdminListenAddr).
		Msg("node ready")
	return nil
}

func (s *Service) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	errCh := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- s.pub.Run(ctx)
	}()
	if s.admin != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- s.admin.Serve(ctx, s.cfg.AdminListenAddr)
		}()
	}

	sendTicker := time.NewTicker(s.cfg.SendInterval)
	defer sendTicker.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	var checkpoint <-chan time.Time
	if s.cp != nil {
		t := time.NewTicker(s.cfg.CheckpointInterval)
		defer t.Stop()
		checkpoint = t.C
	}
	close(s.ready)

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("shutdown")
			return nil
		case err := <-errCh:
			if err != nil {
				return err
			}
		case <-sendTicker.C:
			s.respond()
			if _, err := s.tr.SendModified(ctx); err != nil {
				s.log.Warn().Err(err).Msg("send modified failed")
			}
		case <-checkpoint:
			s.saveCheckpoint(ctx)
		case <-heartbeat.C:
			st := s.tr.Stats()
			s.log.Info().
				Uint64("clock", s.kb.CurrentClock()).
				Int("records", s.kb.Len()).
				Uint64("received", st.Received).
				Uint64("applied", st.Applied).
				Uint64("sent", st.Sent).
				Uint64("rebroadcast", st.Rebroadcast).
				Int("pending_fragments", st.PendingFragments).
				Dur("uptime", time.Since(s.startedAt)).
				Msg("heartbeat")
		}
	}
}

// respond acknowledges every watched record and logs each newly completed
// value once.
func (s *Service) respond() {
	for _, w := range s.cfg.Watch {
		reliable.Acknowledge(s.kb, w.Name, w.ID, false)

		value, ok, err := reliable.Reassemble(s.kb, w.Name)
		if err != nil {
			s.log.Warn().Err(err).Str("record", w.Name).Msg("reassemble failed")
			continue
		}
		if !ok {
			continue
		}
		s.mu.Lock()
		prev := s.delivered[w.Name]
		fresh := value.Clock != prev
		s.delivered[w.Name] = value.Clock
		s.mu.Unlock()
		if fresh {
			s.log.Info().
				Str("record", w.Name).
				Str("type", value.Type.String()).
				Int("size", value.Size()).
				Uint64("clock", value.Clock).
				Msg("reliable value delivered")
		}
	}
}

// Delivered returns the clock of the last complete value seen for a
// watched record.
func (s *Service) Delivered(name string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.delivered[name]
	return c, ok
}

func (s *Service) saveCheckpoint(ctx context.Context) {
	if s.cp == nil {
		return
	}
	n, err := s.cp.Save(ctx, s.kb)
	if err != nil {
		s.log.Warn().Err(err).Msg("checkpoint save failed")
		return
	}
	s.log.Debug().Int("records", n).Msg("checkpoint saved")
}

func (s *Service) shutdown(ctx context.Context) {
	if s.tr != nil {
		if err := s.tr.Close(); err != nil {
			s.log.Warn().Err(err).Msg("transport close failed")
		}
	}
	if s.cp != nil {
		s.saveCheckpoint(ctx)
		if err := s.cp.Close(); err != nil {
			s.log.Warn().Err(err).Msg("checkpoint close failed")
		}
		s.cp = nil
	}
}
