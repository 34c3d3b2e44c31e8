package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/kbcast/internal/agent"
	"github.com/danmuck/kbcast/internal/scheduler"
	"github.com/danmuck/kbcast/internal/transport"
)

// apply copies every field defined in the file onto cfg.
func apply(cfg *Config, raw fileConfig, defined definedFunc) error {
	svc := &cfg.Service
	var err error

	if defined("node_id") {
		svc.NodeID = strings.TrimSpace(raw.NodeID)
	}
	if defined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if defined("admin_addr") {
		svc.AdminListenAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if defined("admin_token") {
		svc.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if defined("cors_origins") {
		svc.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if defined("checkpoint_path") {
		svc.CheckpointPath = strings.TrimSpace(raw.CheckpointPath)
	}
	if defined("checkpoint_interval") {
		if svc.CheckpointInterval, err = parseDuration("checkpoint_interval", raw.CheckpointInterval); err != nil {
			return err
		}
	}
	if defined("send_interval") {
		if svc.SendInterval, err = parseDuration("send_interval", raw.SendInterval); err != nil {
			return err
		}
	}
	if defined("heartbeat") {
		if svc.HeartbeatInterval, err = parseDuration("heartbeat", raw.Heartbeat); err != nil {
			return err
		}
	}
	if defined("publish") {
		svc.Publish = reliableConfigs(raw.Publish)
	}
	if defined("watch") {
		svc.Watch = reliableConfigs(raw.Watch)
	}
	if err := applyTransport(&svc.Transport, raw.Transport, defined); err != nil {
		return err
	}
	return applyPublisher(svc, raw.Publisher, defined)
}

func applyTransport(s *transport.Settings, raw transportFile, defined definedFunc) error {
	has := func(key string) bool { return defined("transport", key) }
	var err error

	if has("domain") {
		s.Domain = strings.TrimSpace(raw.Domain)
	}
	if has("read_domains") {
		s.ReadDomains = normalizeList(raw.ReadDomains)
	}
	if has("kind") {
		if s.Kind, err = transport.ParseKind(raw.Kind); err != nil {
			return err
		}
	}
	if has("listen") {
		s.Listen = strings.TrimSpace(raw.Listen)
	}
	if has("hosts") {
		s.Hosts = normalizeList(raw.Hosts)
	}
	if has("queue_length") {
		s.QueueLength = raw.QueueLength
	}
	if has("queue_depth") {
		s.QueueDepth = raw.QueueDepth
	}
	if has("read_threads") {
		s.ReadThreads = raw.ReadThreads
	}
	if has("poll_timeout") {
		if s.PollTimeout, err = parseDuration("transport.poll_timeout", raw.PollTimeout); err != nil {
			return err
		}
	}
	if has("max_fragment_size") {
		s.MaxFragmentSize = raw.MaxFragmentSize
	}
	if has("fragment_queue_length") {
		s.FragmentQueueLength = raw.FragmentQueueLength
	}
	if has("fragment_timeout") {
		if s.FragmentTimeout, err = parseDuration("transport.fragment_timeout", raw.FragmentTimeout); err != nil {
			return err
		}
	}
	if has("slack_time") {
		if s.SlackTime, err = parseDuration("transport.slack_time", raw.SlackTime); err != nil {
			return err
		}
	}
	if has("rebroadcast_ttl") {
		if s.RebroadcastTTL, err = parseTTL("transport.rebroadcast_ttl", raw.RebroadcastTTL); err != nil {
			return err
		}
	}
	if has("participant_ttl") {
		if s.ParticipantTTL, err = parseTTL("transport.participant_ttl", raw.ParticipantTTL); err != nil {
			return err
		}
	}
	if has("send_bandwidth_limit") {
		s.SendBandwidthLimit = raw.SendBandwidthLimit
	}
	if has("total_bandwidth_limit") {
		s.TotalBandwidthLimit = raw.TotalBandwidthLimit
	}
	if has("bandwidth_window") {
		if s.BandwidthWindow, err = parseDuration("transport.bandwidth_window", raw.BandwidthWindow); err != nil {
			return err
		}
	}
	if has("deadline") {
		if s.Deadline, err = parseDuration("transport.deadline", raw.Deadline); err != nil {
			return err
		}
	}
	if has("drop_type") {
		if s.Drop.Type, err = scheduler.ParseDropType(raw.DropType); err != nil {
			return err
		}
	}
	if has("drop_rate") {
		s.Drop.Rate = raw.DropRate
	}
	if has("drop_burst") {
		s.Drop.Burst = raw.DropBurst
	}
	if has("target_drop_rate") {
		s.TargetDropRate = raw.TargetDropRate
	}
	if has("reorder_targets") {
		s.ReorderTargets = raw.ReorderTargets
	}
	if has("seed") {
		s.Seed = raw.Seed
		s.Drop.Seed = raw.Seed
	}
	if has("trusted_peers") {
		s.TrustedPeers = normalizeList(raw.TrustedPeers)
	}
	if has("banned_peers") {
		s.BannedPeers = normalizeList(raw.BannedPeers)
	}
	if has("no_sending") {
		s.NoSending = raw.NoSending
	}
	if has("no_receiving") {
		s.NoReceiving = raw.NoReceiving
	}
	if has("multicast_ttl") {
		s.MulticastTTL = raw.MulticastTTL
	}
	if has("multicast_loopback") {
		s.MulticastLoopback = raw.MulticastLoopback
	}
	return nil
}

func applyPublisher(svc *agent.ServiceConfig, raw publisherFile, defined definedFunc) error {
	has := func(key string) bool { return defined("publisher", key) }
	p := &svc.Publisher
	var err error

	if has("interval") {
		if p.Interval, err = parseDuration("publisher.interval", raw.Interval); err != nil {
			return err
		}
	}
	if has("backoff_initial") {
		if p.Backoff.InitialDelay, err = parseDuration("publisher.backoff_initial", raw.BackoffInitial); err != nil {
			return err
		}
	}
	if has("backoff_multiplier") {
		p.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if has("backoff_max") {
		if p.Backoff.MaxDelay, err = parseDuration("publisher.backoff_max", raw.BackoffMax); err != nil {
			return err
		}
	}
	if has("backoff_jitter") {
		p.Backoff.Jitter = raw.BackoffJitter
	}
	if has("max_rounds") {
		p.MaxRounds = raw.MaxRounds
	}
	return nil
}

// toFile is the inverse of apply, used to render an effective config.
func toFile(cfg Config) fileConfig {
	svc := cfg.Service
	s := svc.Transport
	p := svc.Publisher
	return fileConfig{
		NodeID:             svc.NodeID,
		LogLevel:           cfg.LogLevel,
		AdminAddr:          svc.AdminListenAddr,
		AdminToken:         svc.AdminToken,
		CorsOrigins:        svc.CorsOrigins,
		CheckpointPath:     svc.CheckpointPath,
		CheckpointInterval: svc.CheckpointInterval.String(),
		SendInterval:       svc.SendInterval.String(),
		Heartbeat:          svc.HeartbeatInterval.String(),
		Transport: transportFile{
			Domain:              s.Domain,
			ReadDomains:         s.ReadDomains,
			Kind:                string(s.Kind),
			Listen:              s.Listen,
			Hosts:               s.Hosts,
			QueueLength:         s.QueueLength,
			QueueDepth:          s.QueueDepth,
			ReadThreads:         s.ReadThreads,
			PollTimeout:         s.PollTimeout.String(),
			MaxFragmentSize:     s.MaxFragmentSize,
			FragmentQueueLength: s.FragmentQueueLength,
			FragmentTimeout:     s.FragmentTimeout.String(),
			SlackTime:           s.SlackTime.String(),
			RebroadcastTTL:      int(s.RebroadcastTTL),
			ParticipantTTL:      int(s.ParticipantTTL),
			SendBandwidthLimit:  s.SendBandwidthLimit,
			TotalBandwidthLimit: s.TotalBandwidthLimit,
			BandwidthWindow:     s.BandwidthWindow.String(),
			Deadline:            s.Deadline.String(),
			DropType:            s.Drop.Type.String(),
			DropRate:            s.Drop.Rate,
			DropBurst:           s.Drop.Burst,
			TargetDropRate:      s.TargetDropRate,
			ReorderTargets:      s.ReorderTargets,
			Seed:                s.Seed,
			TrustedPeers:        s.TrustedPeers,
			BannedPeers:         s.BannedPeers,
			NoSending:           s.NoSending,
			NoReceiving:         s.NoReceiving,
			MulticastTTL:        s.MulticastTTL,
			MulticastLoopback:   s.MulticastLoopback,
		},
		Publisher: publisherFile{
			Interval:          p.Interval.String(),
			BackoffInitial:    p.Backoff.InitialDelay.String(),
			BackoffMultiplier: p.Backoff.Multiplier,
			BackoffMax:        p.Backoff.MaxDelay.String(),
			BackoffJitter:     p.Backoff.Jitter,
			MaxRounds:         p.MaxRounds,
		},
		Publish: reliableFiles(svc.Publish),
		Watch:   reliableFiles(svc.Watch),
	}
}

func reliableConfigs(in []reliableFile) []agent.ReliableConfig {
	out := make([]agent.ReliableConfig, 0, len(in))
	for _, r := range in {
		out = append(out, agent.ReliableConfig{
			Name:          strings.TrimSpace(r.Name),
			ID:            r.ID,
			Processes:     r.Processes,
			FragmentLimit: r.FragmentLimit,
		})
	}
	return out
}

func reliableFiles(in []agent.ReliableConfig) []reliableFile {
	out := make([]reliableFile, 0, len(in))
	for _, r := range in {
		out = append(out, reliableFile{Name: r.Name, ID: r.ID, Processes: r.Processes, FragmentLimit: r.FragmentLimit})
	}
	return out
}

func parseDuration(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func parseTTL(field string, v int) (uint8, error) {
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("%s must be within [0,255], got %d", field, v)
	}
	return uint8(v), nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
