package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/danmuck/kbcast/internal/protocol/frame"
	"github.com/danmuck/kbcast/internal/protocol/tlv"
	"github.com/danmuck/kbcast/internal/scheduler"
)

// Kind selects how datagrams reach peers.
type Kind string

const (
	KindUDP       Kind = "udp"
	KindBroadcast Kind = "broadcast"
	KindMulticast Kind = "multicast"
)

func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case "":
		return KindUDP, nil
	case KindUDP, KindBroadcast, KindMulticast:
		return k, nil
	default:
		return "", fmt.Errorf("transport: unknown kind %q", raw)
	}
}

// Received describes one applied message for the OnDataReceived hook.
type Received struct {
	Header  frame.Header
	From    string
	Updates []tlv.Update
	Applied int
	Stale   int
}

// Settings configures one transport endpoint.
type Settings struct {
	// ID is the originator written into every header. Defaults to the
	// listen address.
	ID          string
	Domain      string
	ReadDomains []string
	Kind        Kind
	Listen      string
	// Hosts are peer addresses. For multicast they are group addresses.
	Hosts []string

	// QueueLength is the socket receive buffer in bytes.
	QueueLength int
	// QueueDepth bounds datagrams waiting for a read thread.
	QueueDepth  int
	ReadThreads int
	PollTimeout time.Duration

	MaxFragmentSize     int
	FragmentQueueLength int
	FragmentTimeout     time.Duration
	SlackTime           time.Duration

	RebroadcastTTL uint8
	ParticipantTTL uint8

	// Bandwidth limits in bytes per second; negative disables.
	SendBandwidthLimit  int64
	TotalBandwidthLimit int64
	BandwidthWindow     time.Duration

	// Deadline drops messages whose timestamp is older than this. Zero
	// disables the check.
	Deadline time.Duration

	Drop           scheduler.Policy
	TargetDropRate float64
	ReorderTargets bool
	Seed           uint64

	TrustedPeers []string
	BannedPeers  []string

	NoSending   bool
	NoReceiving bool

	MulticastTTL      int
	MulticastLoopback bool

	// Filter chains run per update: SendFilters before encoding a local
	// batch, ReceiveFilters before arbitration, RebroadcastFilters before
	// relaying what was applied.
	SendFilters        []Filter
	ReceiveFilters     []Filter
	RebroadcastFilters []Filter

	OnDataReceived func(context.Context, Received)
}

func DefaultSettings() Settings {
	return Settings{
		Domain:              "kbcast",
		Kind:                KindUDP,
		Listen:              "127.0.0.1:40000",
		QueueLength:         1 << 20,
		QueueDepth:          1024,
		ReadThreads:         1,
		PollTimeout:         time.Second,
		MaxFragmentSize:     62000,
		FragmentQueueLength: 5,
		FragmentTimeout:     5 * time.Second,
		RebroadcastTTL:      0,
		ParticipantTTL:      0,
		SendBandwidthLimit:  -1,
		TotalBandwidthLimit: -1,
		BandwidthWindow:     10 * time.Second,
		MulticastTTL:        1,
		MulticastLoopback:   true,
	}
}

// Validate checks settings that would otherwise fail at runtime.
func (s Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Listen) == "" && !s.NoReceiving {
		errs = append(errs, errors.New("listen address is required"))
	}
	if _, err := ParseKind(string(s.Kind)); err != nil {
		errs = append(errs, err)
	}
	if s.MaxFragmentSize <= 0 {
		errs = append(errs, errors.New("max_fragment_size must be positive"))
	}
	if s.ReadThreads < 0 {
		errs = append(errs, errors.New("read_threads must not be negative"))
	}
	if len(s.Domain) >= frame.DomainLen {
		errs = append(errs, fmt.Errorf("domain longer than %d bytes", frame.DomainLen-1))
	}
	if len(s.ID) >= frame.OriginatorLen {
		errs = append(errs, fmt.Errorf("id longer than %d bytes", frame.OriginatorLen-1))
	}
	if s.Drop.Rate < 0 || s.Drop.Rate > 1 {
		errs = append(errs, errors.New("drop rate must be within [0,1]"))
	}
	for _, h := range s.Hosts {
		if _, err := net.ResolveUDPAddr("udp4", h); err != nil {
			errs = append(errs, fmt.Errorf("host %q: %w", h, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("transport settings: %w", errors.Join(errs...))
	}
	return nil
}

// readsDomain reports whether messages tagged domain are accepted.
func (s Settings) readsDomain(domain string) bool {
	if domain == s.Domain {
		return true
	}
	for _, d := range s.ReadDomains {
		if d == domain {
			return true
		}
	}
	return false
}
