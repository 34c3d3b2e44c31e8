package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/kbcast/internal/reliable"
	"github.com/danmuck/kbcast/internal/transport"
	"github.com/google/uuid"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("agent: invalid heartbeat interval")
	ErrInvalidSendInterval      = errors.New("agent: invalid send interval")
	ErrInvalidReliableRecord    = errors.New("agent: invalid reliable record")
)

// ReliableConfig binds one reliable record. For published records ID is
// this node's participant index; for watched records it is the index acks
// are written under.
type ReliableConfig struct {
	Name          string
	ID            int
	Processes     int
	FragmentLimit int
}

// ServiceConfig configures a standalone node.
type ServiceConfig struct {
	NodeID             string
	Transport          transport.Settings
	AdminListenAddr    string
	AdminToken         string
	CorsOrigins        []string
	CheckpointPath     string
	CheckpointInterval time.Duration
	SendInterval       time.Duration
	HeartbeatInterval  time.Duration
	Publish            []ReliableConfig
	Watch              []ReliableConfig
	Publisher          reliable.PublisherConfig
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Transport:          transport.DefaultSettings(),
		CheckpointInterval: 30 * time.Second,
		SendInterval:       100 * time.Millisecond,
		HeartbeatInterval:  5 * time.Second,
		Publisher:          reliable.DefaultPublisherConfig(),
	}
}

// NewNodeID returns an ephemeral originator id.
func NewNodeID() string {
	return "kbcast-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// Normalize fills derived fields: a missing node id is generated and the
// transport id follows the node id.
func (c ServiceConfig) Normalize() ServiceConfig {
	c.NodeID = strings.TrimSpace(c.NodeID)
	if c.NodeID == "" {
		c.NodeID = strings.TrimSpace(c.Transport.ID)
	}
	if c.NodeID == "" {
		c.NodeID = NewNodeID()
	}
	c.Transport.ID = c.NodeID
	c.Publish = append([]ReliableConfig(nil), c.Publish...)
	c.Watch = append([]ReliableConfig(nil), c.Watch...)
	for i := range c.Publish {
		c.Publish[i] = c.Publish[i].withDefaults()
	}
	for i := range c.Watch {
		c.Watch[i] = c.Watch[i].withDefaults()
	}
	return c
}

func (r ReliableConfig) withDefaults() ReliableConfig {
	r.Name = strings.TrimSpace(r.Name)
	if r.Processes <= 0 {
		r.Processes = 2
	}
	if r.FragmentLimit <= 0 {
		r.FragmentLimit = reliable.FragmentLimit
	}
	return r
}

// Validate reports every invalid field at once.
func (c ServiceConfig) Validate() error {
	var errs []error
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, ErrInvalidHeartbeatInterval)
	}
	if c.SendInterval <= 0 {
		errs = append(errs, ErrInvalidSendInterval)
	}
	if c.CheckpointPath != "" && c.CheckpointInterval <= 0 {
		errs = append(errs, errors.New("agent: checkpoint interval must be positive"))
	}
	check := func(kind string, list []ReliableConfig) {
		seen := make(map[string]struct{}, len(list))
		for i, r := range list {
			r = r.withDefaults()
			switch {
			case r.Name == "":
				errs = append(errs, fmt.Errorf("%w: %s[%d] missing name", ErrInvalidReliableRecord, kind, i))
			case r.ID < 0 || r.ID >= r.Processes:
				errs = append(errs, fmt.Errorf("%w: %s[%d] id %d outside [0,%d)", ErrInvalidReliableRecord, kind, i, r.ID, r.Processes))
			}
			if _, dup := seen[r.Name]; dup {
				errs = append(errs, fmt.Errorf("%w: %s[%d] duplicate name %q", ErrInvalidReliableRecord, kind, i, r.Name))
			}
			seen[r.Name] = struct{}{}
		}
	}
	check("publish", c.Publish)
	check("watch", c.Watch)

	t := c.Transport
	if t.ID == "" {
		t.ID = c.NodeID
	}
	if err := t.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
