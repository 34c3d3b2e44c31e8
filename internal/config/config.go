package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/kbcast/internal/agent"
	"github.com/danmuck/kbcast/internal/logging"
	"gopkg.in/yaml.v3"
)

// Config is a node's effective configuration: file values layered over
// agent defaults.
type Config struct {
	Service  agent.ServiceConfig
	LogLevel string
}

type fileConfig struct {
	NodeID             string         `toml:"node_id" yaml:"node_id"`
	LogLevel           string         `toml:"log_level" yaml:"log_level"`
	AdminAddr          string         `toml:"admin_addr" yaml:"admin_addr"`
	AdminToken         string         `toml:"admin_token" yaml:"admin_token"`
	CorsOrigins        []string       `toml:"cors_origins" yaml:"cors_origins"`
	CheckpointPath     string         `toml:"checkpoint_path" yaml:"checkpoint_path"`
	CheckpointInterval string         `toml:"checkpoint_interval" yaml:"checkpoint_interval"`
	SendInterval       string         `toml:"send_interval" yaml:"send_interval"`
	Heartbeat          string         `toml:"heartbeat" yaml:"heartbeat"`
	Transport          transportFile  `toml:"transport" yaml:"transport"`
	Publisher          publisherFile  `toml:"publisher" yaml:"publisher"`
	Publish            []reliableFile `toml:"publish" yaml:"publish"`
	Watch              []reliableFile `toml:"watch" yaml:"watch"`
}

type transportFile struct {
	Domain              string   `toml:"domain" yaml:"domain"`
	ReadDomains         []string `toml:"read_domains" yaml:"read_domains"`
	Kind                string   `toml:"kind" yaml:"kind"`
	Listen              string   `toml:"listen" yaml:"listen"`
	Hosts               []string `toml:"hosts" yaml:"hosts"`
	QueueLength         int      `toml:"queue_length" yaml:"queue_length"`
	QueueDepth          int      `toml:"queue_depth" yaml:"queue_depth"`
	ReadThreads         int      `toml:"read_threads" yaml:"read_threads"`
	PollTimeout         string   `toml:"poll_timeout" yaml:"poll_timeout"`
	MaxFragmentSize     int      `toml:"max_fragment_size" yaml:"max_fragment_size"`
	FragmentQueueLength int      `toml:"fragment_queue_length" yaml:"fragment_queue_length"`
	FragmentTimeout     string   `toml:"fragment_timeout" yaml:"fragment_timeout"`
	SlackTime           string   `toml:"slack_time" yaml:"slack_time"`
	RebroadcastTTL      int      `toml:"rebroadcast_ttl" yaml:"rebroadcast_ttl"`
	ParticipantTTL      int      `toml:"participant_ttl" yaml:"participant_ttl"`
	SendBandwidthLimit  int64    `toml:"send_bandwidth_limit" yaml:"send_bandwidth_limit"`
	TotalBandwidthLimit int64    `toml:"total_bandwidth_limit" yaml:"total_bandwidth_limit"`
	BandwidthWindow     string   `toml:"bandwidth_window" yaml:"bandwidth_window"`
	Deadline            string   `toml:"deadline" yaml:"deadline"`
	DropType            string   `toml:"drop_type" yaml:"drop_type"`
	DropRate            float64  `toml:"drop_rate" yaml:"drop_rate"`
	DropBurst           uint64   `toml:"drop_burst" yaml:"drop_burst"`
	TargetDropRate      float64  `toml:"target_drop_rate" yaml:"target_drop_rate"`
	ReorderTargets      bool     `toml:"reorder_targets" yaml:"reorder_targets"`
	Seed                uint64   `toml:"seed" yaml:"seed"`
	TrustedPeers        []string `toml:"trusted_peers" yaml:"trusted_peers"`
	BannedPeers         []string `toml:"banned_peers" yaml:"banned_peers"`
	NoSending           bool     `toml:"no_sending" yaml:"no_sending"`
	NoReceiving         bool     `toml:"no_receiving" yaml:"no_receiving"`
	MulticastTTL        int      `toml:"multicast_ttl" yaml:"multicast_ttl"`
	MulticastLoopback   bool     `toml:"multicast_loopback" yaml:"multicast_loopback"`
}

type publisherFile struct {
	Interval          string  `toml:"interval" yaml:"interval"`
	BackoffInitial    string  `toml:"backoff_initial" yaml:"backoff_initial"`
	BackoffMultiplier float64 `toml:"backoff_multiplier" yaml:"backoff_multiplier"`
	BackoffMax        string  `toml:"backoff_max" yaml:"backoff_max"`
	BackoffJitter     bool    `toml:"backoff_jitter" yaml:"backoff_jitter"`
	MaxRounds         int     `toml:"max_rounds" yaml:"max_rounds"`
}

type reliableFile struct {
	Name          string `toml:"name" yaml:"name"`
	ID            int    `toml:"id" yaml:"id"`
	Processes     int    `toml:"processes" yaml:"processes"`
	FragmentLimit int    `toml:"fragment_limit" yaml:"fragment_limit"`
}

// definedFunc reports whether a key path was present in the source file.
type definedFunc func(keys ...string) bool

// Load reads path as TOML, or as YAML when the extension is .yaml or .yml,
// and layers the values that are present over the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var (
		raw     fileConfig
		defined definedFunc
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		defined, err = decodeYAML(data, &raw)
	default:
		defined, err = decodeTOML(data, &raw)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	cfg := Default()
	if err := apply(&cfg, raw, defined); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func Default() Config {
	return Config{Service: agent.DefaultServiceConfig(), LogLevel: "info"}
}

func decodeTOML(data []byte, raw *fileConfig) (definedFunc, error) {
	meta, err := toml.Decode(string(data), raw)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return meta.IsDefined, nil
}

func decodeYAML(data []byte, raw *fileConfig) (definedFunc, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	paths := make(map[string]struct{})
	if len(root.Content) > 0 {
		collectPaths(root.Content[0], "", paths)
		if err := root.Content[0].Decode(raw); err != nil {
			return nil, err
		}
	}
	return func(keys ...string) bool {
		_, ok := paths[strings.Join(keys, ".")]
		return ok
	}, nil
}

func collectPaths(n *yaml.Node, prefix string, out map[string]struct{}) {
	if n.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if prefix != "" {
			key = prefix + "." + key
		}
		out[key] = struct{}{}
		collectPaths(n.Content[i+1], key, out)
	}
}

// Validate checks the effective configuration.
func Validate(cfg Config) error {
	var errs []error
	if _, ok := logging.ParseLevel(cfg.LogLevel); !ok && strings.TrimSpace(cfg.LogLevel) != "" {
		errs = append(errs, fmt.Errorf("unknown log_level %q", cfg.LogLevel))
	}
	if err := cfg.Service.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
