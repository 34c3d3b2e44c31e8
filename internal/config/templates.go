package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "toml":
		return tomlTemplate, nil
	case "yaml", "yml":
		return yamlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Render encodes the effective configuration as toml or yaml.
func Render(cfg Config, format string) ([]byte, error) {
	raw := toFile(cfg)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "toml":
		return toml.Marshal(raw)
	case "yaml", "yml":
		return yaml.Marshal(raw)
	default:
		return nil, fmt.Errorf("unknown config format: %s", format)
	}
}

const tomlTemplate = `node_id = "agent0"
log_level = "info"
admin_addr = "127.0.0.1:9400"
cors_origins = ["http://localhost:3000"]
checkpoint_path = "local/agent0.db"
checkpoint_interval = "30s"
send_interval = "100ms"
heartbeat = "5s"

[transport]
domain = "kbcast"
kind = "udp"
listen = "127.0.0.1:40000"
hosts = ["127.0.0.1:40001"]
read_threads = 2
max_fragment_size = 62000
fragment_timeout = "5s"
slack_time = "0s"
rebroadcast_ttl = 2
participant_ttl = 2
send_bandwidth_limit = -1
total_bandwidth_limit = -1
bandwidth_window = "10s"

[publisher]
interval = "250ms"
backoff_initial = "250ms"
backoff_multiplier = 2.0
backoff_max = "5s"
backoff_jitter = true
max_rounds = 10

[[publish]]
name = "map"
id = 0
processes = 2
`

const yamlTemplate = `node_id: agent1
log_level: info
admin_addr: 127.0.0.1:9401
send_interval: 100ms
heartbeat: 5s

transport:
  domain: kbcast
  kind: udp
  listen: 127.0.0.1:40001
  hosts:
    - 127.0.0.1:40000
  read_threads: 2
  rebroadcast_ttl: 2
  participant_ttl: 2

watch:
  - name: map
    id: 1
    processes: 2
`
