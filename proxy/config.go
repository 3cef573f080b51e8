package proxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when no path is given on the command line.
const DefaultConfigPath = "config.json"

// Protocol selects the forwarding plane for an application.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// InactiveAction is what happens to the container group once it goes idle.
type InactiveAction string

const (
	ActionPause InactiveAction = "pause"
	ActionStop  InactiveAction = "stop"
)

// Config is the top-level document: a list of independent applications plus
// process-wide settings.
type Config struct {
	// MetricsPort, when non-zero, exposes Prometheus metrics on that port.
	MetricsPort uint16 `json:"MetricsPort" yaml:"MetricsPort"`

	Applications []AppConfig `json:"Applications" yaml:"Applications"`
}

// AppConfig holds the settings for one proxied application. Field names
// match the wire format; unknown keys in the document are ignored.
type AppConfig struct {
	// SocketURI is the Docker socket or host URI. Empty means "use the
	// environment" (DOCKER_HOST or the default unix socket).
	SocketURI string `json:"SocketUri" yaml:"SocketUri"`
	// ContainerName is the Docker container this application fronts.
	ContainerName string `json:"DockerContainerName" yaml:"DockerContainerName"`
	// ApplyToComposeGroup extends lifecycle actions to every container
	// sharing the base container's compose project. (default: true)
	ApplyToComposeGroup *bool `json:"ApplyToComposeGroup" yaml:"ApplyToComposeGroup"`
	// Protocol is "tcp" or "udp", case-insensitive. (default: tcp)
	Protocol Protocol `json:"Protocol" yaml:"Protocol"`
	// ListenPort is the local port the proxy binds.
	ListenPort uint16 `json:"ListenPort" yaml:"ListenPort"`
	// TargetAddress is the upstream host. (default: 127.0.0.1)
	TargetAddress string `json:"TargetAddress" yaml:"TargetAddress"`
	// TargetPort is the upstream port.
	TargetPort uint16 `json:"TargetPort" yaml:"TargetPort"`
	// InactiveAfter is how long without traffic before the container group
	// is suspended. (default: 10m)
	InactiveAfter Duration `json:"InactiveAfter" yaml:"InactiveAfter"`
	// CheckInterval is how often the inactivity check runs. (default: 5s)
	CheckInterval Duration `json:"CheckInterval" yaml:"CheckInterval"`
	// InactiveAction is "pause" or "stop", case-insensitive. (default: pause)
	InactiveAction InactiveAction `json:"InactiveAction" yaml:"InactiveAction"`
	// StartupDelay is slept after issuing a start/unpause before forwarding.
	// (default: 1s)
	StartupDelay Duration `json:"StartupDelay" yaml:"StartupDelay"`
	// HealthcheckEnabled gates waking on the container's health status.
	// (default: false)
	HealthcheckEnabled bool `json:"HealthcheckEnabled" yaml:"HealthcheckEnabled"`
	// HealthcheckInterval is the poll interval while waiting for a healthy
	// container during a wake. (default: 1s)
	HealthcheckInterval Duration `json:"HealthcheckInterval" yaml:"HealthcheckInterval"`
	// SuspendSchedule is an optional cron expression; when it fires the
	// group is suspended regardless of recent activity.
	SuspendSchedule string `json:"SuspendSchedule" yaml:"SuspendSchedule"`
}

// GroupEnabled reports whether compose-group expansion is on.
func (a *AppConfig) GroupEnabled() bool {
	return a.ApplyToComposeGroup == nil || *a.ApplyToComposeGroup
}

// Name is the application's log identity: container name plus listen port.
func (a *AppConfig) Name() string {
	return fmt.Sprintf("%s:%d", a.ContainerName, a.ListenPort)
}

// LoadConfig reads and parses the config document at path. YAML is used when
// the file extension is .yaml or .yml, JSON otherwise.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills in sensible defaults for any unset field and
// normalises the case-insensitive enums.
func applyDefaults(cfg *Config) {
	for i := range cfg.Applications {
		a := &cfg.Applications[i]
		if a.ApplyToComposeGroup == nil {
			t := true
			a.ApplyToComposeGroup = &t
		}
		a.Protocol = Protocol(strings.ToLower(string(a.Protocol)))
		if a.Protocol == "" {
			a.Protocol = ProtocolTCP
		}
		if a.TargetAddress == "" {
			a.TargetAddress = "127.0.0.1"
		}
		if a.InactiveAfter == 0 {
			a.InactiveAfter = Duration(10 * time.Minute)
		}
		if a.CheckInterval == 0 {
			a.CheckInterval = Duration(5 * time.Second)
		}
		a.InactiveAction = InactiveAction(strings.ToLower(string(a.InactiveAction)))
		if a.InactiveAction == "" {
			a.InactiveAction = ActionPause
		}
		if a.StartupDelay == 0 {
			a.StartupDelay = Duration(1 * time.Second)
		}
		if a.HealthcheckInterval == 0 {
			a.HealthcheckInterval = Duration(1 * time.Second)
		}
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if len(c.Applications) == 0 {
		return fmt.Errorf("no applications configured")
	}

	seenListeners := make(map[string]bool)

	for i := range c.Applications {
		a := &c.Applications[i]
		if a.ContainerName == "" {
			return fmt.Errorf("application #%d is missing required field 'DockerContainerName'", i+1)
		}
		if a.ListenPort == 0 {
			return fmt.Errorf("application %q is missing required field 'ListenPort'", a.ContainerName)
		}
		if a.TargetPort == 0 {
			return fmt.Errorf("application %q is missing required field 'TargetPort'", a.ContainerName)
		}
		if a.Protocol != ProtocolTCP && a.Protocol != ProtocolUDP {
			return fmt.Errorf("application %q has unknown protocol %q (allowed: tcp, udp)", a.ContainerName, a.Protocol)
		}
		if a.InactiveAction != ActionPause && a.InactiveAction != ActionStop {
			return fmt.Errorf("application %q has unknown inactive action %q (allowed: pause, stop)", a.ContainerName, a.InactiveAction)
		}
		if a.InactiveAfter < 0 || a.CheckInterval <= 0 {
			return fmt.Errorf("application %q has a non-positive interval", a.ContainerName)
		}

		key := fmt.Sprintf("%s/%d", a.Protocol, a.ListenPort)
		if seenListeners[key] {
			return fmt.Errorf("duplicate listener %s (application %q)", key, a.ContainerName)
		}
		seenListeners[key] = true

		if a.SuspendSchedule != "" {
			if _, err := cron.ParseStandard(a.SuspendSchedule); err != nil {
				return fmt.Errorf("application %q has invalid SuspendSchedule: %w", a.ContainerName, err)
			}
		}
	}
	return nil
}
