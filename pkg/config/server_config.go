package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"
	"github.com/gymdock/gymdock/pkg/utils"
	"github.com/imdario/mergo"
	"github.com/samber/lo"
)

// ServerConfig contains everything the server needs to run a fleet of worker
// containers. Values are resolved in three layers: built-in defaults, then an
// optional yaml config file, then command line flags.
type ServerConfig struct {
	// DockerImage is the image that every worker container is created from
	DockerImage string `yaml:"dockerImage,omitempty"`

	// WorkerCommand is the argv run inside each container. It must speak the
	// line-delimited JSON worker protocol on stdin/stdout
	WorkerCommand []string `yaml:"workerCommand,omitempty"`

	// Volumes are host:container[:mode] mount strings applied to every worker.
	// The host part may start with '~'; mode defaults to rw
	Volumes []string `yaml:"volumes,omitempty"`

	// EnvFiles lists the environment IDs this server can hand out. Hooks may
	// use it to pick an environment when a create request doesn't name one
	EnvFiles []string `yaml:"envFiles,omitempty"`

	// ContainerLabel is the docker label used to tag and later find every
	// container this server owns. The label value is the session ID
	ContainerLabel string `yaml:"containerLabel,omitempty"`

	// ContainerEnv is extra environment variables set in every worker
	ContainerEnv map[string]string `yaml:"containerEnv,omitempty"`

	// MaxSessions caps concurrent sessions. Create requests beyond the cap
	// fail fast rather than queue
	MaxSessions int `yaml:"maxSessions,omitempty"`

	// ContainerStopTimeoutS is how long docker waits for a worker to exit
	// before killing it on session delete
	ContainerStopTimeoutS int `yaml:"containerStopTimeoutS,omitempty"`

	// BatchWindowMS is the coalescing window for step requests. Steps arriving
	// within the same window are dispatched together
	BatchWindowMS int `yaml:"batchWindowMs,omitempty"`

	// IdleTimeoutS is how long a session may sit idle before the background
	// eviction loop reclaims it
	IdleTimeoutS int `yaml:"idleTimeoutS,omitempty"`

	// CommandTimeoutS bounds a single worker exchange (write command, read
	// response) in seconds
	CommandTimeoutS float64 `yaml:"commandTimeoutS,omitempty"`

	// Host and Port are the listen address for the HTTP API
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// Title shows up in the health endpoint and logs
	Title string `yaml:"title,omitempty"`

	// Version of the server binary, set from build info
	Version string `yaml:"-"`

	// Debug switches on verbose logging
	Debug bool `yaml:"-"`
}

// GetDefaultConfig returns the server default configuration
// NOTE (to contributors, not users): do not default a boolean to true, because
// false is the boolean zero value and a false in the user's yaml will be
// ignored by the merge
func GetDefaultConfig() ServerConfig {
	return ServerConfig{
		Volumes:               []string{},
		EnvFiles:              []string{},
		ContainerLabel:        "gymdock-session",
		ContainerEnv:          map[string]string{},
		MaxSessions:           64,
		ContainerStopTimeoutS: 2,
		BatchWindowMS:         50,
		IdleTimeoutS:          120,
		CommandTimeoutS:       60.0,
		Host:                  "0.0.0.0",
		Port:                  8000,
		Title:                 "GymDock API",
		Version:               "unversioned",
	}
}

// NewServerConfig builds a config from defaults plus an optional yaml file.
// Flag overrides are applied by the caller afterwards.
func NewServerConfig(version string, debug bool, configFile string) (*ServerConfig, error) {
	cfg := GetDefaultConfig()

	if configFile != "" {
		if err := loadConfigFile(configFile, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.Version = version
	cfg.Debug = debug

	if err := cfg.ExpandVolumes(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadConfigFile(path string, base *ServerConfig) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fileCfg ServerConfig
	if err := yaml.Unmarshal(content, &fileCfg); err != nil {
		return fmt.Errorf("could not parse config file %s: %w", path, err)
	}

	return mergo.Merge(base, fileCfg, mergo.WithOverride)
}

// Validate checks that the config can actually run a server
func (c *ServerConfig) Validate() error {
	if c.DockerImage == "" {
		return fmt.Errorf("no docker image configured: pass --docker-image or set dockerImage in the config file")
	}
	if len(c.WorkerCommand) == 0 {
		return fmt.Errorf("no worker command configured: pass --worker-command or set workerCommand in the config file")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("maxSessions must be positive, got %d", c.MaxSessions)
	}
	if c.BatchWindowMS < 0 {
		return fmt.Errorf("batchWindowMs must not be negative, got %d", c.BatchWindowMS)
	}
	if c.CommandTimeoutS <= 0 {
		return fmt.Errorf("commandTimeoutS must be positive, got %v", c.CommandTimeoutS)
	}
	for _, vol := range c.Volumes {
		if _, err := ParseVolume(vol); err != nil {
			return err
		}
	}
	return nil
}

// ExpandVolumes resolves a leading '~' in each volume's host part. It runs
// on the config file volumes during load; callers that inject volumes
// afterwards (flag overrides) call it again.
func (c *ServerConfig) ExpandVolumes() error {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}

	for i, vol := range c.Volumes {
		parts := strings.Split(vol, ":")
		if strings.HasPrefix(parts[0], "~") && home != "" {
			parts[0] = filepath.Join(home, strings.TrimPrefix(parts[0], "~"))
		}
		c.Volumes[i] = strings.Join(parts, ":")
	}
	return nil
}

// CommandTimeout returns the worker exchange timeout as a duration
func (c *ServerConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutS * float64(time.Second))
}

// BatchWindow returns the step coalescing window as a duration
func (c *ServerConfig) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowMS) * time.Millisecond
}

// IdleTimeout returns the session idle limit as a duration
func (c *ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutS) * time.Second
}

// Volume is one parsed host:container[:mode] mount
type Volume struct {
	Host      string
	Container string
	Mode      string
}

// ParseVolume splits a host:container[:mode] string. The container path
// defaults to the host path and the mode defaults to rw.
func ParseVolume(s string) (Volume, error) {
	parts := strings.Split(s, ":")
	if parts[0] == "" {
		return Volume{}, fmt.Errorf("invalid volume %q: empty host path", s)
	}

	vol := Volume{Host: parts[0], Container: parts[0], Mode: "rw"}
	if len(parts) > 1 && parts[1] != "" {
		vol.Container = parts[1]
	}
	if len(parts) > 2 {
		vol.Mode = parts[2]
	}
	return vol, nil
}

// ParsedVolumes returns the configured mounts in parsed form. Strings that
// fail to parse are skipped; Validate catches them up front.
func (c *ServerConfig) ParsedVolumes() []Volume {
	vols := lo.FilterMap(c.Volumes, func(s string, _ int) (Volume, bool) {
		vol, err := ParseVolume(s)
		return vol, err == nil
	})
	return vols
}

// Binds returns the mounts in the host:container:mode form the docker API
// expects
func (c *ServerConfig) Binds() []string {
	return lo.Map(c.ParsedVolumes(), func(v Volume, _ int) string {
		return fmt.Sprintf("%s:%s:%s", v.Host, v.Container, v.Mode)
	})
}

// TranslatePath maps a host path to its in-container equivalent using the
// configured mounts. The first mount whose host prefix matches wins; a path
// under no mount is returned unchanged.
func (c *ServerConfig) TranslatePath(hostPath string) string {
	for _, vol := range c.ParsedVolumes() {
		if strings.HasPrefix(hostPath, vol.Host) {
			return vol.Container + strings.TrimPrefix(hostPath, vol.Host)
		}
	}
	return hostPath
}

// LoadEnvFileList reads a text file of environment IDs, one per line. Blank
// lines and surrounding whitespace are ignored.
func LoadEnvFileList(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	lines := lo.FilterMap(utils.SplitLines(string(content)), func(line string, _ int) (string, bool) {
		trimmed := strings.TrimSpace(line)
		return trimmed, trimmed != ""
	})
	return lines, nil
}
