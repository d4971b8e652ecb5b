// Package config loads runtime settings for every dsm role from the
// environment, the way cmd/atlas reads its own configuration: an optional
// env file overrides os.Environ() entirely, never merges with it.
package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-envparse"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable a dsm role (daemon, session-server, arbiter,
// client) needs. Fields are populated from environment variables with the
// DSM_ prefix; see Load for the variable names.
type Config struct {
	// DaemonAddr is the host:port the daemon's directory listener binds
	// and the address clients dial to resolve a session name to a port.
	DaemonAddr string

	// ArbiterPort is the well-known local loopback port each arbiter
	// listens on for its sibling ranks.
	ArbiterPort int

	// SessionServerBacklog is loaded from DSM_SERVER_BACKLOG. No role reads
	// it; the session-server listens with net.Listen's default backlog.
	SessionServerBacklog int

	// DefaultMapSize is the shared-region size (bytes) used when a
	// session does not request one explicitly. Rounded up to a page
	// multiple by internal/region.
	DefaultMapSize int64

	// DialTimeout is loaded from DSM_DIAL_TIMEOUT. No role reads it; every
	// outbound TCP dial uses net.Dial with no timeout.
	DialTimeout time.Duration

	// LogLevel is one of debug, info, warn, error; consumed by
	// internal/logger.Init.
	LogLevel string

	// LogFile is an optional path logger.Init appends to in addition to
	// stdout.
	LogFile string

	// HostsFile, if set, points at a YAML file mapping session names to
	// daemon addresses (see LoadHosts), letting a client skip the
	// DSM_DAEMON_ADDR default for a named session.
	HostsFile string
}

// Default returns the configuration used when no environment variables are
// set at all.
func Default() Config {
	return Config{
		DaemonAddr:           "127.0.0.1:9000",
		ArbiterPort:          9100,
		SessionServerBacklog: 16,
		DefaultMapSize:       2 * 4096,
		DialTimeout:          5 * time.Second,
		LogLevel:             "info",
	}
}

// Load builds a Config from a list of "KEY=VALUE" entries, as returned by
// os.Environ() or ReadEnvFile. Unset keys keep Default's values.
func Load(env []string) (Config, error) {
	cfg := Default()
	m := map[string]string{}
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		m[k] = v
	}

	if v, ok := m["DSM_DAEMON_ADDR"]; ok {
		if _, _, err := net.SplitHostPort(v); err != nil {
			return cfg, fmt.Errorf("config: DSM_DAEMON_ADDR: %w", err)
		}
		cfg.DaemonAddr = v
	}
	if v, ok := m["DSM_ARBITER_PORT"]; ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: DSM_ARBITER_PORT: %w", err)
		}
		cfg.ArbiterPort = p
	}
	if v, ok := m["DSM_SERVER_BACKLOG"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: DSM_SERVER_BACKLOG: %w", err)
		}
		cfg.SessionServerBacklog = n
	}
	if v, ok := m["DSM_MAP_SIZE"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("config: DSM_MAP_SIZE: %w", err)
		}
		cfg.DefaultMapSize = n
	}
	if v, ok := m["DSM_DIAL_TIMEOUT"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("config: DSM_DIAL_TIMEOUT: %w", err)
		}
		cfg.DialTimeout = d
	}
	if v, ok := m["DSM_LOG_LEVEL"]; ok {
		cfg.LogLevel = v
	}
	if v, ok := m["DSM_LOG_FILE"]; ok {
		cfg.LogFile = v
	}
	if v, ok := m["DSM_HOSTS_FILE"]; ok {
		cfg.HostsFile = v
	}

	return cfg, nil
}

// ReadEnvFile parses a "KEY=VALUE" file in the same format go-envparse
// accepts for Atlas's configuration, returning it as "K=V" entries suitable
// for Load.
func ReadEnvFile(r io.Reader) ([]string, error) {
	m, err := envparse.Parse(r)
	if err != nil {
		return nil, err
	}
	entries := make([]string, 0, len(m))
	for k, v := range m {
		entries = append(entries, k+"="+v)
	}
	return entries, nil
}

// LoadFile opens name and loads it via ReadEnvFile + Load, mirroring
// cmd/atlas's "env_file argument replaces the environment" convention.
func LoadFile(name string) (Config, error) {
	f, err := os.Open(name)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	entries, err := ReadEnvFile(f)
	if err != nil {
		return Config{}, err
	}
	return Load(entries)
}

// Hosts maps a session name to the daemon address that owns it, letting a
// multi-cluster deployment spread sessions across more than one daemon.
type Hosts map[string]string

// LoadHosts parses a HostsFile in the form:
//
//	session-a: 10.0.0.1:9000
//	session-b: 10.0.0.2:9000
//
// Returns an empty map, not an error, if cfg.HostsFile is unset.
func LoadHosts(cfg Config) (Hosts, error) {
	if cfg.HostsFile == "" {
		return Hosts{}, nil
	}
	data, err := os.ReadFile(cfg.HostsFile)
	if err != nil {
		return nil, fmt.Errorf("config: read hosts file %q: %w", cfg.HostsFile, err)
	}
	var hosts Hosts
	if err := yaml.Unmarshal(data, &hosts); err != nil {
		return nil, fmt.Errorf("config: parse hosts file %q: %w", cfg.HostsFile, err)
	}
	return hosts, nil
}

// Resolve returns the daemon address for sessionName: hosts[sessionName] if
// present, otherwise cfg.DaemonAddr.
func (h Hosts) Resolve(cfg Config, sessionName string) string {
	if addr, ok := h[sessionName]; ok {
		return addr
	}
	return cfg.DaemonAddr
}
