// Package config defines the stack's compile-time-flavored configuration
// knobs as a JSON-loadable struct; loaded values are not validated.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Config holds every tunable named in the external-interfaces
// configuration surface: feature enables, pool/table capacities, and
// protocol timing constants.
type Config struct {
	LocalhostEnable bool `json:"localhost_enable"`

	MaxRoutes int `json:"max_routes"`

	MaxARPEntries       int   `json:"max_arp_entries"`
	ARPValidityMs       int64 `json:"arp_validity_ms"`
	ARPRequestTimeoutMs int64 `json:"arp_request_timeout_ms"`

	EnableICMP     bool `json:"enable_icmp"`
	EnableICMPPing bool `json:"enable_icmp_ping"`

	EnableUDP         bool `json:"enable_udp"`
	EnableUDPChecksum bool `json:"enable_udp_checksum"`

	EnableTCP         bool   `json:"enable_tcp"`
	TCPWindow         uint16 `json:"tcp_window"`
	TCPMaxRetries     int    `json:"tcp_max_retries"`
	TCPStateTimeoutMs int64  `json:"tcp_state_timeout_ms"`

	EnableSocket     bool `json:"enable_socket"`
	EnableSocketPoll bool `json:"enable_socket_poll"`
	MaxSockets       int  `json:"max_sockets"`
	MaxPollRecords   int  `json:"max_poll_records"`

	MaxInterfaces int `json:"max_interfaces"`

	LogLevel string `json:"log_level"`

	path      string
	mu        sync.RWMutex
	changedCh chan struct{}
}

// Default returns the configuration the reference runtime starts from
// absent an on-disk override: every protocol enabled, timing constants
// matching the external-interfaces defaults (500ms TCP state timeout, 5
// retransmits, a 1024-byte fixed receive window).
func Default() *Config {
	return &Config{
		LocalhostEnable: true,

		MaxRoutes: 2*maxInterfacesDefault + 2,

		MaxARPEntries:       32,
		ARPValidityMs:       60_000,
		ARPRequestTimeoutMs: 1_000,

		EnableICMP:     true,
		EnableICMPPing: true,

		EnableUDP:         true,
		EnableUDPChecksum: true,

		EnableTCP:         true,
		TCPWindow:         1024,
		TCPMaxRetries:     5,
		TCPStateTimeoutMs: 500,

		EnableSocket:     true,
		EnableSocketPoll: true,
		MaxSockets:       64,
		MaxPollRecords:   16,

		MaxInterfaces: maxInterfacesDefault,

		LogLevel: "info",

		changedCh: make(chan struct{}, 1),
	}
}

const maxInterfacesDefault = 4

// New constructs an empty, unsaved Config bound to path for future Update
// calls, without populating any field defaults.
func New(path string) *Config {
	return &Config{path: path, changedCh: make(chan struct{}, 1)}
}

// Load reads and parses the JSON config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := New(path)
	if err := cfg.UpdateFromJSON(data); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// UpdateFromJSON replaces every field from data, persists the result if the
// config has a backing path, and notifies any Changed() listener.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	if c.path != "" {
		if err := c.saveLocked(); err != nil {
			return err
		}
	}
	c.notifyChanged()
	return nil
}

// Changed returns a channel that receives a value whenever the config is
// updated via UpdateFromJSON. Buffered by one; callers that fall behind
// only see that a change happened, not how many.
func (c *Config) Changed() <-chan struct{} {
	if c.changedCh == nil {
		return nil
	}
	return c.changedCh
}

func (c *Config) notifyChanged() {
	select {
	case c.changedCh <- struct{}{}:
	default:
	}
}

// saveLocked assumes c.mu is held for writing. It writes to a temp file in
// the same directory and renames over the target so a reader never
// observes a partial write.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".nanoip-cfg-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: close: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}
