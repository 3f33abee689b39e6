// Package config handles configuration loading and validation for photosync.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/collodion/photosync/internal/blobsync"
	"github.com/collodion/photosync/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// JanitorConfig controls pruning of abandoned uploads.
type JanitorConfig struct {
	Interval   string `yaml:"interval"`    // Duration string, e.g. "30s"
	StaleAfter string `yaml:"stale_after"` // Uploads idle this long are dropped
}

// SeenIndexConfig controls the last-seen index.
type SeenIndexConfig struct {
	Path          string `yaml:"path"`           // Default: <data_dir>/seen.json
	FlushInterval string `yaml:"flush_interval"` // Duration string, e.g. "10s"
	MaxEntries    int    `yaml:"max_entries"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"` // Default: true
}

// ServerConfig holds configuration for the serving peer.
type ServerConfig struct {
	Listen             string          `yaml:"listen"`
	DataDir            string          `yaml:"data_dir"` // Default: /var/lib/photosync
	Codec              string          `yaml:"codec"`    // "cbor" or "json"
	MaxMessageSize     bytesize.Size   `yaml:"max_message_size"`
	RateLimit          int             `yaml:"rate_limit"` // Inbound messages per second
	RateBurst          int             `yaml:"rate_burst"`
	MaxInflight        int             `yaml:"max_inflight"`
	MaxInflightPerPeer int             `yaml:"max_inflight_per_peer"`
	Janitor            JanitorConfig   `yaml:"janitor"`
	SeenIndex          SeenIndexConfig `yaml:"seen_index"`
	Metrics            MetricsConfig   `yaml:"metrics"`
}

// ClientConfig holds configuration for a requesting peer.
type ClientConfig struct {
	Name             string        `yaml:"name"`   // Peer name announced to the server (optional)
	Server           string        `yaml:"server"` // Base URL of the serving peer
	DataDir          string        `yaml:"data_dir"`
	Codec            string        `yaml:"codec"`
	MaxMessageSize   bytesize.Size `yaml:"max_message_size"`
	MaxInflight      int           `yaml:"max_inflight"`
	ThrottleWindow   string        `yaml:"throttle_window"`    // Duration string, e.g. "2s"
	SeenPingInterval string        `yaml:"seen_ping_interval"` // "0" disables seen notices
}

const defaultMaxMessageSize = 64 * bytesize.KB

// DefaultServerConfig returns a server configuration with every default applied.
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.applyDefaults()
	return cfg
}

// DefaultClientConfig returns a client configuration with every default applied.
func DefaultClientConfig() *ClientConfig {
	cfg := &ClientConfig{}
	cfg.applyDefaults()
	return cfg
}

// LoadServerConfig loads server configuration from a YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadClientConfig loads client configuration from a YAML file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &ClientConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *ServerConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8420"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/photosync"
	}
	c.DataDir = ExpandHome(c.DataDir)
	if c.Codec == "" {
		c.Codec = blobsync.CodecCBOR
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = bytesize.Size(defaultMaxMessageSize)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 1000
	}
	if c.RateBurst == 0 {
		c.RateBurst = 100
	}
	if c.MaxInflight == 0 {
		c.MaxInflight = blobsync.DefaultServerInflight
	}
	if c.MaxInflightPerPeer == 0 {
		c.MaxInflightPerPeer = blobsync.DefaultPerPeerInflight
	}
	if c.Janitor.Interval == "" {
		c.Janitor.Interval = "30s"
	}
	if c.Janitor.StaleAfter == "" {
		c.Janitor.StaleAfter = "120s"
	}
	if c.SeenIndex.Path == "" {
		c.SeenIndex.Path = filepath.Join(c.DataDir, "seen.json")
	}
	c.SeenIndex.Path = ExpandHome(c.SeenIndex.Path)
	if c.SeenIndex.FlushInterval == "" {
		c.SeenIndex.FlushInterval = "10s"
	}
	if c.SeenIndex.MaxEntries == 0 {
		c.SeenIndex.MaxEntries = 100000
	}
	// Metrics enabled by default
	if c.Metrics.Enabled == nil {
		enabled := true
		c.Metrics.Enabled = &enabled
	}
}

func (c *ClientConfig) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "~/.photosync"
	}
	c.DataDir = ExpandHome(c.DataDir)
	if c.Codec == "" {
		c.Codec = blobsync.CodecCBOR
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = bytesize.Size(defaultMaxMessageSize)
	}
	if c.MaxInflight == 0 {
		c.MaxInflight = blobsync.DefaultRequesterInflight
	}
	if c.ThrottleWindow == "" {
		c.ThrottleWindow = "2s"
	}
	if c.SeenPingInterval == "" {
		c.SeenPingInterval = "5m"
	}
}

// ExpandHome expands a leading "~/" to the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// minMessageSize is the smallest frame limit that fits a full chunk in
// the given codec. JSON base64-encodes chunk data.
func minMessageSize(codec string) int64 {
	if codec == blobsync.CodecJSON {
		return 48 * bytesize.KB
	}
	return 32 * bytesize.KB
}

func validateCommon(codec string, maxMessageSize bytesize.Size) error {
	if _, err := blobsync.CodecByName(codec); err != nil {
		return fmt.Errorf("invalid codec: %w", err)
	}
	if floor := minMessageSize(codec); maxMessageSize.Bytes() < floor {
		return fmt.Errorf("max_message_size must be at least %s for codec %s", bytesize.Format(floor), codec)
	}
	return nil
}

func parsePositiveDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return d, nil
}

// Validate checks if the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if err := validateCommon(c.Codec, c.MaxMessageSize); err != nil {
		return err
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("rate_limit and rate_burst must not be negative")
	}
	if c.MaxInflight < 0 || c.MaxInflightPerPeer < 0 {
		return fmt.Errorf("max_inflight and max_inflight_per_peer must not be negative")
	}
	if _, err := parsePositiveDuration("janitor.interval", c.Janitor.Interval); err != nil {
		return err
	}
	if _, err := parsePositiveDuration("janitor.stale_after", c.Janitor.StaleAfter); err != nil {
		return err
	}
	if _, err := parsePositiveDuration("seen_index.flush_interval", c.SeenIndex.FlushInterval); err != nil {
		return err
	}
	if c.SeenIndex.MaxEntries < 0 {
		return fmt.Errorf("seen_index.max_entries must not be negative")
	}
	return nil
}

// BlobDir returns where the server stores blobs.
func (c *ServerConfig) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}

// JanitorInterval returns the parsed janitor interval. Call after Validate.
func (c *ServerConfig) JanitorInterval() time.Duration {
	d, _ := time.ParseDuration(c.Janitor.Interval)
	return d
}

// StaleAfter returns the parsed upload staleness threshold.
func (c *ServerConfig) StaleAfter() time.Duration {
	d, _ := time.ParseDuration(c.Janitor.StaleAfter)
	return d
}

// SeenFlushInterval returns the parsed seen index flush interval.
func (c *ServerConfig) SeenFlushInterval() time.Duration {
	d, _ := time.ParseDuration(c.SeenIndex.FlushInterval)
	return d
}

// MetricsEnabled reports whether /metrics is served.
func (c *ServerConfig) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// Validate checks if the client configuration is valid.
func (c *ClientConfig) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("server is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if err := validateCommon(c.Codec, c.MaxMessageSize); err != nil {
		return err
	}
	if c.MaxInflight < 0 {
		return fmt.Errorf("max_inflight must not be negative")
	}
	if _, err := parsePositiveDuration("throttle_window", c.ThrottleWindow); err != nil {
		return err
	}
	d, err := time.ParseDuration(c.SeenPingInterval)
	if err != nil {
		return fmt.Errorf("invalid seen_ping_interval: %w", err)
	}
	if d < 0 {
		return fmt.Errorf("seen_ping_interval must not be negative")
	}
	return nil
}

// BlobDir returns where the client stores blobs.
func (c *ClientConfig) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}

// ThrottleWindowDuration returns the parsed fetch throttle window.
func (c *ClientConfig) ThrottleWindowDuration() time.Duration {
	d, _ := time.ParseDuration(c.ThrottleWindow)
	return d
}

// SeenPingDuration returns the parsed seen notice interval; zero disables.
func (c *ClientConfig) SeenPingDuration() time.Duration {
	d, _ := time.ParseDuration(c.SeenPingInterval)
	return d
}
