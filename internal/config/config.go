// Package config loads and holds sectiond's on-disk configuration as a TOML
// file, following the same functional-options shape the teacher's
// core.Config uses. cmd/sectiond uses this package's defaults (folder,
// control address) but does not load a TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sectionmesh/sectiond/common/constants"
	"github.com/sectionmesh/sectiond/common/fs"
)

// DefaultConfigFolderName is the folder created under the user's home
// directory, the teacher's ".drand" convention adapted to this module.
const DefaultConfigFolderName = ".sectiond"

const (
	DefaultListenAddr  = "0.0.0.0:7777"
	DefaultControlAddr = "127.0.0.1:7778"
	DefaultLogLevel    = "info"
)

// DefaultConfigFolder returns the default path under which a node's key
// material, contact cache, and config file live.
func DefaultConfigFolder() string {
	return filepath.Join(fs.HomeFolder(), DefaultConfigFolderName)
}

// Config bundles everything cmd/sectiond needs to construct an
// internal/node.Node and the transport it runs on (§6).
type Config struct {
	Folder            string
	ListenAddr        string
	ControlAddr       string
	BootstrapContacts []string
	First             bool
	LogLevel          string
	JSONLogs          bool

	ElderSize                     int
	RecommendedSectionSize        int
	JoinTimeout                   time.Duration
	BootstrapRetryTime            time.Duration
	NodesToContactPerStartupBatch int
	NumElderSubsetForQueries      int
	ConnectionsCacheSize          int
	AECacheTTL                    time.Duration
}

// Option applies one setting to a Config.
type Option func(*Config)

func WithFolder(folder string) Option { return func(c *Config) { c.Folder = folder } }

func WithListenAddr(addr string) Option { return func(c *Config) { c.ListenAddr = addr } }

func WithControlAddr(addr string) Option { return func(c *Config) { c.ControlAddr = addr } }

func WithBootstrapContacts(contacts []string) Option {
	return func(c *Config) { c.BootstrapContacts = contacts }
}

func WithFirst(first bool) Option { return func(c *Config) { c.First = first } }

func WithLogLevel(level string) Option { return func(c *Config) { c.LogLevel = level } }

func WithJSONLogs(j bool) Option { return func(c *Config) { c.JSONLogs = j } }

// New returns a Config seeded with every spec-named default, then opts
// applied in order.
func New(opts ...Option) *Config {
	c := &Config{
		Folder:                        DefaultConfigFolder(),
		ListenAddr:                    DefaultListenAddr,
		ControlAddr:                   DefaultControlAddr,
		LogLevel:                      DefaultLogLevel,
		ElderSize:                     constants.ElderSize,
		RecommendedSectionSize:        constants.RecommendedSectionSize,
		JoinTimeout:                   constants.JoinTimeout,
		BootstrapRetryTime:            constants.BootstrapRetryTime,
		NodesToContactPerStartupBatch: constants.NodesToContactPerStartupBatch,
		NumElderSubsetForQueries:      constants.NumElderSubsetForQueries,
		ConnectionsCacheSize:          constants.ConnectionsCacheSize,
		AECacheTTL:                    constants.DefaultAERetryPeriod,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// fileConfig is the TOML-serializable projection of Config. Durations are
// stored in milliseconds since BurntSushi/toml has no native duration type.
type fileConfig struct {
	ListenAddr        string   `toml:"listen_addr"`
	ControlAddr       string   `toml:"control_addr"`
	BootstrapContacts []string `toml:"bootstrap_contacts"`
	First             bool     `toml:"first"`
	LogLevel          string   `toml:"log_level"`
	JSONLogs          bool     `toml:"json_logs"`

	ElderSize                     int   `toml:"elder_size"`
	RecommendedSectionSize        int   `toml:"recommended_section_size"`
	JoinTimeoutMS                 int64 `toml:"join_timeout_ms"`
	BootstrapRetryTimeMS          int64 `toml:"bootstrap_retry_time_ms"`
	NodesToContactPerStartupBatch int   `toml:"nodes_to_contact_per_startup_batch"`
	NumElderSubsetForQueries      int   `toml:"num_elder_subset_for_queries"`
	ConnectionsCacheSize          int   `toml:"connections_cache_size"`
	AECacheTTLMS                  int64 `toml:"ae_cache_ttl_ms"`
}

// Load reads a TOML file at path and layers its fields over New()'s
// defaults (and opts, applied first). Folder is always derived from path's
// own directory, matching the teacher's habit of keeping the config file
// alongside the rest of a node's state folder.
func Load(path string, opts ...Option) (*Config, error) {
	c := New(opts...)
	c.Folder = filepath.Dir(path)

	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if fc.ListenAddr != "" {
		c.ListenAddr = fc.ListenAddr
	}
	if fc.ControlAddr != "" {
		c.ControlAddr = fc.ControlAddr
	}
	if len(fc.BootstrapContacts) > 0 {
		c.BootstrapContacts = fc.BootstrapContacts
	}
	c.First = c.First || fc.First
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	c.JSONLogs = c.JSONLogs || fc.JSONLogs
	if fc.ElderSize > 0 {
		c.ElderSize = fc.ElderSize
	}
	if fc.RecommendedSectionSize > 0 {
		c.RecommendedSectionSize = fc.RecommendedSectionSize
	}
	if fc.JoinTimeoutMS > 0 {
		c.JoinTimeout = time.Duration(fc.JoinTimeoutMS) * time.Millisecond
	}
	if fc.BootstrapRetryTimeMS > 0 {
		c.BootstrapRetryTime = time.Duration(fc.BootstrapRetryTimeMS) * time.Millisecond
	}
	if fc.NodesToContactPerStartupBatch > 0 {
		c.NodesToContactPerStartupBatch = fc.NodesToContactPerStartupBatch
	}
	if fc.NumElderSubsetForQueries > 0 {
		c.NumElderSubsetForQueries = fc.NumElderSubsetForQueries
	}
	if fc.ConnectionsCacheSize > 0 {
		c.ConnectionsCacheSize = fc.ConnectionsCacheSize
	}
	if fc.AECacheTTLMS > 0 {
		c.AECacheTTL = time.Duration(fc.AECacheTTLMS) * time.Millisecond
	}
	return c, nil
}

// Save writes c to path as TOML, creating its parent folder if needed.
func (c *Config) Save(path string) error {
	if _, err := fs.CreateSecureFolder(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: prepare folder for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	fc := fileConfig{
		ListenAddr:                    c.ListenAddr,
		ControlAddr:                   c.ControlAddr,
		BootstrapContacts:             c.BootstrapContacts,
		First:                         c.First,
		LogLevel:                      c.LogLevel,
		JSONLogs:                      c.JSONLogs,
		ElderSize:                     c.ElderSize,
		RecommendedSectionSize:        c.RecommendedSectionSize,
		JoinTimeoutMS:                 c.JoinTimeout.Milliseconds(),
		BootstrapRetryTimeMS:          c.BootstrapRetryTime.Milliseconds(),
		NodesToContactPerStartupBatch: c.NodesToContactPerStartupBatch,
		NumElderSubsetForQueries:      c.NumElderSubsetForQueries,
		ConnectionsCacheSize:          c.ConnectionsCacheSize,
		AECacheTTLMS:                  c.AECacheTTL.Milliseconds(),
	}
	if err := toml.NewEncoder(f).Encode(fc); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	return nil
}
