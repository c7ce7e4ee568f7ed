package client

import (
	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/constants"
	"github.com/sectionmesh/sectiond/common/log"
)

// Config bundles everything New needs to open a session, built up through
// functional options the way the node's own internal/config does.
type Config struct {
	ListenAddr string
	Scheme     *bls.Scheme
	Log        log.Logger
	CacheSize  int

	nodesPerBatch int
	elderSubset   int
}

// Option mutates a Config during New.
type Option func(*Config)

// WithListenAddr binds the client's own endpoint to addr instead of an
// ephemeral port ("0.0.0.0:0").
func WithListenAddr(addr string) Option {
	return func(c *Config) { c.ListenAddr = addr }
}

// WithScheme overrides the default BLS scheme, mainly for tests that need a
// scheme shared with an in-process node fixture.
func WithScheme(s *bls.Scheme) Option {
	return func(c *Config) { c.Scheme = s }
}

// WithLog overrides the default logger.
func WithLog(l log.Logger) Option {
	return func(c *Config) { c.Log = l }
}

// WithCacheSize overrides the endpoint's peer-address cache size.
func WithCacheSize(n int) Option {
	return func(c *Config) { c.CacheSize = n }
}

func defaultConfig() Config {
	return Config{
		ListenAddr:    "0.0.0.0:0",
		Scheme:        bls.NewDefaultScheme(),
		Log:           log.DefaultLogger(),
		CacheSize:     constants.ConnectionsCacheSize,
		nodesPerBatch: constants.NodesToContactPerStartupBatch,
		elderSubset:   constants.NumElderSubsetForQueries,
	}
}
