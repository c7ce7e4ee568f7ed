// Package client implements a client session (§4.7): bootstrapping a Prefix
// Map against a network's elders, fanning queries out to the elders closest
// to a queried XOR-name with chunk-hash validation, and best-effort cmd
// broadcast with partial-failure tolerance. It is the one piece of this
// module meant to be imported by an external shell binary rather than only
// by cmd/sectiond.
package client

import (
	"fmt"
	"sync"

	"github.com/drand/kyber"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/key"
	"github.com/sectionmesh/sectiond/common/log"
	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/common/xor"
	"github.com/sectionmesh/sectiond/internal/endpoint"
	"github.com/sectionmesh/sectiond/internal/prefixmap"
)

// Client is one open session against the network: its own endpoint and
// signing identity, a Prefix Map it keeps current via anti-entropy, and the
// bookkeeping for queries/cmds currently in flight.
type Client struct {
	log     log.Logger
	scheme  *bls.Scheme
	keys    *key.Pair
	ep      *endpoint.Endpoint
	network *prefixmap.Map

	nodesPerBatch int
	elderSubset   int

	// netVersion increments every time an AE message changes this
	// session's Prefix Map, so a query fan-out in progress can notice a
	// newer SAP has landed without polling the map's contents directly.
	netVersion uint64

	mu      sync.Mutex
	pending map[wire.MsgID]*pendingOp
}

// pendingOp is what HandleMessage delivers a reply into: a query or cmd
// waiting on its own fan-out, keyed by the MsgID of the leg that completes
// it. responses is buffered to the elder subset size so every fanned-out
// reply can be delivered without a handler blocking on a slow consumer.
type pendingOp struct {
	responses chan inboundReply
}

type inboundReply struct {
	auth wire.Authenticated
}

// New opens a client session bootstrapped against genesisKey, the network's
// root of trust. It does not yet know any section; call Bootstrap before
// issuing queries or cmds.
func New(genesisKey kyber.Point, opts ...Option) (*Client, error) {
	if genesisKey == nil {
		return nil, fmt.Errorf("client: genesis key is required")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	keys, err := key.NewKeyPair(cfg.Scheme, cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("client: generate session identity: %w", err)
	}
	network, err := prefixmap.New(cfg.Scheme, genesisKey)
	if err != nil {
		return nil, fmt.Errorf("client: new prefix map: %w", err)
	}

	c := &Client{
		log:           cfg.Log,
		scheme:        cfg.Scheme,
		keys:          keys,
		network:       network,
		nodesPerBatch: cfg.nodesPerBatch,
		elderSubset:   cfg.elderSubset,
		pending:       make(map[wire.MsgID]*pendingOp),
	}

	ep, err := endpoint.New(endpoint.Config{ListenAddr: cfg.ListenAddr, CacheSize: cfg.CacheSize}, c, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("client: open endpoint: %w", err)
	}
	c.ep = ep
	c.keys.Public.Addr = ep.LocalAddr()

	go func() {
		if err := ep.Listen(); err != nil {
			c.log.Debugw("client: endpoint listener stopped", "err", err)
		}
	}()

	return c, nil
}

// Name is this session's own XOR-name, derived from its ephemeral keypair.
func (c *Client) Name() xor.Name {
	return c.keys.Public.Name
}

// Close releases the session's endpoint.
func (c *Client) Close() error {
	return c.ep.Close()
}

// register allocates a pendingOp for id and installs it, for a caller about
// to fan a message out under that id.
func (c *Client) register(id wire.MsgID, buffer int) *pendingOp {
	op := &pendingOp{responses: make(chan inboundReply, buffer)}
	c.mu.Lock()
	c.pending[id] = op
	c.mu.Unlock()
	return op
}

// unregister removes a completed or abandoned pendingOp.
func (c *Client) unregister(id wire.MsgID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// HandleMessage implements endpoint.Receiver: every inbound frame is either
// an anti-entropy push (installed into the Prefix Map directly) or a
// service reply addressed to one of this session's outstanding operations
// by EndUserID.
func (c *Client) HandleMessage(msg wire.Message) error {
	auth, err := wire.Verify(c.scheme, msg, nil)
	if err != nil {
		return fmt.Errorf("client: reject unauthenticated message: %w", err)
	}

	if auth.Proof.Kind == wire.KindAntiEntropy {
		return c.installAE(auth)
	}

	if msg.Header.Dst.Tag != wire.LocationEndUser {
		return nil // not addressed to us as a client; ignore
	}
	c.mu.Lock()
	op, ok := c.pending[msg.Header.Dst.EndUserID]
	c.mu.Unlock()
	if !ok {
		return nil // reply to an operation we already gave up on
	}
	select {
	case op.responses <- inboundReply{auth: auth}:
	default:
	}
	return nil
}
