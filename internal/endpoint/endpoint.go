// Package endpoint is the default section-traffic transport: common/wire
// messages, length-framed by wire.Serialize/wire.Parse, carried over UDP
// datagrams (§5, §6). UDP/QUIC framing itself is outside scope; this package
// supplies a working default so the rest of the system is exercisable
// end-to-end. The separate node control-plane surface (health, status) is
// gRPC instead, in control.go — section traffic never goes over gRPC here.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/sectionmesh/sectiond/common/constants"
	"github.com/sectionmesh/sectiond/common/log"
	"github.com/sectionmesh/sectiond/common/wire"
)

// maxDatagramSize bounds a single inbound read; frames larger than this are
// simply not representable over this transport.
const maxDatagramSize = 64 * 1024

// Receiver is the inbound half an Endpoint feeds every decoded frame to.
// *internal/node.Node satisfies it; HandleMessage owns all authentication
// (wire.Verify) and dispatch, so this package never inspects frame contents.
type Receiver interface {
	HandleMessage(msg wire.Message) error
}

// Endpoint is a node's section-traffic socket: one shared UDP listener used
// for both sending and receiving, with a bounded LRU of resolved peer
// addresses standing in for the teacher's per-peer *grpc.ClientConn cache
// (net/client_grpc.go's conns map), sized the same way (§5).
type Endpoint struct {
	log  log.Logger
	conn *net.UDPConn
	recv Receiver

	peers *lru.Cache // addr string -> *net.UDPAddr

	closeOnce sync.Once
}

// Config configures a listening Endpoint.
type Config struct {
	// ListenAddr is the local UDP address to bind, e.g. "0.0.0.0:7777".
	ListenAddr string
	// CacheSize bounds the peer-address LRU; defaults to
	// constants.ConnectionsCacheSize.
	CacheSize int
}

// New binds a UDP socket at cfg.ListenAddr and returns an Endpoint ready to
// Send and Listen. Inbound frames are handed to recv as they arrive.
func New(cfg Config, recv Receiver, logger log.Logger) (*Endpoint, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = constants.ConnectionsCacheSize
	}
	peers, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("endpoint: new peer cache: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: resolve listen address %q: %w", cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: listen on %q: %w", cfg.ListenAddr, err)
	}

	return &Endpoint{log: logger, conn: conn, recv: recv, peers: peers}, nil
}

// LocalAddr is the address this endpoint actually bound to, useful when
// ListenAddr used an ephemeral port (":0").
func (e *Endpoint) LocalAddr() string {
	return e.conn.LocalAddr().String()
}

// Send msgpack-frames msg via wire.Serialize and writes it to addr as a
// single UDP datagram. Satisfies internal/node.Sender.
func (e *Endpoint) Send(addr string, msg wire.Message) error {
	raddr, err := e.resolve(addr)
	if err != nil {
		return err
	}
	frame, err := wire.Serialize(msg)
	if err != nil {
		return fmt.Errorf("endpoint: serialize message to %s: %w", addr, err)
	}
	if len(frame) > maxDatagramSize {
		return fmt.Errorf("endpoint: frame to %s is %d bytes, exceeds the %d-byte datagram limit", addr, len(frame), maxDatagramSize)
	}
	if _, err := e.conn.WriteToUDP(frame, raddr); err != nil {
		sendErrors.Inc()
		return fmt.Errorf("endpoint: write to %s: %w", addr, err)
	}
	framesSent.Inc()
	return nil
}

// Evict drops addr from the resolved-peer cache, so the next Send resolves
// it fresh instead of reusing a handle to a peer that just failed (§5's
// per-entry clone+retry policy for the connection cache).
func (e *Endpoint) Evict(addr string) {
	e.peers.Remove(addr)
}

func (e *Endpoint) resolve(addr string) (*net.UDPAddr, error) {
	if v, ok := e.peers.Get(addr); ok {
		cacheHits.Inc()
		return v.(*net.UDPAddr), nil
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: resolve %s: %w", addr, err)
	}
	e.peers.Add(addr, raddr)
	cacheMisses.Inc()
	return raddr, nil
}

// Listen blocks, reading datagrams off the socket and handing each one to
// the receiver on its own goroutine, until the endpoint is closed.
func (e *Endpoint) Listen() error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			e.log.Warnw("endpoint: read failed", "err", err)
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		go e.handle(frame)
	}
}

func (e *Endpoint) handle(frame []byte) {
	msg, err := wire.Parse(frame)
	if err != nil {
		framesDropped.Inc()
		e.log.Debugw("endpoint: dropping malformed frame", "err", err)
		return
	}
	if err := e.recv.HandleMessage(msg); err != nil {
		framesDropped.Inc()
		e.log.Debugw("endpoint: message rejected", "err", err)
		return
	}
	framesReceived.Inc()
}

// Close shuts the listening socket down; a blocked Listen call returns nil.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() { err = e.conn.Close() })
	return err
}
