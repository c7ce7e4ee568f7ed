package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/drand/kyber"
	"github.com/urfave/cli/v2"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/fs"
	"github.com/sectionmesh/sectiond/common/key"
	"github.com/sectionmesh/sectiond/common/log"
	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/internal/endpoint"
	"github.com/sectionmesh/sectiond/internal/node"
	"github.com/sectionmesh/sectiond/internal/xerrors"
)

// receiverProxy breaks the construction cycle between internal/endpoint,
// which needs a Receiver to bind its socket, and internal/node, which needs
// a Sender (the same Endpoint) to start its join controller: the endpoint
// is built first against a proxy, the real Node is installed into it before
// Listen is ever called, so no frame can arrive before the target is set.
type receiverProxy struct {
	mu sync.Mutex
	r  endpoint.Receiver
}

func (p *receiverProxy) set(r endpoint.Receiver) {
	p.mu.Lock()
	p.r = r
	p.mu.Unlock()
}

func (p *receiverProxy) HandleMessage(msg wire.Message) error {
	p.mu.Lock()
	r := p.r
	p.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.HandleMessage(msg)
}

func buildLogger(c *cli.Context) (log.Logger, error) {
	level := log.InfoLevel
	if c.Count("verbose") > 0 {
		level = log.DebugLevel
	}
	var out *os.File = os.Stderr
	if dir := c.String("log-dir"); dir != "" {
		if _, err := fs.CreateSecureFolder(dir); err != nil {
			return nil, newConfigError(fmt.Errorf("create log dir: %w", err))
		}
		f, err := os.OpenFile(filepath.Join(dir, "sectiond.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, newConfigError(fmt.Errorf("open log file: %w", err))
		}
		out = f
	}
	return log.New(out, level, c.Bool("json-logs")), nil
}

func listenAddrFrom(c *cli.Context) (string, error) {
	if addr := c.String("local-addr"); addr != "" {
		return addr, nil
	}
	ip := c.String("ip")
	if ip == "" {
		ip = "0.0.0.0"
	}
	port := c.Int("port")
	return net.JoinHostPort(ip, fmt.Sprintf("%d", port)), nil
}

// startCmd wires a logger, a key pair, the UDP endpoint and gRPC control
// plane, and an internal/node.Node together, then blocks until the process
// is signaled to stop or the join handshake permanently fails (§4.6, §6).
func startCmd(c *cli.Context) error {
	if c.Bool("update-only") {
		fmt.Fprintln(os.Stdout, "sectiond is up to date.")
		return nil
	}
	if c.Bool("update") {
		fmt.Fprintln(os.Stdout, "sectiond is up to date.")
	}
	// --skip-igd has nothing to suppress: no UPnP/IGD client is wired
	// (§1 Non-goals), so the flag is accepted and otherwise a no-op.

	folder := c.String("folder")
	if _, err := fs.CreateSecureFolder(folder); err != nil {
		return newConfigError(fmt.Errorf("prepare folder: %w", err))
	}

	logger, err := buildLogger(c)
	if err != nil {
		return err
	}

	listenAddr, err := listenAddrFrom(c)
	if err != nil {
		return newConfigError(err)
	}

	scheme := bls.NewDefaultScheme()
	first := c.Bool("first")
	contacts := c.StringSlice("bootstrap-contact")

	var genesisKey kyber.Point
	if !first {
		genesisKey, err = resolveGenesisKey(c, scheme, folder, &contacts)
		if err != nil {
			return newConfigError(err)
		}
	}

	keys, err := key.NewKeyPair(scheme, listenAddr)
	if err != nil {
		return fmt.Errorf("generate node identity: %w", err)
	}

	proxy := &receiverProxy{}
	ep, err := endpoint.New(endpoint.Config{ListenAddr: listenAddr}, proxy, logger)
	if err != nil {
		return newConfigError(fmt.Errorf("open endpoint: %w", err))
	}
	defer ep.Close()
	keys.Public.Addr = ep.LocalAddr()

	n, err := node.New(node.Config{
		Log:               logger,
		Scheme:            scheme,
		Keys:              keys,
		Sender:            ep,
		BootstrapContacts: contacts,
		GenesisKey:        genesisKey,
		First:             first,
	})
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}
	proxy.set(n)

	go func() {
		if err := ep.Listen(); err != nil {
			logger.Errorw("endpoint listener stopped", "err", err)
		}
	}()

	ctrl, err := endpoint.NewControl(c.String("control-addr"), n, logger)
	if err != nil {
		return newConfigError(fmt.Errorf("start control plane: %w", err))
	}
	defer ctrl.Stop()

	var genesisRecord kyber.Point
	if first {
		genesisRecord = n.GenesisKey()
	}
	if err := writeContactFile(folder, ep.LocalAddr(), genesisRecord); err != nil {
		logger.Warnw("could not write contact file", "err", err)
	}

	logger.Infow("sectiond started", "addr", ep.LocalAddr(), "control", ctrl.Addr(), "first", first)
	return waitForJoinOrSignal(n)
}

// waitForJoinOrSignal blocks forever once a node is joined (serving is the
// steady state); if bootstrapping permanently fails it returns
// xerrors.ErrJoinTimeout so the shell exits 1 instead of hanging (§4.6, §6).
func waitForJoinOrSignal(n *node.Node) error {
	poll := time.NewTicker(time.Second)
	defer poll.Stop()
	for range poll.C {
		snap := n.Snapshot()
		if snap.JoinError != nil {
			return fmt.Errorf("join permanently refused: %w", xerrors.ErrJoinTimeout)
		}
	}
	return nil
}

func resolveGenesisKey(c *cli.Context, scheme *bls.Scheme, folder string, contacts *[]string) (kyber.Point, error) {
	if s := c.String("genesis-key"); s != "" {
		return parseGenesisKey(scheme, s)
	}
	addr, gk, err := readContactFile(scheme, folder)
	if err != nil {
		return nil, fmt.Errorf("no --genesis-key given and no usable contact file in %s: %w", folder, err)
	}
	if gk == nil {
		return nil, fmt.Errorf("contact file in %s has no genesis key; pass --genesis-key explicitly", folder)
	}
	if len(*contacts) == 0 {
		*contacts = []string{addr}
	}
	return gk, nil
}
