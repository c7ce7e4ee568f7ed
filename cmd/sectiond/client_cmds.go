package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/drand/kyber"
	"github.com/urfave/cli/v2"

	"github.com/sectionmesh/sectiond/client"
	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/service"
	"github.com/sectionmesh/sectiond/common/xor"
	"github.com/sectionmesh/sectiond/internal/config"
)

// clientContactsAndGenesis resolves the bootstrap contacts and genesis key a
// client command needs, from --bootstrap-contact/--genesis-key or, failing
// that, the contact file under --folder (§6: "clients read this file when
// no explicit contact given").
func clientContactsAndGenesis(c *cli.Context, scheme *bls.Scheme) ([]string, kyber.Point, error) {
	contacts := c.StringSlice("bootstrap-contact")
	folder := c.String("folder")
	if folder == "" {
		folder = config.DefaultConfigFolder()
	}

	if s := c.String("genesis-key"); s != "" {
		gk, err := parseGenesisKey(scheme, s)
		if err != nil {
			return nil, nil, err
		}
		if len(contacts) == 0 {
			return nil, nil, fmt.Errorf("--genesis-key given without --bootstrap-contact")
		}
		return contacts, gk, nil
	}

	addr, gk, err := readContactFile(scheme, folder)
	if err != nil {
		return nil, nil, fmt.Errorf("no --genesis-key/--bootstrap-contact given and no usable contact file in %s: %w", folder, err)
	}
	if gk == nil {
		return nil, nil, fmt.Errorf("contact file in %s has no genesis key; pass --genesis-key explicitly", folder)
	}
	if len(contacts) == 0 {
		contacts = []string{addr}
	}
	return contacts, gk, nil
}

// newBootstrappedClient opens a client session against the resolved genesis
// key and blocks until its Prefix Map has at least one section, per §4.7's
// bootstrap procedure.
func newBootstrappedClient(c *cli.Context) (*client.Client, error) {
	scheme := bls.NewDefaultScheme()
	contacts, genesisKey, err := clientContactsAndGenesis(c, scheme)
	if err != nil {
		return nil, newConfigError(err)
	}

	cl, err := client.New(genesisKey, client.WithScheme(scheme))
	if err != nil {
		return nil, fmt.Errorf("open client session: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.New().BootstrapRetryTime)
	defer cancel()
	if err := cl.Bootstrap(ctx, contacts); err != nil {
		cl.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return cl, nil
}

func queryCmd(c *cli.Context) error {
	if c.NArg() < 1 {
		return newConfigError(fmt.Errorf("query requires a hex XOR-name argument"))
	}
	dst, err := xor.ParseName(c.Args().First())
	if err != nil {
		return newConfigError(fmt.Errorf("parse name: %w", err))
	}

	cl, err := newBootstrappedClient(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := cl.Query(ctx, dst, service.QueryGetChunk)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	fmt.Fprintf(os.Stdout, "result=%s bytes=%d\n", resp.Result, len(resp.Chunk))
	return nil
}

func pingCmd(c *cli.Context) error {
	if c.NArg() < 1 {
		return newConfigError(fmt.Errorf("ping requires a hex XOR-name argument"))
	}
	dst, err := xor.ParseName(c.Args().First())
	if err != nil {
		return newConfigError(fmt.Errorf("parse name: %w", err))
	}

	cl, err := newBootstrappedClient(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := cl.Cmd(ctx, dst, service.CmdRequest{Kind: service.CmdPing})
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	fmt.Fprintf(os.Stdout, "sent=%d failed=%v\n", result.Sent, result.Failed)
	return nil
}
