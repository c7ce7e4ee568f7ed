package main

import (
	"github.com/urfave/cli/v2"

	"github.com/sectionmesh/sectiond/internal/config"
)

var folderFlag = &cli.StringFlag{
	Name:  "folder",
	Value: config.DefaultConfigFolder(),
	Usage: "Folder to keep this node's key material, contact file and config, with absolute path.",
}

var firstFlag = &cli.BoolFlag{
	Name:  "first",
	Usage: "Start as the genesis node of a brand new network, minting its own root key.",
}

var bootstrapContactFlag = &cli.StringSliceFlag{
	Name:  "bootstrap-contact",
	Usage: "ADDRESS:PORT of a reachable node to bootstrap from. May be repeated.",
}

var ipFlag = &cli.StringFlag{
	Name:  "ip",
	Usage: "IP address to listen on together with --port (default 0.0.0.0).",
}

var portFlag = &cli.IntFlag{
	Name:  "port",
	Value: 7777,
	Usage: "UDP port to listen for section traffic on.",
}

var localAddrFlag = &cli.StringFlag{
	Name:  "local-addr",
	Usage: "Local bind address; overrides --ip/--port when set.",
}

var controlAddrFlag = &cli.StringFlag{
	Name:  "control-addr",
	Value: config.DefaultControlAddr,
	Usage: "Address the gRPC control/status plane listens on.",
}

var genesisKeyFlag = &cli.StringFlag{
	Name:  "genesis-key",
	Usage: "Hex-encoded genesis public key; required unless --first is set or a contact file is readable from --folder.",
}

var logDirFlag = &cli.StringFlag{
	Name:  "log-dir",
	Usage: "Directory to write log files to, instead of stderr.",
}

var jsonLogsFlag = &cli.BoolFlag{
	Name:  "json-logs",
	Usage: "Emit structured JSON logs instead of the console encoder.",
}

var updateFlag = &cli.BoolFlag{
	Name:  "update",
	Usage: "Print an up-to-date notice, then continue starting; no release check is made.",
}

var updateOnlyFlag = &cli.BoolFlag{
	Name:  "update-only",
	Usage: "Print an up-to-date notice and exit without starting; no release check is made.",
}

var skipIGDFlag = &cli.BoolFlag{
	Name:  "skip-igd",
	Usage: "Skip UPnP/IGD port mapping and rely on the configured address being reachable as-is.",
}

var verboseFlag = &cli.BoolFlag{
	Name:    "verbose",
	Aliases: []string{"v"},
	Count:   new(int),
	Usage:   "Log at debug level; repeating the flag adds nothing further.",
}
