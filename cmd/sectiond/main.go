// sectiond is the CLI shell around internal/node and internal/endpoint: it
// starts a section member daemon, and doubles as a thin client for issuing
// ad hoc queries and cmds against a running network (§6).
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Automatically set through -ldflags, the teacher's own convention
// (cmd/drand-cli/cli.go).
var (
	version   = "dev"
	gitCommit = "none"
	buildDate = "unknown"
)

func banner() {
	fmt.Fprintf(os.Stderr, "sectiond %s (date %s, commit %s)\n", version, buildDate, gitCommit)
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

var appCommands = []*cli.Command{
	{
		Name:  "start",
		Usage: "Start a section member daemon.",
		Flags: toArray(folderFlag, firstFlag, bootstrapContactFlag, ipFlag, portFlag,
			localAddrFlag, controlAddrFlag, logDirFlag, jsonLogsFlag, skipIGDFlag,
			updateFlag, updateOnlyFlag, verboseFlag, genesisKeyFlag),
		Action: func(c *cli.Context) error {
			banner()
			return startCmd(c)
		},
	},
	{
		Name:  "query",
		Usage: "query <hex-name>. Fetch a chunk by its XOR-name from a running network.",
		Flags: toArray(folderFlag, bootstrapContactFlag, genesisKeyFlag, verboseFlag),
		Action: func(c *cli.Context) error {
			banner()
			return queryCmd(c)
		},
	},
	{
		Name:  "ping",
		Usage: "ping <hex-name>. Best-effort cmd broadcast to the elders closest to a name.",
		Flags: toArray(folderFlag, bootstrapContactFlag, genesisKeyFlag, verboseFlag),
		Action: func(c *cli.Context) error {
			banner()
			return pingCmd(c)
		},
	},
}

// CLI builds the sectiond app, kept separate from main so tests can drive it
// directly the way the teacher's cli_test.go drives CLI() (§6 exit codes:
// 0 ok, 1 join permanently refused, 2 configuration error).
func CLI() *cli.App {
	app := cli.NewApp()
	app.Name = "sectiond"
	app.Usage = "peer-to-peer XOR-overlay section network daemon and client"
	app.Version = version
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintf(os.Stdout, "sectiond %s (date %s, commit %s)\n", version, buildDate, gitCommit)
	}
	app.Commands = appCommands
	app.Flags = toArray(verboseFlag, folderFlag)
	return app
}

func main() {
	if err := CLI().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "sectiond:", err)
		os.Exit(exitCodeFor(err))
	}
}
