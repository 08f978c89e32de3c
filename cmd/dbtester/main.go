// Package main is the entrypoint for the dbtester CLI.
// The CLI runs permission test workflows, probes single permissions and
// manages fixtures, runs and the credential vault.
package main

import (
	"os"

	"github.com/canonica-labs/dbtester/internal/cli"
)

var (
	version = ""
	commit  = ""
	date    = ""
)

func main() {
	cli.SetVersionInfo(version, commit, date)
	os.Exit(cli.New().Execute())
}
