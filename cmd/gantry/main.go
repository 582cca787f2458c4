// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// gantry provisions a self-hosted automation stack on a single machine
// through the Docker CLI: install the manager if it is missing, write
// the stack's artifacts, pull images with retries and fallbacks, start
// containers in dependency order, poll them healthy and run one-time
// post-start configuration. Every command is idempotent; re-running
// "gantry up" converges instead of duplicating.
package main

import (
	"fmt"
	"os"

	"github.com/juju/cmd/v4"
)

const version = "1.0.2"

const gantryDoc = `
gantry brings up a small automation stack on the local machine: a
PostgreSQL database, a Mosquitto MQTT broker and a Node-RED flow engine
wired together on a private network, or whatever an operator's own
stack description declares.

Configuration comes from GANTRY_* environment variables, optionally
loaded from a file with --env-file; command line flags win over both.
All commands are safe to re-run: up converges the machine to the
described stack, down removes whatever a previous run left behind.
`

func newGantryCommand() *cmd.SuperCommand {
	gantry := cmd.NewSuperCommand(cmd.SuperCommandParams{
		Name:    "gantry",
		Doc:     gantryDoc,
		Purpose: "provision a local automation stack",
		Log:     &cmd.Log{},
		Version: version,
	})
	gantry.Register(newUpCommand())
	gantry.Register(newDownCommand())
	gantry.Register(newRenderCommand())
	gantry.Register(newStatusCommand())
	return gantry
}

// Main runs the gantry command and returns the process exit code.
func Main(args []string) int {
	ctx, err := cmd.DefaultContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	return cmd.Main(newGantryCommand(), ctx, args[1:])
}

func main() {
	os.Exit(Main(os.Args))
}
