// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"

	"github.com/juju/cmd/v4"
	"github.com/juju/errors"

	"github.com/juju/gantry/internal/materializer"
)

const renderDoc = `
render writes the stack's artifacts, the compose file, the environment
file and every service config file, into the project directory without
touching the service manager. The directory is printed on stdout so the
result can be inspected or fed to other tooling.

Rendering is idempotent: unchanged artifacts are rewritten with the
same content, and leftovers from services no longer in the stack are
not removed.
`

type renderCommand struct {
	stackCommandBase
}

func newRenderCommand() cmd.Command {
	return &renderCommand{}
}

func (c *renderCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "render",
		Purpose: "write the stack's artifacts without provisioning",
		Doc:     renderDoc,
	}
}

func (c *renderCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

func (c *renderCommand) Run(ctx *cmd.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return errors.Trace(err)
	}
	desc, err := cfg.Stack()
	if err != nil {
		return errors.Trace(err)
	}
	artifacts, err := materializer.Materialize(desc, cfg.DataDir)
	if err != nil {
		return errors.Trace(err)
	}
	ctx.Infof("wrote %d artifacts for project %q", len(artifacts), cfg.Project)
	fmt.Fprintln(ctx.Stdout, cfg.DataDir)
	return nil
}
