// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"

	"github.com/juju/cmd/v4"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/gantry/internal/teardown"
)

const downDoc = `
down stops and removes every container, volume and network labelled
with the project, prunes unreferenced manager resources, and deletes
the project directory. It asks no questions and needs no stack file:
resources are discovered from the manager, so a drifted or partially
provisioned host tears down cleanly.

Removing a stack that does not exist succeeds and removes nothing.
`

type downCommand struct {
	stackCommandBase
	out cmd.Output
}

func newDownCommand() cmd.Command {
	return &downCommand{}
}

func (c *downCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "down",
		Purpose: "remove the stack and the project directory",
		Doc:     downDoc,
	}
}

func (c *downCommand) SetFlags(f *gnuflag.FlagSet) {
	c.stackCommandBase.SetFlags(f)
	c.out.AddFlags(f, "yaml", cmd.DefaultFormatters.Formatters())
}

func (c *downCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

func (c *downCommand) Run(ctx *cmd.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return errors.Trace(err)
	}
	seq, err := teardown.NewSequencer(teardown.Config{Manager: c.manager(cfg)})
	if err != nil {
		return errors.Trace(err)
	}
	report, err := seq.Down(context.Background(), cfg.Project, cfg.DataDir)
	if err != nil {
		return errors.Trace(err)
	}
	if report.Empty() {
		ctx.Infof("no stack resources found for project %q", cfg.Project)
	}
	return errors.Trace(c.out.Write(ctx, report))
}
