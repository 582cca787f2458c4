// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"

	"github.com/juju/cmd/v4"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/naturalsort"
)

const statusDoc = `
status reports one row per declared service: the managed container
name, the manager's lifecycle state, and the image the container runs.
A service whose container does not exist is reported as absent with
the image the stack declares for it.

status only observes. It never installs, pulls or starts anything.
`

// serviceStatus is one row of the status report.
type serviceStatus struct {
	Service   string `yaml:"service" json:"service"`
	Container string `yaml:"container" json:"container"`
	State     string `yaml:"state" json:"state"`
	Image     string `yaml:"image" json:"image"`
}

type statusCommand struct {
	stackCommandBase
	out cmd.Output
}

func newStatusCommand() cmd.Command {
	return &statusCommand{}
}

func (c *statusCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "status",
		Purpose: "show the observed state of every service",
		Doc:     statusDoc,
	}
}

func (c *statusCommand) SetFlags(f *gnuflag.FlagSet) {
	c.stackCommandBase.SetFlags(f)
	c.out.AddFlags(f, "yaml", cmd.DefaultFormatters.Formatters())
}

func (c *statusCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

func (c *statusCommand) Run(ctx *cmd.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return errors.Trace(err)
	}
	desc, err := cfg.Stack()
	if err != nil {
		return errors.Trace(err)
	}
	mgr := c.manager(cfg)

	names := desc.ServiceNames()
	naturalsort.Sort(names)
	rows := make([]serviceStatus, 0, len(names))
	for _, name := range names {
		row := serviceStatus{
			Service:   name,
			Container: desc.ContainerName(name),
		}
		container, err := mgr.LookupContainer(context.Background(), row.Container)
		switch {
		case errors.Is(err, errors.NotFound):
			row.State = "absent"
			row.Image = desc.Services[name].Image
		case err != nil:
			return errors.Annotatef(err, "inspecting container %q", row.Container)
		default:
			row.State = container.State
			row.Image = container.Image
		}
		rows = append(rows, row)
	}
	return errors.Trace(c.out.Write(ctx, rows))
}
