// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/cmd/v4"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/gantry/internal/config"
	"github.com/juju/gantry/internal/manager"
	"github.com/juju/gantry/internal/materializer"
	"github.com/juju/gantry/internal/orchestrator"
	"github.com/juju/gantry/internal/postconf"
	"github.com/juju/gantry/internal/prereq"
	"github.com/juju/gantry/internal/provision"
	"github.com/juju/gantry/internal/puller"
	"github.com/juju/gantry/internal/stack"
)

const upDoc = `
up runs the full provisioning sequence: install the service manager if
it is missing, write the stack's artifacts under the project directory,
pull every image with retries and fallbacks, start containers in
dependency order, poll declared health probes, and run each service's
one-time post-start steps.

The run's report is written to stdout. up exits 0 when the stack is
usable, including a degraded stack that needs the printed remediation
commands run by hand; it exits non-zero only when provisioning aborted.
`

// stackProvisioner runs one provisioning sequence.
type stackProvisioner interface {
	Provision(ctx context.Context, desc *stack.StackDescription) (*provision.Report, error)
}

type upCommand struct {
	stackCommandBase
	out cmd.Output

	newProvisioner func(cfg *config.Config, mgr manager.Manager, clk clock.Clock) (stackProvisioner, error)
}

func newUpCommand() cmd.Command {
	return &upCommand{newProvisioner: buildProvisioner}
}

// buildProvisioner assembles the real phase implementations around one
// manager client.
func buildProvisioner(cfg *config.Config, mgr manager.Manager, clk clock.Clock) (stackProvisioner, error) {
	installer, err := prereq.NewInstaller(prereq.InstallerConfig{
		ManagerPath: cfg.ManagerPath,
		Manager:     mgr,
		Clock:       clk,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	pull, err := puller.NewPuller(puller.Config{
		Manager:      mgr,
		Clock:        clk,
		Attempts:     cfg.PullAttempts,
		InitialDelay: cfg.PullInitialDelay,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	orch, err := orchestrator.NewOrchestrator(orchestrator.Config{
		Manager: mgr,
		Clock:   clk,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	conf, err := postconf.NewConfigurator(postconf.Config{
		Manager:     mgr,
		Clock:       clk,
		ManagerPath: cfg.ManagerPath,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	p, err := provision.NewProvisioner(provision.Config{
		Installer:    installer,
		Materialize:  materializer.Materialize,
		Puller:       pull,
		Orchestrator: orch,
		Configurator: conf,
		Clock:        clk,
		DataDir:      cfg.DataDir,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return p, nil
}

func (c *upCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "up",
		Purpose: "provision the stack and bring every service up",
		Doc:     upDoc,
	}
}

func (c *upCommand) SetFlags(f *gnuflag.FlagSet) {
	c.stackCommandBase.SetFlags(f)
	c.out.AddFlags(f, "yaml", cmd.DefaultFormatters.Formatters())
}

func (c *upCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

func (c *upCommand) Run(ctx *cmd.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return errors.Trace(err)
	}
	desc, err := cfg.Stack()
	if err != nil {
		return errors.Trace(err)
	}
	p, err := c.newProvisioner(cfg, c.manager(cfg), c.clock())
	if err != nil {
		return errors.Trace(err)
	}

	report, runErr := p.Provision(context.Background(), desc)
	if report != nil {
		if err := c.out.Write(ctx, report); err != nil {
			return errors.Trace(err)
		}
	}
	if runErr != nil {
		return errors.Trace(runErr)
	}
	for _, r := range report.Remediations {
		ctx.Infof("run by hand: %s", r)
	}
	return nil
}
