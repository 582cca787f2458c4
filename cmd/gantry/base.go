// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"github.com/juju/clock"
	"github.com/juju/cmd/v4"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/gantry/internal/config"
	"github.com/juju/gantry/internal/manager"
)

// stackCommandBase holds what every subcommand shares: the flags that
// select the configuration sources and the seams the tests inject fakes
// through.
type stackCommandBase struct {
	cmd.CommandBase

	envFile   string
	stackFile string
	project   string
	dataDir   string

	newManager func(path string) manager.Manager
	clk        clock.Clock
}

func (c *stackCommandBase) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.envFile, "env-file", "", "file with GANTRY_* settings, below the process environment")
	f.StringVar(&c.stackFile, "stack", "", "stack description file instead of the built-in profile")
	f.StringVar(&c.project, "project", "", "project name override")
	f.StringVar(&c.dataDir, "data-dir", "", "project directory override")
}

// loadConfig builds the run configuration from defaults, the optional
// environment file, the process environment and the command line, in
// rising precedence.
func (c *stackCommandBase) loadConfig() (*config.Config, error) {
	cfg, err := config.FromEnvironment(c.envFile)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if c.stackFile != "" {
		cfg.StackFile = c.stackFile
	}
	if c.project != "" {
		cfg.Project = c.project
	}
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

func (c *stackCommandBase) manager(cfg *config.Config) manager.Manager {
	if c.newManager != nil {
		return c.newManager(cfg.ManagerPath)
	}
	return manager.NewClient(cfg.ManagerPath)
}

func (c *stackCommandBase) clock() clock.Clock {
	if c.clk != nil {
		return c.clk
	}
	return clock.WallClock
}
