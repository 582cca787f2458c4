// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/gantry/internal/config"
)

type configSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&configSuite{})

func (s *configSuite) TestDefaults(c *gc.C) {
	cfg := config.Defaults()
	c.Assert(cfg.Validate(), jc.ErrorIsNil)
	c.Assert(cfg.Project, gc.Equals, "gantry")
	c.Assert(cfg.DataDir, gc.Equals, "/var/lib/gantry")
	c.Assert(cfg.StackFile, gc.Equals, "")
	c.Assert(cfg.Timezone, gc.Equals, "Etc/UTC")
	c.Assert(cfg.PullAttempts, gc.Equals, 5)
	c.Assert(cfg.PullInitialDelay, gc.Equals, 5*time.Second)
	c.Assert(cfg.ManagerPath, gc.Equals, "docker")
}

func (s *configSuite) TestFromEnvironmentEmpty(c *gc.C) {
	cfg, err := config.FromEnvironment("")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cfg, gc.DeepEquals, config.Defaults())
}

func (s *configSuite) TestFromEnvironmentOverrides(c *gc.C) {
	s.PatchEnvironment(config.EnvProject, "sensors")
	s.PatchEnvironment(config.EnvDataDir, "/srv/sensors")
	s.PatchEnvironment(config.EnvTimezone, "Pacific/Auckland")
	s.PatchEnvironment(config.EnvDatabasePassword, "sekrit")
	s.PatchEnvironment(config.EnvPullAttempts, "3")
	s.PatchEnvironment(config.EnvPullDelay, "250ms")
	s.PatchEnvironment(config.EnvManagerPath, "/usr/local/bin/docker")

	cfg, err := config.FromEnvironment("")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cfg.Project, gc.Equals, "sensors")
	c.Assert(cfg.DataDir, gc.Equals, "/srv/sensors")
	c.Assert(cfg.Timezone, gc.Equals, "Pacific/Auckland")
	c.Assert(cfg.DatabasePassword, gc.Equals, "sekrit")
	c.Assert(cfg.PullAttempts, gc.Equals, 3)
	c.Assert(cfg.PullInitialDelay, gc.Equals, 250*time.Millisecond)
	c.Assert(cfg.ManagerPath, gc.Equals, "/usr/local/bin/docker")
	// Untouched values keep their defaults.
	c.Assert(cfg.DatabaseUser, gc.Equals, "automation")
}

func (s *configSuite) TestFromEnvironmentFile(c *gc.C) {
	path := filepath.Join(c.MkDir(), "gantry.env")
	content := config.EnvProject + "=filed\n" + config.EnvBrokerPassword + "=from-file\n"
	err := os.WriteFile(path, []byte(content), 0600)
	c.Assert(err, jc.ErrorIsNil)

	cfg, err := config.FromEnvironment(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cfg.Project, gc.Equals, "filed")
	c.Assert(cfg.BrokerPassword, gc.Equals, "from-file")
}

func (s *configSuite) TestProcessEnvironmentWinsOverFile(c *gc.C) {
	path := filepath.Join(c.MkDir(), "gantry.env")
	err := os.WriteFile(path, []byte(config.EnvProject+"=from-file\n"), 0600)
	c.Assert(err, jc.ErrorIsNil)

	s.PatchEnvironment(config.EnvProject, "from-process")
	cfg, err := config.FromEnvironment(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cfg.Project, gc.Equals, "from-process")
}

func (s *configSuite) TestFromEnvironmentFileMissing(c *gc.C) {
	_, err := config.FromEnvironment(filepath.Join(c.MkDir(), "nope.env"))
	c.Assert(err, gc.ErrorMatches, `reading environment file ".*nope.env": .*`)
}

func (s *configSuite) TestFromEnvironmentBadAttempts(c *gc.C) {
	s.PatchEnvironment(config.EnvPullAttempts, "many")
	_, err := config.FromEnvironment("")
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Assert(err, gc.ErrorMatches, `GANTRY_PULL_ATTEMPTS "many" not valid`)
}

func (s *configSuite) TestFromEnvironmentBadDelay(c *gc.C) {
	s.PatchEnvironment(config.EnvPullDelay, "soon")
	_, err := config.FromEnvironment("")
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Assert(err, gc.ErrorMatches, `GANTRY_PULL_DELAY "soon" not valid`)
}

func (s *configSuite) TestValidate(c *gc.C) {
	for _, t := range []struct {
		about  string
		mutate func(*config.Config)
		expect string
	}{{
		about:  "bad project name",
		mutate: func(cfg *config.Config) { cfg.Project = "Bad Project" },
		expect: `project name "Bad Project" not valid`,
	}, {
		about:  "relative data dir",
		mutate: func(cfg *config.Config) { cfg.DataDir = "relative/dir" },
		expect: `data directory "relative/dir" not valid`,
	}, {
		about:  "empty timezone",
		mutate: func(cfg *config.Config) { cfg.Timezone = "" },
		expect: "empty timezone not valid",
	}, {
		about:  "zero pull attempts",
		mutate: func(cfg *config.Config) { cfg.PullAttempts = 0 },
		expect: "pull attempts 0 not valid",
	}, {
		about:  "zero pull delay",
		mutate: func(cfg *config.Config) { cfg.PullInitialDelay = 0 },
		expect: "pull delay 0s not valid",
	}, {
		about:  "empty manager path",
		mutate: func(cfg *config.Config) { cfg.ManagerPath = "" },
		expect: "empty manager path not valid",
	}, {
		about:  "empty database password",
		mutate: func(cfg *config.Config) { cfg.DatabasePassword = "" },
		expect: "empty database password not valid",
	}, {
		about:  "empty broker user",
		mutate: func(cfg *config.Config) { cfg.BrokerUser = "" },
		expect: "empty broker user not valid",
	}} {
		c.Logf("test: %s", t.about)
		cfg := config.Defaults()
		t.mutate(cfg)
		err := cfg.Validate()
		c.Check(err, jc.ErrorIs, errors.NotValid)
		c.Check(err, gc.ErrorMatches, t.expect)
	}
}

func (s *configSuite) TestStackDefaultProfile(c *gc.C) {
	cfg := config.Defaults()
	desc, err := cfg.Stack()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(desc.Project, gc.Equals, "gantry")
	c.Assert(desc.ServiceNames(), gc.DeepEquals, []string{"broker", "db", "flows"})
}

func (s *configSuite) TestStackFromFile(c *gc.C) {
	path := filepath.Join(c.MkDir(), "stack.yaml")
	doc := `
project: custom
services:
  solo:
    image: busybox:1.36
`
	err := os.WriteFile(path, []byte(doc), 0644)
	c.Assert(err, jc.ErrorIsNil)

	cfg := config.Defaults()
	cfg.StackFile = path
	desc, err := cfg.Stack()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(desc.Project, gc.Equals, "custom")
	c.Assert(desc.ServiceNames(), gc.DeepEquals, []string{"solo"})
}

func (s *configSuite) TestProfileParams(c *gc.C) {
	cfg := config.Defaults()
	cfg.Project = "sensors"
	cfg.BrokerPassword = "shh"
	params := cfg.ProfileParams()
	c.Assert(params.Project, gc.Equals, "sensors")
	c.Assert(params.BrokerPassword, gc.Equals, "shh")
	c.Assert(params.DatabaseUser, gc.Equals, "automation")
}
