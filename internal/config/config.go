// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config holds the process configuration: one explicit struct
// constructed at startup and passed by pointer through the provisioning
// phases. Every tunable has a documented default and a GANTRY_* override;
// an optional operator environment file supplies values below the process
// environment in precedence.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/errors"

	"github.com/juju/gantry/internal/stack"
)

// Environment variables recognized by FromEnvironment. The value in
// parentheses is the default used when a variable is unset.
const (
	// EnvProject names the stack project (gantry).
	EnvProject = "GANTRY_PROJECT"

	// EnvDataDir is the project directory all artifacts are materialized
	// under (/var/lib/gantry).
	EnvDataDir = "GANTRY_DATA_DIR"

	// EnvStackFile points at an operator stack description; empty means
	// the built-in profile.
	EnvStackFile = "GANTRY_STACK_FILE"

	// EnvTimezone is the TZ value handed to every service (Etc/UTC).
	EnvTimezone = "GANTRY_TIMEZONE"

	// EnvDatabaseUser, EnvDatabasePassword and EnvDatabaseName configure
	// the profile's database service (automation/automation/automation).
	EnvDatabaseUser     = "GANTRY_DB_USER"
	EnvDatabasePassword = "GANTRY_DB_PASSWORD"
	EnvDatabaseName     = "GANTRY_DB_NAME"

	// EnvBrokerUser and EnvBrokerPassword configure the profile's broker
	// credential (automation/automation).
	EnvBrokerUser     = "GANTRY_BROKER_USER"
	EnvBrokerPassword = "GANTRY_BROKER_PASSWORD"

	// EnvPullAttempts bounds pull retries per image candidate (5).
	EnvPullAttempts = "GANTRY_PULL_ATTEMPTS"

	// EnvPullDelay is the first retry delay; it doubles per attempt (5s).
	EnvPullDelay = "GANTRY_PULL_DELAY"

	// EnvManagerPath names the service manager binary (docker). A bare
	// name is resolved on PATH.
	EnvManagerPath = "GANTRY_DOCKER"
)

// Config carries every tunable of a provisioning run.
type Config struct {
	// Project names the stack; resource names and labels derive from it.
	Project string

	// DataDir is the project directory: topology file, environment file
	// and per-service configuration all materialize under it.
	DataDir string

	// StackFile optionally names an operator stack description to use
	// instead of the built-in profile.
	StackFile string

	// Timezone is handed to every service as TZ.
	Timezone string

	// Database and broker credentials for the built-in profile.
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	BrokerUser       string
	BrokerPassword   string

	// PullAttempts bounds how often a single image candidate is pulled
	// before its fallback is tried.
	PullAttempts int

	// PullInitialDelay is the delay after the first failed pull; each
	// subsequent failure doubles it.
	PullInitialDelay time.Duration

	// ManagerPath is the service manager binary name or path.
	ManagerPath string
}

// Defaults returns the documented default configuration.
func Defaults() *Config {
	return &Config{
		Project:          "gantry",
		DataDir:          "/var/lib/gantry",
		Timezone:         "Etc/UTC",
		DatabaseUser:     "automation",
		DatabasePassword: "automation",
		DatabaseName:     "automation",
		BrokerUser:       "automation",
		BrokerPassword:   "automation",
		PullAttempts:     5,
		PullInitialDelay: 5 * time.Second,
		ManagerPath:      "docker",
	}
}

// FromEnvironment builds the configuration from defaults, the optional
// environment file, and the process environment, in rising precedence.
func FromEnvironment(envFile string) (*Config, error) {
	lookup := make(map[string]string)
	if envFile != "" {
		fileVars, err := godotenv.Read(envFile)
		if err != nil {
			return nil, errors.Annotatef(err, "reading environment file %q", envFile)
		}
		for k, v := range fileVars {
			lookup[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if i := strings.Index(kv, "="); i > 0 {
			lookup[kv[:i]] = kv[i+1:]
		}
	}
	cfg, err := fromLookup(lookup)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

func fromLookup(lookup map[string]string) (*Config, error) {
	cfg := Defaults()

	setString := func(dst *string, key string) {
		if v, ok := lookup[key]; ok && v != "" {
			*dst = v
		}
	}
	setString(&cfg.Project, EnvProject)
	setString(&cfg.DataDir, EnvDataDir)
	setString(&cfg.StackFile, EnvStackFile)
	setString(&cfg.Timezone, EnvTimezone)
	setString(&cfg.DatabaseUser, EnvDatabaseUser)
	setString(&cfg.DatabasePassword, EnvDatabasePassword)
	setString(&cfg.DatabaseName, EnvDatabaseName)
	setString(&cfg.BrokerUser, EnvBrokerUser)
	setString(&cfg.BrokerPassword, EnvBrokerPassword)
	setString(&cfg.ManagerPath, EnvManagerPath)

	if v, ok := lookup[EnvPullAttempts]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.NotValidf("%s %q", EnvPullAttempts, v)
		}
		cfg.PullAttempts = n
	}
	if v, ok := lookup[EnvPullDelay]; ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.NotValidf("%s %q", EnvPullDelay, v)
		}
		cfg.PullInitialDelay = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if !stack.IsValidName(c.Project) {
		return errors.NotValidf("project name %q", c.Project)
	}
	if !filepath.IsAbs(c.DataDir) {
		return errors.NotValidf("data directory %q", c.DataDir)
	}
	if c.Timezone == "" {
		return errors.NotValidf("empty timezone")
	}
	if c.PullAttempts < 1 {
		return errors.NotValidf("pull attempts %d", c.PullAttempts)
	}
	if c.PullInitialDelay <= 0 {
		return errors.NotValidf("pull delay %v", c.PullInitialDelay)
	}
	if c.ManagerPath == "" {
		return errors.NotValidf("empty manager path")
	}
	for _, cred := range []struct {
		name, value string
	}{
		{"database user", c.DatabaseUser},
		{"database password", c.DatabasePassword},
		{"database name", c.DatabaseName},
		{"broker user", c.BrokerUser},
		{"broker password", c.BrokerPassword},
	} {
		if cred.value == "" {
			return errors.NotValidf("empty %s", cred.name)
		}
	}
	return nil
}

// ProfileParams adapts the configuration for the built-in stack profile.
func (c *Config) ProfileParams() stack.ProfileParams {
	return stack.ProfileParams{
		Project:          c.Project,
		Timezone:         c.Timezone,
		DatabaseUser:     c.DatabaseUser,
		DatabasePassword: c.DatabasePassword,
		DatabaseName:     c.DatabaseName,
		BrokerUser:       c.BrokerUser,
		BrokerPassword:   c.BrokerPassword,
	}
}

// Stack returns the stack description for this run: the operator's file
// when one is configured, the built-in profile otherwise.
func (c *Config) Stack() (*stack.StackDescription, error) {
	if c.StackFile == "" {
		return stack.Default(c.ProfileParams()), nil
	}
	desc, err := stack.ReadFile(c.StackFile)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return desc, nil
}
