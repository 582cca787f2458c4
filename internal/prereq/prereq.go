// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package prereq ensures the host is able to run the stack at all: the
// service manager binary must be present and its daemon reachable. On a
// provisioned host Ensure is a cheap no-op; otherwise it runs the
// install script, brings the daemon unit up over D-Bus and waits for it
// to answer. Failures here are fatal to a provisioning run since nothing
// later can proceed without the manager.
package prereq

import (
	"context"
	"os/exec"
	"path/filepath"
	"time"

	systemddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
)

var logger = loggo.GetLogger("gantry.prereq")

// ErrPrerequisiteInstall reports that the host could not be provisioned
// with a working service manager. It aborts the run.
const ErrPrerequisiteInstall = errors.ConstError("prerequisite install failed")

// installScript provisions the service manager through the vendor's
// convenience script, whichever downloader the host has.
const installScript = `set -euf
if command -v curl >/dev/null 2>&1; then
    curl -fsSL https://get.docker.com | sh
else
    wget -qO- https://get.docker.com | sh
fi
`

// Pinger checks that the service manager daemon answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemdConn is the slice of the systemd D-Bus API used to bring the
// daemon unit up. *dbus.Conn from go-systemd satisfies it.
type SystemdConn interface {
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	EnableUnitFilesContext(ctx context.Context, files []string, runtime, force bool) (bool, []systemddbus.EnableUnitFileChange, error)
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	Close()
}

// InstallerConfig holds an Installer's dependencies. LookPath, RunScript
// and NewSystemd have working defaults and exist as seams for tests.
type InstallerConfig struct {
	// ManagerPath is the manager binary name or path.
	ManagerPath string

	// Manager answers daemon pings.
	Manager Pinger

	// Clock times the daemon readiness wait.
	Clock clock.Clock

	// WaitAttempts and WaitDelay bound the readiness wait after an
	// install or unit start. Zero values take the defaults.
	WaitAttempts int
	WaitDelay    time.Duration

	LookPath   func(file string) (string, error)
	RunScript  func(ctx context.Context, script string) (string, error)
	NewSystemd func(ctx context.Context) (SystemdConn, error)
}

// Validate checks the configuration is usable.
func (c InstallerConfig) Validate() error {
	if c.ManagerPath == "" {
		return errors.NotValidf("empty ManagerPath")
	}
	if c.Manager == nil {
		return errors.NotValidf("nil Manager")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Installer makes sure the service manager prerequisite holds.
type Installer struct {
	config InstallerConfig
}

// NewInstaller returns an Installer using the given configuration.
func NewInstaller(config InstallerConfig) (*Installer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.WaitAttempts == 0 {
		config.WaitAttempts = 15
	}
	if config.WaitDelay == 0 {
		config.WaitDelay = 2 * time.Second
	}
	if config.LookPath == nil {
		config.LookPath = exec.LookPath
	}
	if config.RunScript == nil {
		config.RunScript = runScript
	}
	if config.NewSystemd == nil {
		config.NewSystemd = newSystemd
	}
	return &Installer{config: config}, nil
}

func runScript(ctx context.Context, script string) (string, error) {
	out, err := exec.CommandContext(ctx, "/bin/bash", "-c", script).CombinedOutput()
	return string(out), err
}

func newSystemd(ctx context.Context) (SystemdConn, error) {
	conn, err := systemddbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return conn, nil
}

// unitName is the systemd unit expected to run the manager daemon.
func (i *Installer) unitName() string {
	return filepath.Base(i.config.ManagerPath) + ".service"
}

// Ensure checks the prerequisite and provisions it when missing. It is
// idempotent: a host that already has a reachable manager daemon is left
// untouched.
func (i *Installer) Ensure(ctx context.Context) error {
	cfg := i.config
	if _, err := cfg.LookPath(cfg.ManagerPath); err != nil {
		logger.Infof("manager binary %q not found, installing", cfg.ManagerPath)
		if err := i.install(ctx); err != nil {
			return errors.Trace(err)
		}
		if _, err := cfg.LookPath(cfg.ManagerPath); err != nil {
			return errors.Annotatef(ErrPrerequisiteInstall,
				"binary %q still missing after install", cfg.ManagerPath)
		}
	}

	if err := cfg.Manager.Ping(ctx); err == nil {
		logger.Debugf("manager daemon already running")
		return nil
	}

	i.startDaemonUnit(ctx)
	if err := i.waitDaemon(ctx); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (i *Installer) install(ctx context.Context) error {
	out, err := i.config.RunScript(ctx, installScript)
	if err != nil {
		return errors.Annotatef(ErrPrerequisiteInstall,
			"install script failed: %v; output: %s", err, out)
	}
	logger.Debugf("install script output: %s", out)
	return nil
}

// startDaemonUnit enables and starts the daemon's systemd unit. This is
// best effort: hosts without systemd, or with the daemon managed some
// other way, are still served by the readiness wait that follows.
func (i *Installer) startDaemonUnit(ctx context.Context) {
	conn, err := i.config.NewSystemd(ctx)
	if err != nil {
		logger.Warningf("cannot reach systemd, not managing the daemon unit: %v", err)
		return
	}
	defer conn.Close()

	unit := i.unitName()
	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err == nil && props["ActiveState"] == "active" {
		logger.Debugf("unit %s already active", unit)
		return
	}

	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{unit}, false, true); err != nil {
		logger.Warningf("enabling unit %s: %v", unit, err)
	}
	if _, err := conn.StartUnitContext(ctx, unit, "replace", nil); err != nil {
		logger.Warningf("starting unit %s: %v", unit, err)
	}
}

// waitDaemon polls the daemon until it answers or the attempt budget is
// spent.
func (i *Installer) waitDaemon(ctx context.Context) error {
	cfg := i.config
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = cfg.Manager.Ping(ctx)
			return lastErr
		},
		Attempts: cfg.WaitAttempts,
		Delay:    cfg.WaitDelay,
		Clock:    cfg.Clock,
		Stop:     ctx.Done(),
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("daemon not ready (attempt %d): %v", attempt, err)
		},
	})
	if err == nil {
		return nil
	}
	return errors.Annotatef(ErrPrerequisiteInstall,
		"daemon not ready after %d attempts: %v", cfg.WaitAttempts, lastErr)
}
