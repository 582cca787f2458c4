// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package provision sequences a full stack bring-up: install
// prerequisites, materialize artifacts, pull images, start containers
// and run post-start configuration, in that order, under a host-wide
// lock. The sequencer decides what a phase outcome means for the run;
// the phases themselves only report what happened.
package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mutex/v2"
	"github.com/juju/naturalsort"

	"github.com/juju/gantry/internal/materializer"
	"github.com/juju/gantry/internal/orchestrator"
	"github.com/juju/gantry/internal/postconf"
	"github.com/juju/gantry/internal/puller"
	"github.com/juju/gantry/internal/stack"
)

var logger = loggo.GetLogger("gantry.provision")

// lockDelay is how long Acquire waits between attempts on a held lock.
const lockDelay = 250 * time.Millisecond

// Installer ensures the container manager is installed and its daemon
// answers.
type Installer interface {
	Ensure(ctx context.Context) error
}

// ImagePuller fetches the stack's images ahead of container creation.
type ImagePuller interface {
	Pull(ctx context.Context, desc *stack.StackDescription) (*puller.Report, error)
}

// Starter converges the stack's containers and polls them healthy.
type Starter interface {
	Up(ctx context.Context, desc *stack.StackDescription, dir string) (*orchestrator.Result, error)
}

// Configurator runs the one-time post-start steps.
type Configurator interface {
	Configure(ctx context.Context, desc *stack.StackDescription) (*postconf.Report, error)
}

// MaterializeFunc writes a description's artifacts into the project
// directory, returning what it wrote.
type MaterializeFunc func(desc *stack.StackDescription, dir string) ([]materializer.Artifact, error)

// Config holds the dependencies of a Provisioner.
type Config struct {
	Installer    Installer
	Materialize  MaterializeFunc
	Puller       ImagePuller
	Orchestrator Starter
	Configurator Configurator
	Clock        clock.Clock

	// DataDir is the project directory artifacts are written to and
	// relative binds resolve against.
	DataDir string
}

// Validate returns an error if the config is not usable.
func (c Config) Validate() error {
	if c.Installer == nil {
		return errors.NotValidf("nil Installer")
	}
	if c.Materialize == nil {
		return errors.NotValidf("nil Materialize")
	}
	if c.Puller == nil {
		return errors.NotValidf("nil Puller")
	}
	if c.Orchestrator == nil {
		return errors.NotValidf("nil Orchestrator")
	}
	if c.Configurator == nil {
		return errors.NotValidf("nil Configurator")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.DataDir == "" {
		return errors.NotValidf("empty DataDir")
	}
	return nil
}

// Report is the structured outcome of one provisioning run. Every run
// that acquires the lock produces one, terminal state included, whether
// or not the run failed.
type Report struct {
	// State is the terminal state the run reached.
	State RunState `yaml:"state"`

	// FailedPhase names the phase a fatal error aborted, if any.
	FailedPhase RunState `yaml:"failed-phase,omitempty"`

	// Error is the fatal cause, verbatim.
	Error string `yaml:"error,omitempty"`

	// Artifacts lists the files materialized into the project directory.
	Artifacts []string `yaml:"artifacts,omitempty"`

	Pull       *puller.Report       `yaml:"pull,omitempty"`
	Stack      *orchestrator.Result `yaml:"stack,omitempty"`
	PostConfig *postconf.Report     `yaml:"post-config,omitempty"`

	// Degradations lists why a succeeded-degraded run is degraded.
	Degradations []string `yaml:"degradations,omitempty"`

	// Remediations lists commands the operator can run by hand to
	// finish what the run could not.
	Remediations []string `yaml:"remediations,omitempty"`
}

// Degraded reports whether the run ended degraded.
func (r *Report) Degraded() bool {
	return r.State == SucceededDegraded
}

// Provisioner runs the provisioning sequence.
type Provisioner struct {
	config Config
}

// NewProvisioner returns a Provisioner with the supplied config.
func NewProvisioner(config Config) (*Provisioner, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Provisioner{config: config}, nil
}

// lockName fits the project into the mutex namespace, which allows at
// most 40 characters.
func lockName(project string) string {
	name := "gantry-" + project
	if len(name) > 40 {
		name = name[:40]
	}
	return name
}

// Provision runs the full sequence against desc. The run holds a
// host-wide lock named after the project, so concurrent invocations for
// the same project serialize rather than interleave.
//
// A nil error means the run reached Succeeded or SucceededDegraded;
// callers distinguish the two through the report. A non-nil error means
// the run reached Failed, or never started because the description was
// invalid or the lock could not be taken.
func (p *Provisioner) Provision(ctx context.Context, desc *stack.StackDescription) (*Report, error) {
	if err := desc.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	releaser, err := mutex.Acquire(mutex.Spec{
		Name:   lockName(desc.Project),
		Clock:  p.config.Clock,
		Delay:  lockDelay,
		Cancel: ctx.Done(),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "acquiring provisioning lock for project %q", desc.Project)
	}
	defer releaser.Release()

	run := NewRun()
	report := &Report{}

	if err := run.TransitionTo(Installing); err != nil {
		return nil, errors.Trace(err)
	}
	if err := p.config.Installer.Ensure(ctx); err != nil {
		return p.fail(run, report, err)
	}

	if err := run.TransitionTo(Materializing); err != nil {
		return nil, errors.Trace(err)
	}
	artifacts, err := p.config.Materialize(desc, p.config.DataDir)
	if err != nil {
		return p.fail(run, report, err)
	}
	for _, a := range artifacts {
		report.Artifacts = append(report.Artifacts, a.Path)
	}

	if err := run.TransitionTo(Pulling); err != nil {
		return nil, errors.Trace(err)
	}
	pullReport, err := p.config.Puller.Pull(ctx, desc)
	report.Pull = pullReport
	if err != nil {
		return p.fail(run, report, err)
	}
	if pullReport.Substituted {
		// Fallback images rewrote the description, so the artifacts on
		// disk no longer name what is about to run. Write them again.
		logger.Infof("fallback images in use, rematerializing artifacts")
		if _, err := p.config.Materialize(desc, p.config.DataDir); err != nil {
			return p.fail(run, report, err)
		}
	}

	if err := run.TransitionTo(Starting); err != nil {
		return nil, errors.Trace(err)
	}
	stackResult, err := p.config.Orchestrator.Up(ctx, desc, p.config.DataDir)
	report.Stack = stackResult
	if err != nil {
		// From here on trouble degrades the run, it does not fail it.
		// Without a usable stack there is nothing to post-configure.
		report.Degradations = append(report.Degradations,
			fmt.Sprintf("stack start incomplete: %v", err))
		return p.finish(run, report)
	}
	for _, name := range stackResult.Unhealthy() {
		svc := stackResult.Service(name)
		report.Degradations = append(report.Degradations,
			fmt.Sprintf("service %q is %s: %v", name, svc.Health, svc.Err))
	}

	if err := run.TransitionTo(PostConfiguring); err != nil {
		return nil, errors.Trace(err)
	}
	postReport, err := p.config.Configurator.Configure(ctx, desc)
	report.PostConfig = postReport
	if err != nil {
		report.Degradations = append(report.Degradations,
			fmt.Sprintf("post-start configuration interrupted: %v", err))
		return p.finish(run, report)
	}
	for _, step := range postReport.Degraded() {
		report.Degradations = append(report.Degradations, step.Err.Error())
		report.Remediations = append(report.Remediations, step.Remediation)
	}

	return p.finish(run, report)
}

// fail aborts the run from one of the phases that may fail it.
func (p *Provisioner) fail(run *Run, report *Report, cause error) (*Report, error) {
	phase := run.State()
	report.FailedPhase = phase
	report.Error = cause.Error()
	if err := run.TransitionTo(Failed); err != nil {
		return report, errors.Trace(err)
	}
	report.State = Failed
	logger.Errorf("provisioning failed while %s: %v", phase, cause)
	return report, errors.Annotatef(cause, "%s failed", phase)
}

// finish moves the run to its successful terminal state.
func (p *Provisioner) finish(run *Run, report *Report) (*Report, error) {
	next := Succeeded
	if len(report.Degradations) > 0 {
		next = SucceededDegraded
	}
	if err := run.TransitionTo(next); err != nil {
		return report, errors.Trace(err)
	}
	report.State = run.State()
	naturalsort.Sort(report.Degradations)
	naturalsort.Sort(report.Remediations)
	if report.Degraded() {
		logger.Warningf("stack up with %d degradation(s)", len(report.Degradations))
		for _, r := range report.Remediations {
			logger.Warningf("run by hand: %s", r)
		}
	} else {
		logger.Infof("stack up")
	}
	return report, nil
}
