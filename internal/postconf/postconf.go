// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package postconf runs the one-time configuration steps a stack needs
// once its services are up, such as seeding a database or setting a
// broker credential. A step executes inside its running service and is
// retried on a fixed short delay, waiting out service initialization
// rather than backing off. A step that exhausts its attempts never
// fails the run: it is reported with the literal command an operator
// can run by hand to finish the job.
package postconf

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"github.com/kballard/go-shellquote"

	"github.com/juju/gantry/internal/stack"
)

var logger = loggo.GetLogger("gantry.postconf")

// ErrPostConfigExhausted is recorded against a step whose every attempt
// failed. It degrades the run; it never aborts it.
const ErrPostConfigExhausted = errors.ConstError("post-start configuration exhausted")

// Executor is the single manager capability the post-up phase needs.
type Executor interface {
	Exec(ctx context.Context, container string, argv []string) (string, error)
}

// Config holds the dependencies of a Configurator.
type Config struct {
	// Manager executes step commands inside running containers.
	Manager Executor

	// Clock times the fixed delay between attempts.
	Clock clock.Clock

	// ManagerPath is the manager binary named in derived remediation
	// commands, so the operator can paste them as-is.
	ManagerPath string
}

// Validate returns an error if the config cannot drive a Configurator.
func (config Config) Validate() error {
	if config.Manager == nil {
		return errors.NotValidf("nil Manager")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.ManagerPath == "" {
		return errors.NotValidf("empty ManagerPath")
	}
	return nil
}

// Configurator applies post-start steps to a running stack.
type Configurator struct {
	config Config
}

// NewConfigurator returns a Configurator using the supplied config.
func NewConfigurator(config Config) (*Configurator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Configurator{config: config}, nil
}

// StepResult is the outcome of one post-start step.
type StepResult struct {
	// Service is the service the step ran against.
	Service string `yaml:"service"`

	// Step is the step's name.
	Step string `yaml:"step"`

	// Attempts is how many times the step was tried.
	Attempts int `yaml:"attempts"`

	// Completed is whether the step eventually succeeded.
	Completed bool `yaml:"completed"`

	// Remediation is the literal command an operator should run by hand
	// to finish an incomplete step.
	Remediation string `yaml:"remediation,omitempty"`

	// Err is the exhaustion error for an incomplete step.
	Err error `yaml:"-"`
}

// Report describes the post-start work done for a whole stack.
type Report struct {
	Steps []StepResult `yaml:"steps"`
}

// Degraded returns the results of steps that did not complete.
func (r *Report) Degraded() []StepResult {
	var out []StepResult
	for _, step := range r.Steps {
		if !step.Completed {
			out = append(out, step)
		}
	}
	return out
}

// Remediations returns the literal commands for every incomplete step,
// in report order.
func (r *Report) Remediations() []string {
	var out []string
	for _, step := range r.Steps {
		if !step.Completed {
			out = append(out, step.Remediation)
		}
	}
	return out
}

// Configure runs every service's post-start steps in service name
// order, each step with its own attempt budget and fixed delay. Step
// failures degrade the report instead of propagating; the returned
// error is reserved for cancellation.
func (c *Configurator) Configure(ctx context.Context, desc *stack.StackDescription) (*Report, error) {
	report := &Report{}
	for _, name := range desc.ServiceNames() {
		svc := desc.Services[name]
		for _, step := range svc.PostStart {
			result, err := c.runStep(ctx, desc, svc, step)
			report.Steps = append(report.Steps, result)
			if err != nil {
				return report, errors.Trace(err)
			}
		}
	}
	return report, nil
}

func (c *Configurator) runStep(ctx context.Context, desc *stack.StackDescription, svc *stack.ServiceSpec, step stack.PostStartStep) (StepResult, error) {
	container := desc.ContainerName(svc.Name)
	result := StepResult{Service: svc.Name, Step: step.Name}
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			result.Attempts++
			_, err := c.config.Manager.Exec(ctx, container, step.Command)
			return err
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Debugf("step %q on %q attempt %d/%d failed: %v",
				step.Name, svc.Name, attempt, step.Attempts, lastError)
		},
		Attempts: step.Attempts,
		Delay:    time.Duration(step.Delay),
		Clock:    c.config.Clock,
		Stop:     ctx.Done(),
	})
	switch {
	case err == nil:
		logger.Debugf("step %q on %q completed after %d attempts", step.Name, svc.Name, result.Attempts)
		result.Completed = true
	case retry.IsAttemptsExceeded(err):
		result.Remediation = c.remediation(container, step)
		result.Err = errors.Annotatef(ErrPostConfigExhausted,
			"step %q on service %q failed %d times: %v",
			step.Name, svc.Name, result.Attempts, retry.LastError(err))
		logger.Warningf("%v; run by hand: %s", result.Err, result.Remediation)
	default:
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return result, errors.Annotatef(err, "step %q on service %q", step.Name, svc.Name)
	}
	return result, nil
}

// remediation is the exact command an operator would run to repeat the
// step by hand.
func (c *Configurator) remediation(container string, step stack.PostStartStep) string {
	if step.Remediation != "" {
		return step.Remediation
	}
	return fmt.Sprintf("%s exec %s %s", c.config.ManagerPath, container, shellquote.Join(step.Command...))
}
