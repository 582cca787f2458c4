// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package orchestrator brings a stack's services up in dependency order
// and waits for them to report healthy. Starting is create-or-update:
// a container that already matches its description is reused, a drifted
// one is replaced, and nothing is ever duplicated, so bringing up an
// already-running stack is a no-op. Health is established afterwards by
// one polling goroutine per service, all joined before the result is
// assembled; an unhealthy service degrades the result but never aborts
// the run.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"gopkg.in/yaml.v3"

	"github.com/juju/gantry/internal/manager"
	"github.com/juju/gantry/internal/materializer"
	"github.com/juju/gantry/internal/stack"
)

var logger = loggo.GetLogger("gantry.orchestrator")

// ErrHealthCheckTimeout is recorded against a service whose probe never
// passed within its retry budget.
const ErrHealthCheckTimeout = errors.ConstError("health check timed out")

// Config holds the dependencies of an Orchestrator.
type Config struct {
	// Manager realizes containers, networks and volumes on the host.
	Manager manager.Manager

	// Clock times health probe intervals and grace periods.
	Clock clock.Clock
}

// Validate returns an error if the config cannot drive an Orchestrator.
func (config Config) Validate() error {
	if config.Manager == nil {
		return errors.NotValidf("nil Manager")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Orchestrator starts stacks and verifies their health.
type Orchestrator struct {
	config Config
}

// NewOrchestrator returns an Orchestrator using the supplied config.
func NewOrchestrator(config Config) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Orchestrator{config: config}, nil
}

// Action describes what the start phase did with a service's container.
type Action string

const (
	// ActionCreated means no container existed; one was created and started.
	ActionCreated Action = "created"

	// ActionStarted means a current but stopped container was started.
	ActionStarted Action = "started"

	// ActionUnchanged means a current container was already running.
	ActionUnchanged Action = "unchanged"

	// ActionReplaced means a drifted container was removed and recreated.
	ActionReplaced Action = "replaced"
)

// ServiceResult is the outcome of starting and probing one service.
type ServiceResult struct {
	// Service is the service's name.
	Service string `yaml:"service"`

	// Action is what the start phase did with the container.
	Action Action `yaml:"action"`

	// Health is the service's terminal health state for this run.
	Health stack.HealthState `yaml:"health"`

	// Err is why the service is not healthy, when it is not. It is an
	// ErrHealthCheckTimeout when the probe budget ran out, or the start
	// failure when the container could not be brought up at all.
	Err error `yaml:"-"`
}

// Result reports the outcome of bringing a stack up.
type Result struct {
	// Services holds one entry per service, ordered by name.
	Services []ServiceResult `yaml:"services"`
}

// Service returns the result for the named service, or nil.
func (r *Result) Service(name string) *ServiceResult {
	for i := range r.Services {
		if r.Services[i].Service == name {
			return &r.Services[i]
		}
	}
	return nil
}

// Healthy reports whether every service reached a healthy state.
func (r *Result) Healthy() bool {
	for _, sr := range r.Services {
		if sr.Health != stack.HealthHealthy {
			return false
		}
	}
	return true
}

// Unhealthy returns the names of services that did not reach healthy,
// in name order.
func (r *Result) Unhealthy() []string {
	var names []string
	for _, sr := range r.Services {
		if sr.Health != stack.HealthHealthy {
			names = append(names, sr.Service)
		}
	}
	return names
}

type serviceStart struct {
	action Action
	err    error
}

type healthOutcome struct {
	state stack.HealthState
	err   error
}

// Up brings the described stack up on the host. The project network and
// named volumes are ensured first, then services start wave by wave: a
// service starts only after everything it depends on has been started,
// though not necessarily probed healthy, and independent services within
// a wave start concurrently. Once every start has been issued the health
// pollers run, one goroutine per service, and Up returns when all of
// them have finished. A service that fails to start or to pass its probe
// is reported unhealthy in the result; only infrastructure failures and
// cancellation produce an error.
//
// Up is re-entrant: running it against an already-provisioned stack
// starts nothing twice and duplicates nothing. dir is the project
// directory that artifacts were materialized into; relative bind sources
// and config file mounts resolve against it.
func (o *Orchestrator) Up(ctx context.Context, desc *stack.StackDescription, dir string) (*Result, error) {
	if err := desc.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	// A cycle is rejected here, before any resource is touched.
	waves, err := desc.StartWaves()
	if err != nil {
		return nil, errors.Trace(err)
	}

	labels := map[string]string{stack.LabelProject: desc.Project}
	network := desc.Network()
	if err := o.config.Manager.EnsureNetwork(ctx, network, labels); err != nil {
		return nil, errors.Annotatef(err, "ensuring network %q", network)
	}
	for _, name := range desc.VolumeNames() {
		if err := o.config.Manager.EnsureVolume(ctx, name, labels); err != nil {
			return nil, errors.Annotatef(err, "ensuring volume %q", name)
		}
	}

	starts := make(map[string]serviceStart, len(desc.Services))
	for _, wave := range waves {
		for name, start := range o.startWave(ctx, desc, dir, wave) {
			starts[name] = start
		}
	}

	var started []string
	for _, name := range desc.ServiceNames() {
		if starts[name].err == nil {
			started = append(started, name)
		}
	}
	outcomes := o.awaitHealthy(ctx, desc, started)

	result := &Result{}
	for _, name := range desc.ServiceNames() {
		sr := ServiceResult{Service: name, Action: starts[name].action}
		if err := starts[name].err; err != nil {
			sr.Health = stack.HealthUnhealthy
			sr.Err = err
		} else {
			outcome := outcomes[name]
			sr.Health = outcome.state
			sr.Err = outcome.err
		}
		desc.Services[name].Health = sr.Health
		result.Services = append(result.Services, sr)
	}
	if err := ctx.Err(); err != nil {
		return result, errors.Trace(err)
	}
	logger.Infof("stack %q up: %d of %d services healthy",
		desc.Project, len(result.Services)-len(result.Unhealthy()), len(result.Services))
	return result, nil
}

// startWave issues the start for every service in the wave concurrently
// and waits for all of them. Failures are collected, not propagated; a
// service that could not start leaves its dependents to try anyway and
// fail their own health checks.
func (o *Orchestrator) startWave(ctx context.Context, desc *stack.StackDescription, dir string, wave []string) map[string]serviceStart {
	starts := make(map[string]serviceStart, len(wave))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range wave {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			action, err := o.startService(ctx, desc, dir, desc.Services[name])
			mu.Lock()
			starts[name] = serviceStart{action: action, err: err}
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return starts
}

// startService converges one service's container on its description:
// create it when missing, start it when stopped, replace it when its
// recorded fingerprint no longer matches, and otherwise leave it alone.
func (o *Orchestrator) startService(ctx context.Context, desc *stack.StackDescription, dir string, svc *stack.ServiceSpec) (Action, error) {
	spec := containerSpec(desc, svc, dir)
	fingerprint, err := specFingerprint(spec)
	if err != nil {
		return "", errors.Trace(err)
	}
	spec.Labels[stack.LabelFingerprint] = fingerprint

	existing, err := o.config.Manager.LookupContainer(ctx, spec.Name)
	if errors.Is(err, errors.NotFound) {
		logger.Infof("creating container %q", spec.Name)
		return ActionCreated, o.createAndStart(ctx, spec)
	} else if err != nil {
		return "", errors.Annotatef(err, "inspecting container %q", spec.Name)
	}

	if existing.Labels[stack.LabelFingerprint] == fingerprint {
		if existing.Running() {
			logger.Debugf("container %q already running and current", spec.Name)
			return ActionUnchanged, nil
		}
		logger.Infof("starting stopped container %q", spec.Name)
		if err := o.config.Manager.StartContainer(ctx, spec.Name); err != nil {
			return ActionStarted, errors.Annotatef(err, "starting container %q", spec.Name)
		}
		return ActionStarted, nil
	}

	logger.Infof("container %q drifted from its description, replacing", spec.Name)
	if err := o.config.Manager.RemoveContainer(ctx, spec.Name); err != nil && !errors.Is(err, errors.NotFound) {
		return "", errors.Annotatef(err, "removing stale container %q", spec.Name)
	}
	if err := o.createAndStart(ctx, spec); err != nil {
		return ActionReplaced, errors.Trace(err)
	}
	return ActionReplaced, nil
}

func (o *Orchestrator) createAndStart(ctx context.Context, spec manager.ContainerSpec) error {
	if err := o.config.Manager.CreateContainer(ctx, spec); err != nil {
		return errors.Annotatef(err, "creating container %q", spec.Name)
	}
	if err := o.config.Manager.StartContainer(ctx, spec.Name); err != nil {
		return errors.Annotatef(err, "starting container %q", spec.Name)
	}
	return nil
}

// awaitHealthy polls every started service concurrently and returns
// once all pollers have finished. Pollers never interfere with each
// other; a slow or stuck probe delays only its own service.
func (o *Orchestrator) awaitHealthy(ctx context.Context, desc *stack.StackDescription, started []string) map[string]healthOutcome {
	outcomes := make(map[string]healthOutcome, len(started))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range started {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			state, err := o.pollService(ctx, desc, desc.Services[name])
			mu.Lock()
			outcomes[name] = healthOutcome{state: state, err: err}
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return outcomes
}

// pollService runs a service's probe until it passes or its retry
// budget is spent. Services without a probe are healthy as soon as
// their container is seen running.
func (o *Orchestrator) pollService(ctx context.Context, desc *stack.StackDescription, svc *stack.ServiceSpec) (stack.HealthState, error) {
	name := desc.ContainerName(svc.Name)
	check := svc.Check
	if check == nil {
		container, err := o.config.Manager.LookupContainer(ctx, name)
		if err != nil {
			return stack.HealthUnhealthy, errors.Annotatef(err, "inspecting container %q", name)
		}
		if !container.Running() {
			return stack.HealthUnhealthy, errors.Errorf("container %q is %s, not running", name, container.State)
		}
		return stack.HealthHealthy, nil
	}

	if check.StartPeriod > 0 {
		select {
		case <-o.config.Clock.After(time.Duration(check.StartPeriod)):
		case <-ctx.Done():
			return stack.HealthStarting, errors.Trace(ctx.Err())
		}
	}
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			probeCtx, cancel := context.WithTimeout(ctx, time.Duration(check.Timeout))
			defer cancel()
			_, err := o.config.Manager.Exec(probeCtx, name, check.Command)
			return err
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Debugf("service %q probe %d/%d failed: %v", svc.Name, attempt, check.Retries, lastError)
		},
		Attempts: check.Retries,
		Delay:    time.Duration(check.Interval),
		Clock:    o.config.Clock,
		Stop:     ctx.Done(),
	})
	if err == nil {
		logger.Debugf("service %q healthy", svc.Name)
		return stack.HealthHealthy, nil
	}
	if retry.IsAttemptsExceeded(err) {
		return stack.HealthUnhealthy, errors.Annotatef(ErrHealthCheckTimeout,
			"service %q not healthy after %d probes: %v", svc.Name, check.Retries, retry.LastError(err))
	}
	return stack.HealthStarting, errors.Trace(err)
}

// containerSpec renders the service's desired container shape. Relative
// bind sources and config file mounts resolve against the project
// directory; everything else comes straight from the description.
func containerSpec(desc *stack.StackDescription, svc *stack.ServiceSpec, dir string) manager.ContainerSpec {
	binds := make([]string, 0, len(svc.Volumes)+len(svc.Files))
	for _, m := range svc.Volumes {
		binds = append(binds, resolveMount(m, dir))
	}
	for _, f := range svc.Files {
		if f.Target == "" {
			continue
		}
		bind := stack.Mount{
			Source:   materializer.ConfigPath(dir, svc.Name, f.Name),
			Target:   f.Target,
			ReadOnly: true,
		}
		binds = append(binds, bind.String())
	}
	return manager.ContainerSpec{
		Name:    desc.ContainerName(svc.Name),
		Image:   svc.Image,
		Network: desc.Network(),
		Alias:   svc.Name,
		Env:     desc.ServiceEnv(svc.Name),
		Binds:   binds,
		Ports:   svc.Ports,
		Labels: map[string]string{
			stack.LabelProject: desc.Project,
			stack.LabelService: svc.Name,
		},
		RestartPolicy: "unless-stopped",
	}
}

func resolveMount(m stack.Mount, dir string) string {
	if !m.IsNamedVolume() && !filepath.IsAbs(m.Source) {
		m.Source = filepath.Join(dir, m.Source)
	}
	return m.String()
}

// specFingerprint hashes the container's desired shape. The fingerprint
// is recorded as a label at create time; a container whose label no
// longer matches its description has drifted and is replaced. The hash
// covers the spec before the fingerprint label itself is attached.
func specFingerprint(spec manager.ContainerSpec) (string, error) {
	data, err := yaml.Marshal(spec)
	if err != nil {
		return "", errors.Annotate(err, "fingerprinting container spec")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
