// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package teardown removes everything a project ever provisioned.
// Resources are discovered from the manager by project label rather
// than read from the stack file, so teardown works on hosts that have
// drifted, were only partially provisioned, or were already torn down:
// a target that no longer exists is success, not an error.
package teardown

import (
	"context"
	"os"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/naturalsort"

	"github.com/juju/gantry/internal/manager"
	"github.com/juju/gantry/internal/stack"
)

var logger = loggo.GetLogger("gantry.teardown")

// Config holds the dependencies of a Sequencer.
type Config struct {
	// Manager owns the resources being removed.
	Manager manager.Manager
}

// Validate returns an error if the config cannot drive a Sequencer.
func (config Config) Validate() error {
	if config.Manager == nil {
		return errors.NotValidf("nil Manager")
	}
	return nil
}

// Sequencer tears stacks down.
type Sequencer struct {
	config Config
}

// NewSequencer returns a Sequencer using the supplied config.
func NewSequencer(config Config) (*Sequencer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Sequencer{config: config}, nil
}

// Report lists what a teardown removed, in natural name order.
type Report struct {
	Containers []string `yaml:"containers,omitempty"`
	Volumes    []string `yaml:"volumes,omitempty"`
	Networks   []string `yaml:"networks,omitempty"`

	// RemovedDir is the project directory that was deleted, if any.
	RemovedDir string `yaml:"removed_dir,omitempty"`
}

// Empty reports whether the teardown found nothing to remove.
func (r *Report) Empty() bool {
	return len(r.Containers) == 0 && len(r.Volumes) == 0 && len(r.Networks) == 0
}

// Down stops and removes the project's containers, then its volumes and
// networks, prunes unreferenced manager resources, and finally deletes
// the project directory when dir is non-empty. It is unconditional and
// irreversible, and safe to call however much or little of the stack
// exists: removal of something already gone is a no-op.
func (s *Sequencer) Down(ctx context.Context, project, dir string) (*Report, error) {
	if !stack.IsValidName(project) {
		return nil, errors.NotValidf("project name %q", project)
	}
	labels := map[string]string{stack.LabelProject: project}
	report := &Report{}

	containers, err := s.config.Manager.ListContainers(ctx, labels)
	if err != nil {
		return report, errors.Annotate(err, "listing containers")
	}
	names := make([]string, 0, len(containers))
	for _, c := range containers {
		names = append(names, c.Name)
	}
	naturalsort.Sort(names)
	for _, name := range names {
		if err := s.config.Manager.StopContainer(ctx, name); err != nil && !errors.Is(err, errors.NotFound) {
			return report, errors.Annotatef(err, "stopping container %q", name)
		}
		if err := s.config.Manager.RemoveContainer(ctx, name); err != nil && !errors.Is(err, errors.NotFound) {
			return report, errors.Annotatef(err, "removing container %q", name)
		}
		report.Containers = append(report.Containers, name)
	}

	volumes, err := s.config.Manager.ListVolumes(ctx, labels)
	if err != nil {
		return report, errors.Annotate(err, "listing volumes")
	}
	naturalsort.Sort(volumes)
	for _, name := range volumes {
		if err := s.config.Manager.RemoveVolume(ctx, name); err != nil && !errors.Is(err, errors.NotFound) {
			return report, errors.Annotatef(err, "removing volume %q", name)
		}
		report.Volumes = append(report.Volumes, name)
	}

	networks, err := s.config.Manager.ListNetworks(ctx, labels)
	if err != nil {
		return report, errors.Annotate(err, "listing networks")
	}
	naturalsort.Sort(networks)
	for _, name := range networks {
		if err := s.config.Manager.RemoveNetwork(ctx, name); err != nil && !errors.Is(err, errors.NotFound) {
			return report, errors.Annotatef(err, "removing network %q", name)
		}
		report.Networks = append(report.Networks, name)
	}

	if err := s.config.Manager.PruneSystem(ctx); err != nil {
		return report, errors.Annotate(err, "pruning system")
	}

	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			return report, errors.Annotatef(err, "removing project directory %q", dir)
		}
		report.RemovedDir = dir
	}

	logger.Infof("project %q torn down: %d containers, %d volumes, %d networks",
		project, len(report.Containers), len(report.Volumes), len(report.Networks))
	return report, nil
}
