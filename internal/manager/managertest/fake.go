// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package managertest provides an in-memory manager.Manager for tests.
package managertest

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/testing"

	"github.com/juju/gantry/internal/manager"
)

// FakeManager is an in-memory service manager. The Stub records every
// call; behaviour is driven by the fake's own state so that concurrent
// callers see a consistent world. Error fields inject failures for
// specific resources. Reading the state maps directly is only safe once
// no operation is in flight.
type FakeManager struct {
	Stub *testing.Stub

	mu         sync.Mutex
	Containers map[string]*manager.Container
	Specs      map[string]manager.ContainerSpec
	Volumes    map[string]map[string]string
	Networks   map[string]map[string]string

	NetworkErr  error
	ListErr     error
	PruneErr    error
	CreateErrs  map[string]error
	StopErrs    map[string]error
	RemoveErrs  map[string]error
	VolumeErrs  map[string]error
	NetworkErrs map[string]error
	ExitOnStart map[string]bool
	ExecErrs    map[string][]error
}

var _ manager.Manager = (*FakeManager)(nil)

// NewFakeManager returns an empty fake.
func NewFakeManager() *FakeManager {
	return &FakeManager{
		Stub:        &testing.Stub{},
		Containers:  make(map[string]*manager.Container),
		Specs:       make(map[string]manager.ContainerSpec),
		Volumes:     make(map[string]map[string]string),
		Networks:    make(map[string]map[string]string),
		CreateErrs:  make(map[string]error),
		StopErrs:    make(map[string]error),
		RemoveErrs:  make(map[string]error),
		VolumeErrs:  make(map[string]error),
		NetworkErrs: make(map[string]error),
		ExitOnStart: make(map[string]bool),
		ExecErrs:    make(map[string][]error),
	}
}

// SetState overwrites a container's lifecycle state.
func (f *FakeManager) SetState(name, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Containers[name].State = state
}

// Container returns a copy of the named container.
func (f *FakeManager) Container(name string) (manager.Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	if !ok {
		return manager.Container{}, false
	}
	return copyContainer(c), true
}

// Spec returns the spec the named container was created from.
func (f *FakeManager) Spec(name string) manager.ContainerSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Specs[name]
}

// Provision seeds the fake with a running container carrying the given
// labels, as if a previous run had created it.
func (f *FakeManager) Provision(name, image string, labels map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Containers[name] = &manager.Container{
		Name:   name,
		State:  "running",
		Image:  image,
		Labels: labels,
	}
}

func copyContainer(c *manager.Container) manager.Container {
	out := *c
	out.Labels = make(map[string]string, len(c.Labels))
	for k, v := range c.Labels {
		out.Labels[k] = v
	}
	return out
}

func (f *FakeManager) Ping(ctx context.Context) error {
	f.Stub.AddCall("Ping")
	return nil
}

func (f *FakeManager) PullImage(ctx context.Context, ref string) error {
	f.Stub.AddCall("PullImage", ref)
	return nil
}

func (f *FakeManager) EnsureNetwork(ctx context.Context, name string, labels map[string]string) error {
	f.Stub.AddCall("EnsureNetwork", name)
	if f.NetworkErr != nil {
		return f.NetworkErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Networks[name] = labels
	return nil
}

func (f *FakeManager) EnsureVolume(ctx context.Context, name string, labels map[string]string) error {
	f.Stub.AddCall("EnsureVolume", name)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Volumes[name] = labels
	return nil
}

func (f *FakeManager) LookupContainer(ctx context.Context, name string) (manager.Container, error) {
	f.Stub.AddCall("LookupContainer", name)
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	if !ok {
		return manager.Container{}, errors.NotFoundf("container %q", name)
	}
	return copyContainer(c), nil
}

func (f *FakeManager) CreateContainer(ctx context.Context, spec manager.ContainerSpec) error {
	f.Stub.AddCall("CreateContainer", spec.Name)
	if err := f.CreateErrs[spec.Name]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}
	f.Containers[spec.Name] = &manager.Container{
		Name:   spec.Name,
		State:  "created",
		Image:  spec.Image,
		Labels: labels,
	}
	f.Specs[spec.Name] = spec
	return nil
}

func (f *FakeManager) StartContainer(ctx context.Context, name string) error {
	f.Stub.AddCall("StartContainer", name)
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	if !ok {
		return errors.NotFoundf("container %q", name)
	}
	if f.ExitOnStart[name] {
		c.State = "exited"
	} else {
		c.State = "running"
	}
	return nil
}

func (f *FakeManager) StopContainer(ctx context.Context, name string) error {
	f.Stub.AddCall("StopContainer", name)
	if err := f.StopErrs[name]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	if !ok {
		return errors.NotFoundf("container %q", name)
	}
	c.State = "exited"
	return nil
}

func (f *FakeManager) RemoveContainer(ctx context.Context, name string) error {
	f.Stub.AddCall("RemoveContainer", name)
	if err := f.RemoveErrs[name]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Containers[name]; !ok {
		return errors.NotFoundf("container %q", name)
	}
	delete(f.Containers, name)
	delete(f.Specs, name)
	return nil
}

func (f *FakeManager) ListContainers(ctx context.Context, labels map[string]string) ([]manager.Container, error) {
	f.Stub.AddCall("ListContainers", labels)
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []manager.Container
	for _, c := range f.Containers {
		if labelsMatch(c.Labels, labels) {
			out = append(out, copyContainer(c))
		}
	}
	return out, nil
}

func (f *FakeManager) ListVolumes(ctx context.Context, labels map[string]string) ([]string, error) {
	f.Stub.AddCall("ListVolumes", labels)
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name, has := range f.Volumes {
		if labelsMatch(has, labels) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (f *FakeManager) ListNetworks(ctx context.Context, labels map[string]string) ([]string, error) {
	f.Stub.AddCall("ListNetworks", labels)
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name, has := range f.Networks {
		if labelsMatch(has, labels) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (f *FakeManager) RemoveVolume(ctx context.Context, name string) error {
	f.Stub.AddCall("RemoveVolume", name)
	if err := f.VolumeErrs[name]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Volumes[name]; !ok {
		return errors.NotFoundf("volume %q", name)
	}
	delete(f.Volumes, name)
	return nil
}

func (f *FakeManager) RemoveNetwork(ctx context.Context, name string) error {
	f.Stub.AddCall("RemoveNetwork", name)
	if err := f.NetworkErrs[name]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Networks[name]; !ok {
		return errors.NotFoundf("network %q", name)
	}
	delete(f.Networks, name)
	return nil
}

func (f *FakeManager) Exec(ctx context.Context, container string, argv []string) (string, error) {
	f.Stub.AddCall("Exec", container, argv)
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[container]
	if !ok {
		return "", errors.NotFoundf("container %q", container)
	}
	if c.State != "running" {
		return "", errors.Errorf("container %q is not running", container)
	}
	queue := f.ExecErrs[container]
	if len(queue) == 0 {
		return "", nil
	}
	next := queue[0]
	f.ExecErrs[container] = queue[1:]
	return "", next
}

func (f *FakeManager) PruneSystem(ctx context.Context) error {
	f.Stub.AddCall("PruneSystem")
	return f.PruneErr
}

func labelsMatch(has, want map[string]string) bool {
	for k, v := range want {
		if has[k] != v {
			return false
		}
	}
	return true
}
