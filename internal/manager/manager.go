// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package manager abstracts the external service manager that actually
// runs, networks and persists the stack's workloads. The provisioning
// phases depend only on this capability set, never on a specific
// manager's wire protocol; the one implementation here drives the Docker
// CLI. Lookups and removals signal a missing target with a NotFound
// error so callers can treat "already gone" as success.
package manager

import (
	"context"
)

// Container is the manager's view of a managed container.
type Container struct {
	// Name is the container name.
	Name string

	// State is the manager's lifecycle state: created, running, exited
	// and friends.
	State string

	// Image is the reference the container was created from.
	Image string

	// Labels are the labels the container was created with.
	Labels map[string]string
}

// Running reports whether the container is currently running.
func (c Container) Running() bool {
	return c.State == "running"
}

// ContainerSpec is everything needed to create a container.
type ContainerSpec struct {
	// Name is the container name. Create fails if it is taken.
	Name string

	// Image is the reference to create from.
	Image string

	// Network attaches the container to a named network.
	Network string

	// Alias is an additional DNS name on the attached network, letting
	// sibling services address the container by service name.
	Alias string

	// Env is the container environment, fully resolved.
	Env map[string]string

	// Binds are volume attachments in source:target[:ro] form. Named
	// volume and absolute path sources only.
	Binds []string

	// Ports are host:container publish specifications.
	Ports []string

	// Labels mark the container as managed and carry its configuration
	// fingerprint.
	Labels map[string]string

	// RestartPolicy is the manager's restart policy for the container.
	RestartPolicy string
}

// Manager is the full capability set the provisioning phases consume.
// Each phase depends on its own narrow subset; this union is what the
// command layer wires up.
type Manager interface {
	// Ping verifies the manager daemon is reachable.
	Ping(ctx context.Context) error

	// PullImage fetches an image reference.
	PullImage(ctx context.Context, ref string) error

	// EnsureNetwork creates a network if it does not already exist.
	EnsureNetwork(ctx context.Context, name string, labels map[string]string) error

	// EnsureVolume creates a named volume if it does not already exist.
	EnsureVolume(ctx context.Context, name string, labels map[string]string) error

	// LookupContainer returns the named container or a NotFound error.
	LookupContainer(ctx context.Context, name string) (Container, error)

	// CreateContainer creates a container; it does not start it.
	CreateContainer(ctx context.Context, spec ContainerSpec) error

	// StartContainer starts a created or stopped container.
	StartContainer(ctx context.Context, name string) error

	// StopContainer stops a running container. Stopping a missing
	// container returns a NotFound error.
	StopContainer(ctx context.Context, name string) error

	// RemoveContainer force-removes a container, running or not.
	// Removing a missing container returns a NotFound error.
	RemoveContainer(ctx context.Context, name string) error

	// ListContainers returns all containers carrying every given label,
	// running or not.
	ListContainers(ctx context.Context, labels map[string]string) ([]Container, error)

	// ListVolumes returns the names of volumes carrying every given label.
	ListVolumes(ctx context.Context, labels map[string]string) ([]string, error)

	// ListNetworks returns the names of networks carrying every given label.
	ListNetworks(ctx context.Context, labels map[string]string) ([]string, error)

	// RemoveVolume removes a named volume or returns NotFound.
	RemoveVolume(ctx context.Context, name string) error

	// RemoveNetwork removes a network or returns NotFound.
	RemoveNetwork(ctx context.Context, name string) error

	// Exec runs an argv inside a running container and returns its
	// combined output.
	Exec(ctx context.Context, container string, argv []string) (string, error)

	// PruneSystem reclaims unreferenced manager resources.
	PruneSystem(ctx context.Context) error
}
