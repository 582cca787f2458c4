// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package stack defines the declarative model of a managed service stack:
// which services run, the images they run from, how they depend on each
// other, and how their health is probed. A StackDescription is constructed
// once per provisioning run, validated, and then consumed read-only by the
// later phases; the only sanctioned mutations are the image substitution
// performed when a pull falls back to an alternate reference, and the
// per-service health state updated while polling.
package stack

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/docker/distribution/reference"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// Resource labels applied to everything the tool creates. Teardown
// discovers managed resources by label rather than from the topology
// file, so a drifted or half-provisioned system can still be cleaned.
const (
	// LabelProject carries the project name.
	LabelProject = "gantry.project"

	// LabelService carries the service name within the project.
	LabelService = "gantry.service"

	// LabelFingerprint carries a digest of the container configuration a
	// service was created with, used to detect drift on re-provisioning.
	LabelFingerprint = "gantry.fingerprint"
)

// nameRe constrains project and service names to something every
// collaborator (DNS, volume names, label values) will accept.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// IsValidName reports whether name is usable as a project or service name.
func IsValidName(name string) bool {
	return nameRe.MatchString(name)
}

// StackDescription is the desired state of a whole stack: a named project
// and the set of services it comprises. The service dependency relation
// must form a DAG; StartOrder derives a start sequence from it.
type StackDescription struct {
	// Project names the stack. All managed resource names and labels
	// derive from it.
	Project string `yaml:"project"`

	// Environment holds stack-level variables. Service environment values
	// may reference them as ${NAME}; they are also materialized into the
	// environment file alongside the topology.
	Environment map[string]string `yaml:"environment,omitempty"`

	// Services maps service name to its specification. Keys are
	// authoritative; each spec's Name is filled from its key when the
	// description is read from a file.
	Services map[string]*ServiceSpec `yaml:"services"`
}

// Network returns the name of the project's dedicated bridge network.
func (d *StackDescription) Network() string {
	return d.Project + "-net"
}

// ServiceNames returns the declared service names in lexical order.
func (d *StackDescription) ServiceNames() []string {
	names := make([]string, 0, len(d.Services))
	for name := range d.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VolumeNames returns the named volumes referenced by any service mount,
// in lexical order. Bind mounts (path sources) are excluded.
func (d *StackDescription) VolumeNames() []string {
	vols := set.NewStrings()
	for _, svc := range d.Services {
		for _, m := range svc.Volumes {
			if m.IsNamedVolume() {
				vols.Add(m.Source)
			}
		}
	}
	return vols.SortedValues()
}

// ContainerName returns the managed container name for a service.
func (d *StackDescription) ContainerName(service string) string {
	return d.Project + "-" + service
}

// ServiceEnv resolves a service's environment mapping, expanding ${NAME}
// references against the stack-level environment. Unknown references
// expand to the empty string, matching what the topology file consumer
// would do with an absent variable.
func (d *StackDescription) ServiceEnv(name string) map[string]string {
	svc, ok := d.Services[name]
	if !ok {
		return nil
	}
	resolved := make(map[string]string, len(svc.Env))
	for k, v := range svc.Env {
		resolved[k] = os.Expand(v, func(ref string) string {
			return d.Environment[ref]
		})
	}
	return resolved
}

// Validate checks the description as a whole: names, image references,
// mounts, probes and the dependency relation. It does not prove the
// dependency graph acyclic; StartOrder does that.
func (d *StackDescription) Validate() error {
	if d.Project == "" {
		return errors.NotValidf("empty project name")
	}
	if !IsValidName(d.Project) {
		return errors.NotValidf("project name %q", d.Project)
	}
	if len(d.Services) == 0 {
		return errors.NotValidf("stack with no services")
	}
	for _, name := range d.ServiceNames() {
		svc := d.Services[name]
		if svc == nil {
			return errors.NotValidf("service %q with no specification", name)
		}
		if svc.Name != name {
			return errors.NotValidf("service %q specification named %q", name, svc.Name)
		}
		if err := svc.Validate(); err != nil {
			return errors.Annotatef(err, "service %q", name)
		}
		seen := set.NewStrings()
		for _, dep := range svc.DependsOn {
			if dep == name {
				return errors.NotValidf("service %q depending on itself", name)
			}
			if _, ok := d.Services[dep]; !ok {
				return errors.NotValidf("service %q depending on undeclared service %q", name, dep)
			}
			if seen.Contains(dep) {
				return errors.NotValidf("service %q depending on %q twice", name, dep)
			}
			seen.Add(dep)
		}
	}
	return nil
}

// envKeyRe matches what we accept as an environment variable name.
var envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateEnv(env map[string]string) error {
	for k := range env {
		if !envKeyRe.MatchString(k) {
			return errors.NotValidf("environment variable name %q", k)
		}
	}
	return nil
}

func validateImageRef(ref string) error {
	if ref == "" {
		return errors.NotValidf("empty image reference")
	}
	if _, err := reference.ParseNormalizedNamed(ref); err != nil {
		return errors.NewNotValid(err, fmt.Sprintf("image reference %q", ref))
	}
	return nil
}
