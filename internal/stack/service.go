// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stack

import (
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// HealthState describes where a service sits in its health lifecycle.
// Unknown means no probe has run yet; Starting means probing is under way
// but the service has not yet passed; Healthy and Unhealthy are terminal
// for a single provisioning run.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthStarting  HealthState = "starting"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// ServiceSpec declares a single service of the stack. Everything here is
// immutable for the duration of a run except Image, which the pull phase
// may rewrite to a fallback reference, and Health, which the start
// phase's pollers update.
type ServiceSpec struct {
	// Name is the service's name, matching its key in the
	// StackDescription. Filled from the key when read from a file.
	Name string `yaml:"-"`

	// Image is the reference the service runs from.
	Image string `yaml:"image"`

	// Fallbacks are alternate references tried, in order, when Image
	// cannot be pulled within its retry budget.
	Fallbacks []string `yaml:"fallbacks,omitempty"`

	// DependsOn lists services that must have been started before this
	// one starts. Started, not healthy: the start ordering is
	// deliberately weak and the health polling that follows the start
	// phase provides the stronger guarantee.
	DependsOn []string `yaml:"depends_on,omitempty"`

	// Env is the service's environment. Values may reference stack-level
	// variables as ${NAME}.
	Env map[string]string `yaml:"env,omitempty"`

	// Ports are host:container publish specifications.
	Ports []string `yaml:"ports,omitempty"`

	// Volumes are the service's mounts, in declaration order.
	Volumes []Mount `yaml:"volumes,omitempty"`

	// Files are configuration artifacts rendered next to the topology
	// file and, when they carry a Target, bind-mounted into the service.
	Files []ConfigFile `yaml:"files,omitempty"`

	// Check describes how to probe the service for health. Nil means no
	// probe: the service counts as healthy once it is running.
	Check *HealthCheck `yaml:"check,omitempty"`

	// PostStart lists configuration steps run inside the service once
	// the stack is up, such as seeding a database or setting a broker
	// credential. Their failure degrades the run instead of failing it.
	PostStart []PostStartStep `yaml:"post_start,omitempty"`

	// Health is the service's observed health state. Updated only by the
	// start phase's poller for this service.
	Health HealthState `yaml:"-"`
}

// Validate checks the spec in isolation; cross-service checks such as
// dependency resolution live on StackDescription.
func (s *ServiceSpec) Validate() error {
	if !IsValidName(s.Name) {
		return errors.NotValidf("service name %q", s.Name)
	}
	if err := validateImageRef(s.Image); err != nil {
		return errors.Trace(err)
	}
	for _, ref := range s.Fallbacks {
		if err := validateImageRef(ref); err != nil {
			return errors.Annotate(err, "fallback")
		}
	}
	if err := validateEnv(s.Env); err != nil {
		return errors.Trace(err)
	}
	targets := set.NewStrings()
	for _, m := range s.Volumes {
		if err := m.Validate(); err != nil {
			return errors.Trace(err)
		}
		if targets.Contains(m.Target) {
			return errors.NotValidf("duplicate mount target %q", m.Target)
		}
		targets.Add(m.Target)
	}
	names := set.NewStrings()
	for _, f := range s.Files {
		if err := f.Validate(); err != nil {
			return errors.Trace(err)
		}
		if names.Contains(f.Name) {
			return errors.NotValidf("duplicate config file %q", f.Name)
		}
		names.Add(f.Name)
		if f.Target != "" {
			if targets.Contains(f.Target) {
				return errors.NotValidf("config file %q mounted over mount target %q", f.Name, f.Target)
			}
			targets.Add(f.Target)
		}
	}
	for _, p := range s.Ports {
		if err := validatePort(p); err != nil {
			return errors.Trace(err)
		}
	}
	if s.Check != nil {
		if err := s.Check.Validate(); err != nil {
			return errors.Annotate(err, "health check")
		}
	}
	stepNames := set.NewStrings()
	for _, step := range s.PostStart {
		if err := step.Validate(); err != nil {
			return errors.Trace(err)
		}
		if stepNames.Contains(step.Name) {
			return errors.NotValidf("duplicate post-start step %q", step.Name)
		}
		stepNames.Add(step.Name)
	}
	return nil
}

// Candidates returns the image references to attempt for this service,
// primary first, in pull order.
func (s *ServiceSpec) Candidates() []string {
	return append([]string{s.Image}, s.Fallbacks...)
}

// HealthCheck describes a probe executed inside a running service. The
// zero value is not valid; a service without a probe carries a nil Check.
type HealthCheck struct {
	// Command is the probe argv, executed inside the service's
	// container. Exit 0 means healthy.
	Command []string `yaml:"command,flow"`

	// Interval separates consecutive probes.
	Interval Duration `yaml:"interval"`

	// Timeout bounds a single probe's execution.
	Timeout Duration `yaml:"timeout"`

	// Retries is how many probes may run before the service is declared
	// unhealthy.
	Retries int `yaml:"retries"`

	// StartPeriod is grace time before the first probe.
	StartPeriod Duration `yaml:"start_period,omitempty"`
}

// Validate checks that the probe is runnable and its budgets positive.
func (c *HealthCheck) Validate() error {
	if len(c.Command) == 0 {
		return errors.NotValidf("probe without a command")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("interval %v", time.Duration(c.Interval))
	}
	if c.Timeout <= 0 {
		return errors.NotValidf("timeout %v", time.Duration(c.Timeout))
	}
	if c.Retries <= 0 {
		return errors.NotValidf("retries %d", c.Retries)
	}
	if c.StartPeriod < 0 {
		return errors.NotValidf("start period %v", time.Duration(c.StartPeriod))
	}
	return nil
}

// PostStartStep is a one-time configuration action run inside a running
// service after the whole stack has been started.
type PostStartStep struct {
	// Name identifies the step in reports.
	Name string `yaml:"name"`

	// Command is the argv executed inside the service's container.
	Command []string `yaml:"command,flow"`

	// Attempts bounds how often the step is tried.
	Attempts int `yaml:"attempts"`

	// Delay separates attempts. The delay is fixed; post-start steps
	// wait out service initialization rather than back off from load.
	Delay Duration `yaml:"delay"`

	// Remediation is the literal command an operator should run by hand
	// if every attempt fails. When empty, one is derived from Command.
	Remediation string `yaml:"remediation,omitempty"`
}

// Validate checks the step is runnable within a sane budget.
func (p *PostStartStep) Validate() error {
	if p.Name == "" {
		return errors.NotValidf("post-start step without a name")
	}
	if len(p.Command) == 0 {
		return errors.NotValidf("post-start step %q without a command", p.Name)
	}
	if p.Attempts <= 0 {
		return errors.NotValidf("post-start step %q attempts %d", p.Name, p.Attempts)
	}
	if p.Delay < 0 {
		return errors.NotValidf("post-start step %q delay %v", p.Name, time.Duration(p.Delay))
	}
	return nil
}

// Mount attaches a named volume or a host path to a container path. In
// YAML it reads and writes the familiar "source:target[:ro]" form.
type Mount struct {
	// Source is a named volume, or a host path when it begins with / or ./
	Source string

	// Target is the absolute container path.
	Target string

	// ReadOnly mounts the target read-only.
	ReadOnly bool
}

// IsNamedVolume reports whether the mount source is a managed named
// volume rather than a host path.
func (m Mount) IsNamedVolume() bool {
	return !strings.HasPrefix(m.Source, "/") && !strings.HasPrefix(m.Source, "./")
}

// Validate checks the mount addresses a sane target.
func (m Mount) Validate() error {
	if m.Source == "" {
		return errors.NotValidf("mount with empty source")
	}
	if m.IsNamedVolume() && !IsValidName(m.Source) {
		return errors.NotValidf("volume name %q", m.Source)
	}
	if !path.IsAbs(m.Target) {
		return errors.NotValidf("mount target %q", m.Target)
	}
	return nil
}

// String renders the compose-style source:target[:ro] form.
func (m Mount) String() string {
	s := m.Source + ":" + m.Target
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// ParseMount parses the compose-style source:target[:ro] form.
func ParseMount(s string) (Mount, error) {
	parts := strings.Split(s, ":")
	var m Mount
	switch len(parts) {
	case 2:
		m = Mount{Source: parts[0], Target: parts[1]}
	case 3:
		if parts[2] != "ro" {
			return Mount{}, errors.NotValidf("mount mode %q in %q", parts[2], s)
		}
		m = Mount{Source: parts[0], Target: parts[1], ReadOnly: true}
	default:
		return Mount{}, errors.NotValidf("mount %q", s)
	}
	return m, m.Validate()
}

// MarshalYAML implements yaml.Marshaler.
func (m Mount) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *Mount) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return errors.Trace(err)
	}
	parsed, err := ParseMount(s)
	if err != nil {
		return errors.Trace(err)
	}
	*m = parsed
	return nil
}

// ConfigFile is a configuration artifact materialized into the project
// directory under config/<service>/<name>. A non-empty Target additionally
// bind-mounts the rendered file into the container, read-only.
type ConfigFile struct {
	// Name is the file name within the service's config directory. Plain
	// names only; no separators.
	Name string `yaml:"name"`

	// Content is the file's full content.
	Content string `yaml:"content"`

	// Mode is the file mode to create with; zero means 0644.
	Mode os.FileMode `yaml:"mode,omitempty"`

	// Target optionally mounts the rendered file at this container path.
	Target string `yaml:"target,omitempty"`
}

// Validate checks the file lands inside the service's config directory.
func (f ConfigFile) Validate() error {
	if f.Name == "" {
		return errors.NotValidf("config file without a name")
	}
	if strings.ContainsAny(f.Name, `/\`) || f.Name == "." || f.Name == ".." {
		return errors.NotValidf("config file name %q", f.Name)
	}
	if f.Target != "" && !path.IsAbs(f.Target) {
		return errors.NotValidf("config file %q target %q", f.Name, f.Target)
	}
	return nil
}

func validatePort(spec string) error {
	parts := strings.Split(spec, ":")
	if len(parts) != 2 {
		return errors.NotValidf("port %q", spec)
	}
	for _, p := range parts {
		p = strings.TrimSuffix(p, "/udp")
		p = strings.TrimSuffix(p, "/tcp")
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.NotValidf("port %q", spec)
		}
	}
	return nil
}

// Duration is a time.Duration that reads and writes the human form
// ("5s", "1m30s") in YAML documents.
type Duration time.Duration

// String returns the human form.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return errors.Trace(err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.NotValidf("duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}
