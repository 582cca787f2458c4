// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package manager

import (
	"context"
	"encoding/json"
	"os/exec"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("gantry.manager")

// CommandRunner executes the manager binary once with the given
// arguments and returns its combined output.
type CommandRunner func(ctx context.Context, path string, args ...string) (string, error)

// Run is the default CommandRunner.
func Run(ctx context.Context, path string, args ...string) (string, error) {
	logger.Tracef("running %s %s", path, strings.Join(args, " "))
	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	return string(out), err
}

// Client drives the Docker CLI. It deliberately shells out rather than
// speaking the daemon API: the CLI is the interface the surrounding
// tooling and operators use, and the one the install phase guarantees.
type Client struct {
	path string
	run  CommandRunner
}

// NewClient returns a Client executing the given binary name or path.
func NewClient(path string) *Client {
	return &Client{path: path, run: Run}
}

// command runs a docker subcommand, mapping a missing target to a
// NotFound error and annotating any other failure with the command and
// the first line of its output.
func (c *Client) command(ctx context.Context, args ...string) (string, error) {
	out, err := c.run(ctx, c.path, args...)
	if err == nil {
		return out, nil
	}
	if isNotFoundOutput(out) {
		return out, errors.NewNotFound(err, strings.TrimSpace(firstLine(out)))
	}
	return out, errors.Annotatef(err, "%s %s: %s", c.path, strings.Join(args, " "), strings.TrimSpace(firstLine(out)))
}

// isNotFoundOutput recognizes the CLI's ways of saying a target does not
// exist, across client versions.
func isNotFoundOutput(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, "no such") || strings.Contains(lower, "not found")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Ping implements Manager.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.command(ctx, "info", "--format", "{{.ServerVersion}}")
	return errors.Annotate(err, "pinging daemon")
}

// PullImage implements Manager.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	_, err := c.command(ctx, "pull", ref)
	return errors.Trace(err)
}

// EnsureNetwork implements Manager.
func (c *Client) EnsureNetwork(ctx context.Context, name string, labels map[string]string) error {
	_, err := c.command(ctx, "network", "inspect", "--format", "{{.Name}}", name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errors.NotFound) {
		return errors.Trace(err)
	}
	args := append([]string{"network", "create"}, labelArgs(labels)...)
	_, err = c.command(ctx, append(args, name)...)
	return errors.Trace(err)
}

// EnsureVolume implements Manager.
func (c *Client) EnsureVolume(ctx context.Context, name string, labels map[string]string) error {
	_, err := c.command(ctx, "volume", "inspect", "--format", "{{.Name}}", name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errors.NotFound) {
		return errors.Trace(err)
	}
	args := append([]string{"volume", "create"}, labelArgs(labels)...)
	_, err = c.command(ctx, append(args, name)...)
	return errors.Trace(err)
}

// containerInspect is the slice of the CLI's inspect document we need.
type containerInspect struct {
	State struct {
		Status string `json:"Status"`
	} `json:"State"`
	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

// LookupContainer implements Manager.
func (c *Client) LookupContainer(ctx context.Context, name string) (Container, error) {
	out, err := c.command(ctx, "container", "inspect", name)
	if err != nil {
		return Container{}, errors.Trace(err)
	}
	var inspected []containerInspect
	if err := json.Unmarshal([]byte(out), &inspected); err != nil {
		return Container{}, errors.Annotatef(err, "decoding inspect output for %q", name)
	}
	if len(inspected) == 0 {
		return Container{}, errors.NotFoundf("container %q", name)
	}
	ci := inspected[0]
	return Container{
		Name:   name,
		State:  ci.State.Status,
		Image:  ci.Config.Image,
		Labels: ci.Config.Labels,
	}, nil
}

// CreateContainer implements Manager.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) error {
	args := []string{"container", "create", "--name", spec.Name}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	if spec.Alias != "" {
		args = append(args, "--network-alias", spec.Alias)
	}
	if spec.RestartPolicy != "" {
		args = append(args, "--restart", spec.RestartPolicy)
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "--env", k+"="+spec.Env[k])
	}
	for _, bind := range spec.Binds {
		args = append(args, "--volume", bind)
	}
	for _, port := range spec.Ports {
		args = append(args, "--publish", port)
	}
	args = append(args, labelArgs(spec.Labels)...)
	args = append(args, spec.Image)
	_, err := c.command(ctx, args...)
	return errors.Annotatef(err, "creating container %q", spec.Name)
}

// StartContainer implements Manager.
func (c *Client) StartContainer(ctx context.Context, name string) error {
	_, err := c.command(ctx, "container", "start", name)
	return errors.Trace(err)
}

// StopContainer implements Manager.
func (c *Client) StopContainer(ctx context.Context, name string) error {
	_, err := c.command(ctx, "container", "stop", name)
	return errors.Trace(err)
}

// RemoveContainer implements Manager.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	_, err := c.command(ctx, "container", "rm", "--force", name)
	return errors.Trace(err)
}

// ListContainers implements Manager.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]Container, error) {
	args := append([]string{"container", "ls", "--all"}, filterArgs(labels)...)
	args = append(args, "--format", "{{.Names}}")
	out, err := c.command(ctx, args...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var containers []Container
	for _, name := range splitLines(out) {
		container, err := c.LookupContainer(ctx, name)
		if err != nil {
			if errors.Is(err, errors.NotFound) {
				// Removed between listing and inspection.
				continue
			}
			return nil, errors.Trace(err)
		}
		containers = append(containers, container)
	}
	return containers, nil
}

// ListVolumes implements Manager.
func (c *Client) ListVolumes(ctx context.Context, labels map[string]string) ([]string, error) {
	args := append([]string{"volume", "ls"}, filterArgs(labels)...)
	args = append(args, "--format", "{{.Name}}")
	out, err := c.command(ctx, args...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return splitLines(out), nil
}

// ListNetworks implements Manager.
func (c *Client) ListNetworks(ctx context.Context, labels map[string]string) ([]string, error) {
	args := append([]string{"network", "ls"}, filterArgs(labels)...)
	args = append(args, "--format", "{{.Name}}")
	out, err := c.command(ctx, args...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return splitLines(out), nil
}

// RemoveVolume implements Manager.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	_, err := c.command(ctx, "volume", "rm", name)
	return errors.Trace(err)
}

// RemoveNetwork implements Manager.
func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	_, err := c.command(ctx, "network", "rm", name)
	return errors.Trace(err)
}

// Exec implements Manager.
func (c *Client) Exec(ctx context.Context, container string, argv []string) (string, error) {
	args := append([]string{"exec", container}, argv...)
	out, err := c.command(ctx, args...)
	if err != nil {
		return out, errors.Trace(err)
	}
	return out, nil
}

// PruneSystem implements Manager.
func (c *Client) PruneSystem(ctx context.Context) error {
	_, err := c.command(ctx, "system", "prune", "--force")
	return errors.Trace(err)
}

func labelArgs(labels map[string]string) []string {
	args := make([]string, 0, 2*len(labels))
	for _, k := range sortedKeys(labels) {
		args = append(args, "--label", k+"="+labels[k])
	}
	return args
}

func filterArgs(labels map[string]string) []string {
	args := make([]string, 0, 2*len(labels))
	for _, k := range sortedKeys(labels) {
		args = append(args, "--filter", "label="+k+"="+labels[k])
	}
	return args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
