// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package materializer

import (
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/juju/gantry/internal/stack"
)

// The compose document mirrors what the service manager ecosystem
// consumes. Map keys are emitted sorted and struct fields in declaration
// order, so rendering is deterministic for a given description.

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Networks map[string]composeNetwork `yaml:"networks,omitempty"`
	Volumes  map[string]composeVolume  `yaml:"volumes,omitempty"`
}

type composeService struct {
	Image         string            `yaml:"image"`
	ContainerName string            `yaml:"container_name"`
	Restart       string            `yaml:"restart,omitempty"`
	DependsOn     []string          `yaml:"depends_on,omitempty"`
	Environment   map[string]string `yaml:"environment,omitempty"`
	Ports         []string          `yaml:"ports,omitempty"`
	Volumes       []string          `yaml:"volumes,omitempty"`
	Networks      []string          `yaml:"networks,omitempty"`
	Healthcheck   *composeHealth    `yaml:"healthcheck,omitempty"`
	Labels        map[string]string `yaml:"labels,omitempty"`
}

type composeHealth struct {
	Test        []string `yaml:"test,flow"`
	Interval    string   `yaml:"interval,omitempty"`
	Timeout     string   `yaml:"timeout,omitempty"`
	Retries     int      `yaml:"retries,omitempty"`
	StartPeriod string   `yaml:"start_period,omitempty"`
}

type composeNetwork struct {
	Name string `yaml:"name"`
}

type composeVolume struct {
	Name string `yaml:"name"`
}

const composeHeader = "# Managed by gantry. Manual edits are overwritten on provision.\n"

// renderCompose builds the topology document for a description.
func renderCompose(desc *stack.StackDescription) ([]byte, error) {
	doc := composeFile{
		Services: make(map[string]composeService, len(desc.Services)),
		Networks: map[string]composeNetwork{
			desc.Network(): {Name: desc.Network()},
		},
	}

	volumes := desc.VolumeNames()
	if len(volumes) > 0 {
		doc.Volumes = make(map[string]composeVolume, len(volumes))
		for _, name := range volumes {
			doc.Volumes[name] = composeVolume{Name: name}
		}
	}

	for name, svc := range desc.Services {
		entry := composeService{
			Image:         svc.Image,
			ContainerName: desc.ContainerName(name),
			Restart:       "unless-stopped",
			Environment:   svc.Env,
			Ports:         svc.Ports,
			Networks:      []string{desc.Network()},
			Labels: map[string]string{
				stack.LabelProject: desc.Project,
				stack.LabelService: name,
			},
		}
		if len(svc.DependsOn) > 0 {
			entry.DependsOn = append([]string(nil), svc.DependsOn...)
			sort.Strings(entry.DependsOn)
		}
		for _, m := range svc.Volumes {
			entry.Volumes = append(entry.Volumes, m.String())
		}
		for _, f := range svc.Files {
			if f.Target == "" {
				continue
			}
			entry.Volumes = append(entry.Volumes, stack.Mount{
				Source:   "./" + configRelPath(name, f.Name),
				Target:   f.Target,
				ReadOnly: true,
			}.String())
		}
		if svc.Check != nil {
			entry.Healthcheck = &composeHealth{
				Test:     append([]string{"CMD"}, svc.Check.Command...),
				Interval: time.Duration(svc.Check.Interval).String(),
				Timeout:  time.Duration(svc.Check.Timeout).String(),
				Retries:  svc.Check.Retries,
			}
			if svc.Check.StartPeriod > 0 {
				entry.Healthcheck.StartPeriod = time.Duration(svc.Check.StartPeriod).String()
			}
		}
		doc.Services[name] = entry
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return append([]byte(composeHeader), data...), nil
}
