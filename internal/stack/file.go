// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stack

import (
	"os"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// ReadFile loads and validates a stack description from a YAML document
// on disk.
func ReadFile(path string) (*StackDescription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading stack description")
	}
	desc, err := Parse(data)
	if err != nil {
		return nil, errors.Annotatef(err, "stack description %q", path)
	}
	return desc, nil
}

// Parse decodes and validates a stack description document. Service
// names are taken from the map keys.
func Parse(data []byte) (*StackDescription, error) {
	var desc StackDescription
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, errors.Annotate(err, "cannot unmarshal stack description")
	}
	for name, svc := range desc.Services {
		if svc != nil && svc.Name == "" {
			svc.Name = name
		}
	}
	if err := desc.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &desc, nil
}
