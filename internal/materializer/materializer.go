// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package materializer renders a stack description into the concrete
// artifacts the service manager and the operator consume: the topology
// file, the environment file and every per-service configuration file.
// Rendering is deterministic, so re-materializing an unchanged
// description is byte-identical and side-effect free. All artifacts are
// rendered in memory before anything touches disk; a description that
// cannot be rendered writes nothing.
package materializer

import (
	"os"
	"path"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"

	"github.com/juju/gantry/internal/stack"
)

var logger = loggo.GetLogger("gantry.materializer")

// Artifact names within the project directory.
const (
	// ComposeFileName is the topology file.
	ComposeFileName = "compose.yaml"

	// EnvFileName is the environment file the topology references.
	EnvFileName = ".env"

	// ConfigDirName holds the per-service configuration trees.
	ConfigDirName = "config"
)

// Artifact is one rendered file, with its path relative to the project
// directory.
type Artifact struct {
	Path string
	Mode os.FileMode
	Data []byte
}

// ConfigPath returns the path of a service's rendered configuration file
// within the project directory dir.
func ConfigPath(dir, service, name string) string {
	return filepath.Join(dir, ConfigDirName, service, name)
}

func configRelPath(service, name string) string {
	return path.Join(ConfigDirName, service, name)
}

// Render produces every artifact for a description, in a fixed order:
// the topology file, the environment file, then each service's
// configuration files by service name. It writes nothing.
func Render(desc *stack.StackDescription) ([]Artifact, error) {
	compose, err := renderCompose(desc)
	if err != nil {
		return nil, errors.Annotate(err, "rendering topology")
	}
	artifacts := []Artifact{{
		Path: ComposeFileName,
		Mode: 0644,
		Data: compose,
	}}

	// The environment file carries credentials; keep it tight.
	env, err := godotenv.Marshal(desc.Environment)
	if err != nil {
		return nil, errors.Annotate(err, "rendering environment file")
	}
	artifacts = append(artifacts, Artifact{
		Path: EnvFileName,
		Mode: 0600,
		Data: []byte(env + "\n"),
	})

	for _, name := range desc.ServiceNames() {
		for _, f := range desc.Services[name].Files {
			mode := f.Mode
			if mode == 0 {
				mode = 0644
			}
			artifacts = append(artifacts, Artifact{
				Path: configRelPath(name, f.Name),
				Mode: mode,
				Data: []byte(f.Content),
			})
		}
	}
	return artifacts, nil
}

// Materialize renders the description and writes every artifact under
// dir, creating directories as needed. Files are written atomically;
// identical re-runs rewrite identical bytes. The returned artifacts
// carry dir-relative paths.
func Materialize(desc *stack.StackDescription, dir string) ([]Artifact, error) {
	artifacts, err := Render(desc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Annotatef(err, "creating project directory %q", dir)
	}
	for _, a := range artifacts {
		target := filepath.Join(dir, a.Path)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return nil, errors.Annotatef(err, "creating directory for %q", a.Path)
		}
		if err := utils.AtomicWriteFile(target, a.Data, a.Mode); err != nil {
			return nil, errors.Annotatef(err, "writing %q", a.Path)
		}
	}
	logger.Debugf("materialized %d artifacts under %s", len(artifacts), dir)
	return artifacts, nil
}
