// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stack

import (
	"sort"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// ErrCycle reports that the dependency relation is not a DAG. The
// annotation names one witness cycle.
const ErrCycle = errors.ConstError("dependency cycle")

// StartWaves partitions the services into start waves: every service's
// dependencies sit in strictly earlier waves, so all services of a wave
// may start concurrently once the previous wave has started. Within a
// wave the order is lexical, so the result is deterministic for a given
// description. A cyclic dependency relation returns ErrCycle annotated
// with one witness cycle path.
func (d *StackDescription) StartWaves() ([][]string, error) {
	remaining := make(map[string]set.Strings, len(d.Services))
	for name, svc := range d.Services {
		remaining[name] = set.NewStrings(svc.DependsOn...)
	}

	var waves [][]string
	for len(remaining) > 0 {
		var ready []string
		for name, deps := range remaining {
			if deps.IsEmpty() {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			return nil, errors.Annotatef(ErrCycle, "%s", strings.Join(d.findCycle(), " -> "))
		}
		sort.Strings(ready)
		for _, name := range ready {
			delete(remaining, name)
		}
		for _, deps := range remaining {
			for _, name := range ready {
				deps.Remove(name)
			}
		}
		waves = append(waves, ready)
	}
	return waves, nil
}

// StartOrder returns the start waves flattened into a single sequence:
// every service appears strictly after all of its dependencies.
func (d *StackDescription) StartOrder() ([]string, error) {
	waves, err := d.StartWaves()
	if err != nil {
		return nil, errors.Trace(err)
	}
	order := make([]string, 0, len(d.Services))
	for _, wave := range waves {
		order = append(order, wave...)
	}
	return order, nil
}

// findCycle walks the dependency relation depth-first over lexically
// ordered names and reconstructs a single cycle path as its witness. It
// is only called once StartOrder has proven a cycle exists.
func (d *StackDescription) findCycle() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(d.Services))
	parent := make(map[string]string, len(d.Services))

	var cycle []string
	var walk func(name string) bool
	walk = func(name string) bool {
		state[name] = visiting
		deps := append([]string(nil), d.Services[name].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch state[dep] {
			case unvisited:
				parent[dep] = name
				if walk(dep) {
					return true
				}
			case visiting:
				// Back edge name -> dep closes the cycle. Walk the
				// parent chain back to dep to reconstruct it.
				cycle = []string{dep}
				for cur := name; cur != dep; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, dep)
				return true
			}
		}
		state[name] = done
		return false
	}

	for _, name := range d.ServiceNames() {
		if state[name] == unvisited && walk(name) {
			break
		}
	}

	// The parent walk built the path in reverse; flip it so the witness
	// reads in dependency direction.
	for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
		cycle[i], cycle[j] = cycle[j], cycle[i]
	}
	return cycle
}
