// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provision

import (
	"github.com/juju/errors"
)

// RunState names a phase or terminal outcome of a provisioning run.
type RunState string

const (
	// NotStarted is the initial state of every run.
	NotStarted RunState = "not-started"

	// Installing covers prerequisite installation and daemon checks.
	Installing RunState = "installing"

	// Materializing covers writing the stack's artifacts to disk.
	Materializing RunState = "materializing"

	// Pulling covers fetching images, with retries and fallbacks.
	Pulling RunState = "pulling"

	// Starting covers container convergence and health polling.
	Starting RunState = "starting"

	// PostConfiguring covers the one-time in-container setup steps.
	PostConfiguring RunState = "post-configuring"

	// Succeeded is the terminal state of a fully clean run.
	Succeeded RunState = "succeeded"

	// SucceededDegraded is the terminal state of a run whose stack is up
	// but needs manual attention: an unhealthy service, an unfinished
	// post-start step, or an interrupted start phase.
	SucceededDegraded RunState = "succeeded-degraded"

	// Failed is the terminal state of an aborted run. Only the phases
	// before Starting can fail a run; later trouble degrades it instead.
	Failed RunState = "failed"
)

// ErrIllegalTransition is returned for state transitions the run's
// lifecycle does not allow.
const ErrIllegalTransition = errors.ConstError("illegal run state transition")

var transitions = map[RunState][]RunState{
	NotStarted:      {Installing},
	Installing:      {Materializing, Failed},
	Materializing:   {Pulling, Failed},
	Pulling:         {Starting, Failed},
	Starting:        {PostConfiguring, SucceededDegraded},
	PostConfiguring: {Succeeded, SucceededDegraded},
}

// Terminal reports whether the state ends a run.
func (s RunState) Terminal() bool {
	switch s {
	case Succeeded, SucceededDegraded, Failed:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s RunState) CanTransitionTo(next RunState) bool {
	for _, allowed := range transitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Run tracks the state of a single provisioning run.
type Run struct {
	state RunState
}

// NewRun returns a run in NotStarted.
func NewRun() *Run {
	return &Run{state: NotStarted}
}

// State returns the run's current state.
func (r *Run) State() RunState {
	return r.state
}

// TransitionTo moves the run to next, or returns ErrIllegalTransition.
func (r *Run) TransitionTo(next RunState) error {
	if !r.state.CanTransitionTo(next) {
		return errors.Annotatef(ErrIllegalTransition, "%s -> %s", r.state, next)
	}
	r.state = next
	return nil
}
