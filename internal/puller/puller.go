// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package puller fetches the container images a stack description names
// before any container is created. Transient registry failures are
// retried with a doubling backoff, and every image can carry an ordered
// chain of fallback references that is walked once the primary's
// attempt budget is exhausted. A successful fallback rewrites the
// service's image in place so that later phases, and the artifacts
// rendered from the description, agree on what actually runs.
package puller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"github.com/juju/gantry/internal/stack"
)

var logger = loggo.GetLogger("gantry.puller")

// ErrPullExhausted is returned when every reference in a service's
// candidate chain has used up its attempt budget.
const ErrPullExhausted = errors.ConstError("image pull exhausted")

// ImagePuller is the single manager capability the pull phase needs.
type ImagePuller interface {
	PullImage(ctx context.Context, ref string) error
}

// Config holds the dependencies and budgets of a Puller.
type Config struct {
	// Manager fetches image references from their registries.
	Manager ImagePuller

	// Clock times the backoff waits between attempts.
	Clock clock.Clock

	// Attempts is the attempt budget each individual reference gets
	// before the chain advances to the next fallback.
	Attempts int

	// InitialDelay is the wait after the first failed attempt. Each
	// subsequent wait for the same reference doubles it.
	InitialDelay time.Duration
}

// Validate returns an error if the config cannot drive a Puller.
func (config Config) Validate() error {
	if config.Manager == nil {
		return errors.NotValidf("nil Manager")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Attempts < 1 {
		return errors.NotValidf("Attempts %d", config.Attempts)
	}
	if config.InitialDelay <= 0 {
		return errors.NotValidf("InitialDelay %s", config.InitialDelay)
	}
	return nil
}

// Puller fetches stack images with retry and fallback semantics.
type Puller struct {
	config Config
}

// NewPuller returns a Puller using the supplied config.
func NewPuller(config Config) (*Puller, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Puller{config: config}, nil
}

// Outcome describes how a pull attempt ended.
type Outcome string

const (
	// OutcomeRetrying marks an attempt whose failure was followed by a
	// backoff wait and a further attempt at the same reference.
	OutcomeRetrying Outcome = "retrying"

	// OutcomeSuccess marks the attempt that fetched its reference.
	OutcomeSuccess Outcome = "success"

	// OutcomeExhausted marks the final failed attempt at a reference.
	OutcomeExhausted Outcome = "exhausted"
)

// PullAttempt records a single attempt at a single image reference.
type PullAttempt struct {
	Reference string         `yaml:"reference"`
	Attempt   int            `yaml:"attempt"`
	Delay     stack.Duration `yaml:"delay,omitempty"`
	Outcome   Outcome        `yaml:"outcome"`
}

// ServiceReport describes the pull work done for one service.
type ServiceReport struct {
	// Service is the name of the service the images belong to.
	Service string `yaml:"service"`

	// Reference is the image reference that was finally fetched. It is
	// empty when the whole candidate chain was exhausted.
	Reference string `yaml:"reference,omitempty"`

	// Substituted is true when Reference is a fallback rather than the
	// image the description originally named.
	Substituted bool `yaml:"substituted,omitempty"`

	// Attempts lists every attempt made for the service, across all
	// candidate references, in the order they happened.
	Attempts []PullAttempt `yaml:"attempts"`
}

// Report describes the pull work done for a whole stack.
type Report struct {
	Services    []ServiceReport `yaml:"services"`
	Substituted bool            `yaml:"substituted,omitempty"`
}

// Service returns the report for the named service, or nil.
func (r *Report) Service(name string) *ServiceReport {
	for i := range r.Services {
		if r.Services[i].Service == name {
			return &r.Services[i]
		}
	}
	return nil
}

// Pull fetches an image for every service in the description, walking
// each service's candidate chain until a reference is fetched. When a
// fallback wins, the service spec's image is rewritten in place and the
// report marks the substitution so the caller knows to re-render the
// stack's artifacts. The returned error is fatal to the run: either a
// whole chain was exhausted or the context was cancelled mid-pull.
func (p *Puller) Pull(ctx context.Context, desc *stack.StackDescription) (*Report, error) {
	report := &Report{}
	for _, name := range desc.ServiceNames() {
		svc := desc.Services[name]
		sr := ServiceReport{Service: name}

		var fetched string
		var lastErr error
		var tried []string
		for _, ref := range svc.Candidates() {
			made, err := p.pullReference(ctx, ref)
			if err == nil {
				sr.Attempts = append(sr.Attempts, p.recordAttempts(ref, made, true)...)
				fetched = ref
				break
			}
			if !retry.IsAttemptsExceeded(err) {
				// Stopped rather than exhausted; report what completed
				// and surface the interruption.
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				report.Services = append(report.Services, sr)
				return report, errors.Annotatef(err, "pulling %q for service %q", ref, name)
			}
			lastErr = retry.LastError(err)
			sr.Attempts = append(sr.Attempts, p.recordAttempts(ref, made, false)...)
			tried = append(tried, fmt.Sprintf("%s (%d attempts)", ref, made))
			logger.Warningf("service %q: reference %q exhausted after %d attempts: %v", name, ref, made, lastErr)
		}

		if fetched == "" {
			report.Services = append(report.Services, sr)
			return report, errors.Annotatef(ErrPullExhausted,
				"service %q: tried %s: %v", name, strings.Join(tried, ", "), lastErr)
		}
		sr.Reference = fetched
		if fetched != svc.Image {
			logger.Infof("service %q: image %q replaced by fallback %q", name, svc.Image, fetched)
			svc.Image = fetched
			sr.Substituted = true
			report.Substituted = true
		}
		report.Services = append(report.Services, sr)
	}
	return report, nil
}

// pullReference attempts a single reference up to the configured
// budget, doubling the wait after each failure. It reports how many
// attempts were made alongside the terminal error, if any.
func (p *Puller) pullReference(ctx context.Context, ref string) (int, error) {
	made := 0
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			made++
			return p.config.Manager.PullImage(ctx, ref)
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Debugf("pull %q attempt %d failed: %v", ref, attempt, lastError)
		},
		Attempts:    p.config.Attempts,
		Delay:       p.config.InitialDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       p.config.Clock,
		Stop:        ctx.Done(),
	})
	return made, err
}

// recordAttempts reconstructs the attempt history of a completed
// reference from the number of attempts made and whether the last one
// succeeded. The delay recorded against an attempt is the backoff wait
// that followed its failure; the final attempt carries none.
func (p *Puller) recordAttempts(ref string, made int, succeeded bool) []PullAttempt {
	attempts := make([]PullAttempt, 0, made)
	delay := p.config.InitialDelay
	for i := 1; i <= made; i++ {
		attempt := PullAttempt{Reference: ref, Attempt: i}
		switch {
		case i < made:
			attempt.Outcome = OutcomeRetrying
			attempt.Delay = stack.Duration(delay)
			delay *= 2
		case succeeded:
			attempt.Outcome = OutcomeSuccess
		default:
			attempt.Outcome = OutcomeExhausted
		}
		attempts = append(attempts, attempt)
	}
	return attempts
}
