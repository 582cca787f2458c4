// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package puller_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/gantry/internal/puller"
	"github.com/juju/gantry/internal/stack"
	coretesting "github.com/juju/gantry/internal/testing"
)

type pullerSuite struct {
	testing.IsolationSuite

	stub  *testing.Stub
	clock *testclock.Clock
}

var _ = gc.Suite(&pullerSuite{})

func (s *pullerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.stub = &testing.Stub{}
	s.clock = testclock.NewClock(time.Time{})
}

func (s *pullerSuite) newPuller(c *gc.C, attempts int) *puller.Puller {
	p, err := puller.NewPuller(puller.Config{
		Manager:      &stubManager{stub: s.stub},
		Clock:        s.clock,
		Attempts:     attempts,
		InitialDelay: 5 * time.Second,
	})
	c.Assert(err, jc.ErrorIsNil)
	return p
}

func describe(c *gc.C, image string, fallbacks ...string) *stack.StackDescription {
	desc := &stack.StackDescription{
		Project: "iotstack",
		Services: map[string]*stack.ServiceSpec{
			"db": {Name: "db", Image: image, Fallbacks: fallbacks},
		},
	}
	c.Assert(desc.Validate(), jc.ErrorIsNil)
	return desc
}

type pullResult struct {
	report *puller.Report
	err    error
}

func (s *pullerSuite) pullAsync(p *puller.Puller, desc *stack.StackDescription) chan pullResult {
	done := make(chan pullResult, 1)
	go func() {
		report, err := p.Pull(context.Background(), desc)
		done <- pullResult{report: report, err: err}
	}()
	return done
}

func (s *pullerSuite) waitResult(c *gc.C, done chan pullResult) pullResult {
	select {
	case res := <-done:
		return res
	case <-time.After(coretesting.LongWait):
		c.Fatalf("timed out waiting for pull to finish")
	}
	return pullResult{}
}

func (s *pullerSuite) TestPullFirstAttempt(c *gc.C) {
	desc := describe(c, "postgres:16.4-alpine", "postgres:16-alpine")
	report, err := s.newPuller(c, 3).Pull(context.Background(), desc)
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCalls(c, []testing.StubCall{
		{FuncName: "PullImage", Args: []interface{}{"postgres:16.4-alpine"}},
	})
	c.Assert(report.Substituted, jc.IsFalse)
	c.Assert(report.Services, gc.HasLen, 1)
	c.Assert(report.Services[0].Reference, gc.Equals, "postgres:16.4-alpine")
	c.Assert(report.Services[0].Attempts, jc.DeepEquals, []puller.PullAttempt{{
		Reference: "postgres:16.4-alpine",
		Attempt:   1,
		Outcome:   puller.OutcomeSuccess,
	}})
	c.Assert(desc.Services["db"].Image, gc.Equals, "postgres:16.4-alpine")
}

func (s *pullerSuite) TestPullRetriesWithDoublingBackoff(c *gc.C) {
	s.stub.SetErrors(errors.New("registry sneeze"), errors.New("registry sneeze"))
	desc := describe(c, "postgres:16.4-alpine")
	done := s.pullAsync(s.newPuller(c, 5), desc)

	// Two failures wait 5s then 10s before the third attempt succeeds.
	c.Assert(s.clock.WaitAdvance(5*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	c.Assert(s.clock.WaitAdvance(10*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)

	res := s.waitResult(c, done)
	c.Assert(res.err, jc.ErrorIsNil)
	s.stub.CheckCallNames(c, "PullImage", "PullImage", "PullImage")
	c.Assert(res.report.Services[0].Attempts, jc.DeepEquals, []puller.PullAttempt{
		{Reference: "postgres:16.4-alpine", Attempt: 1, Delay: stack.Duration(5 * time.Second), Outcome: puller.OutcomeRetrying},
		{Reference: "postgres:16.4-alpine", Attempt: 2, Delay: stack.Duration(10 * time.Second), Outcome: puller.OutcomeRetrying},
		{Reference: "postgres:16.4-alpine", Attempt: 3, Outcome: puller.OutcomeSuccess},
	})
}

func (s *pullerSuite) TestPullFallsBackAfterExhaustion(c *gc.C) {
	s.stub.SetErrors(
		errors.New("no space left"),
		errors.New("no space left"),
		errors.New("no space left"),
	)
	desc := describe(c, "postgres:16.4-alpine", "postgres:16-alpine")
	done := s.pullAsync(s.newPuller(c, 3), desc)

	// The budget for the primary is three attempts with waits of 5s and
	// 10s between them. Exhaustion advances to the fallback immediately,
	// with no further wait.
	c.Assert(s.clock.WaitAdvance(5*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	c.Assert(s.clock.WaitAdvance(10*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)

	res := s.waitResult(c, done)
	c.Assert(res.err, jc.ErrorIsNil)
	s.stub.CheckCalls(c, []testing.StubCall{
		{FuncName: "PullImage", Args: []interface{}{"postgres:16.4-alpine"}},
		{FuncName: "PullImage", Args: []interface{}{"postgres:16.4-alpine"}},
		{FuncName: "PullImage", Args: []interface{}{"postgres:16.4-alpine"}},
		{FuncName: "PullImage", Args: []interface{}{"postgres:16-alpine"}},
	})

	c.Assert(desc.Services["db"].Image, gc.Equals, "postgres:16-alpine")
	c.Assert(res.report.Substituted, jc.IsTrue)
	sr := res.report.Service("db")
	c.Assert(sr, gc.NotNil)
	c.Assert(sr.Substituted, jc.IsTrue)
	c.Assert(sr.Reference, gc.Equals, "postgres:16-alpine")
	c.Assert(sr.Attempts, gc.HasLen, 4)
	c.Assert(sr.Attempts[2].Outcome, gc.Equals, puller.OutcomeExhausted)
	c.Assert(sr.Attempts[3], jc.DeepEquals, puller.PullAttempt{
		Reference: "postgres:16-alpine",
		Attempt:   1,
		Outcome:   puller.OutcomeSuccess,
	})
}

func (s *pullerSuite) TestPullChainExhaustedIsFatal(c *gc.C) {
	s.stub.SetErrors(
		errors.New("no space left"),
		errors.New("no space left"),
		errors.New("no space left"),
		errors.New("no space left"),
	)
	desc := describe(c, "postgres:16.4-alpine", "postgres:16-alpine")
	done := s.pullAsync(s.newPuller(c, 2), desc)

	c.Assert(s.clock.WaitAdvance(5*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	c.Assert(s.clock.WaitAdvance(5*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)

	res := s.waitResult(c, done)
	c.Assert(res.err, jc.ErrorIs, puller.ErrPullExhausted)
	c.Assert(res.err, gc.ErrorMatches,
		`service "db": tried postgres:16\.4-alpine \(2 attempts\), postgres:16-alpine \(2 attempts\): no space left: image pull exhausted`)

	// The description is left untouched when nothing was fetched.
	c.Assert(desc.Services["db"].Image, gc.Equals, "postgres:16.4-alpine")
	sr := res.report.Service("db")
	c.Assert(sr, gc.NotNil)
	c.Assert(sr.Reference, gc.Equals, "")
	c.Assert(sr.Attempts, jc.DeepEquals, []puller.PullAttempt{
		{Reference: "postgres:16.4-alpine", Attempt: 1, Delay: stack.Duration(5 * time.Second), Outcome: puller.OutcomeRetrying},
		{Reference: "postgres:16.4-alpine", Attempt: 2, Outcome: puller.OutcomeExhausted},
		{Reference: "postgres:16-alpine", Attempt: 1, Delay: stack.Duration(5 * time.Second), Outcome: puller.OutcomeRetrying},
		{Reference: "postgres:16-alpine", Attempt: 2, Outcome: puller.OutcomeExhausted},
	})
}

func (s *pullerSuite) TestPullWalksServicesInNameOrder(c *gc.C) {
	s.stub.SetErrors(nil, errors.New("registry sneeze"))
	desc := &stack.StackDescription{
		Project: "iotstack",
		Services: map[string]*stack.ServiceSpec{
			"db":     {Name: "db", Image: "postgres:16.4-alpine"},
			"broker": {Name: "broker", Image: "eclipse-mosquitto:2.0.18"},
		},
	}
	c.Assert(desc.Validate(), jc.ErrorIsNil)
	done := s.pullAsync(s.newPuller(c, 3), desc)

	c.Assert(s.clock.WaitAdvance(5*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)

	res := s.waitResult(c, done)
	c.Assert(res.err, jc.ErrorIsNil)
	s.stub.CheckCalls(c, []testing.StubCall{
		{FuncName: "PullImage", Args: []interface{}{"eclipse-mosquitto:2.0.18"}},
		{FuncName: "PullImage", Args: []interface{}{"postgres:16.4-alpine"}},
		{FuncName: "PullImage", Args: []interface{}{"postgres:16.4-alpine"}},
	})
	c.Assert(res.report.Services, gc.HasLen, 2)
	c.Assert(res.report.Services[0].Service, gc.Equals, "broker")
	c.Assert(res.report.Services[1].Service, gc.Equals, "db")
	c.Assert(res.report.Substituted, jc.IsFalse)
}

func (s *pullerSuite) TestPullStopsOnCancelledContext(c *gc.C) {
	s.stub.SetErrors(errors.New("registry sneeze"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	desc := describe(c, "postgres:16.4-alpine")
	report, err := s.newPuller(c, 3).Pull(ctx, desc)
	c.Assert(err, jc.ErrorIs, context.Canceled)
	s.stub.CheckCallNames(c, "PullImage")
	c.Assert(report.Services, gc.HasLen, 1)
	c.Assert(report.Services[0].Attempts, gc.HasLen, 0)
}

func (s *pullerSuite) TestConfigValidate(c *gc.C) {
	base := puller.Config{
		Manager:      &stubManager{stub: s.stub},
		Clock:        s.clock,
		Attempts:     5,
		InitialDelay: 5 * time.Second,
	}
	c.Assert(base.Validate(), jc.ErrorIsNil)

	for i, test := range []struct {
		about  string
		mutate func(*puller.Config)
		expect string
	}{{
		about:  "missing manager",
		mutate: func(cfg *puller.Config) { cfg.Manager = nil },
		expect: "nil Manager not valid",
	}, {
		about:  "missing clock",
		mutate: func(cfg *puller.Config) { cfg.Clock = nil },
		expect: "nil Clock not valid",
	}, {
		about:  "no attempts",
		mutate: func(cfg *puller.Config) { cfg.Attempts = 0 },
		expect: "Attempts 0 not valid",
	}, {
		about:  "no delay",
		mutate: func(cfg *puller.Config) { cfg.InitialDelay = 0 },
		expect: "InitialDelay 0s not valid",
	}} {
		c.Logf("test %d: %s", i, test.about)
		cfg := base
		test.mutate(&cfg)
		err := cfg.Validate()
		c.Check(err, jc.ErrorIs, errors.NotValid)
		c.Check(err, gc.ErrorMatches, test.expect)

		_, err = puller.NewPuller(cfg)
		c.Check(err, jc.ErrorIs, errors.NotValid)
	}
}

type stubManager struct {
	stub *testing.Stub
}

func (s *stubManager) PullImage(ctx context.Context, ref string) error {
	s.stub.AddCall("PullImage", ref)
	return s.stub.NextErr()
}
