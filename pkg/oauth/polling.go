package oauth

import (
	"context"
	"errors"
	"time"
)

// DefaultPollingInterval applies when the server does not send an interval.
const DefaultPollingInterval = 5 * time.Second

// SlowDownIncrement is added to the interval on every slow_down (RFC 8628 §3.5).
const SlowDownIncrement = 5 * time.Second

// PollState is the state of a polling job.
type PollState int

const (
	PollStatePending PollState = iota
	PollStateSlowDown
	PollStateSuccess
	PollStateFailure
)

// String makes PollState satisfy the fmt.Stringer interface.
func (s PollState) String() string {
	switch s {
	case PollStatePending:
		return "pending"
	case PollStateSlowDown:
		return "slow_down"
	case PollStateSuccess:
		return "success"
	case PollStateFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further steps are allowed.
func (s PollState) Terminal() bool {
	return s == PollStateSuccess || s == PollStateFailure
}

// StepResult describes the outcome of one polling step. Token is set on
// success; otherwise Interval is how long the caller must wait before the
// next step.
type StepResult struct {
	State    PollState
	Token    *BearerToken
	Interval time.Duration
}

// exchangeFunc performs one token request for a polling job.
type exchangeFunc func(ctx context.Context) (*BearerToken, error)

// WaitFunc blocks for d or until ctx ends, returning ctx.Err() in that case.
type WaitFunc func(ctx context.Context, d time.Duration) error

// TokenEndpointPollingJob drives a device code or CIBA flow to completion.
// A job is driven by one caller at a time: each Step is synchronous and the
// caller waits Interval between steps, or uses Run.
type TokenEndpointPollingJob struct {
	exchange exchangeFunc
	interval time.Duration
	state    PollState
	token    *BearerToken
	err      error
	wait     WaitFunc
}

func newPollingJob(exchange exchangeFunc, interval time.Duration) *TokenEndpointPollingJob {
	if interval <= 0 {
		interval = DefaultPollingInterval
	}
	return &TokenEndpointPollingJob{
		exchange: exchange,
		interval: interval,
		state:    PollStatePending,
		wait:     sleepContext,
	}
}

// State returns the current state.
func (j *TokenEndpointPollingJob) State() PollState { return j.state }

// Interval returns the current polling interval.
func (j *TokenEndpointPollingJob) Interval() time.Duration { return j.interval }

// Token returns the token once the job succeeded.
func (j *TokenEndpointPollingJob) Token() *BearerToken { return j.token }

// Err returns the last error seen: the terminal error after a failure, or
// the last non-terminal signal while pending.
func (j *TokenEndpointPollingJob) Err() error { return j.err }

// SetWaitFunc replaces the wait used by Run between steps.
func (j *TokenEndpointPollingJob) SetWaitFunc(wait WaitFunc) {
	j.wait = wait
}

// Step performs one token request.
//
// On success the job becomes terminal and the token is returned. An
// authorization_pending error keeps the job pending; slow_down also adds
// SlowDownIncrement to the interval. Transport failures are returned but
// keep the job pending so it can be retried. Every other error is terminal
// and returned unchanged.
func (j *TokenEndpointPollingJob) Step(ctx context.Context) (StepResult, error) {
	if j.state.Terminal() {
		return StepResult{State: j.state, Token: j.token}, ErrJobTerminated
	}

	token, err := j.exchange(ctx)
	if err == nil {
		j.state = PollStateSuccess
		j.token = token
		j.err = nil
		return StepResult{State: j.state, Token: token}, nil
	}

	var endpointErr *EndpointError
	var transportErr *TransportError
	switch {
	case errors.As(err, &endpointErr) && endpointErr.Code == string(ErrAuthorizationPending):
		j.state = PollStatePending
		j.err = err
		return StepResult{State: j.state, Interval: j.interval}, nil
	case errors.As(err, &endpointErr) && endpointErr.Code == string(ErrSlowDown):
		j.interval += SlowDownIncrement
		j.state = PollStateSlowDown
		j.err = err
		return StepResult{State: j.state, Interval: j.interval}, nil
	case ctx.Err() != nil:
		return StepResult{State: j.state, Interval: j.interval}, &CancelledError{Err: ctx.Err()}
	case errors.As(err, &transportErr):
		j.err = err
		return StepResult{State: j.state, Interval: j.interval}, err
	default:
		j.state = PollStateFailure
		j.err = err
		return StepResult{State: j.state}, err
	}
}

// Run steps the job until it reaches a terminal state, waiting the current
// interval between steps. Cancellation is checked before every step and
// every wait and is reported as a *CancelledError.
func (j *TokenEndpointPollingJob) Run(ctx context.Context) (*BearerToken, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, &CancelledError{Err: err}
		}
		result, err := j.Step(ctx)
		var cancelled *CancelledError
		switch {
		case result.State == PollStateSuccess:
			return result.Token, nil
		case result.State == PollStateFailure, errors.As(err, &cancelled):
			return nil, err
		}

		if err := ctx.Err(); err != nil {
			return nil, &CancelledError{Err: err}
		}
		if err := j.wait(ctx, j.interval); err != nil {
			return nil, &CancelledError{Err: err}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
