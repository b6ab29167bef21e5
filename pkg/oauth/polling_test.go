package oauth

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedTokenServer answers token requests with the given bodies in
// order, repeating the last one.
func scriptedTokenServer(t *testing.T, bodies ...map[string]any) (*Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(bodies) {
			n = len(bodies) - 1
		}
		body := bodies[n]
		status := http.StatusOK
		if _, isErr := body["error"]; isErr {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, body)
	})
	return client, &calls
}

var (
	pendingBody  = map[string]any{"error": "authorization_pending"}
	slowDownBody = map[string]any{"error": "slow_down"}
	successBody  = map[string]any{"access_token": "at-1", "token_type": "Bearer", "expires_in": 60}
)

func newDeviceJob(client *Client) *DeviceAuthorizationPollingJob {
	return NewDeviceAuthorizationPollingJob(client, &DeviceAuthorizationResponse{DeviceCode: "dc-1", Interval: 5 * time.Second})
}

func TestPollingJob_PendingThenDenied(t *testing.T) {
	client, _ := scriptedTokenServer(t, pendingBody, pendingBody, pendingBody, pendingBody, pendingBody, map[string]any{"error": "access_denied"})
	job := newDeviceJob(client)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := job.Step(ctx)
		if err != nil {
			t.Fatalf("Step() %d error = %v", i, err)
		}
		if result.State != PollStatePending || result.Interval != 5*time.Second {
			t.Errorf("Step() %d = %+v, want pending at 5s", i, result)
		}
	}

	result, err := job.Step(ctx)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("Step() error = %v, want ErrAccessDenied", err)
	}
	if result.State != PollStateFailure || result.Token != nil {
		t.Errorf("Step() = %+v, want failure without token", result)
	}
	if job.Token() != nil {
		t.Error("Token() set after failure")
	}

	if _, err := job.Step(ctx); !errors.Is(err, ErrJobTerminated) {
		t.Errorf("Step() after failure error = %v, want ErrJobTerminated", err)
	}
}

func TestPollingJob_SlowDown(t *testing.T) {
	client, _ := scriptedTokenServer(t, slowDownBody, slowDownBody, pendingBody, successBody)
	job := newDeviceJob(client)
	ctx := context.Background()

	wantIntervals := []time.Duration{10 * time.Second, 15 * time.Second, 15 * time.Second}
	wantStates := []PollState{PollStateSlowDown, PollStateSlowDown, PollStatePending}
	for i, want := range wantIntervals {
		result, err := job.Step(ctx)
		if err != nil {
			t.Fatalf("Step() %d error = %v", i, err)
		}
		if result.State != wantStates[i] || result.Interval != want {
			t.Errorf("Step() %d = %s/%v, want %s/%v", i, result.State, result.Interval, wantStates[i], want)
		}
	}

	result, err := job.Step(ctx)
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if result.State != PollStateSuccess || result.Token.AccessToken() != "at-1" {
		t.Errorf("Step() = %+v, want success", result)
	}
	if _, err := job.Step(ctx); !errors.Is(err, ErrJobTerminated) {
		t.Errorf("Step() after success error = %v, want ErrJobTerminated", err)
	}
}

func TestPollingJob_Run(t *testing.T) {
	client, calls := scriptedTokenServer(t, pendingBody, slowDownBody, successBody)
	job := newDeviceJob(client)

	var waits []time.Duration
	job.SetWaitFunc(func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	})

	token, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if token.AccessToken() != "at-1" {
		t.Errorf("AccessToken() = %q, want at-1", token.AccessToken())
	}
	if calls.Load() != 3 {
		t.Errorf("token requests = %d, want 3", calls.Load())
	}
	if len(waits) != 2 || waits[0] != 5*time.Second || waits[1] != 10*time.Second {
		t.Errorf("waits = %v, want [5s 10s]", waits)
	}
}

func TestPollingJob_RunCancelled(t *testing.T) {
	client, calls := scriptedTokenServer(t, pendingBody)
	job := newDeviceJob(client)

	ctx, cancel := context.WithCancel(context.Background())
	job.SetWaitFunc(func(ctx context.Context, d time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := job.Run(ctx)
	var cancelled *CancelledError
	if !errors.As(err, &cancelled) {
		t.Fatalf("Run() error = %v, want *CancelledError", err)
	}
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Errorf("error %v does not match ErrCancelled and context.Canceled", err)
	}
	if calls.Load() != 1 {
		t.Errorf("token requests = %d, want 1", calls.Load())
	}
	if job.State().Terminal() {
		t.Errorf("State() = %s, want non-terminal after cancel", job.State())
	}
}

func TestPollingJob_RunAlreadyCancelled(t *testing.T) {
	client, calls := scriptedTokenServer(t, successBody)
	job := newDeviceJob(client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := job.Run(ctx); !errors.Is(err, ErrCancelled) {
		t.Errorf("Run() error = %v, want ErrCancelled", err)
	}
	if calls.Load() != 0 {
		t.Errorf("token requests = %d, want none", calls.Load())
	}
}

func TestPollingJob_TransportErrorIsRetryable(t *testing.T) {
	client, server := newTestClient(t, func(http.ResponseWriter, *http.Request) {})
	server.Close()
	job := newDeviceJob(client)

	result, err := job.Step(context.Background())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Step() error = %v, want *TransportError", err)
	}
	if result.State.Terminal() {
		t.Errorf("State = %s, want non-terminal after a transport error", result.State)
	}
}

func TestBackChannelAuthenticationPollingJob(t *testing.T) {
	client, _ := scriptedTokenServer(t, pendingBody, successBody)
	job := NewBackChannelAuthenticationPollingJob(client, &BackChannelAuthenticationResponse{AuthReqID: "req-1"})
	if job.Interval() != DefaultPollingInterval {
		t.Errorf("Interval() = %v, want default %v", job.Interval(), DefaultPollingInterval)
	}
	job.SetWaitFunc(func(context.Context, time.Duration) error { return nil })

	token, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if token.AccessToken() != "at-1" || job.State() != PollStateSuccess {
		t.Errorf("token = %v, state = %s", token, job.State())
	}
}

func TestPollState_String(t *testing.T) {
	tests := []struct {
		state PollState
		want  string
	}{
		{PollStatePending, "pending"},
		{PollStateSlowDown, "slow_down"},
		{PollStateSuccess, "success"},
		{PollStateFailure, "failure"},
		{PollState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("PollState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
