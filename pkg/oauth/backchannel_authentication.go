package oauth

import (
	"context"
	"time"
)

// BackChannelAuthenticationResponse is the result of a CIBA authentication
// request.
type BackChannelAuthenticationResponse struct {
	AuthReqID string
	ExpiresAt time.Time
	Interval  time.Duration
	Raw       map[string]any
}

// IsExpired reports whether the auth_req_id has expired at now.
func (r *BackChannelAuthenticationResponse) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func parseBackChannelAuthenticationResponse(body map[string]any, resp *response) (*BackChannelAuthenticationResponse, error) {
	invalid := func(reason string) error {
		return &InvalidResponseError{Kind: ErrInvalidBackChannelAuthenticationResponse, Endpoint: EndpointBackChannelAuthentication, StatusCode: resp.status, Body: resp.body, Reason: reason}
	}

	authReqID := stringField(body, "auth_req_id")
	if authReqID == "" {
		return nil, invalid("missing auth_req_id")
	}
	expiresIn, ok := numberValue(body["expires_in"])
	if !ok {
		return nil, invalid("missing expires_in")
	}

	out := &BackChannelAuthenticationResponse{
		AuthReqID: authReqID,
		ExpiresAt: resp.receivedAt.Add(secondsDuration(expiresIn)),
		Interval:  DefaultPollingInterval,
		Raw:       body,
	}
	if v, present := body["interval"]; present {
		seconds, ok := numberValue(v)
		if !ok || seconds < 0 {
			return nil, invalid("interval must be a non-negative number")
		}
		out.Interval = secondsDuration(seconds)
	}
	return out, nil
}

// BackChannelAuthenticationPollingJob polls the token endpoint with a CIBA
// auth_req_id.
type BackChannelAuthenticationPollingJob struct {
	*TokenEndpointPollingJob
	AuthReqID string
}

// NewBackChannelAuthenticationPollingJob creates a job for resp.
func NewBackChannelAuthenticationPollingJob(client *Client, resp *BackChannelAuthenticationResponse, opts ...TokenRequestOption) *BackChannelAuthenticationPollingJob {
	authReqID := resp.AuthReqID
	exchange := func(ctx context.Context) (*BearerToken, error) {
		return client.CIBA(ctx, authReqID, opts...)
	}
	return &BackChannelAuthenticationPollingJob{
		TokenEndpointPollingJob: newPollingJob(exchange, resp.Interval),
		AuthReqID:               authReqID,
	}
}
