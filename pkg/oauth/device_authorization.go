package oauth

import (
	"context"
	"time"
)

// DeviceAuthorizationResponse is the result of a device authorization
// request (RFC 8628 §3.2).
type DeviceAuthorizationResponse struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresAt               time.Time
	Interval                time.Duration
	Raw                     map[string]any
}

// IsExpired reports whether the device code has expired at now.
func (r *DeviceAuthorizationResponse) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func parseDeviceAuthorizationResponse(body map[string]any, resp *response) (*DeviceAuthorizationResponse, error) {
	invalid := func(reason string) error {
		return &InvalidResponseError{Kind: ErrInvalidDeviceAuthorizationResponse, Endpoint: EndpointDeviceAuthorization, StatusCode: resp.status, Body: resp.body, Reason: reason}
	}

	out := &DeviceAuthorizationResponse{
		DeviceCode:              stringField(body, "device_code"),
		UserCode:                stringField(body, "user_code"),
		VerificationURI:         stringField(body, "verification_uri"),
		VerificationURIComplete: stringField(body, "verification_uri_complete"),
		Raw:                     body,
	}
	switch {
	case out.DeviceCode == "":
		return nil, invalid("missing device_code")
	case out.UserCode == "":
		return nil, invalid("missing user_code")
	case out.VerificationURI == "":
		return nil, invalid("missing verification_uri")
	}

	expiresIn, ok := numberValue(body["expires_in"])
	if !ok {
		return nil, invalid("missing expires_in")
	}
	out.ExpiresAt = resp.receivedAt.Add(secondsDuration(expiresIn))

	out.Interval = DefaultPollingInterval
	if v, present := body["interval"]; present {
		seconds, ok := numberValue(v)
		if !ok || seconds < 0 {
			return nil, invalid("interval must be a non-negative number")
		}
		out.Interval = secondsDuration(seconds)
	}
	return out, nil
}

// DeviceAuthorizationPollingJob polls the token endpoint with a device code.
type DeviceAuthorizationPollingJob struct {
	*TokenEndpointPollingJob
	DeviceCode string
}

// NewDeviceAuthorizationPollingJob creates a job for the device code of resp,
// starting at the interval the server advertised.
func NewDeviceAuthorizationPollingJob(client *Client, resp *DeviceAuthorizationResponse, opts ...TokenRequestOption) *DeviceAuthorizationPollingJob {
	deviceCode := resp.DeviceCode
	exchange := func(ctx context.Context) (*BearerToken, error) {
		return client.DeviceCode(ctx, deviceCode, opts...)
	}
	return &DeviceAuthorizationPollingJob{
		TokenEndpointPollingJob: newPollingJob(exchange, resp.Interval),
		DeviceCode:              deviceCode,
	}
}
