// Package mock provides an in-process OAuth 2.0 and OpenID Connect
// authorization server for tests.
//
// OAuthServer implements discovery, authorization (with PAR and request
// objects), every token grant the client library supports, introspection,
// revocation, userinfo, device authorization and CIBA in poll mode. ID
// tokens are RS256-signed with a key published on /jwks.
//
// Key Components:
//
// OAuthServer: the authorization server. Behavior is configured through
// OAuthServerConfig; failures are injected with OAuthErrorSimulation.
//
// ProtectedResource: an http.Handler that serves requests only for tokens
// the OAuthServer issued, answering with RFC 6750 challenges otherwise.
//
// FakeClock: a controllable clock shared by server and client so tests can
// expire tokens without sleeping.
//
// Usage:
//
//	server := mock.NewOAuthServer(mock.OAuthServerConfig{
//		ClientSecret: "s3cret",
//		AutoApprove:  true,
//		UseTLS:       true,
//	})
//	if _, err := server.Start(ctx); err != nil {
//		t.Fatal(err)
//	}
//	defer server.Stop(ctx)
//
//	httpClient := server.HTTPClient() // trusts the self-signed certificate
//
// Device and CIBA grants stay pending until ApproveDevice or
// ApproveBackChannel is called, or until PendingPolls polls have been
// answered when AutoApprove is set.
package mock
