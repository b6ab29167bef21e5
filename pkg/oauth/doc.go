// Package oauth is an OAuth 2.0 and OpenID Connect client.
//
// A Client talks to one authorization server on behalf of one client
// registration. It runs every grant the server may support, calls the
// introspection, revocation, userinfo, pushed authorization, backchannel
// authentication and device authorization endpoints, and validates ID
// tokens returned alongside access tokens.
//
// # Core Components
//
//   - Discoverer: fetches and validates server metadata (OIDC discovery and RFC 8414)
//   - ClientAuthenticationMethod: none, client_secret_basic, client_secret_post,
//     client_secret_jwt and private_key_jwt
//   - AuthorizationRequest: front-channel request builder with state, nonce and PKCE
//   - BearerToken and IDToken: immutable token values
//   - TokenEndpointPollingJob: drives device code and CIBA flows
//   - RequestAuthenticator: renews tokens for outgoing API calls, one renewal at a time
//   - APIClient: calls a REST API with an authenticator
//
// # Errors
//
// Protocol errors returned by the server are *EndpointError (back-channel
// endpoints) or *AuthorizationResponseError (redirects). Both match the
// ErrorCode constants with errors.Is, and ErrUnknownErrorCode matches codes
// that are not registered for the endpoint that returned them:
//
//	token, err := client.RefreshToken(ctx, refreshToken)
//	if errors.Is(err, oauth.ErrInvalidGrant) {
//		// the refresh token is no longer usable
//	}
//
// Client-side failures wrap one of the Err* sentinels, so callers never need
// to inspect messages.
//
// # Usage
//
// Authorization code flow with discovery:
//
//	md, err := oauth.NewDiscoverer().DiscoverMetadata(ctx, "https://as.example.com")
//	auth, err := oauth.NewClientSecretBasic("my-client", secret)
//	client, err := oauth.NewClientFromMetadata(md, auth,
//		oauth.WithDefaultRedirectURI("https://app.example.com/callback"))
//
//	req, err := client.AuthorizationRequest(oauth.WithScope("openid", "email"))
//	// redirect the user to req.URI(), keep req until the callback
//	resp, err := req.ValidateCallback(callbackURL)
//	token, err := client.AuthorizationCode(ctx, resp)
//
// Machine-to-machine calls with automatic renewal:
//
//	httpClient := oauth.NewClientCredentialsAuth(client).HTTPClient(nil)
package oauth
