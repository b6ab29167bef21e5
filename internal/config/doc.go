// Package config provides configuration management for oauthctl.
//
// Configuration is loaded from config.yaml in a single directory. The default
// directory is ~/.config/oauthclient; commands accept --config-path to use
// another one.
//
// # Profiles
//
// A profile describes one client registration at one authorization server:
//
//	current_profile: corp
//	log_level: info
//	profiles:
//	  corp:
//	    issuer: https://login.example.com
//	    client_id: oauthctl
//	    client_secret: ${CORP_CLIENT_SECRET}
//	    scope: [openid, email, offline_access]
//	  local:
//	    token_endpoint: http://localhost:8080/token
//	    client_id: dev
//	    auth_method: none
//	    insecure: true
//
// When issuer is set the server metadata is discovered and any endpoint
// configured in the profile overrides the discovered value. Without an issuer
// token_endpoint is required. The authentication method is inferred from the
// credentials unless auth_method is given: a client_secret selects
// client_secret_basic, a private_key_file (PEM or JWK) selects
// private_key_jwt, and neither selects none.
//
// # Errors
//
// Every problem is reported as a ConfigurationError carrying the file,
// profile and field involved. Validation returns a
// ConfigurationErrorCollection so all problems are shown at once.
//
// # Token Cache
//
// TokenStore keeps the last token obtained for each profile in
// tokens/<profile>.json below the configuration directory. Files are created
// with mode 0600 because they hold bearer credentials.
package config
