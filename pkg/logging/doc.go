// Package logging provides the structured logger shared by the oauth client
// library and the oauthctl command.
//
// It is a thin layer over log/slog. Library code obtains a *slog.Logger with
// Logger and tags it with a subsystem; the command line initializes the
// process logger once with InitForCLI.
//
// # Log Levels
//   - **Debug**: request and response details, never credentials
//   - **Info**: tokens issued, flows completed
//   - **Warn**: recoverable problems such as a JWKS refresh failing
//   - **Error**: failures surfaced to the user
//
// # Usage Examples
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
//	logging.Info("token", "obtained token for %s", clientID)
//	logging.Error("token", err, "refresh failed")
//
//	logger := logging.Logger().With("subsystem", "oauth")
//
// # Secrets
//
// Access tokens, refresh tokens, authorization codes and client secrets must
// only be logged through TruncateSecret, which keeps a short prefix for
// correlation:
//
//	logger.Debug("token issued", "access_token", logging.TruncateSecret(token))
//
// # Thread Safety
//
// InitForCLI and Logger may be called from any goroutine.
package logging
