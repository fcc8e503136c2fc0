// Package logging provides a small structured logging layer for toolbridge
// built on the standard library's slog package.
//
// Log entries carry a subsystem tag so output from the OAuth client, the
// transport connector, the server registry, and the per-turn manager can be
// told apart and filtered. Initialize once at startup with InitForCLI and
// log through the package-level helpers:
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//	logging.Info("Registry", "connected to %s", serverID)
//	logging.Error("OAuth", err, "token refresh failed for %s", serverID)
package logging
