// Package oauth implements an OAuth 2.1 authorization-code client with PKCE
// for authenticating toolbridge against remote tool servers.
//
// The package covers the full client-side flow:
//   - Authorization server metadata discovery (RFC 8414 well-known document)
//   - Dynamic Client Registration (RFC 7591) as a public client
//   - Authorization URL construction with PKCE (RFC 7636) and a resource
//     indicator (RFC 8707) binding the token to the target server
//   - Code exchange, refresh with rotation, and best-effort revocation
//     (RFC 7009)
//
// Client is a per-server state machine: Unregistered -> Registered ->
// AuthorizationInitiated -> Authenticated, with refresh re-entering
// Authenticated and refresh failure dropping back to Registered so the
// caller can decide to re-authorize. Tokens are persisted through an
// injected TokenStore; in-flight authorization attempts live in a FlowStore
// entry that is single-use and expires on its own.
package oauth
