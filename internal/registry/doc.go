// Package registry manages the set of configured tool servers: their
// persistent configuration (name, URL, transport, auth, OAuth credentials)
// and their runtime connection state. Descriptors are replaced wholesale on
// every mutation, so a reader holding a snapshot never observes a
// half-updated server entry.
package registry
