// Package connector establishes sessions against remote tool servers over
// the MCP protocol. It hides the transport choice behind an ordered list of
// connection strategies: the server's preferred transport is tried first and
// the alternate second, all within one shared timeout budget. Callers either
// probe a server (connect, list tools, disconnect) or open a session that
// stays alive for the duration of a request.
package connector
