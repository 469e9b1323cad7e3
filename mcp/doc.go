// Package mcp holds the Model Context Protocol wire types the gateway speaks.
// It carries no transport logic: streaminghttp frames these types and
// internal/engine dispatches on the Method constants.
//
// Only the slice of the protocol the gateway serves lives here: the
// initialize handshake, ping, tools/list, tools/call and the cancellation
// and logging notifications.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{mcp.TextContent("hello")},
//	}
package mcp
