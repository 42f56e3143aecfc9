// Package mcp contains the protocol data types and method constants the
// gateway speaks. It mirrors the wire representation of the Model Context
// Protocol generation that defined the HTTP+SSE transport, kept Go-friendly:
// exported structs with json tags and string constants for method names.
//
// The package is intentionally free of transport logic. The SSE and plain
// HTTP transports import these types but implement their own framing and
// connection handling, and the dispatch layer constructs responses from
// these concrete types before handing them back for JSON-RPC serialization.
package mcp
