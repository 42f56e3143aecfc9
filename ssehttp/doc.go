// Package ssehttp implements the gateway's Server-Sent-Events transport: a
// GET stream carrying server-to-client events paired with a POST side-channel
// for client-to-server JSON-RPC messages.
//
// The transport initializes on the client's behalf. EventSource clients
// cannot speak before the stream opens, so after announcing the connection
// the handler synthesizes an MCP initialize request, dispatches it, and only
// then lets queued client traffic flow. Requests posted before the handshake
// completes are held in arrival order and drained exactly once on success.
//
// Background loops emit heartbeats to ready connections and reap connections
// whose last non-heartbeat activity exceeds the idle timeout. A broker
// subscription fans broadcast events out to every ready connection, including
// those held by other replicas sharing the broker.
package ssehttp
