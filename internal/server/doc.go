// Package server implements the HTTP and WebSocket surface of GoChat.
//
// Connections are authenticated before upgrade, handed to the Hub, which
// serializes registration and teardown, and read by per-connection pumps
// that pass each inbound event to the Dispatcher in arrival order. The
// Dispatcher routes outbound events through the presence registry and
// submits chat messages for asynchronous persistence.
package server
