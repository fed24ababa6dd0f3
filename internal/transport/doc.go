// ABOUTME: Package transport carries protocol documents between agent and controller.
// ABOUTME: It provides gRPC and WebSocket carriers plus the reconnecting Connector.

// Package transport moves whole message documents over a session with the
// controller. Two carriers exist: a gRPC bidirectional stream of protobuf
// Structs, and a WebSocket with one JSON document per text frame. Both
// authenticate through the auth package.
//
// The Connector owns the agent's end. It dials through a Transport, paces
// redials with a token bucket, and hands each inbound document to the event
// space so protocol code stays single-threaded.
package transport
