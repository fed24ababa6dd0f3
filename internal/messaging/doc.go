// ABOUTME: Package messaging implements the reliable request/reply protocol.
// ABOUTME: ReplyRPC and RequestListener serve requests; RequestRPC and Requester issue them.

// Package messaging implements the at-least-once request/ack/reply
// protocol spoken between the agent and its controller.
//
// Every exchange is identified by a request id and driven by its own
// state machine. The replier side (ReplyRPC, owned by RequestListener)
// absorbs retransmitted REQUESTs so a command is dispatched at most once,
// retransmits its REPLY until acknowledged, and remembers finished ids
// for a grace period so late retransmissions are NACKed. The requester
// side (RequestRPC, owned by Requester) retransmits its REQUEST with the
// original message id until it is acknowledged or answered.
//
// State machine handlers run on the event space poll loop. Application
// code may call Ack, Nak and Reply from any goroutine; each protocol
// object serialises on its own lock.
package messaging
