// Package message defines the wire document and the timers that retransmit it.
//
// # Documents
//
// A Doc is one transmission: {type, request_id, message_id, payload,
// error_message, agent_id}. request_id names the exchange and never changes;
// message_id names one transmission. Parse and FromMap validate inbound
// documents and return MissingParameterError or InvalidParameterValueError.
// ToStruct and FromStruct carry a Doc over gRPC as a structpb.Struct.
//
// # Timers
//
// MessageTimer sends a document and re-sends it through the event space
// until cancelled. With refreshID each resend gets a new message id; REQUEST
// timers keep theirs. AckCleanupTimer fires once, after the final ACK has had
// time to reach the peer.
package message
