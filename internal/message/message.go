// ABOUTME: Wire document exchanged between agent and controller, plus its validation errors.
// ABOUTME: One Doc is one complete message: REQUEST, ACK, NACK, REPLY or CANCEL.

package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// Type is the kind of a wire document.
type Type string

const (
	TypeRequest Type = "REQUEST"
	TypeAck     Type = "ACK"
	TypeNack    Type = "NACK"
	TypeReply   Type = "REPLY"
	TypeCancel  Type = "CANCEL"
)

// Valid reports whether t is one of the known document types.
func (t Type) Valid() bool {
	switch t {
	case TypeRequest, TypeAck, TypeNack, TypeReply, TypeCancel:
		return true
	}
	return false
}

// UnknownID is used in best-effort NACKs when an id could not be parsed.
const UnknownID = "unknown"

// Doc is the wire unit.
type Doc struct {
	Type         Type           `json:"type"`
	RequestID    string         `json:"request_id"`
	MessageID    string         `json:"message_id"`
	Payload      map[string]any `json:"payload,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	AgentID      string         `json:"agent_id,omitempty"`
}

// Clone returns a copy whose payload map can be modified independently.
func (d *Doc) Clone() *Doc {
	if d == nil {
		return nil
	}
	c := *d
	if d.Payload != nil {
		c.Payload = maps.Clone(d.Payload)
	}
	return &c
}

// Command returns the command name of a REQUEST payload.
func (d *Doc) Command() string {
	name, _ := d.Payload["command"].(string)
	return name
}

// Arguments returns the arguments of a REQUEST payload, never nil.
func (d *Doc) Arguments() map[string]any {
	args, _ := d.Payload["arguments"].(map[string]any)
	if args == nil {
		return map[string]any{}
	}
	return args
}

// NewRequestPayload builds the payload of a REQUEST document.
func NewRequestPayload(command string, args map[string]any) map[string]any {
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{
		"command":   command,
		"arguments": args,
	}
}

// Validation errors.
var (
	ErrMissingParameter      = errors.New("missing message parameter")
	ErrInvalidParameterValue = errors.New("invalid message parameter value")
)

// MissingParameterError names a required field that was absent.
type MissingParameterError struct {
	Field string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing message parameter %q", e.Field)
}

func (e *MissingParameterError) Is(target error) bool {
	return target == ErrMissingParameter
}

// InvalidParameterValueError names a field whose value is not acceptable.
type InvalidParameterValueError struct {
	Field string
	Value any
}

func (e *InvalidParameterValueError) Error() string {
	return fmt.Sprintf("invalid value %v for message parameter %q", e.Value, e.Field)
}

func (e *InvalidParameterValueError) Is(target error) bool {
	return target == ErrInvalidParameterValue
}

// Validate checks the fields every document must carry.
func (d *Doc) Validate() error {
	if d.Type == "" {
		return &MissingParameterError{Field: "type"}
	}
	if !d.Type.Valid() {
		return &InvalidParameterValueError{Field: "type", Value: d.Type}
	}
	if d.RequestID == "" {
		return &MissingParameterError{Field: "request_id"}
	}
	if d.MessageID == "" {
		return &MissingParameterError{Field: "message_id"}
	}
	return nil
}

// Parse decodes and validates one JSON document. On a validation failure
// the partially decoded document is still returned so callers can NACK with
// whatever ids it carries.
func Parse(data []byte) (*Doc, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return FromMap(raw)
}

// FromMap converts a generic decoded object into a Doc.
func FromMap(raw map[string]any) (*Doc, error) {
	doc := &Doc{}
	var err error

	str := func(field string) string {
		v, ok := raw[field]
		if !ok || v == nil {
			return ""
		}
		s, ok := v.(string)
		if !ok && err == nil {
			err = &InvalidParameterValueError{Field: field, Value: v}
		}
		return s
	}

	doc.Type = Type(str("type"))
	doc.RequestID = str("request_id")
	doc.MessageID = str("message_id")
	doc.ErrorMessage = str("error_message")
	doc.AgentID = str("agent_id")

	if p, ok := raw["payload"]; ok && p != nil {
		m, ok := p.(map[string]any)
		if !ok && err == nil {
			err = &InvalidParameterValueError{Field: "payload", Value: p}
		}
		doc.Payload = m
	}

	if err != nil {
		return doc, err
	}
	return doc, doc.Validate()
}

// ToMap converts a Doc into a generic object suitable for JSON or structpb.
func (d *Doc) ToMap() map[string]any {
	m := map[string]any{
		"type":       string(d.Type),
		"request_id": d.RequestID,
		"message_id": d.MessageID,
	}
	if d.Payload != nil {
		m["payload"] = d.Payload
	}
	if d.ErrorMessage != "" {
		m["error_message"] = d.ErrorMessage
	}
	if d.AgentID != "" {
		m["agent_id"] = d.AgentID
	}
	return m
}

// Conn is the outbound half of a transport. Send is fire-and-forget from the
// protocol's point of view: retransmission timers cover silent losses.
type Conn interface {
	Send(doc *Doc) error
}

// ConnFunc adapts a function to Conn.
type ConnFunc func(doc *Doc) error

func (f ConnFunc) Send(doc *Doc) error { return f(doc) }
