// ABOUTME: Conversion between Doc and the protobuf Struct well-known type.
// ABOUTME: Lets the gRPC transport carry documents without generated message types.

package message

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct converts d into a protobuf Struct. The document is normalised
// through JSON first so payloads may hold any JSON-encodable value.
func ToStruct(d *Doc) (*structpb.Struct, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("normalising message: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("building struct: %w", err)
	}
	return s, nil
}

// FromStruct converts a protobuf Struct back into a Doc, with the same
// partial-result semantics as FromMap.
func FromStruct(s *structpb.Struct) (*Doc, error) {
	if s == nil {
		return nil, &MissingParameterError{Field: "type"}
	}
	return FromMap(s.AsMap())
}
