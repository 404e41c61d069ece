// Package artifacts persists exported bundles, similarity reports and model
// checkpoints under a per-model directory tree, indexes runs in SQLite and
// watches the tree for changes.
package artifacts

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Format defines the serialization format of stored artifacts.
type Format int

const (
	FormatJSON Format = iota
	// FormatProto stores the JSON document as a protobuf google.protobuf.Value.
	FormatProto
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatProto:
		return "proto"
	default:
		return "unknown"
	}
}

// Extension returns the file extension used for the format.
func (f Format) Extension() string {
	if f == FormatProto {
		return ".pb"
	}
	return ".json"
}

// ParseFormat parses "json" or "proto".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "proto", "protobuf", "pb":
		return FormatProto, nil
	}
	return 0, fmt.Errorf("unsupported artifact format: %s", s)
}

func formatOf(ext string) (Format, bool) {
	switch ext {
	case ".json":
		return FormatJSON, true
	case ".pb":
		return FormatProto, true
	}
	return 0, false
}

// encode serializes v. Both formats carry the same document: the protobuf
// form is the JSON value converted to structpb.
func encode(format Format, v any) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(v, "", "  ")
	case FormatProto:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		value, err := structpb.NewValue(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert document: %w", err)
		}
		return proto.Marshal(value)
	default:
		return nil, fmt.Errorf("unsupported artifact format: %s", format)
	}
}

func decode(format Format, data []byte, v any) error {
	switch format {
	case FormatJSON:
		return json.Unmarshal(data, v)
	case FormatProto:
		var value structpb.Value
		if err := proto.Unmarshal(data, &value); err != nil {
			return err
		}
		raw, err := json.Marshal(value.AsInterface())
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, v)
	default:
		return fmt.Errorf("unsupported artifact format: %s", format)
	}
}
