package rpc

import (
	"encoding/json"
	"fmt"
)

// Codec is the pluggable payload (de)serialization format an Invoker or
// Executor caller uses to turn application values into the raw bytes,
// content type and payload-format indicator carried on the wire, and
// back. This layer treats it as opaque.
type Codec interface {
	ContentType() string
	PayloadFormat() uint8
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// Raw is a passthrough codec for []byte payloads.
var Raw Codec = rawCodec{}

type rawCodec struct{}

func (rawCodec) ContentType() string  { return "application/octet-stream" }
func (rawCodec) PayloadFormat() uint8 { return 0 }

func (rawCodec) Encode(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("rpc: raw codec requires []byte, got %T", v)
	}
	return b, nil
}

func (rawCodec) Decode(data []byte, v any) error {
	ptr, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rpc: raw codec requires *[]byte, got %T", v)
	}
	*ptr = data
	return nil
}

// JSON is an encoding/json codec, the one counted reference to a
// pluggable serialization format this implementation ships.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) ContentType() string  { return "application/json" }
func (jsonCodec) PayloadFormat() uint8 { return 1 }

func (jsonCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
