// ABOUTME: JSON codec for the gRPC transport so envelopes travel without generated protobufs.
// ABOUTME: Registered under the "json" content subtype; raw frames pass through untouched.

package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype gRPC clients must request.
const CodecName = "json"

// Frame is one undecoded envelope on the gRPC stream.
type Frame struct {
	Data []byte
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if f, ok := v.(*Frame); ok {
		return f.Data, nil
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if f, ok := v.(*Frame); ok {
		f.Data = append(f.Data[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
