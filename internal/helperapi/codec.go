package helperapi

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec lets us call the companion's fixed RPC surface without carrying
// generated protobuf stubs: requests and responses are plain structs
// marshalled as JSON, negotiated via the gRPC content-subtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
