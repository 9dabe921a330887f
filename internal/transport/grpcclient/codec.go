package grpcclient

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered once at package init. The teacher's
// services and the IOTICS control plane both speak protobuf over the
// wire normally; this engine drops the generated-stub path along with
// buf/protovalidate (see SPEC_FULL.md's dropped-dependency list) and
// instead registers a JSON codec on the same *grpc.ClientConn plumbing,
// so every other piece of the gRPC stack -- dialing, interceptors,
// otelgrpc instrumentation, circuit breaking -- stays exactly as it
// would with generated clients.
const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return jsonCodecName }
