package grpc

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"sideseat/internal/core/services/ingest"
)

// protoToIngestJSON re-encodes a decoded OTLP export request to the
// camelCase JSON shape ingest.Extract expects, so gRPC and HTTP/JSON
// submissions converge on one wire format before they ever reach the
// stream topic.
func protoToIngestJSON(msg proto.Message) ([]byte, error) {
	return protojson.Marshal(msg)
}

func jsonMarshalEnvelope(env ingest.Envelope) ([]byte, error) {
	return json.Marshal(env)
}
