package telemetry

import (
	"encoding/json"

	"github.com/klauspost/compress/s2"
)

// EncodePayload serializes a Payload to JSON, optionally compressing
// it with S2, a Snappy-compatible codec.
func EncodePayload(p Payload, compress bool) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if !compress {
		return raw, nil
	}
	return s2.Encode(nil, raw), nil
}

// DecodePayload is the inverse of EncodePayload.
func DecodePayload(data []byte, compressed bool) (Payload, error) {
	var p Payload
	raw := data
	if compressed {
		decoded, err := s2.Decode(nil, data)
		if err != nil {
			return Payload{}, err
		}
		raw = decoded
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// DecodeManifest parses an inbound DecoderManifest envelope.
func DecodeManifest(data []byte) (DecoderManifest, error) {
	var m DecoderManifest
	err := json.Unmarshal(data, &m)
	return m, err
}

// DecodeSchemes parses an inbound CollectionSchemes envelope.
func DecodeSchemes(data []byte) (CollectionSchemes, error) {
	var s CollectionSchemes
	err := json.Unmarshal(data, &s)
	return s, err
}

// EncodeCheckin serializes a Checkin for transport.
func EncodeCheckin(c Checkin) ([]byte, error) { return json.Marshal(c) }
