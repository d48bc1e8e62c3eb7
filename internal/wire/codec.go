package wire

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Format selects which wire encoding a Codec uses.
type Format int

const (
	CBOR Format = iota
	JSON
)

// Codec (de)serializes request/response envelopes. Binary transports
// use CBOR (the teacher's common/cbor pattern, reproduced here over
// fxamacker/cbor/v2 directly); JSON transports get the same envelope
// shape with Sequence fields rendered as strings via its custom
// (Un)MarshalJSON.
type Codec struct {
	format  Format
	cborEnc cbor.EncMode
}

// NewCodec creates a codec for the given wire format.
func NewCodec(format Format) (*Codec, error) {
	c := &Codec{format: format}
	if format == CBOR {
		opts := cbor.CanonicalEncOptions()
		enc, err := opts.EncMode()
		if err != nil {
			return nil, fmt.Errorf("wire: building canonical cbor encoder: %w", err)
		}
		c.cborEnc = enc
	}
	return c, nil
}

// Encode serializes v according to the codec's format.
func (c *Codec) Encode(v interface{}) ([]byte, error) {
	switch c.format {
	case CBOR:
		return c.cborEnc.Marshal(v)
	case JSON:
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("wire: unknown format %d", c.format)
	}
}

// Decode deserializes data into v according to the codec's format.
func (c *Codec) Decode(data []byte, v interface{}) error {
	switch c.format {
	case CBOR:
		return cbor.Unmarshal(data, v)
	case JSON:
		return json.Unmarshal(data, v)
	default:
		return fmt.Errorf("wire: unknown format %d", c.format)
	}
}

// EncodeRequest wraps payload in a RequestEnvelope and encodes it.
func (c *Codec) EncodeRequest(msgType MessageType, requestID uuid.UUID, payload interface{}) ([]byte, error) {
	return c.Encode(RequestEnvelope{Type: msgType, RequestID: requestID, Payload: payload})
}

// EncodeResponse wraps payload (or errPayload) in a ResponseEnvelope
// and encodes it.
func (c *Codec) EncodeResponse(msgType MessageType, requestID uuid.UUID, payload interface{}, errPayload *ErrorPayload) ([]byte, error) {
	return c.Encode(ResponseEnvelope{Type: msgType, RequestID: requestID, Payload: payload, Error: errPayload})
}

// rawEnvelope mirrors RequestEnvelope/ResponseEnvelope's wire shape
// with an untyped payload field, used as the intermediate decode
// target before the payload's concrete type is known.
type rawEnvelope struct {
	Type      MessageType   `json:"type" cbor:"type"`
	RequestID uuid.UUID     `json:"requestId" cbor:"requestId"`
	Payload   interface{}   `json:"payload,omitempty" cbor:"payload,omitempty"`
	Error     *ErrorPayload `json:"error,omitempty" cbor:"error,omitempty"`
}

// DecodeEnvelope decodes a frame's envelope and, if payloadOut is
// non-nil and the frame carries a payload, repacks that payload into
// payloadOut. The payload's concrete type isn't known until the
// envelope's Type tag is read, so this decodes twice: once into an
// untyped intermediate, then re-encodes just the payload and decodes
// it into the caller's concrete struct.
func (c *Codec) DecodeEnvelope(data []byte, payloadOut interface{}) (MessageType, uuid.UUID, *ErrorPayload, error) {
	var raw rawEnvelope
	if err := c.Decode(data, &raw); err != nil {
		return "", uuid.UUID{}, nil, fmt.Errorf("wire: decoding envelope: %w", err)
	}
	if payloadOut != nil && raw.Payload != nil {
		repacked, err := c.Encode(raw.Payload)
		if err != nil {
			return "", uuid.UUID{}, nil, fmt.Errorf("wire: repacking payload: %w", err)
		}
		if err := c.Decode(repacked, payloadOut); err != nil {
			return "", uuid.UUID{}, nil, fmt.Errorf("wire: decoding payload: %w", err)
		}
	}
	return raw.Type, raw.RequestID, raw.Error, nil
}
