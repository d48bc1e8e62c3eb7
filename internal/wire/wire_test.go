package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceRoundTripsThroughJSONAsString(t *testing.T) {
	var seq Sequence = 123456789
	data, err := seq.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"123456789"`, string(data))

	var back Sequence
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, seq, back)
}

func TestSequenceUnmarshalJSONAcceptsBareNumber(t *testing.T) {
	var back Sequence
	require.NoError(t, back.UnmarshalJSON([]byte(`42`)))
	assert.Equal(t, Sequence(42), back)
}

func TestSequenceRoundTripsThroughCBORAsPlainInteger(t *testing.T) {
	var seq Sequence = 42
	data, err := seq.MarshalCBOR()
	require.NoError(t, err)

	var back Sequence
	require.NoError(t, back.UnmarshalCBOR(data))
	assert.Equal(t, seq, back)
}

func TestCodecCBORRoundTrip(t *testing.T) {
	codec, err := NewCodec(CBOR)
	require.NoError(t, err)

	req := RequestEnvelope{
		Type:      JournalRead,
		RequestID: uuid.New(),
		Payload:   JournalReadRequest{FromSequence: 7, Limit: 10},
	}
	data, err := codec.Encode(req)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, codec.Decode(data, &decoded))
	assert.Equal(t, string(JournalRead), decoded["type"])
}

func TestCodecJSONRoundTrip(t *testing.T) {
	codec, err := NewCodec(JSON)
	require.NoError(t, err)

	env := ResponseEnvelope{
		Type:      MergeAck,
		RequestID: uuid.New(),
		Payload:   MergeAckPayload{Applied: true},
	}
	data, err := codec.Encode(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"MERGE_ACK"`)

	var back ResponseEnvelope
	require.NoError(t, codec.Decode(data, &back))
	assert.Equal(t, MergeAck, back.Type)
}

func TestErrorPayloadCodes(t *testing.T) {
	p := ErrorPayload{Code: Fenced, Message: "stale token"}
	assert.Equal(t, ErrorCode("FENCED"), p.Code)
}
