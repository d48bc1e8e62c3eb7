// Package wire defines the tagged message envelope exchanged between
// nodes and the dual CBOR/JSON codec used to (de)serialize it.
package wire

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/TopGunBuild/topgun-sub011/internal/antientropy"
	"github.com/TopGunBuild/topgun-sub011/internal/hlc"
	"github.com/TopGunBuild/topgun-sub011/internal/lww"
)

// MessageType tags the envelope's payload (spec §6).
type MessageType string

const (
	JournalRead            MessageType = "JOURNAL_READ"
	JournalReadResponse    MessageType = "JOURNAL_READ_RESPONSE"
	JournalSubscribe       MessageType = "JOURNAL_SUBSCRIBE"
	JournalEvent           MessageType = "JOURNAL_EVENT"
	JournalUnsubscribe     MessageType = "JOURNAL_UNSUBSCRIBE"
	Merge                  MessageType = "MERGE"
	MergeAck               MessageType = "MERGE_ACK"
	PageRangesRequest      MessageType = "PAGE_RANGES_REQUEST"
	PageRangesResponse     MessageType = "PAGE_RANGES_RESPONSE"
	DiffFetch              MessageType = "DIFF_FETCH"
	DiffFetchResponse      MessageType = "DIFF_FETCH_RESPONSE"
	Handshake              MessageType = "HANDSHAKE"
	HandshakeAck           MessageType = "HANDSHAKE_ACK"
	EpochBump              MessageType = "EPOCH_BUMP"
	ErrorMessage           MessageType = "ERROR"
)

// ErrorCode enumerates the response error codes spec §6 names.
type ErrorCode string

const (
	Fenced           ErrorCode = "FENCED"
	UnknownPartition ErrorCode = "UNKNOWN_PARTITION"
	Timeout          ErrorCode = "TIMEOUT"
	RateLimited      ErrorCode = "RATE_LIMITED"
	InvalidRequest   ErrorCode = "INVALID_REQUEST"
)

// ErrorPayload is the `{error: {code, message}}` envelope spec §6
// names for any failed request.
type ErrorPayload struct {
	Code    ErrorCode `json:"code" cbor:"code"`
	Message string    `json:"message" cbor:"message"`
}

// Sequence is a u64 journal sequence number. Binary transports encode
// it as a plain uint64; JSON transports must serialize it as a string
// to avoid precision loss in JSON number decoders (spec §6).
type Sequence uint64

// MarshalJSON renders the sequence as a decimal string.
func (s Sequence) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(s), 10))
}

// UnmarshalJSON accepts either a JSON string or a JSON number, for
// interop with producers that didn't follow the string convention.
func (s *Sequence) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		v, err := strconv.ParseUint(str, 10, 64)
		if err != nil {
			return fmt.Errorf("wire: invalid sequence string %q: %w", str, err)
		}
		*s = Sequence(v)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("wire: invalid sequence value: %w", err)
	}
	*s = Sequence(n)
	return nil
}

// MarshalCBOR encodes the sequence as a plain CBOR unsigned integer;
// binary transports need no string indirection.
func (s Sequence) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(uint64(s))
}

// UnmarshalCBOR decodes a plain CBOR unsigned integer.
func (s *Sequence) UnmarshalCBOR(data []byte) error {
	var v uint64
	if err := cbor.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = Sequence(v)
	return nil
}

// JournalEventData is the wire representation of a journal.Event.
type JournalEventData struct {
	Sequence      Sequence          `json:"sequence" cbor:"sequence"`
	Type          string            `json:"type" cbor:"type"`
	MapName       string            `json:"mapName" cbor:"mapName"`
	Key           string            `json:"key" cbor:"key"`
	Value         []byte            `json:"value,omitempty" cbor:"value,omitempty"`
	PreviousValue []byte            `json:"previousValue,omitempty" cbor:"previousValue,omitempty"`
	Timestamp     hlc.Timestamp     `json:"timestamp" cbor:"timestamp"`
	NodeID        string            `json:"nodeId" cbor:"nodeId"`
	Metadata      map[string]string `json:"metadata,omitempty" cbor:"metadata,omitempty"`
}

// RequestEnvelope wraps every client-initiated request with a
// correlation id.
type RequestEnvelope struct {
	Type      MessageType `json:"type" cbor:"type"`
	RequestID uuid.UUID   `json:"requestId" cbor:"requestId"`
	Payload   interface{} `json:"payload" cbor:"payload"`
}

// ResponseEnvelope wraps every response, carrying either a payload or
// an error but never both.
type ResponseEnvelope struct {
	Type      MessageType   `json:"type" cbor:"type"`
	RequestID uuid.UUID     `json:"requestId" cbor:"requestId"`
	Payload   interface{}   `json:"payload,omitempty" cbor:"payload,omitempty"`
	Error     *ErrorPayload `json:"error,omitempty" cbor:"error,omitempty"`
}

// JournalReadRequest is the payload of a JOURNAL_READ message.
type JournalReadRequest struct {
	FromSequence Sequence `json:"fromSequence" cbor:"fromSequence"`
	Limit        int      `json:"limit,omitempty" cbor:"limit,omitempty"`
	MapName      string   `json:"mapName,omitempty" cbor:"mapName,omitempty"`
}

// JournalSubscribeRequest is the payload of a JOURNAL_SUBSCRIBE message.
type JournalSubscribeRequest struct {
	FromSequence *Sequence `json:"fromSequence,omitempty" cbor:"fromSequence,omitempty"`
	MapName      string    `json:"mapName,omitempty" cbor:"mapName,omitempty"`
	Types        []string  `json:"types,omitempty" cbor:"types,omitempty"`
}

// MergeRequest is the payload of a MERGE message.
type MergeRequest struct {
	MapName string     `json:"mapName" cbor:"mapName"`
	Key     string     `json:"key" cbor:"key"`
	Record  lww.Record `json:"record" cbor:"record"`
}

// MergeAckPayload is the payload of a MERGE_ACK response.
type MergeAckPayload struct {
	Applied          bool          `json:"applied" cbor:"applied"`
	Rejected         bool          `json:"rejected" cbor:"rejected"`
	CurrentTimestamp hlc.Timestamp `json:"currentTimestamp" cbor:"currentTimestamp"`
}

// PageRangeData is the wire representation of an mst.PageRange.
type PageRangeData struct {
	Start string `json:"start" cbor:"start"`
	End   string `json:"end" cbor:"end"`
	Hash  string `json:"hash" cbor:"hash"`
}

// PageRangesRequestPayload is the payload of a PAGE_RANGES_REQUEST.
type PageRangesRequestPayload struct {
	PartitionID uint32 `json:"partitionId" cbor:"partitionId"`
}

// PageRangesResponsePayload is the payload of a PAGE_RANGES_RESPONSE.
type PageRangesResponsePayload struct {
	Ranges []PageRangeData `json:"ranges" cbor:"ranges"`
}

// DiffFetchRequest is the payload of a DIFF_FETCH message.
type DiffFetchRequest struct {
	PartitionID uint32 `json:"partitionId" cbor:"partitionId"`
	RangeStart  string `json:"rangeStart" cbor:"rangeStart"`
	RangeEnd    string `json:"rangeEnd" cbor:"rangeEnd"`
}

// DiffFetchEntry is one (key, record) pair in a DIFF_FETCH_RESPONSE.
type DiffFetchEntry struct {
	Key    string     `json:"key" cbor:"key"`
	Record lww.Record `json:"record" cbor:"record"`
}

// DiffFetchResponsePayload is the payload of a DIFF_FETCH_RESPONSE.
type DiffFetchResponsePayload struct {
	Entries []DiffFetchEntry `json:"entries" cbor:"entries"`
}

// HandshakePayload is the payload of a HANDSHAKE message.
type HandshakePayload struct {
	NodeID          string   `json:"nodeId" cbor:"nodeId"`
	Epoch           uint64   `json:"epoch" cbor:"epoch"`
	PartitionRoster []uint32 `json:"partitionRoster" cbor:"partitionRoster"`
}

// EpochBumpPayload is the unsolicited payload of an EPOCH_BUMP message.
type EpochBumpPayload struct {
	Epoch  uint64 `json:"epoch" cbor:"epoch"`
	Reason string `json:"reason" cbor:"reason"`
}

// DiffRangeToRequest converts a diff range into its wire form, for
// reporting inconsistent ranges as a DiffFetchRequest-shaped interval.
func DiffRangeToRequest(partitionID uint32, r antientropy.DiffRange) DiffFetchRequest {
	return DiffFetchRequest{PartitionID: partitionID, RangeStart: r.Start, RangeEnd: r.End}
}
