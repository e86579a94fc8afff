package replication

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies a replication message.
type MessageType uint8

const (
	MsgHandshake MessageType = iota + 1
	MsgHeartbeat
	MsgAck
	MsgEntries
	MsgSnapshot
	MsgError
)

// String returns the lower-case name used in logs.
func (t MessageType) String() string {
	switch t {
	case MsgHandshake:
		return "handshake"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgAck:
		return "ack"
	case MsgEntries:
		return "entries"
	case MsgSnapshot:
		return "snapshot"
	case MsgError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is the envelope for everything on a replication link. Messages are
// written as newline-delimited JSON.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage wraps data in an envelope.
func NewMessage(t MessageType, data any) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return &Message{Type: t, Timestamp: time.Now().UnixMilli(), Data: raw}, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// HandshakeRequest is the first message a secondary sends.
type HandshakeRequest struct {
	ReplicaID   string  `json:"replica_id"`
	ReplicaAddr string  `json:"replica_addr"`
	Lineage     Lineage `json:"lineage"`
	Offset      uint64  `json:"offset"`
	Epoch       uint64  `json:"epoch"`
	Token       string  `json:"token,omitempty"`
}

// HandshakeResponse tells the secondary whether it was accepted and how it
// will be resynchronized.
type HandshakeResponse struct {
	PrimaryID    string     `json:"primary_id"`
	Accepted     bool       `json:"accepted"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Mode         ResyncMode `json:"mode,omitempty"`
	Position     Position   `json:"position"`
	Epoch        uint64     `json:"epoch"`
}

// Rejection codes carried in HandshakeResponse.ErrorCode.
const (
	CodeStaleEpoch   = "stale_epoch"
	CodeNotPrimary   = "not_primary"
	CodeMaxReplicas  = "max_replicas"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

// SnapshotMessage carries the full state for a full resync.
type SnapshotMessage struct {
	Offset uint64 `json:"offset"`
	Data   []byte `json:"data"`
}

// EntriesMessage carries a batch of consecutive entries.
type EntriesMessage struct {
	Entries []Entry `json:"entries"`
}

// HeartbeatMessage is sent by the primary at a fixed interval.
type HeartbeatMessage struct {
	From     string  `json:"from"`
	Sequence uint64  `json:"seq"`
	Offset   uint64  `json:"offset"`
	Lineage  Lineage `json:"lineage"`
	Epoch    uint64  `json:"epoch"`
}

// AckMessage reports the secondary's applied offset.
type AckMessage struct {
	ReplicaID string `json:"replica_id"`
	Offset    uint64 `json:"offset"`
	Sequence  uint64 `json:"seq"`
}

// ErrorMessage reports a problem on the link. Fatal errors close it.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// TokenIssuer produces credentials for outbound handshakes.
type TokenIssuer interface {
	Issue(audience string) (string, error)
}

// TokenVerifier checks credentials on inbound handshakes.
type TokenVerifier interface {
	Verify(token, audience string) error
}

// Audience names the replication link in issued tokens.
const Audience = "replication"
