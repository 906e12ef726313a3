// Package types defines the bus message model shared by the transport,
// the journal, the snapshot manager and the service runtime.
package types

import (
	"encoding/json"
)

// MessageID uniquely identifies a message on the bus.
type MessageID string

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending  MessageStatus = "pending"   // queued, waiting for a consumer
	StatusInFlight MessageStatus = "in_flight" // delivered, waiting for ack/nack
	StatusAcked    MessageStatus = "acked"     // acknowledged, will be forgotten
	StatusDead     MessageStatus = "dead"      // parked on the dead-letter channel
)

// Well-known header keys.
const (
	HeaderSubscription      = "subscription"
	HeaderMessageID         = "message-id"
	HeaderRedelivered       = "redelivered"
	HeaderOriginalChannel   = "x-original-channel"
	HeaderDeathReason       = "x-death-reason"
	HeaderOriginalMessageID = "x-original-message-id"
	HeaderDelay             = "delay"
)

// Message is one bus message together with its delivery bookkeeping.
type Message struct {
	ID      MessageID         `json:"id"`
	Seq     uint64            `json:"seq"`
	Channel string            `json:"channel"`
	Header  map[string]string `json:"header,omitempty"`
	Body    json.RawMessage   `json:"body"`

	Status      MessageStatus `json:"status"`
	Attempt     int           `json:"attempt"`
	Redelivered bool          `json:"redelivered,omitempty"`

	// Unix milliseconds
	ReadyAt   int64  `json:"ready_at"`
	Deadline  *int64 `json:"deadline_ms,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`

	Subscription string `json:"subscription,omitempty"`
}

// Clone returns a deep copy that shares nothing with m.
func (m *Message) Clone() *Message {
	c := *m
	if m.Header != nil {
		c.Header = make(map[string]string, len(m.Header))
		for k, v := range m.Header {
			c.Header[k] = v
		}
	}
	if m.Body != nil {
		c.Body = append(json.RawMessage(nil), m.Body...)
	}
	if m.Deadline != nil {
		d := *m.Deadline
		c.Deadline = &d
	}
	return &c
}

// SnapshotData is the persisted broker state: every message not yet
// acknowledged, plus the journal position it reflects.
type SnapshotData struct {
	Messages  map[MessageID]*Message `json:"messages"`
	SchemaVer int                    `json:"schema_ver"`
	LastSeq   uint64                 `json:"last_seq"`
	NextSeq   uint64                 `json:"next_seq"`
}
