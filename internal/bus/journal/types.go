package journal

import "github.com/ChuLiYu/mxflow/pkg/types"

// ============================================================================
// Journal record types
// ============================================================================

// EventType names a broker state transition.
type EventType string

const (
	EventPublish EventType = "PUBLISH" // message accepted onto a channel
	EventAck     EventType = "ACK"     // consumer acknowledged, message forgotten
	EventRequeue EventType = "REQUEUE" // nacked or timed out, back to pending
	EventDead    EventType = "DEAD"    // moved to the dead-letter channel
	EventCommit  EventType = "COMMIT"  // closes a transaction's records
)

// Event is one line in the journal.
type Event struct {
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	MessageID types.MessageID `json:"message_id"`
	Timestamp int64           `json:"timestamp"` // unix ms

	// Txn groups records written by AppendTxn. They only count once the
	// matching COMMIT record is present.
	Txn string `json:"txn,omitempty"`

	// Full message for PUBLISH, REQUEUE and DEAD. ACK only needs the id.
	Message *types.Message `json:"message,omitempty"`

	Checksum uint32 `json:"checksum"`
}

// Op is one record of a transaction.
type Op struct {
	Type    EventType
	Message *types.Message
}

// EventHandler applies a replayed event to broker state.
type EventHandler func(event Event) error

// Options tune durability against throughput.
type Options struct {
	// SyncOnAppend flushes and fsyncs every append.
	SyncOnAppend bool
	// BufferSize is the number of events held before a forced flush.
	BufferSize int
	// KeepRotated bounds how many rotated segments stay on disk; 0 keeps all.
	KeepRotated int
}
