package runtime

import "time"

// Outcome is what a handler decided to do with its message. The runtime
// performs the matching bus action.
type Outcome interface {
	kind() string
}

// Ack finalises the message. Sends made through the wrapper are committed
// together with the acknowledgement.
type Ack struct{}

// Nack rejects the message and discards any sends. With Requeue the bus
// redelivers it; otherwise it is dead-lettered.
type Nack struct {
	Requeue bool
	Reason  string
}

// Checkpoint acknowledges the message and re-enqueues Payload to the same
// step after Delay. The delay is a lower bound.
type Checkpoint struct {
	Payload any
	Delay   time.Duration
}

// Retain commits any sends but leaves the message unsettled. The service
// must later settle it through Runtime.Finish or Runtime.Reject.
type Retain struct{}

func (Ack) kind() string        { return "ack" }
func (Nack) kind() string       { return "nack" }
func (Checkpoint) kind() string { return "checkpoint" }
func (Retain) kind() string     { return "retain" }

// Reject is shorthand for a non-requeueing Nack, the response to a message
// that violates its contract.
func Reject(reason string) Outcome { return Nack{Reason: reason} }
